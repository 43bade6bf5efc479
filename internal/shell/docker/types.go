// Package docker provides the container client used by the rolling
// deployment strategy.
package docker

import (
	"context"
	"time"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the container to create for one deployment.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           map[string]string
	Labels        map[string]string
	Ports         []PortBinding
	Networks      []string
	RestartPolicy string // "no", "always", "on-failure", "unless-stopped"
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
}

// ContainerInfo describes an existing container.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	State     string // "running", "exited", "created", ...
	Health    string // "healthy", "unhealthy", "starting", ""
	CreatedAt time.Time
	Labels    map[string]string
}

// ListOptions filters container listings.
type ListOptions struct {
	All     bool              // Include stopped containers
	Filters map[string]string // e.g. {"label": "com.deployd.task=xyz"}
}

// =============================================================================
// Labels
// =============================================================================

// Labels attached to every managed container so deployments can be correlated
// and cleaned up per task.
const (
	LabelManaged    = "com.deployd.managed"
	LabelTask       = "com.deployd.task"
	LabelDeployment = "com.deployd.deployment"
)

// =============================================================================
// Client Interface
// =============================================================================

// Client is the container runtime surface the rolling strategy needs. The
// production implementation wraps the Docker SDK; tests substitute a fake.
type Client interface {
	// Image operations
	PullImage(ctx context.Context, ref string) error
	TagImage(ctx context.Context, source, target string) error
	ImageExists(ctx context.Context, ref string) (bool, error)
	ImageSize(ctx context.Context, ref string) (int64, error)
	RemoveImage(ctx context.Context, ref string) error

	// Container operations
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)
	ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error)

	// Network operations
	ConnectNetwork(ctx context.Context, networkID, containerID string) error

	// Health operations
	Ping(ctx context.Context) error
	Close() error
}
