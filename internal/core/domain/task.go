// Package domain holds the pure deployment domain model: tasks, strategies,
// statuses, attempts, and results. Nothing in this package performs I/O.
package domain

import "time"

// =============================================================================
// Platform & Environment
// =============================================================================

// Platform identifies the container platform available in a task's target
// environment.
type Platform string

const (
	PlatformNone       Platform = "none"
	PlatformDocker     Platform = "docker"
	PlatformKubernetes Platform = "kubernetes"
)

// Environment describes the capabilities of the deployment target.
type Environment struct {
	HasLoadBalancer bool     `json:"has_load_balancer"`
	Platform        Platform `json:"platform"`
}

// =============================================================================
// Strategy-Specific Config
// =============================================================================

// RemoteConfig holds connection and artifact details for direct (SSH)
// deployments. PrivateKey is the decrypted PEM material.
type RemoteConfig struct {
	Host       string   `json:"host"`
	Port       int      `json:"port"`
	User       string   `json:"user"`
	PrivateKey []byte   `json:"-"`
	SourcePath string   `json:"source_path"` // Local artifact to transfer
	AppPath    string   `json:"app_path"`    // Install location on the target
	Services   []string `json:"services"`    // Managed services to (re)start
}

// ContainerConfig holds image and runtime details for rolling (Docker)
// deployments.
type ContainerConfig struct {
	Image         string `json:"image"`
	Registry      string `json:"registry,omitempty"`
	ContainerName string `json:"container_name"`
	Network       string `json:"network,omitempty"` // Load-balancer/proxy network
	ContainerPort int    `json:"container_port,omitempty"`
	HostPort      int    `json:"host_port,omitempty"`
}

// ClusterConfig holds manifest and routing details for canary (Kubernetes)
// deployments.
type ClusterConfig struct {
	Manifests     string `json:"manifests"` // Multi-document YAML
	Namespace     string `json:"namespace"`
	AppName       string `json:"app_name"`
	IngressName   string `json:"ingress_name,omitempty"`
	CanaryEnabled bool   `json:"canary_enabled"`
	CanarySteps   []int  `json:"canary_steps,omitempty"` // Traffic weights, e.g. 10,50,100
}

// =============================================================================
// Deployment Task
// =============================================================================

// DeploymentTask is the external input to one deployment attempt. It is
// immutable for the duration of the attempt.
type DeploymentTask struct {
	ID                 string             `json:"id"`
	Priority           int                `json:"priority"`
	RequestedStrategy  StrategyName       `json:"requested_strategy,omitempty"`
	Environment        Environment        `json:"environment"`
	Remote             *RemoteConfig      `json:"remote,omitempty"`
	Container          *ContainerConfig   `json:"container,omitempty"`
	Cluster            *ClusterConfig     `json:"cluster,omitempty"`
	PreviousDeployment map[string]string  `json:"previous_deployment,omitempty"`
	HealthEndpoint     string             `json:"health_endpoint,omitempty"`
	HealthDependencies []HealthDependency `json:"health_dependencies,omitempty"`
	RunSmokeTests      bool               `json:"run_smoke_tests"`
	CreatedAt          time.Time          `json:"created_at"`
}

// HealthDependency is a named check the health checker must evaluate in
// addition to the primary endpoint.
type HealthDependency struct {
	Name    string `json:"name"`
	Address string `json:"address"`        // host:port for TCP probes
	URL     string `json:"url,omitempty"`  // HTTP probe when set
}

// =============================================================================
// Field Presence
// =============================================================================

// Task field names declared by strategies via RequiredFields.
const (
	FieldRemoteHost       = "remote.host"
	FieldRemoteUser       = "remote.user"
	FieldRemoteSourcePath = "remote.source_path"
	FieldRemoteAppPath    = "remote.app_path"
	FieldContainerImage   = "container.image"
	FieldContainerName    = "container.name"
	FieldClusterManifests = "cluster.manifests"
	FieldClusterNamespace = "cluster.namespace"
)

// HasField reports whether the named task field is present and non-empty.
// Unknown field names report false.
func (t DeploymentTask) HasField(name string) bool {
	switch name {
	case FieldRemoteHost:
		return t.Remote != nil && t.Remote.Host != ""
	case FieldRemoteUser:
		return t.Remote != nil && t.Remote.User != ""
	case FieldRemoteSourcePath:
		return t.Remote != nil && t.Remote.SourcePath != ""
	case FieldRemoteAppPath:
		return t.Remote != nil && t.Remote.AppPath != ""
	case FieldContainerImage:
		return t.Container != nil && t.Container.Image != ""
	case FieldContainerName:
		return t.Container != nil && t.Container.ContainerName != ""
	case FieldClusterManifests:
		return t.Cluster != nil && t.Cluster.Manifests != ""
	case FieldClusterNamespace:
		return t.Cluster != nil && t.Cluster.Namespace != ""
	default:
		return false
	}
}

// MissingFields returns the subset of names not satisfied by the task.
func (t DeploymentTask) MissingFields(names []string) []string {
	var missing []string
	for _, n := range names {
		if !t.HasField(n) {
			missing = append(missing, n)
		}
	}
	return missing
}
