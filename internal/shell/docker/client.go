package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// =============================================================================
// SDK Client
// =============================================================================

// SDKClient implements Client using the Docker SDK.
type SDKClient struct {
	cli *client.Client
}

// NewSDKClient creates a Docker client. An empty host uses the environment
// default.
func NewSDKClient(host string) (*SDKClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, newError("NewSDKClient", "", "failed to create client", ErrConnectionFailed)
	}
	return &SDKClient{cli: cli}, nil
}

// Ping checks if the Docker daemon is reachable.
func (d *SDKClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return newError("Ping", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the client connection.
func (d *SDKClient) Close() error {
	return d.cli.Close()
}

// =============================================================================
// Image Operations
// =============================================================================

// PullImage pulls an image from its registry. The pull stream is drained so
// the daemon completes the pull before we return.
func (d *SDKClient) PullImage(ctx context.Context, ref string) error {
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return newError("PullImage", ref, err.Error(), ErrImagePullFailed)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return newError("PullImage", ref, err.Error(), ErrImagePullFailed)
	}
	return nil
}

// TagImage tags source as target.
func (d *SDKClient) TagImage(ctx context.Context, source, target string) error {
	if err := d.cli.ImageTag(ctx, source, target); err != nil {
		return newError("TagImage", source, err.Error(), err)
	}
	return nil
}

// ImageExists checks if an image exists locally.
func (d *SDKClient) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, newError("ImageExists", ref, err.Error(), err)
	}
	return true, nil
}

// ImageSize returns the local size of an image in bytes.
func (d *SDKClient) ImageSize(ctx context.Context, ref string) (int64, error) {
	inspect, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return 0, newError("ImageSize", ref, "image not found", ErrImageNotFound)
		}
		return 0, newError("ImageSize", ref, err.Error(), err)
	}
	return inspect.Size, nil
}

// RemoveImage removes a local image reference.
func (d *SDKClient) RemoveImage(ctx context.Context, ref string) error {
	_, err := d.cli.ImageRemove(ctx, ref, image.RemoveOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return newError("RemoveImage", ref, "image not found", ErrImageNotFound)
		}
		return newError("RemoveImage", ref, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Container Operations
// =============================================================================

// CreateContainer creates a container from the spec.
func (d *SDKClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	config := &container.Config{
		Image:  spec.Image,
		Labels: spec.Labels,
	}
	for k, v := range spec.Env {
		config.Env = append(config.Env, fmt.Sprintf("%s=%s", k, v))
	}

	hostConfig := &container.HostConfig{}
	if spec.RestartPolicy != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(spec.RestartPolicy),
		}
	}

	if len(spec.Ports) > 0 {
		portBindings := nat.PortMap{}
		exposedPorts := nat.PortSet{}
		for _, p := range spec.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			containerPort := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
			exposedPorts[containerPort] = struct{}{}

			hostPort := ""
			if p.HostPort != 0 {
				hostPort = fmt.Sprintf("%d", p.HostPort)
			}
			portBindings[containerPort] = []nat.PortBinding{{HostPort: hostPort}}
		}
		config.ExposedPorts = exposedPorts
		hostConfig.PortBindings = portBindings
	}

	var networkConfig *network.NetworkingConfig
	if len(spec.Networks) > 0 {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{},
		}
		for _, n := range spec.Networks {
			networkConfig.EndpointsConfig[n] = &network.EndpointSettings{}
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, spec.Name)
	if err != nil {
		return "", newError("CreateContainer", spec.Name, err.Error(), err)
	}
	return resp.ID, nil
}

// StartContainer starts a created or stopped container.
func (d *SDKClient) StartContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return newError("StartContainer", containerID, "container not found", ErrContainerNotFound)
		}
		return newError("StartContainer", containerID, err.Error(), err)
	}
	return nil
}

// StopContainer stops a running container.
func (d *SDKClient) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	stopOptions := container.StopOptions{}
	if timeout != nil {
		seconds := int(timeout.Seconds())
		stopOptions.Timeout = &seconds
	}

	if err := d.cli.ContainerStop(ctx, containerID, stopOptions); err != nil {
		if client.IsErrNotFound(err) {
			return newError("StopContainer", containerID, "container not found", ErrContainerNotFound)
		}
		return newError("StopContainer", containerID, err.Error(), err)
	}
	return nil
}

// RemoveContainer removes a container.
func (d *SDKClient) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
	if err != nil {
		if client.IsErrNotFound(err) {
			return newError("RemoveContainer", containerID, "container not found", ErrContainerNotFound)
		}
		return newError("RemoveContainer", containerID, err.Error(), err)
	}
	return nil
}

// InspectContainer returns a container's state and health.
func (d *SDKClient) InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error) {
	resp, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, newError("InspectContainer", containerID, "container not found", ErrContainerNotFound)
		}
		return nil, newError("InspectContainer", containerID, err.Error(), err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, resp.Created)

	health := ""
	if resp.State.Health != nil {
		health = resp.State.Health.Status
	}

	return &ContainerInfo{
		ID:        resp.ID,
		Name:      strings.TrimPrefix(resp.Name, "/"),
		Image:     resp.Config.Image,
		State:     resp.State.Status,
		Health:    health,
		CreatedAt: createdAt,
		Labels:    resp.Config.Labels,
	}, nil
}

// ListContainers lists containers matching the options.
func (d *SDKClient) ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error) {
	listOpts := container.ListOptions{All: opts.All}
	if len(opts.Filters) > 0 {
		f := filters.NewArgs()
		for k, v := range opts.Filters {
			f.Add(k, v)
		}
		listOpts.Filters = f
	}

	containers, err := d.cli.ContainerList(ctx, listOpts)
	if err != nil {
		return nil, newError("ListContainers", "", err.Error(), err)
	}

	var result []ContainerInfo
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		result = append(result, ContainerInfo{
			ID:        c.ID,
			Name:      name,
			Image:     c.Image,
			State:     c.State,
			CreatedAt: time.Unix(c.Created, 0),
			Labels:    c.Labels,
		})
	}
	return result, nil
}

// =============================================================================
// Network Operations
// =============================================================================

// ConnectNetwork connects a container to a network.
func (d *SDKClient) ConnectNetwork(ctx context.Context, networkID, containerID string) error {
	err := d.cli.NetworkConnect(ctx, networkID, containerID, nil)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return newError("ConnectNetwork", networkID, err.Error(), err)
	}
	return nil
}
