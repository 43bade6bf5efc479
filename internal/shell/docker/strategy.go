package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/floraldo/hive-sub000/internal/core/domain"
	"github.com/floraldo/hive-sub000/internal/core/strategy"
)

// =============================================================================
// Rolling Strategy
// =============================================================================

// RollingStrategy replaces a task's container incrementally: the new
// container must start and pass its startup health wait before the prior one
// is stopped, so a failed rollout leaves the old container serving.
type RollingStrategy struct {
	client       Client
	logger       *slog.Logger
	startupWait  time.Duration
	pollInterval time.Duration
	stopTimeout  time.Duration
}

// NewRollingStrategy creates the rolling strategy.
func NewRollingStrategy(client Client, logger *slog.Logger) *RollingStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &RollingStrategy{
		client:       client,
		logger:       logger.With("strategy", "rolling"),
		startupWait:  60 * time.Second,
		pollInterval: 2 * time.Second,
		stopTimeout:  10 * time.Second,
	}
}

// Name returns the strategy identity.
func (s *RollingStrategy) Name() domain.StrategyName {
	return domain.StrategyRolling
}

// RequiredFields declares the task fields the strategy needs.
func (s *RollingStrategy) RequiredFields() []string {
	return []string{
		domain.FieldContainerImage,
		domain.FieldContainerName,
	}
}

// PreDeploymentChecks verifies the container runtime is reachable. No state
// is mutated.
func (s *RollingStrategy) PreDeploymentChecks(ctx context.Context, task domain.DeploymentTask) (bool, []string) {
	var errs []string
	if err := s.client.Ping(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("container runtime unreachable: %v", err))
	}
	return len(errs) == 0, errs
}

// Deploy pulls and tags the image, starts the new container, waits for its
// startup gate, and only then retires the prior container and attaches the
// new one to the load-balancer network.
func (s *RollingStrategy) Deploy(ctx context.Context, task domain.DeploymentTask, deploymentID string) (bool, map[string]string, map[string]any, error) {
	start := time.Now()
	cfg := task.Container
	ref := imageRef(cfg)

	// Ensure the image is present. Pull failures are tolerated when a local
	// copy exists.
	if err := s.client.PullImage(ctx, ref); err != nil {
		exists, _ := s.client.ImageExists(ctx, ref)
		if !exists {
			return false, nil, nil, fmt.Errorf("pull image %s: %w", ref, err)
		}
		s.logger.Warn("image pull failed, using local copy", "image", ref, "error", err)
	}

	// Pin this rollout with a deployment-scoped tag so rollback can always
	// restart the exact bits that shipped.
	taggedRef := fmt.Sprintf("%s:%s", imageRepo(ref), deploymentID)
	if err := s.client.TagImage(ctx, ref, taggedRef); err != nil {
		return false, nil, nil, fmt.Errorf("tag image: %w", err)
	}

	info := map[string]string{
		strategy.InfoStrategy: string(domain.StrategyRolling),
		strategy.InfoImage:    ref,
		strategy.InfoImageTag: taggedRef,
	}

	// Remember the currently running containers for this task before starting
	// the replacement.
	prior, err := s.client.ListContainers(ctx, ListOptions{
		All:     true,
		Filters: map[string]string{"label": fmt.Sprintf("%s=%s", LabelTask, task.ID)},
	})
	if err != nil {
		return false, info, nil, fmt.Errorf("list prior containers: %w", err)
	}

	containerID, err := s.startContainer(ctx, task, taggedRef, deploymentID)
	if err != nil {
		// Leave the prior container serving; rollback can clean up.
		return false, info, nil, err
	}
	info[strategy.InfoContainer] = containerID

	if err := s.waitForStartup(ctx, containerID); err != nil {
		return false, info, nil, fmt.Errorf("startup gate: %w", err)
	}

	// New container is serving. Retire the prior generation.
	for _, c := range prior {
		if c.ID == containerID {
			continue
		}
		timeout := s.stopTimeout
		if err := s.client.StopContainer(ctx, c.ID, &timeout); err != nil {
			s.logger.Warn("failed to stop prior container", "container_id", shortID(c.ID), "error", err)
		}
		if err := s.client.RemoveContainer(ctx, c.ID, true); err != nil {
			s.logger.Warn("failed to remove prior container", "container_id", shortID(c.ID), "error", err)
		}
	}

	// Attach to the load-balancer/proxy network when configured.
	if cfg.Network != "" {
		if err := s.client.ConnectNetwork(ctx, cfg.Network, containerID); err != nil {
			return false, info, nil, fmt.Errorf("attach network %s: %w", cfg.Network, err)
		}
	}

	metrics := map[string]any{
		"duration_seconds": time.Since(start).Seconds(),
	}
	if size, err := s.client.ImageSize(ctx, taggedRef); err == nil {
		metrics["image_size_bytes"] = size
	}

	s.logger.Info("rolling deployment complete",
		"deployment_id", deploymentID,
		"container_id", shortID(containerID),
		"image", taggedRef,
	)
	return true, info, metrics, nil
}

// Rollback stops the containers of the failed rollout and restarts the task
// from the previously pinned image tag.
func (s *RollingStrategy) Rollback(ctx context.Context, task domain.DeploymentTask, deploymentID string, previous map[string]string) (bool, error) {
	prevTag := previous[strategy.InfoImageTag]
	if prevTag == "" {
		return false, fmt.Errorf("previous deployment has no pinned image tag")
	}

	current, err := s.client.ListContainers(ctx, ListOptions{
		All:     true,
		Filters: map[string]string{"label": fmt.Sprintf("%s=%s", LabelTask, task.ID)},
	})
	if err != nil {
		return false, fmt.Errorf("list containers: %w", err)
	}
	for _, c := range current {
		timeout := s.stopTimeout
		_ = s.client.StopContainer(ctx, c.ID, &timeout)
		_ = s.client.RemoveContainer(ctx, c.ID, true)
	}

	containerID, err := s.startContainer(ctx, task, prevTag, "rollback-"+deploymentID)
	if err != nil {
		return false, fmt.Errorf("restart previous image: %w", err)
	}
	if err := s.waitForStartup(ctx, containerID); err != nil {
		return false, fmt.Errorf("previous image startup gate: %w", err)
	}

	if task.Container.Network != "" {
		if err := s.client.ConnectNetwork(ctx, task.Container.Network, containerID); err != nil {
			return false, fmt.Errorf("reattach network: %w", err)
		}
	}

	s.logger.Info("rolled back to previous image", "image", prevTag, "container_id", shortID(containerID))
	return true, nil
}

// PostDeploymentActions removes exited containers left over from earlier
// generations of this task, along with their superseded deployment-pinned
// image tags.
func (s *RollingStrategy) PostDeploymentActions(ctx context.Context, task domain.DeploymentTask, deploymentID string) error {
	leftovers, err := s.client.ListContainers(ctx, ListOptions{
		All:     true,
		Filters: map[string]string{"label": fmt.Sprintf("%s=%s", LabelTask, task.ID)},
	})
	if err != nil {
		return fmt.Errorf("list leftover containers: %w", err)
	}

	for _, c := range leftovers {
		if c.State == "running" {
			continue
		}
		if err := s.client.RemoveContainer(ctx, c.ID, true); err != nil {
			return fmt.Errorf("remove leftover container %s: %w", shortID(c.ID), err)
		}
		s.logger.Debug("pruned leftover container", "container_id", shortID(c.ID))

		// With the container gone its pinned tag has nothing left to restart.
		if c.Image != "" && c.Labels[LabelDeployment] != deploymentID {
			if err := s.client.RemoveImage(ctx, c.Image); err != nil {
				s.logger.Debug("could not remove superseded image", "image", c.Image, "error", err)
			}
		}
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// startContainer creates and starts one container for the rollout.
func (s *RollingStrategy) startContainer(ctx context.Context, task domain.DeploymentTask, ref, deploymentID string) (string, error) {
	cfg := task.Container

	spec := ContainerSpec{
		Name:  fmt.Sprintf("%s-%s", cfg.ContainerName, suffix(deploymentID)),
		Image: ref,
		Labels: map[string]string{
			LabelManaged:    "true",
			LabelTask:       task.ID,
			LabelDeployment: deploymentID,
		},
		RestartPolicy: "unless-stopped",
	}
	if cfg.ContainerPort != 0 {
		spec.Ports = []PortBinding{{
			ContainerPort: cfg.ContainerPort,
			HostPort:      cfg.HostPort,
			Protocol:      "tcp",
		}}
	}

	containerID, err := s.client.CreateContainer(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := s.client.StartContainer(ctx, containerID); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	return containerID, nil
}

// waitForStartup polls the container until it is healthy (or running, when no
// health check is configured), bounded by startupWait.
func (s *RollingStrategy) waitForStartup(ctx context.Context, containerID string) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	deadline := time.Now().Add(s.startupWait)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			info, err := s.client.InspectContainer(ctx, containerID)
			if err != nil {
				return err
			}
			switch {
			case info.Health == "unhealthy":
				return fmt.Errorf("container %s is unhealthy", shortID(containerID))
			case info.Health == "healthy":
				return nil
			case info.Health == "" && info.State == "running":
				return nil
			case info.State == "exited" || info.State == "dead":
				return fmt.Errorf("container %s exited during startup", shortID(containerID))
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for container %s to become healthy", shortID(containerID))
			}
		}
	}
}

// imageRef prefixes the image with the registry when one is configured.
func imageRef(cfg *domain.ContainerConfig) string {
	if cfg.Registry != "" && !strings.HasPrefix(cfg.Image, cfg.Registry+"/") {
		return cfg.Registry + "/" + cfg.Image
	}
	return cfg.Image
}

// imageRepo strips the tag from an image reference, keeping registry ports
// intact.
func imageRepo(ref string) string {
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon > slash {
		return ref[:colon]
	}
	return ref
}

// suffix shortens a deployment ID for use in container names.
func suffix(deploymentID string) string {
	if len(deploymentID) <= 12 {
		return deploymentID
	}
	return deploymentID[len(deploymentID)-12:]
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
