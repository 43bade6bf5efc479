package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/floraldo/hive-sub000/internal/core/domain"
	"github.com/floraldo/hive-sub000/internal/core/strategy"
)

// trackLabel marks canary pods so the canary service selects only them.
const trackLabel = "com.deployd.track"

// defaultCanarySteps is used when the task does not configure its own ramp.
var defaultCanarySteps = []int{10, 50, 100}

// =============================================================================
// Canary Strategy
// =============================================================================

// CanaryStrategy deploys to Kubernetes by standing up a parallel canary
// workload, shifting ingress traffic to it in steps, and promoting the new
// version to the stable workload once the full ramp has held.
type CanaryStrategy struct {
	client      Client
	logger      *slog.Logger
	rolloutWait time.Duration
	stepWait    time.Duration
	poll        time.Duration
}

// NewCanaryStrategy creates the canary strategy.
func NewCanaryStrategy(client Client, logger *slog.Logger) *CanaryStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &CanaryStrategy{
		client:      client,
		logger:      logger.With("strategy", "canary"),
		rolloutWait: 120 * time.Second,
		stepWait:    10 * time.Second,
		poll:        5 * time.Second,
	}
}

// Name returns the strategy identity.
func (s *CanaryStrategy) Name() domain.StrategyName {
	return domain.StrategyCanary
}

// RequiredFields declares the task fields the strategy needs.
func (s *CanaryStrategy) RequiredFields() []string {
	return []string{
		domain.FieldClusterManifests,
		domain.FieldClusterNamespace,
	}
}

// PreDeploymentChecks validates the manifests parse and the cluster namespace
// is reachable. No state is mutated.
func (s *CanaryStrategy) PreDeploymentChecks(ctx context.Context, task domain.DeploymentTask) (bool, []string) {
	var errs []string

	docs, err := DecodeManifests(task.Cluster.Manifests)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid manifests: %v", err))
	} else if s.workloadName(task, docs) == "" {
		errs = append(errs, "manifests contain no Deployment to anchor the rollout")
	}

	if err := s.client.Reachable(ctx, task.Cluster.Namespace); err != nil {
		errs = append(errs, fmt.Sprintf("cluster unreachable: %v", err))
	}

	return len(errs) == 0, errs
}

// Deploy applies the manifests. When the task enables canarying and names an
// ingress, a parallel canary workload takes traffic in steps before the
// stable workload is updated; otherwise the manifests are applied directly
// and the rollout is awaited.
func (s *CanaryStrategy) Deploy(ctx context.Context, task domain.DeploymentTask, deploymentID string) (bool, map[string]string, map[string]any, error) {
	start := time.Now()
	cfg := task.Cluster

	docs, err := DecodeManifests(cfg.Manifests)
	if err != nil {
		return false, nil, nil, fmt.Errorf("decode manifests: %w", err)
	}
	workload := s.workloadName(task, docs)

	info := map[string]string{
		strategy.InfoStrategy:  string(domain.StrategyCanary),
		strategy.InfoManifests: cfg.Manifests,
		"workload":             workload,
		"namespace":            cfg.Namespace,
	}

	steps := 0
	if cfg.CanaryEnabled && cfg.IngressName != "" {
		steps = len(s.steps(cfg))
		if err := s.canaryRamp(ctx, cfg, docs, workload); err != nil {
			return false, info, nil, err
		}
	}

	// Promote: the stable workload picks up the new version.
	if err := s.client.Apply(ctx, cfg.Namespace, docs); err != nil {
		return false, info, nil, fmt.Errorf("apply manifests: %w", err)
	}
	if err := s.waitReady(ctx, func(ctx context.Context) (bool, error) {
		return s.client.RolloutReady(ctx, cfg.Namespace, workload)
	}); err != nil {
		return false, info, nil, fmt.Errorf("rollout of %s: %w", workload, err)
	}

	if cfg.CanaryEnabled && cfg.IngressName != "" {
		// Stable now serves the new version; stop splitting traffic. The
		// canary workload itself is pruned in post-deployment actions.
		if err := s.client.SetCanaryWeight(ctx, cfg.Namespace, cfg.IngressName, 0); err != nil {
			return false, info, nil, fmt.Errorf("reset canary weight: %w", err)
		}
	}

	info[strategy.InfoRevision] = deploymentID

	metrics := map[string]any{
		"duration_seconds": time.Since(start).Seconds(),
		"manifest_count":   len(docs),
		"canary_steps":     steps,
	}

	s.logger.Info("canary deployment complete",
		"deployment_id", deploymentID,
		"workload", workload,
		"namespace", cfg.Namespace,
	)
	return true, info, metrics, nil
}

// Rollback reverts the stable workload to its previous revision. When the
// cluster has no rollout history, the previously recorded manifests are
// re-applied instead.
func (s *CanaryStrategy) Rollback(ctx context.Context, task domain.DeploymentTask, deploymentID string, previous map[string]string) (bool, error) {
	cfg := task.Cluster

	docs, err := DecodeManifests(cfg.Manifests)
	if err != nil {
		return false, fmt.Errorf("decode manifests: %w", err)
	}
	workload := s.workloadName(task, docs)

	undoErr := s.client.RolloutUndo(ctx, cfg.Namespace, workload)
	if undoErr != nil {
		prevManifests := previous[strategy.InfoManifests]
		if prevManifests == "" {
			return false, fmt.Errorf("rollout undo: %w", undoErr)
		}
		s.logger.Warn("rollout undo failed, re-applying previous manifests",
			"workload", workload, "error", undoErr)

		prevDocs, err := DecodeManifests(prevManifests)
		if err != nil {
			return false, fmt.Errorf("decode previous manifests: %w", err)
		}
		if err := s.client.Apply(ctx, cfg.Namespace, prevDocs); err != nil {
			return false, fmt.Errorf("re-apply previous manifests: %w", err)
		}
	}

	if err := s.waitReady(ctx, func(ctx context.Context) (bool, error) {
		return s.client.RolloutReady(ctx, cfg.Namespace, workload)
	}); err != nil {
		return false, fmt.Errorf("rollback rollout of %s: %w", workload, err)
	}

	s.logger.Info("rolled back workload", "workload", workload, "namespace", cfg.Namespace)
	return true, nil
}

// PostDeploymentActions removes the canary workload and makes sure no traffic
// split remains on the ingress.
func (s *CanaryStrategy) PostDeploymentActions(ctx context.Context, task domain.DeploymentTask, deploymentID string) error {
	cfg := task.Cluster
	if !cfg.CanaryEnabled {
		return nil
	}

	docs, err := DecodeManifests(cfg.Manifests)
	if err != nil {
		return fmt.Errorf("decode manifests: %w", err)
	}
	workload := s.workloadName(task, docs)

	if cfg.IngressName != "" {
		if err := s.client.SetCanaryWeight(ctx, cfg.Namespace, cfg.IngressName, 0); err != nil {
			return fmt.Errorf("reset canary weight: %w", err)
		}
	}
	if err := s.client.DeleteCanary(ctx, cfg.Namespace, workload); err != nil {
		return fmt.Errorf("delete canary workload: %w", err)
	}

	s.logger.Debug("pruned canary resources", "workload", workload)
	return nil
}

// =============================================================================
// Canary Ramp
// =============================================================================

// canaryRamp stands up the canary workload and walks the traffic steps,
// aborting and cleaning up on the first unhealthy observation.
func (s *CanaryStrategy) canaryRamp(ctx context.Context, cfg *domain.ClusterConfig, docs []Manifest, workload string) error {
	canary, err := canaryVariant(docs, workload)
	if err != nil {
		return err
	}

	if err := s.client.Apply(ctx, cfg.Namespace, canary); err != nil {
		return fmt.Errorf("apply canary manifests: %w", err)
	}
	if err := s.waitReady(ctx, func(ctx context.Context) (bool, error) {
		return s.client.CanaryReady(ctx, cfg.Namespace, workload)
	}); err != nil {
		s.abortCanary(ctx, cfg, workload)
		return fmt.Errorf("canary workload never became ready: %w", err)
	}

	for _, weight := range s.steps(cfg) {
		if err := s.client.SetCanaryWeight(ctx, cfg.Namespace, cfg.IngressName, weight); err != nil {
			s.abortCanary(ctx, cfg, workload)
			return fmt.Errorf("set canary weight %d: %w", weight, err)
		}
		s.logger.Info("canary traffic shifted", "weight", weight, "workload", workload)

		if err := s.holdStep(ctx, cfg, workload); err != nil {
			s.abortCanary(ctx, cfg, workload)
			return fmt.Errorf("canary at weight %d: %w", weight, err)
		}
	}
	return nil
}

// holdStep keeps the current traffic weight for stepWait while watching the
// canary workload. Any unhealthy observation fails the step.
func (s *CanaryStrategy) holdStep(ctx context.Context, cfg *domain.ClusterConfig, workload string) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	deadline := time.After(s.stepWait)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return nil
		case <-ticker.C:
			healthy, err := s.client.CanaryReady(ctx, cfg.Namespace, workload)
			if err != nil {
				return fmt.Errorf("observe canary: %w", err)
			}
			if !healthy {
				return fmt.Errorf("canary workload became unhealthy")
			}
		}
	}
}

// abortCanary routes all traffic back to stable and removes canary
// resources. Failures are logged only; the deploy error is what surfaces.
func (s *CanaryStrategy) abortCanary(ctx context.Context, cfg *domain.ClusterConfig, workload string) {
	if cfg.IngressName != "" {
		if err := s.client.SetCanaryWeight(ctx, cfg.Namespace, cfg.IngressName, 0); err != nil {
			s.logger.Error("failed to reset canary weight during abort", "error", err)
		}
	}
	if err := s.client.DeleteCanary(ctx, cfg.Namespace, workload); err != nil {
		s.logger.Error("failed to delete canary workload during abort", "error", err)
	}
}

// waitReady polls the readiness func until it reports true, bounded by
// rolloutWait.
func (s *CanaryStrategy) waitReady(ctx context.Context, ready func(context.Context) (bool, error)) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	deadline := time.Now().Add(s.rolloutWait)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ok, err := ready(ctx)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout after %s", s.rolloutWait)
			}
		}
	}
}

func (s *CanaryStrategy) steps(cfg *domain.ClusterConfig) []int {
	if len(cfg.CanarySteps) > 0 {
		return cfg.CanarySteps
	}
	return defaultCanarySteps
}

func (s *CanaryStrategy) workloadName(task domain.DeploymentTask, docs []Manifest) string {
	if task.Cluster.AppName != "" {
		return task.Cluster.AppName
	}
	return WorkloadName(docs)
}

// =============================================================================
// Canary Manifest Variant
// =============================================================================

// canaryVariant derives canary copies of the workload's Deployment and
// Service manifests: renamed with the canary suffix and labeled so the canary
// service selects only canary pods. Other kinds are left to the stable apply.
func canaryVariant(docs []Manifest, workload string) ([]Manifest, error) {
	var out []Manifest
	for _, doc := range docs {
		kind := doc.Kind()
		if kind != "Deployment" && kind != "Service" {
			continue
		}

		clone, err := cloneManifest(doc)
		if err != nil {
			return nil, err
		}
		setNested(clone, canaryName(clone.Name()), "metadata", "name")
		setNested(clone, "canary", "metadata", "labels", trackLabel)

		switch kind {
		case "Deployment":
			setNested(clone, "canary", "spec", "selector", "matchLabels", trackLabel)
			setNested(clone, "canary", "spec", "template", "metadata", "labels", trackLabel)
		case "Service":
			setNested(clone, "canary", "spec", "selector", trackLabel)
		}
		out = append(out, clone)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no Deployment or Service manifest to derive a canary for %s", workload)
	}
	return out, nil
}

// cloneManifest deep-copies a manifest via a JSON round-trip.
func cloneManifest(doc Manifest) (Manifest, error) {
	raw, err := json.Marshal(map[string]any(doc))
	if err != nil {
		return nil, fmt.Errorf("clone manifest: %w", err)
	}
	var clone map[string]any
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, fmt.Errorf("clone manifest: %w", err)
	}
	return Manifest(clone), nil
}

// setNested writes value at the given path, creating intermediate maps.
func setNested(doc Manifest, value string, path ...string) {
	node := map[string]any(doc)
	for _, key := range path[:len(path)-1] {
		next, ok := node[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[key] = next
		}
		node = next
	}
	node[path[len(path)-1]] = value
}
