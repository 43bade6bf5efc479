package remote

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/floraldo/hive-sub000/internal/core/domain"
	"github.com/floraldo/hive-sub000/internal/core/strategy"
)

// =============================================================================
// Direct Strategy
// =============================================================================

// DirectStrategy deploys to a plain host over SSH: snapshot the current
// artifact as a backup, transfer the new artifact, restart the managed
// services. It also serves blue-green intents and is the universal rollback
// path for every other strategy.
type DirectStrategy struct {
	dial   DialFunc
	logger *slog.Logger
}

// NewDirectStrategy creates the direct strategy. dial defaults to DialSSH.
func NewDirectStrategy(dial DialFunc, logger *slog.Logger) *DirectStrategy {
	if dial == nil {
		dial = DialSSH
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectStrategy{
		dial:   dial,
		logger: logger.With("strategy", "direct"),
	}
}

// Name returns the strategy identity.
func (s *DirectStrategy) Name() domain.StrategyName {
	return domain.StrategyDirect
}

// RequiredFields declares the task fields the strategy needs.
func (s *DirectStrategy) RequiredFields() []string {
	return []string{
		domain.FieldRemoteHost,
		domain.FieldRemoteUser,
		domain.FieldRemoteSourcePath,
		domain.FieldRemoteAppPath,
	}
}

// PreDeploymentChecks verifies the artifact exists locally and the target
// host accepts commands. No remote state is mutated.
func (s *DirectStrategy) PreDeploymentChecks(ctx context.Context, task domain.DeploymentTask) (bool, []string) {
	var errs []string

	if _, err := os.Stat(task.Remote.SourcePath); err != nil {
		errs = append(errs, fmt.Sprintf("source artifact not readable: %v", err))
	}

	exec, err := s.dial(task.Remote)
	if err != nil {
		errs = append(errs, fmt.Sprintf("cannot reach target host: %v", err))
		return false, errs
	}
	defer exec.Close()

	if err := exec.Ping(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("target host not responding: %v", err))
	}

	return len(errs) == 0, errs
}

// Deploy snapshots the current artifact, uploads the new one, and restarts
// the managed services. Success requires every service restart to succeed.
func (s *DirectStrategy) Deploy(ctx context.Context, task domain.DeploymentTask, deploymentID string) (bool, map[string]string, map[string]any, error) {
	start := time.Now()
	cfg := task.Remote

	exec, err := s.dial(cfg)
	if err != nil {
		return false, nil, nil, fmt.Errorf("dial target: %w", err)
	}
	defer exec.Close()

	info := map[string]string{
		strategy.InfoStrategy: string(domain.StrategyDirect),
		"app_path":            cfg.AppPath,
	}

	// Snapshot the deployed artifact so rollback has a known-good reference.
	backupPath := fmt.Sprintf("%s.backup-%s", cfg.AppPath, deploymentID)
	existsOut, err := exec.Run(ctx, fmt.Sprintf("test -e %q && echo yes || echo no", cfg.AppPath))
	if err != nil {
		return false, nil, nil, fmt.Errorf("check current artifact: %w", err)
	}
	if strings.TrimSpace(existsOut) == "yes" {
		if _, err := exec.Run(ctx, fmt.Sprintf("cp -a %q %q", cfg.AppPath, backupPath)); err != nil {
			return false, nil, nil, fmt.Errorf("snapshot current artifact: %w", err)
		}
		info[strategy.InfoBackupPath] = backupPath
		s.logger.Info("snapshotted current artifact", "backup_path", backupPath)
	}

	// Transfer the new artifact. Archives are extracted into the app path,
	// plain files replace it.
	artifact, err := os.Open(cfg.SourcePath)
	if err != nil {
		return false, info, nil, fmt.Errorf("open source artifact: %w", err)
	}
	defer artifact.Close()

	stat, _ := artifact.Stat()
	var artifactBytes int64
	if stat != nil {
		artifactBytes = stat.Size()
	}

	if isArchive(cfg.SourcePath) {
		stagingPath := fmt.Sprintf("%s.staging-%s.tar.gz", cfg.AppPath, deploymentID)
		if err := exec.Upload(ctx, artifact, stagingPath); err != nil {
			return false, info, nil, fmt.Errorf("upload artifact: %w", err)
		}
		applyCmd := fmt.Sprintf("rm -rf %q && mkdir -p %q && tar -xzf %q -C %q && rm -f %q",
			cfg.AppPath, cfg.AppPath, stagingPath, cfg.AppPath, stagingPath)
		if _, err := exec.Run(ctx, applyCmd); err != nil {
			return false, info, nil, fmt.Errorf("apply artifact: %w", err)
		}
	} else {
		if err := exec.Upload(ctx, artifact, cfg.AppPath); err != nil {
			return false, info, nil, fmt.Errorf("upload artifact: %w", err)
		}
	}

	// Restart managed services. A failed restart fails the deployment.
	for _, svc := range cfg.Services {
		if _, err := exec.Run(ctx, fmt.Sprintf("systemctl restart %q", svc)); err != nil {
			return false, info, nil, fmt.Errorf("restart service %s: %w", svc, err)
		}
		out, err := exec.Run(ctx, fmt.Sprintf("systemctl is-active %q", svc))
		if err != nil || strings.TrimSpace(out) != "active" {
			return false, info, nil, fmt.Errorf("service %s not active after restart", svc)
		}
		s.logger.Info("service restarted", "service", svc, "deployment_id", deploymentID)
	}

	metrics := map[string]any{
		"duration_seconds": time.Since(start).Seconds(),
		"artifact_bytes":   artifactBytes,
	}
	return true, info, metrics, nil
}

// Rollback restores the backup snapshot recorded by a previous deploy and
// restarts the services. It works even when Deploy failed partway through.
func (s *DirectStrategy) Rollback(ctx context.Context, task domain.DeploymentTask, deploymentID string, previous map[string]string) (bool, error) {
	cfg := task.Remote
	if cfg == nil || cfg.Host == "" {
		return false, fmt.Errorf("task has no remote target to roll back on")
	}

	backupPath := previous[strategy.InfoBackupPath]
	if backupPath == "" {
		return false, fmt.Errorf("previous deployment has no backup reference")
	}
	appPath := previous["app_path"]
	if appPath == "" {
		appPath = cfg.AppPath
	}

	exec, err := s.dial(cfg)
	if err != nil {
		return false, fmt.Errorf("dial target: %w", err)
	}
	defer exec.Close()

	restoreCmd := fmt.Sprintf("rm -rf %q && cp -a %q %q", appPath, backupPath, appPath)
	if _, err := exec.Run(ctx, restoreCmd); err != nil {
		return false, fmt.Errorf("restore backup: %w", err)
	}

	for _, svc := range cfg.Services {
		if _, err := exec.Run(ctx, fmt.Sprintf("systemctl restart %q", svc)); err != nil {
			return false, fmt.Errorf("restart service %s after restore: %w", svc, err)
		}
	}

	s.logger.Info("restored backup", "backup_path", backupPath, "deployment_id", deploymentID)
	return true, nil
}

// PostDeploymentActions prunes old backup snapshots, keeping the most recent
// three. Failures here are reported but never fail the deployment.
func (s *DirectStrategy) PostDeploymentActions(ctx context.Context, task domain.DeploymentTask, deploymentID string) error {
	exec, err := s.dial(task.Remote)
	if err != nil {
		return fmt.Errorf("dial target: %w", err)
	}
	defer exec.Close()

	pruneCmd := fmt.Sprintf("ls -1dt %q.backup-* 2>/dev/null | tail -n +4 | xargs -r rm -rf", task.Remote.AppPath)
	if _, err := exec.Run(ctx, pruneCmd); err != nil {
		return fmt.Errorf("prune old backups: %w", err)
	}
	return nil
}

// isArchive reports whether the artifact is a gzipped tarball.
func isArchive(path string) bool {
	return strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz")
}
