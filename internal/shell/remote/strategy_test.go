package remote

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floraldo/hive-sub000/internal/core/domain"
	"github.com/floraldo/hive-sub000/internal/core/strategy"
)

// fakeExecutor scripts remote command results for strategy tests.
type fakeExecutor struct {
	commands       []string
	uploads        []string
	artifactOnHost bool
	failOn         string // commands containing this substring fail
	inactive       string // service reported inactive by is-active
	pingErr        error
	closed         bool
}

func (f *fakeExecutor) Run(_ context.Context, command string) (string, error) {
	f.commands = append(f.commands, command)
	if f.failOn != "" && strings.Contains(command, f.failOn) {
		return "", errors.New("command failed")
	}
	switch {
	case strings.Contains(command, "test -e"):
		if f.artifactOnHost {
			return "yes\n", nil
		}
		return "no\n", nil
	case strings.Contains(command, "is-active"):
		if f.inactive != "" && strings.Contains(command, f.inactive) {
			return "failed\n", nil
		}
		return "active\n", nil
	}
	return "", nil
}

func (f *fakeExecutor) Upload(_ context.Context, content io.Reader, remotePath string) error {
	io.Copy(io.Discard, content)
	f.uploads = append(f.uploads, remotePath)
	if f.failOn != "" && strings.Contains(remotePath, f.failOn) {
		return errors.New("upload failed")
	}
	return nil
}

func (f *fakeExecutor) Ping(context.Context) error { return f.pingErr }
func (f *fakeExecutor) Close() error               { f.closed = true; return nil }

func dialTo(exec *fakeExecutor) DialFunc {
	return func(*domain.RemoteConfig) (Executor, error) { return exec, nil }
}

func writeArtifact(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("artifact"), 0o644))
	return path
}

func remoteTask(t *testing.T, artifact string) domain.DeploymentTask {
	t.Helper()
	return domain.DeploymentTask{
		ID: "task-1",
		Remote: &domain.RemoteConfig{
			Host:       "10.0.0.5",
			User:       "deploy",
			SourcePath: artifact,
			AppPath:    "/srv/app",
			Services:   []string{"app"},
		},
	}
}

func TestDirectDeploy(t *testing.T) {
	exec := &fakeExecutor{artifactOnHost: true}
	s := NewDirectStrategy(dialTo(exec), nil)
	task := remoteTask(t, writeArtifact(t, "app.bin"))

	ok, info, metrics, err := s.Deploy(context.Background(), task, "dep-1")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "/srv/app.backup-dep-1", info[strategy.InfoBackupPath])
	assert.Equal(t, []string{"/srv/app"}, exec.uploads, "plain files replace the app path")
	assert.Contains(t, metrics, "duration_seconds")
	assert.Positive(t, metrics["artifact_bytes"])

	joined := strings.Join(exec.commands, "\n")
	assert.Contains(t, joined, `cp -a "/srv/app" "/srv/app.backup-dep-1"`)
	assert.Contains(t, joined, `systemctl restart "app"`)
	assert.True(t, exec.closed)
}

func TestDirectDeployArchiveExtracts(t *testing.T) {
	exec := &fakeExecutor{}
	s := NewDirectStrategy(dialTo(exec), nil)
	task := remoteTask(t, writeArtifact(t, "app.tar.gz"))

	ok, info, _, err := s.Deploy(context.Background(), task, "dep-2")
	require.NoError(t, err)
	assert.True(t, ok)

	// Nothing deployed yet, so no snapshot was possible.
	assert.NotContains(t, info, strategy.InfoBackupPath)

	require.Len(t, exec.uploads, 1)
	assert.Contains(t, exec.uploads[0], ".staging-dep-2")
	assert.Contains(t, strings.Join(exec.commands, "\n"), "tar -xzf")
}

func TestDirectDeployFailsWhenServiceNotActive(t *testing.T) {
	exec := &fakeExecutor{inactive: "app"}
	s := NewDirectStrategy(dialTo(exec), nil)
	task := remoteTask(t, writeArtifact(t, "app.bin"))

	ok, _, _, err := s.Deploy(context.Background(), task, "dep-3")
	assert.False(t, ok)
	assert.ErrorContains(t, err, "not active")
}

func TestDirectDeployFailsOnSnapshotError(t *testing.T) {
	exec := &fakeExecutor{artifactOnHost: true, failOn: "cp -a"}
	s := NewDirectStrategy(dialTo(exec), nil)
	task := remoteTask(t, writeArtifact(t, "app.bin"))

	ok, _, _, err := s.Deploy(context.Background(), task, "dep-4")
	assert.False(t, ok)
	assert.ErrorContains(t, err, "snapshot")
}

func TestDirectRollback(t *testing.T) {
	exec := &fakeExecutor{}
	s := NewDirectStrategy(dialTo(exec), nil)
	task := remoteTask(t, writeArtifact(t, "app.bin"))

	previous := map[string]string{
		strategy.InfoBackupPath: "/srv/app.backup-dep-0",
		"app_path":              "/srv/app",
	}
	ok, err := s.Rollback(context.Background(), task, "dep-5", previous)
	require.NoError(t, err)
	assert.True(t, ok)

	joined := strings.Join(exec.commands, "\n")
	assert.Contains(t, joined, `cp -a "/srv/app.backup-dep-0" "/srv/app"`)
	assert.Contains(t, joined, `systemctl restart "app"`)
}

func TestDirectRollbackRequiresBackupReference(t *testing.T) {
	s := NewDirectStrategy(dialTo(&fakeExecutor{}), nil)
	task := remoteTask(t, writeArtifact(t, "app.bin"))

	ok, err := s.Rollback(context.Background(), task, "dep-6", map[string]string{})
	assert.False(t, ok)
	assert.ErrorContains(t, err, "no backup reference")
}

func TestDirectRollbackRequiresRemoteTarget(t *testing.T) {
	s := NewDirectStrategy(dialTo(&fakeExecutor{}), nil)
	task := domain.DeploymentTask{ID: "task-2"}

	ok, err := s.Rollback(context.Background(), task, "dep-7", map[string]string{
		strategy.InfoBackupPath: "/srv/app.backup-dep-0",
	})
	assert.False(t, ok)
	assert.ErrorContains(t, err, "no remote target")
}

func TestDirectPreDeploymentChecks(t *testing.T) {
	t.Run("passes with readable artifact and responsive host", func(t *testing.T) {
		s := NewDirectStrategy(dialTo(&fakeExecutor{}), nil)
		task := remoteTask(t, writeArtifact(t, "app.bin"))

		ok, problems := s.PreDeploymentChecks(context.Background(), task)
		assert.True(t, ok)
		assert.Empty(t, problems)
	})

	t.Run("fails when artifact is missing", func(t *testing.T) {
		s := NewDirectStrategy(dialTo(&fakeExecutor{}), nil)
		task := remoteTask(t, writeArtifact(t, "app.bin"))
		task.Remote.SourcePath = filepath.Join(t.TempDir(), "nope.bin")

		ok, problems := s.PreDeploymentChecks(context.Background(), task)
		assert.False(t, ok)
		assert.Len(t, problems, 1)
	})

	t.Run("fails when host does not respond", func(t *testing.T) {
		s := NewDirectStrategy(dialTo(&fakeExecutor{pingErr: errors.New("timeout")}), nil)
		task := remoteTask(t, writeArtifact(t, "app.bin"))

		ok, problems := s.PreDeploymentChecks(context.Background(), task)
		assert.False(t, ok)
		assert.NotEmpty(t, problems)
	})
}

func TestDirectPostDeploymentActionsPrunesBackups(t *testing.T) {
	exec := &fakeExecutor{}
	s := NewDirectStrategy(dialTo(exec), nil)
	task := remoteTask(t, writeArtifact(t, "app.bin"))

	require.NoError(t, s.PostDeploymentActions(context.Background(), task, "dep-8"))
	assert.Contains(t, strings.Join(exec.commands, "\n"), "tail -n +4")
}
