package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floraldo/hive-sub000/internal/core/domain"
	"github.com/floraldo/hive-sub000/internal/core/strategy"
)

const webManifests = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
spec:
  replicas: 2
  selector:
    matchLabels:
      app: web
  template:
    metadata:
      labels:
        app: web
    spec:
      containers:
        - name: web
          image: nginx:1.27
---
apiVersion: v1
kind: Service
metadata:
  name: web
spec:
  selector:
    app: web
`

// fakeCluster scripts cluster responses for canary strategy tests.
type fakeCluster struct {
	applied         [][]Manifest
	weights         []int
	undone          []string
	canaryDeleted   []string
	reachableErr    error
	canaryUnhealthy bool
	undoErr         error
}

func (f *fakeCluster) Reachable(context.Context, string) error { return f.reachableErr }

func (f *fakeCluster) Apply(_ context.Context, _ string, docs []Manifest) error {
	f.applied = append(f.applied, docs)
	return nil
}

func (f *fakeCluster) RolloutReady(context.Context, string, string) (bool, error) {
	return true, nil
}

func (f *fakeCluster) RolloutUndo(_ context.Context, _, name string) error {
	f.undone = append(f.undone, name)
	return f.undoErr
}

func (f *fakeCluster) SetCanaryWeight(_ context.Context, _, _ string, weight int) error {
	f.weights = append(f.weights, weight)
	return nil
}

func (f *fakeCluster) CanaryReady(context.Context, string, string) (bool, error) {
	if f.canaryUnhealthy {
		return false, nil
	}
	return true, nil
}

func (f *fakeCluster) DeleteCanary(_ context.Context, _, name string) error {
	f.canaryDeleted = append(f.canaryDeleted, name)
	return nil
}

func fastCanary(client Client) *CanaryStrategy {
	s := NewCanaryStrategy(client, nil)
	s.rolloutWait = 200 * time.Millisecond
	s.stepWait = 10 * time.Millisecond
	s.poll = time.Millisecond
	return s
}

func clusterTask(canary bool) domain.DeploymentTask {
	return domain.DeploymentTask{
		ID: "web",
		Cluster: &domain.ClusterConfig{
			Manifests:     webManifests,
			Namespace:     "prod",
			IngressName:   "web",
			CanaryEnabled: canary,
			CanarySteps:   []int{25, 100},
		},
	}
}

func TestCanaryDeployRampsTraffic(t *testing.T) {
	client := &fakeCluster{}
	s := fastCanary(client)

	ok, info, metrics, err := s.Deploy(context.Background(), clusterTask(true), "dep-1")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "web", info["workload"])
	assert.Equal(t, webManifests, info[strategy.InfoManifests])

	// Canary apply, then stable apply.
	require.Len(t, client.applied, 2)
	assert.Equal(t, "web-canary", client.applied[0][0].Name())
	assert.Equal(t, "web", client.applied[1][0].Name())

	// Configured ramp, then reset after cutover.
	assert.Equal(t, []int{25, 100, 0}, client.weights)
	assert.EqualValues(t, 2, metrics["canary_steps"])
	assert.EqualValues(t, 2, metrics["manifest_count"])
}

func TestCanaryDeployAbortsOnUnhealthyCanary(t *testing.T) {
	client := &fakeCluster{canaryUnhealthy: true}
	s := fastCanary(client)

	ok, _, _, err := s.Deploy(context.Background(), clusterTask(true), "dep-2")
	assert.False(t, ok)
	require.Error(t, err)

	// Abort resets traffic and removes canary resources; stable is untouched.
	assert.Equal(t, 0, client.weights[len(client.weights)-1])
	assert.Equal(t, []string{"web"}, client.canaryDeleted)
	assert.Len(t, client.applied, 1, "only the canary manifests were applied")
}

func TestCanaryDeployWithoutCanaryAppliesDirectly(t *testing.T) {
	client := &fakeCluster{}
	s := fastCanary(client)

	ok, _, metrics, err := s.Deploy(context.Background(), clusterTask(false), "dep-3")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, client.applied, 1)
	assert.Empty(t, client.weights)
	assert.EqualValues(t, 0, metrics["canary_steps"])
}

func TestCanaryRollbackUsesUndo(t *testing.T) {
	client := &fakeCluster{}
	s := fastCanary(client)

	ok, err := s.Rollback(context.Background(), clusterTask(true), "dep-4", nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"web"}, client.undone)
	assert.Empty(t, client.applied)
}

func TestCanaryRollbackFallsBackToPreviousManifests(t *testing.T) {
	client := &fakeCluster{undoErr: errors.New("no rollout history")}
	s := fastCanary(client)

	previous := map[string]string{strategy.InfoManifests: webManifests}
	ok, err := s.Rollback(context.Background(), clusterTask(true), "dep-5", previous)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, client.applied, 1)
	assert.Equal(t, "web", client.applied[0][0].Name())
}

func TestCanaryRollbackFailsWithoutFallback(t *testing.T) {
	client := &fakeCluster{undoErr: errors.New("no rollout history")}
	s := fastCanary(client)

	ok, err := s.Rollback(context.Background(), clusterTask(true), "dep-6", map[string]string{})
	assert.False(t, ok)
	assert.ErrorContains(t, err, "rollout undo")
}

func TestCanaryPostDeploymentActions(t *testing.T) {
	client := &fakeCluster{}
	s := fastCanary(client)

	require.NoError(t, s.PostDeploymentActions(context.Background(), clusterTask(true), "dep-7"))
	assert.Equal(t, []int{0}, client.weights)
	assert.Equal(t, []string{"web"}, client.canaryDeleted)
}

func TestCanaryPreDeploymentChecks(t *testing.T) {
	t.Run("passes on reachable cluster with valid manifests", func(t *testing.T) {
		s := fastCanary(&fakeCluster{})
		ok, problems := s.PreDeploymentChecks(context.Background(), clusterTask(true))
		assert.True(t, ok)
		assert.Empty(t, problems)
	})

	t.Run("fails on invalid manifests", func(t *testing.T) {
		s := fastCanary(&fakeCluster{})
		task := clusterTask(true)
		task.Cluster.Manifests = "kind: [not: valid"
		ok, problems := s.PreDeploymentChecks(context.Background(), task)
		assert.False(t, ok)
		assert.NotEmpty(t, problems)
	})

	t.Run("fails on unreachable cluster", func(t *testing.T) {
		s := fastCanary(&fakeCluster{reachableErr: errors.New("connection refused")})
		ok, problems := s.PreDeploymentChecks(context.Background(), clusterTask(true))
		assert.False(t, ok)
		assert.NotEmpty(t, problems)
	})
}

func TestCanaryVariant(t *testing.T) {
	docs, err := DecodeManifests(webManifests)
	require.NoError(t, err)

	canary, err := canaryVariant(docs, "web")
	require.NoError(t, err)
	require.Len(t, canary, 2)

	dep := canary[0]
	assert.Equal(t, "web-canary", dep.Name())
	spec := dep["spec"].(map[string]any)
	selector := spec["selector"].(map[string]any)["matchLabels"].(map[string]any)
	assert.Equal(t, "canary", selector[trackLabel])

	svc := canary[1]
	assert.Equal(t, "web-canary", svc.Name())
	svcSelector := svc["spec"].(map[string]any)["selector"].(map[string]any)
	assert.Equal(t, "canary", svcSelector[trackLabel])

	// Originals are untouched.
	assert.Equal(t, "web", docs[0].Name())
}

func TestDecodeManifests(t *testing.T) {
	t.Run("splits documents and skips empty ones", func(t *testing.T) {
		docs, err := DecodeManifests(webManifests + "---\n")
		require.NoError(t, err)
		assert.Len(t, docs, 2)
		assert.Equal(t, "Deployment", docs[0].Kind())
		assert.Equal(t, "Service", docs[1].Kind())
		assert.Equal(t, "web", WorkloadName(docs))
	})

	t.Run("rejects documents without kind", func(t *testing.T) {
		_, err := DecodeManifests("metadata:\n  name: orphan\n")
		assert.ErrorContains(t, err, "no kind")
	})

	t.Run("rejects empty input", func(t *testing.T) {
		_, err := DecodeManifests("")
		assert.ErrorContains(t, err, "no manifest documents")
	})
}

func TestSetNestedCreatesPath(t *testing.T) {
	m := Manifest{"kind": "Service"}
	setNested(m, "canary", "spec", "selector", trackLabel)
	selector := m["spec"].(map[string]any)["selector"].(map[string]any)
	assert.Equal(t, "canary", selector[trackLabel])
}
