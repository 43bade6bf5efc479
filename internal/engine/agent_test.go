package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floraldo/hive-sub000/internal/core/domain"
)

// fakeTaskQueue is an in-memory TaskQueue that records every write.
type fakeTaskQueue struct {
	mu       sync.Mutex
	pending  []domain.DeploymentTask
	fetchErr error
	statuses map[string][]domain.TaskStatus
	metadata map[string][]map[string]any
	events   map[string][]domain.EventType
}

func newFakeTaskQueue(tasks ...domain.DeploymentTask) *fakeTaskQueue {
	return &fakeTaskQueue{
		pending:  tasks,
		statuses: map[string][]domain.TaskStatus{},
		metadata: map[string][]map[string]any{},
		events:   map[string][]domain.EventType{},
	}
}

func (q *fakeTaskQueue) FetchPending(context.Context, int) ([]domain.DeploymentTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fetchErr != nil {
		return nil, q.fetchErr
	}
	tasks := q.pending
	q.pending = nil // dispatched tasks are no longer pending
	return tasks, nil
}

func (q *fakeTaskQueue) UpdateStatus(_ context.Context, taskID string, status domain.TaskStatus, metadata map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.statuses[taskID] = append(q.statuses[taskID], status)
	q.metadata[taskID] = append(q.metadata[taskID], metadata)
	return nil
}

func (q *fakeTaskQueue) RecordEvent(_ context.Context, taskID string, eventType domain.EventType, _ map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events[taskID] = append(q.events[taskID], eventType)
	return nil
}

func (q *fakeTaskQueue) GetHistory(_ context.Context, taskID string) ([]domain.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := make([]domain.Event, len(q.events[taskID]))
	for i, t := range q.events[taskID] {
		events[i] = domain.Event{TaskID: taskID, Type: t}
	}
	return events, nil
}

// fakeDeployer returns a scripted result, or panics when told to.
type fakeDeployer struct {
	mu     sync.Mutex
	result domain.DeploymentResult
	boom   bool
	calls  int
}

func (d *fakeDeployer) Deploy(context.Context, domain.DeploymentTask) domain.DeploymentResult {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.boom {
		panic("strategy blew up")
	}
	return d.result
}

// captureBus records published notifications.
type captureBus struct {
	mu       sync.Mutex
	messages []BusMessage
}

func (b *captureBus) Publish(eventType domain.EventType, payload map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, BusMessage{Type: eventType, Payload: payload})
}

func TestAgentProcessesTaskToDeployed(t *testing.T) {
	queue := newFakeTaskQueue(domain.DeploymentTask{ID: "web"})
	deployer := &fakeDeployer{result: domain.DeploymentResult{
		Success:      true,
		Strategy:     domain.StrategyDirect,
		DeploymentID: "dep-1",
	}}
	bus := &captureBus{}
	agent := NewAgent(queue, deployer, bus, NewMetrics(nil), time.Second, 0, nil)

	agent.RunOnce(context.Background())

	assert.Equal(t, []domain.TaskStatus{domain.StatusDeploying, domain.StatusDeployed}, queue.statuses["web"])
	assert.Equal(t, []domain.EventType{domain.EventDeploymentStarted, domain.EventDeployed}, queue.events["web"])

	require.Len(t, bus.messages, 1)
	assert.Equal(t, domain.EventDeployed, bus.messages[0].Type)
	assert.Equal(t, "dep-1", bus.messages[0].Payload["deployment_id"])

	stats := agent.Stats()
	assert.EqualValues(t, 1, stats.TasksProcessed)
	assert.EqualValues(t, 1, stats.Succeeded)
	assert.EqualValues(t, 1, stats.CyclesCompleted)
}

func TestAgentPersistsRolledBackOutcome(t *testing.T) {
	yes := true
	queue := newFakeTaskQueue(domain.DeploymentTask{ID: "web"})
	deployer := &fakeDeployer{result: domain.DeploymentResult{
		Strategy:          domain.StrategyRolling,
		DeploymentID:      "dep-2",
		Error:             "deploy failed",
		RollbackAttempted: true,
		RollbackSucceeded: &yes,
	}}
	bus := &captureBus{}
	agent := NewAgent(queue, deployer, bus, nil, time.Second, 0, nil)

	agent.RunOnce(context.Background())

	assert.Equal(t, []domain.TaskStatus{domain.StatusDeploying, domain.StatusRolledBack}, queue.statuses["web"])
	assert.Equal(t, []domain.EventType{domain.EventDeploymentStarted, domain.EventRolledBack}, queue.events["web"])

	// The bus only distinguishes success from failure.
	require.Len(t, bus.messages, 1)
	assert.Equal(t, domain.EventDeploymentFailed, bus.messages[0].Type)

	assert.EqualValues(t, 1, agent.Stats().RolledBack)
}

func TestAgentRecordsTerminalMetadata(t *testing.T) {
	queue := newFakeTaskQueue(domain.DeploymentTask{ID: "web"})
	deployer := &fakeDeployer{result: domain.DeploymentResult{
		Strategy:       domain.StrategyDirect,
		DeploymentID:   "dep-3",
		Error:          "validation failed",
		DeploymentInfo: map[string]string{"backup_path": "/srv/app.backup-dep-3"},
	}}
	agent := NewAgent(queue, deployer, nil, nil, time.Second, 0, nil)

	agent.RunOnce(context.Background())

	updates := queue.metadata["web"]
	require.Len(t, updates, 2)
	terminal := updates[1]
	assert.Equal(t, "dep-3", terminal["deployment_id"])
	assert.Equal(t, "validation failed", terminal["error"])
	assert.Equal(t, map[string]string{"backup_path": "/srv/app.backup-dep-3"}, terminal["deployment_info"])
}

func TestAgentRecoversFromPanic(t *testing.T) {
	queue := newFakeTaskQueue(
		domain.DeploymentTask{ID: "bad"},
	)
	deployer := &fakeDeployer{boom: true}
	agent := NewAgent(queue, deployer, nil, NewMetrics(nil), time.Second, 0, nil)

	assert.NotPanics(t, func() { agent.RunOnce(context.Background()) })

	// The panicked task still lands on a terminal status.
	assert.Equal(t, []domain.TaskStatus{domain.StatusDeploying, domain.StatusFailed}, queue.statuses["bad"])

	stats := agent.Stats()
	assert.EqualValues(t, 1, stats.Panics)
	assert.EqualValues(t, 1, stats.Errors)
	assert.EqualValues(t, 1, stats.Failed)
}

func TestAgentCountsFetchFailures(t *testing.T) {
	queue := newFakeTaskQueue()
	queue.fetchErr = errors.New("database is locked")
	agent := NewAgent(queue, &fakeDeployer{}, nil, NewMetrics(nil), time.Second, 0, nil)

	agent.RunOnce(context.Background())

	stats := agent.Stats()
	assert.EqualValues(t, 1, stats.Errors)
	assert.Zero(t, stats.CyclesCompleted, "a failed fetch does not complete the cycle")
}

func TestAgentStartStop(t *testing.T) {
	queue := newFakeTaskQueue(domain.DeploymentTask{ID: "web"})
	deployer := &fakeDeployer{result: domain.DeploymentResult{Success: true, DeploymentID: "dep-4"}}
	agent := NewAgent(queue, deployer, nil, nil, 10*time.Millisecond, 0, nil)

	agent.Start()
	time.Sleep(50 * time.Millisecond)
	agent.Stop()

	stats := agent.Stats()
	assert.EqualValues(t, 1, stats.TasksProcessed, "a task is dispatched exactly once")
	assert.Positive(t, stats.CyclesCompleted)
}

// blockingDeployer holds the attempt open until released, then reports
// whether its context was canceled.
type blockingDeployer struct {
	started chan struct{}
	release chan struct{}
	ctxErr  error
	result  domain.DeploymentResult
}

func (d *blockingDeployer) Deploy(ctx context.Context, _ domain.DeploymentTask) domain.DeploymentResult {
	close(d.started)
	<-d.release
	d.ctxErr = ctx.Err()
	return d.result
}

func TestAgentShutdownCompletesInFlightTask(t *testing.T) {
	queue := newFakeTaskQueue(domain.DeploymentTask{ID: "web"})
	deployer := &blockingDeployer{
		started: make(chan struct{}),
		release: make(chan struct{}),
		result:  domain.DeploymentResult{Success: true, Strategy: domain.StrategyDirect, DeploymentID: "dep-9"},
	}
	agent := NewAgent(queue, deployer, nil, nil, time.Second, 0, nil)

	agent.Start()
	<-deployer.started

	stopped := make(chan struct{})
	go func() {
		agent.Stop()
		close(stopped)
	}()

	// Give Stop time to deliver its cancellation before releasing the attempt.
	time.Sleep(20 * time.Millisecond)
	close(deployer.release)
	<-stopped

	assert.NoError(t, deployer.ctxErr, "shutdown must not cancel the in-flight attempt")
	assert.Equal(t, []domain.TaskStatus{domain.StatusDeploying, domain.StatusDeployed}, queue.statuses["web"])
	assert.Equal(t, []domain.EventType{domain.EventDeploymentStarted, domain.EventDeployed}, queue.events["web"])
}

func TestAgentStopsBetweenTasks(t *testing.T) {
	queue := newFakeTaskQueue(
		domain.DeploymentTask{ID: "first"},
		domain.DeploymentTask{ID: "second"},
	)
	ctx, cancel := context.WithCancel(context.Background())

	deployer := &fakeDeployer{result: domain.DeploymentResult{Success: true}}
	agent := NewAgent(queue, deployer, nil, nil, time.Second, 0, nil)

	// Cancel as soon as the first task finishes; the second stays untouched.
	cancelingQueue := &cancelAfterFirst{fakeTaskQueue: queue, cancel: cancel}
	agent.queue = cancelingQueue

	agent.RunOnce(ctx)

	assert.NotEmpty(t, queue.statuses["first"])
	assert.Empty(t, queue.statuses["second"], "shutdown is observed at the task boundary")
}

// cancelAfterFirst cancels the context on the first terminal status write.
type cancelAfterFirst struct {
	*fakeTaskQueue
	cancel context.CancelFunc
	once   sync.Once
}

func (q *cancelAfterFirst) UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus, metadata map[string]any) error {
	err := q.fakeTaskQueue.UpdateStatus(ctx, taskID, status, metadata)
	if status.Terminal() {
		q.once.Do(q.cancel)
	}
	return err
}
