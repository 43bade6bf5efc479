// Package engine hosts the runtime that drives deployments: the task queue
// store, the orchestrator pipeline, the polling agent, the event bus, and
// the agent's metrics.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/floraldo/hive-sub000/internal/core/domain"
)

// Store errors
var (
	ErrTaskNotFound = errors.New("task not found")
)

// =============================================================================
// Task Queue Interface
// =============================================================================

// TaskQueue is the persistence surface the agent and orchestrator depend on.
type TaskQueue interface {
	// FetchPending returns tasks awaiting deployment, highest priority first,
	// oldest first within a priority.
	FetchPending(ctx context.Context, limit int) ([]domain.DeploymentTask, error)

	// UpdateStatus transitions a task's lifecycle status and merges the given
	// metadata into the task's metadata document. Transitions not allowed by
	// the lifecycle table fail with domain.ErrInvalidTransition. On a
	// deployed status, a deployment_info entry in metadata becomes the stored
	// task's previous deployment.
	UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus, metadata map[string]any) error

	// RecordEvent appends one audit row to the task's event trail.
	RecordEvent(ctx context.Context, taskID string, eventType domain.EventType, details map[string]any) error

	// GetHistory returns the task's audit trail in insertion order.
	GetHistory(ctx context.Context, taskID string) ([]domain.Event, error)
}

// =============================================================================
// SQLite Queue
// =============================================================================

// SQLiteQueue implements TaskQueue over a local SQLite database.
type SQLiteQueue struct {
	db *sqlx.DB
}

// OpenQueue opens (and migrates) the queue database at dsn.
func OpenQueue(dsn string) (*SQLiteQueue, error) {
	db, err := openDB(dsn)
	if err != nil {
		return nil, err
	}
	return &SQLiteQueue{db: db}, nil
}

// Ping verifies the backing database is reachable.
func (q *SQLiteQueue) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

// Close closes the database connection.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

// taskRow is the persisted shape of a queue entry.
type taskRow struct {
	ID        string    `db:"id"`
	Priority  int       `db:"priority"`
	Status    string    `db:"status"`
	Payload   string    `db:"payload"`
	Metadata  string    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Enqueue inserts a new task in deployment_pending status. The task payload
// is stored as JSON; ID, priority, and creation time are indexed columns.
func (q *SQLiteQueue) Enqueue(ctx context.Context, task domain.DeploymentTask) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO deployment_tasks (id, priority, status, payload, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, '{}', ?, ?)`,
		task.ID, task.Priority, domain.StatusPending, string(payload), task.CreatedAt, task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// FetchPending returns up to limit pending tasks ordered by priority
// descending, then creation time ascending.
func (q *SQLiteQueue) FetchPending(ctx context.Context, limit int) ([]domain.DeploymentTask, error) {
	if limit <= 0 {
		limit = 10
	}

	var rows []taskRow
	err := q.db.SelectContext(ctx, &rows, `
		SELECT id, priority, status, payload, metadata, created_at, updated_at
		FROM deployment_tasks
		WHERE status = ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`,
		domain.StatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch pending tasks: %w", err)
	}

	tasks := make([]domain.DeploymentTask, 0, len(rows))
	for _, row := range rows {
		task, err := decodeTask(row)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Get returns one task and its current status.
func (q *SQLiteQueue) Get(ctx context.Context, taskID string) (domain.DeploymentTask, domain.TaskStatus, error) {
	var row taskRow
	err := q.db.GetContext(ctx, &row, `
		SELECT id, priority, status, payload, metadata, created_at, updated_at
		FROM deployment_tasks WHERE id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeploymentTask{}, "", fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	if err != nil {
		return domain.DeploymentTask{}, "", fmt.Errorf("get task %s: %w", taskID, err)
	}

	task, err := decodeTask(row)
	if err != nil {
		return domain.DeploymentTask{}, "", err
	}
	return task, domain.TaskStatus(row.Status), nil
}

// UpdateStatus transitions the task and merges metadata, atomically.
func (q *SQLiteQueue) UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus, metadata map[string]any) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row taskRow
	err = tx.GetContext(ctx, &row, `
		SELECT id, priority, status, payload, metadata, created_at, updated_at
		FROM deployment_tasks WHERE id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	if err != nil {
		return fmt.Errorf("get task %s: %w", taskID, err)
	}

	current := domain.TaskStatus(row.Status)
	if err := domain.ValidateTransition(current, status); err != nil {
		return fmt.Errorf("task %s: %s -> %s: %w", taskID, current, status, err)
	}

	merged, err := mergeMetadata(row.Metadata, metadata)
	if err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}

	// A successful deploy's strategy state becomes the task's recorded
	// previous deployment, the baseline a later failed attempt rolls back to.
	payload := row.Payload
	if status == domain.StatusDeployed {
		if info := previousDeploymentFrom(metadata); len(info) > 0 {
			task, err := decodeTask(row)
			if err != nil {
				return err
			}
			task.PreviousDeployment = info
			encoded, err := json.Marshal(task)
			if err != nil {
				return fmt.Errorf("encode task %s: %w", taskID, err)
			}
			payload = string(encoded)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE deployment_tasks SET status = ?, metadata = ?, payload = ?, updated_at = ? WHERE id = ?`,
		status, merged, payload, time.Now().UTC(), taskID,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	return tx.Commit()
}

// RecordEvent appends an audit row for the task.
func (q *SQLiteQueue) RecordEvent(ctx context.Context, taskID string, eventType domain.EventType, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode event details: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO deployment_events (task_id, event_type, details, timestamp)
		VALUES (?, ?, ?, ?)`,
		taskID, eventType, string(encoded), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record event for task %s: %w", taskID, err)
	}
	return nil
}

// GetHistory returns the task's audit trail, oldest first.
func (q *SQLiteQueue) GetHistory(ctx context.Context, taskID string) ([]domain.Event, error) {
	var rows []struct {
		ID        int64     `db:"id"`
		TaskID    string    `db:"task_id"`
		EventType string    `db:"event_type"`
		Details   string    `db:"details"`
		Timestamp time.Time `db:"timestamp"`
	}
	err := q.db.SelectContext(ctx, &rows, `
		SELECT id, task_id, event_type, details, timestamp
		FROM deployment_events WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get history for task %s: %w", taskID, err)
	}

	events := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		var details map[string]any
		if err := json.Unmarshal([]byte(row.Details), &details); err != nil {
			return nil, fmt.Errorf("decode event %d details: %w", row.ID, err)
		}
		events = append(events, domain.Event{
			ID:        row.ID,
			TaskID:    row.TaskID,
			Type:      domain.EventType(row.EventType),
			Details:   details,
			Timestamp: row.Timestamp,
		})
	}
	return events, nil
}

// =============================================================================
// Helpers
// =============================================================================

func decodeTask(row taskRow) (domain.DeploymentTask, error) {
	var task domain.DeploymentTask
	if err := json.Unmarshal([]byte(row.Payload), &task); err != nil {
		return domain.DeploymentTask{}, fmt.Errorf("decode task %s: %w", row.ID, err)
	}
	// Indexed columns win over the stored payload.
	task.ID = row.ID
	task.Priority = row.Priority
	task.CreatedAt = row.CreatedAt
	return task, nil
}

// previousDeploymentFrom extracts the strategy's deployment info from a
// status update's metadata.
func previousDeploymentFrom(metadata map[string]any) map[string]string {
	switch v := metadata["deployment_info"].(type) {
	case map[string]string:
		return v
	case map[string]any:
		info := make(map[string]string, len(v))
		for k, val := range v {
			s, ok := val.(string)
			if !ok {
				return nil
			}
			info[k] = s
		}
		return info
	}
	return nil
}

func mergeMetadata(existing string, updates map[string]any) (string, error) {
	merged := map[string]any{}
	if existing != "" {
		if err := json.Unmarshal([]byte(existing), &merged); err != nil {
			return "", fmt.Errorf("decode metadata: %w", err)
		}
	}
	for k, v := range updates {
		merged[k] = v
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(encoded), nil
}
