package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"aibox-memory/internal/logging"
	"aibox-memory/pkg/types"
)

// ErrNotTrashed is returned when a permanent delete targets a task that is
// not in the trash.
var ErrNotTrashed = errors.New("task is not in trash")

// TaskRepository persists user tasks with soft-delete semantics: deleting a
// task moves it to trash with a purge deadline, restore clears both, and
// permanent deletion is only allowed from trash.
type TaskRepository struct {
	db      *sql.DB
	metrics *StorageMetrics
	logger  logging.Logger
}

// NewTaskRepository creates a repository on a shared database handle
func NewTaskRepository(db *sql.DB, logger logging.Logger) *TaskRepository {
	if logger == nil {
		logger = logging.Default()
	}
	return &TaskRepository{
		db:      db,
		metrics: NewStorageMetrics(),
		logger:  logger.WithComponent("task_repository"),
	}
}

// Initialize creates the tasks table if missing
func (tr *TaskRepository) Initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS user_tasks (
		task_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'activate',
		metadata TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER,
		permanent_delete_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_user ON user_tasks(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_purge ON user_tasks(permanent_delete_at);
	`
	if _, err := tr.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tasks schema: %w", err)
	}
	return nil
}

// Create inserts a new task in the activate state
func (tr *TaskRepository) Create(ctx context.Context, task *types.UserTask) error {
	start := time.Now()
	var err error
	defer func() { tr.metrics.Record("create", start, err) }()

	if task.TaskID == "" || task.UserID == "" {
		return errors.New("task_id and user_id are required")
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = types.TaskStatusActivate
	}

	metadata, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal task metadata: %w", err)
	}

	_, err = tr.db.ExecContext(ctx, `
		INSERT INTO user_tasks (task_id, user_id, title, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.UserID, task.Title, string(task.Status), string(metadata),
		task.CreatedAt.Unix(), task.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

const taskColumns = `task_id, user_id, title, status, metadata, created_at, updated_at, deleted_at, permanent_delete_at`

func (tr *TaskRepository) scanTask(row interface{ Scan(...interface{}) error }) (*types.UserTask, error) {
	var t types.UserTask
	var status, metadata string
	var createdAt, updatedAt int64
	var deletedAt, purgeAt sql.NullInt64

	err := row.Scan(&t.TaskID, &t.UserID, &t.Title, &status, &metadata,
		&createdAt, &updatedAt, &deletedAt, &purgeAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	t.Status = types.TaskStatus(status)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if deletedAt.Valid {
		ts := time.Unix(deletedAt.Int64, 0).UTC()
		t.DeletedAt = &ts
	}
	if purgeAt.Valid {
		ts := time.Unix(purgeAt.Int64, 0).UTC()
		t.PermanentDeleteAt = &ts
	}
	if metadata != "" {
		_ = json.Unmarshal([]byte(metadata), &t.Metadata)
	}
	return &t, nil
}

// Get fetches a task by id regardless of trash state
func (tr *TaskRepository) Get(ctx context.Context, taskID string) (*types.UserTask, error) {
	start := time.Now()
	var err error
	defer func() { tr.metrics.Record("get", start, err) }()

	row := tr.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM user_tasks WHERE task_id = ?`, taskID)
	t, err := tr.scanTask(row)
	return t, err
}

// List returns a user's active tasks; includeTrashed adds trashed ones
func (tr *TaskRepository) List(ctx context.Context, userID string, includeTrashed bool) ([]*types.UserTask, error) {
	start := time.Now()
	var err error
	defer func() { tr.metrics.Record("list", start, err) }()

	query := `SELECT ` + taskColumns + ` FROM user_tasks WHERE user_id = ?`
	if !includeTrashed {
		query += ` AND status = '` + string(types.TaskStatusActivate) + `'`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := tr.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*types.UserTask, 0)
	for rows.Next() {
		t, serr := tr.scanTask(rows)
		if serr != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SoftDelete moves a task to trash with a purge deadline
func (tr *TaskRepository) SoftDelete(ctx context.Context, taskID string) error {
	start := time.Now()
	var err error
	defer func() { tr.metrics.Record("soft_delete", start, err) }()

	now := time.Now().UTC()
	purgeAt := now.Add(types.TrashRetention)

	res, err := tr.db.ExecContext(ctx, `
		UPDATE user_tasks
		SET status = ?, deleted_at = ?, permanent_delete_at = ?, updated_at = ?
		WHERE task_id = ?`,
		string(types.TaskStatusTrash), now.Unix(), purgeAt.Unix(), now.Unix(), taskID)
	if err != nil {
		return fmt.Errorf("failed to soft-delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrNotFound
		return ErrNotFound
	}
	tr.logger.Info("task moved to trash", "task_id", taskID, "purge_at", purgeAt.Format(time.RFC3339))
	return nil
}

// Restore returns a trashed task to the activate state and clears both
// deletion timestamps
func (tr *TaskRepository) Restore(ctx context.Context, taskID string) error {
	start := time.Now()
	var err error
	defer func() { tr.metrics.Record("restore", start, err) }()

	now := time.Now().UTC()
	res, err := tr.db.ExecContext(ctx, `
		UPDATE user_tasks
		SET status = ?, deleted_at = NULL, permanent_delete_at = NULL, updated_at = ?
		WHERE task_id = ? AND status = ?`,
		string(types.TaskStatusActivate), now.Unix(), taskID, string(types.TaskStatusTrash))
	if err != nil {
		return fmt.Errorf("failed to restore task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrNotFound
		return ErrNotFound
	}
	tr.logger.Info("task restored from trash", "task_id", taskID)
	return nil
}

// PermanentDelete removes a task; only trashed tasks may be deleted
func (tr *TaskRepository) PermanentDelete(ctx context.Context, taskID string) error {
	start := time.Now()
	var err error
	defer func() { tr.metrics.Record("permanent_delete", start, err) }()

	task, err := tr.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.IsTrashed() {
		err = ErrNotTrashed
		return ErrNotTrashed
	}

	if _, err = tr.db.ExecContext(ctx, `DELETE FROM user_tasks WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to permanently delete task: %w", err)
	}
	return nil
}

// PurgeExpired permanently removes trashed tasks past their purge deadline,
// returning the count
func (tr *TaskRepository) PurgeExpired(ctx context.Context) (int, error) {
	start := time.Now()
	var err error
	defer func() { tr.metrics.Record("purge_expired", start, err) }()

	now := time.Now().UTC().Unix()
	res, err := tr.db.ExecContext(ctx, `
		DELETE FROM user_tasks
		WHERE status = ? AND permanent_delete_at IS NOT NULL AND permanent_delete_at < ?`,
		string(types.TaskStatusTrash), now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		tr.logger.Info("purged expired trashed tasks", "count", n)
	}
	return int(n), nil
}

// Metrics returns the repository's operation metrics
func (tr *TaskRepository) Metrics() *StorageMetrics { return tr.metrics }
