package types

import "time"

// TaskStatus is the lifecycle state of a user task.
type TaskStatus string

const (
	TaskStatusActivate TaskStatus = "activate"
	TaskStatusTrash    TaskStatus = "trash"
)

// TrashRetention is how long a trashed task is kept before permanent deletion.
const TrashRetention = 7 * 24 * time.Hour

// UserTask is the persistence contract the memory core shares with the task
// UI: soft delete, restore, and metadata consistency.
type UserTask struct {
	TaskID            string                 `json:"task_id"`
	UserID            string                 `json:"user_id"`
	Title             string                 `json:"title"`
	Status            TaskStatus             `json:"task_status"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	DeletedAt         *time.Time             `json:"deleted_at,omitempty"`
	PermanentDeleteAt *time.Time             `json:"permanent_delete_at,omitempty"`
}

// IsTrashed reports whether the task is soft-deleted
func (t *UserTask) IsTrashed() bool {
	return t.Status == TaskStatusTrash
}

// AsyncTaskStatus is the state of a background task.
type AsyncTaskStatus string

const (
	AsyncTaskPending   AsyncTaskStatus = "pending"
	AsyncTaskRunning   AsyncTaskStatus = "running"
	AsyncTaskCompleted AsyncTaskStatus = "completed"
	AsyncTaskFailed    AsyncTaskStatus = "failed"
	AsyncTaskCancelled AsyncTaskStatus = "cancelled"
)

// Terminal reports whether the status is final
func (s AsyncTaskStatus) Terminal() bool {
	return s == AsyncTaskCompleted || s == AsyncTaskFailed || s == AsyncTaskCancelled
}

// AsyncTask is a typed, prioritised, cancellable background task.
type AsyncTask struct {
	TaskID      string                 `json:"task_id"`
	TaskType    string                 `json:"task_type"`
	Status      AsyncTaskStatus        `json:"status"`
	Priority    Priority               `json:"priority"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Result      interface{}            `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	RetryCount  int                    `json:"retry_count"`
}
