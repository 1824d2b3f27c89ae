package types

import "time"

// DeletionKind is one store footprint removed during a permanent delete.
type DeletionKind string

const (
	DeletionKindVector     DeletionKind = "vector"
	DeletionKindKGEntity   DeletionKind = "kg_entity"
	DeletionKindKGRelation DeletionKind = "kg_relation"
	DeletionKindMetadata   DeletionKind = "metadata"
	DeletionKindFile       DeletionKind = "file"
	DeletionKindFolder     DeletionKind = "folder"
	DeletionKindTask       DeletionKind = "task"
)

// FileDeletionOrder is the per-file execution order. Failures in earlier
// kinds do not abort later kinds.
var FileDeletionOrder = []DeletionKind{
	DeletionKindVector,
	DeletionKindKGEntity,
	DeletionKindKGRelation,
	DeletionKindMetadata,
	DeletionKindFile,
}

// OperationStatus is the state of one deletion step.
type OperationStatus string

const (
	OperationPending OperationStatus = "pending"
	OperationSuccess OperationStatus = "success"
	OperationFailed  OperationStatus = "failed"
)

// TransactionStatus aggregates a deletion transaction.
type TransactionStatus string

const (
	TransactionInProgress      TransactionStatus = "in_progress"
	TransactionCompleted       TransactionStatus = "completed"
	TransactionPartiallyFailed TransactionStatus = "partially_failed"
	TransactionFailed          TransactionStatus = "failed"
)

// DeletionOperation is one step of a deletion transaction.
type DeletionOperation struct {
	TargetID   string          `json:"target_id"`
	Kind       DeletionKind    `json:"kind"`
	Status     OperationStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	RetryCount int             `json:"retry_count"`
}

// DeletionTransaction is the in-flight record of a multi-store delete.
type DeletionTransaction struct {
	TaskID      string              `json:"task_id"`
	UserID      string              `json:"user_id"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Status      TransactionStatus   `json:"status"`
	Operations  []DeletionOperation `json:"operations"`
}

// RollbackReport summarises the transaction for the caller. Cleanup is a
// forward-retry problem here, not a compensation problem.
type RollbackReport struct {
	Status           TransactionStatus   `json:"status"`
	Total            int                 `json:"total"`
	SuccessCount     int                 `json:"success_count"`
	FailedCount      int                 `json:"failed_count"`
	FailedOperations []DeletionOperation `json:"failed_operations"`
	Recommendations  []string            `json:"recommendations"`
}
