// Package deletion coordinates the permanent delete of a task's multi-store
// footprint. Cleanup is forward-retry only; successful deletes are never
// compensated.
package deletion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"aibox-memory/internal/logging"
	"aibox-memory/internal/retry"
	"aibox-memory/pkg/types"
)

const (
	defaultAttempts  = 3
	defaultRetryStep = 200 * time.Millisecond
	maxParallelFiles = 4
)

// Executor performs the physical delete for each footprint kind.
type Executor interface {
	DeleteVectors(ctx context.Context, fileID string) error
	DeleteEntities(ctx context.Context, fileID string) error
	DeleteRelations(ctx context.Context, fileID string) error
	DeleteMetadata(ctx context.Context, fileID string) error
	DeleteFile(ctx context.Context, fileID string) error
	DeleteFolders(ctx context.Context, taskID string) error
	DeleteTask(ctx context.Context, taskID string) error
}

// Manager runs deletion transactions and keeps their reports.
type Manager struct {
	exec    Executor
	retrier *retry.Retrier
	logger  logging.Logger

	mu  sync.Mutex
	txs map[string]*types.DeletionTransaction
}

// NewManager creates a deletion manager with linear-backoff retries
func NewManager(exec Executor, attempts int, step time.Duration, logger logging.Logger) *Manager {
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	if step <= 0 {
		step = defaultRetryStep
	}
	if logger == nil {
		logger = logging.Default()
	}

	cfg := retry.LinearConfig(attempts, step)
	// Every delete failure is worth the bounded retries.
	cfg.RetryIf = func(error) bool { return true }

	return &Manager{
		exec:    exec,
		retrier: retry.New(cfg),
		logger:  logger.WithComponent("deletion_manager"),
		txs:     make(map[string]*types.DeletionTransaction),
	}
}

// execute runs one kind's delete against its target
func (m *Manager) execute(ctx context.Context, kind types.DeletionKind, targetID string) error {
	switch kind {
	case types.DeletionKindVector:
		return m.exec.DeleteVectors(ctx, targetID)
	case types.DeletionKindKGEntity:
		return m.exec.DeleteEntities(ctx, targetID)
	case types.DeletionKindKGRelation:
		return m.exec.DeleteRelations(ctx, targetID)
	case types.DeletionKindMetadata:
		return m.exec.DeleteMetadata(ctx, targetID)
	case types.DeletionKindFile:
		return m.exec.DeleteFile(ctx, targetID)
	case types.DeletionKindFolder:
		return m.exec.DeleteFolders(ctx, targetID)
	case types.DeletionKindTask:
		return m.exec.DeleteTask(ctx, targetID)
	default:
		return fmt.Errorf("unknown deletion kind: %s", kind)
	}
}

// step records one operation, executes it with retry, and finalises its
// status
func (m *Manager) step(ctx context.Context, kind types.DeletionKind, targetID string) types.DeletionOperation {
	op := types.DeletionOperation{
		TargetID: targetID,
		Kind:     kind,
		Status:   types.OperationPending,
	}

	result := m.retrier.Do(ctx, func(ctx context.Context) error {
		return m.execute(ctx, kind, targetID)
	})
	op.RetryCount = result.Attempts - 1

	if result.Err != nil {
		op.Status = types.OperationFailed
		op.Error = result.Err.Error()
		m.logger.Warn("deletion step failed",
			"kind", string(kind), "target_id", targetID,
			"attempts", result.Attempts, "error", result.Err.Error())
	} else {
		op.Status = types.OperationSuccess
	}
	return op
}

// DeleteTaskFootprint removes every store footprint of a task: each file's
// kinds in order, then task folders, then the task record. Earlier failures
// never abort later kinds.
func (m *Manager) DeleteTaskFootprint(ctx context.Context, taskID, userID string, fileIDs []string) *types.DeletionTransaction {
	tx := &types.DeletionTransaction{
		TaskID:    taskID,
		UserID:    userID,
		StartedAt: time.Now().UTC(),
		Status:    types.TransactionInProgress,
	}
	m.mu.Lock()
	m.txs[taskID] = tx
	m.mu.Unlock()

	perFile := make([][]types.DeletionOperation, len(fileIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFiles)
	for i, fileID := range fileIDs {
		g.Go(func() error {
			ops := make([]types.DeletionOperation, 0, len(types.FileDeletionOrder))
			for _, kind := range types.FileDeletionOrder {
				ops = append(ops, m.step(gctx, kind, fileID))
			}
			perFile[i] = ops
			return nil
		})
	}
	_ = g.Wait()

	for _, ops := range perFile {
		tx.Operations = append(tx.Operations, ops...)
	}
	tx.Operations = append(tx.Operations, m.step(ctx, types.DeletionKindFolder, taskID))
	tx.Operations = append(tx.Operations, m.step(ctx, types.DeletionKindTask, taskID))

	completed := time.Now().UTC()
	tx.CompletedAt = &completed
	tx.Status = aggregateStatus(tx.Operations)

	m.logger.Info("deletion transaction finished",
		"task_id", taskID, "status", string(tx.Status), "operations", len(tx.Operations))
	return tx
}

// aggregateStatus folds operation outcomes into the transaction status
func aggregateStatus(ops []types.DeletionOperation) types.TransactionStatus {
	success, failed := 0, 0
	for _, op := range ops {
		switch op.Status {
		case types.OperationSuccess:
			success++
		case types.OperationFailed:
			failed++
		}
	}
	switch {
	case failed == 0:
		return types.TransactionCompleted
	case success == 0:
		return types.TransactionFailed
	default:
		return types.TransactionPartiallyFailed
	}
}

// Transaction returns a finished or in-flight transaction by task id
func (m *Manager) Transaction(taskID string) (*types.DeletionTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[taskID]
	if !ok {
		return nil, fmt.Errorf("no deletion transaction for task %s", taskID)
	}
	return tx, nil
}

// RollbackReport summarises a transaction with per-kind cleanup hints
func (m *Manager) RollbackReport(taskID string) (*types.RollbackReport, error) {
	tx, err := m.Transaction(taskID)
	if err != nil {
		return nil, err
	}

	report := &types.RollbackReport{
		Status: tx.Status,
		Total:  len(tx.Operations),
	}
	failedKinds := make(map[types.DeletionKind]bool)
	for _, op := range tx.Operations {
		switch op.Status {
		case types.OperationSuccess:
			report.SuccessCount++
		case types.OperationFailed:
			report.FailedCount++
			report.FailedOperations = append(report.FailedOperations, op)
			failedKinds[op.Kind] = true
		}
	}
	for _, kind := range []types.DeletionKind{
		types.DeletionKindVector,
		types.DeletionKindKGEntity,
		types.DeletionKindKGRelation,
		types.DeletionKindMetadata,
		types.DeletionKindFile,
		types.DeletionKindFolder,
		types.DeletionKindTask,
	} {
		if failedKinds[kind] {
			report.Recommendations = append(report.Recommendations, recommendationFor(kind))
		}
	}
	return report, nil
}

func recommendationFor(kind types.DeletionKind) string {
	switch kind {
	case types.DeletionKindVector:
		return "check for residual vectors in the collection and delete them by file_id"
	case types.DeletionKindKGEntity:
		return "clean orphaned entities in the knowledge graph"
	case types.DeletionKindKGRelation:
		return "clean orphaned relations in the knowledge graph"
	case types.DeletionKindMetadata:
		return "remove stale metadata rows for the deleted files"
	case types.DeletionKindFile:
		return "remove the stored file objects manually"
	case types.DeletionKindFolder:
		return "remove the task's folders from file storage"
	case types.DeletionKindTask:
		return "delete the task record manually"
	default:
		return fmt.Sprintf("inspect failed %s operations", kind)
	}
}
