package deletion

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"aibox-memory/internal/logging"
	"aibox-memory/internal/storage"
)

// VectorCleaner removes a file's vector points.
type VectorCleaner interface {
	DeleteByFileID(ctx context.Context, fileID string) (int, error)
}

// GraphCleaner removes a file's knowledge-graph footprint.
type GraphCleaner interface {
	DeleteEntitiesByFile(ctx context.Context, fileID string) (int, error)
	DeleteRelationsByFile(ctx context.Context, fileID string) (int, error)
}

// TaskDeleter removes the task record itself.
type TaskDeleter interface {
	PermanentDelete(ctx context.Context, taskID string) error
}

// StoreExecutor bridges the deletion manager to the real adapters. File blobs
// live under <dataDir>/files/<fileID>, task folders under <dataDir>/tasks/<taskID>.
// Any nil component turns its steps into no-ops.
type StoreExecutor struct {
	vector  VectorCleaner
	graph   GraphCleaner
	db      *sql.DB
	tasks   TaskDeleter
	dataDir string
	logger  logging.Logger
}

// NewStoreExecutor wires the executor over the storage adapters
func NewStoreExecutor(vector VectorCleaner, graph GraphCleaner, db *sql.DB, tasks TaskDeleter, dataDir string, logger logging.Logger) *StoreExecutor {
	if logger == nil {
		logger = logging.Default()
	}
	return &StoreExecutor{
		vector:  vector,
		graph:   graph,
		db:      db,
		tasks:   tasks,
		dataDir: dataDir,
		logger:  logger.WithComponent("deletion_executor"),
	}
}

// DeleteVectors removes all vector points carrying the file id.
func (e *StoreExecutor) DeleteVectors(ctx context.Context, fileID string) error {
	if e.vector == nil {
		return nil
	}
	n, err := e.vector.DeleteByFileID(ctx, fileID)
	if err != nil {
		return err
	}
	e.logger.Debug("vectors deleted", "file_id", fileID, "count", n)
	return nil
}

// DeleteEntities removes graph entities scoped to the file.
func (e *StoreExecutor) DeleteEntities(ctx context.Context, fileID string) error {
	if e.graph == nil {
		return nil
	}
	_, err := e.graph.DeleteEntitiesByFile(ctx, fileID)
	return err
}

// DeleteRelations removes graph relations scoped to the file.
func (e *StoreExecutor) DeleteRelations(ctx context.Context, fileID string) error {
	if e.graph == nil {
		return nil
	}
	_, err := e.graph.DeleteRelationsByFile(ctx, fileID)
	return err
}

// DeleteMetadata drops document shadow rows whose metadata references the file.
func (e *StoreExecutor) DeleteMetadata(ctx context.Context, fileID string) error {
	if e.db == nil {
		return nil
	}
	_, err := e.db.ExecContext(ctx,
		`DELETE FROM memories WHERE json_extract(metadata, '$.file_id') = ?`, fileID)
	if err != nil {
		return fmt.Errorf("failed to delete metadata rows for %s: %w", fileID, err)
	}
	return nil
}

// DeleteFile removes the uploaded blob. A missing blob counts as deleted.
func (e *StoreExecutor) DeleteFile(_ context.Context, fileID string) error {
	if e.dataDir == "" {
		return nil
	}
	err := os.Remove(filepath.Join(e.dataDir, "files", fileID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file blob %s: %w", fileID, err)
	}
	return nil
}

// DeleteFolders removes the task's upload directory.
func (e *StoreExecutor) DeleteFolders(_ context.Context, taskID string) error {
	if e.dataDir == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(e.dataDir, "tasks", taskID)); err != nil {
		return fmt.Errorf("failed to delete task folder %s: %w", taskID, err)
	}
	return nil
}

// DeleteTask purges the task row. A row already gone counts as deleted.
func (e *StoreExecutor) DeleteTask(ctx context.Context, taskID string) error {
	if e.tasks == nil {
		return nil
	}
	err := e.tasks.PermanentDelete(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
