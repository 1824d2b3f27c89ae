package storage

import (
	"context"
	"fmt"
	"time"

	"aibox-memory/internal/retry"
	"aibox-memory/pkg/types"
)

// RetryableVectorStore decorates a VectorMemoryStore with retry logic for
// transient back-end failures.
type RetryableVectorStore struct {
	store   VectorMemoryStore
	retrier *retry.Retrier
}

// NewRetryableVectorStore wraps a vector store with retries
func NewRetryableVectorStore(store VectorMemoryStore, cfg *retry.Config) *RetryableVectorStore {
	if cfg == nil {
		cfg = &retry.Config{
			MaxAttempts:     3,
			InitialDelay:    200 * time.Millisecond,
			MaxDelay:        5 * time.Second,
			Multiplier:      2.0,
			RandomizeFactor: 0.1,
			RetryIf:         isRetryableStorageError,
		}
	}
	return &RetryableVectorStore{store: store, retrier: retry.New(cfg)}
}

// isRetryableStorageError keeps not-found and unsupported out of retry loops
func isRetryableStorageError(err error) bool {
	if err == ErrNotFound || err == ErrSearchUnsupported {
		return false
	}
	return retry.IsTransient(err)
}

func (r *RetryableVectorStore) do(ctx context.Context, name string, op retry.Operation) error {
	result := r.retrier.Do(ctx, op)
	if result.Err != nil {
		return fmt.Errorf("%s failed after %d attempts: %w", name, result.Attempts, result.Err)
	}
	return nil
}

// Initialize initializes the underlying store with retries
func (r *RetryableVectorStore) Initialize(ctx context.Context) error {
	return r.do(ctx, "initialize", func(ctx context.Context) error { return r.store.Initialize(ctx) })
}

// Store saves with retries
func (r *RetryableVectorStore) Store(ctx context.Context, m *types.Memory) error {
	return r.do(ctx, "store", func(ctx context.Context) error { return r.store.Store(ctx, m) })
}

// Retrieve fetches with retries
func (r *RetryableVectorStore) Retrieve(ctx context.Context, id string) (*types.Memory, error) {
	var out *types.Memory
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.store.Retrieve(ctx, id)
		return err
	}).Err
	return out, err
}

// Update updates with retries
func (r *RetryableVectorStore) Update(ctx context.Context, m *types.Memory) error {
	return r.do(ctx, "update", func(ctx context.Context) error { return r.store.Update(ctx, m) })
}

// Delete deletes with retries
func (r *RetryableVectorStore) Delete(ctx context.Context, id string) error {
	return r.do(ctx, "delete", func(ctx context.Context) error { return r.store.Delete(ctx, id) })
}

// Search searches with retries
func (r *RetryableVectorStore) Search(ctx context.Context, query *types.MemoryQuery) ([]*types.Memory, error) {
	var out []*types.Memory
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.store.Search(ctx, query)
		return err
	}).Err
	return out, err
}

// FindByExactMatch looks up with retries
func (r *RetryableVectorStore) FindByExactMatch(ctx context.Context, userID, entityType, entityValue string) (*types.Memory, error) {
	var out *types.Memory
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.store.FindByExactMatch(ctx, userID, entityType, entityValue)
		return err
	}).Err
	return out, err
}

// DetectConflicts runs conflict detection with retries
func (r *RetryableVectorStore) DetectConflicts(ctx context.Context, userID, entityType, value string, confidence float64) ([]types.MemoryConflict, error) {
	var out []types.MemoryConflict
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.store.DetectConflicts(ctx, userID, entityType, value, confidence)
		return err
	}).Err
	return out, err
}

// FindLowHotness queries with retries
func (r *RetryableVectorStore) FindLowHotness(ctx context.Context, userID string, maxAccess int64, olderThanDays int) ([]*types.Memory, error) {
	var out []*types.Memory
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.store.FindLowHotness(ctx, userID, maxAccess, olderThanDays)
		return err
	}).Err
	return out, err
}

// Archive transitions with retries
func (r *RetryableVectorStore) Archive(ctx context.Context, id string) error {
	return r.do(ctx, "archive", func(ctx context.Context) error { return r.store.Archive(ctx, id) })
}

// MarkForReview transitions with retries
func (r *RetryableVectorStore) MarkForReview(ctx context.Context, id string) error {
	return r.do(ctx, "mark_for_review", func(ctx context.Context) error { return r.store.MarkForReview(ctx, id) })
}

// ListUserIDs lists with retries
func (r *RetryableVectorStore) ListUserIDs(ctx context.Context) ([]string, error) {
	var out []string
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.store.ListUserIDs(ctx)
		return err
	}).Err
	return out, err
}

// ListByFileID lists with retries
func (r *RetryableVectorStore) ListByFileID(ctx context.Context, fileID string) ([]*types.Memory, error) {
	var out []*types.Memory
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.store.ListByFileID(ctx, fileID)
		return err
	}).Err
	return out, err
}

// UpdatePayload updates with retries
func (r *RetryableVectorStore) UpdatePayload(ctx context.Context, id string, fields map[string]interface{}) error {
	return r.do(ctx, "update_payload", func(ctx context.Context) error { return r.store.UpdatePayload(ctx, id, fields) })
}

// DeleteByFileID deletes with retries
func (r *RetryableVectorStore) DeleteByFileID(ctx context.Context, fileID string) (int, error) {
	var out int
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.store.DeleteByFileID(ctx, fileID)
		return err
	}).Err
	return out, err
}

// HealthCheck checks once (health probes should not mask failures)
func (r *RetryableVectorStore) HealthCheck(ctx context.Context) error {
	return r.store.HealthCheck(ctx)
}

// Close closes the underlying store
func (r *RetryableVectorStore) Close() error { return r.store.Close() }
