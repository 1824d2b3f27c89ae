package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"aibox-memory/internal/logging"
)

// OperationRecord is one append-only audit entry. Keys follow
// {user_id}_{resource_id}_{operation}_{timestamp_ms} so entries for the same
// resource sort chronologically.
type OperationRecord struct {
	Key        string                 `json:"key"`
	UserID     string                 `json:"user_id"`
	ResourceID string                 `json:"resource_id"`
	Operation  string                 `json:"operation"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// OperationLog records memory and deletion operations for auditing.
type OperationLog struct {
	db     *sql.DB
	logger logging.Logger
}

// NewOperationLog creates an operation log on a shared database handle
func NewOperationLog(db *sql.DB, logger logging.Logger) *OperationLog {
	if logger == nil {
		logger = logging.Default()
	}
	return &OperationLog{db: db, logger: logger.WithComponent("operation_log")}
}

// Initialize creates the log table if missing
func (ol *OperationLog) Initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS operation_log (
		key TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		detail TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_oplog_user ON operation_log(user_id, created_at);
	`
	if _, err := ol.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create operation log schema: %w", err)
	}
	return nil
}

// Append records an operation. Logging failures are reported but callers
// treat them as non-fatal.
func (ol *OperationLog) Append(ctx context.Context, userID, resourceID, operation string, detail map[string]interface{}) (*OperationRecord, error) {
	now := time.Now().UTC()
	rec := &OperationRecord{
		Key:        fmt.Sprintf("%s_%s_%s_%d", userID, resourceID, operation, now.UnixMilli()),
		UserID:     userID,
		ResourceID: resourceID,
		Operation:  operation,
		Detail:     detail,
		CreatedAt:  now,
	}

	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal operation detail: %w", err)
	}

	_, err = ol.db.ExecContext(ctx, `
		INSERT INTO operation_log (key, user_id, resource_id, operation, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Key, rec.UserID, rec.ResourceID, rec.Operation, string(detailJSON), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to append operation record: %w", err)
	}
	return rec, nil
}

// ListByUser returns a user's entries, newest first
func (ol *OperationLog) ListByUser(ctx context.Context, userID string, limit int) ([]*OperationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := ol.db.QueryContext(ctx, `
		SELECT key, user_id, resource_id, operation, detail, created_at
		FROM operation_log WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list operation records: %w", err)
	}
	defer rows.Close()

	records := make([]*OperationRecord, 0, limit)
	for rows.Next() {
		var rec OperationRecord
		var detail string
		var createdMs int64
		if serr := rows.Scan(&rec.Key, &rec.UserID, &rec.ResourceID, &rec.Operation, &detail, &createdMs); serr != nil {
			continue
		}
		rec.CreatedAt = time.UnixMilli(createdMs).UTC()
		if detail != "" {
			_ = json.Unmarshal([]byte(detail), &rec.Detail)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}
