package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"aibox-memory/internal/logging"
	"aibox-memory/pkg/types"
)

// SQLiteGraphStore implements GraphStore: memory documents keyed by id plus
// entity and relation tables used by the graph RAG track. Search is
// substring/contains over content.
type SQLiteGraphStore struct {
	db      *sql.DB
	metrics *StorageMetrics
	logger  logging.Logger
}

// NewSQLiteGraphStore opens (or creates) the store at path. Use ":memory:"
// for tests.
func NewSQLiteGraphStore(path string, logger logging.Logger) (*SQLiteGraphStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// concurrent writers hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if logger == nil {
		logger = logging.Default()
	}
	return &SQLiteGraphStore{
		db:      db,
		metrics: NewStorageMetrics(),
		logger:  logger.WithComponent("graph_store"),
	}, nil
}

// DB exposes the underlying handle so sibling repositories (tasks, operation
// log) can share one embedded database.
func (gs *SQLiteGraphStore) DB() *sql.DB { return gs.db }

// Initialize creates the schema if missing
func (gs *SQLiteGraphStore) Initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		memory_type TEXT NOT NULL,
		priority TEXT,
		user_id TEXT,
		entity_type TEXT,
		entity_value TEXT,
		confidence REAL,
		status TEXT NOT NULL DEFAULT 'active',
		metadata TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		accessed_at INTEGER,
		access_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, status);

	CREATE TABLE IF NOT EXISTS entities (
		key TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT,
		file_id TEXT,
		file_ids TEXT,
		attributes TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name);
	CREATE INDEX IF NOT EXISTS idx_entities_file ON entities(file_id);

	CREATE TABLE IF NOT EXISTS relations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_key TEXT NOT NULL,
		to_key TEXT NOT NULL,
		type TEXT NOT NULL,
		file_id TEXT,
		UNIQUE(from_key, to_key, type)
	);
	CREATE INDEX IF NOT EXISTS idx_relations_from ON relations(from_key);
	CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_key);
	`
	if _, err := gs.db.ExecContext(ctx, schema); err != nil {
		gs.metrics.ConnectionStatus = "error"
		return fmt.Errorf("failed to create graph schema: %w", err)
	}
	gs.metrics.ConnectionStatus = "connected"
	return nil
}

// Store saves a memory document
func (gs *SQLiteGraphStore) Store(ctx context.Context, m *types.Memory) error {
	start := time.Now()
	var err error
	defer func() { gs.metrics.Record("store", start, err) }()

	if err = m.Validate(); err != nil {
		return fmt.Errorf("invalid memory: %w", err)
	}

	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = gs.db.ExecContext(ctx, `
		INSERT INTO memories (id, content, memory_type, priority, user_id, entity_type, entity_value,
			confidence, status, metadata, created_at, updated_at, accessed_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			priority = excluded.priority,
			confidence = excluded.confidence,
			status = excluded.status,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at,
			accessed_at = excluded.accessed_at,
			access_count = excluded.access_count`,
		m.ID, m.Content, string(m.Type), string(m.Priority), m.UserID, m.EntityType, m.EntityValue,
		m.Confidence, string(m.Status), string(metadata),
		m.CreatedAt.Unix(), m.UpdatedAt.Unix(), m.AccessedAt.Unix(), m.AccessCount)
	if err != nil {
		return fmt.Errorf("failed to store memory document: %w", err)
	}
	return nil
}

func (gs *SQLiteGraphStore) scanMemory(row interface{ Scan(...interface{}) error }) (*types.Memory, error) {
	var m types.Memory
	var memType, priority, status, metadata string
	var createdAt, updatedAt, accessedAt int64

	err := row.Scan(&m.ID, &m.Content, &memType, &priority, &m.UserID, &m.EntityType, &m.EntityValue,
		&m.Confidence, &status, &metadata, &createdAt, &updatedAt, &accessedAt, &m.AccessCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan memory: %w", err)
	}

	m.Type = types.MemoryType(memType)
	m.Priority = types.Priority(priority)
	m.Status = types.MemoryStatus(status)
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	m.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	m.AccessedAt = time.Unix(accessedAt, 0).UTC()
	if metadata != "" {
		_ = json.Unmarshal([]byte(metadata), &m.Metadata)
	}
	if m.Metadata == nil {
		m.Metadata = make(map[string]interface{})
	}
	return &m, nil
}

const memoryColumns = `id, content, memory_type, priority, user_id, entity_type, entity_value,
	confidence, status, metadata, created_at, updated_at, accessed_at, access_count`

// Retrieve fetches a memory document by id
func (gs *SQLiteGraphStore) Retrieve(ctx context.Context, id string) (*types.Memory, error) {
	start := time.Now()
	var err error
	defer func() { gs.metrics.Record("retrieve", start, err) }()

	row := gs.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := gs.scanMemory(row)
	return m, err
}

// Update overwrites an existing document
func (gs *SQLiteGraphStore) Update(ctx context.Context, m *types.Memory) error {
	return gs.Store(ctx, m)
}

// Delete removes a memory document
func (gs *SQLiteGraphStore) Delete(ctx context.Context, id string) error {
	start := time.Now()
	var err error
	defer func() { gs.metrics.Record("delete", start, err) }()

	res, err := gs.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete memory document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrNotFound
		return ErrNotFound
	}
	return nil
}

// Search performs substring match over content with optional type filter.
// Archived records are excluded unless explicitly requested.
func (gs *SQLiteGraphStore) Search(ctx context.Context, query *types.MemoryQuery) ([]*types.Memory, error) {
	start := time.Now()
	var err error
	defer func() { gs.metrics.Record("search", start, err) }()

	limit := query.Limit
	if limit <= 0 {
		limit = 10
	}

	clauses := []string{"content LIKE ?"}
	args := []interface{}{"%" + query.Query + "%"}

	status := query.Status
	if status == "" {
		status = types.MemoryStatusActive
	}
	clauses = append(clauses, "status = ?")
	args = append(args, string(status))

	if query.Type != "" {
		clauses = append(clauses, "memory_type = ?")
		args = append(args, string(query.Type))
	}
	if query.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, query.UserID)
	}
	args = append(args, limit)

	rows, err := gs.db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE `+
		strings.Join(clauses, " AND ")+` ORDER BY updated_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search memory documents: %w", err)
	}
	defer rows.Close()

	results := make([]*types.Memory, 0, limit)
	for rows.Next() {
		m, serr := gs.scanMemory(rows)
		if serr != nil {
			continue
		}
		// Contains match is binary; score by simple coverage so callers
		// can still rank across tiers.
		m.RelevanceScore = substringRelevance(query.Query, m.Content)
		results = append(results, m)
	}
	return results, rows.Err()
}

// substringRelevance scores a contains-match by query coverage of content
func substringRelevance(query, content string) float64 {
	if query == "" || content == "" {
		return 0
	}
	ratio := float64(len(query)) / float64(len(content))
	if ratio > 1 {
		ratio = 1
	}
	return 0.5 + 0.5*ratio
}

// UpsertEntity inserts or refreshes a graph node
func (gs *SQLiteGraphStore) UpsertEntity(ctx context.Context, e *types.Entity) error {
	start := time.Now()
	var err error
	defer func() { gs.metrics.Record("upsert_entity", start, err) }()

	if e.Key == "" {
		return errors.New("entity key cannot be empty")
	}

	fileIDs, _ := json.Marshal(e.FileIDs)
	attributes, _ := json.Marshal(e.Attributes)

	_, err = gs.db.ExecContext(ctx, `
		INSERT INTO entities (key, name, type, file_id, file_ids, attributes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			file_id = excluded.file_id,
			file_ids = excluded.file_ids,
			attributes = excluded.attributes`,
		e.Key, e.Name, e.Type, e.FileID, string(fileIDs), string(attributes))
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

// UpsertRelation inserts a typed edge; duplicate edges are ignored
func (gs *SQLiteGraphStore) UpsertRelation(ctx context.Context, r *types.Relation) error {
	start := time.Now()
	var err error
	defer func() { gs.metrics.Record("upsert_relation", start, err) }()

	_, err = gs.db.ExecContext(ctx, `
		INSERT INTO relations (from_key, to_key, type, file_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(from_key, to_key, type) DO UPDATE SET file_id = excluded.file_id`,
		r.From, r.To, r.Type, r.FileID)
	if err != nil {
		return fmt.Errorf("failed to upsert relation: %w", err)
	}
	return nil
}

// DeleteEntitiesByFile removes a file's entities, returning the count
func (gs *SQLiteGraphStore) DeleteEntitiesByFile(ctx context.Context, fileID string) (int, error) {
	res, err := gs.db.ExecContext(ctx, `DELETE FROM entities WHERE file_id = ?`, fileID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entities: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteRelationsByFile removes a file's relations, returning the count
func (gs *SQLiteGraphStore) DeleteRelationsByFile(ctx context.Context, fileID string) (int, error) {
	res, err := gs.db.ExecContext(ctx, `DELETE FROM relations WHERE file_id = ?`, fileID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete relations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (gs *SQLiteGraphStore) scanEntities(rows *sql.Rows) ([]types.Entity, error) {
	defer rows.Close()
	entities := make([]types.Entity, 0)
	for rows.Next() {
		var e types.Entity
		var fileIDs, attributes sql.NullString
		if err := rows.Scan(&e.Key, &e.Name, &e.Type, &e.FileID, &fileIDs, &attributes); err != nil {
			continue
		}
		if fileIDs.Valid && fileIDs.String != "" {
			_ = json.Unmarshal([]byte(fileIDs.String), &e.FileIDs)
		}
		if attributes.Valid && attributes.String != "" {
			_ = json.Unmarshal([]byte(attributes.String), &e.Attributes)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// MatchEntities finds entities whose name matches the text exactly, by
// prefix containment, or by case-insensitive substring, optionally filtered
// by type. Results are de-duplicated by key with exact matches first.
func (gs *SQLiteGraphStore) MatchEntities(ctx context.Context, text, entityType string, limit int) ([]types.Entity, error) {
	start := time.Now()
	var err error
	defer func() { gs.metrics.Record("match_entities", start, err) }()

	if limit <= 0 {
		limit = 10
	}

	typeClause := ""
	args := []interface{}{text, text + "%", "%" + strings.ToLower(text) + "%"}
	if entityType != "" {
		typeClause = " AND type = ?"
		args = append(args, entityType)
	}
	args = append(args, text, limit)

	rows, err := gs.db.QueryContext(ctx, `
		SELECT key, name, type, IFNULL(file_id, ''), file_ids, attributes FROM entities
		WHERE (name = ? OR name LIKE ? OR LOWER(name) LIKE ?)`+typeClause+`
		ORDER BY CASE WHEN name = ? THEN 0 ELSE 1 END, name
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to match entities: %w", err)
	}
	return gs.scanEntities(rows)
}

func (gs *SQLiteGraphStore) entityByKey(ctx context.Context, key string) (*types.Entity, error) {
	rows, err := gs.db.QueryContext(ctx, `
		SELECT key, name, type, IFNULL(file_id, ''), file_ids, attributes FROM entities WHERE key = ?`, key)
	if err != nil {
		return nil, err
	}
	entities, err := gs.scanEntities(rows)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, ErrNotFound
	}
	return &entities[0], nil
}

// Neighbors returns 1-hop triples for an entity, both directions
func (gs *SQLiteGraphStore) Neighbors(ctx context.Context, entityKey string, limit int) ([]types.GraphPath, error) {
	start := time.Now()
	var err error
	defer func() { gs.metrics.Record("neighbors", start, err) }()

	if limit <= 0 {
		limit = 10
	}

	center, err := gs.entityByKey(ctx, entityKey)
	if err != nil {
		return nil, err
	}

	rows, err := gs.db.QueryContext(ctx, `
		SELECT from_key, to_key, type, IFNULL(file_id, '') FROM relations
		WHERE from_key = ? OR to_key = ?
		LIMIT ?`, entityKey, entityKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query relations: %w", err)
	}

	// Drain the cursor before resolving entities; the lookups below must not
	// run while it is open.
	relations := make([]types.Relation, 0, limit)
	for rows.Next() {
		var rel types.Relation
		if serr := rows.Scan(&rel.From, &rel.To, &rel.Type, &rel.FileID); serr != nil {
			continue
		}
		relations = append(relations, rel)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read relations: %w", err)
	}

	paths := make([]types.GraphPath, 0, len(relations))
	for _, rel := range relations {
		otherKey := rel.To
		if otherKey == entityKey {
			otherKey = rel.From
		}
		other, oerr := gs.entityByKey(ctx, otherKey)
		if oerr != nil {
			continue
		}
		paths = append(paths, types.GraphPath{
			Nodes:     []types.Entity{*center, *other},
			Relations: []types.Relation{rel},
		})
	}
	return paths, nil
}

// Subgraph expands paths up to depth hops from the entity. Depth is capped
// at 2; deeper traversal is a non-goal of the graph track.
func (gs *SQLiteGraphStore) Subgraph(ctx context.Context, entityKey string, depth, limit int) ([]types.GraphPath, error) {
	start := time.Now()
	var err error
	defer func() { gs.metrics.Record("subgraph", start, err) }()

	if depth > 2 {
		depth = 2
	}
	if limit <= 0 {
		limit = 20
	}

	firstHop, err := gs.Neighbors(ctx, entityKey, limit)
	if err != nil {
		return nil, err
	}
	if depth < 2 {
		return firstHop, nil
	}

	paths := make([]types.GraphPath, 0, limit)
	paths = append(paths, firstHop...)
	for _, p := range firstHop {
		if len(paths) >= limit {
			break
		}
		tail := p.Nodes[len(p.Nodes)-1]
		secondHop, herr := gs.Neighbors(ctx, tail.Key, limit-len(paths))
		if herr != nil {
			continue
		}
		for _, q := range secondHop {
			// Skip back-edges to the origin.
			if q.Nodes[len(q.Nodes)-1].Key == entityKey {
				continue
			}
			paths = append(paths, types.GraphPath{
				Nodes:     []types.Entity{p.Nodes[0], tail, q.Nodes[len(q.Nodes)-1]},
				Relations: append(append([]types.Relation{}, p.Relations...), q.Relations...),
			})
			if len(paths) >= limit {
				break
			}
		}
	}
	return paths, nil
}

// HealthCheck pings the database
func (gs *SQLiteGraphStore) HealthCheck(ctx context.Context) error {
	if err := gs.db.PingContext(ctx); err != nil {
		gs.metrics.ConnectionStatus = "error"
		return fmt.Errorf("graph store health check failed: %w", err)
	}
	gs.metrics.ConnectionStatus = "healthy"
	return nil
}

// Close closes the database handle
func (gs *SQLiteGraphStore) Close() error {
	gs.metrics.ConnectionStatus = "closed"
	return gs.db.Close()
}

// Metrics returns the store's operation metrics
func (gs *SQLiteGraphStore) Metrics() *StorageMetrics { return gs.metrics }
