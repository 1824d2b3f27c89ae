// Package types contains the shared data model for the AIBox memory platform.
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MemoryType routes a record to its storage tier.
type MemoryType string

const (
	MemoryTypeShortTerm MemoryType = "short_term"
	MemoryTypeLongTerm  MemoryType = "long_term"
)

// Valid checks if the memory type is one of the known tiers
func (mt MemoryType) Valid() bool {
	return mt == MemoryTypeShortTerm || mt == MemoryTypeLongTerm
}

// Priority influences relevance scoring and retrieval ordering.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the numeric ordering of a priority (higher is more important)
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	default:
		return 0
	}
}

// Bonus returns the relevance bonus contributed by this priority
func (p Priority) Bonus() float64 {
	switch p {
	case PriorityCritical:
		return 0.3
	case PriorityHigh:
		return 0.2
	case PriorityMedium:
		return 0.1
	default:
		return 0.0
	}
}

// Valid checks if the priority is known
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// MemoryStatus is the lifecycle state of a record.
type MemoryStatus string

const (
	MemoryStatusActive   MemoryStatus = "active"
	MemoryStatusArchived MemoryStatus = "archived"
	MemoryStatusReview   MemoryStatus = "review"
)

// Valid checks if the status is known
func (ms MemoryStatus) Valid() bool {
	switch ms {
	case MemoryStatusActive, MemoryStatusArchived, MemoryStatusReview:
		return true
	default:
		return false
	}
}

// Recommended entity types for typed long-term recall.
const (
	EntityTypePartNumber = "part_number"
	EntityTypeTLF19      = "tlf19"
	EntityTypeIntent     = "intent"
	EntityTypePreference = "preference"
	EntityTypeContext    = "context"
)

// Memory is the central record shared by all storage tiers.
type Memory struct {
	ID          string     `json:"memory_id"`
	Content     string     `json:"content"`
	Type        MemoryType `json:"memory_type"`
	Priority    Priority   `json:"priority"`
	UserID      string     `json:"user_id,omitempty"`
	EntityType  string     `json:"entity_type,omitempty"`
	EntityValue string     `json:"entity_value,omitempty"`
	FileID      string     `json:"file_id,omitempty"`
	Confidence  float64    `json:"confidence"`
	Status      MemoryStatus           `json:"status"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AccessedAt  time.Time  `json:"accessed_at"`
	AccessCount int64      `json:"access_count"`
	Embedding   []float64  `json:"-"`

	// RelevanceScore is transient: set by retrieval, never authoritative.
	RelevanceScore float64 `json:"relevance_score,omitempty"`
}

// NewMemory creates a memory with generated ID, default medium priority,
// and initialized timestamps
func NewMemory(content string, memType MemoryType, userID string) *Memory {
	now := time.Now().UTC()
	return &Memory{
		ID:         uuid.New().String(),
		Content:    content,
		Type:       memType,
		Priority:   PriorityMedium,
		UserID:     userID,
		Confidence: 1.0,
		Status:     MemoryStatusActive,
		Metadata:   make(map[string]interface{}),
		CreatedAt:  now,
		UpdatedAt:  now,
		AccessedAt: now,
	}
}

// Validate checks the memory for required fields and valid enums
func (m *Memory) Validate() error {
	if m.ID == "" {
		return errors.New("memory ID cannot be empty")
	}
	if m.Content == "" {
		return errors.New("memory content cannot be empty")
	}
	if !m.Type.Valid() {
		return fmt.Errorf("invalid memory type: %s", m.Type)
	}
	if m.Priority != "" && !m.Priority.Valid() {
		return fmt.Errorf("invalid priority: %s", m.Priority)
	}
	if m.Status != "" && !m.Status.Valid() {
		return fmt.Errorf("invalid status: %s", m.Status)
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("confidence out of range: %f", m.Confidence)
	}
	return nil
}

// Touch records an access: bumps the counter and access timestamp
func (m *Memory) Touch() {
	m.AccessCount++
	m.AccessedAt = time.Now().UTC()
}

// Clone returns a deep copy of the memory
func (m *Memory) Clone() *Memory {
	clone := *m
	if m.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	if m.Embedding != nil {
		clone.Embedding = make([]float64, len(m.Embedding))
		copy(clone.Embedding, m.Embedding)
	}
	return &clone
}

// MetadataString returns a string metadata value or empty
func (m *Memory) MetadataString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// MemoryQuery describes a search against one or more tiers.
type MemoryQuery struct {
	Query         string     `json:"query"`
	UserID        string     `json:"user_id,omitempty"`
	Type          MemoryType `json:"memory_type,omitempty"`
	EntityType    string     `json:"entity_type,omitempty"`
	FileID        string     `json:"file_id,omitempty"`
	Status        MemoryStatus `json:"status,omitempty"`
	MinConfidence float64    `json:"min_confidence,omitempty"`
	MinRelevance  float64    `json:"min_relevance,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}

// MemoryConflict reports a near-duplicate detected during typed writes.
type MemoryConflict struct {
	Existing        *Memory `json:"existing"`
	NewConfidence   float64 `json:"new_confidence"`
	Similarity      float64 `json:"similarity"`
	SuggestedAction string  `json:"suggested_action"` // overwrite | ignore
}

// ConflictActionOverwrite and friends are the suggested actions for conflicts.
const (
	ConflictActionOverwrite = "overwrite"
	ConflictActionIgnore    = "ignore"
)

// MessageRole is the speaker of a context message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ContextMessage is one turn in a session's ordered message log.
type ContextMessage struct {
	MessageID string                 `json:"message_id"`
	Role      MessageRole            `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	AgentName string                 `json:"agent_name,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ContextSession owns an ordered message sequence.
type ContextSession struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastTouch    time.Time `json:"last_touch"`
	MessageCount int       `json:"message_count"`
}

// Entity is a graph node keyed by Key.
type Entity struct {
	Key        string                 `json:"_key"`
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	FileID     string                 `json:"file_id,omitempty"`
	FileIDs    []string               `json:"file_ids,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Relation is a typed edge between two entities.
type Relation struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Type   string `json:"type"`
	FileID string `json:"file_id,omitempty"`
}

// GraphPath is an expansion result from the graph track: either a single
// neighbour triple or a multi-hop path.
type GraphPath struct {
	Nodes     []Entity   `json:"nodes"`
	Relations []Relation `json:"relations"`
}

// ExtractedEntity is a NER result.
type ExtractedEntity struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// MemoryReviewReport summarises one user's weekly hygiene pass.
type MemoryReviewReport struct {
	UserID               string           `json:"user_id"`
	GeneratedAt          time.Time        `json:"generated_at"`
	LowHotnessCount      int              `json:"low_hotness_count"`
	PotentiallyStale     int              `json:"potentially_stale_count"`
	ArchivedCount        int              `json:"archived_count"`
	ReviewCount          int              `json:"review_count"`
	Suggestions          []string         `json:"suggestions"`
	Stats                map[string]int64 `json:"stats"`
}

// ResponseStatus classifies a structured component result.
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusPartial ResponseStatus = "partial"
	StatusError   ResponseStatus = "error"
)

// User-visible error codes carried in structured responses.
const (
	ErrCodeModelNotAllowed    = "MODEL_NOT_ALLOWED"
	ErrCodeChatHTTPError      = "CHAT_HTTP_ERROR"
	ErrCodeNoDataFound        = "NO_DATA_FOUND"
	ErrCodeIntentUnclear      = "INTENT_UNCLEAR"
	ErrCodeInvalidParamFormat = "INVALID_PARAM_FORMAT"
	ErrCodeQueryScopeTooLarge = "QUERY_SCOPE_TOO_LARGE"
	ErrCodeSchemaNotFound     = "SCHEMA_NOT_FOUND"
	ErrCodeMultipleErrors     = "MULTIPLE_ERRORS"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// StructuredResponse is the boundary envelope every top-level component
// returns so callers can make progress on partial failure.
type StructuredResponse struct {
	Status    ResponseStatus         `json:"status"`
	Result    interface{}            `json:"result,omitempty"`
	ErrorCode string                 `json:"error_code,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Errors    []string               `json:"errors,omitempty"`
	Warnings  []string               `json:"warnings,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// CollectionNaming is a cluster-wide invariant for the vector store layout.
type CollectionNaming string

const (
	CollectionNamingFileBased CollectionNaming = "file_based"
	CollectionNamingUserBased CollectionNaming = "user_based"
)

// Valid checks if the naming strategy is known
func (cn CollectionNaming) Valid() bool {
	return cn == CollectionNamingFileBased || cn == CollectionNamingUserBased
}
