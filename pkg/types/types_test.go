package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMemory(t *testing.T) {
	m := NewMemory("customer prefers RM05-008", MemoryTypeLongTerm, "u1")

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, MemoryTypeLongTerm, m.Type)
	assert.Equal(t, "u1", m.UserID)
	assert.Equal(t, PriorityMedium, m.Priority)
	assert.Equal(t, MemoryStatusActive, m.Status)
	assert.Equal(t, 1.0, m.Confidence)
	assert.Equal(t, int64(0), m.AccessCount)
	assert.False(t, m.CreatedAt.IsZero())
	assert.NoError(t, m.Validate())
}

func TestMemoryValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Memory)
		wantErr bool
	}{
		{"valid", func(m *Memory) {}, false},
		{"empty id", func(m *Memory) { m.ID = "" }, true},
		{"empty content", func(m *Memory) { m.Content = "" }, true},
		{"bad type", func(m *Memory) { m.Type = "episodic" }, true},
		{"bad priority", func(m *Memory) { m.Priority = "urgent" }, true},
		{"bad status", func(m *Memory) { m.Status = "deleted" }, true},
		{"confidence too high", func(m *Memory) { m.Confidence = 1.5 }, true},
		{"empty priority allowed", func(m *Memory) { m.Priority = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory("content", MemoryTypeShortTerm, "u1")
			tt.mutate(m)
			err := m.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMemoryTouchMonotonic(t *testing.T) {
	m := NewMemory("content", MemoryTypeLongTerm, "u1")
	before := m.AccessCount
	for i := 0; i < 5; i++ {
		m.Touch()
		assert.Greater(t, m.AccessCount, before)
		before = m.AccessCount
	}
	assert.Equal(t, int64(5), m.AccessCount)
}

func TestMemoryJSONRoundTrip(t *testing.T) {
	m := NewMemory("供應鏈資料", MemoryTypeLongTerm, "u1")
	m.Priority = PriorityCritical
	m.EntityType = EntityTypePartNumber
	m.EntityValue = "RM05-008"
	m.Confidence = 0.9
	m.Metadata = map[string]interface{}{"session_id": "s1"}
	m.RelevanceScore = 0.42

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var got Memory
	require.NoError(t, json.Unmarshal(data, &got))

	// Identity modulo the transient relevance score.
	got.RelevanceScore = m.RelevanceScore
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, m.UserID, got.UserID)
	assert.Equal(t, m.EntityType, got.EntityType)
	assert.Equal(t, m.EntityValue, got.EntityValue)
	assert.Equal(t, m.Confidence, got.Confidence)
	assert.True(t, m.CreatedAt.Equal(got.CreatedAt))
}

func TestMemoryClone(t *testing.T) {
	m := NewMemory("content", MemoryTypeLongTerm, "u1")
	m.Metadata["k"] = "v"
	clone := m.Clone()

	clone.Metadata["k"] = "changed"
	clone.Content = "other"

	assert.Equal(t, "v", m.Metadata["k"])
	assert.Equal(t, "content", m.Content)
}

func TestPriorityRankOrdering(t *testing.T) {
	assert.Greater(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Greater(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.InDelta(t, 0.3, PriorityCritical.Bonus(), 1e-9)
	assert.InDelta(t, 0.0, PriorityLow.Bonus(), 1e-9)
}

func TestUserTaskTrash(t *testing.T) {
	now := time.Now().UTC()
	task := &UserTask{TaskID: "t1", UserID: "u1", Status: TaskStatusTrash, DeletedAt: &now}
	assert.True(t, task.IsTrashed())
	task.Status = TaskStatusActivate
	assert.False(t, task.IsTrashed())
}

func TestAsyncTaskStatusTerminal(t *testing.T) {
	assert.False(t, AsyncTaskPending.Terminal())
	assert.False(t, AsyncTaskRunning.Terminal())
	assert.True(t, AsyncTaskCompleted.Terminal())
	assert.True(t, AsyncTaskFailed.Terminal())
	assert.True(t, AsyncTaskCancelled.Terminal())
}
