package llm

import (
	"context"
	"sync"
)

// MockClient returns scripted responses; used by tests and local development.
type MockClient struct {
	mu        sync.Mutex
	responses []string
	index     int
	Err       error

	// Requests records every call for assertions.
	Requests []*CompletionRequest
}

// NewMockClient creates a client that cycles through the given responses
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{responses: responses}
}

// Complete returns the next scripted response
func (m *MockClient) Complete(_ context.Context, req *CompletionRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.responses) == 0 {
		return "", nil
	}
	resp := m.responses[m.index%len(m.responses)]
	m.index++
	return resp, nil
}
