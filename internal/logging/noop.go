package logging

// NoopLogger discards all log output. Used in tests.
type NoopLogger struct{}

// NewNoop returns a logger that drops everything
func NewNoop() Logger { return &NoopLogger{} }

// Debug does nothing
func (n *NoopLogger) Debug(_ string, _ ...interface{}) {}

// Info does nothing
func (n *NoopLogger) Info(_ string, _ ...interface{}) {}

// Warn does nothing
func (n *NoopLogger) Warn(_ string, _ ...interface{}) {}

// Error does nothing
func (n *NoopLogger) Error(_ string, _ ...interface{}) {}

// WithComponent returns the same noop logger
func (n *NoopLogger) WithComponent(_ string) Logger { return n }
