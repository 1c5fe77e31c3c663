package logging

import "context"

// NoOpLogger discards everything. Used in tests and as a safe zero value for
// components constructed without a logger.
type NoOpLogger struct{}

// NewNoOp returns a logger that discards all output.
func NewNoOp() Logger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debug(string, ...interface{}) {}
func (n *NoOpLogger) Info(string, ...interface{})  {}
func (n *NoOpLogger) Warn(string, ...interface{})  {}
func (n *NoOpLogger) Error(string, ...interface{}) {}

func (n *NoOpLogger) DebugContext(context.Context, string, ...interface{}) {}
func (n *NoOpLogger) InfoContext(context.Context, string, ...interface{})  {}
func (n *NoOpLogger) WarnContext(context.Context, string, ...interface{})  {}
func (n *NoOpLogger) ErrorContext(context.Context, string, ...interface{}) {}

func (n *NoOpLogger) WithComponent(string) Logger { return n }
