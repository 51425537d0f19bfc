package gousage

// Field is a key/value pair attached to a log event.
type Field struct {
	Key   string
	Value interface{}
}

// Logger receives the engine's structured events.
//
// Levels are used as follows: Debug for per-cycle summaries, Info for
// bootstrap, rollovers and manual resets, Warn for upstream restarts,
// false starts, stale or malformed snapshots and invalid quota configs,
// Error for storage failures that stop a cycle or an evaluation.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards every event. It is the default when no Logger is configured.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}

// OrNoop returns l, or a NoopLogger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return &NoopLogger{}
	}
	return l
}
