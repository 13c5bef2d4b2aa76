// Package xlog defines the crawler's logging seam. The core never imports a
// concrete logging library directly; every component is handed a Logger and
// treats it as an opaque line sink.
package xlog

// Logger is the minimal interface every component depends on. Debugf is for
// high-volume per-packet/per-piece tracing, Infof for lifecycle events,
// Errorf for recovered failures.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Fields attaches structured key/value context to a log line. Implementations
// that don't support structured fields may flatten them into the format
// string.
type Fields map[string]interface{}

// FieldLogger is an optional extension a Logger may implement to attach
// structured context (infohash, peer, component) without string formatting.
// LogrusLogger implements it; the crawler's components call only the plain
// Logger methods.
type FieldLogger interface {
	Logger
	WithFields(Fields) Logger
}

// NullLogger discards everything. It is the crawler's zero value logger,
// printing nothing unless a real Logger is supplied.
type NullLogger struct{}

func (NullLogger) Debugf(string, ...interface{}) {}
func (NullLogger) Infof(string, ...interface{})  {}
func (NullLogger) Errorf(string, ...interface{}) {}

func (NullLogger) WithFields(Fields) Logger { return NullLogger{} }

var _ FieldLogger = NullLogger{}
