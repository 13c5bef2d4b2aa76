package xlog

import "github.com/sirupsen/logrus"

// LogrusLogger adapts a *logrus.Entry to the Logger/FieldLogger interfaces,
// giving the crawler structured, leveled output in place of NullLogger,
// which discards everything.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrus builds a LogrusLogger around the given logrus.Logger. Pass nil to
// use logrus's package-level default logger.
func NewLogrus(l *logrus.Logger) *LogrusLogger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

func (l *LogrusLogger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *LogrusLogger) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *LogrusLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *LogrusLogger) WithFields(f Fields) Logger {
	return &LogrusLogger{entry: l.entry.WithFields(logrus.Fields(f))}
}

var _ FieldLogger = (*LogrusLogger)(nil)
