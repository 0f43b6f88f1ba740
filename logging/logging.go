// Package logging contains the structured logger used by the calibration solvers and tools.
package logging

// Logger is the logging interface used throughout projcalib. Messages carry their context as
// alternating keys and values, like the `w` methods of `*zap.SugaredLogger`.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})

	SetLevel(level Level)
	Sublogger(subname string) Logger
	AddAppender(appender Appender)
	// Sync flushes every appender.
	Sync() error
}

// NewBlankLogger returns a new logger that outputs Debug+ logs in UTC, but without any
// pre-existing appenders/outputs.
func NewBlankLogger(name string) Logger {
	const inUTC = true
	return &impl{name, NewAtomicLevelAt(DEBUG), inUTC, []Appender{}}
}
