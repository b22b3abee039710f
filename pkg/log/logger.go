// Package log provides a logger interface so that callers do not depend
// on a specific logging library directly. The broker's primary logger is
// log/slog; this interface exists for legacy call sites (the Logrus
// adapter bridges the access-log middleware, which expects an io.Writer
// chain rather than a slog.Logger).
package log

// Logger serves as an adapter interface for logger libraries so that
// callers do not depend on any of them directly.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
