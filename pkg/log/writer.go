package log

import "bytes"

// Writer adapts a Logger to an io.Writer, one Infof call per line, so
// legacy call sites that only accept an io.Writer (gorilla/handlers'
// access-log middleware, for instance) can still be routed through a
// Logger-shaped adapter like LogrusLogger.
type Writer struct {
	Logger Logger
}

func (w Writer) Write(p []byte) (int, error) {
	w.Logger.Infof("%s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}
