package log

import (
	"fmt"
	"testing"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debug(args ...interface{})                 {}
func (r *recordingLogger) Info(args ...interface{})                  {}
func (r *recordingLogger) Warn(args ...interface{})                  {}
func (r *recordingLogger) Error(args ...interface{})                 {}
func (r *recordingLogger) Debugf(format string, args ...interface{}) {}
func (r *recordingLogger) Infof(format string, args ...interface{}) {
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}
func (r *recordingLogger) Warnf(format string, args ...interface{})  {}
func (r *recordingLogger) Errorf(format string, args ...interface{}) {}

func TestWriterStripsTrailingNewline(t *testing.T) {
	rec := &recordingLogger{}
	w := Writer{Logger: rec}

	n, err := w.Write([]byte("GET / 200\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len("GET / 200\n") {
		t.Fatalf("expected Write to report the full input length, got %d", n)
	}
	if len(rec.lines) != 1 || rec.lines[0] != "GET / 200" {
		t.Fatalf("expected trimmed line %q, got %v", "GET / 200", rec.lines)
	}
}

func TestWriterWithoutTrailingNewline(t *testing.T) {
	rec := &recordingLogger{}
	w := Writer{Logger: rec}

	if _, err := w.Write([]byte("no newline here")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.lines) != 1 || rec.lines[0] != "no newline here" {
		t.Fatalf("expected unchanged line, got %v", rec.lines)
	}
}
