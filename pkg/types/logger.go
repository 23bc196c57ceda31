package types

import "log"

// Logger receives diagnostics from the cache. Implementations must not panic.
type Logger interface {
	Error(msg string)
	Warn(msg string)
	Log(msg string)
}

// StdLogger adapts a standard library logger.
type StdLogger struct {
	L *log.Logger
}

// NewStdLogger returns a StdLogger writing through l, or the standard
// logger when l is nil.
func NewStdLogger(l *log.Logger) *StdLogger {
	if l == nil {
		l = log.Default()
	}
	return &StdLogger{L: l}
}

func (s *StdLogger) Error(msg string) { s.L.Print("ERROR ", msg) }
func (s *StdLogger) Warn(msg string)  { s.L.Print("WARN ", msg) }
func (s *StdLogger) Log(msg string)   { s.L.Print(msg) }

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Error(string) {}
func (NopLogger) Warn(string)  {}
func (NopLogger) Log(string)   {}
