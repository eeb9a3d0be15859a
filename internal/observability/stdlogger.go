package observability

import (
	"fmt"
	"log"
	"strings"
)

// StdLogger adapts a standard library *log.Logger to Logger, rendering
// fields as trailing "key=value" pairs on the same line.
type StdLogger struct {
	logger *log.Logger
}

// NewStdLogger wraps logger as a structured Logger.
func NewStdLogger(logger *log.Logger) *StdLogger {
	return &StdLogger{logger: logger}
}

func (s *StdLogger) Debug(msg string, fields ...Field) { s.log("DEBUG", msg, fields) }
func (s *StdLogger) Info(msg string, fields ...Field)  { s.log("INFO", msg, fields) }
func (s *StdLogger) Error(msg string, fields ...Field) { s.log("ERROR", msg, fields) }

func (s *StdLogger) log(level, msg string, fields []Field) {
	if len(fields) == 0 {
		s.logger.Printf("%s %s", level, msg)
		return
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("%s=%v", f.Key, f.Value)
	}
	s.logger.Printf("%s %s %s", level, msg, strings.Join(parts, " "))
}
