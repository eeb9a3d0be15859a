package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins multiple errors, emits a structured log entry, and returns an aggregated error.
func AggregateErrors(operation string, errList []error, fields ...Field) error {
	filtered := make([]error, 0, len(errList))
	messages := make([]string, 0, len(errList))
	for _, err := range errList {
		if err == nil {
			continue
		}
		filtered = append(filtered, err)
		messages = append(messages, err.Error())
	}
	if len(filtered) == 0 {
		return nil
	}
	logFields := append(fields,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(filtered)},
		Field{Key: "errors", Value: messages},
	)
	Log().Error("operation errors", logFields...)
	joined := errors.Join(filtered...)
	return fmt.Errorf("%s failed: %w", operation, joined)
}
