// Package logattr provides slog attribute helpers shared by the session
// engine. Helpers return an empty Attr for zero inputs so callers can pass
// them unconditionally; slog drops empty attributes.
//
// Secrets (passwords, tokens, cookie values) have no helper on purpose and
// must never be logged.
package logattr

import (
	"log/slog"
	"strconv"
	"time"
)

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Component names the subsystem emitting the record.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Error creates an attribute for a single error under the key "error".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Errors groups non-nil errors under "errors" keyed by position.
func Errors(errs ...error) slog.Attr {
	as := make([]slog.Attr, 0, len(errs))
	for i, err := range errs {
		if err != nil {
			as = append(as, slog.Any(strconv.Itoa(i), err))
		}
	}
	if len(as) == 0 {
		return slog.Attr{}
	}
	return slog.Attr{Key: "errors", Value: slog.GroupValue(as...)}
}

// Username identifies the account a record belongs to.
func Username(name string) slog.Attr {
	if name == "" {
		return slog.Attr{}
	}
	return slog.String("username", name)
}

// State records a session state name.
func State(s string) slog.Attr {
	return slog.String("state", s)
}

// Transition records the state machine operation being executed.
func Transition(name string) slog.Attr {
	return slog.String("transition", name)
}

// CorrelationID ties records of one transition together.
func CorrelationID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("correlation_id", id)
}

// Service names a push device-registration service.
func Service(name string) slog.Attr {
	return slog.String("service", name)
}

// Method creates an attribute for HTTP methods.
func Method(method string) slog.Attr {
	return slog.String("method", method)
}

// Path creates an attribute for URL paths. Query strings are not logged.
func Path(path string) slog.Attr {
	return slog.String("path", path)
}

// StatusCode creates an attribute for HTTP status codes.
func StatusCode(code int) slog.Attr {
	if code == 0 {
		return slog.Attr{}
	}
	return slog.Int("status_code", code)
}

// Duration creates an attribute for a duration.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// RetryCount creates an attribute for retry attempts.
func RetryCount(n int) slog.Attr {
	return slog.Int("retry_count", n)
}

// Count creates a generic counter attribute.
func Count(key string, n int) slog.Attr {
	return slog.Int(key, n)
}
