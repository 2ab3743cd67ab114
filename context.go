package goICloud

import (
	"context"

	"github.com/google/uuid"
)

type correlationIDContextKey struct{}

// WithCorrelationID attaches an identifier that the session copies onto the
// log records and events of the transition run with ctx. Transitions
// without one get a random id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDContextKey{}, id)
}

// CorrelationIDFromContext returns the identifier set by WithCorrelationID.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationIDContextKey{}).(string)
	return id
}

func correlationID(ctx context.Context) string {
	if id := CorrelationIDFromContext(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}
