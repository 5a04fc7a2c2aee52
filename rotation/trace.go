package rotation

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}

// WithTraceID tags ctx so audit rows and logs of a tick share the caller's id.
func WithTraceID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, traceKey{}, id)
}

// TraceIDFrom returns the id set by WithTraceID, or "".
func TraceIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(traceKey{}).(string)
	return v
}

func traceID(ctx context.Context) string {
	if v := TraceIDFrom(ctx); v != "" {
		return v
	}
	return uuid.NewString()
}
