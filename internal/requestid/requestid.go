// Package requestid carries a request ID through a context.
package requestid

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Header is the HTTP header that carries the request ID.
const Header = "X-Request-ID"

type ctxKey struct{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from context, or "" when there is none.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// New generates a new request ID and returns the enriched context and ID.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	return WithRequestID(ctx, id), id
}

// Ensure keeps an incoming ID when it is a UUID and generates one otherwise.
func Ensure(ctx context.Context, incoming string) (context.Context, string) {
	if _, err := uuid.Parse(incoming); err == nil {
		return WithRequestID(ctx, incoming), incoming
	}
	return New(ctx)
}

// Logger returns logger annotated with the context's request ID, if any.
// The result is a pointer so level methods can be chained on it directly.
func Logger(ctx context.Context, logger zerolog.Logger) *zerolog.Logger {
	if id := FromContext(ctx); id != "" {
		l := logger.With().Str("request_id", id).Logger()
		return &l
	}
	return &logger
}
