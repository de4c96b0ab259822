package trace

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Header carries the trace id across combiner → signer hops.
const Header = "X-Trace-ID"

type ctxKey struct{}

// WithTraceID attaches id to ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the trace id stored on ctx.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// New returns a fresh random id.
func New() string { return uuid.NewString() }

// Ensure returns ctx with a trace id, reusing an existing one or generating one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id, ok := FromContext(ctx); ok {
		return ctx, id
	}
	id := New()
	return WithTraceID(ctx, id), id
}

// Middleware reads X-Trace-ID (or creates one) and echoes it on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(Header))
		if id == "" {
			id = New()
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(WithTraceID(r.Context(), id)))
	})
}
