// Package correlation carries the request correlation identifier that is
// echoed to callers and forwarded to change-feed origins.
package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
)

// MaxIDLength is the maximum accepted length of an inbound correlation id.
const MaxIDLength = 128

// Header is the HTTP header used to exchange correlation ids.
const Header = "X-Correlation-Id"

type contextKey struct{}

// Set records id on ctx when it is acceptable and returns the derived context.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the correlation id stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Ensure returns ctx with its existing id, or with a freshly generated one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return Set(ctx, id), id
}

// Normalize validates an external correlation identifier. Only printable
// ASCII is accepted so the value can be echoed in headers and logs as-is.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new, sortable correlation identifier.
func Generate() string {
	return xid.New().String()
}
