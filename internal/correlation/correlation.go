package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
)

// MaxIDLength bounds externally supplied correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Set records the correlation ID on ctx.
func Set(ctx context.Context, id string) context.Context {
	if normalized, ok := Normalize(id); ok {
		return context.WithValue(ctx, contextKey{}, normalized)
	}
	return ctx
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}

// Has reports whether ctx carries a correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Normalize validates and canonicalizes an external correlation identifier.
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

// Generate produces a new random correlation identifier.
func Generate() string {
	return xid.New().String()
}
