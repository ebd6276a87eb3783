package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"pkt.systems/pcfd/internal/pcq"
)

// Principal is the authenticated caller of a protocol request.
type Principal struct {
	// AgentID is the authenticated agent identity. Every custody check in
	// the engine compares against this, never a request field.
	AgentID pcq.AgentID
	// Name is a human-readable caller label for logs.
	Name string
}

// Authorizer authenticates a protocol request before any other processing.
// Implementations return an error for unauthenticated callers; the handler
// maps it to 401 untouched.
type Authorizer interface {
	Authorize(r *http.Request, operation string) (Principal, error)
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// StaticTokenAuthorizer authenticates bearer tokens against a fixed
// token-to-agent table. Production deployments sit behind a certificate
// terminator; this covers development and tests.
type StaticTokenAuthorizer struct {
	// Tokens maps bearer token to the agent it authenticates.
	Tokens map[string]Principal
}

// Authorize resolves the Authorization bearer token.
func (a *StaticTokenAuthorizer) Authorize(r *http.Request, _ string) (Principal, error) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || token == "" {
		return Principal{}, fmt.Errorf("missing bearer token")
	}
	p, ok := a.Tokens[strings.TrimSpace(token)]
	if !ok {
		return Principal{}, fmt.Errorf("unknown bearer token")
	}
	return p, nil
}
