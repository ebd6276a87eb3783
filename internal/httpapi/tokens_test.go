package httpapi

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/pcfd/internal/uuidv7"
)

func writeTokensFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadStaticTokens(t *testing.T) {
	t.Parallel()
	agentID := uuidv7.New()
	path := writeTokensFile(t, `tokens:
  - token: secret-a
    agentId: `+agentID.String()+`
    name: agent-a
`)
	auth, err := LoadStaticTokens(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	req := httptest.NewRequest("GET", "/getcommands", nil)
	req.Header.Set("Authorization", "Bearer secret-a")
	principal, err := auth.Authorize(req, "getcommands")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if principal.AgentID != agentID || principal.Name != "agent-a" {
		t.Fatalf("principal: %+v", principal)
	}
	req.Header.Set("Authorization", "Bearer other")
	if _, err := auth.Authorize(req, "getcommands"); err == nil {
		t.Fatal("expected unknown token error")
	}
}

func TestLoadStaticTokensRejectsDuplicates(t *testing.T) {
	t.Parallel()
	agentID := uuidv7.New().String()
	path := writeTokensFile(t, `tokens:
  - token: dup
    agentId: `+agentID+`
  - token: dup
    agentId: `+agentID+`
`)
	_, err := LoadStaticTokens(path)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestLoadStaticTokensRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	path := writeTokensFile(t, `tokens:
  - token: ""
    agentId: `+uuidv7.New().String()+`
`)
	_, err := LoadStaticTokens(path)
	if err == nil || !strings.Contains(err.Error(), "empty token") {
		t.Fatalf("expected empty token error, got %v", err)
	}
}
