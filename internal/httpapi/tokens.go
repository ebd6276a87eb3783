package httpapi

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// tokensFile is the on-disk YAML layout for bearer token provisioning.
type tokensFile struct {
	Tokens []tokenEntry `yaml:"tokens"`
}

type tokenEntry struct {
	Token   string `yaml:"token"`
	AgentID string `yaml:"agentId"`
	Name    string `yaml:"name"`
}

// LoadStaticTokens reads a token table from a YAML file.
func LoadStaticTokens(path string) (*StaticTokenAuthorizer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("httpapi: read %q: %w", path, err)
	}
	var file tokensFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("httpapi: parse %q: %w", path, err)
	}
	tokens := make(map[string]Principal, len(file.Tokens))
	for i, entry := range file.Tokens {
		token := strings.TrimSpace(entry.Token)
		if token == "" {
			return nil, fmt.Errorf("httpapi: %q token %d: empty token", path, i)
		}
		agentID, err := uuid.Parse(entry.AgentID)
		if err != nil {
			return nil, fmt.Errorf("httpapi: %q token %d: invalid agentId %q: %w", path, i, entry.AgentID, err)
		}
		if _, dup := tokens[token]; dup {
			return nil, fmt.Errorf("httpapi: %q token %d: duplicate token", path, i)
		}
		tokens[token] = Principal{AgentID: agentID, Name: entry.Name}
	}
	return &StaticTokenAuthorizer{Tokens: tokens}, nil
}
