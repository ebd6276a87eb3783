// Package throttle implements the request admission gate. Each protocol
// entry point asks the gate before doing any other validation or mutation;
// a deny short-circuits the request with 429 and a Retry-After hint.
package throttle

import (
	"math/rand"
	"sync"
	"time"
)

// RetryAfter is the fixed retry hint carried on every throttled response.
const RetryAfter = 5 * time.Second

// Rules maps admission keys to allow percentages in [0,100]. Lookup is
// most-specific-first: "<api>.<agentId>", then "<api>", then "*". A key
// with no configured percentage admits everything.
type Rules map[string]int

// Gate draws independent admission decisions against the current rule set.
// Safe for concurrent use.
type Gate struct {
	mu    sync.RWMutex
	rules Rules

	randMu sync.Mutex
	rand   *rand.Rand
}

// New builds a Gate seeded from the wall clock.
func New(rules Rules) *Gate {
	return NewWithSource(rules, rand.NewSource(time.Now().UnixNano()))
}

// NewWithSource builds a Gate with an explicit random source, for tests.
func NewWithSource(rules Rules, src rand.Source) *Gate {
	return &Gate{
		rules: cloneRules(rules),
		rand:  rand.New(src),
	}
}

// Allow reports whether a call to apiName by agentID is admitted. Absent
// configuration admits; p=0 denies always; p=100 admits always.
func (g *Gate) Allow(apiName, agentID string) bool {
	p, ok := g.percentage(apiName, agentID)
	if !ok {
		return true
	}
	if p <= 0 {
		return false
	}
	if p >= 100 {
		return true
	}
	g.randMu.Lock()
	draw := g.rand.Intn(100)
	g.randMu.Unlock()
	return draw < p
}

// Update replaces the rule set. In-flight draws keep the old rules.
func (g *Gate) Update(rules Rules) {
	g.mu.Lock()
	g.rules = cloneRules(rules)
	g.mu.Unlock()
}

// percentage resolves the most specific configured percentage for the call.
func (g *Gate) percentage(apiName, agentID string) (int, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.rules == nil {
		return 0, false
	}
	if agentID != "" {
		if p, ok := g.rules[apiName+"."+agentID]; ok {
			return p, true
		}
	}
	if p, ok := g.rules[apiName]; ok {
		return p, true
	}
	if p, ok := g.rules["*"]; ok {
		return p, true
	}
	return 0, false
}

func cloneRules(rules Rules) Rules {
	if rules == nil {
		return nil
	}
	clone := make(Rules, len(rules))
	for k, v := range rules {
		clone[k] = v
	}
	return clone
}
