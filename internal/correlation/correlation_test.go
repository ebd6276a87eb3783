package correlation_test

import (
	"context"
	"strings"
	"testing"

	"pkt.systems/pcfd/internal/correlation"
)

func TestSetAndGet(t *testing.T) {
	t.Parallel()

	ctx := correlation.Set(context.Background(), "agent-42/checkpoint")
	if got := correlation.ID(ctx); got != "agent-42/checkpoint" {
		t.Fatalf("unexpected correlation id %q", got)
	}
	if !correlation.Has(ctx) {
		t.Fatal("expected Has to report true")
	}
}

func TestNormalizeRejectsControlCharsAndOversize(t *testing.T) {
	t.Parallel()

	if _, ok := correlation.Normalize("bad\x01id"); ok {
		t.Fatal("control characters should be rejected")
	}
	if _, ok := correlation.Normalize(strings.Repeat("x", correlation.MaxIDLength+1)); ok {
		t.Fatal("oversized ids should be rejected")
	}
	if got, ok := correlation.Normalize("  trimmed  "); !ok || got != "trimmed" {
		t.Fatalf("expected trimmed id, got %q ok=%v", got, ok)
	}
}

func TestGenerateIsNonEmptyAndUnique(t *testing.T) {
	t.Parallel()

	a, b := correlation.Generate(), correlation.Generate()
	if a == "" || a == b {
		t.Fatalf("expected unique non-empty ids, got %q and %q", a, b)
	}
}
