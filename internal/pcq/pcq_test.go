package pcq_test

import (
	"testing"
	"time"

	"pkt.systems/pcfd/internal/pcq"
)

func TestParseStatusCoversClosedSet(t *testing.T) {
	t.Parallel()

	known := []string{
		"Pending", "Complete", "Deidentify", "Failed", "SoftDelete",
		"VerificationFailed", "UnexpectedCommand", "UnexpectedVerificationFailure",
	}
	for _, name := range known {
		status, ok := pcq.ParseStatus(name)
		if !ok {
			t.Fatalf("expected %q to parse", name)
		}
		if status.String() != name {
			t.Fatalf("round trip mismatch: %q became %q", name, status)
		}
	}
	for _, name := range []string{"", "pending", "Completed", "Done"} {
		if _, ok := pcq.ParseStatus(name); ok {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
}

func TestParseCommandIDRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := pcq.ParseCommandID("not-a-uuid"); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := pcq.ParseCommandID("0190b5f8-9d30-7f7e-9ee3-000000000001"); err != nil {
		t.Fatalf("valid uuid rejected: %v", err)
	}
}

func TestRemainingLease(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cmd := &pcq.Command{NextVisibleTime: now.Add(10 * time.Minute)}
	if !cmd.Leased(now) {
		t.Fatal("command should be leased before next visible time")
	}
	if got := cmd.RemainingLease(now); got != 10*time.Minute {
		t.Fatalf("unexpected remaining lease %v", got)
	}
	if cmd.Leased(now.Add(11 * time.Minute)) {
		t.Fatal("command should be visible after lease expiry")
	}
}
