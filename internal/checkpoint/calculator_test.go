package checkpoint

import (
	"testing"
	"time"

	"pkt.systems/pcfd/internal/pcq"
)

func calcCommand(cmdType pcq.CommandType, subject pcq.SubjectType, created, nextVisible time.Time) *pcq.Command {
	return &pcq.Command{
		Type:            cmdType,
		Subject:         pcq.Subject{Type: subject},
		CreatedAt:       created,
		NextVisibleTime: nextVisible,
	}
}

func TestCalculateNextVisibleTimeMonotonicUntilCap(t *testing.T) {
	t.Parallel()

	sla := SLAConfig{}.normalized()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	created := now.Add(-5 * day)
	unused := 10 * time.Minute
	cmd := calcCommand(pcq.CommandTypeDelete, pcq.SubjectTypeMSA, created, now.Add(unused))

	var prev time.Time
	capped := time.Time{}
	for _, ext := range []time.Duration{0, time.Hour, day, 7 * day, 20 * day, 24 * day, 25 * day, 40 * day, 400 * day} {
		got, cerr := sla.CalculateNextVisibleTime(cmd, ext, now)
		if cerr != nil {
			t.Fatalf("ext %v: %v", ext, cerr)
		}
		if !prev.IsZero() && got.Before(prev) {
			t.Fatalf("grant regressed at ext %v: %v < %v", ext, got, prev)
		}
		safeHorizon := created.Add(sla.slaCeiling(cmd) - checkInWindow)
		if now.Add(ext).After(safeHorizon) {
			want := now.Add(checkInWindow + unused)
			if !got.Equal(want) {
				t.Fatalf("capped grant for ext %v: got %v want %v", ext, got, want)
			}
			if capped.IsZero() {
				capped = got
			} else if !got.Equal(capped) {
				t.Fatalf("cap must be constant, got %v then %v", capped, got)
			}
		} else {
			want := now.Add(ext + unused)
			if !got.Equal(want) {
				t.Fatalf("uncapped grant for ext %v: got %v want %v", ext, got, want)
			}
		}
		prev = got
	}
	if capped.IsZero() {
		t.Fatal("test never reached the cap")
	}
}

func TestCalculateNextVisibleTimeRejectsNegative(t *testing.T) {
	t.Parallel()

	sla := SLAConfig{}.normalized()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	cmd := calcCommand(pcq.CommandTypeDelete, pcq.SubjectTypeMSA, now.Add(-day), now)
	if _, cerr := sla.CalculateNextVisibleTime(cmd, -time.Second, now); cerr == nil || cerr.Code != CodeInvalidLeaseExtension {
		t.Fatalf("expected InvalidLeaseExtension, got %v", cerr)
	}

	ageOut := calcCommand(pcq.CommandTypeAgeOut, pcq.SubjectTypeMSA, now.Add(-day), now)
	if _, cerr := sla.CalculateNextVisibleTime(ageOut, 7*day, now); cerr == nil || cerr.Code != CodeInvalidLeaseExtension {
		t.Fatalf("expected age-out cap rejection, got %v", cerr)
	}
	if _, cerr := sla.CalculateNextVisibleTime(ageOut, 6*day, now); cerr != nil {
		t.Fatalf("six day age-out extension should pass, got %v", cerr)
	}
}

func TestExportNonAADHasTightestCeiling(t *testing.T) {
	t.Parallel()

	sla := SLAConfig{}.normalized()
	exportNonAAD := calcCommand(pcq.CommandTypeExport, pcq.SubjectTypeMSA, time.Time{}, time.Time{})
	exportAAD := calcCommand(pcq.CommandTypeExport, pcq.SubjectTypeAAD, time.Time{}, time.Time{})
	del := calcCommand(pcq.CommandTypeDelete, pcq.SubjectTypeMSA, time.Time{}, time.Time{})

	if !(sla.slaCeiling(exportNonAAD) < sla.slaCeiling(exportAAD)) {
		t.Fatal("export to non-AAD must have a tighter ceiling than export to AAD")
	}
	if !(sla.slaCeiling(exportNonAAD) < sla.slaCeiling(del)) {
		t.Fatal("export to non-AAD must have the tightest ceiling")
	}
}

func TestExpiredBoundaries(t *testing.T) {
	t.Parallel()

	sla := SLAConfig{}.normalized()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	if sla.Expired(pcq.CommandTypeDelete, now.Add(-59*day), now) {
		t.Fatal("59 day old delete must not be expired")
	}
	if !sla.Expired(pcq.CommandTypeDelete, now.Add(-60*day), now) {
		t.Fatal("60 day old delete must be expired")
	}
	if sla.Expired(pcq.CommandTypeAccountClose, now.Add(-75*day), now) {
		t.Fatal("75 day old account close must not be expired")
	}
	if !sla.Expired(pcq.CommandTypeAccountClose, now.Add(-90*day), now) {
		t.Fatal("90 day old account close must be expired")
	}
	if sla.Expired(pcq.CommandTypeDelete, time.Time{}, now) {
		t.Fatal("unknown creation time must not expire")
	}
}

func TestMaxRandomVisibilityDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		remaining []time.Duration
		want      time.Duration
	}{
		{name: "quarter of minimum", remaining: []time.Duration{60 * time.Second, 200 * time.Second, 600 * time.Second}, want: 15 * time.Second},
		{name: "cap at six hours", remaining: []time.Duration{86400 * time.Second, 86400 * time.Second, 86400 * time.Second}, want: 21600 * time.Second},
		{name: "just above cap", remaining: []time.Duration{86404 * time.Second, 86404 * time.Second}, want: 21600 * time.Second},
		{name: "negative lease floors to zero", remaining: []time.Duration{-time.Second, time.Hour}, want: 0},
		{name: "empty", remaining: nil, want: 0},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := MaxRandomVisibilityDelay(tc.remaining); got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestJitterDrawsStayWithinBounds(t *testing.T) {
	t.Parallel()

	j := newJitterSource(nil)
	max := 15 * time.Second
	for i := 0; i < 200; i++ {
		if d := j.uniform(max); d < 0 || d > max {
			t.Fatalf("uniform draw %v outside [0,%v]", d, max)
		}
	}
	base := 3 * time.Hour
	for i := 0; i < 200; i++ {
		d := j.around(base, 1.0/3)
		if d < 2*time.Hour || d > 4*time.Hour {
			t.Fatalf("jittered draw %v outside [2h,4h]", d)
		}
	}
}
