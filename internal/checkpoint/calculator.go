package checkpoint

import (
	"math/rand"
	"sync"
	"time"

	"pkt.systems/pcfd/internal/pcq"
)

// SLAConfig holds the per-type/per-subject lease ceilings and the command
// lifetime boundaries, in days measured from command creation. The exact
// values are tunable; only their relative ordering is load-bearing
// (export-to-non-AAD tightest).
type SLAConfig struct {
	ExportAADSLADays    int
	ExportNonAADSLADays int
	NonExportSLADays    int
	// DefaultCommandTTLDays is the absolute age-out boundary after which a
	// command can no longer be checkpointed.
	DefaultCommandTTLDays int
	// AccountCloseTTLDays extends the boundary for account-close commands.
	AccountCloseTTLDays int
	// AgeOutMaxLeaseExtension is the hard cap on a single AgeOut lease
	// extension request.
	AgeOutMaxLeaseExtension time.Duration
}

// SLA defaults.
const (
	DefaultExportAADSLADays    = 30
	DefaultExportNonAADSLADays = 21
	DefaultNonExportSLADays    = 30
	DefaultCommandTTLDays      = 60
	DefaultAccountCloseTTLDays = 90
	DefaultAgeOutMaxLeaseExt   = 7 * 24 * time.Hour

	checkInWindow            = 24 * time.Hour
	maxRandomVisibilityDelay = 6 * time.Hour
	day                      = 24 * time.Hour
)

func (c SLAConfig) normalized() SLAConfig {
	if c.ExportAADSLADays <= 0 {
		c.ExportAADSLADays = DefaultExportAADSLADays
	}
	if c.ExportNonAADSLADays <= 0 {
		c.ExportNonAADSLADays = DefaultExportNonAADSLADays
	}
	if c.NonExportSLADays <= 0 {
		c.NonExportSLADays = DefaultNonExportSLADays
	}
	if c.DefaultCommandTTLDays <= 0 {
		c.DefaultCommandTTLDays = DefaultCommandTTLDays
	}
	if c.AccountCloseTTLDays <= 0 {
		c.AccountCloseTTLDays = DefaultAccountCloseTTLDays
	}
	if c.AgeOutMaxLeaseExtension <= 0 {
		c.AgeOutMaxLeaseExtension = DefaultAgeOutMaxLeaseExt
	}
	return c
}

// slaCeiling returns the lease ceiling for cmd, measured from creation.
func (c SLAConfig) slaCeiling(cmd *pcq.Command) time.Duration {
	days := c.NonExportSLADays
	if cmd.Type == pcq.CommandTypeExport {
		if cmd.Subject.Type == pcq.SubjectTypeAAD {
			days = c.ExportAADSLADays
		} else {
			days = c.ExportNonAADSLADays
		}
	}
	return time.Duration(days) * day
}

// ttl returns the absolute lifetime boundary for cmd's type.
func (c SLAConfig) ttl(cmdType pcq.CommandType) time.Duration {
	if cmdType == pcq.CommandTypeAccountClose {
		return time.Duration(c.AccountCloseTTLDays) * day
	}
	return time.Duration(c.DefaultCommandTTLDays) * day
}

// CalculateNextVisibleTime computes the lease grant for a checkpoint that
// extends rather than completes. The unused remainder of the current lease
// carries over; a grant landing within the final 24 hours of the command's
// SLA ceiling is capped to 24 hours so agents near end-of-life check back
// in frequently instead of holding one enormous lease.
func (c SLAConfig) CalculateNextVisibleTime(cmd *pcq.Command, requestedExtension time.Duration, now time.Time) (time.Time, *Error) {
	if requestedExtension < 0 {
		return time.Time{}, newError(CodeInvalidLeaseExtension, "lease extension must not be negative")
	}
	if cmd.Type == pcq.CommandTypeAgeOut && requestedExtension >= c.AgeOutMaxLeaseExtension {
		return time.Time{}, newError(CodeInvalidLeaseExtension, "lease extension too large for age-out commands")
	}
	unused := cmd.RemainingLease(now)
	if unused < 0 {
		unused = 0
	}
	safeHorizon := cmd.CreatedAt.Add(c.slaCeiling(cmd) - checkInWindow)
	if !now.Add(requestedExtension).After(safeHorizon) {
		return now.Add(requestedExtension + unused), nil
	}
	return now.Add(checkInWindow + unused), nil
}

// Expired reports whether cmd is past its absolute lifetime boundary.
func (c SLAConfig) Expired(cmdType pcq.CommandType, createdAt, now time.Time) bool {
	if createdAt.IsZero() {
		return false
	}
	return now.Sub(createdAt) >= c.ttl(cmdType)
}

// MaxRandomVisibilityDelay computes the ceiling of the batch spread delay:
// a quarter of the smallest remaining lease in the batch, capped at six
// hours, floored at zero when any lease has already lapsed.
func MaxRandomVisibilityDelay(remaining []time.Duration) time.Duration {
	if len(remaining) == 0 {
		return 0
	}
	min := remaining[0]
	for _, r := range remaining[1:] {
		if r < min {
			min = r
		}
	}
	if min < 0 {
		min = 0
	}
	max := min / 4
	if max > maxRandomVisibilityDelay {
		max = maxRandomVisibilityDelay
	}
	return max
}

// jitterSource is a locked uniform source shared by the engine's delay
// draws. Safe for concurrent requests.
type jitterSource struct {
	mu   sync.Mutex
	rand *rand.Rand
}

func newJitterSource(src rand.Source) *jitterSource {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &jitterSource{rand: rand.New(src)}
}

// uniform draws from [0, max].
func (j *jitterSource) uniform(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return time.Duration(j.rand.Int63n(int64(max) + 1))
}

// around draws from [base-base*rate, base+base*rate].
func (j *jitterSource) around(base time.Duration, rate float64) time.Duration {
	if base <= 0 || rate <= 0 {
		return base
	}
	span := time.Duration(float64(base) * rate)
	return base - span + j.uniform(2*span)
}
