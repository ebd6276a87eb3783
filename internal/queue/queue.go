// Package queue implements the per (agent, asset-group) command queues the
// checkpoint protocol operates against. Two queue classes exist: the
// document class supports point lookup and query-by-lease, the stream class
// (AgeOut traffic) is pop-receipt only. A Router resolves lease receipts to
// the owning queue and drains sub-queues by priority for getcommands.
package queue

import (
	"context"
	"errors"
	"time"

	"pkt.systems/pcfd/internal/pcq"
	"pkt.systems/pcfd/internal/receipt"
)

var (
	// ErrNotFound is returned when the queue entry for a receipt no longer
	// exists (deleted, expired, or never present).
	ErrNotFound = errors.New("queue: command not found")
	// ErrConflict is returned when a receipt's storage qualifier is stale:
	// the entry exists but has been superseded since the receipt was issued.
	ErrConflict = errors.New("queue: lease receipt conflict")
	// ErrQueryNotSupported is returned by queue classes without point
	// lookup. Callers surface it as Method Not Allowed.
	ErrQueryNotSupported = errors.New("queue: query not supported by this queue class")
)

// Config tunes lease and pop behavior. Zero values take defaults.
type Config struct {
	// DefaultLeaseDuration applies when a pop requests no (or an invalid)
	// lease duration.
	DefaultLeaseDuration time.Duration
	// MaxLeaseDuration caps a requested pop lease. Longer requests fall
	// back to the default rather than erroring.
	MaxLeaseDuration time.Duration
	// PopBatchSize bounds how many commands one pop returns.
	PopBatchSize int
	// HighPriorityBudget is the minimum time getcommands spends on the
	// high-priority sub-queues before draining low-priority ones, unless
	// high priority is exhausted first.
	HighPriorityBudget time.Duration
}

// Defaults for Config.
const (
	DefaultLeaseDuration      = 15 * time.Minute
	DefaultMaxLeaseDuration   = 24 * time.Hour
	DefaultPopBatchSize       = 100
	DefaultHighPriorityBudget = 2 * time.Second
)

func (c Config) normalized() Config {
	if c.DefaultLeaseDuration <= 0 {
		c.DefaultLeaseDuration = DefaultLeaseDuration
	}
	if c.MaxLeaseDuration <= 0 {
		c.MaxLeaseDuration = DefaultMaxLeaseDuration
	}
	if c.PopBatchSize <= 0 {
		c.PopBatchSize = DefaultPopBatchSize
	}
	if c.HighPriorityBudget <= 0 {
		c.HighPriorityBudget = DefaultHighPriorityBudget
	}
	return c
}

// leaseOrDefault clamps a requested pop lease: non-positive or over-cap
// requests take the default, never an error.
func (c Config) leaseOrDefault(requested time.Duration) time.Duration {
	if requested <= 0 || requested > c.MaxLeaseDuration {
		return c.DefaultLeaseDuration
	}
	return requested
}

// ReplaceOperations is the composable mask for Replace.
type ReplaceOperations uint8

const (
	// ReplaceLeaseExtension updates the entry's next visible time.
	ReplaceLeaseExtension ReplaceOperations = 1 << iota
	// ReplaceCommandContent updates the agent state and claimed variants.
	ReplaceCommandContent
)

// Has reports whether op is set.
func (r ReplaceOperations) Has(op ReplaceOperations) bool { return r&op != 0 }

// DeriveReplaceOperations maps request shape to the replace mask: a
// non-empty agent state implies content, a positive extension implies lease
// extension, and an empty request degrades to a lease touch.
func DeriveReplaceOperations(agentState string, extension time.Duration) ReplaceOperations {
	var ops ReplaceOperations
	if agentState != "" {
		ops |= ReplaceCommandContent
	}
	if extension > 0 {
		ops |= ReplaceLeaseExtension
	}
	if ops == 0 {
		ops = ReplaceLeaseExtension
	}
	return ops
}

// LeasedCommand pairs a popped command with the receipt proving its lease.
type LeasedCommand struct {
	Command *pcq.Command
	Receipt *receipt.Receipt
}

// Queue is one (agent, asset-group) command queue of a single storage class.
type Queue interface {
	// Enqueue inserts a command. Used by ingestion and tests.
	Enqueue(ctx context.Context, cmd *pcq.Command) error
	// Pop returns up to maxCount visible commands, each re-leased for
	// leaseDuration (already clamped by the caller).
	Pop(ctx context.Context, maxCount int, leaseDuration time.Duration) ([]*LeasedCommand, error)
	// QueryCommand reads the entry for r without mutating it.
	QueryCommand(ctx context.Context, r *receipt.Receipt) (*pcq.Command, error)
	// Replace atomically applies ops from updated onto the stored entry,
	// guarded by the receipt's storage qualifier, and returns the successor
	// receipt.
	Replace(ctx context.Context, r *receipt.Receipt, updated *pcq.Command, ops ReplaceOperations) (*receipt.Receipt, error)
	// Delete permanently removes the entry for r.
	Delete(ctx context.Context, r *receipt.Receipt) error
	// SupportsLeaseReceipt reports whether this queue can act on r at all.
	SupportsLeaseReceipt(r *receipt.Receipt) bool
}
