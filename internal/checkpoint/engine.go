// Package checkpoint implements the command lease and checkpoint engine:
// the single-command state machine reconciling an agent-reported outcome
// against queue and history state, and the batch variant with per-item
// failure isolation.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/pcfd/internal/agentmap"
	"pkt.systems/pcfd/internal/clock"
	"pkt.systems/pcfd/internal/history"
	"pkt.systems/pcfd/internal/lifecycle"
	"pkt.systems/pcfd/internal/pcq"
	"pkt.systems/pcfd/internal/queue"
	"pkt.systems/pcfd/internal/receipt"
	"pkt.systems/pcfd/internal/svcfields"
	"pkt.systems/pcfd/internal/workqueue"
)

// Config tunes the engine. Zero values take defaults.
type Config struct {
	SLA SLAConfig

	// MaxBatchSize bounds batch checkpoint requests; larger batches are
	// rejected whole with 413.
	MaxBatchSize int

	// DisableDeferredDeletes forces completions to delete inline even when
	// plenty of lease remains.
	DisableDeferredDeletes bool
	// DeferThreshold is the minimum remaining lease for a completion
	// delete to be deferred instead of applied inline.
	DeferThreshold time.Duration
	// DeferShare is the fraction of remaining lease a deferred delete may
	// wait, capped at DeferMaxDelay and floored at DeferMinDelay.
	DeferShare    float64
	DeferMaxDelay time.Duration
	DeferMinDelay time.Duration

	// Replay delays for non-terminal failure statuses, jittered so cohorts
	// do not reappear simultaneously.
	FailedReplayBase                  time.Duration
	FailedReplayJitterRate            float64
	VerificationFailedBase            time.Duration
	VerificationFailedJitterRate      float64
	UnexpectedVerificationFailureBase time.Duration
	UnexpectedVerificationJitterRate  float64
	// SoftDeleteMinDelay floors the soft-delete re-lease delay when the
	// requested extension is shorter.
	SoftDeleteMinDelay time.Duration
}

// Engine defaults.
const (
	DefaultMaxBatchSize   = 100
	DefaultDeferThreshold = 10 * time.Minute
	DefaultDeferShare     = 0.75
	DefaultDeferMaxDelay  = 6 * time.Hour
	DefaultDeferMinDelay  = 5 * time.Second

	DefaultFailedReplayBase          = 3 * time.Minute
	DefaultFailedJitterRate          = 1.0 / 3
	DefaultVerificationFailedBase    = 24 * time.Hour
	DefaultVerificationJitterRate    = 1.0 / 6
	DefaultUnexpectedVerifFailedBase = 3 * time.Hour
	DefaultUnexpectedVerifJitterRate = 1.0 / 3
	DefaultSoftDeleteMinDelay        = 2 * time.Minute
)

func (c Config) normalized() Config {
	c.SLA = c.SLA.normalized()
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.DeferThreshold <= 0 {
		c.DeferThreshold = DefaultDeferThreshold
	}
	if c.DeferShare <= 0 || c.DeferShare > 1 {
		c.DeferShare = DefaultDeferShare
	}
	if c.DeferMaxDelay <= 0 {
		c.DeferMaxDelay = DefaultDeferMaxDelay
	}
	if c.DeferMinDelay <= 0 {
		c.DeferMinDelay = DefaultDeferMinDelay
	}
	if c.FailedReplayBase <= 0 {
		c.FailedReplayBase = DefaultFailedReplayBase
	}
	if c.FailedReplayJitterRate <= 0 {
		c.FailedReplayJitterRate = DefaultFailedJitterRate
	}
	if c.VerificationFailedBase <= 0 {
		c.VerificationFailedBase = DefaultVerificationFailedBase
	}
	if c.VerificationFailedJitterRate <= 0 {
		c.VerificationFailedJitterRate = DefaultVerificationJitterRate
	}
	if c.UnexpectedVerificationFailureBase <= 0 {
		c.UnexpectedVerificationFailureBase = DefaultUnexpectedVerifFailedBase
	}
	if c.UnexpectedVerificationJitterRate <= 0 {
		c.UnexpectedVerificationJitterRate = DefaultUnexpectedVerifJitterRate
	}
	if c.SoftDeleteMinDelay <= 0 {
		c.SoftDeleteMinDelay = DefaultSoftDeleteMinDelay
	}
	return c
}

// AgentMapSource provides the current agent map snapshot.
type AgentMapSource interface {
	Snapshot() *agentmap.Map
}

// Deps are the engine's collaborators.
type Deps struct {
	Router    *queue.Router
	History   *history.Repository
	Publisher lifecycle.Publisher
	AgentMap  AgentMapSource
	// Worker is optional; without it completion deletes are always inline.
	Worker *workqueue.Worker
	Clock  clock.Clock
	Logger pslog.Logger
	// Rand seeds the jitter source; tests inject a fixed seed.
	Rand rand.Source
}

// Engine is the checkpoint state machine.
type Engine struct {
	cfg       Config
	router    *queue.Router
	history   *history.Repository
	publisher lifecycle.Publisher
	agents    AgentMapSource
	worker    *workqueue.Worker
	clock     clock.Clock
	logger    pslog.Logger
	jitter    *jitterSource
}

// New builds an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Router == nil {
		return nil, fmt.Errorf("checkpoint: router is required")
	}
	if deps.History == nil {
		return nil, fmt.Errorf("checkpoint: history is required")
	}
	if deps.Publisher == nil {
		return nil, fmt.Errorf("checkpoint: publisher is required")
	}
	if deps.AgentMap == nil {
		return nil, fmt.Errorf("checkpoint: agent map is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = pslog.NoopLogger()
	}
	return &Engine{
		cfg:       cfg.normalized(),
		router:    deps.Router,
		history:   deps.History,
		publisher: deps.Publisher,
		agents:    deps.AgentMap,
		worker:    deps.Worker,
		clock:     deps.Clock,
		logger:    svcfields.WithSubsystem(deps.Logger, "checkpoint"),
		jitter:    newJitterSource(deps.Rand),
	}, nil
}

// Config returns the engine's normalized configuration.
func (e *Engine) Config() Config { return e.cfg }

// Args is one checkpoint request after wire parsing.
type Args struct {
	// AgentID is the authenticated caller, not a request field.
	AgentID        pcq.AgentID
	LeaseReceipt   string
	Status         string
	AgentState     string
	LeaseExtension time.Duration
	Variants       []string
	// NonTransientFailures carries permanent failure tags on completion.
	NonTransientFailures []string
	// ExportedFileSizes is export-only telemetry.
	ExportedFileSizes []lifecycle.FileSizeDetail
}

// Result is a successful checkpoint outcome.
type Result struct {
	// LeaseReceipt is the successor token; empty when the queue entry was
	// removed (or intentionally left untouched by a force completion).
	LeaseReceipt string
	// DeferredDeleteDelay is non-zero when the completion delete was
	// handed to the background work queue; it is echoed to the caller.
	DeferredDeleteDelay time.Duration
}

// state is the validated view of one checkpoint.
type state struct {
	args   Args
	status pcq.Status
	rcpt   *receipt.Receipt
	group  *agentmap.AssetGroupInfo
	q      queue.Queue
	cmd    *pcq.Command
	// spread, when non-negative, overrides the deferred-delete delay with
	// the batch-wide spread value.
	spread time.Duration
}

// Checkpoint runs the state machine for a single request.
func (e *Engine) Checkpoint(ctx context.Context, args Args) (*Result, error) {
	return e.checkpointOne(ctx, args, -1)
}

func (e *Engine) checkpointOne(ctx context.Context, args Args, spread time.Duration) (*Result, error) {
	st, cerr := e.validate(ctx, args)
	if cerr != nil {
		return nil, cerr
	}
	st.spread = spread
	return e.apply(ctx, st)
}

// validate performs the rejection ladder shared by single and batch
// checkpoints. The order is wire-visible: earlier checks mask later ones.
func (e *Engine) validate(ctx context.Context, args Args) (*state, *Error) {
	rcpt, err := receipt.Decode(args.LeaseReceipt)
	if err != nil {
		return nil, newError(CodeMalformedLeaseReceipt, "lease receipt could not be parsed")
	}
	if rcpt.AgentID != args.AgentID {
		return nil, newError(CodeLeaseReceiptAgentIdMismatch, "lease receipt was issued to a different agent")
	}
	group, ok := e.agents.Snapshot().Lookup(args.AgentID, rcpt.AssetGroupID)
	if !ok {
		return nil, newError(CodeLeaseReceiptAssetGroupIdMismatch, "asset group is not registered to the calling agent")
	}
	q := e.router.QueueFor(rcpt)
	if !q.SupportsLeaseReceipt(rcpt) {
		return nil, newError(CodeLeaseReceiptNotSupported, "lease receipt version is not supported by its queue backend")
	}
	if len(args.AgentState) > pcq.MaxAgentStateLength {
		return nil, newError(CodeAgentStateExceedsMaxSizeAllowed,
			fmt.Sprintf("agent state exceeds %d characters", pcq.MaxAgentStateLength))
	}
	status, ok := pcq.ParseStatus(args.Status)
	if !ok {
		return nil, newError(CodeUnknownPrivacyCommandStatus, fmt.Sprintf("unknown status %q", args.Status))
	}
	if args.LeaseExtension < 0 {
		return nil, newError(CodeInvalidLeaseExtension, "lease extension must not be negative")
	}
	if rcpt.CommandType == pcq.CommandTypeAgeOut && args.LeaseExtension >= e.cfg.SLA.AgeOutMaxLeaseExtension {
		return nil, newError(CodeInvalidLeaseExtension, "lease extension too large for age-out commands")
	}

	now := e.clock.Now()
	if rcpt.HasCommandCreatedTime() && e.cfg.SLA.Expired(rcpt.CommandType, rcpt.CommandCreatedAt, now) {
		return nil, newError(CodeCommandAlreadyExpired, "command is past its lifetime boundary")
	}

	completed, err2 := e.history.IsCompleted(ctx, rcpt.CommandID, rcpt.AssetGroupID)
	if err2 != nil {
		return nil, newErrorStatus(CodeCommandNotFound, 500, "history lookup failed")
	}
	if completed {
		return nil, newError(CodeCommandAlreadyCompleted, "command was already completed for this asset group")
	}

	cmd, cerr := e.loadCommand(ctx, q, rcpt, len(args.Variants) > 0)
	if cerr != nil {
		return nil, cerr
	}
	if !rcpt.HasCommandCreatedTime() && e.cfg.SLA.Expired(cmd.Type, cmd.CreatedAt, now) {
		return nil, newError(CodeCommandAlreadyExpired, "command is past its lifetime boundary")
	}
	if len(args.Variants) > 0 && !group.ValidateClaimedVariants(args.Variants) {
		return nil, newError(CodeInvalidVariantsSpecified, "claimed variants are not allowed for this asset group")
	}

	return &state{args: args, status: status, rcpt: rcpt, group: group, q: q, cmd: cmd}, nil
}

// loadCommand fetches the authoritative command body when the queue class
// allows it; otherwise it reconstructs the command from the receipt.
// Variant claims require the full body.
func (e *Engine) loadCommand(ctx context.Context, q queue.Queue, rcpt *receipt.Receipt, needBody bool) (*pcq.Command, *Error) {
	cmd, err := q.QueryCommand(ctx, rcpt)
	switch {
	case err == nil:
		return cmd, nil
	case errors.Is(err, queue.ErrQueryNotSupported):
		if needBody {
			return nil, newError(CodeInvalidVariantsSpecified, "variant claims require a queryable queue backend")
		}
		return commandFromReceipt(rcpt), nil
	case errors.Is(err, queue.ErrNotFound):
		return nil, newError(CodeCommandNotFound, "command is no longer in its queue")
	default:
		return nil, newErrorStatus(CodeCommandNotFound, 500, "queue lookup failed")
	}
}

func commandFromReceipt(rcpt *receipt.Receipt) *pcq.Command {
	return &pcq.Command{
		ID:              rcpt.CommandID,
		AgentID:         rcpt.AgentID,
		AssetGroupID:    rcpt.AssetGroupID,
		Subject:         pcq.Subject{Type: rcpt.SubjectType},
		Type:            rcpt.CommandType,
		CreatedAt:       rcpt.CommandCreatedAt,
		NextVisibleTime: rcpt.Expires,
		QueueStorage:    rcpt.QueueStorage,
	}
}

// apply dispatches the validated checkpoint through the closed status
// switch.
func (e *Engine) apply(ctx context.Context, st *state) (*Result, error) {
	if actionable, why := st.group.IsCommandActionable(st.cmd); !actionable {
		e.logger.Info("checkpoint.not_actionable",
			"command_id", st.cmd.ID.String(),
			"asset_group_id", st.group.AssetGroupID.String(),
			"reason", why.String(),
		)
		return e.discard(ctx, st)
	}

	switch st.status {
	case pcq.StatusPending:
		return e.extendPending(ctx, st)
	case pcq.StatusComplete:
		return e.complete(ctx, st, lifecycle.CompletionDetails{
			ClaimedVariants:      st.args.Variants,
			NonTransientFailures: st.args.NonTransientFailures,
		})
	case pcq.StatusDeidentify:
		return e.complete(ctx, st, lifecycle.CompletionDetails{
			Deidentify:           true,
			ClaimedVariants:      st.args.Variants,
			NonTransientFailures: st.args.NonTransientFailures,
		})
	case pcq.StatusFailed:
		if st.group.IsTestInProduction() {
			return e.forceComplete(ctx, st)
		}
		delay := e.jitter.around(e.cfg.FailedReplayBase, e.cfg.FailedReplayJitterRate)
		return e.release(ctx, st, delay, e.publisher.PublishFailed)
	case pcq.StatusSoftDelete:
		delay := st.args.LeaseExtension
		if delay < e.cfg.SoftDeleteMinDelay {
			delay = e.cfg.SoftDeleteMinDelay
		}
		return e.release(ctx, st, delay, e.publisher.PublishSoftDeleted)
	case pcq.StatusVerificationFailed:
		if st.group.IsTestInProduction() {
			return e.forceComplete(ctx, st)
		}
		delay := e.jitter.around(e.cfg.VerificationFailedBase, e.cfg.VerificationFailedJitterRate)
		return e.release(ctx, st, delay, e.publisher.PublishVerificationFailed)
	case pcq.StatusUnexpectedCommand:
		return e.discard(ctx, st)
	case pcq.StatusUnexpectedVerificationFailure:
		if st.group.IsTestInProduction() {
			return e.forceComplete(ctx, st)
		}
		delay := e.jitter.around(e.cfg.UnexpectedVerificationFailureBase, e.cfg.UnexpectedVerificationJitterRate)
		return e.release(ctx, st, delay, e.publisher.PublishUnexpectedVerificationFailure)
	default:
		// ParseStatus already rejected unknown values; this arm is the
		// exhaustiveness default.
		return nil, newError(CodeUnknownPrivacyCommandStatus, fmt.Sprintf("unknown status %q", st.args.Status))
	}
}

// extendPending re-leases via the SLA calculator and persists agent state
// per the derived replace mask.
func (e *Engine) extendPending(ctx context.Context, st *state) (*Result, error) {
	now := e.clock.Now()
	nextVisible, cerr := e.cfg.SLA.CalculateNextVisibleTime(st.cmd, st.args.LeaseExtension, now)
	if cerr != nil {
		return nil, cerr
	}
	if err := e.publisher.PublishPending(ctx, st.cmd); err != nil {
		return nil, fmt.Errorf("checkpoint: publish pending: %w", err)
	}
	updated := *st.cmd
	updated.AgentState = st.args.AgentState
	updated.ClaimedVariants = st.args.Variants
	updated.NextVisibleTime = nextVisible
	ops := queue.DeriveReplaceOperations(st.args.AgentState, st.args.LeaseExtension)
	return e.replace(ctx, st, &updated, ops)
}

// release is the failure-path re-lease: publish the lifecycle event, then
// push the entry's visibility out by delay.
func (e *Engine) release(ctx context.Context, st *state, delay time.Duration, publish func(context.Context, *pcq.Command) error) (*Result, error) {
	if err := publish(ctx, st.cmd); err != nil {
		return nil, fmt.Errorf("checkpoint: publish %s: %w", st.status, err)
	}
	updated := *st.cmd
	updated.AgentState = st.args.AgentState
	updated.ClaimedVariants = st.args.Variants
	updated.NextVisibleTime = e.clock.Now().Add(delay)
	ops := queue.ReplaceLeaseExtension
	if st.args.AgentState != "" {
		ops |= queue.ReplaceCommandContent
	}
	return e.replace(ctx, st, &updated, ops)
}

func (e *Engine) replace(ctx context.Context, st *state, updated *pcq.Command, ops queue.ReplaceOperations) (*Result, error) {
	next, err := st.q.Replace(ctx, st.rcpt, updated, ops)
	if err != nil {
		return nil, mapQueueErr(err)
	}
	token, err := receipt.Encode(next)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode successor receipt: %w", err)
	}
	return &Result{LeaseReceipt: token}, nil
}

// complete publishes the completion event, records history, then removes
// the queue entry (inline or deferred).
func (e *Engine) complete(ctx context.Context, st *state, details lifecycle.CompletionDetails) (*Result, error) {
	if st.cmd.Type == pcq.CommandTypeExport && len(st.args.ExportedFileSizes) > 0 {
		e.publisher.RecordExportFileSizes(ctx, st.cmd, st.args.ExportedFileSizes)
	}
	if err := e.publisher.PublishCompleted(ctx, st.cmd, details); err != nil {
		return nil, fmt.Errorf("checkpoint: publish completed: %w", err)
	}
	if err := e.history.MarkCompleted(ctx, st.cmd, details.ForceCompleted, details.Deidentify); err != nil {
		return nil, fmt.Errorf("checkpoint: record completion: %w", err)
	}
	return e.removeEntry(ctx, st)
}

// removeEntry deletes the queue entry, deferring through the work queue
// when enough lease remains to spread the load.
func (e *Engine) removeEntry(ctx context.Context, st *state) (*Result, error) {
	remaining := st.cmd.RemainingLease(e.clock.Now())
	if !e.cfg.DisableDeferredDeletes && e.worker != nil && remaining > e.cfg.DeferThreshold {
		delay := e.deferDelay(remaining, st.spread)
		rcpt := st.rcpt
		q := st.q
		id := st.cmd.ID.String()
		err := e.worker.Publish("queue-delete/"+id, delay, func(jobCtx context.Context) error {
			if err := q.Delete(jobCtx, rcpt); err != nil {
				// The agent may have acted again in the meantime; both
				// outcomes mean the entry is already settled.
				if errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrConflict) {
					return nil
				}
				return err
			}
			return nil
		})
		if err == nil {
			return &Result{DeferredDeleteDelay: delay}, nil
		}
		e.logger.Warn("checkpoint.defer_delete_fallback", "command_id", id, "error", err)
	}
	if err := st.q.Delete(ctx, st.rcpt); err != nil {
		return nil, mapQueueErr(err)
	}
	return &Result{}, nil
}

// deferDelay picks the deferred-delete delay: the batch spread when one was
// computed, otherwise a share of the remaining lease, capped and floored.
func (e *Engine) deferDelay(remaining, spread time.Duration) time.Duration {
	delay := spread
	if delay < 0 {
		delay = time.Duration(float64(remaining) * e.cfg.DeferShare)
		if delay > e.cfg.DeferMaxDelay {
			delay = e.cfg.DeferMaxDelay
		}
	}
	if delay < e.cfg.DeferMinDelay {
		delay = e.cfg.DeferMinDelay
	}
	return delay
}

// forceComplete is the test-in-production override: the broker publishes a
// completion on the agent's behalf and leaves the queue entry untouched.
func (e *Engine) forceComplete(ctx context.Context, st *state) (*Result, error) {
	details := lifecycle.CompletionDetails{ForceCompleted: true}
	if err := e.publisher.PublishCompleted(ctx, st.cmd, details); err != nil {
		return nil, fmt.Errorf("checkpoint: publish forced completion: %w", err)
	}
	if err := e.history.MarkCompleted(ctx, st.cmd, true, false); err != nil {
		return nil, fmt.Errorf("checkpoint: record forced completion: %w", err)
	}
	return &Result{}, nil
}

// discard handles commands that no longer apply to their asset group: the
// entry is removed so the agent stops reprocessing it. Fake pre-production
// groups are cleaned up silently; everything else publishes exactly one
// unexpected event first.
func (e *Engine) discard(ctx context.Context, st *state) (*Result, error) {
	if !st.group.FakePreProd {
		if err := e.publisher.PublishUnexpected(ctx, st.cmd); err != nil {
			return nil, fmt.Errorf("checkpoint: publish unexpected: %w", err)
		}
	}
	if err := st.q.Delete(ctx, st.rcpt); err != nil {
		return nil, mapQueueErr(err)
	}
	return &Result{}, nil
}

func mapQueueErr(err error) error {
	switch {
	case errors.Is(err, queue.ErrConflict):
		return newError(CodeLeaseReceiptConflict, "lease receipt was superseded")
	case errors.Is(err, queue.ErrNotFound):
		return newError(CodeCommandNotFound, "command is no longer in its queue")
	case errors.Is(err, queue.ErrQueryNotSupported):
		return newErrorStatus(CodeQueryCommandNotSupportedByBackend, 405, "queue backend does not support point lookup")
	default:
		return err
	}
}
