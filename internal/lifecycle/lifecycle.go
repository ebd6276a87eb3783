// Package lifecycle publishes command lifecycle events. Publishing happens
// before the corresponding queue mutation commits; a publish failure must
// fail the checkpoint rather than complete a command without its durable
// event.
package lifecycle

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/pcfd/internal/pcq"
	"pkt.systems/pcfd/internal/svcfields"
)

// CompletionDetails qualifies a completed event.
type CompletionDetails struct {
	// ForceCompleted marks completions driven by the broker's
	// test-in-production override rather than the agent's own report.
	ForceCompleted bool
	// Deidentify marks deidentify-style completions.
	Deidentify bool
	// ClaimedVariants echoes the validated variant claims.
	ClaimedVariants []string
	// NonTransientFailures carries agent-reported permanent failure tags.
	NonTransientFailures []string
}

// FileSizeDetail is one exported file's size telemetry.
type FileSizeDetail struct {
	OriginalSize   int64 `json:"originalSize"`
	CompressedSize int64 `json:"compressedSize"`
	IsCompressed   bool  `json:"isCompressed"`
}

// Publisher emits one durable event per terminal checkpoint transition.
type Publisher interface {
	PublishPending(ctx context.Context, cmd *pcq.Command) error
	PublishCompleted(ctx context.Context, cmd *pcq.Command, details CompletionDetails) error
	PublishFailed(ctx context.Context, cmd *pcq.Command) error
	PublishSoftDeleted(ctx context.Context, cmd *pcq.Command) error
	PublishVerificationFailed(ctx context.Context, cmd *pcq.Command) error
	PublishUnexpected(ctx context.Context, cmd *pcq.Command) error
	PublishUnexpectedVerificationFailure(ctx context.Context, cmd *pcq.Command) error

	// RecordExportFileSizes is telemetry only: fire-and-forget, never
	// blocks or fails a checkpoint.
	RecordExportFileSizes(ctx context.Context, cmd *pcq.Command, files []FileSizeDetail)
}

// LogPublisher writes lifecycle events as structured log entries and counts
// them in OTel metrics.
type LogPublisher struct {
	logger pslog.Logger
	events metric.Int64Counter
}

// NewLogPublisher builds a LogPublisher.
func NewLogPublisher(logger pslog.Logger) *LogPublisher {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	meter := otel.Meter("pkt.systems/pcfd/internal/lifecycle")
	events, err := meter.Int64Counter("pcfd.lifecycle.events",
		metric.WithDescription("Lifecycle events published per terminal checkpoint transition."))
	if err != nil {
		events = nil
	}
	return &LogPublisher{
		logger: svcfields.WithSubsystem(logger, "lifecycle"),
		events: events,
	}
}

func (p *LogPublisher) publish(ctx context.Context, event string, cmd *pcq.Command, extra ...any) error {
	fields := []any{
		"command_id", cmd.ID.String(),
		"agent_id", cmd.AgentID.String(),
		"asset_group_id", cmd.AssetGroupID.String(),
		"command_type", cmd.Type.String(),
	}
	fields = append(fields, extra...)
	p.logger.Info("lifecycle."+event, fields...)
	if p.events != nil {
		p.events.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", event),
			attribute.String("command_type", cmd.Type.String()),
		))
	}
	return nil
}

func (p *LogPublisher) PublishPending(ctx context.Context, cmd *pcq.Command) error {
	return p.publish(ctx, "pending", cmd)
}

func (p *LogPublisher) PublishCompleted(ctx context.Context, cmd *pcq.Command, details CompletionDetails) error {
	return p.publish(ctx, "completed", cmd,
		"force_completed", details.ForceCompleted,
		"deidentify", details.Deidentify,
		"claimed_variants", len(details.ClaimedVariants),
		"non_transient_failures", len(details.NonTransientFailures),
	)
}

func (p *LogPublisher) PublishFailed(ctx context.Context, cmd *pcq.Command) error {
	return p.publish(ctx, "failed", cmd)
}

func (p *LogPublisher) PublishSoftDeleted(ctx context.Context, cmd *pcq.Command) error {
	return p.publish(ctx, "soft_deleted", cmd)
}

func (p *LogPublisher) PublishVerificationFailed(ctx context.Context, cmd *pcq.Command) error {
	return p.publish(ctx, "verification_failed", cmd)
}

func (p *LogPublisher) PublishUnexpected(ctx context.Context, cmd *pcq.Command) error {
	return p.publish(ctx, "unexpected", cmd)
}

func (p *LogPublisher) PublishUnexpectedVerificationFailure(ctx context.Context, cmd *pcq.Command) error {
	return p.publish(ctx, "unexpected_verification_failure", cmd)
}

func (p *LogPublisher) RecordExportFileSizes(ctx context.Context, cmd *pcq.Command, files []FileSizeDetail) {
	var original, compressed int64
	for _, f := range files {
		original += f.OriginalSize
		compressed += f.CompressedSize
	}
	p.logger.Info("lifecycle.export_file_sizes",
		"command_id", cmd.ID.String(),
		"agent_id", cmd.AgentID.String(),
		"files", len(files),
		"original_bytes", original,
		"compressed_bytes", compressed,
	)
}
