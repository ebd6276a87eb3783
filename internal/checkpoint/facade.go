package checkpoint

import (
	"context"
	"errors"
	"time"

	"pkt.systems/pcfd/internal/history"
	"pkt.systems/pcfd/internal/pcq"
	"pkt.systems/pcfd/internal/receipt"
)

// PoppedCommand is one command handed to an agent, with its encoded lease
// receipt.
type PoppedCommand struct {
	Command      *pcq.Command
	LeaseReceipt string
}

// GetCommands pops up to maxCount commands for the agent, prioritized
// across its sub-queues, and encodes a receipt for each.
func (e *Engine) GetCommands(ctx context.Context, agentID pcq.AgentID, requestedLease time.Duration, maxCount int) ([]PoppedCommand, error) {
	popped, err := e.router.GetCommands(ctx, agentID, e.agents.Snapshot(), requestedLease, maxCount)
	if err != nil {
		return nil, err
	}
	out := make([]PoppedCommand, 0, len(popped))
	for _, lc := range popped {
		token, err := receipt.Encode(lc.Receipt)
		if err != nil {
			return nil, err
		}
		out = append(out, PoppedCommand{Command: lc.Command, LeaseReceipt: token})
	}
	return out, nil
}

// QueryCommand is the read-only query-by-lease path. It validates custody
// the same way a checkpoint does but never mutates queue state.
func (e *Engine) QueryCommand(ctx context.Context, agentID pcq.AgentID, leaseToken string) (*pcq.Command, error) {
	rcpt, err := receipt.Decode(leaseToken)
	if err != nil {
		return nil, newError(CodeMalformedLeaseReceipt, "lease receipt could not be parsed")
	}
	if rcpt.AgentID != agentID {
		return nil, newError(CodeLeaseReceiptAgentIdMismatch, "lease receipt was issued to a different agent")
	}
	if _, ok := e.agents.Snapshot().Lookup(agentID, rcpt.AssetGroupID); !ok {
		return nil, newError(CodeLeaseReceiptAssetGroupIdMismatch, "asset group is not registered to the calling agent")
	}
	q := e.router.QueueFor(rcpt)
	if !q.SupportsLeaseReceipt(rcpt) {
		return nil, newError(CodeLeaseReceiptNotSupported, "lease receipt version is not supported by its queue backend")
	}
	cmd, err := q.QueryCommand(ctx, rcpt)
	if err != nil {
		return nil, mapQueueErr(err)
	}
	return cmd, nil
}

// CommandStatus is the status-by-id read path. Unknown commands return
// (nil, nil): absence is a successful empty result, not an error.
func (e *Engine) CommandStatus(ctx context.Context, commandID pcq.CommandID) (*history.Record, error) {
	record, err := e.history.Get(ctx, commandID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// Ingest enqueues a command and records it in history. Command production
// is upstream of this broker; the path exists for tooling and tests.
func (e *Engine) Ingest(ctx context.Context, cmd *pcq.Command) error {
	if err := e.router.Enqueue(ctx, cmd); err != nil {
		return err
	}
	return e.history.Ingest(ctx, cmd)
}
