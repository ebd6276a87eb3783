package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/pcfd/internal/clock"
	"pkt.systems/pcfd/internal/pcq"
	"pkt.systems/pcfd/internal/receipt"
	"pkt.systems/pcfd/internal/storage"
	"pkt.systems/pcfd/internal/svcfields"
	"pkt.systems/pcfd/internal/uuidv7"
)

// streamQueue is the pop-receipt queue class carrying AgeOut traffic.
// Entries are keyed by an opaque message id, not the command id, so point
// lookup by receipt is impossible: QueryCommand reports
// ErrQueryNotSupported. The receipt carries the message id in its storage
// qualifier and the current pop receipt in its token.
type streamQueue struct {
	backend      storage.Backend
	moniker      string
	agentID      pcq.AgentID
	assetGroupID pcq.AssetGroupID
	clock        clock.Clock
	logger       pslog.Logger
}

// streamEntry is the stored message envelope.
type streamEntry struct {
	Command    pcq.Command `json:"command"`
	PopReceipt string      `json:"popReceipt,omitempty"`
}

func newStreamQueue(backend storage.Backend, moniker string, agentID pcq.AgentID, assetGroupID pcq.AssetGroupID, clk clock.Clock, logger pslog.Logger) *streamQueue {
	return &streamQueue{
		backend:      backend,
		moniker:      moniker,
		agentID:      agentID,
		assetGroupID: assetGroupID,
		clock:        clk,
		logger:       svcfields.WithSubsystem(logger, "queue.stream"),
	}
}

func (q *streamQueue) prefix() string {
	return "queues/stream/" + q.agentID.String() + "/" + q.assetGroupID.String() + "/"
}

func (q *streamQueue) key(messageID string) string {
	return q.prefix() + messageID + ".json"
}

// Enqueue inserts cmd under a fresh message id.
func (q *streamQueue) Enqueue(ctx context.Context, cmd *pcq.Command) error {
	cmd.QueueStorage = pcq.QueueStorageStream
	payload, err := json.Marshal(&streamEntry{Command: *cmd})
	if err != nil {
		return fmt.Errorf("queue: encode command %s: %w", cmd.ID, err)
	}
	messageID := uuidv7.NewString()
	if _, err := q.backend.Put(ctx, q.key(messageID), payload, storage.PutOptions{IfNoneMatch: true}); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", cmd.ID, err)
	}
	return nil
}

// Pop scans for visible messages and re-leases each one it wins under a new
// pop receipt.
func (q *streamQueue) Pop(ctx context.Context, maxCount int, leaseDuration time.Duration) ([]*LeasedCommand, error) {
	infos, err := q.backend.List(ctx, q.prefix())
	if err != nil {
		return nil, fmt.Errorf("queue: list %s: %w", q.prefix(), err)
	}
	now := q.clock.Now()
	var popped []*LeasedCommand
	for _, info := range infos {
		if len(popped) >= maxCount {
			break
		}
		payload, etag, err := q.backend.Get(ctx, info.Key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("queue: load %s: %w", info.Key, err)
		}
		var entry streamEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			q.logger.Warn("queue.stream.undecodable_entry", "key", info.Key, "error", err)
			continue
		}
		if entry.Command.Leased(now) {
			continue
		}
		entry.Command.NextVisibleTime = now.Add(leaseDuration)
		entry.PopReceipt = uuidv7.NewString()
		updated, err := json.Marshal(&entry)
		if err != nil {
			return nil, fmt.Errorf("queue: encode %s: %w", entry.Command.ID, err)
		}
		if _, err := q.backend.Put(ctx, info.Key, updated, storage.PutOptions{IfMatch: etag}); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("queue: lease %s: %w", entry.Command.ID, err)
		}
		messageID := messageIDFromKey(info.Key, q.prefix())
		cmd := entry.Command
		popped = append(popped, &LeasedCommand{
			Command: &cmd,
			Receipt: q.receiptFor(&cmd, messageID, entry.PopReceipt),
		})
	}
	return popped, nil
}

func messageIDFromKey(key, prefix string) string {
	id := key[len(prefix):]
	if len(id) > len(".json") {
		id = id[:len(id)-len(".json")]
	}
	return id
}

func (q *streamQueue) receiptFor(cmd *pcq.Command, messageID, popReceipt string) *receipt.Receipt {
	return &receipt.Receipt{
		Version:          receipt.CurrentVersion,
		DatabaseMoniker:  q.moniker,
		CommandID:        cmd.ID,
		Token:            popReceipt,
		AssetGroupID:     cmd.AssetGroupID,
		AgentID:          cmd.AgentID,
		SubjectType:      cmd.Subject.Type,
		Expires:          cmd.NextVisibleTime,
		CommandType:      cmd.Type,
		CommandCreatedAt: cmd.CreatedAt,
		AssetGroupQual:   messageID,
		QueueStorage:     pcq.QueueStorageStream,
	}
}

// QueryCommand is not available for the stream class.
func (q *streamQueue) QueryCommand(context.Context, *receipt.Receipt) (*pcq.Command, error) {
	return nil, ErrQueryNotSupported
}

// load fetches the entry for a receipt and verifies its pop receipt.
func (q *streamQueue) load(ctx context.Context, r *receipt.Receipt) (string, *streamEntry, string, error) {
	key := q.key(r.AssetGroupQual)
	payload, etag, err := q.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil, "", ErrNotFound
		}
		return "", nil, "", fmt.Errorf("queue: load %s: %w", key, err)
	}
	var entry streamEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return "", nil, "", fmt.Errorf("queue: decode %s: %w", key, err)
	}
	if entry.PopReceipt != r.Token {
		return "", nil, "", ErrConflict
	}
	return key, &entry, etag, nil
}

// Replace applies ops onto the stored message under a fresh pop receipt.
func (q *streamQueue) Replace(ctx context.Context, r *receipt.Receipt, updated *pcq.Command, ops ReplaceOperations) (*receipt.Receipt, error) {
	key, entry, etag, err := q.load(ctx, r)
	if err != nil {
		return nil, err
	}
	if ops.Has(ReplaceCommandContent) {
		entry.Command.AgentState = updated.AgentState
		entry.Command.ClaimedVariants = updated.ClaimedVariants
	}
	if ops.Has(ReplaceLeaseExtension) {
		entry.Command.NextVisibleTime = updated.NextVisibleTime
	}
	entry.PopReceipt = uuidv7.NewString()
	encoded, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("queue: encode %s: %w", key, err)
	}
	if _, err := q.backend.Put(ctx, key, encoded, storage.PutOptions{IfMatch: etag}); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return nil, ErrConflict
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queue: replace %s: %w", key, err)
	}
	cmd := entry.Command
	return q.receiptFor(&cmd, r.AssetGroupQual, entry.PopReceipt), nil
}

// Delete removes the message after verifying the pop receipt.
func (q *streamQueue) Delete(ctx context.Context, r *receipt.Receipt) error {
	key, _, etag, err := q.load(ctx, r)
	if err != nil {
		return err
	}
	if err := q.backend.Delete(ctx, key, storage.DeleteOptions{IfMatch: etag}); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return ErrConflict
		}
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("queue: delete %s: %w", key, err)
	}
	return nil
}

// SupportsLeaseReceipt requires the message id qualifier, which only
// current-version receipts carry.
func (q *streamQueue) SupportsLeaseReceipt(r *receipt.Receipt) bool {
	return r != nil && r.Token != "" && r.AssetGroupQual != "" && r.HasQueueStorageKind()
}
