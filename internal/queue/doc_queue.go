package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/pcfd/internal/clock"
	"pkt.systems/pcfd/internal/pcq"
	"pkt.systems/pcfd/internal/receipt"
	"pkt.systems/pcfd/internal/storage"
	"pkt.systems/pcfd/internal/svcfields"
)

// docQueue is the document-class queue: entries are keyed by command id, so
// point lookup, query-by-lease and conditional replace are all available.
// The receipt's storage qualifier is the entry's ETag.
type docQueue struct {
	backend      storage.Backend
	moniker      string
	agentID      pcq.AgentID
	assetGroupID pcq.AssetGroupID
	clock        clock.Clock
	logger       pslog.Logger
}

func newDocQueue(backend storage.Backend, moniker string, agentID pcq.AgentID, assetGroupID pcq.AssetGroupID, clk clock.Clock, logger pslog.Logger) *docQueue {
	return &docQueue{
		backend:      backend,
		moniker:      moniker,
		agentID:      agentID,
		assetGroupID: assetGroupID,
		clock:        clk,
		logger:       svcfields.WithSubsystem(logger, "queue.doc"),
	}
}

func (q *docQueue) prefix() string {
	return "queues/doc/" + q.agentID.String() + "/" + q.assetGroupID.String() + "/"
}

func (q *docQueue) key(subject pcq.SubjectType, cmdType pcq.CommandType, id pcq.CommandID) string {
	return q.prefix() + subject.String() + "/" + cmdType.String() + "/" + id.String() + ".json"
}

// Enqueue inserts cmd; duplicate command ids are rejected.
func (q *docQueue) Enqueue(ctx context.Context, cmd *pcq.Command) error {
	cmd.QueueStorage = pcq.QueueStorageDoc
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("queue: encode command %s: %w", cmd.ID, err)
	}
	key := q.key(cmd.Subject.Type, cmd.Type, cmd.ID)
	if _, err := q.backend.Put(ctx, key, payload, storage.PutOptions{IfNoneMatch: true}); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return fmt.Errorf("queue: command %s already enqueued", cmd.ID)
		}
		return fmt.Errorf("queue: enqueue %s: %w", cmd.ID, err)
	}
	return nil
}

// Pop scans the queue for visible entries and re-leases each one it wins.
func (q *docQueue) Pop(ctx context.Context, maxCount int, leaseDuration time.Duration) ([]*LeasedCommand, error) {
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
		var cmd pcq.Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			q.logger.Warn("queue.doc.undecodable_entry", "key", info.Key, "error", err)
			continue
		}
		if cmd.Leased(now) {
			continue
		}
		cmd.NextVisibleTime = now.Add(leaseDuration)
		updated, err := json.Marshal(&cmd)
		if err != nil {
			return nil, fmt.Errorf("queue: encode %s: %w", cmd.ID, err)
		}
		newETag, err := q.backend.Put(ctx, info.Key, updated, storage.PutOptions{IfMatch: etag})
		if err != nil {
			if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
				// Lost the race to a concurrent pop.
				continue
			}
			return nil, fmt.Errorf("queue: lease %s: %w", cmd.ID, err)
		}
		popped = append(popped, &LeasedCommand{
			Command: &cmd,
			Receipt: q.receiptFor(&cmd, newETag),
		})
	}
	return popped, nil
}

func (q *docQueue) receiptFor(cmd *pcq.Command, etag string) *receipt.Receipt {
	return &receipt.Receipt{
		Version:          receipt.CurrentVersion,
		DatabaseMoniker:  q.moniker,
		CommandID:        cmd.ID,
		Token:            etag,
		AssetGroupID:     cmd.AssetGroupID,
		AgentID:          cmd.AgentID,
		SubjectType:      cmd.Subject.Type,
		Expires:          cmd.NextVisibleTime,
		CommandType:      cmd.Type,
		CommandCreatedAt: cmd.CreatedAt,
		QueueStorage:     pcq.QueueStorageDoc,
	}
}

// resolveKey finds the storage key for a receipt. Current receipts carry
// subject and command type so the key is direct; older versions fall back
// to a prefix scan for the command id.
func (q *docQueue) resolveKey(ctx context.Context, r *receipt.Receipt) (string, error) {
	if r.SubjectType != pcq.SubjectTypeUnknown && r.CommandType != pcq.CommandTypeUnknown {
		return q.key(r.SubjectType, r.CommandType, r.CommandID), nil
	}
	infos, err := q.backend.List(ctx, q.prefix())
	if err != nil {
		return "", fmt.Errorf("queue: list %s: %w", q.prefix(), err)
	}
	suffix := "/" + r.CommandID.String() + ".json"
	for _, info := range infos {
		if strings.HasSuffix(info.Key, suffix) {
			return info.Key, nil
		}
	}
	return "", ErrNotFound
}

// QueryCommand reads the entry without mutating its lease.
func (q *docQueue) QueryCommand(ctx context.Context, r *receipt.Receipt) (*pcq.Command, error) {
	key, err := q.resolveKey(ctx, r)
	if err != nil {
		return nil, err
	}
	payload, _, err := q.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queue: load %s: %w", key, err)
	}
	var cmd pcq.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("queue: decode %s: %w", key, err)
	}
	return &cmd, nil
}

// Replace applies ops from updated onto the stored entry under the
// receipt's ETag, returning the successor receipt.
func (q *docQueue) Replace(ctx context.Context, r *receipt.Receipt, updated *pcq.Command, ops ReplaceOperations) (*receipt.Receipt, error) {
	key, err := q.resolveKey(ctx, r)
	if err != nil {
		return nil, err
	}
	payload, etag, err := q.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queue: load %s: %w", key, err)
	}
	if etag != r.Token {
		return nil, ErrConflict
	}
	var stored pcq.Command
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, fmt.Errorf("queue: decode %s: %w", key, err)
	}
	if ops.Has(ReplaceCommandContent) {
		stored.AgentState = updated.AgentState
		stored.ClaimedVariants = updated.ClaimedVariants
	}
	if ops.Has(ReplaceLeaseExtension) {
		stored.NextVisibleTime = updated.NextVisibleTime
	}
	encoded, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("queue: encode %s: %w", key, err)
	}
	newETag, err := q.backend.Put(ctx, key, encoded, storage.PutOptions{IfMatch: r.Token})
	if err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return nil, ErrConflict
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queue: replace %s: %w", key, err)
	}
	return q.receiptFor(&stored, newETag), nil
}

// Delete removes the entry under the receipt's ETag.
func (q *docQueue) Delete(ctx context.Context, r *receipt.Receipt) error {
	key, err := q.resolveKey(ctx, r)
	if err != nil {
		return err
	}
	if err := q.backend.Delete(ctx, key, storage.DeleteOptions{IfMatch: r.Token}); err != nil {
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

// SupportsLeaseReceipt accepts every receipt version for the doc class.
func (q *docQueue) SupportsLeaseReceipt(r *receipt.Receipt) bool {
	return r != nil && r.Token != ""
}
