package queue

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/pcfd/internal/agentmap"
	"pkt.systems/pcfd/internal/clock"
	"pkt.systems/pcfd/internal/pcq"
	"pkt.systems/pcfd/internal/receipt"
	"pkt.systems/pcfd/internal/storage"
)

// Router owns queue construction and fan-out: it resolves a lease receipt
// to the queue holding its entry and drains an agent's sub-queues by
// priority for getcommands.
type Router struct {
	backend storage.Backend
	moniker string
	cfg     Config
	clock   clock.Clock
	logger  pslog.Logger
}

// NewRouter builds a Router.
func NewRouter(backend storage.Backend, moniker string, cfg Config, clk clock.Clock, logger pslog.Logger) (*Router, error) {
	if backend == nil {
		return nil, fmt.Errorf("queue: backend is required")
	}
	if moniker == "" {
		moniker = "default"
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Router{
		backend: backend,
		moniker: moniker,
		cfg:     cfg.normalized(),
		clock:   clk,
		logger:  logger,
	}, nil
}

// Config returns the router's normalized configuration.
func (r *Router) Config() Config { return r.cfg }

// QueueFor resolves the queue holding the receipt's entry. Receipts from
// before the storage-kind floor default to the document class.
func (r *Router) QueueFor(rc *receipt.Receipt) Queue {
	if rc.HasQueueStorageKind() && rc.QueueStorage == pcq.QueueStorageStream {
		return newStreamQueue(r.backend, r.moniker, rc.AgentID, rc.AssetGroupID, r.clock, r.logger)
	}
	return newDocQueue(r.backend, r.moniker, rc.AgentID, rc.AssetGroupID, r.clock, r.logger)
}

// Enqueue routes a command to its queue class: AgeOut rides the stream
// class, everything else the document class.
func (r *Router) Enqueue(ctx context.Context, cmd *pcq.Command) error {
	if cmd.Type == pcq.CommandTypeAgeOut {
		return newStreamQueue(r.backend, r.moniker, cmd.AgentID, cmd.AssetGroupID, r.clock, r.logger).Enqueue(ctx, cmd)
	}
	return newDocQueue(r.backend, r.moniker, cmd.AgentID, cmd.AssetGroupID, r.clock, r.logger).Enqueue(ctx, cmd)
}

// GetCommands pops up to maxCount commands for agentID across its asset
// groups. High-priority sub-queues (document queues of production groups)
// are drained first; low-priority ones (low-priority-eligible groups and
// the AgeOut streams) are touched only after the high-priority budget has
// elapsed or high priority is exhausted.
func (r *Router) GetCommands(ctx context.Context, agentID pcq.AgentID, m *agentmap.Map, requestedLease time.Duration, maxCount int) ([]*LeasedCommand, error) {
	lease := r.cfg.leaseOrDefault(requestedLease)
	if maxCount <= 0 || maxCount > r.cfg.PopBatchSize {
		maxCount = r.cfg.PopBatchSize
	}

	groups := m.AssetGroups(agentID)
	var high, low []Queue
	for _, g := range groups {
		doc := newDocQueue(r.backend, r.moniker, g.AgentID, g.AssetGroupID, r.clock, r.logger)
		if g.LowPriorityQueueEligible {
			low = append(low, doc)
		} else {
			high = append(high, doc)
		}
		low = append(low, newStreamQueue(r.backend, r.moniker, g.AgentID, g.AssetGroupID, r.clock, r.logger))
	}

	started := r.clock.Now()
	popped, err := r.drain(ctx, high, maxCount, lease, func() bool {
		return r.clock.Now().Sub(started) >= r.cfg.HighPriorityBudget
	})
	if err != nil {
		return nil, err
	}
	if len(popped) < maxCount {
		rest, err := r.drain(ctx, low, maxCount-len(popped), lease, nil)
		if err != nil {
			return nil, err
		}
		popped = append(popped, rest...)
	}
	return popped, nil
}

// drain pops from queues in order until want commands are collected, the
// queues are exhausted, or budgetSpent reports the time budget is gone.
func (r *Router) drain(ctx context.Context, queues []Queue, want int, lease time.Duration, budgetSpent func() bool) ([]*LeasedCommand, error) {
	var collected []*LeasedCommand
	for _, q := range queues {
		if len(collected) >= want {
			break
		}
		if budgetSpent != nil && len(collected) > 0 && budgetSpent() {
			break
		}
		popped, err := q.Pop(ctx, want-len(collected), lease)
		if err != nil {
			return nil, err
		}
		collected = append(collected, popped...)
	}
	return collected, nil
}
