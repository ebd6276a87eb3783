package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"pkt.systems/pcfd/internal/agentmap"
	"pkt.systems/pcfd/internal/clock"
	"pkt.systems/pcfd/internal/pcq"
	"pkt.systems/pcfd/internal/queue"
	"pkt.systems/pcfd/internal/storage/memory"
)

var (
	agentID = uuid.MustParse("0190b5f8-9d30-7f7e-9ee3-00000000000a")
	groupID = uuid.MustParse("0190b5f8-9d30-7f7e-9ee3-00000000000b")
)

func newRouter(t *testing.T, clk clock.Clock) *queue.Router {
	t.Helper()
	r, err := queue.NewRouter(memory.New(), "test", queue.Config{}, clk, nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return r
}

func newCommand(cmdType pcq.CommandType, created time.Time) *pcq.Command {
	return &pcq.Command{
		ID:           uuid.Must(uuid.NewV7()),
		AgentID:      agentID,
		AssetGroupID: groupID,
		Subject:      pcq.Subject{Type: pcq.SubjectTypeMSA},
		Type:         cmdType,
		CreatedAt:    created,
	}
}

func TestDocQueuePopLeaseReplaceDelete(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	router := newRouter(t, clk)
	ctx := context.Background()

	cmd := newCommand(pcq.CommandTypeDelete, start.Add(-time.Hour))
	if err := router.Enqueue(ctx, cmd); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	agents := agentmap.New([]agentmap.AssetGroupInfo{{AgentID: agentID, AssetGroupID: groupID}})
	popped, err := router.GetCommands(ctx, agentID, agents, 0, 10)
	if err != nil {
		t.Fatalf("get commands: %v", err)
	}
	if len(popped) != 1 {
		t.Fatalf("expected 1 command, got %d", len(popped))
	}
	lc := popped[0]
	if lc.Receipt.CommandID != cmd.ID || lc.Receipt.Token == "" {
		t.Fatalf("bad receipt %+v", lc.Receipt)
	}
	if want := start.Add(queue.DefaultLeaseDuration); !lc.Command.NextVisibleTime.Equal(want) {
		t.Fatalf("default lease not applied: %v != %v", lc.Command.NextVisibleTime, want)
	}

	// Leased commands are invisible to subsequent pops.
	again, err := router.GetCommands(ctx, agentID, agents, 0, 10)
	if err != nil {
		t.Fatalf("second get commands: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("leased command must be invisible, got %d", len(again))
	}

	q := router.QueueFor(lc.Receipt)
	got, err := q.QueryCommand(ctx, lc.Receipt)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.ID != cmd.ID {
		t.Fatalf("query returned wrong command %s", got.ID)
	}

	// Replace under the live receipt succeeds and supersedes the token.
	updated := *got
	updated.AgentState = "checkpoint-1"
	updated.NextVisibleTime = start.Add(time.Hour)
	next, err := q.Replace(ctx, lc.Receipt, &updated, queue.ReplaceCommandContent|queue.ReplaceLeaseExtension)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if next.Token == lc.Receipt.Token {
		t.Fatal("replace must issue a new storage qualifier")
	}

	// The superseded receipt is single use.
	if _, err := q.Replace(ctx, lc.Receipt, &updated, queue.ReplaceLeaseExtension); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("stale receipt replace: expected conflict, got %v", err)
	}
	if err := q.Delete(ctx, lc.Receipt); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("stale receipt delete: expected conflict, got %v", err)
	}

	if err := q.Delete(ctx, next); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := q.Delete(ctx, next); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("delete of deleted entry: expected not found, got %v", err)
	}
	if _, err := q.QueryCommand(ctx, next); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("query of deleted entry: expected not found, got %v", err)
	}
}

func TestStreamQueueHasNoPointLookup(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	router := newRouter(t, clk)
	ctx := context.Background()

	cmd := newCommand(pcq.CommandTypeAgeOut, start.Add(-24*time.Hour))
	if err := router.Enqueue(ctx, cmd); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	agents := agentmap.New([]agentmap.AssetGroupInfo{{AgentID: agentID, AssetGroupID: groupID}})
	popped, err := router.GetCommands(ctx, agentID, agents, 0, 10)
	if err != nil {
		t.Fatalf("get commands: %v", err)
	}
	if len(popped) != 1 {
		t.Fatalf("expected 1 command, got %d", len(popped))
	}
	lc := popped[0]
	if lc.Receipt.QueueStorage != pcq.QueueStorageStream || lc.Receipt.AssetGroupQual == "" {
		t.Fatalf("stream receipt missing qualifier: %+v", lc.Receipt)
	}

	q := router.QueueFor(lc.Receipt)
	if _, err := q.QueryCommand(ctx, lc.Receipt); !errors.Is(err, queue.ErrQueryNotSupported) {
		t.Fatalf("expected query-not-supported, got %v", err)
	}
	if !q.SupportsLeaseReceipt(lc.Receipt) {
		t.Fatal("current-version stream receipt must be supported")
	}

	if err := q.Delete(ctx, lc.Receipt); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := q.Delete(ctx, lc.Receipt); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("second delete: expected not found, got %v", err)
	}
}

func TestStreamStaleReceiptConflicts(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	router := newRouter(t, clk)
	ctx := context.Background()
	agents := agentmap.New([]agentmap.AssetGroupInfo{{AgentID: agentID, AssetGroupID: groupID}})

	cmd := newCommand(pcq.CommandTypeAgeOut, start.Add(-24*time.Hour))
	if err := router.Enqueue(ctx, cmd); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := router.GetCommands(ctx, agentID, agents, time.Minute, 10)
	if err != nil || len(first) != 1 {
		t.Fatalf("first pop: %v (%d)", err, len(first))
	}

	// Let the lease lapse and pop again: a new pop receipt supersedes the old.
	clk.Advance(2 * time.Minute)
	second, err := router.GetCommands(ctx, agentID, agents, time.Minute, 10)
	if err != nil || len(second) != 1 {
		t.Fatalf("second pop: %v (%d)", err, len(second))
	}

	q := router.QueueFor(first[0].Receipt)
	if err := q.Delete(ctx, first[0].Receipt); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("stale pop receipt: expected conflict, got %v", err)
	}
	if err := q.Delete(ctx, second[0].Receipt); err != nil {
		t.Fatalf("live pop receipt delete: %v", err)
	}
}

func TestGetCommandsDrainsHighPriorityFirst(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	router := newRouter(t, clk)
	ctx := context.Background()

	lowGroup := uuid.MustParse("0190b5f8-9d30-7f7e-9ee3-00000000000c")
	agents := agentmap.New([]agentmap.AssetGroupInfo{
		{AgentID: agentID, AssetGroupID: groupID},
		{AgentID: agentID, AssetGroupID: lowGroup, LowPriorityQueueEligible: true},
	})

	highCmd := newCommand(pcq.CommandTypeDelete, start.Add(-time.Hour))
	lowCmd := newCommand(pcq.CommandTypeExport, start.Add(-time.Hour))
	lowCmd.AssetGroupID = lowGroup
	ageOut := newCommand(pcq.CommandTypeAgeOut, start.Add(-time.Hour))
	for _, cmd := range []*pcq.Command{highCmd, lowCmd, ageOut} {
		if err := router.Enqueue(ctx, cmd); err != nil {
			t.Fatalf("enqueue %s: %v", cmd.Type, err)
		}
	}

	// Asking for one command must return the high-priority one.
	popped, err := router.GetCommands(ctx, agentID, agents, 0, 1)
	if err != nil {
		t.Fatalf("get commands: %v", err)
	}
	if len(popped) != 1 || popped[0].Command.ID != highCmd.ID {
		t.Fatalf("expected high-priority command first, got %+v", popped)
	}

	// With room to spare, low-priority queues are drained too.
	rest, err := router.GetCommands(ctx, agentID, agents, 0, 10)
	if err != nil {
		t.Fatalf("get commands: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected remaining 2 commands, got %d", len(rest))
	}
}
