package workqueue_test

import (
	"context"
	"testing"
	"time"

	"pkt.systems/pcfd/internal/clock"
	"pkt.systems/pcfd/internal/workqueue"
)

func TestJobRunsAfterDelay(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	w := workqueue.New(workqueue.Config{Clock: clk, Workers: 1})
	defer w.Close()

	ran := make(chan struct{})
	if err := w.Publish("test-delete", time.Minute, func(context.Context) error {
		close(ran)
		return nil
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-ran:
		t.Fatal("job ran before its delay elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	// The worker registers its timer asynchronously; advance until it fires.
	deadline := time.Now().Add(3 * time.Second)
	for {
		clk.Advance(2 * time.Minute)
		select {
		case <-ran:
			return
		case <-time.After(20 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("job never ran after advancing the clock")
		}
	}
}

func TestZeroDelayRunsImmediately(t *testing.T) {
	t.Parallel()

	w := workqueue.New(workqueue.Config{Workers: 1})
	defer w.Close()

	ran := make(chan struct{})
	if err := w.Publish("inline", 0, func(context.Context) error {
		close(ran)
		return nil
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("zero-delay job never ran")
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	t.Parallel()

	w := workqueue.New(workqueue.Config{Workers: 1})
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Publish("late", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected publish after close to fail")
	}
}
