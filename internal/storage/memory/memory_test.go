package memory_test

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/pcfd/internal/storage"
	"pkt.systems/pcfd/internal/storage/memory"
)

func TestConditionalPutAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()

	etag, err := store.Put(ctx, "queues/a/cmd.json", []byte(`{"n":1}`), storage.PutOptions{IfNoneMatch: true})
	if err != nil {
		t.Fatalf("initial put: %v", err)
	}
	if _, err := store.Put(ctx, "queues/a/cmd.json", []byte(`{}`), storage.PutOptions{IfNoneMatch: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on duplicate create, got %v", err)
	}
	if _, err := store.Put(ctx, "queues/a/cmd.json", []byte(`{"n":2}`), storage.PutOptions{IfMatch: "stale"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on stale etag, got %v", err)
	}
	next, err := store.Put(ctx, "queues/a/cmd.json", []byte(`{"n":2}`), storage.PutOptions{IfMatch: etag})
	if err != nil {
		t.Fatalf("conditional replace: %v", err)
	}
	if next == etag {
		t.Fatal("etag must change on every write")
	}

	if err := store.Delete(ctx, "queues/a/cmd.json", storage.DeleteOptions{IfMatch: etag}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected delete cas mismatch, got %v", err)
	}
	if err := store.Delete(ctx, "queues/a/cmd.json", storage.DeleteOptions{IfMatch: next}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "queues/a/cmd.json", storage.DeleteOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.Delete(ctx, "queues/a/cmd.json", storage.DeleteOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore-not-found delete: %v", err)
	}
}

func TestListIsPrefixScopedAndSorted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	for _, key := range []string{"queues/b/2.json", "queues/a/1.json", "history/x.json", "queues/a/0.json"} {
		if _, err := store.Put(ctx, key, []byte("{}"), storage.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	infos, err := store.List(ctx, "queues/a/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "queues/a/0.json" || infos[1].Key != "queues/a/1.json" {
		t.Fatalf("unexpected listing %+v", infos)
	}
}
