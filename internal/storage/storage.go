// Package storage defines the object store contract the command queues and
// the history repository are built on. Backends expose ETag based optimistic
// concurrency: every write returns the new ETag, and callers hand the ETag
// they last saw back on the next conditional write or delete.
package storage

import (
	"context"
	"errors"
	"time"
)

// ContentTypeJSON is the content type used for all queue and history objects.
const ContentTypeJSON = "application/json"

var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("storage: object not found")
	// ErrCASMismatch is returned when a conditional write or delete loses the
	// optimistic concurrency race.
	ErrCASMismatch = errors.New("storage: etag mismatch")
)

// PutOptions controls conditional semantics for Put.
type PutOptions struct {
	// IfMatch, when non-empty, requires the stored object's ETag to equal it.
	IfMatch string
	// IfNoneMatch requires that no object exists under the key yet.
	IfNoneMatch bool
	// ContentType defaults to ContentTypeJSON when empty.
	ContentType string
}

// DeleteOptions controls conditional semantics for Delete.
type DeleteOptions struct {
	// IfMatch, when non-empty, requires the stored object's ETag to equal it.
	IfMatch string
	// IgnoreNotFound suppresses ErrNotFound for already-gone objects.
	IgnoreNotFound bool
}

// ObjectInfo describes one stored object as seen by List.
type ObjectInfo struct {
	Key      string
	ETag     string
	Size     int64
	Modified time.Time
}

// Backend is the slim object store surface shared by the memory, s3 and
// azure implementations.
type Backend interface {
	// Put stores data under key and returns the object's new ETag.
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (string, error)
	// Get returns the object's payload and current ETag.
	Get(ctx context.Context, key string) ([]byte, string, error)
	// Delete removes the object, honoring opts.IfMatch when set.
	Delete(ctx context.Context, key string, opts DeleteOptions) error
	// List enumerates objects under prefix in lexical key order.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Close releases resources held by the backend.
	Close() error
}
