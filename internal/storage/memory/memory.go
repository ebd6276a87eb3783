// Package memory implements storage.Backend in process memory. It is the
// default backend for tests and local development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pcfd/internal/storage"
	"pkt.systems/pcfd/internal/uuidv7"
)

// Store is an in-memory storage.Backend with strict ETag semantics.
type Store struct {
	mu   sync.RWMutex
	objs map[string]*entry
}

type entry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{objs: make(map[string]*entry)}
}

// Put stores data under key, enforcing the conditional options, and returns
// the new ETag.
func (s *Store) Put(_ context.Context, key string, data []byte, opts storage.PutOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.objs[key]
	if opts.IfNoneMatch && exists {
		return "", storage.ErrCASMismatch
	}
	if opts.IfMatch != "" {
		if !exists {
			return "", storage.ErrNotFound
		}
		if cur.etag != opts.IfMatch {
			return "", storage.ErrCASMismatch
		}
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeJSON
	}
	e := &entry{
		payload:     append([]byte(nil), data...),
		etag:        uuidv7.NewString(),
		contentType: contentType,
		updated:     time.Now().UTC(),
	}
	s.objs[key] = e
	return e.etag, nil
}

// Get returns the payload and ETag for key.
func (s *Store) Get(_ context.Context, key string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.objs[key]
	if !ok {
		return nil, "", storage.ErrNotFound
	}
	return append([]byte(nil), e.payload...), e.etag, nil
}

// Delete removes key, honoring IfMatch and IgnoreNotFound.
func (s *Store) Delete(_ context.Context, key string, opts storage.DeleteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.objs[key]
	if !ok {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.IfMatch != "" && e.etag != opts.IfMatch {
		return storage.ErrCASMismatch
	}
	delete(s.objs, key)
	return nil
}

// List enumerates objects under prefix in lexical key order.
func (s *Store) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var infos []storage.ObjectInfo
	for key, e := range s.objs {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		infos = append(infos, storage.ObjectInfo{
			Key:      key,
			ETag:     e.etag,
			Size:     int64(len(e.payload)),
			Modified: e.updated,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Close satisfies storage.Backend.
func (s *Store) Close() error { return nil }
