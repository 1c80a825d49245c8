package backend

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used by tests and by the embedded
// fallback path. It supports failure injection and a manual external-change
// trigger so lifecycle behavior can be exercised deterministically.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	quota    int64
	closed   bool
	readErr  error
	writeErr error
	watchers []func(changedKeys []string)
}

// NewMemoryStore creates an empty in-memory store. quotaBytes <= 0 means
// unlimited.
func NewMemoryStore(quotaBytes int64) *MemoryStore {
	return &MemoryStore{
		data:  make(map[string][]byte),
		quota: quotaBytes,
	}
}

// FailReads makes every subsequent Get/Usage return err (nil restores).
func (s *MemoryStore) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// FailWrites makes every subsequent Set/Remove/Clear return err (nil restores).
func (s *MemoryStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// InjectExternalChange simulates a write performed outside this protocol:
// the entries are stored and every watcher is notified.
func (s *MemoryStore) InjectExternalChange(entries map[string][]byte) {
	s.mu.Lock()
	keys := make([]string, 0, len(entries))
	for k, v := range entries {
		s.data[k] = append([]byte(nil), v...)
		keys = append(keys, k)
	}
	watchers := append(([]func([]string))(nil), s.watchers...)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(keys)
	}
}

func (s *MemoryStore) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.readErr != nil {
		return nil, s.readErr
	}

	out := make(map[string][]byte)
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, entries map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	if err := checkQuota(s.bytesUsedLocked(), s.quota, entries); err != nil {
		return err
	}

	for k, v := range entries {
		s.data[k] = append([]byte(nil), v...)
	}
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.writeErr != nil {
		return s.writeErr
	}

	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.writeErr != nil {
		return s.writeErr
	}

	s.data = make(map[string][]byte)
	return nil
}

func (s *MemoryStore) Usage(ctx context.Context) (Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Usage{}, ErrClosed
	}
	if s.readErr != nil {
		return Usage{}, s.readErr
	}
	return Usage{BytesUsed: s.bytesUsedLocked(), QuotaBytes: s.quota}, nil
}

func (s *MemoryStore) Watch(ctx context.Context, fn func(changedKeys []string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.watchers = append(s.watchers, fn)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.watchers = nil
	return nil
}

func (s *MemoryStore) bytesUsedLocked() int64 {
	var used int64
	for k, v := range s.data {
		used += int64(len(k) + len(v))
	}
	return used
}

// compile-time interface checks
var (
	_ Store   = (*MemoryStore)(nil)
	_ Watcher = (*MemoryStore)(nil)
)
