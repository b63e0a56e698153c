package store

import (
	"context"
	"path"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"streamshare/work/types"
)

// MemoryStore implements SharedStore in process memory for single-worker
// deployments and tests. Atomicity comes from per-key Compute operations on
// the underlying concurrent map; expiry is enforced lazily on access plus a
// periodic janitor sweep.
type MemoryStore struct {
	entries *xsync.MapOf[string, memoryEntry]
	done    chan struct{}
}

type memoryEntry struct {
	value    []byte
	deadline time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && now.After(e.deadline)
}

// NewMemoryStore creates a memory-backed store and starts its expiry janitor.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: xsync.NewMapOf[string, memoryEntry](),
		done:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.entries.Range(func(key string, entry memoryEntry) bool {
				if entry.expired(now) {
					s.entries.Compute(key, func(cur memoryEntry, loaded bool) (memoryEntry, bool) {
						return cur, loaded && cur.expired(now)
					})
				}
				return true
			})
		}
	}
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	entry, ok := s.entries.Load(key)
	if !ok || entry.expired(time.Now()) {
		return nil, types.ErrNotFound
	}
	return entry.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.entries.Store(key, memoryEntry{value: value, deadline: deadline(ttl)})
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := time.Now()
	claimed := false
	s.entries.Compute(key, func(cur memoryEntry, loaded bool) (memoryEntry, bool) {
		if loaded && !cur.expired(now) {
			return cur, false
		}
		claimed = true
		return memoryEntry{value: value, deadline: deadline(ttl)}, false
	})
	return claimed, nil
}

func (s *MemoryStore) GetDel(_ context.Context, key string) ([]byte, error) {
	now := time.Now()
	var taken []byte
	found := false
	s.entries.Compute(key, func(cur memoryEntry, loaded bool) (memoryEntry, bool) {
		if !loaded || cur.expired(now) {
			return cur, loaded
		}
		taken = cur.value
		found = true
		return cur, true // delete
	})
	if !found {
		return nil, types.ErrNotFound
	}
	return taken, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		s.entries.Delete(key)
	}
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	now := time.Now()
	s.entries.Compute(key, func(cur memoryEntry, loaded bool) (memoryEntry, bool) {
		if !loaded || cur.expired(now) {
			return cur, loaded
		}
		return memoryEntry{value: cur.value, deadline: deadline(ttl)}, false
	})
	return nil
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	now := time.Now()
	var result int64
	s.entries.Compute(key, func(cur memoryEntry, loaded bool) (memoryEntry, bool) {
		var current int64
		keep := cur.deadline
		if loaded && !cur.expired(now) {
			current, _ = strconv.ParseInt(string(cur.value), 10, 64)
		} else {
			keep = time.Time{}
		}
		result = current + delta
		return memoryEntry{value: []byte(strconv.FormatInt(result, 10)), deadline: keep}, false
	})
	return result, nil
}

func (s *MemoryStore) GetInt(ctx context.Context, key string) (int64, error) {
	val, err := s.Get(ctx, key)
	if err != nil {
		return 0, nil
	}
	n, _ := strconv.ParseInt(string(val), 10, 64)
	return n, nil
}

func (s *MemoryStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, key := range keys {
		if val, err := s.Get(ctx, key); err == nil {
			out[i] = val
		}
	}
	return out, nil
}

func (s *MemoryStore) Scan(_ context.Context, pattern string) ([]string, error) {
	now := time.Now()
	var keys []string
	s.entries.Range(func(key string, entry memoryEntry) bool {
		if entry.expired(now) {
			return true
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
		return true
	})
	return keys, nil
}

func (s *MemoryStore) Close() error {
	close(s.done)
	return nil
}
