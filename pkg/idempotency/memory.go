package idempotency

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with TTL expiry and a hard cap on
// the number of entries retained, evicting the oldest entry once the
// cap is reached — sized for single-node deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string // insertion order, for eviction
	ttl     time.Duration
	maxSize int
}

type entry struct {
	tenantID string
	key      string
	record   Record
}

// NewMemoryStore creates an in-memory idempotency store. maxSize <= 0
// means unbounded.
func NewMemoryStore(ttl time.Duration, maxSize int) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*entry),
		ttl:     ttl,
		maxSize: maxSize,
	}
	go s.sweep()
	return s
}

func scopedKey(tenantID, key string) string { return tenantID + "\x00" + key }

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for k, e := range s.entries {
			if now.Sub(e.record.CachedAt) > s.ttl {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, tenantID, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[scopedKey(tenantID, key)]
	if !ok {
		return nil, nil
	}
	if time.Since(e.record.CachedAt) > s.ttl {
		delete(s.entries, scopedKey(tenantID, key))
		return nil, nil
	}
	rec := e.record
	return &rec, nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, tenantID, key, bodyHash string, statusCode int, headers http.Header, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sk := scopedKey(tenantID, key)
	if existing, ok := s.entries[sk]; ok {
		if existing.record.BodyHash != bodyHash {
			return ErrConflict
		}
		return nil
	}

	s.entries[sk] = &entry{
		tenantID: tenantID,
		key:      key,
		record: Record{
			BodyHash:   bodyHash,
			StatusCode: statusCode,
			Headers:    headers,
			Body:       body,
			CachedAt:   time.Now(),
		},
	}
	s.order = append(s.order, sk)

	if s.maxSize > 0 && len(s.entries) > s.maxSize {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, evict)
	}
	return nil
}
