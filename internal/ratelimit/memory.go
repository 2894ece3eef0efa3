package ratelimit

import (
	"context"
	"sync"
	"time"
)

type windowEntry struct {
	score  int64
	member string
}

// MemoryStore is a process-local CounterStore. Quotas are not shared across
// gateway instances, so it is only suitable for single-instance deployments
// and tests.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]windowEntry
	expiry  map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string][]windowEntry),
		expiry:  make(map[string]int64),
	}
}

func (s *MemoryStore) Admit(ctx context.Context, key string, windowStart, now int64, limit int, ttl time.Duration, member string) (AdmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deadline, ok := s.expiry[key]; ok && now > deadline {
		delete(s.windows, key)
		delete(s.expiry, key)
	}

	var live []windowEntry
	for _, e := range s.windows[key] {
		if e.score > windowStart {
			live = append(live, e)
		}
	}

	count := int64(len(live))
	allowed := count < int64(limit)
	if allowed {
		live = append(live, windowEntry{score: now, member: member})
		s.expiry[key] = now + int64(ttl/time.Second)
	}

	if len(live) == 0 {
		delete(s.windows, key)
	} else {
		s.windows[key] = live
	}

	var oldest int64
	for _, e := range live {
		if oldest == 0 || e.score < oldest {
			oldest = e.score
		}
	}
	return AdmitResult{Allowed: allowed, Count: count, Oldest: oldest}, nil
}

func (s *MemoryStore) Count(ctx context.Context, key string, windowStart int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, e := range s.windows[key] {
		if e.score > windowStart {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) OldestScore(ctx context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.windows[key]
	if len(entries) == 0 {
		return 0, false, nil
	}
	oldest := entries[0].score
	for _, e := range entries[1:] {
		if e.score < oldest {
			oldest = e.score
		}
	}
	return oldest, true, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
