package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type memoryEntry struct {
	count  int
	start  time.Time
	window time.Duration
}

// MemoryStore keeps windows in process memory. Counters are lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) Take(_ context.Context, key string, max int, window time.Duration, now time.Time) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || now.Sub(e.start) >= window {
		e = &memoryEntry{start: now, window: window}
		s.entries[key] = e
	}

	if e.count >= max {
		return Window{Count: e.count, Start: e.start, Allowed: false}, nil
	}
	e.count++
	return Window{Count: e.count, Start: e.start, Allowed: true}, nil
}

// Sweep drops windows that lapsed more than staleAfter ago and returns how
// many were removed.
func (s *MemoryStore) Sweep(now time.Time, staleAfter time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if now.Sub(e.start.Add(e.window)) > staleAfter {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked windows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps on every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval, staleAfter time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.Sweep(time.Now(), staleAfter); n > 0 {
				logger.Debug("rate limit windows swept", zap.Int("removed", n))
			}
		case <-ctx.Done():
			logger.Info("rate limit sweeper stopped")
			return
		}
	}
}
