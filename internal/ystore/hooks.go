package ystore

import (
	"context"
	"time"

	"github.com/roach88/qstore/internal/checkpoint"
	"github.com/roach88/qstore/internal/eviction"
)

var (
	_ checkpoint.Tracker = (*Store)(nil)
	_ eviction.Evictor   = (*Store)(nil)
)

// BeginCompaction marks key as compacting and returns its last seq as the
// high-water mark. Appends that arrive afterwards land above it.
func (s *Store) BeginCompaction(key string) (int64, bool) {
	d := s.lookup(key)
	if d == nil {
		return 0, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateOpen || d.compacting || d.broken != nil || d.pending == 0 {
		return 0, false
	}

	s.mu.Lock()
	if _, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		return 0, false
	}
	s.inflight[key] = make(chan struct{})
	s.mu.Unlock()

	d.compacting = true
	return d.lastSeq, true
}

// EndCompaction clears the compacting mark set by BeginCompaction. On
// success only the records above highWater remain pending.
func (s *Store) EndCompaction(key string, highWater int64, err error) {
	s.mu.Lock()
	done := s.inflight[key]
	delete(s.inflight, key)
	d := s.docs[key]
	s.mu.Unlock()

	if d != nil {
		d.mu.Lock()
		if d.compacting {
			d.compacting = false
			if err == nil && d.lastSeq >= highWater {
				d.pending = d.lastSeq - highWater
			}
		}
		d.mu.Unlock()
	}
	if done != nil {
		close(done)
	}
}

func (s *Store) compactionInFlight(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[key]
	return ok
}

// waitCompaction blocks until no compaction of key is running.
func (s *Store) waitCompaction(ctx context.Context, key string) error {
	for {
		s.mu.Lock()
		done, ok := s.inflight[key]
		s.mu.Unlock()
		if !ok {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Evict releases key if it is open, idle since lastSeen and not being
// compacted. Documents of a non-persistent backend are deleted as well.
func (s *Store) Evict(ctx context.Context, key string, lastSeen time.Time) bool {
	d := s.lookup(key)
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateOpen || d.compacting {
		return false
	}
	if current, ok := s.evictions.LastActivity(key); ok && current.After(lastSeen) {
		return false
	}

	if !s.backend.Persistent() {
		if err := s.log.DeleteDocument(ctx, key); err != nil {
			s.logger.Warn("eviction deferred, delete failed", "doc", key, "error", err)
			return false
		}
	}

	d.state = StateEvicted
	s.remove(d)
	s.evictions.Forget(key)
	s.metrics.ObserveEviction()
	s.logger.Info("document evicted",
		"doc", key, "handle", d.id, "idle_since", lastSeen, "persistent", s.backend.Persistent())
	return true
}
