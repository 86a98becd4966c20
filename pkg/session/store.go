package session

import (
	"context"
	"sync"
	"time"
)

// entry is the store's bookkeeping for one session. The handler is owned
// exclusively by the store between Create and removal.
type entry[H any] struct {
	handler      H
	createdAt    time.Time
	lastActiveAt time.Time
	seq          uint64
}

// Store is a generic keyed registry of per-session handlers with a capacity
// bound and idle-timeout sweeping. It is safe for concurrent use.
type Store[H any] struct {
	mu       sync.Mutex
	sessions map[string]*entry[H]
	cfg      Config[H]
	seq      uint64

	// now is swapped out in tests.
	now func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStore creates a Store. When cfg.CleanupInterval is greater than zero, a
// background sweep goroutine starts immediately; Dispose stops it.
func NewStore[H any](cfg Config[H]) *Store[H] {
	s := &Store[H]{
		sessions: make(map[string]*entry[H]),
		cfg:      cfg,
		now:      time.Now,
	}
	if cfg.CleanupInterval > 0 {
		s.startCleanupRoutine(cfg.CleanupInterval)
	}
	return s
}

// Create registers a handler under the given ID and reports whether it was
// accepted. At capacity it first evicts the session with the smallest
// last-activity time (ties broken by earliest insertion) and reports the
// eviction with reason "limit". A MaxSessions of zero rejects every create.
// Creating over an existing ID overwrites it.
func (s *Store[H]) Create(id string, handler H) bool {
	if s.cfg.MaxSessions == 0 {
		return false
	}

	var (
		victimID string
		victim   *entry[H]
	)

	s.mu.Lock()
	if _, exists := s.sessions[id]; !exists && len(s.sessions) >= s.cfg.MaxSessions {
		victimID, victim = s.oldestLocked()
		delete(s.sessions, victimID)
	}
	now := s.now()
	s.seq++
	s.sessions[id] = &entry[H]{
		handler:      handler,
		createdAt:    now,
		lastActiveAt: now,
		seq:          s.seq,
	}
	s.mu.Unlock()

	if victim != nil && s.cfg.OnEvict != nil {
		s.cfg.OnEvict(victimID, victim.handler, EvictReasonLimit)
	}
	return true
}

// TryCreate registers a handler under the given ID only when the store has
// room, and reports whether it was accepted. Unlike Create it never evicts:
// a full store refuses the new session instead. The check and the insert
// happen under one lock acquisition, so concurrent callers racing for the
// last slot cannot push a live session out. Creating over an existing ID
// overwrites it and always succeeds.
func (s *Store[H]) TryCreate(id string, handler H) bool {
	if s.cfg.MaxSessions == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; !exists && len(s.sessions) >= s.cfg.MaxSessions {
		return false
	}
	now := s.now()
	s.seq++
	s.sessions[id] = &entry[H]{
		handler:      handler,
		createdAt:    now,
		lastActiveAt: now,
		seq:          s.seq,
	}
	return true
}

// Get returns the handler for the given ID and refreshes its last-activity
// time.
func (s *Store[H]) Get(id string) (H, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		var zero H
		return zero, false
	}
	e.lastActiveAt = s.now()
	return e.handler, true
}

// Peek returns the handler without refreshing activity.
func (s *Store[H]) Peek(id string) (H, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		var zero H
		return zero, false
	}
	return e.handler, true
}

// Touch refreshes the last-activity time without returning the handler.
// It reports false when the ID is unknown.
func (s *Store[H]) Touch(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return false
	}
	e.lastActiveAt = s.now()
	return true
}

// Has reports whether the ID is live.
func (s *Store[H]) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[id]
	return ok
}

// Delete removes a session and reports whether anything was removed. The
// eviction callback does not fire for explicit deletes.
func (s *Store[H]) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

// Keys returns a point-in-time snapshot of live session IDs.
func (s *Store[H]) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		keys = append(keys, id)
	}
	return keys
}

// Cleanup removes every session idle longer than the configured timeout,
// reports each with reason "timeout", and returns the number removed.
func (s *Store[H]) Cleanup() int {
	s.mu.Lock()
	now := s.now()
	var (
		victimIDs      []string
		victimHandlers []H
	)
	for id, e := range s.sessions {
		if now.Sub(e.lastActiveAt) > s.cfg.Timeout {
			victimIDs = append(victimIDs, id)
			victimHandlers = append(victimHandlers, e.handler)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	if s.cfg.OnEvict != nil {
		for i, id := range victimIDs {
			s.cfg.OnEvict(id, victimHandlers[i], EvictReasonTimeout)
		}
	}
	return len(victimIDs)
}

// Stats returns a point-in-time snapshot of store metrics.
func (s *Store[H]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		ActiveSessions: len(s.sessions),
		MaxSessions:    s.cfg.MaxSessions,
	}
	if len(s.sessions) == 0 {
		return st
	}

	now := s.now()
	var totalIdle time.Duration
	for _, e := range s.sessions {
		if age := now.Sub(e.createdAt); age > st.OldestSessionAge {
			st.OldestSessionAge = age
		}
		totalIdle += now.Sub(e.lastActiveAt)
	}
	st.AverageIdleTime = totalIdle / time.Duration(len(s.sessions))
	return st
}

// Dispose stops the sweep goroutine and clears all sessions without firing
// eviction callbacks. The store must not be used afterwards.
func (s *Store[H]) Dispose() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}

	s.mu.Lock()
	s.sessions = make(map[string]*entry[H])
	s.mu.Unlock()
}

// oldestLocked returns the eviction victim: smallest last-activity time,
// ties broken by earliest insertion. Callers must hold s.mu.
func (s *Store[H]) oldestLocked() (string, *entry[H]) {
	var (
		victimID string
		victim   *entry[H]
	)
	for id, e := range s.sessions {
		if victim == nil ||
			e.lastActiveAt.Before(victim.lastActiveAt) ||
			(e.lastActiveAt.Equal(victim.lastActiveAt) && e.seq < victim.seq) {
			victimID, victim = id, e
		}
	}
	return victimID, victim
}

func (s *Store[H]) startCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Cleanup()
			}
		}
	}()
}
