// Package session provides session management for the fizzy-mcp gateway.
// It defines a generic, capacity- and time-bounded Store that maps session
// IDs to per-session protocol handlers, with idle-timeout sweeping and
// oldest-activity eviction when the capacity limit is reached.
package session

import "time"

// EvictReason explains why the store removed a session on its own.
type EvictReason string

const (
	// EvictReasonLimit means the session was removed to make room for a
	// new one after the capacity limit was reached.
	EvictReasonLimit EvictReason = "limit"

	// EvictReasonTimeout means the session sat idle longer than the
	// configured timeout and was removed by a cleanup sweep.
	EvictReasonTimeout EvictReason = "timeout"
)

// EvictFunc is called once for every session the store removes on its own,
// after the session is gone from the store. It is never called for explicit
// Delete or Dispose.
type EvictFunc[H any] func(id string, handler H, reason EvictReason)

// Config configures a Store.
type Config[H any] struct {
	// MaxSessions caps the number of live sessions. Zero means the store
	// accepts no sessions at all.
	MaxSessions int

	// Timeout is how long a session may sit idle before a cleanup sweep
	// removes it.
	Timeout time.Duration

	// CleanupInterval is the period of the automatic sweep goroutine.
	// Zero disables automatic sweeping; Cleanup can still be called
	// manually.
	CleanupInterval time.Duration

	// OnEvict receives limit and timeout evictions.
	OnEvict EvictFunc[H]
}

// Stats is a point-in-time snapshot of the store.
type Stats struct {
	// ActiveSessions is the number of live sessions.
	ActiveSessions int

	// MaxSessions is the configured capacity.
	MaxSessions int

	// OldestSessionAge is the age of the oldest session by creation time.
	// Zero when the store is empty.
	OldestSessionAge time.Duration

	// AverageIdleTime is the mean time since last activity across all
	// sessions. Zero when the store is empty.
	AverageIdleTime time.Duration
}
