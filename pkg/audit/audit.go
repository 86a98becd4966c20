// Package audit records session lifecycle events: creations, deletions, and
// the store's own evictions. Recorders are injected where sessions change
// state; the default recorder writes structured logs and the postgres
// subpackage persists events for later querying.
package audit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"
)

// Action categorizes a session lifecycle event.
type Action string

const (
	// ActionCreated is recorded when a router registers a new session.
	ActionCreated Action = "created"

	// ActionDeleted is recorded for explicit client-driven termination or
	// connection close.
	ActionDeleted Action = "deleted"

	// ActionEvicted is recorded when the store removes a session to make
	// room for a new one.
	ActionEvicted Action = "evicted"

	// ActionExpired is recorded when an idle-timeout sweep removes a
	// session.
	ActionExpired Action = "expired"
)

// Event is one auditable session lifecycle event.
type Event struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"session_id"`
	Action     Action    `json:"action"`
	Transport  string    `json:"transport"`
	Reason     string    `json:"reason,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
}

// Recorder persists audit events.
type Recorder interface {
	// Record stores one event.
	Record(ctx context.Context, event Event) error

	// Close releases resources.
	Close() error
}

// NewEvent creates an event for the given action and session, stamped now.
func NewEvent(action Action, sessionID string) Event {
	return Event{
		ID:        generateEventID(),
		Timestamp: time.Now(),
		SessionID: sessionID,
		Action:    action,
	}
}

// WithTransport labels the event with the transport that produced it.
func (e Event) WithTransport(transport string) Event {
	e.Transport = transport
	return e
}

// WithReason attaches the store's eviction reason.
func (e Event) WithReason(reason string) Event {
	e.Reason = reason
	return e
}

// WithRemoteAddr attaches the client address.
func (e Event) WithRemoteAddr(addr string) Event {
	e.RemoteAddr = addr
	return e
}

// generateEventID generates a unique event ID.
func generateEventID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return base64.RawURLEncoding.EncodeToString(bytes)
}
