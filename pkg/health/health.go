// Package health provides the HTTP health snapshot for the gateway.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/Fabric-Pro/fizzy-mcp/pkg/session"
)

// SessionCounter reports the live session population. The transport
// routers' session store satisfies it.
type SessionCounter interface {
	Stats() session.Stats
}

// Checker serves a point-in-time health snapshot derived from the session
// store.
type Checker struct {
	transport string
	counter   SessionCounter
}

// NewChecker creates a Checker for the named transport.
func NewChecker(transport string, counter SessionCounter) *Checker {
	return &Checker{transport: transport, counter: counter}
}

// healthResponse is the JSON body returned by the health endpoint.
type healthResponse struct {
	Status         string `json:"status"`
	Transport      string `json:"transport"`
	ActiveSessions int    `json:"activeSessions"`
	MaxSessions    int    `json:"maxSessions"`
}

// ServeHTTP responds 200 with the current snapshot, any method.
func (c *Checker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	stats := c.counter.Stats()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:         "ok",
		Transport:      c.transport,
		ActiveSessions: stats.ActiveSessions,
		MaxSessions:    stats.MaxSessions,
	})
}
