package transport

import (
	"net/http"

	"github.com/Fabric-Pro/fizzy-mcp/pkg/audit"
	"github.com/Fabric-Pro/fizzy-mcp/pkg/health"
	"github.com/Fabric-Pro/fizzy-mcp/pkg/security"
)

// TransportStreamable names the buffered request/response variant.
const TransportStreamable = "streamable-http"

// StreamableRouter serves the buffered transport. POST without a session ID
// creates a session; POST, GET, and DELETE with the ID in the
// Mcp-Session-Id header address an existing one.
type StreamableRouter struct {
	router
	endpoint   string
	healthPath string
	health     *health.Checker
}

// NewStreamableRouter creates the buffered-variant router.
func NewStreamableRouter(opts Options) *StreamableRouter {
	rt := &StreamableRouter{
		router:     newRouter(opts, TransportStreamable),
		endpoint:   opts.Endpoint,
		healthPath: opts.HealthPath,
	}
	if rt.endpoint == "" {
		rt.endpoint = DefaultEndpoint
	}
	if rt.healthPath == "" {
		rt.healthPath = DefaultHealthPath
	}
	rt.health = health.NewChecker(TransportStreamable, opts.Store)
	return rt
}

// ServeHTTP implements the per-request state machine: security decision,
// dispatch by path and method, session resolution, forward.
func (rt *StreamableRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == rt.healthPath {
		// Health bypasses client authentication; only the origin check
		// applies.
		d := security.ValidateOrigin(r, rt.policy)
		setCORSHeaders(w.Header(), d.CORSOrigin)
		if !d.Allowed {
			writeError(w, d.StatusCode, d.Err)
			return
		}
		rt.health.ServeHTTP(w, r)
		return
	}

	sessionID := r.Header.Get(SessionIDHeader)

	if r.URL.Path != rt.endpoint {
		d := security.ValidateOrigin(r, rt.policy)
		setCORSHeaders(w.Header(), d.CORSOrigin)
		if !d.Allowed {
			writeError(w, d.StatusCode, d.Err)
			return
		}
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}

	d := security.Validate(r, rt.policy, sessionID)
	setCORSHeaders(w.Header(), d.CORSOrigin)
	if !d.Allowed {
		writeError(w, d.StatusCode, d.Err)
		return
	}

	switch r.Method {
	case http.MethodOptions:
		writePreflight(w)

	case http.MethodPost:
		if sessionID != "" {
			if h, ok := rt.store.Get(sessionID); ok {
				rt.forward(w, r, h)
				return
			}
			// An unrecognized ID on POST starts a fresh session rather
			// than failing: the client's previous session may have been
			// swept while it was idle.
		}
		rt.createSession(w, r)

	case http.MethodGet, http.MethodDelete:
		if sessionID == "" {
			writeError(w, http.StatusBadRequest, msgMissingSessionID)
			return
		}
		h, ok := rt.store.Get(sessionID)
		if !ok {
			writeError(w, http.StatusNotFound, msgSessionNotFound)
			return
		}
		// The captured handler reference finishes this forward even if a
		// concurrent delete removes the session from the store.
		rt.forward(w, r, h)
		if r.Method == http.MethodDelete {
			rt.destroySession(r, sessionID, h)
		}

	default:
		writeError(w, http.StatusBadRequest, msgMethodNotAllowed)
	}
}

// createSession builds a handler for a new session and registers it under
// the ID the handler reports. At capacity the router refuses with a
// retryable 503 instead of evicting an existing session.
func (rt *StreamableRouter) createSession(w http.ResponseWriter, r *http.Request) {
	if rt.atCapacity() {
		writeError(w, http.StatusServiceUnavailable, msgCapacity)
		return
	}

	sw := &sessionIDWriter{ResponseWriter: w}

	var (
		h          Handler
		assignedID string
	)
	onAssigned := func(id string) {
		assignedID = id
		sw.sessionID = id
		if h != nil && !rt.registerSession(r, id, h) {
			// Registration lost the last slot mid-forward; don't hand the
			// client an ID that resolves to nothing.
			sw.sessionID = ""
		}
	}

	h, err := rt.factory(r, onAssigned)
	if err != nil {
		rt.logger.Error("creating session handler failed", "error", err)
		writeError(w, http.StatusInternalServerError, msgInternalError)
		return
	}
	if assignedID != "" {
		// The factory assigned during construction, before h was set.
		if !rt.registerSession(r, assignedID, h) {
			closeHandler(h)
			writeError(w, http.StatusServiceUnavailable, msgCapacity)
			return
		}
	}

	rt.forward(sw, r, h)
}

// registerSession installs the handler without evicting. The capacity
// pre-check in createSession is only a fast path; this re-check under the
// store's lock is what actually guarantees a racing create cannot push a
// live session out.
func (rt *StreamableRouter) registerSession(r *http.Request, id string, h Handler) bool {
	if !rt.store.TryCreate(id, h) {
		rt.logger.Warn("session slot taken during registration", "session_id", id)
		return false
	}
	rt.record(r, audit.ActionCreated, id, "")

	if cn, ok := h.(CloseNotifier); ok {
		cn.OnClose(func() {
			rt.destroySession(r, id, h)
		})
	}
	return true
}
