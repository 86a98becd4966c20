package transport

import (
	"net/http"

	"github.com/Fabric-Pro/fizzy-mcp/pkg/audit"
	"github.com/Fabric-Pro/fizzy-mcp/pkg/health"
	"github.com/Fabric-Pro/fizzy-mcp/pkg/security"
)

// TransportSSE names the persistent event-stream variant.
const TransportSSE = "sse"

// SSERouter serves the stream transport. GET on the session endpoint opens
// a persistent stream and creates the session; the message sub-endpoint
// addresses it with the session_id query parameter.
type SSERouter struct {
	router
	endpoint        string
	messageEndpoint string
	healthPath      string
	health          *health.Checker
}

// NewSSERouter creates the stream-variant router.
func NewSSERouter(opts Options) *SSERouter {
	rt := &SSERouter{
		router:          newRouter(opts, TransportSSE),
		endpoint:        opts.Endpoint,
		messageEndpoint: opts.MessageEndpoint,
		healthPath:      opts.HealthPath,
	}
	if rt.endpoint == "" {
		rt.endpoint = DefaultSSEEndpoint
	}
	if rt.messageEndpoint == "" {
		rt.messageEndpoint = DefaultMessageEndpoint
	}
	if rt.healthPath == "" {
		rt.healthPath = DefaultHealthPath
	}
	rt.health = health.NewChecker(TransportSSE, opts.Store)
	return rt
}

// ServeHTTP dispatches by path, then method, after the security decision.
func (rt *SSERouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == rt.healthPath {
		d := security.ValidateOrigin(r, rt.policy)
		setCORSHeaders(w.Header(), d.CORSOrigin)
		if !d.Allowed {
			writeError(w, d.StatusCode, d.Err)
			return
		}
		rt.health.ServeHTTP(w, r)
		return
	}

	sessionID := r.URL.Query().Get(SessionIDQueryParam)

	switch r.URL.Path {
	case rt.endpoint:
		d := security.Validate(r, rt.policy, sessionID)
		setCORSHeaders(w.Header(), d.CORSOrigin)
		if !d.Allowed {
			writeError(w, d.StatusCode, d.Err)
			return
		}
		rt.serveSessionEndpoint(w, r, sessionID)

	case rt.messageEndpoint:
		d := security.Validate(r, rt.policy, sessionID)
		setCORSHeaders(w.Header(), d.CORSOrigin)
		if !d.Allowed {
			writeError(w, d.StatusCode, d.Err)
			return
		}
		rt.serveMessageEndpoint(w, r, sessionID)

	default:
		d := security.ValidateOrigin(r, rt.policy)
		setCORSHeaders(w.Header(), d.CORSOrigin)
		if !d.Allowed {
			writeError(w, d.StatusCode, d.Err)
			return
		}
		writeError(w, http.StatusNotFound, msgNotFound)
	}
}

func (rt *SSERouter) serveSessionEndpoint(w http.ResponseWriter, r *http.Request, sessionID string) {
	switch r.Method {
	case http.MethodOptions:
		writePreflight(w)

	case http.MethodGet:
		rt.connect(w, r)

	case http.MethodDelete:
		if sessionID == "" {
			writeError(w, http.StatusBadRequest, msgMissingSessionID)
			return
		}
		h, ok := rt.store.Get(sessionID)
		if !ok {
			writeError(w, http.StatusNotFound, msgSessionNotFound)
			return
		}
		rt.forward(w, r, h)
		rt.destroySession(r, sessionID, h)

	default:
		writeError(w, http.StatusBadRequest, msgMethodNotAllowed)
	}
}

func (rt *SSERouter) serveMessageEndpoint(w http.ResponseWriter, r *http.Request, sessionID string) {
	switch r.Method {
	case http.MethodOptions:
		writePreflight(w)

	case http.MethodPost:
		if sessionID == "" {
			writeError(w, http.StatusBadRequest, msgMissingSessionID)
			return
		}
		h, ok := rt.store.Get(sessionID)
		if !ok {
			writeError(w, http.StatusNotFound, msgSessionNotFound)
			return
		}
		// The captured reference runs to completion even if the stream
		// disconnects and deletes the session mid-forward.
		rt.forward(w, r, h)

	default:
		writeError(w, http.StatusBadRequest, msgMethodNotAllowed)
	}
}

// connect opens a new stream session. The handler blocks in Handle for the
// lifetime of the connection; when it returns the connection is gone and
// the session is destroyed.
func (rt *SSERouter) connect(w http.ResponseWriter, r *http.Request) {
	if rt.atCapacity() {
		writeError(w, http.StatusServiceUnavailable, msgCapacity)
		return
	}

	var (
		h          Handler
		assignedID string
	)
	onAssigned := func(id string) {
		assignedID = id
		if h != nil {
			_ = rt.registerSession(r, id, h)
		}
	}

	h, err := rt.factory(r, onAssigned)
	if err != nil {
		rt.logger.Error("creating session handler failed", "error", err)
		writeError(w, http.StatusInternalServerError, msgInternalError)
		return
	}
	if assignedID != "" {
		if !rt.registerSession(r, assignedID, h) {
			closeHandler(h)
			writeError(w, http.StatusServiceUnavailable, msgCapacity)
			return
		}
	}

	rt.forward(w, r, h)

	if assignedID != "" {
		rt.destroySession(r, assignedID, h)
	}
}

// registerSession installs the handler without evicting. Like the buffered
// variant, the capacity pre-check in connect is only a fast path; the
// re-check under the store's lock is what keeps racing connects from
// pushing a live session out.
func (rt *SSERouter) registerSession(r *http.Request, id string, h Handler) bool {
	if !rt.store.TryCreate(id, h) {
		rt.logger.Warn("session slot taken during registration", "session_id", id)
		return false
	}
	rt.record(r, audit.ActionCreated, id, "")
	return true
}
