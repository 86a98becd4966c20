// Package transport routes inbound HTTP traffic onto per-session protocol
// handlers. Two router variants share the same session and security logic:
// StreamableRouter serves buffered request/response traffic with the session
// ID carried in a header, and SSERouter serves persistent event streams with
// the session ID carried as a query parameter. The inner protocol payload is
// opaque to both; they resolve or create the session, enforce the security
// policy, and hand the request to the session's handler.
package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/Fabric-Pro/fizzy-mcp/pkg/audit"
	"github.com/Fabric-Pro/fizzy-mcp/pkg/security"
	"github.com/Fabric-Pro/fizzy-mcp/pkg/session"
)

const (
	// SessionIDHeader carries the session ID on the buffered transport.
	// Header lookup is case-insensitive per net/http.
	SessionIDHeader = "Mcp-Session-Id"

	// SessionIDQueryParam carries the session ID on the stream transport.
	SessionIDQueryParam = "session_id"

	// DefaultEndpoint is the buffered transport's session endpoint.
	DefaultEndpoint = "/mcp"

	// DefaultSSEEndpoint is the stream transport's session endpoint.
	DefaultSSEEndpoint = "/sse"

	// DefaultMessageEndpoint receives client-to-server messages for
	// stream sessions.
	DefaultMessageEndpoint = "/messages"

	// DefaultHealthPath serves the liveness snapshot.
	DefaultHealthPath = "/health"
)

// Handler processes requests for one session. The session store owns the
// handler between registration and removal; a handler that also implements
// io.Closer is closed when its session is destroyed.
type Handler interface {
	Handle(w http.ResponseWriter, r *http.Request)
}

// CloseNotifier is implemented by handlers whose underlying transport can
// terminate on its own. The registered callback fires exactly once.
type CloseNotifier interface {
	OnClose(func())
}

// HandlerFactory creates the handler for a new session. Implementations
// must call onAssigned exactly once with the session's ID, either during
// construction or while handling the first request.
type HandlerFactory func(r *http.Request, onAssigned func(sessionID string)) (Handler, error)

// Options configures a router.
type Options struct {
	// Store registers per-session handlers. Required.
	Store *session.Store[Handler]

	// Factory constructs handlers for new sessions. Required.
	Factory HandlerFactory

	// Policy is applied to every request before dispatch.
	Policy security.Policy

	// Logger receives router diagnostics. Defaults to slog.Default.
	Logger *slog.Logger

	// Recorder receives session lifecycle events. Optional.
	Recorder audit.Recorder

	// Endpoint overrides the session endpoint path.
	Endpoint string

	// MessageEndpoint overrides the stream variant's message path.
	MessageEndpoint string

	// HealthPath overrides the health endpoint path.
	HealthPath string
}

// router holds the state shared by both variants.
type router struct {
	store     *session.Store[Handler]
	factory   HandlerFactory
	policy    security.Policy
	logger    *slog.Logger
	recorder  audit.Recorder
	transport string
}

func newRouter(opts Options, transport string) router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return router{
		store:     opts.Store,
		factory:   opts.Factory,
		policy:    opts.Policy,
		logger:    logger,
		recorder:  opts.Recorder,
		transport: transport,
	}
}

// atCapacity reports whether a new anonymous session must be refused. The
// router refuses with a retryable 503 instead of letting the store evict an
// existing session, so sustained connection churn cannot starve live users.
// This is a fast path that skips handler construction when the store is
// already full; the authoritative check is the non-evicting TryCreate at
// registration time.
func (rt *router) atCapacity() bool {
	stats := rt.store.Stats()
	return stats.ActiveSessions >= stats.MaxSessions
}

// forward hands the request to the handler, converting a panic into a
// generic 500 so internal detail never reaches the client.
func (rt *router) forward(w http.ResponseWriter, r *http.Request, h Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			rt.logger.Error("handler failure during forward",
				"transport", rt.transport, "path", r.URL.Path, "error", rec)
			writeError(w, http.StatusInternalServerError, msgInternalError)
		}
	}()
	h.Handle(w, r)
}

// destroySession removes the session if still present, closes its handler,
// and records the deletion. Destruction paths (explicit delete, connection
// close, store sweep) converge here or on the store's own eviction, and the
// store's Delete makes exactly one of them win.
func (rt *router) destroySession(r *http.Request, id string, h Handler) {
	if !rt.store.Delete(id) {
		return
	}
	closeHandler(h)
	rt.record(r, audit.ActionDeleted, id, "")
}

func (rt *router) record(r *http.Request, action audit.Action, sessionID, reason string) {
	if rt.recorder == nil {
		return
	}
	event := audit.NewEvent(action, sessionID).
		WithTransport(rt.transport).
		WithReason(reason)
	if r != nil {
		event = event.WithRemoteAddr(r.RemoteAddr)
	}
	// Lifecycle records outlive the request that triggered them; the close
	// hook in particular fires after the creating request's context ends.
	if err := rt.recorder.Record(context.Background(), event); err != nil {
		rt.logger.Warn("recording session event failed", "error", err)
	}
}

// EvictionRecorder adapts an audit recorder into the session store's
// eviction callback so limit and timeout evictions are recorded and the
// evicted handlers are closed.
func EvictionRecorder(transport string, recorder audit.Recorder, logger *slog.Logger) session.EvictFunc[Handler] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(id string, h Handler, reason session.EvictReason) {
		closeHandler(h)

		action := audit.ActionEvicted
		if reason == session.EvictReasonTimeout {
			action = audit.ActionExpired
		}
		logger.Info("session evicted", "session_id", id, "reason", string(reason))

		if recorder == nil {
			return
		}
		event := audit.NewEvent(action, id).
			WithTransport(transport).
			WithReason(string(reason))
		if err := recorder.Record(context.Background(), event); err != nil {
			logger.Warn("recording eviction failed", "error", err)
		}
	}
}

func closeHandler(h Handler) {
	if c, ok := h.(io.Closer); ok {
		_ = c.Close()
	}
}
