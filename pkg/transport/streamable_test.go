package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fabric-Pro/fizzy-mcp/pkg/security"
	"github.com/Fabric-Pro/fizzy-mcp/pkg/session"
)

// fakeHandler records forwards and supports the optional close interfaces.
type fakeHandler struct {
	mu       sync.Mutex
	handled  int
	closed   bool
	onClose  func()
	handleFn func(w http.ResponseWriter, r *http.Request)
}

func (h *fakeHandler) Handle(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.handled++
	fn := h.handleFn
	h.mu.Unlock()

	if fn != nil {
		fn(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{}`)
}

func (h *fakeHandler) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandler) OnClose(fn func()) {
	h.mu.Lock()
	h.onClose = fn
	h.mu.Unlock()
}

func (h *fakeHandler) handledCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handled
}

func (h *fakeHandler) wasClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// assigningFactory returns a factory that assigns a fresh session ID during
// construction, the way the default handler factory does.
func assigningFactory(created *[]*fakeHandler) HandlerFactory {
	return func(_ *http.Request, onAssigned func(string)) (Handler, error) {
		h := &fakeHandler{}
		if created != nil {
			*created = append(*created, h)
		}
		onAssigned(uuid.NewString())
		return h, nil
	}
}

func newTestStreamable(t *testing.T, maxSessions int, policy security.Policy, factory HandlerFactory) (*StreamableRouter, *session.Store[Handler]) {
	t.Helper()
	store := session.NewStore(session.Config[Handler]{
		MaxSessions: maxSessions,
		Timeout:     time.Minute,
	})
	t.Cleanup(store.Dispose)

	if factory == nil {
		factory = assigningFactory(nil)
	}
	rt := NewStreamableRouter(Options{
		Store:   store,
		Factory: factory,
		Policy:  policy,
	})
	return rt, store
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestStreamableCreateSession(t *testing.T) {
	var created []*fakeHandler
	rt, store := newTestStreamable(t, 10, security.Policy{}, assigningFactory(&created))

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	sessionID := rec.Header().Get(SessionIDHeader)
	require.NotEmpty(t, sessionID, "assigned session ID is returned in the header")
	assert.True(t, store.Has(sessionID))
	require.Len(t, created, 1)
	assert.Equal(t, 1, created[0].handledCount())
}

func TestStreamableExistingSessionByHeader(t *testing.T) {
	rt, store := newTestStreamable(t, 10, security.Policy{}, nil)

	h := &fakeHandler{}
	require.True(t, store.Create("sess-1", h))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set(SessionIDHeader, "sess-1")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.handledCount())
	assert.Equal(t, 1, store.Stats().ActiveSessions, "no second session created")
}

func TestStreamableSessionIDHeaderCaseInsensitive(t *testing.T) {
	rt, store := newTestStreamable(t, 10, security.Policy{}, nil)

	h := &fakeHandler{}
	require.True(t, store.Create("sess-1", h))

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("mcp-session-id", "sess-1")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.handledCount())
}

func TestStreamableGetWithoutSessionID(t *testing.T) {
	rt, _ := newTestStreamable(t, 10, security.Policy{}, nil)

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing session id", decodeError(t, rec))
}

func TestStreamableUnknownSessionID(t *testing.T) {
	rt, _ := newTestStreamable(t, 10, security.Policy{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set(SessionIDHeader, "nope")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Session not found", decodeError(t, rec))
}

func TestStreamablePostUnknownIDCreatesFreshSession(t *testing.T) {
	rt, store := newTestStreamable(t, 10, security.Policy{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set(SessionIDHeader, "swept-away")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	newID := rec.Header().Get(SessionIDHeader)
	require.NotEmpty(t, newID)
	assert.NotEqual(t, "swept-away", newID)
	assert.True(t, store.Has(newID))
}

func TestStreamableDeleteSession(t *testing.T) {
	rt, store := newTestStreamable(t, 10, security.Policy{}, nil)

	h := &fakeHandler{}
	require.True(t, store.Create("sess-1", h))

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(SessionIDHeader, "sess-1")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.handledCount(), "DELETE is forwarded before removal")
	assert.False(t, store.Has("sess-1"))
	assert.True(t, h.wasClosed())
}

func TestStreamableCapacityBackpressure(t *testing.T) {
	// Two sessions fill the store; a third anonymous connect is refused
	// with a retry hint instead of evicting an existing session.
	rt, store := newTestStreamable(t, 2, security.Policy{}, nil)

	for i := range 2 {
		rec := httptest.NewRecorder()
		rt.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
		require.Equal(t, http.StatusOK, rec.Code, "create %d", i)
	}
	keysBefore := store.Keys()

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "Maximum concurrent sessions reached", decodeError(t, rec))
	assert.ElementsMatch(t, keysBefore, store.Keys(), "existing sessions untouched")
}

func TestStreamableConcurrentCreatesNeverEvict(t *testing.T) {
	// Two anonymous creates racing for the last free slot must resolve
	// into one new session and one refusal. The loser gets the 503; the
	// session that already held a slot is never evicted.
	var (
		mu        sync.Mutex
		evictions []string
	)
	store := session.NewStore(session.Config[Handler]{
		MaxSessions: 2,
		Timeout:     time.Minute,
		OnEvict: func(id string, _ Handler, reason session.EvictReason) {
			mu.Lock()
			evictions = append(evictions, id+"/"+string(reason))
			mu.Unlock()
		},
	})
	t.Cleanup(store.Dispose)

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	factory := func(_ *http.Request, onAssigned func(string)) (Handler, error) {
		// Hold both requests here until each has passed the capacity
		// fast path, then let them race to register.
		entered <- struct{}{}
		<-release
		onAssigned(uuid.NewString())
		return &fakeHandler{}, nil
	}
	rt := NewStreamableRouter(Options{Store: store, Factory: factory})

	require.True(t, store.Create("resident", &fakeHandler{}))

	var (
		codes [2]int
		wg    sync.WaitGroup
	)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			rt.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
			codes[i] = rec.Code
		}()
	}
	<-entered
	<-entered
	close(release)
	wg.Wait()

	assert.ElementsMatch(t, []int{http.StatusOK, http.StatusServiceUnavailable}, codes[:])
	assert.True(t, store.Has("resident"), "resident session survives the race")
	assert.Equal(t, 2, store.Stats().ActiveSessions)
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, evictions)
}

func TestStreamableZeroCapacity(t *testing.T) {
	rt, _ := newTestStreamable(t, 0, security.Policy{}, nil)

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStreamablePreflight(t *testing.T) {
	rt, _ := newTestStreamable(t, 10, security.Policy{}, nil)

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/mcp", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), SessionIDHeader)
	assert.Equal(t, SessionIDHeader, rec.Header().Get("Access-Control-Expose-Headers"))
}

func TestStreamableCORSOnEveryPath(t *testing.T) {
	rt, store := newTestStreamable(t, 10, security.Policy{}, nil)
	require.True(t, store.Create("sess-1", &fakeHandler{}))

	requests := []*http.Request{
		httptest.NewRequest(http.MethodPost, "/mcp", nil),
		httptest.NewRequest(http.MethodGet, "/mcp", nil),
		httptest.NewRequest(http.MethodGet, "/nope", nil),
		httptest.NewRequest(http.MethodGet, "/health", nil),
		httptest.NewRequest(http.MethodPut, "/mcp", nil),
	}
	for _, req := range requests {
		rec := httptest.NewRecorder()
		rt.ServeHTTP(rec, req)
		assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"),
			"%s %s carries CORS headers", req.Method, req.URL.Path)
	}
}

func TestStreamableHealth(t *testing.T) {
	rt, store := newTestStreamable(t, 5, security.Policy{}, nil)
	require.True(t, store.Create("sess-1", &fakeHandler{}))

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "streamable-http", body["transport"])
	assert.Equal(t, float64(1), body["activeSessions"])
	assert.Equal(t, float64(5), body["maxSessions"])
}

func TestStreamableHealthBypassesClientAuth(t *testing.T) {
	rt, _ := newTestStreamable(t, 10, security.Policy{AuthToken: "secret"}, nil)

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamableBearerAuth(t *testing.T) {
	rt, _ := newTestStreamable(t, 10, security.Policy{AuthToken: "secret"}, nil)

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.Header.Set("Authorization", "Bearer secret")
		rec := httptest.NewRecorder()
		rt.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("wrong token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		rec := httptest.NewRecorder()
		rt.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Invalid client authentication token", decodeError(t, rec))
	})
}

func TestStreamableOriginDenied(t *testing.T) {
	rt, _ := newTestStreamable(t, 10, security.Policy{AllowedOrigins: []string{"https://a.com"}}, nil)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Origin", "https://b.com")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Origin not allowed", decodeError(t, rec))
	assert.Equal(t, "https://a.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStreamableUnknownPath(t *testing.T) {
	rt, _ := newTestStreamable(t, 10, security.Policy{}, nil)

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamableUnsupportedMethod(t *testing.T) {
	rt, _ := newTestStreamable(t, 10, security.Policy{}, nil)

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/mcp", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Method not supported", decodeError(t, rec))
}

func TestStreamableHandlerPanicIsContained(t *testing.T) {
	rt, store := newTestStreamable(t, 10, security.Policy{}, nil)

	h := &fakeHandler{handleFn: func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	}}
	require.True(t, store.Create("sess-1", h))

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set(SessionIDHeader, "sess-1")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", decodeError(t, rec))
}

func TestStreamableFactoryError(t *testing.T) {
	factory := func(*http.Request, func(string)) (Handler, error) {
		return nil, fmt.Errorf("upstream unavailable")
	}
	rt, store := newTestStreamable(t, 10, security.Policy{}, factory)

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", decodeError(t, rec))
	assert.Equal(t, 0, store.Stats().ActiveSessions)
}

func TestStreamableCloseHookDeletesSession(t *testing.T) {
	var created []*fakeHandler
	rt, store := newTestStreamable(t, 10, security.Policy{}, assigningFactory(&created))

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
	sessionID := rec.Header().Get(SessionIDHeader)
	require.NotEmpty(t, sessionID)
	require.Len(t, created, 1)
	require.NotNil(t, created[0].onClose, "router registers the close hook")

	created[0].onClose()
	assert.False(t, store.Has(sessionID))
	assert.True(t, created[0].wasClosed())

	// Firing again must be harmless: the session is already gone.
	created[0].onClose()
}

func TestStreamableDeleteDoesNotCancelInFlightForward(t *testing.T) {
	rt, store := newTestStreamable(t, 10, security.Policy{}, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	h := &fakeHandler{handleFn: func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	}}
	require.True(t, store.Create("sess-1", h))

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
		req.Header.Set(SessionIDHeader, "sess-1")
		rec := httptest.NewRecorder()
		rt.ServeHTTP(rec, req)
		done <- rec
	}()

	<-entered
	require.True(t, store.Delete("sess-1"), "session deleted while forward is in flight")
	close(release)

	rec := <-done
	assert.Equal(t, http.StatusOK, rec.Code, "captured handler ran to completion")
}
