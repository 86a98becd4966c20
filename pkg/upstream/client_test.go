package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fabric-Pro/fizzy-mcp/pkg/cache"
)

// fizzyStub mimics the conditional-request behavior of the Fizzy API for a
// single resource.
type fizzyStub struct {
	mu       sync.Mutex
	etag     string
	payload  string
	requests []*http.Request
}

func (s *fizzyStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.requests = append(s.requests, r.Clone(context.Background()))

		switch r.Method {
		case http.MethodGet:
			if r.Header.Get("If-None-Match") == s.etag && s.etag != "" {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", s.etag)
			_, _ = w.Write([]byte(s.payload))
		default:
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}
}

func (s *fizzyStub) lastRequest() *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func newTestClient(t *testing.T, handler http.Handler, c *cache.Cache) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(Config{
		BaseURL: srv.URL,
		Token:   "fizzy-token",
		Cache:   c,
	})
	require.NoError(t, err)
	return client
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestGetSendsBearerToken(t *testing.T) {
	stub := &fizzyStub{etag: `"v1"`, payload: `{"name":"board"}`}
	client := newTestClient(t, stub.handler(), nil)

	_, err := client.Get(context.Background(), "/boards/1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer fizzy-token", stub.lastRequest().Header.Get("Authorization"))
}

func TestGetConditionalFlow(t *testing.T) {
	stub := &fizzyStub{etag: `"v1"`, payload: `{"name":"board"}`}
	c := cache.New(10, time.Minute)
	client := newTestClient(t, stub.handler(), c)

	// First fetch: unconditional, payload stored under the returned ETag.
	body, err := client.Get(context.Background(), "/boards/1")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"board"}`, string(body))
	assert.Empty(t, stub.lastRequest().Header.Get("If-None-Match"))

	// Second fetch: validator replayed, 304 served from cache.
	body, err = client.Get(context.Background(), "/boards/1")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"board"}`, string(body))
	assert.Equal(t, `"v1"`, stub.lastRequest().Header.Get("If-None-Match"))
}

func TestGetUpdatedResourceReplacesCache(t *testing.T) {
	stub := &fizzyStub{etag: `"v1"`, payload: `{"rev":1}`}
	c := cache.New(10, time.Minute)
	client := newTestClient(t, stub.handler(), c)

	_, err := client.Get(context.Background(), "/boards/1")
	require.NoError(t, err)

	stub.mu.Lock()
	stub.etag = `"v2"`
	stub.payload = `{"rev":2}`
	stub.mu.Unlock()

	body, err := client.Get(context.Background(), "/boards/1")
	require.NoError(t, err)
	assert.Equal(t, `{"rev":2}`, string(body))

	token, ok := c.Token("/boards/1")
	require.True(t, ok)
	assert.Equal(t, `"v2"`, token)
}

func TestGetWithoutCache(t *testing.T) {
	stub := &fizzyStub{etag: `"v1"`, payload: `{}`}
	client := newTestClient(t, stub.handler(), nil)

	for range 2 {
		_, err := client.Get(context.Background(), "/boards/1")
		require.NoError(t, err)
	}
	assert.Empty(t, stub.lastRequest().Header.Get("If-None-Match"))
}

func TestGetRefetchesOnNotModifiedWithoutCachedPayload(t *testing.T) {
	// A 304 with nothing cached must not surface an error; the client
	// refetches without the validator and stores the fresh payload.
	var calls atomic.Int32
	srv := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v2"`)
		_, _ = w.Write([]byte(`{"name":"board"}`))
	})
	c := cache.New(10, time.Minute)
	client := newTestClient(t, srv, c)

	body, err := client.Get(context.Background(), "/boards/1")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"board"}`, string(body))
	assert.Equal(t, int32(2), calls.Load())

	token, ok := c.Token("/boards/1")
	require.True(t, ok)
	assert.Equal(t, `"v2"`, token)
}

func TestPathSpellingsShareOneCacheEntry(t *testing.T) {
	// "boards/1" and "/boards/1" name the same resource, so they must hit
	// the same cache entry and invalidate each other.
	stub := &fizzyStub{etag: `"v1"`, payload: `{"name":"board"}`}
	c := cache.New(10, time.Minute)
	client := newTestClient(t, stub.handler(), c)

	_, err := client.Get(context.Background(), "boards/1")
	require.NoError(t, err)

	_, err = client.Get(context.Background(), "/boards/1")
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, stub.lastRequest().Header.Get("If-None-Match"),
		"second spelling replays the first spelling's validator")
	assert.Equal(t, 1, c.Len())

	_, err = client.Put(context.Background(), "boards/1", []byte(`{"name":"renamed"}`))
	require.NoError(t, err)

	_, hit := c.Get("/boards/1")
	assert.False(t, hit, "mutation invalidates regardless of spelling")
}

func TestMutationInvalidatesResourceAndCollection(t *testing.T) {
	stub := &fizzyStub{etag: `"v1"`, payload: `[]`}
	c := cache.New(10, time.Minute)
	client := newTestClient(t, stub.handler(), c)

	c.Set("/boards/7/cards/12", `"a"`, []byte(`{}`))
	c.Set("/boards/7/cards", `"b"`, []byte(`[]`))
	c.Set("/boards/7", `"c"`, []byte(`{}`))

	_, err := client.Put(context.Background(), "/boards/7/cards/12", []byte(`{"title":"x"}`))
	require.NoError(t, err)

	_, hit := c.Get("/boards/7/cards/12")
	assert.False(t, hit, "mutated resource dropped")
	_, hit = c.Get("/boards/7/cards")
	assert.False(t, hit, "parent collection dropped")
	_, hit = c.Get("/boards/7")
	assert.True(t, hit, "unrelated ancestor kept")
}

func TestDeleteInvalidates(t *testing.T) {
	stub := &fizzyStub{}
	c := cache.New(10, time.Minute)
	client := newTestClient(t, stub.handler(), c)

	c.Set("/boards/7/cards/12", `"a"`, []byte(`{}`))

	_, err := client.Delete(context.Background(), "/boards/7/cards/12")
	require.NoError(t, err)

	_, hit := c.Get("/boards/7/cards/12")
	assert.False(t, hit)
	assert.Equal(t, http.MethodDelete, stub.lastRequest().Method)
}

func TestFailedMutationKeepsCache(t *testing.T) {
	srv := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusConflict)
	})
	c := cache.New(10, time.Minute)
	client := newTestClient(t, srv, c)

	c.Set("/boards/7/cards/12", `"a"`, []byte(`{}`))

	_, err := client.Post(context.Background(), "/boards/7/cards/12", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")

	_, hit := c.Get("/boards/7/cards/12")
	assert.True(t, hit, "failed mutation leaves the cache untouched")
}

func TestStatusErrorIncludesBodySnippet(t *testing.T) {
	srv := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "board is archived", http.StatusUnprocessableEntity)
	})
	client := newTestClient(t, srv, nil)

	_, err := client.Get(context.Background(), "/boards/1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "board is archived")
}

func TestParentCollection(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/boards/7/cards/12", "/boards/7/cards"},
		{"/boards/7", "/boards"},
		{"/boards", ""},
		{"/", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parentCollection(tt.path), tt.path)
	}
}
