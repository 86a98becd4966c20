// Package upstream provides the HTTP client for the Fizzy API. Reads go
// through a conditional cache: cached validator tokens are replayed as
// If-None-Match, a 304 answer is served from the cached payload, and
// successful mutations invalidate the resource and its parent collection.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Fabric-Pro/fizzy-mcp/pkg/cache"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the root of the Fizzy API. Required.
	BaseURL string

	// Token is sent as a bearer token on every request. Optional.
	Token string

	// Timeout bounds each request. Defaults to 30s.
	Timeout time.Duration

	// Cache holds conditional responses. Nil disables caching.
	Cache *cache.Cache

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client

	// Logger receives client diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// Client talks to the Fizzy API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	cache   *cache.Cache
	logger  *slog.Logger
}

// New creates a Fizzy API client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parsing upstream base URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    httpClient,
		cache:   cfg.Cache,
		logger:  logger,
	}, nil
}

// Get fetches a resource, using the conditional cache when possible.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	path = normalizePath(path)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if token, ok := c.cache.Token(path); ok {
			req.Header.Set("If-None-Match", token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if c.cache != nil {
			if payload, ok := c.cache.Get(path); ok {
				return payload, nil
			}
		}
		// The cached entry expired between sending the validator and the
		// answer arriving. Refetch unconditionally.
		c.logger.Debug("conditional response without cached payload", "path", path)
		return c.refetch(ctx, path)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response for %s: %w", path, err)
		}
		if c.cache != nil {
			if etag := resp.Header.Get("ETag"); etag != "" {
				c.cache.Set(path, etag, body)
			}
		}
		return body, nil

	default:
		return nil, c.statusError(resp, path)
	}
}

// refetch repeats a GET without the conditional header.
func (c *Client) refetch(ctx context.Context, path string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(resp, path)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response for %s: %w", path, err)
	}
	if c.cache != nil {
		if etag := resp.Header.Get("ETag"); etag != "" {
			c.cache.Set(path, etag, body)
		}
	}
	return body, nil
}

// Post creates a resource and invalidates the affected cache keys.
func (c *Client) Post(ctx context.Context, path string, body []byte) ([]byte, error) {
	return c.mutate(ctx, http.MethodPost, path, body)
}

// Put replaces a resource and invalidates the affected cache keys.
func (c *Client) Put(ctx context.Context, path string, body []byte) ([]byte, error) {
	return c.mutate(ctx, http.MethodPut, path, body)
}

// Delete removes a resource and invalidates the affected cache keys.
func (c *Client) Delete(ctx context.Context, path string) ([]byte, error) {
	return c.mutate(ctx, http.MethodDelete, path, nil)
}

func (c *Client) mutate(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	path = normalizePath(path)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(resp, path)
	}

	if c.cache != nil {
		c.cache.Invalidate(path)
		if parent := parentCollection(path); parent != "" {
			c.cache.Invalidate(parent)
		}
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response for %s: %w", path, err)
	}
	return out, nil
}

// normalizePath ensures a single canonical spelling of each resource path.
// Get and mutate apply it before building the request and before every
// cache operation, so "boards/7" and "/boards/7" share one cache entry and
// invalidate each other.
func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", path, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) statusError(resp *http.Response, path string) error {
	// Bounded read keeps upstream error bodies out of memory trouble.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("upstream %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

// parentCollection returns the collection key for a resource path, e.g.
// /boards/7/cards/12 belongs to /boards/7/cards. The root has no parent.
func parentCollection(path string) string {
	idx := strings.LastIndex(strings.TrimRight(path, "/"), "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}
