// Package cache provides a bounded conditional-request cache for the
// outbound Fizzy API client. Each entry pairs a validator token (ETag) with
// the payload it validated, so the client can attach the token to a
// conditional read and serve the cached payload on a not-modified response.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// Entry is one cached payload and the validator token that vouches for it.
type Entry struct {
	Key      string
	Token    string
	Payload  []byte
	StoredAt time.Time
}

// Cache is a key-to-entry store bounded by entry count and age. Entries are
// evicted in insertion order when the count bound is exceeded; expired
// entries become unreachable immediately and are removed lazily on read or
// eagerly by Cleanup. It is safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = oldest inserted
	maxEntries int
	maxAge     time.Duration

	// now is swapped out in tests.
	now func() time.Time
}

// New creates a Cache holding at most maxEntries entries, each valid for
// maxAge after it was stored.
func New(maxEntries int, maxAge time.Duration) *Cache {
	return &Cache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// Set inserts or overwrites the entry for key. Overwriting keeps the key's
// original insertion position; a new key that pushes the cache over its
// bound evicts the oldest-inserted entry.
func (c *Cache) Set(key, token string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &Entry{Key: key, Token: token, Payload: payload, StoredAt: c.now()}

	if el, ok := c.entries[key]; ok {
		el.Value = e
		return
	}

	c.entries[key] = c.order.PushBack(e)
	if c.order.Len() > c.maxEntries {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*Entry).Key)
	}
}

// Get returns the cached payload for key, or false if the key is unknown or
// the entry has outlived maxAge. Expired entries are removed.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.liveLocked(key)
	if !ok {
		return nil, false
	}
	return e.Payload, true
}

// Token returns the validator token for key under the same expiry rules as
// Get.
func (c *Cache) Token(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.liveLocked(key)
	if !ok {
		return "", false
	}
	return e.Token, true
}

// Invalidate removes the entry for key and reports whether one was present.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(key, el)
	return true
}

// InvalidatePrefix removes every entry whose key starts with prefix and
// returns the number removed.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(key, el)
			removed++
		}
	}
	return removed
}

// Cleanup removes every expired entry and returns the number removed. Use it
// for periodic maintenance; reads already apply expiry lazily.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, el := range c.entries {
		if c.expired(el.Value.(*Entry), now) {
			c.removeLocked(key, el)
			removed++
		}
	}
	return removed
}

// Len returns the number of physically held entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// liveLocked returns the entry for key if it exists and has not expired,
// removing it when it has. Callers must hold c.mu.
func (c *Cache) liveLocked(key string) (*Entry, bool) {
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*Entry)
	if c.expired(e, c.now()) {
		c.removeLocked(key, el)
		return nil, false
	}
	return e, true
}

func (c *Cache) removeLocked(key string, el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, key)
}

func (c *Cache) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.StoredAt) > c.maxAge
}
