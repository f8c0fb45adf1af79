package control

import (
	"sync"
	"time"
)

// idempotencyCache remembers the response of a completed POST /workers per
// X-Idempotency-Key, so a retried request replays the original outcome
// instead of hitting the duplicate-worker conflict.
type idempotencyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]idemEntry
}

type idemEntry struct {
	code    int
	body    []byte
	created time.Time
}

func newIdempotencyCache(ttl time.Duration) *idempotencyCache {
	return &idempotencyCache{
		ttl:     ttl,
		entries: make(map[string]idemEntry),
	}
}

func (c *idempotencyCache) get(key string) (int, []byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return 0, nil, false
	}
	if time.Since(e.created) > c.ttl {
		delete(c.entries, key)
		return 0, nil, false
	}
	return e.code, e.body, true
}

func (c *idempotencyCache) put(key string, code int, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	c.entries[key] = idemEntry{code: code, body: body, created: time.Now()}
}

// prune drops expired entries. Called with the lock held.
func (c *idempotencyCache) prune() {
	for key, e := range c.entries {
		if time.Since(e.created) > c.ttl {
			delete(c.entries, key)
		}
	}
}
