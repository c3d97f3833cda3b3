package generator

import (
	"net/http"
	"sync"
)

// HeaderCache remembers the most recent request headers seen per account.
type HeaderCache struct {
	mu      sync.RWMutex
	headers map[string]http.Header
	last    string
}

func NewHeaderCache() *HeaderCache {
	return &HeaderCache{headers: make(map[string]http.Header)}
}

// Remember stores a copy of h for accountID. Headers without a cookie are
// ignored since they cannot authenticate a reissue.
func (c *HeaderCache) Remember(accountID string, h http.Header) {
	if h.Get("Cookie") == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[accountID] = h.Clone()
	c.last = accountID
}

// Headers returns the headers for accountID, or the most recently
// remembered ones when accountID is blank.
func (c *HeaderCache) Headers(accountID string) (http.Header, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if accountID == "" {
		accountID = c.last
	}
	h, ok := c.headers[accountID]
	if !ok {
		return nil, false
	}
	return h.Clone(), true
}
