// File: internal/cache/cache.go
package cache

import (
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/iudex-br/sei-bridge/api/schemas"
)

// The compat config sorts map keys, which is what makes keys canonical.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Cache families group tool results so one write can invalidate every
// read it may have staled.
const (
	FamilySearch    = "search"
	FamilyDocuments = "documents"
	FamilyStatus    = "status"
)

type entry struct {
	value   *schemas.CallToolResult
	family  string
	expires time.Time
}

// ResultCache is a TTL cache for read-only tool results. All methods are
// safe for concurrent use.
type ResultCache struct {
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time

	hits   uint64
	misses uint64
}

// New creates an empty result cache.
func New(logger *zap.Logger) *ResultCache {
	return &ResultCache{
		logger:  logger.Named("ResultCache"),
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Key derives the canonical cache key for a tool call. The same logical
// arguments always produce the same key regardless of map iteration
// order.
func Key(tool string, args map[string]interface{}) (string, error) {
	if len(args) == 0 {
		return tool + "|{}", nil
	}
	canonical, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("canonicalizing arguments for %s: %w", tool, err)
	}
	return tool + "|" + string(canonical), nil
}

// Get returns the cached result for key if present and unexpired.
// Expired entries are dropped on read.
func (c *ResultCache) Get(key string) (*schemas.CallToolResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Put stores a result under key for ttl. Non-positive TTLs are ignored.
func (c *ResultCache) Put(key, family string, ttl time.Duration, value *schemas.CallToolResult) {
	if ttl <= 0 || value == nil {
		return
	}
	c.mu.Lock()
	c.entries[key] = entry{
		value:   value,
		family:  family,
		expires: c.now().Add(ttl),
	}
	c.mu.Unlock()
}

// InvalidateFamilies drops every entry belonging to any of the given
// families and reports how many were removed.
func (c *ResultCache) InvalidateFamilies(families ...string) int {
	if len(families) == 0 {
		return 0
	}
	targets := make(map[string]struct{}, len(families))
	for _, f := range families {
		targets[f] = struct{}{}
	}

	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if _, ok := targets[e.family]; ok {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("Invalidated cache families.",
			zap.Strings("families", families), zap.Int("removed", removed))
	}
	return removed
}

// Len returns the number of live entries, expired ones included until
// their next read.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cumulative hit and miss counters.
func (c *ResultCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// SetClock overrides the cache clock. Tests only.
func (c *ResultCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
