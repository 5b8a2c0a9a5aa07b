package pilot

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// StepCache memoizes normalized step outputs within and across executions
// of the same workflow. Keys combine step id, kind, and a fingerprint of
// the resolved parameters so a parameter change invalidates naturally.
type StepCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	maxSize int

	hits   int64
	misses int64
}

type cacheEntry struct {
	output    *StepOutput
	expiresAt time.Time
}

// CacheStats is a point-in-time snapshot of cache effectiveness.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

const (
	defaultCacheTTL     = 10 * time.Minute
	defaultCacheMaxSize = 500
)

// NewStepCache creates a cache with the given TTL and size bound. Zero
// values select defaults.
func NewStepCache(ttl time.Duration, maxSize int) *StepCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if maxSize <= 0 {
		maxSize = defaultCacheMaxSize
	}
	return &StepCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Fingerprint derives a stable key for a step and its resolved parameters.
// Map keys are sorted before hashing so logically equal parameter sets
// fingerprint identically.
func Fingerprint(step *WorkflowStep, params map[string]interface{}) string {
	h := xxhash.New()
	h.WriteString(step.ID)
	h.WriteString("|")
	h.WriteString(string(step.Type))
	h.WriteString("|")
	writeCanonical(h, params)
	return fmt.Sprintf("%s:%s:%016x", step.ID, step.Type, h.Sum64())
}

func writeCanonical(h *xxhash.Digest, value interface{}) {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		h.WriteString("{")
		for _, k := range keys {
			h.WriteString(k)
			h.WriteString("=")
			writeCanonical(h, v[k])
			h.WriteString(";")
		}
		h.WriteString("}")
	case []interface{}:
		h.WriteString("[")
		for _, item := range v {
			writeCanonical(h, item)
			h.WriteString(",")
		}
		h.WriteString("]")
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			h.WriteString(fmt.Sprintf("%v", v))
			return
		}
		h.Write(raw)
	}
}

// Get returns the cached output for the key, if fresh.
func (c *StepCache) Get(key string) (*StepOutput, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.hits++

	// Return a copy so callers cannot mutate the cached entry.
	out := *entry.output
	out.Metadata.Cached = true
	return &out, true
}

// Put stores a normalized output. When the cache is full, the entry
// closest to expiry is evicted first.
func (c *StepCache) Put(key string, output *StepOutput) {
	if output == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	stored := *output
	c.entries[key] = &cacheEntry{
		output:    &stored,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *StepCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.expiresAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Cleanup drops expired entries and returns how many were removed.
func (c *StepCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Clear empties the cache.
func (c *StepCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Stats returns current counters.
func (c *StepCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		Entries: len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
	}
}
