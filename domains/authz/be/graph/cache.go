package graph

import (
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheConfig tunes the query result cache. The cache is purely an
// optimization: disabling it changes latency, never answers.
type CacheConfig struct {
	Disabled bool
	Size     int
	TTL      time.Duration
}

// DefaultCacheConfig returns the standard 1024-entry, 60-second cache.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{Size: 1024, TTL: 60 * time.Second}
}

// queryCache memoizes query results in an expirable LRU. Invalidation is by
// epoch: every subject, object and capability carries a counter that is
// folded into the cache key, so bumping a counter orphans all entries that
// involve it without scanning the LRU.
type queryCache struct {
	disabled bool
	lru      *expirable.LRU[string, any]

	subjectEpochs    map[string]uint64
	capabilityEpochs map[string]uint64
}

func newQueryCache(cfg CacheConfig) *queryCache {
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	return &queryCache{
		disabled:         cfg.Disabled,
		lru:              expirable.NewLRU[string, any](cfg.Size, nil, cfg.TTL),
		subjectEpochs:    make(map[string]uint64),
		capabilityEpochs: make(map[string]uint64),
	}
}

func (c *queryCache) key(kind, subject, capability, object string) string {
	var b strings.Builder
	b.WriteString(kind)
	b.WriteByte('|')
	b.WriteString(subject)
	b.WriteByte('#')
	b.WriteString(strconv.FormatUint(c.subjectEpochs[subject], 10))
	b.WriteByte('|')
	b.WriteString(capability)
	b.WriteByte('#')
	b.WriteString(strconv.FormatUint(c.capabilityEpochs[capability], 10))
	if object != "" {
		b.WriteByte('|')
		b.WriteString(object)
		b.WriteByte('#')
		b.WriteString(strconv.FormatUint(c.subjectEpochs[object], 10))
	}
	return b.String()
}

func (c *queryCache) get(key string) (any, bool) {
	if c.disabled {
		return nil, false
	}
	return c.lru.Get(key)
}

func (c *queryCache) put(key string, value any) {
	if c.disabled {
		return
	}
	c.lru.Add(key, value)
}

// invalidate orphans every cached entry involving any of the given node ids
// or the capability. An empty capability invalidates nothing capability-wise.
func (c *queryCache) invalidate(nodes []string, capability string) {
	if c.disabled {
		return
	}
	for _, node := range nodes {
		c.subjectEpochs[node]++
	}
	if capability != "" {
		c.capabilityEpochs[capability]++
	}
}

// purge drops everything, used on schema change and full reloads.
func (c *queryCache) purge() {
	if c.disabled {
		return
	}
	c.lru.Purge()
	c.subjectEpochs = make(map[string]uint64)
	c.capabilityEpochs = make(map[string]uint64)
}
