// Package cache keeps the last content each provider supplied for a form so a
// host re-attaching to a form can be served without another provider round trip.
package cache

import (
	"encoding/json"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultSize bounds the cache when the config leaves it unset.
const DefaultSize = 4096

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "formbroker_cache_hits_total",
		Help: "Content cache lookups that found an entry.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "formbroker_cache_misses_total",
		Help: "Content cache lookups that found nothing.",
	})
)

// Cache maps form id to serialized content. Safe for concurrent use.
type Cache struct {
	entries *lru.Cache[int64, json.RawMessage]
}

// New creates a cache holding at most size forms.
func New(size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	// lru.New only fails for a non-positive size.
	entries, _ := lru.New[int64, json.RawMessage](size)
	return &Cache{entries: entries}
}

// Put stores a copy of content for formID.
func (c *Cache) Put(formID int64, content json.RawMessage) {
	c.entries.Add(formID, slices.Clone(content))
}

// Get returns a copy of the cached content.
func (c *Cache) Get(formID int64) (json.RawMessage, bool) {
	v, ok := c.entries.Get(formID)
	if !ok {
		cacheMissesTotal.Inc()
		return nil, false
	}
	cacheHitsTotal.Inc()
	return slices.Clone(v), true
}

// Has reports presence without touching recency or metrics.
func (c *Cache) Has(formID int64) bool {
	return c.entries.Contains(formID)
}

// Delete drops the entry for formID.
func (c *Cache) Delete(formID int64) {
	c.entries.Remove(formID)
}

// Len returns the number of cached forms.
func (c *Cache) Len() int {
	return c.entries.Len()
}
