package vectorstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/crewforge/crewforge/core"
)

const (
	// DefaultCacheSize bounds the query-result cache.
	DefaultCacheSize = 100
	// DefaultCacheTTL expires cached search results after one hour.
	DefaultCacheTTL = time.Hour
)

// queryCache memoizes search results. Any store mutation invalidates the
// whole cache; stale positives are worse than recomputing a search.
type queryCache struct {
	lru *core.LRUCache[[]SearchResult]
	ttl time.Duration
}

func newQueryCache(size int, ttl time.Duration) *queryCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &queryCache{lru: core.NewLRUCache[[]SearchResult](size), ttl: ttl}
}

func (c *queryCache) get(key string) ([]SearchResult, bool) {
	return c.lru.Get(key)
}

func (c *queryCache) put(key string, results []SearchResult) {
	c.lru.Set(key, results, c.ttl)
}

func (c *queryCache) invalidate() {
	c.lru.Clear()
}

// cacheKey builds a canonical key: queries lowercased, trimmed, and sorted;
// the limit; the filter JSON-encoded with recursively sorted keys; and the
// threshold. Two searches that differ only in query order, filter key order,
// or query whitespace/case share a key.
func cacheKey(queries []string, limit int, filter Filter, threshold float64) string {
	normalized := make([]string, len(queries))
	for i, q := range queries {
		normalized[i] = strings.ToLower(strings.TrimSpace(q))
	}
	sort.Strings(normalized)

	var sb strings.Builder
	sb.WriteString(strings.Join(normalized, "|"))
	sb.WriteString(fmt.Sprintf("|limit=%d", limit))
	sb.WriteString("|filter=")
	sb.WriteString(canonicalJSON(map[string]interface{}(filter)))
	sb.WriteString(fmt.Sprintf("|threshold=%g", threshold))

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:16])
}

// canonicalJSON encodes a value with all map keys recursively sorted.
// encoding/json already sorts map keys, so it suffices to re-nest any
// map values and let the encoder do the ordering.
func canonicalJSON(v interface{}) string {
	data, err := json.Marshal(sortKeys(v))
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func sortKeys(v interface{}) interface{} {
	switch m := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[k] = sortKeys(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(m))
		for i, val := range m {
			out[i] = sortKeys(val)
		}
		return out
	default:
		return v
	}
}
