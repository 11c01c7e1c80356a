// Package vectorstore provides an in-memory knowledge-chunk store with
// cosine similarity search, metadata filtering, and a query-result LRU
// cache. It is the substrate the memory subsystem builds its similarity
// recall on.
package vectorstore

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crewforge/crewforge/core"
)

// DefaultThreshold is the minimum similarity score a search hit must reach.
const DefaultThreshold = 0.35

// SearchResult is one similarity hit.
type SearchResult struct {
	ID       string
	Context  string
	Metadata map[string]interface{}
	Score    float64
}

// Config configures a Store.
type Config struct {
	Collection string
	Embedder   core.Embedder
	CacheSize  int
	CacheTTL   time.Duration
	Logger     core.Logger
}

// Store is an in-memory map of id -> chunk with similarity search. All
// mutations are serialized; readers see a consistent snapshot per call.
type Store struct {
	mu         sync.RWMutex
	collection string
	chunks     map[string]core.KnowledgeChunk
	embedder   core.Embedder
	cache      *queryCache
	logger     core.Logger
}

var collectionSanitizer = regexp.MustCompile(`[^a-z0-9_-]+`)

// SanitizeCollectionName lower-cases a collection name and collapses every
// run of characters outside [a-z0-9_-] to a single underscore.
func SanitizeCollectionName(name string) string {
	return collectionSanitizer.ReplaceAllString(strings.ToLower(name), "_")
}

// New creates a Store. Without an embedder, a deterministic hash embedder is
// used so the store works offline.
func New(cfg Config) *Store {
	embedder := cfg.Embedder
	if embedder == nil {
		embedder = NewHashEmbedder(128, true)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/vectorstore")
	}
	return &Store{
		collection: SanitizeCollectionName(cfg.Collection),
		chunks:     make(map[string]core.KnowledgeChunk),
		embedder:   embedder,
		cache:      newQueryCache(cfg.CacheSize, cfg.CacheTTL),
		logger:     logger,
	}
}

// Collection returns the sanitized collection name.
func (s *Store) Collection() string { return s.collection }

// Add inserts or overwrites one chunk. A missing embedding is computed from
// the content via the embedder; a missing id becomes a deterministic
// content hash.
func (s *Store) Add(ctx context.Context, chunk core.KnowledgeChunk) error {
	if chunk.Embedding == nil && chunk.Content != "" {
		vec, err := s.embedder.Embed(ctx, chunk.Content)
		if err != nil {
			return core.NewFrameworkError("vectorstore.Add", core.KindMemory, err)
		}
		chunk.Embedding = vec
	}
	if chunk.ID == "" {
		chunk.ID = core.ContentHashID(chunk.Content)
	}

	s.mu.Lock()
	s.chunks[chunk.ID] = chunk
	s.mu.Unlock()
	s.cache.invalidate()
	return nil
}

// AddBatch inserts many chunks, batching embedding computation for those
// that need one.
func (s *Store) AddBatch(ctx context.Context, chunks []core.KnowledgeChunk) error {
	var missing []int
	var texts []string
	for i := range chunks {
		if chunks[i].Embedding == nil && chunks[i].Content != "" {
			missing = append(missing, i)
			texts = append(texts, chunks[i].Content)
		}
	}
	if len(missing) > 0 {
		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return core.NewFrameworkError("vectorstore.AddBatch", core.KindMemory, err)
		}
		for j, i := range missing {
			chunks[i].Embedding = vecs[j]
		}
	}

	s.mu.Lock()
	for i := range chunks {
		if chunks[i].ID == "" {
			chunks[i].ID = core.ContentHashID(chunks[i].Content)
		}
		s.chunks[chunks[i].ID] = chunks[i]
	}
	s.mu.Unlock()
	s.cache.invalidate()
	return nil
}

// Get returns the chunks for the given ids, skipping unknown ids.
func (s *Store) Get(ids []string) []core.KnowledgeChunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.KnowledgeChunk, 0, len(ids))
	for _, id := range ids {
		if chunk, ok := s.chunks[id]; ok {
			out = append(out, chunk)
		}
	}
	return out
}

// Delete removes the given ids, ignoring unknown ones.
func (s *Store) Delete(ids []string) {
	s.mu.Lock()
	for _, id := range ids {
		delete(s.chunks, id)
	}
	s.mu.Unlock()
	s.cache.invalidate()
}

// Reset drops every chunk. Reset is idempotent.
func (s *Store) Reset() {
	s.mu.Lock()
	s.chunks = make(map[string]core.KnowledgeChunk)
	s.mu.Unlock()
	s.cache.invalidate()
}

// Size returns the number of stored chunks.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Search embeds each query, scores every candidate that passes the metadata
// filter by its best similarity against any query, keeps scores at or above
// threshold, and returns the top limit hits sorted descending. limit <= 0
// means unlimited. An empty query list returns no results.
func (s *Store) Search(ctx context.Context, queries []string, limit int, filter Filter, threshold float64) ([]SearchResult, error) {
	if len(queries) == 0 {
		return []SearchResult{}, nil
	}
	if threshold == 0 {
		threshold = DefaultThreshold
	}

	key := cacheKey(queries, limit, filter, threshold)
	if cached, ok := s.cache.get(key); ok {
		return cached, nil
	}

	queryVecs := make([][]float32, 0, len(queries))
	for _, q := range queries {
		vec, err := s.embedder.Embed(ctx, q)
		if err != nil {
			return nil, core.NewFrameworkError("vectorstore.Search", core.KindMemory, err)
		}
		queryVecs = append(queryVecs, vec)
	}
	return s.searchByVectors(ctx, queryVecs, limit, filter, threshold, key)
}

// SearchByVectors scores candidates against pre-computed query embeddings.
func (s *Store) SearchByVectors(ctx context.Context, queryVecs [][]float32, limit int, filter Filter, threshold float64) ([]SearchResult, error) {
	if len(queryVecs) == 0 {
		return []SearchResult{}, nil
	}
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	return s.searchByVectors(ctx, queryVecs, limit, filter, threshold, "")
}

func (s *Store) searchByVectors(ctx context.Context, queryVecs [][]float32, limit int, filter Filter, threshold float64, cacheK string) ([]SearchResult, error) {
	s.mu.RLock()
	candidates := make([]core.KnowledgeChunk, 0, len(s.chunks))
	for _, chunk := range s.chunks {
		candidates = append(candidates, chunk)
	}
	s.mu.RUnlock()

	results := make([]SearchResult, 0)
	for _, chunk := range candidates {
		if chunk.Embedding == nil {
			continue
		}
		if !filter.Matches(chunk.Metadata) {
			continue
		}
		best := -1.0
		for _, qv := range queryVecs {
			score, ok := CosineSimilarity(qv, chunk.Embedding)
			if !ok {
				s.logger.Warn("embedding dimension mismatch, scoring 0", map[string]interface{}{
					"chunk_id":   chunk.ID,
					"chunk_dims": len(chunk.Embedding),
					"query_dims": len(qv),
				})
				score = 0
			}
			if score > best {
				best = score
			}
		}
		if best >= threshold {
			results = append(results, SearchResult{
				ID:       chunk.ID,
				Context:  chunk.Content,
				Metadata: chunk.Metadata,
				Score:    best,
			})
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	if cacheK != "" {
		s.cache.put(cacheK, results)
	}
	return results, nil
}
