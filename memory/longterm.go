package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crewforge/crewforge/core"
	"github.com/google/uuid"
)

// DefaultArchiveAge is how old a long-term entry may grow before
// ArchiveOldMemories removes it.
const DefaultArchiveAge = 30 * 24 * time.Hour

// LongTermConfig configures a LongTermMemory.
type LongTermConfig struct {
	Namespace  string
	Storage    core.StoragePort
	ArchiveAge time.Duration
	TTL        time.Duration // per-entry storage TTL, 0 means none
	Logger     core.Logger
}

// LongTermMemory persists entries through a pluggable storage port under
// "<namespace>:item:<id>" keys. A word-level inverted index and a
// metadata-value index are held in memory and rebuilt from the store on
// initialization.
type LongTermMemory struct {
	mu         sync.RWMutex
	namespace  string
	storage    core.StoragePort
	archiveAge time.Duration
	ttl        time.Duration
	logger     core.Logger

	// wordIndex maps an index word to the entry ids containing it.
	wordIndex map[string]map[string]struct{}
	// metaIndex maps "key=value" of scalar metadata to entry ids.
	metaIndex map[string]map[string]struct{}
	// createdAt caches creation times for recency scoring without a load.
	createdAt map[string]time.Time
}

// NewLongTerm creates a LongTermMemory and rebuilds its indices from the
// storage port's existing keys.
func NewLongTerm(ctx context.Context, cfg LongTermConfig) (*LongTermMemory, error) {
	if cfg.Storage == nil {
		return nil, core.NewFrameworkError("memory.NewLongTerm", core.KindConfiguration, core.ErrMissingConfiguration)
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "crew"
	}
	archiveAge := cfg.ArchiveAge
	if archiveAge <= 0 {
		archiveAge = DefaultArchiveAge
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/memory")
	}

	m := &LongTermMemory{
		namespace:  namespace,
		storage:    cfg.Storage,
		archiveAge: archiveAge,
		ttl:        cfg.TTL,
		logger:     logger,
		wordIndex:  make(map[string]map[string]struct{}),
		metaIndex:  make(map[string]map[string]struct{}),
		createdAt:  make(map[string]time.Time),
	}
	if err := m.rebuildIndices(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *LongTermMemory) key(id string) string {
	return fmt.Sprintf("%s:item:%s", m.namespace, id)
}

func (m *LongTermMemory) rebuildIndices(ctx context.Context) error {
	keys, err := m.storage.Scan(ctx, m.namespace+":item:")
	if err != nil {
		return core.NewFrameworkError("memory.rebuildIndices", core.KindMemory, err)
	}
	for _, key := range keys {
		raw, err := m.storage.Get(ctx, key)
		if err != nil || raw == "" {
			continue
		}
		var entry core.MemoryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			m.logger.Warn("skipping unreadable long-term entry", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			continue
		}
		m.indexLocked(&entry)
	}
	return nil
}

// Save persists an entry and updates both indices. A missing id is
// generated; CreatedAt defaults to now.
func (m *LongTermMemory) Save(ctx context.Context, entry core.MemoryEntry) (*core.MemoryEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, core.NewFrameworkError("memory.LongTerm.Save", core.KindMemory, err).WithID(entry.ID)
	}
	if err := m.storage.Set(ctx, m.key(entry.ID), string(raw), m.ttl); err != nil {
		return nil, core.NewFrameworkError("memory.LongTerm.Save", core.KindMemory, err).WithID(entry.ID)
	}

	m.mu.Lock()
	m.unindexLocked(entry.ID)
	m.indexLocked(&entry)
	m.mu.Unlock()
	return &entry, nil
}

// Get loads one entry by id.
func (m *LongTermMemory) Get(ctx context.Context, id string) (*core.MemoryEntry, error) {
	raw, err := m.storage.Get(ctx, m.key(id))
	if err != nil {
		return nil, core.NewFrameworkError("memory.LongTerm.Get", core.KindMemory, err).WithID(id)
	}
	if raw == "" {
		return nil, core.NewFrameworkError("memory.LongTerm.Get", core.KindNotFound, core.ErrMemoryNotFound).WithID(id)
	}
	var entry core.MemoryEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, core.NewFrameworkError("memory.LongTerm.Get", core.KindMemory, err).WithID(id)
	}
	entry.LastAccessedAt = time.Now()
	entry.AccessCount++
	if rewritten, err := json.Marshal(entry); err == nil {
		_ = m.storage.Set(ctx, m.key(id), string(rewritten), m.ttl)
	}
	return &entry, nil
}

// Delete removes one entry and its index postings.
func (m *LongTermMemory) Delete(ctx context.Context, id string) error {
	if err := m.storage.Delete(ctx, m.key(id)); err != nil {
		return core.NewFrameworkError("memory.LongTerm.Delete", core.KindMemory, err).WithID(id)
	}
	m.mu.Lock()
	m.unindexLocked(id)
	m.mu.Unlock()
	return nil
}

// Clear removes every entry in this namespace.
func (m *LongTermMemory) Clear(ctx context.Context) error {
	keys, err := m.storage.Scan(ctx, m.namespace+":item:")
	if err != nil {
		return core.NewFrameworkError("memory.LongTerm.Clear", core.KindMemory, err)
	}
	for _, key := range keys {
		if err := m.storage.Delete(ctx, key); err != nil {
			return core.NewFrameworkError("memory.LongTerm.Clear", core.KindMemory, err)
		}
	}
	m.mu.Lock()
	m.wordIndex = make(map[string]map[string]struct{})
	m.metaIndex = make(map[string]map[string]struct{})
	m.createdAt = make(map[string]time.Time)
	m.mu.Unlock()
	return nil
}

// Len returns the number of indexed entries.
func (m *LongTermMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.createdAt)
}

// Search ranks stored entries. With a query, relevance is
// 0.7*query-word-recall + 0.3*recency; without one it is pure recency,
// max(0, 1 - age/archiveAge). Candidates are narrowed through the inverted
// index before any entry is loaded.
func (m *LongTermMemory) Search(ctx context.Context, query string, metadataFilter map[string]interface{}, limit int) ([]ScoredEntry, error) {
	queryWords := indexWords(query)
	candidates := m.candidateIDs(queryWords, metadataFilter)

	now := time.Now()
	results := make([]ScoredEntry, 0, len(candidates))
	for id := range candidates {
		entry, err := m.Get(ctx, id)
		if err != nil {
			continue
		}
		if !matchesMetadata(entry.Metadata, metadataFilter) {
			continue
		}
		recency := recencyScore(entry.CreatedAt, now, m.archiveAge)
		var score float64
		if len(queryWords) > 0 {
			score = 0.7*wordRecall(queryWords, entry.Content) + 0.3*recency
		} else {
			score = recency
		}
		results = append(results, ScoredEntry{Entry: *entry, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// candidateIDs collects ids matching any query word, or any metadata filter
// posting, or everything when neither narrows the space.
func (m *LongTermMemory) candidateIDs(queryWords map[string]struct{}, metadataFilter map[string]interface{}) map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	candidates := make(map[string]struct{})
	if len(queryWords) > 0 {
		for w := range queryWords {
			for id := range m.wordIndex[w] {
				candidates[id] = struct{}{}
			}
		}
		return candidates
	}
	if len(metadataFilter) > 0 {
		for k, v := range metadataFilter {
			for id := range m.metaIndex[metaPosting(k, v)] {
				candidates[id] = struct{}{}
			}
		}
		return candidates
	}
	for id := range m.createdAt {
		candidates[id] = struct{}{}
	}
	return candidates
}

// ArchiveOldMemories removes entries created before now - archiveAge and
// returns how many were removed.
func (m *LongTermMemory) ArchiveOldMemories(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.archiveAge)

	m.mu.RLock()
	victims := make([]string, 0)
	for id, created := range m.createdAt {
		if created.Before(cutoff) {
			victims = append(victims, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range victims {
		if err := m.Delete(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}

func (m *LongTermMemory) indexLocked(entry *core.MemoryEntry) {
	for w := range indexWords(entry.Content) {
		if m.wordIndex[w] == nil {
			m.wordIndex[w] = make(map[string]struct{})
		}
		m.wordIndex[w][entry.ID] = struct{}{}
	}
	for k, v := range entry.Metadata {
		posting := metaPosting(k, v)
		if m.metaIndex[posting] == nil {
			m.metaIndex[posting] = make(map[string]struct{})
		}
		m.metaIndex[posting][entry.ID] = struct{}{}
	}
	m.createdAt[entry.ID] = entry.CreatedAt
}

func (m *LongTermMemory) unindexLocked(id string) {
	for w, ids := range m.wordIndex {
		delete(ids, id)
		if len(ids) == 0 {
			delete(m.wordIndex, w)
		}
	}
	for posting, ids := range m.metaIndex {
		delete(ids, id)
		if len(ids) == 0 {
			delete(m.metaIndex, posting)
		}
	}
	delete(m.createdAt, id)
}

func metaPosting(key string, value interface{}) string {
	return fmt.Sprintf("%s=%v", strings.ToLower(key), value)
}

func matchesMetadata(metadata, filter map[string]interface{}) bool {
	if len(filter) == 0 {
		return true
	}
	if len(metadata) == 0 {
		return false
	}
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}
