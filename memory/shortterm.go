package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crewforge/crewforge/core"
	"github.com/google/uuid"
)

// DefaultShortTermCapacity bounds the short-term store when no capacity is
// configured.
const DefaultShortTermCapacity = 1000

// ShortTermConfig configures a ShortTermMemory.
type ShortTermConfig struct {
	Capacity int
	TTL      time.Duration
	// UseLRU selects least-recently-used eviction. When disabled, eviction
	// falls back to insertion order (oldest entry first); this is the
	// deterministic choice, not a random pick.
	UseLRU bool
}

// ShortTermMemory is a bounded store of recent MemoryEntry values with
// recency tracking and TTL-based pruning.
type ShortTermMemory struct {
	mu       sync.Mutex
	entries  map[string]*core.MemoryEntry
	order    []string // insertion order, oldest first
	capacity int
	ttl      time.Duration
	useLRU   bool
}

// NewShortTerm creates a ShortTermMemory.
func NewShortTerm(cfg ShortTermConfig) *ShortTermMemory {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultShortTermCapacity
	}
	return &ShortTermMemory{
		entries:  make(map[string]*core.MemoryEntry),
		capacity: capacity,
		ttl:      cfg.TTL,
		useLRU:   cfg.UseLRU,
	}
}

// Add stores an entry, evicting one entry first if the store is full. A
// missing id is generated; CreatedAt and LastAccessedAt default to now.
func (m *ShortTermMemory) Add(entry core.MemoryEntry) *core.MemoryEntry {
	now := time.Now()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastAccessedAt.IsZero() {
		entry.LastAccessedAt = now
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[entry.ID]; !exists && len(m.entries) >= m.capacity {
		m.evictLocked()
	}
	if _, exists := m.entries[entry.ID]; !exists {
		m.order = append(m.order, entry.ID)
	}
	stored := entry
	m.entries[entry.ID] = &stored
	return &stored
}

// Get returns an entry and touches its access time and count.
func (m *ShortTermMemory) Get(id string) (*core.MemoryEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	entry.LastAccessedAt = time.Now()
	entry.AccessCount++
	copied := *entry
	return &copied, true
}

// Delete removes an entry by id.
func (m *ShortTermMemory) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return false
	}
	delete(m.entries, id)
	m.removeFromOrderLocked(id)
	return true
}

// Len returns the current entry count.
func (m *ShortTermMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Clear drops every entry.
func (m *ShortTermMemory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*core.MemoryEntry)
	m.order = nil
}

// Entries returns a snapshot of all entries, newest first by creation time.
func (m *ShortTermMemory) Entries() []core.MemoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.MemoryEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ScoredEntry is one ranked recall hit.
type ScoredEntry struct {
	Entry core.MemoryEntry
	Score float64
}

// Search ranks entries against a query by word overlap and recency and
// returns the top limit hits. Matching entries have their access time and
// count touched, the same as Get.
func (m *ShortTermMemory) Search(query string, limit int) []ScoredEntry {
	queryWords := indexWords(query)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	results := make([]ScoredEntry, 0)
	for _, entry := range m.entries {
		score := 0.5*wordRecall(queryWords, entry.Content) + 0.5*recencyScore(entry.LastAccessedAt, now, time.Hour)
		if score <= 0 {
			continue
		}
		entry.LastAccessedAt = now
		entry.AccessCount++
		results = append(results, ScoredEntry{Entry: *entry, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// PruneExpired removes entries older than the configured TTL and returns
// how many were dropped. A zero TTL disables expiry.
func (m *ShortTermMemory) PruneExpired() int {
	if m.ttl <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, entry := range m.entries {
		if entry.CreatedAt.Before(cutoff) {
			delete(m.entries, id)
			m.removeFromOrderLocked(id)
			removed++
		}
	}
	return removed
}

func (m *ShortTermMemory) evictLocked() {
	if len(m.order) == 0 {
		return
	}
	victim := m.order[0]
	if m.useLRU {
		oldest := time.Now()
		for id, entry := range m.entries {
			if entry.LastAccessedAt.Before(oldest) {
				oldest = entry.LastAccessedAt
				victim = id
			}
		}
	}
	delete(m.entries, victim)
	m.removeFromOrderLocked(victim)
}

func (m *ShortTermMemory) removeFromOrderLocked(id string) {
	for i, x := range m.order {
		if x == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// indexWords lower-cases text and keeps words longer than two characters,
// the same tokenization the long-term inverted index uses.
func indexWords(text string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if len(w) > 2 {
			words[w] = struct{}{}
		}
	}
	return words
}

func wordRecall(queryWords map[string]struct{}, content string) float64 {
	if len(queryWords) == 0 {
		return 0
	}
	contentWords := indexWords(content)
	matched := 0
	for w := range queryWords {
		if _, ok := contentWords[w]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryWords))
}

func recencyScore(t, now time.Time, horizon time.Duration) float64 {
	age := now.Sub(t)
	if age <= 0 {
		return 1
	}
	if age >= horizon {
		return 0
	}
	return 1 - float64(age)/float64(horizon)
}
