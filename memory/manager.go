// Package memory implements the tiered memory subsystem: a bounded
// short-term store, a storage-port-backed long-term store with inverted
// indices, an entity relationship store, and a manager that composes them
// over the vector store for similarity recall.
package memory

import (
	"context"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crewforge/crewforge/core"
	"github.com/crewforge/crewforge/vectorstore"
)

// PruneStrategy selects which entries a prune pass removes.
type PruneStrategy string

const (
	PruneLRU        PruneStrategy = "lru"
	PruneLFU        PruneStrategy = "lfu"
	PruneImportance PruneStrategy = "importance"
	PruneAge        PruneStrategy = "age"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Namespace string

	ShortTerm ShortTermConfig
	Storage   core.StoragePort // backs long-term memory; nil disables it
	LongTerm  LongTermConfig
	Entity    EntityStoreConfig

	Embedder core.Embedder

	// PruneStrategy, PruneThreshold and PruneRatio control capacity pruning
	// of short-term memory: when the entry count reaches the threshold,
	// ratio*N entries are removed per the strategy.
	PruneStrategy  PruneStrategy
	PruneThreshold int
	PruneRatio     float64

	// PruneSchedule is a cron spec (e.g. "@every 15m") for the background
	// TTL pruner and long-term archival sweep. Empty disables it.
	PruneSchedule string

	Logger core.Logger
}

// Manager owns the three memories and the vector store behind them. All
// state mutations are serialized inside each component; the Manager itself
// only composes.
type Manager struct {
	shortTerm *ShortTermMemory
	longTerm  *LongTermMemory // nil when no storage is configured
	entities  *EntityStore
	vectors   *vectorstore.Store

	bus    *eventBus
	cron   *cron.Cron
	logger core.Logger

	pruneStrategy  PruneStrategy
	pruneThreshold int
	pruneRatio     float64
}

// NewManager builds a Manager. Long-term memory is only enabled when a
// storage port is supplied.
func NewManager(ctx context.Context, cfg ManagerConfig) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/memory")
	}

	strategy := cfg.PruneStrategy
	if strategy == "" {
		strategy = PruneLRU
	}
	ratio := cfg.PruneRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.2
	}

	m := &Manager{
		shortTerm: NewShortTerm(cfg.ShortTerm),
		entities:  NewEntityStore(cfg.Entity),
		vectors: vectorstore.New(vectorstore.Config{
			Collection: cfg.Namespace,
			Embedder:   cfg.Embedder,
			Logger:     logger,
		}),
		bus:            newEventBus(logger),
		logger:         logger,
		pruneStrategy:  strategy,
		pruneThreshold: cfg.PruneThreshold,
		pruneRatio:     ratio,
	}

	if cfg.Storage != nil {
		ltCfg := cfg.LongTerm
		ltCfg.Storage = cfg.Storage
		if ltCfg.Namespace == "" {
			ltCfg.Namespace = cfg.Namespace
		}
		ltCfg.Logger = logger
		longTerm, err := NewLongTerm(ctx, ltCfg)
		if err != nil {
			return nil, err
		}
		m.longTerm = longTerm
	}

	if cfg.PruneSchedule != "" {
		m.cron = cron.New()
		if _, err := m.cron.AddFunc(cfg.PruneSchedule, m.backgroundSweep); err != nil {
			return nil, core.NewFrameworkError("memory.NewManager", core.KindConfiguration, err)
		}
		m.cron.Start()
	}
	return m, nil
}

// Close stops the background pruner.
func (m *Manager) Close() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

// Subscribe registers a synchronous event handler.
func (m *Manager) Subscribe(h EventHandler) { m.bus.subscribe(h) }

// SubscribeAsync registers an event handler run on its own goroutine.
func (m *Manager) SubscribeAsync(h EventHandler) { m.bus.subscribeAsync(h) }

// ShortTerm exposes the short-term store.
func (m *Manager) ShortTerm() *ShortTermMemory { return m.shortTerm }

// LongTerm exposes the long-term store; nil when disabled.
func (m *Manager) LongTerm() *LongTermMemory { return m.longTerm }

// Entities exposes the entity store.
func (m *Manager) Entities() *EntityStore { return m.entities }

// Vectors exposes the similarity store.
func (m *Manager) Vectors() *vectorstore.Store { return m.vectors }

// Add writes one entry into short-term memory and mirrors it into the
// vector store for similarity recall, then prunes if the capacity threshold
// was reached.
func (m *Manager) Add(ctx context.Context, entry core.MemoryEntry) (*core.MemoryEntry, error) {
	stored := m.shortTerm.Add(entry)

	chunk := core.KnowledgeChunk{
		ID:        stored.ID,
		Content:   stored.Content,
		Embedding: stored.Embedding,
		Metadata: map[string]interface{}{
			"type":   string(stored.Type),
			"source": stored.Source,
		},
	}
	if err := m.vectors.Add(ctx, chunk); err != nil {
		// Similarity recall degrades but the entry itself is stored.
		m.logger.Warn("vector mirror failed for memory entry", map[string]interface{}{
			"entry_id": stored.ID,
			"error":    err.Error(),
		})
	}

	m.bus.publish(Event{Kind: EventAdded, EntryID: stored.ID})

	if m.pruneThreshold > 0 && m.shortTerm.Len() >= m.pruneThreshold {
		m.Prune()
	}
	return stored, nil
}

// Persist writes one entry into long-term memory.
func (m *Manager) Persist(ctx context.Context, entry core.MemoryEntry) (*core.MemoryEntry, error) {
	if m.longTerm == nil {
		return nil, core.NewFrameworkError("memory.Manager.Persist", core.KindConfiguration, core.ErrMissingConfiguration)
	}
	stored, err := m.longTerm.Save(ctx, entry)
	if err != nil {
		return nil, err
	}
	m.bus.publish(Event{Kind: EventAdded, EntryID: stored.ID})
	return stored, nil
}

// Delete removes an entry from short-term memory and the vector store.
func (m *Manager) Delete(ctx context.Context, id string) {
	if m.shortTerm.Delete(id) {
		m.vectors.Delete([]string{id})
		m.bus.publish(Event{Kind: EventDeleted, EntryID: id})
	}
}

// Prune removes pruneRatio*N short-term entries per the configured strategy
// and returns how many were removed.
func (m *Manager) Prune() int {
	entries := m.shortTerm.Entries()
	n := int(float64(len(entries)) * m.pruneRatio)
	if n <= 0 {
		return 0
	}

	switch m.pruneStrategy {
	case PruneLFU:
		sort.Slice(entries, func(i, j int) bool { return entries[i].AccessCount < entries[j].AccessCount })
	case PruneImportance:
		sort.Slice(entries, func(i, j int) bool { return entries[i].Importance < entries[j].Importance })
	case PruneAge:
		sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	default: // PruneLRU
		sort.Slice(entries, func(i, j int) bool { return entries[i].LastAccessedAt.Before(entries[j].LastAccessedAt) })
	}

	removed := 0
	ids := make([]string, 0, n)
	for _, entry := range entries[:n] {
		if m.shortTerm.Delete(entry.ID) {
			ids = append(ids, entry.ID)
			removed++
		}
	}
	m.vectors.Delete(ids)
	m.bus.publish(Event{Kind: EventPruned, Count: removed, Strategy: string(m.pruneStrategy)})
	return removed
}

// Reset clears the selected memory kinds; no kinds means all of them.
func (m *Manager) Reset(ctx context.Context, kinds ...core.MemoryKind) error {
	if len(kinds) == 0 {
		kinds = []core.MemoryKind{core.MemoryShortTerm, core.MemoryLongTerm, core.MemoryEntity}
	}
	for _, kind := range kinds {
		switch kind {
		case core.MemoryShortTerm:
			m.shortTerm.Clear()
			m.vectors.Reset()
		case core.MemoryLongTerm:
			if m.longTerm != nil {
				if err := m.longTerm.Clear(ctx); err != nil {
					return err
				}
			}
		case core.MemoryEntity:
			m.entities.Clear()
		default:
			return core.NewFrameworkError("memory.Manager.Reset", core.KindValidation, core.ErrInvalidConfiguration).WithID(string(kind))
		}
	}
	return nil
}

// backgroundSweep is the cron-scheduled TTL pruner: it drops expired
// short-term entries and archives old long-term ones.
func (m *Manager) backgroundSweep() {
	if removed := m.shortTerm.PruneExpired(); removed > 0 {
		m.bus.publish(Event{Kind: EventPruned, Count: removed, Strategy: "ttl"})
	}
	if m.longTerm != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if archived, err := m.longTerm.ArchiveOldMemories(ctx); err != nil {
			m.logger.Warn("long-term archival sweep failed", map[string]interface{}{
				"error": err.Error(),
			})
		} else if archived > 0 {
			m.bus.publish(Event{Kind: EventPruned, Count: archived, Strategy: "age"})
		}
	}
}
