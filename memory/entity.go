package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/crewforge/crewforge/core"
	"github.com/google/uuid"
)

// EntityStoreConfig configures an EntityStore.
type EntityStoreConfig struct {
	// TrackSources appends a unique source id to an entity's Sources on
	// every addition when enabled.
	TrackSources bool
}

// EntityStore tracks named, typed entities and the directed relationship
// multigraph between them. Entities are keyed by normalized name into one
// index and by type into another.
type EntityStore struct {
	mu           sync.RWMutex
	byName       map[string]*core.Entity
	byType       map[string]map[string]struct{} // type -> normalized names
	trackSources bool
}

// NewEntityStore creates an EntityStore.
func NewEntityStore(cfg EntityStoreConfig) *EntityStore {
	return &EntityStore{
		byName:       make(map[string]*core.Entity),
		byType:       make(map[string]map[string]struct{}),
		trackSources: cfg.TrackSources,
	}
}

// AddOrUpdate upserts an entity by normalized name. Attributes merge over
// existing ones; the type index is kept consistent when the type changes.
func (s *EntityStore) AddOrUpdate(name, entityType string, attributes map[string]interface{}) *core.Entity {
	normalized := core.NormalizedName(name)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entity, exists := s.byName[normalized]
	if !exists {
		entity = &core.Entity{
			ID:         uuid.NewString(),
			Name:       name,
			Type:       entityType,
			Attributes: make(map[string]interface{}),
			CreatedAt:  now,
		}
		s.byName[normalized] = entity
	} else if entity.Type != entityType && entityType != "" {
		s.removeFromTypeIndexLocked(entity.Type, normalized)
		entity.Type = entityType
	}

	for k, v := range attributes {
		entity.Attributes[k] = v
	}
	entity.UpdatedAt = now
	entity.LastAccessedAt = now

	if s.byType[entity.Type] == nil {
		s.byType[entity.Type] = make(map[string]struct{})
	}
	s.byType[entity.Type][normalized] = struct{}{}

	if s.trackSources {
		entity.Sources = append(entity.Sources, uuid.NewString())
	}

	copied := *entity
	return &copied
}

// AddRelationship appends one directed edge out of the named entity. The
// relationship graph is a multigraph: repeated (relation, target) pairs are
// kept as distinct edges.
func (s *EntityStore) AddRelationship(fromName string, rel core.EntityRelationship) error {
	normalized := core.NormalizedName(fromName)

	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.byName[normalized]
	if !ok {
		return core.NewFrameworkError("memory.EntityStore.AddRelationship", core.KindNotFound, core.ErrEntityNotFound).WithID(fromName)
	}
	if rel.Confidence < 0 {
		rel.Confidence = 0
	} else if rel.Confidence > 1 {
		rel.Confidence = 1
	}
	entity.Relationships = append(entity.Relationships, rel)
	entity.UpdatedAt = time.Now()
	return nil
}

// Get looks an entity up by name and touches its access time.
func (s *EntityStore) Get(name string) (*core.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity, ok := s.byName[core.NormalizedName(name)]
	if !ok {
		return nil, false
	}
	entity.LastAccessedAt = time.Now()
	copied := *entity
	return &copied, true
}

// ByType returns every entity of the given type.
func (s *EntityStore) ByType(entityType string) []core.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Entity, 0)
	for normalized := range s.byType[entityType] {
		if entity, ok := s.byName[normalized]; ok {
			out = append(out, *entity)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Search ranks entities against a query by word overlap over their name,
// type, and attribute values.
func (s *EntityStore) Search(query string, limit int) []core.Entity {
	queryWords := indexWords(query)
	if len(queryWords) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		entity core.Entity
		score  float64
	}
	hits := make([]scored, 0)
	for _, entity := range s.byName {
		text := entity.Name + " " + entity.Type
		for _, v := range entity.Attributes {
			if str, ok := v.(string); ok {
				text += " " + str
			}
		}
		score := wordRecall(queryWords, text)
		if score > 0 {
			hits = append(hits, scored{entity: *entity, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]core.Entity, len(hits))
	for i, h := range hits {
		out[i] = h.entity
	}
	return out
}

// Delete removes an entity by name.
func (s *EntityStore) Delete(name string) bool {
	normalized := core.NormalizedName(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	entity, ok := s.byName[normalized]
	if !ok {
		return false
	}
	s.removeFromTypeIndexLocked(entity.Type, normalized)
	delete(s.byName, normalized)
	return true
}

// Len returns the number of stored entities.
func (s *EntityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byName)
}

// Clear drops every entity.
func (s *EntityStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byName = make(map[string]*core.Entity)
	s.byType = make(map[string]map[string]struct{})
}

func (s *EntityStore) removeFromTypeIndexLocked(entityType, normalized string) {
	if names, ok := s.byType[entityType]; ok {
		delete(names, normalized)
		if len(names) == 0 {
			delete(s.byType, entityType)
		}
	}
}
