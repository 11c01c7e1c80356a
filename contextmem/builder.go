// Package contextmem aggregates the memory subsystem into one bounded
// context string for a task. Each memory source contributes a section; the
// builder fetches sources concurrently, assembles sections in a fixed
// order, and truncates to a length budget at a sentence or word boundary.
package contextmem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crewforge/crewforge/core"
	"github.com/crewforge/crewforge/memory"
)

// DefaultMaxContextLength bounds the assembled context string.
const DefaultMaxContextLength = 8000

// Section titles, in assembly order.
const (
	sectionRecent   = "Recent Insights"
	sectionHistory  = "Historical Data"
	sectionEntities = "Entities"
	sectionUser     = "User memories/preferences"
)

// UserMemorySource supplies per-user memories when the host application has
// them; the core has no user model of its own.
type UserMemorySource interface {
	Search(ctx context.Context, query string, limit int) ([]string, error)
}

// Config configures a Builder.
type Config struct {
	Memory           *memory.Manager
	UserMemory       UserMemorySource // optional
	MaxContextLength int
	ResultsPerSource int
	// Sequential disables the concurrent fan-out and queries sources one
	// after another. Latency becomes the sum of sources instead of the max.
	Sequential bool
	CacheSize  int
	CacheTTL   time.Duration
	Logger     core.Logger
}

// Builder builds contextual memory strings for tasks.
type Builder struct {
	mem       *memory.Manager
	user      UserMemorySource
	maxLength int
	perSource int
	parallel  bool
	cache     *core.LRUCache[string]
	cacheTTL  time.Duration
	logger    core.Logger
}

// New creates a Builder.
func New(cfg Config) *Builder {
	maxLength := cfg.MaxContextLength
	if maxLength <= 0 {
		maxLength = DefaultMaxContextLength
	}
	perSource := cfg.ResultsPerSource
	if perSource <= 0 {
		perSource = 5
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 64
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/contextmem")
	}
	return &Builder{
		mem:       cfg.Memory,
		user:      cfg.UserMemory,
		maxLength: maxLength,
		perSource: perSource,
		parallel:  !cfg.Sequential,
		cache:     core.NewLRUCache[string](cacheSize),
		cacheTTL:  cacheTTL,
		logger:    logger,
	}
}

type section struct {
	title string
	body  string
}

// Build aggregates every configured memory source for the task, using the
// task description as the query. Results are memoized per
// (task id, description).
func (b *Builder) Build(ctx context.Context, task *core.Task) (string, error) {
	if b.mem == nil {
		return "", nil
	}
	cacheK := task.ID + "|" + task.Description
	if cached, ok := b.cache.Get(cacheK); ok {
		return cached, nil
	}

	query := task.Description

	var recent, history, entities, user string
	fetchers := []func(){
		func() { recent = b.fetchRecent(query) },
		func() { history = b.fetchHistory(ctx, query) },
		func() { entities = b.fetchEntities(query) },
		func() { user = b.fetchUser(ctx, query) },
	}
	if b.parallel {
		var wg sync.WaitGroup
		for _, fetch := range fetchers {
			wg.Add(1)
			go func(f func()) {
				defer wg.Done()
				f()
			}(fetch)
		}
		wg.Wait()
	} else {
		for _, fetch := range fetchers {
			fetch()
		}
	}

	sections := []section{
		{sectionRecent, recent},
		{sectionHistory, history},
		{sectionEntities, entities},
		{sectionUser, user},
	}
	result := b.assemble(sections)
	b.cache.Set(cacheK, result, b.cacheTTL)
	return result, nil
}

// InvalidateCache drops memoized results, e.g. after a memory reset.
func (b *Builder) InvalidateCache() { b.cache.Clear() }

func (b *Builder) fetchRecent(query string) string {
	hits := b.mem.ShortTerm().Search(query, b.perSource)
	if len(hits) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, h := range hits {
		sb.WriteString("- ")
		sb.WriteString(h.Entry.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (b *Builder) fetchHistory(ctx context.Context, query string) string {
	lt := b.mem.LongTerm()
	if lt == nil {
		return ""
	}
	hits, err := lt.Search(ctx, query, nil, b.perSource)
	if err != nil {
		b.logger.Warn("long-term recall failed", map[string]interface{}{"error": err.Error()})
		return ""
	}
	var sb strings.Builder
	for _, h := range hits {
		// Prefer evaluator suggestions over raw content when present.
		if raw, ok := h.Entry.Metadata["suggestions"]; ok {
			if suggestions, ok := raw.([]interface{}); ok && len(suggestions) > 0 {
				for _, s := range suggestions {
					sb.WriteString(fmt.Sprintf("- %v\n", s))
				}
				continue
			}
		}
		sb.WriteString("- ")
		sb.WriteString(h.Entry.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatAttributes(attrs map[string]interface{}) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, attrs[k]))
	}
	return strings.Join(parts, ", ")
}

func (b *Builder) fetchEntities(query string) string {
	hits := b.mem.Entities().Search(query, b.perSource)
	if len(hits) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, e := range hits {
		sb.WriteString(fmt.Sprintf("- Entity: %s\n  Type: %s\n", e.Name, e.Type))
		if len(e.Attributes) > 0 {
			sb.WriteString(fmt.Sprintf("  Attributes: %s\n", formatAttributes(e.Attributes)))
		}
		if len(e.Relationships) > 0 {
			rels := make([]string, 0, len(e.Relationships))
			for _, r := range e.Relationships {
				rels = append(rels, fmt.Sprintf("%s -> %s", r.Relation, r.EntityID))
			}
			sb.WriteString("  Relationships: " + strings.Join(rels, ", ") + "\n")
		}
	}
	return sb.String()
}

func (b *Builder) fetchUser(ctx context.Context, query string) string {
	if b.user == nil {
		return ""
	}
	hits, err := b.user.Search(ctx, query, b.perSource)
	if err != nil {
		b.logger.Warn("user memory recall failed", map[string]interface{}{"error": err.Error()})
		return ""
	}
	var sb strings.Builder
	for _, h := range hits {
		sb.WriteString("- ")
		sb.WriteString(h)
		sb.WriteString("\n")
	}
	return sb.String()
}

// assemble joins non-empty sections in order. When the budget is exceeded,
// later sections are dropped entirely and the last kept section is
// truncated at a sentence boundary, falling back to a word boundary.
func (b *Builder) assemble(sections []section) string {
	var sb strings.Builder
	for _, sec := range sections {
		if sec.body == "" {
			continue
		}
		block := "# " + sec.title + "\n" + strings.TrimRight(sec.body, "\n")
		if sb.Len() == 0 {
			if len(block) > b.maxLength {
				return truncateAtBoundary(block, b.maxLength)
			}
			sb.WriteString(block)
			continue
		}
		if sb.Len()+2+len(block) > b.maxLength {
			remaining := b.maxLength - sb.Len() - 2
			// Not enough room for a meaningful fragment; drop the section.
			if remaining > len("# "+sec.title)+20 {
				sb.WriteString("\n\n")
				sb.WriteString(truncateAtBoundary(block, remaining))
			}
			break
		}
		sb.WriteString("\n\n")
		sb.WriteString(block)
	}
	return sb.String()
}

func truncateAtBoundary(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	if i := strings.LastIndexAny(cut, ".!?"); i > limit/2 {
		return cut[:i+1]
	}
	if i := strings.LastIndexAny(cut, " \n"); i > 0 {
		return strings.TrimRight(cut[:i], " \n")
	}
	return cut
}
