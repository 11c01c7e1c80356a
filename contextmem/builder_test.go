package contextmem

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/crewforge/crewforge/core"
	"github.com/crewforge/crewforge/memory"
)

func newManager(t *testing.T) *memory.Manager {
	t.Helper()
	m, err := memory.NewManager(context.Background(), memory.ManagerConfig{
		Namespace: "ctx-test",
		Storage:   core.NewInMemoryStore(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	return m
}

type stubUserMemory struct{ items []string }

func (s *stubUserMemory) Search(ctx context.Context, query string, limit int) ([]string, error) {
	return s.items, nil
}

func TestBuildAssemblesSectionsInOrder(t *testing.T) {
	ctx := context.Background()
	mem := newManager(t)
	_, _ = mem.Add(ctx, core.MemoryEntry{Content: "deployment failed on cluster alpha"})
	_, _ = mem.Persist(ctx, core.MemoryEntry{Content: "deployment history for cluster alpha"})
	mem.Entities().AddOrUpdate("cluster alpha", "cluster", map[string]interface{}{"region": "eu"})

	b := New(Config{
		Memory:     mem,
		UserMemory: &stubUserMemory{items: []string{"prefers terse summaries"}},
	})

	out, err := b.Build(ctx, core.NewTask("t1", "investigate deployment failure on cluster alpha", "a1"))
	if err != nil {
		t.Fatal(err)
	}
	for _, title := range []string{"Recent Insights", "Historical Data", "Entities", "User memories/preferences"} {
		if !strings.Contains(out, "# "+title) {
			t.Fatalf("missing section %q in output:\n%s", title, out)
		}
	}
	recentIdx := strings.Index(out, "Recent Insights")
	userIdx := strings.Index(out, "User memories")
	if recentIdx > userIdx {
		t.Fatal("sections out of order")
	}
	if !strings.Contains(out, "cluster alpha") {
		t.Fatalf("entity summary missing:\n%s", out)
	}
}

func TestBuildOmitsEmptySections(t *testing.T) {
	mem := newManager(t)
	_, _ = mem.Add(context.Background(), core.MemoryEntry{Content: "only recent content here"})

	b := New(Config{Memory: mem})
	out, err := b.Build(context.Background(), core.NewTask("t1", "recent content", "a1"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Recent Insights") {
		t.Fatalf("expected recent section, got:\n%s", out)
	}
	for _, title := range []string{"Historical Data", "Entities", "User memories"} {
		if strings.Contains(out, title) {
			t.Fatalf("empty section %q should be omitted:\n%s", title, out)
		}
	}
}

func TestBuildTruncatesToBudget(t *testing.T) {
	ctx := context.Background()
	mem := newManager(t)
	for i := 0; i < 30; i++ {
		_, _ = mem.Add(ctx, core.MemoryEntry{
			Content: "observation about repeated design review meetings. It was long.",
		})
	}

	b := New(Config{Memory: mem, MaxContextLength: 200, ResultsPerSource: 30})
	out, err := b.Build(ctx, core.NewTask("t1", "design review meetings", "a1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) > 200 {
		t.Fatalf("context length %d exceeds budget 200", len(out))
	}
	if out == "" {
		t.Fatal("expected non-empty truncated context")
	}
}

func TestBuildMemoizesPerTask(t *testing.T) {
	ctx := context.Background()
	mem := newManager(t)
	_, _ = mem.Add(ctx, core.MemoryEntry{Content: "cached context input"})

	b := New(Config{Memory: mem, CacheTTL: time.Minute})
	task := core.NewTask("t1", "cached context input", "a1")

	first, err := b.Build(ctx, task)
	if err != nil {
		t.Fatal(err)
	}
	// New memory after the first build is invisible until the cache expires
	// or is invalidated.
	_, _ = mem.Add(ctx, core.MemoryEntry{Content: "cached context input, addendum"})
	second, _ := b.Build(ctx, task)
	if first != second {
		t.Fatal("expected memoized result for identical (id, description)")
	}

	b.InvalidateCache()
	third, _ := b.Build(ctx, task)
	if third == first {
		t.Fatal("expected fresh result after cache invalidation")
	}
}

func TestSequentialFetchProducesSameOutput(t *testing.T) {
	ctx := context.Background()
	mem := newManager(t)
	_, _ = mem.Add(ctx, core.MemoryEntry{Content: "fetch mode comparison entry"})

	parallel := New(Config{Memory: mem})
	sequential := New(Config{Memory: mem, Sequential: true})
	task := core.NewTask("t1", "fetch mode comparison entry", "a1")

	a, err := parallel.Build(ctx, task)
	if err != nil {
		t.Fatal(err)
	}
	b, err := sequential.Build(ctx, task)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("parallel and sequential fetch disagree:\n%s\n---\n%s", a, b)
	}
}
