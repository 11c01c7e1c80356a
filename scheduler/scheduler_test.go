package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crewforge/crewforge/core"
	"github.com/crewforge/crewforge/resilience"
)

// echoExecutor returns "executed:<description>" after an optional delay and
// records completion order.
type echoExecutor struct {
	mu    sync.Mutex
	order []string
	delay time.Duration
}

func (e *echoExecutor) Execute(ctx context.Context, task *core.Task, extraContext string) (*core.TaskOutput, error) {
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	e.order = append(e.order, task.ID)
	e.mu.Unlock()
	return &core.TaskOutput{
		Result:   "executed:" + task.Description,
		Metadata: core.TaskOutputMetadata{TaskID: task.ID},
	}, nil
}

func (e *echoExecutor) completionOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

func TestRoundTripTaskOutput(t *testing.T) {
	s := New(&echoExecutor{}, Options{})
	task := core.NewTask("t1", "Research", "a1")
	h, err := s.Submit(task, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	out, err := h.Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Metadata.TaskID != "t1" {
		t.Fatalf("metadata.taskId = %q, want t1", out.Metadata.TaskID)
	}
}

func TestDuplicateSubmissionRejected(t *testing.T) {
	s := New(&echoExecutor{}, Options{})
	if _, err := s.Submit(core.NewTask("t1", "a", "a1"), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(core.NewTask("t1", "b", "a1"), ""); err == nil {
		t.Fatal("expected duplicate id rejection")
	}
}

func TestCompletionRespectsDependencyOrder(t *testing.T) {
	exec := &echoExecutor{}
	s := New(exec, Options{Concurrency: 4})

	t1 := core.NewTask("T1", "Research", "a")
	t2 := core.NewTask("T2", "Write", "a").DependsOn("T1")
	t3 := core.NewTask("T3", "Edit", "a").DependsOn("T2")

	// Submit out of order: dependencies resolve regardless.
	for _, task := range []*core.Task{t3, t1, t2} {
		if _, err := s.Submit(task, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}

	order := exec.completionOrder()
	if len(order) != 3 || order[0] != "T1" || order[1] != "T2" || order[2] != "T3" {
		t.Fatalf("completion order %v, want [T1 T2 T3]", order)
	}
}

func TestDiamondDAGCompletionTimestamps(t *testing.T) {
	type stamp struct {
		id string
		at time.Time
	}
	var mu sync.Mutex
	var stamps []stamp
	exec := ExecutorFunc(func(ctx context.Context, task *core.Task, _ string) (*core.TaskOutput, error) {
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		stamps = append(stamps, stamp{task.ID, time.Now()})
		mu.Unlock()
		return &core.TaskOutput{Metadata: core.TaskOutputMetadata{TaskID: task.ID}}, nil
	})
	s := New(exec, Options{Concurrency: 4})

	deps := map[string][]string{"a": nil, "b": {"a"}, "c": {"a"}, "d": {"b", "c"}}
	for _, id := range []string{"a", "b", "c", "d"} {
		task := core.NewTask(id, id, "agent")
		for _, dep := range deps[id] {
			task.DependsOn(dep)
		}
		if _, err := s.Submit(task, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}

	at := make(map[string]time.Time)
	for _, st := range stamps {
		at[st.id] = st.at
	}
	for id, ds := range deps {
		for _, dep := range ds {
			if at[id].Before(at[dep]) {
				t.Fatalf("task %s completed before its dependency %s", id, dep)
			}
		}
	}
}

func TestConcurrencyBound(t *testing.T) {
	const limit = 2
	var inFlight, peak int32
	exec := ExecutorFunc(func(ctx context.Context, task *core.Task, _ string) (*core.TaskOutput, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &core.TaskOutput{Metadata: core.TaskOutputMetadata{TaskID: task.ID}}, nil
	})
	s := New(exec, Options{Concurrency: limit})
	for i := 0; i < 8; i++ {
		if _, err := s.Submit(core.NewTask(fmt.Sprintf("t%d", i), "x", "a"), ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if peak > limit {
		t.Fatalf("peak concurrency %d exceeded limit %d", peak, limit)
	}
}

func TestPriorityOrderingAmongReady(t *testing.T) {
	exec := &echoExecutor{}
	s := New(exec, Options{Concurrency: 1})
	s.Pause()

	low := core.NewTask("low", "low", "a")
	low.Priority = core.PriorityLow
	critical := core.NewTask("critical", "critical", "a")
	critical.Priority = core.PriorityCritical
	normal := core.NewTask("normal", "normal", "a")

	for _, task := range []*core.Task{low, normal, critical} {
		if _, err := s.Submit(task, ""); err != nil {
			t.Fatal(err)
		}
	}
	s.Resume()
	if err := s.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}

	order := exec.completionOrder()
	if order[0] != "critical" || order[1] != "normal" || order[2] != "low" {
		t.Fatalf("priority order %v, want [critical normal low]", order)
	}
}

func TestFailurePropagatesToDependents(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task *core.Task, _ string) (*core.TaskOutput, error) {
		if task.ID == "root" {
			return nil, errors.New("root exploded")
		}
		return &core.TaskOutput{Metadata: core.TaskOutputMetadata{TaskID: task.ID}}, nil
	})
	s := New(exec, Options{})

	root := core.NewTask("root", "x", "a")
	root.MaxRetries = 1
	child := core.NewTask("child", "y", "a").DependsOn("root")
	grandchild := core.NewTask("grandchild", "z", "a").DependsOn("child")

	hRoot, _ := s.Submit(root, "")
	hChild, _ := s.Submit(child, "")
	hGrand, _ := s.Submit(grandchild, "")

	if err := s.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := hRoot.Await(context.Background()); err == nil {
		t.Fatal("root should have failed")
	}
	for _, h := range []*Handle{hChild, hGrand} {
		_, err := h.Await(context.Background())
		if !errors.Is(err, core.ErrDependencyFailed) {
			t.Fatalf("dependent %s error = %v, want ErrDependencyFailed", h.TaskID, err)
		}
	}
	m := s.Metrics()
	if m.TasksFailed != 3 {
		t.Fatalf("TasksFailed = %d, want 3", m.TasksFailed)
	}
}

func TestDropDependentsSilently(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task *core.Task, _ string) (*core.TaskOutput, error) {
		return nil, errors.New("always fails")
	})
	s := New(exec, Options{DropDependents: true})

	root := core.NewTask("root", "x", "a")
	root.MaxRetries = 1
	child := core.NewTask("child", "y", "a").DependsOn("root")

	_, _ = s.Submit(root, "")
	hChild, _ := s.Submit(child, "")
	if err := s.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := hChild.Await(context.Background())
	if !errors.Is(err, core.ErrTaskCancelled) {
		t.Fatalf("dropped dependent error = %v, want ErrTaskCancelled", err)
	}
}

func TestRetryExhaustion(t *testing.T) {
	var calls int32
	var timestamps []time.Time
	var mu sync.Mutex
	exec := ExecutorFunc(func(ctx context.Context, task *core.Task, _ string) (*core.TaskOutput, error) {
		atomic.AddInt32(&calls, 1)
		mu.Lock()
		timestamps = append(timestamps, time.Now())
		mu.Unlock()
		return nil, fmt.Errorf("stub failure")
	})
	s := New(exec, Options{
		Retry: &resilience.Options{
			MaxAttempts:   3,
			InitialDelay:  10 * time.Millisecond,
			MaxDelay:      time.Second,
			Backoff:       resilience.BackoffExponential,
			BackoffFactor: 2,
			Jitter:        false,
			Retryable:     resilience.AlwaysRetry,
		},
	})

	h, _ := s.Submit(core.NewTask("t1", "x", "a"), "")
	if err := s.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := h.Await(context.Background())

	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected exactly 3 invocations, got %d", calls)
	}
	var exhausted *resilience.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError in chain, got %v", err)
	}
	if exhausted.Attempts != 3 || exhausted.LastErr.Error() != "stub failure" {
		t.Fatalf("terminal error = %+v", exhausted)
	}
	var fe *core.FrameworkError
	if !errors.As(err, &fe) || fe.Kind != core.KindTaskExecution {
		t.Fatalf("expected TaskExecution kind, got %v", err)
	}
	if timestamps[1].Sub(timestamps[0]) < 10*time.Millisecond || timestamps[2].Sub(timestamps[1]) < 20*time.Millisecond {
		t.Fatalf("backoff delays too short: %v %v", timestamps[1].Sub(timestamps[0]), timestamps[2].Sub(timestamps[1]))
	}
}

func TestTaskTimeoutFailsTask(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task *core.Task, _ string) (*core.TaskOutput, error) {
		select {
		case <-time.After(time.Second):
			return &core.TaskOutput{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	s := New(exec, Options{})
	task := core.NewTask("slow", "x", "a")
	task.MaxRetries = 1
	task.Timeout = 20 * time.Millisecond

	h, _ := s.Submit(task, "")
	if err := s.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := h.Await(context.Background())
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("expected timeout failure, got %v", err)
	}
}

func TestCancelWaitingTaskIsImmediate(t *testing.T) {
	exec := &echoExecutor{delay: 30 * time.Millisecond}
	s := New(exec, Options{Concurrency: 1})

	_, _ = s.Submit(core.NewTask("t1", "x", "a"), "")
	hWaiting, _ := s.Submit(core.NewTask("t2", "y", "a").DependsOn("t1"), "")

	if err := s.Cancel("t2"); err != nil {
		t.Fatal(err)
	}
	_, err := hWaiting.Await(context.Background())
	if !errors.Is(err, core.ErrTaskCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if err := s.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestCancelRunningDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, task *core.Task, _ string) (*core.TaskOutput, error) {
		close(started)
		time.Sleep(30 * time.Millisecond)
		return &core.TaskOutput{Result: "should be discarded", Metadata: core.TaskOutputMetadata{TaskID: task.ID}}, nil
	})
	s := New(exec, Options{})
	h, _ := s.Submit(core.NewTask("t1", "x", "a"), "")
	<-started
	if err := s.Cancel("t1"); err != nil {
		t.Fatal(err)
	}
	_, err := h.Await(context.Background())
	if !errors.Is(err, core.ErrTaskCancelled) {
		t.Fatalf("expected cancelled promise, got %v", err)
	}
	if len(s.Outputs()) != 0 {
		t.Fatal("cancelled running task's output must be discarded")
	}
}

func TestPauseBlocksDispatch(t *testing.T) {
	exec := &echoExecutor{}
	s := New(exec, Options{})
	s.Pause()
	_, _ = s.Submit(core.NewTask("t1", "x", "a"), "")
	time.Sleep(10 * time.Millisecond)
	if len(exec.completionOrder()) != 0 {
		t.Fatal("paused scheduler must not dispatch")
	}
	s.Resume()
	if err := s.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(exec.completionOrder()) != 1 {
		t.Fatal("resume should dispatch queued work")
	}
}

func TestDAGValidateDetectsCycle(t *testing.T) {
	dag := NewTaskDAG()
	dag.AddTask("a", []string{"c"})
	dag.AddTask("b", []string{"a"})
	dag.AddTask("c", []string{"b"})
	if err := dag.Validate(); !errors.Is(err, core.ErrDependencyCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestDAGTopologicalOrderAndLevels(t *testing.T) {
	dag := NewTaskDAG()
	dag.AddTask("a", nil)
	dag.AddTask("b", []string{"a"})
	dag.AddTask("c", []string{"a"})
	dag.AddTask("d", []string{"b", "c"})
	if err := dag.Validate(); err != nil {
		t.Fatal(err)
	}

	order := dag.TopologicalOrder()
	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["a"] > pos["c"] || pos["b"] > pos["d"] || pos["c"] > pos["d"] {
		t.Fatalf("topological order violated: %v", order)
	}

	levels := dag.ExecutionLevels()
	if len(levels) != 3 || len(levels[1]) != 2 {
		t.Fatalf("execution levels = %v, want [[a] [b c] [d]]", levels)
	}
}
