// Package scheduler implements priority + dependency-DAG task execution
// with bounded parallelism, cancellation, retries, and timeouts. Tasks move
// through Pending -> Waiting -> Ready -> Running -> {Completed, Failed,
// Cancelled}; a waiting task becomes ready when its last unmet dependency
// completes.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/crewforge/crewforge/core"
	"github.com/crewforge/crewforge/resilience"
)

// DefaultConcurrency bounds simultaneously running tasks when unset.
const DefaultConcurrency = 5

// Executor runs one task. The agent runtime satisfies it.
type Executor interface {
	Execute(ctx context.Context, task *core.Task, extraContext string) (*core.TaskOutput, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *core.Task, extraContext string) (*core.TaskOutput, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *core.Task, extraContext string) (*core.TaskOutput, error) {
	return f(ctx, task, extraContext)
}

// Options configures a Scheduler.
type Options struct {
	Concurrency    int
	DefaultTimeout time.Duration
	// DropDependents silently cancels a failed task's dependents instead of
	// failing them with the propagated error.
	DropDependents bool
	Retry          *resilience.Options
	Logger         core.Logger
}

// Metrics summarizes scheduler activity.
type Metrics struct {
	TasksCompleted   int
	TasksFailed      int
	TasksCancelled   int
	AvgProcessingMs  float64
	TotalTokens      int
	PromptTokens     int
	CompletionTokens int
}

type taskResult struct {
	output *core.TaskOutput
	err    error
}

type taskState struct {
	task  *core.Task
	state core.TaskState
	seq   int64

	pendingDeps int
	heapIndex   int
	// cancelled marks a running task whose result must be discarded.
	cancelled bool

	extraContext string
	done         chan taskResult
}

// Handle is the caller's promise for one submitted task.
type Handle struct {
	TaskID string
	ts     *taskState
}

// Await blocks until the task reaches a terminal state or ctx is
// cancelled.
func (h *Handle) Await(ctx context.Context) (*core.TaskOutput, error) {
	select {
	case res := <-h.ts.done:
		// Re-buffer so repeated Await calls observe the same result.
		h.ts.done <- res
		return res.output, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Scheduler owns the task state machine and the bounded dispatch loop.
type Scheduler struct {
	mu sync.Mutex

	executor Executor
	opts     Options
	logger   core.Logger

	tasks      map[string]*taskState
	ready      readyHeap
	waiting    map[string]*taskState
	dependents map[string][]string
	completed  map[string]struct{}
	running    map[string]struct{}

	outputs []core.TaskOutput
	metrics Metrics

	seq    int64
	paused bool
	active int
	idle   *sync.Cond

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates a Scheduler dispatching to the given executor.
func New(executor Executor, opts Options) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/scheduler")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		executor:   executor,
		opts:       opts,
		logger:     logger,
		tasks:      make(map[string]*taskState),
		waiting:    make(map[string]*taskState),
		dependents: make(map[string][]string),
		completed:  make(map[string]struct{}),
		running:    make(map[string]struct{}),
		runCtx:     ctx,
		runCancel:  cancel,
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Submit registers a task. A task whose dependencies are all complete goes
// straight to the ready queue; otherwise it waits. Duplicate ids are
// rejected.
func (s *Scheduler) Submit(task *core.Task, extraContext string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runCtx.Err() != nil {
		return nil, core.NewFrameworkError("scheduler.Submit", core.KindState, core.ErrDraining).WithID(task.ID)
	}
	if _, exists := s.tasks[task.ID]; exists {
		return nil, core.NewFrameworkError("scheduler.Submit", core.KindValidation, core.ErrAlreadyStarted).WithID(task.ID)
	}

	s.seq++
	ts := &taskState{
		task:         task,
		state:        core.TaskPending,
		seq:          s.seq,
		heapIndex:    -1,
		extraContext: extraContext,
		done:         make(chan taskResult, 1),
	}
	s.tasks[task.ID] = ts
	s.active++

	for dep := range task.Dependencies {
		if _, complete := s.completed[dep]; !complete {
			ts.pendingDeps++
			s.dependents[dep] = append(s.dependents[dep], task.ID)
		}
	}

	if ts.pendingDeps > 0 {
		ts.state = core.TaskWaiting
		s.waiting[task.ID] = ts
	} else {
		s.enqueueLocked(ts)
	}
	s.dispatchLocked()
	return &Handle{TaskID: task.ID, ts: ts}, nil
}

func (s *Scheduler) enqueueLocked(ts *taskState) {
	ts.state = core.TaskReady
	heap.Push(&s.ready, ts)
}

// dispatchLocked pops ready tasks while capacity allows. Callers hold the
// mutex.
func (s *Scheduler) dispatchLocked() {
	for !s.paused && len(s.running) < s.opts.Concurrency && s.ready.Len() > 0 {
		ts := heap.Pop(&s.ready).(*taskState)
		if ts.state != core.TaskReady {
			continue // cancelled while queued
		}
		ts.state = core.TaskRunning
		s.running[ts.task.ID] = struct{}{}
		go s.run(ts)
	}
}

func (s *Scheduler) run(ts *taskState) {
	start := time.Now()

	timeout := ts.task.Timeout
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}
	retryOpts := resilience.Options{}
	if s.opts.Retry != nil {
		retryOpts = *s.opts.Retry
	}
	if retryOpts.MaxAttempts <= 0 {
		retryOpts.MaxAttempts = ts.task.MaxRetries
	}
	retryOpts.Timeout = timeout
	retryOpts.OperationName = ts.task.ID

	var output *core.TaskOutput
	err := resilience.Run(s.runCtx, &retryOpts, func(ctx context.Context) error {
		out, execErr := s.executor.Execute(ctx, ts.task, ts.extraContext)
		if execErr != nil {
			return execErr
		}
		output = out
		return nil
	})
	if err != nil {
		err = core.NewFrameworkError("scheduler.run", core.KindTaskExecution, err).WithID(ts.task.ID)
	}
	s.complete(ts, output, err, time.Since(start))
}

// complete finalizes one task, fans completion out to dependents, and
// re-drains the dispatch loop.
func (s *Scheduler) complete(ts *taskState, output *core.TaskOutput, err error, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.running, ts.task.ID)

	switch {
	case ts.cancelled || s.runCtx.Err() != nil:
		// The in-flight execute ran to completion but its result is
		// discarded and the promise rejected.
		ts.state = core.TaskCancelled
		s.metrics.TasksCancelled++
		s.resolveLocked(ts, nil, core.NewFrameworkError("scheduler.complete", core.KindTaskExecution, core.ErrTaskCancelled).WithID(ts.task.ID))
		s.failDependentsLocked(ts.task.ID, core.ErrTaskCancelled)
	case err != nil:
		ts.state = core.TaskFailed
		s.metrics.TasksFailed++
		s.observeProcessingLocked(elapsed)
		s.resolveLocked(ts, nil, err)
		s.failDependentsLocked(ts.task.ID, err)
	default:
		ts.state = core.TaskCompleted
		s.metrics.TasksCompleted++
		s.observeProcessingLocked(elapsed)
		if output != nil {
			s.outputs = append(s.outputs, *output)
			if usage := output.Metadata.TokenUsage; usage != nil {
				s.metrics.TotalTokens += usage.Total
				s.metrics.PromptTokens += usage.Prompt
				s.metrics.CompletionTokens += usage.Completion
			}
		}
		s.completed[ts.task.ID] = struct{}{}
		s.resolveLocked(ts, output, nil)
		for _, depID := range s.dependents[ts.task.ID] {
			dep, ok := s.waiting[depID]
			if !ok {
				continue
			}
			dep.pendingDeps--
			if dep.pendingDeps == 0 {
				delete(s.waiting, depID)
				s.enqueueLocked(dep)
			}
		}
		delete(s.dependents, ts.task.ID)
	}

	s.dispatchLocked()
	if s.active == 0 {
		s.idle.Broadcast()
	}
}

// failDependentsLocked terminally rejects every transitive dependent of a
// failed or cancelled task. With DropDependents set, dependents are
// cancelled without the propagated error.
func (s *Scheduler) failDependentsLocked(id string, cause error) {
	for _, depID := range s.dependents[id] {
		dep, ok := s.waiting[depID]
		if !ok {
			continue
		}
		delete(s.waiting, depID)
		if s.opts.DropDependents {
			dep.state = core.TaskCancelled
			s.metrics.TasksCancelled++
			s.resolveLocked(dep, nil, core.NewFrameworkError("scheduler.failDependents", core.KindTaskExecution, core.ErrTaskCancelled).WithID(depID))
		} else {
			dep.state = core.TaskFailed
			s.metrics.TasksFailed++
			s.resolveLocked(dep, nil, core.NewFrameworkError("scheduler.failDependents", core.KindTaskExecution,
				core.ErrDependencyFailed).WithID(depID))
		}
		s.failDependentsLocked(depID, cause)
	}
	delete(s.dependents, id)
}

func (s *Scheduler) resolveLocked(ts *taskState, output *core.TaskOutput, err error) {
	s.active--
	select {
	case ts.done <- taskResult{output: output, err: err}:
	default:
	}
}

// Cancel terminates a task. From any non-running state the cancellation is
// immediate; a running task keeps executing but its result is discarded.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.tasks[id]
	if !ok {
		return core.NewFrameworkError("scheduler.Cancel", core.KindNotFound, core.ErrTaskNotFound).WithID(id)
	}
	switch ts.state {
	case core.TaskCompleted, core.TaskFailed, core.TaskCancelled:
		return nil
	case core.TaskRunning:
		ts.cancelled = true
		return nil
	default:
		delete(s.waiting, id)
		ts.state = core.TaskCancelled
		s.metrics.TasksCancelled++
		s.resolveLocked(ts, nil, core.NewFrameworkError("scheduler.Cancel", core.KindTaskExecution, core.ErrTaskCancelled).WithID(id))
		s.failDependentsLocked(id, core.ErrTaskCancelled)
		if s.active == 0 {
			s.idle.Broadcast()
		}
		return nil
	}
}

// CancelAll rejects all pending and waiting tasks and flags running ones.
// Running tasks complete naturally with discarded outputs.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runCancel()
	for id, ts := range s.tasks {
		switch ts.state {
		case core.TaskRunning:
			ts.cancelled = true
		case core.TaskPending, core.TaskWaiting, core.TaskReady:
			delete(s.waiting, id)
			ts.state = core.TaskCancelled
			s.metrics.TasksCancelled++
			s.resolveLocked(ts, nil, core.NewFrameworkError("scheduler.CancelAll", core.KindTaskExecution, core.ErrTaskCancelled).WithID(id))
		}
	}
	if s.active == 0 {
		s.idle.Broadcast()
	}
}

// Pause blocks further dispatches; running tasks finish.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume restarts dispatch.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.dispatchLocked()
	s.mu.Unlock()
}

// Drain blocks until every submitted task has reached a terminal state or
// ctx is cancelled.
func (s *Scheduler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		for s.active > 0 && ctx.Err() == nil {
			s.idle.Wait()
		}
		s.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Wake the waiter goroutine so it does not leak.
		s.mu.Lock()
		s.idle.Broadcast()
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Outputs returns completed task outputs in completion order.
func (s *Scheduler) Outputs() []core.TaskOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.TaskOutput, len(s.outputs))
	copy(out, s.outputs)
	return out
}

// Metrics returns a snapshot of scheduler counters.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// State reports a task's current state.
func (s *Scheduler) State(id string) (core.TaskState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tasks[id]
	if !ok {
		return "", false
	}
	return ts.state, true
}

// RunningCount returns the number of currently running tasks.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// observeProcessingLocked folds one execution duration into the moving
// average.
func (s *Scheduler) observeProcessingLocked(elapsed time.Duration) {
	n := s.metrics.TasksCompleted + s.metrics.TasksFailed
	if n <= 1 {
		s.metrics.AvgProcessingMs = float64(elapsed.Milliseconds())
		return
	}
	s.metrics.AvgProcessingMs += (float64(elapsed.Milliseconds()) - s.metrics.AvgProcessingMs) / float64(n)
}
