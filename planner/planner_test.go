package planner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crewforge/crewforge/core"
)

// recordingExecutor scripts per-task results and records execution order.
type recordingExecutor struct {
	mu       sync.Mutex
	order    []string
	contexts map[string]string
	results  map[string]string
	fail     map[string]error
	delay    map[string]time.Duration
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{
		contexts: make(map[string]string),
		results:  make(map[string]string),
		fail:     make(map[string]error),
		delay:    make(map[string]time.Duration),
	}
}

func (e *recordingExecutor) Execute(ctx context.Context, task *core.Task, extraContext string) (*core.TaskOutput, error) {
	if d := e.delay[task.ID]; d > 0 {
		time.Sleep(d)
	}
	e.mu.Lock()
	e.order = append(e.order, task.ID)
	e.contexts[task.ID] = extraContext
	e.mu.Unlock()

	if err := e.fail[task.ID]; err != nil {
		return nil, err
	}
	result, ok := e.results[task.ID]
	if !ok {
		result = "result:" + task.ID
	}
	return &core.TaskOutput{
		Result:   result,
		Metadata: core.TaskOutputMetadata{TaskID: task.ID},
	}, nil
}

func managerAgent() *core.Agent {
	return &core.Agent{ID: "manager", Role: "Manager", Goal: "Coordinate"}
}

func crewTasks(ids ...string) ([]*core.Task, map[string]*core.Agent) {
	tasks := make([]*core.Task, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, core.NewTask(id, "do "+id, "worker"))
	}
	agents := map[string]*core.Agent{
		"manager": managerAgent(),
		"worker":  {ID: "worker", Role: "Worker", Goal: "Work"},
	}
	return tasks, agents
}

func TestParsePlanFromFencedBlock(t *testing.T) {
	text := "Here is my plan:\n```json\n" +
		`{"taskOrder": ["T1", 1, "T3"], "parallelGroups": {"1": ["T2", "T2b"]}, "significantTasks": ["T1", "T3"], "synthesisRequired": true}` +
		"\n```\nGood luck!"
	plan, err := ParsePlan(text)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.TaskOrder) != 3 || !plan.TaskOrder[1].IsGroup || plan.TaskOrder[1].GroupID != 1 {
		t.Fatalf("taskOrder = %+v", plan.TaskOrder)
	}
	if members := plan.ParallelGroups[1]; len(members) != 2 {
		t.Fatalf("group members = %v", members)
	}
	if !plan.SynthesisRequired || !plan.IsSignificant("T1") || plan.IsSignificant("T2") {
		t.Fatalf("plan flags wrong: %+v", plan)
	}
}

func TestParsePlanFromBareObject(t *testing.T) {
	text := `I think the best order is {"taskOrder": ["A", "B"], "parallelGroups": {}} as discussed.`
	plan, err := ParsePlan(text)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.TaskOrder) != 2 || plan.TaskOrder[0].TaskID != "A" {
		t.Fatalf("plan = %+v", plan)
	}
	// Absent significantTasks means every task is significant.
	if !plan.IsSignificant("A") || !plan.IsSignificant("anything") {
		t.Fatal("nil significant set must treat all tasks as significant")
	}
}

func TestParsePlanRejectsGarbage(t *testing.T) {
	if _, err := ParsePlan("no json anywhere here"); err == nil {
		t.Fatal("expected parse failure")
	}
}

func TestFallbackPlanRespectsDependencies(t *testing.T) {
	t1 := core.NewTask("T1", "a", "w")
	t2 := core.NewTask("T2", "b", "w").DependsOn("T3")
	t3 := core.NewTask("T3", "c", "w").DependsOn("T1")
	plan := FallbackPlan([]*core.Task{t1, t2, t3})

	if len(plan.TaskOrder) != 3 {
		t.Fatalf("plan = %+v", plan.TaskOrder)
	}
	got := []string{plan.TaskOrder[0].TaskID, plan.TaskOrder[1].TaskID, plan.TaskOrder[2].TaskID}
	if got[0] != "T1" || got[1] != "T3" || got[2] != "T2" {
		t.Fatalf("fallback order = %v, want [T1 T3 T2]", got)
	}
	if plan.SynthesisRequired {
		t.Fatal("fallback plan must not demand synthesis")
	}
}

func TestHierarchicalRunWithParallelGroup(t *testing.T) {
	exec := newRecordingExecutor()
	exec.results["planning"] = "```json\n" +
		`{"taskOrder": ["T1", 1, "T3"], "parallelGroups": {"1": ["T2", "T2b"]}, "significantTasks": ["T1", "T3"], "synthesisRequired": true}` +
		"\n```"
	exec.results["T1"] = "alpha"
	exec.results["synthesis"] = "the synthesis"

	tasks, agents := crewTasks("T1", "T2", "T2b", "T3")
	p := New(exec, Options{})
	result, err := p.Run(context.Background(), managerAgent(), tasks, agents, "input-context")
	if err != nil {
		t.Fatal(err)
	}

	// T1 first, then the group, then T3, then synthesis.
	if exec.order[0] != "planning" || exec.order[1] != "T1" {
		t.Fatalf("order = %v", exec.order)
	}
	group := map[string]bool{exec.order[2]: true, exec.order[3]: true}
	if !group["T2"] || !group["T2b"] {
		t.Fatalf("group members did not run after T1: %v", exec.order)
	}
	if exec.order[4] != "T3" || exec.order[5] != "synthesis" {
		t.Fatalf("order = %v", exec.order)
	}

	// Group members see identical entering context containing T1's result.
	if exec.contexts["T2"] != exec.contexts["T2b"] {
		t.Fatal("parallel group members saw different contexts")
	}
	if !strings.Contains(exec.contexts["T2"], "Task result: alpha") {
		t.Fatalf("group context missing T1 result: %q", exec.contexts["T2"])
	}
	// T2/T2b are not significant: T3's context still ends with T1's result.
	if strings.Contains(exec.contexts["T3"], "result:T2") {
		t.Fatalf("insignificant task leaked into context: %q", exec.contexts["T3"])
	}

	if result.FinalOutput != "the synthesis" || !result.Synthesized {
		t.Fatalf("final output = %q (synthesized=%v)", result.FinalOutput, result.Synthesized)
	}
	for _, id := range []string{"T1", "T2", "T2b", "T3"} {
		if _, ok := result.CompletedIDs[id]; !ok {
			t.Fatalf("completedIds missing %s: %v", id, result.CompletedIDs)
		}
	}
}

func TestUnparseablePlanFallsBackToSequential(t *testing.T) {
	exec := newRecordingExecutor()
	exec.results["planning"] = "I cannot produce JSON, sorry."

	tasks, agents := crewTasks("A", "B")
	p := New(exec, Options{})
	result, err := p.Run(context.Background(), managerAgent(), tasks, agents, "")
	if err != nil {
		t.Fatal(err)
	}
	if exec.order[1] != "A" || exec.order[2] != "B" {
		t.Fatalf("fallback order = %v", exec.order)
	}
	if result.FinalOutput != "result:B" {
		t.Fatalf("final output = %q", result.FinalOutput)
	}
	if result.Synthesized {
		t.Fatal("fallback plan must not synthesize")
	}
}

func TestGroupMemberFailureFailsRun(t *testing.T) {
	exec := newRecordingExecutor()
	exec.results["planning"] = `{"taskOrder": [1], "parallelGroups": {"1": ["A", "B"]}}`
	exec.fail["B"] = errors.New("member exploded")

	tasks, agents := crewTasks("A", "B")
	p := New(exec, Options{})
	_, err := p.Run(context.Background(), managerAgent(), tasks, agents, "")
	if err == nil {
		t.Fatal("expected group failure to fail the run")
	}
	var fe *core.FrameworkError
	if !errors.As(err, &fe) || fe.Kind != core.KindTaskExecution {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestSynthesisFailureFallsBackToAggregate(t *testing.T) {
	exec := newRecordingExecutor()
	exec.results["planning"] = `{"taskOrder": ["A"], "parallelGroups": {}, "synthesisRequired": true}`
	exec.fail["synthesis"] = errors.New("manager tired")

	tasks, agents := crewTasks("A")
	p := New(exec, Options{})
	result, err := p.Run(context.Background(), managerAgent(), tasks, agents, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.FinalOutput, "provided individually") {
		t.Fatalf("expected aggregate fallback, got %q", result.FinalOutput)
	}
	if result.Synthesized {
		t.Fatal("failed synthesis must not be marked synthesized")
	}
}

func TestPlanValidateRejectsDuplicates(t *testing.T) {
	plan := &core.ExecutionPlan{
		TaskOrder:      []core.PlanStep{core.TaskStep("A"), core.GroupStep(1)},
		ParallelGroups: map[int][]string{1: {"A", "B"}},
	}
	known := map[string]struct{}{"A": {}, "B": {}}
	if err := plan.Validate(known); err == nil {
		t.Fatal("duplicate task across plan items must be rejected")
	}
}
