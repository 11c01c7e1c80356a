package crew

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewforge/crewforge/core"
	"github.com/crewforge/crewforge/llm"
)

func echoCrewConfig(mock *llm.MockClient) Config {
	agents := []*core.Agent{
		{ID: "researcher", Role: "Researcher", Goal: "Research"},
		{ID: "writer", Role: "Writer", Goal: "Write"},
		{ID: "editor", Role: "Editor", Goal: "Edit"},
	}
	t1 := core.NewTask("T1", "Research", "researcher")
	t2 := core.NewTask("T2", "Write", "writer").DependsOn("T1")
	t3 := core.NewTask("T3", "Edit", "editor").DependsOn("T2")
	return Config{
		Name:    "pipeline",
		Agents:  agents,
		Tasks:   []*core.Task{t1, t2, t3},
		Process: core.ProcessSequential,
		LLMs:    map[string]core.LLMPort{"": mock},
	}
}

// echoTaskScript answers "executed:<first line of the user message>" so
// each task's output mirrors its description.
func echoTaskScript(messages []core.Message, _ core.CompletionOptions) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == core.RoleUser {
			line := messages[i].Content
			if idx := strings.IndexByte(line, '\n'); idx > 0 {
				line = line[:idx]
			}
			return "executed:" + line, nil
		}
	}
	return "executed:", nil
}

func TestSequentialThreeTaskCrew(t *testing.T) {
	mock := llm.NewMockClient()
	mock.Script = echoTaskScript

	c, err := New(context.Background(), echoCrewConfig(mock))
	require.NoError(t, err)
	defer c.Close()

	out, err := c.Kickoff(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, out.TaskOutputs, 3)
	assert.Equal(t, "T1", out.TaskOutputs[0].Metadata.TaskID)
	assert.Equal(t, "T2", out.TaskOutputs[1].Metadata.TaskID)
	assert.Equal(t, "T3", out.TaskOutputs[2].Metadata.TaskID)
	assert.Equal(t, "executed:Edit", out.FinalOutput)

	sum := 0
	for _, to := range out.TaskOutputs {
		require.NotNil(t, to.Metadata.TokenUsage)
		sum += to.Metadata.TokenUsage.Total
	}
	assert.Equal(t, sum, out.Metrics.TotalTokens)
	assert.Greater(t, sum, 0)
}

func TestSequentialContextAccumulation(t *testing.T) {
	mock := llm.NewMockClient()
	var mu sync.Mutex
	systems := make(map[string]string)
	mock.Script = func(messages []core.Message, options core.CompletionOptions) (string, error) {
		content, _ := echoTaskScript(messages, options)
		mu.Lock()
		systems[content] = options.SystemPrompt
		mu.Unlock()
		return content, nil
	}

	c, err := New(context.Background(), echoCrewConfig(mock))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Kickoff(context.Background(), nil)
	require.NoError(t, err)

	// Task i's result is visible in task i+1's context.
	assert.Contains(t, systems["executed:Write"], "Task result: executed:Research")
	assert.Contains(t, systems["executed:Edit"], "Task result: executed:Write")
	assert.NotContains(t, systems["executed:Research"], "Task result:")
}

func TestParallelAsyncSuffix(t *testing.T) {
	mock := llm.NewMockClient()
	var mu sync.Mutex
	contexts := make(map[string]string)
	started := make(map[string]time.Time)
	mock.Script = func(messages []core.Message, options core.CompletionOptions) (string, error) {
		content, _ := echoTaskScript(messages, options)
		mu.Lock()
		contexts[content] = options.SystemPrompt
		started[content] = time.Now()
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return content, nil
	}

	agents := []*core.Agent{{ID: "a", Role: "Agent", Goal: "Work"}}
	t1 := core.NewTask("T1", "first", "a")
	t2 := core.NewTask("T2", "second", "a")
	t2.Async = true
	t3 := core.NewTask("T3", "third", "a")
	t3.Async = true

	c, err := New(context.Background(), Config{
		Name:   "async-suffix",
		Agents: agents,
		Tasks:  []*core.Task{t1, t2, t3},
		LLMs:   map[string]core.LLMPort{"": mock},
	})
	require.NoError(t, err)
	defer c.Close()

	out, err := c.Kickoff(context.Background(), nil)
	require.NoError(t, err)

	// T1 completes before T2/T3 start.
	assert.True(t, started["executed:second"].After(started["executed:first"]))
	assert.True(t, started["executed:third"].After(started["executed:first"]))
	// T2 and T3 see identical entering context.
	assert.Equal(t, contexts["executed:second"], contexts["executed:third"])
	assert.Contains(t, contexts["executed:second"], "Task result: executed:first")
	// Final output is the last async task by submission order.
	assert.Equal(t, "executed:third", out.FinalOutput)
	assert.Len(t, out.TaskOutputs, 3)
}

func TestAsyncSuffixValidation(t *testing.T) {
	agents := []*core.Agent{{ID: "a", Role: "R", Goal: "G"}}
	t1 := core.NewTask("T1", "x", "a")
	t1.Async = true
	t2 := core.NewTask("T2", "y", "a")

	_, err := New(context.Background(), Config{
		Name: "bad", Agents: agents, Tasks: []*core.Task{t1, t2},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contiguous suffix")
}

func TestConditionalAsyncRejected(t *testing.T) {
	agents := []*core.Agent{{ID: "a", Role: "R", Goal: "G"}}
	task := core.NewTask("T1", "x", "a")
	task.Async = true
	task.Conditional = true

	_, err := New(context.Background(), Config{Name: "bad", Agents: agents, Tasks: []*core.Task{task}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conditional and async")
}

func TestReservedCachingStrategiesRejected(t *testing.T) {
	agents := []*core.Agent{{ID: "a", Role: "R", Goal: "G"}}
	for _, strategy := range []core.CachingStrategy{core.CacheDisk, core.CacheHybrid, "bogus"} {
		task := core.NewTask("T1", "x", "a")
		task.CachingStrategy = strategy
		_, err := New(context.Background(), Config{Name: "bad", Agents: agents, Tasks: []*core.Task{task}})
		require.Error(t, err, "strategy %s must be rejected", strategy)
	}
}

func TestValidationRequiresAgentsAndTasks(t *testing.T) {
	_, err := New(context.Background(), Config{Name: "empty"})
	require.Error(t, err)

	_, err = New(context.Background(), Config{
		Name:   "no-tasks",
		Agents: []*core.Agent{{ID: "a", Role: "R", Goal: "G"}},
	})
	require.Error(t, err)

	_, err = New(context.Background(), Config{
		Name:   "bad-ref",
		Agents: []*core.Agent{{ID: "a", Role: "R", Goal: "G"}},
		Tasks:  []*core.Task{core.NewTask("T1", "x", "ghost")},
	})
	require.Error(t, err)
}

func TestDependencyCycleRejected(t *testing.T) {
	agents := []*core.Agent{{ID: "a", Role: "R", Goal: "G"}}
	t1 := core.NewTask("T1", "x", "a").DependsOn("T2")
	t2 := core.NewTask("T2", "y", "a").DependsOn("T1")
	_, err := New(context.Background(), Config{Name: "cyclic", Agents: agents, Tasks: []*core.Task{t1, t2}})
	require.ErrorIs(t, err, core.ErrDependencyCycle)
}

func TestHierarchicalRequiresManager(t *testing.T) {
	agents := []*core.Agent{{ID: "a", Role: "R", Goal: "G"}}
	_, err := New(context.Background(), Config{
		Name:    "no-manager",
		Agents:  agents,
		Tasks:   []*core.Task{core.NewTask("T1", "x", "a")},
		Process: core.ProcessHierarchical,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manager")
}

func TestHierarchicalRunWithManagerLLM(t *testing.T) {
	workerLLM := llm.NewMockClient()
	workerLLM.Script = echoTaskScript

	managerLLM := llm.NewMockClient()
	managerLLM.Script = func(messages []core.Message, options core.CompletionOptions) (string, error) {
		user := messages[len(messages)-1].Content
		if strings.Contains(user, "Plan the execution") {
			return "```json\n" +
				`{"taskOrder": ["T1", 1], "parallelGroups": {"1": ["T2", "T3"]}, "synthesisRequired": true}` +
				"\n```", nil
		}
		return "integrated summary", nil
	}

	agents := []*core.Agent{{ID: "worker", Role: "Worker", Goal: "Work"}}
	tasks := []*core.Task{
		core.NewTask("T1", "collect", "worker"),
		core.NewTask("T2", "analyze", "worker"),
		core.NewTask("T3", "chart", "worker"),
	}
	c, err := New(context.Background(), Config{
		Name:       "hier",
		Agents:     agents,
		Tasks:      tasks,
		Process:    core.ProcessHierarchical,
		ManagerLLM: managerLLM,
		LLMs:       map[string]core.LLMPort{"": workerLLM},
	})
	require.NoError(t, err)
	defer c.Close()

	out, err := c.Kickoff(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "integrated summary", out.FinalOutput)
	// Three crew tasks plus the synthesis output.
	assert.Len(t, out.TaskOutputs, 4)
}

func TestKickoffCancellation(t *testing.T) {
	mock := llm.NewMockClient()
	mock.Script = func(messages []core.Message, options core.CompletionOptions) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "slow", nil
	}
	agents := []*core.Agent{{ID: "a", Role: "R", Goal: "G"}}
	tasks := []*core.Task{core.NewTask("T1", "x", "a"), core.NewTask("T2", "y", "a")}

	c, err := New(context.Background(), Config{Name: "cancellable", Agents: agents, Tasks: tasks, LLMs: map[string]core.LLMPort{"": mock}})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Kickoff(ctx, nil)
	require.Error(t, err)
}

func TestVariableInterpolation(t *testing.T) {
	mock := llm.NewMockClient()
	mock.Script = echoTaskScript

	agents := []*core.Agent{{ID: "a", Role: "Expert on {topic}", Goal: "Explain {topic}"}}
	c, err := New(context.Background(), Config{
		Name:   "vars",
		Agents: agents,
		Tasks:  []*core.Task{core.NewTask("T1", "explain", "a")},
		LLMs:   map[string]core.LLMPort{"": mock},
	})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Kickoff(context.Background(), map[string]string{"topic": "geothermal heat"})
	require.NoError(t, err)
	assert.Contains(t, mock.LastOptions.SystemPrompt, "Expert on geothermal heat")
}

func TestResetMemory(t *testing.T) {
	mock := llm.NewMockClient()
	mock.Script = echoTaskScript
	agents := []*core.Agent{{ID: "a", Role: "R", Goal: "G", MemoryEnabled: true}}

	c, err := New(context.Background(), Config{
		Name:          "mem",
		Agents:        agents,
		Tasks:         []*core.Task{core.NewTask("T1", "remember this", "a")},
		LLMs:          map[string]core.LLMPort{"": mock},
		MemoryEnabled: true,
	})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Kickoff(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, c.Memory())
	assert.Equal(t, 1, c.Memory().ShortTerm().Len())

	require.NoError(t, c.ResetMemory(context.Background(), core.MemoryShortTerm))
	assert.Equal(t, 0, c.Memory().ShortTerm().Len())
}
