package scheduler

import (
	"fmt"
	"sync"

	"github.com/crewforge/crewforge/core"
)

// TaskDAG tracks the dependency graph across a set of tasks. The crew
// validates it before seeding the scheduler.
type TaskDAG struct {
	mu    sync.RWMutex
	nodes map[string]*dagNode
}

type dagNode struct {
	id           string
	dependencies []string
	dependents   []string
}

// NewTaskDAG creates an empty DAG.
func NewTaskDAG() *TaskDAG {
	return &TaskDAG{nodes: make(map[string]*dagNode)}
}

// AddTask registers a task and its dependency edges. Re-adding an id
// replaces its dependencies.
func (d *TaskDAG) AddTask(id string, dependencies []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if node, exists := d.nodes[id]; exists {
		node.dependencies = dependencies
	} else {
		d.nodes[id] = &dagNode{id: id, dependencies: dependencies}
	}
	d.rebuildDependents()
}

// rebuildDependents recomputes every reverse edge. Both edge directions are
// stored by id; re-adding a node with new dependencies updates both sides.
func (d *TaskDAG) rebuildDependents() {
	for _, node := range d.nodes {
		node.dependents = nil
	}
	for id, node := range d.nodes {
		for _, dep := range node.dependencies {
			depNode, exists := d.nodes[dep]
			if !exists {
				continue
			}
			found := false
			for _, existing := range depNode.dependents {
				if existing == id {
					found = true
					break
				}
			}
			if !found {
				depNode.dependents = append(depNode.dependents, id)
			}
		}
	}
}

// Validate checks that every dependency exists and that the graph has no
// cycles.
func (d *TaskDAG) Validate() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for id, node := range d.nodes {
		for _, dep := range node.dependencies {
			if _, exists := d.nodes[dep]; !exists {
				return core.NewFrameworkError("scheduler.TaskDAG.Validate", core.KindValidation,
					fmt.Errorf("task %q depends on unknown task %q", id, dep))
			}
		}
	}

	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	for id := range d.nodes {
		if !visited[id] {
			if d.hasCycle(id, visited, inStack) {
				return core.NewFrameworkError("scheduler.TaskDAG.Validate", core.KindValidation, core.ErrDependencyCycle)
			}
		}
	}
	return nil
}

func (d *TaskDAG) hasCycle(id string, visited, inStack map[string]bool) bool {
	visited[id] = true
	inStack[id] = true
	for _, dep := range d.nodes[id].dependents {
		if !visited[dep] {
			if d.hasCycle(dep, visited, inStack) {
				return true
			}
		} else if inStack[dep] {
			return true
		}
	}
	inStack[id] = false
	return false
}

// TopologicalOrder returns the ids in dependency order via Kahn's
// algorithm. Call Validate first; a cyclic graph returns a partial order.
func (d *TaskDAG) TopologicalOrder() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	inDegree := make(map[string]int, len(d.nodes))
	for id, node := range d.nodes {
		inDegree[id] = len(node.dependencies)
	}
	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}

	var result []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)
		for _, dep := range d.nodes[current].dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	return result
}

// ExecutionLevels groups ids into levels whose members have no
// dependencies on one another and may run in parallel.
func (d *TaskDAG) ExecutionLevels() [][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	levels := [][]string{}
	processed := make(map[string]bool)
	for {
		var level []string
		for id, node := range d.nodes {
			if processed[id] {
				continue
			}
			ready := true
			for _, dep := range node.dependencies {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break
		}
		for _, id := range level {
			processed[id] = true
		}
		levels = append(levels, level)
	}
	return levels
}
