package pilot

import (
	"fmt"
	"sync"
)

// workflowDAG is the dependency graph behind an execution plan. Unlike a
// plain adjacency map it preserves insertion order so that levels and
// topological order are deterministic for a given step list.
type workflowDAG struct {
	nodes map[string]*dagNode
	order []string
	mu    sync.RWMutex
}

type dagNode struct {
	ID           string
	Dependencies []string
	Dependents   []string
}

func newWorkflowDAG() *workflowDAG {
	return &workflowDAG{
		nodes: make(map[string]*dagNode),
	}
}

// AddNode adds a node to the DAG, updating dependencies if it exists.
func (d *workflowDAG) AddNode(id string, dependencies []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.nodes[id]; ok {
		existing.Dependencies = dependencies
	} else {
		d.nodes[id] = &dagNode{
			ID:           id,
			Dependencies: dependencies,
			Dependents:   []string{},
		}
		d.order = append(d.order, id)
	}

	d.rebuildDependents()
}

// rebuildDependents rebuilds the dependents list for all nodes.
func (d *workflowDAG) rebuildDependents() {
	for _, node := range d.nodes {
		node.Dependents = []string{}
	}

	for _, nodeID := range d.order {
		node := d.nodes[nodeID]
		for _, dep := range node.Dependencies {
			if depNode, ok := d.nodes[dep]; ok {
				found := false
				for _, existing := range depNode.Dependents {
					if existing == nodeID {
						found = true
						break
					}
				}
				if !found {
					depNode.Dependents = append(depNode.Dependents, nodeID)
				}
			}
		}
	}
}

// Validate checks that every dependency exists and the graph has no cycle.
// Cycle detection is DFS with a recursion-stack back-edge check.
func (d *workflowDAG) Validate() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, nodeID := range d.order {
		node := d.nodes[nodeID]
		for _, dep := range node.Dependencies {
			if _, ok := d.nodes[dep]; !ok {
				return fmt.Errorf("step %s depends on non-existent step %s", nodeID, dep)
			}
		}
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, nodeID := range d.order {
		if !visited[nodeID] {
			if d.hasCycleDFS(nodeID, visited, recStack) {
				return fmt.Errorf("circular dependency detected")
			}
		}
	}

	return nil
}

func (d *workflowDAG) hasCycleDFS(nodeID string, visited, recStack map[string]bool) bool {
	visited[nodeID] = true
	recStack[nodeID] = true

	node := d.nodes[nodeID]
	for _, dependent := range node.Dependents {
		if !visited[dependent] {
			if d.hasCycleDFS(dependent, visited, recStack) {
				return true
			}
		} else if recStack[dependent] {
			return true
		}
	}

	recStack[nodeID] = false
	return false
}

// TopologicalOrder returns node ids via Kahn's algorithm, stable with
// respect to insertion order.
func (d *workflowDAG) TopologicalOrder() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	inDegree := make(map[string]int, len(d.nodes))
	for _, nodeID := range d.order {
		inDegree[nodeID] = len(d.nodes[nodeID].Dependencies)
	}

	var queue []string
	for _, nodeID := range d.order {
		if inDegree[nodeID] == 0 {
			queue = append(queue, nodeID)
		}
	}

	var result []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, dependent := range d.nodes[current].Dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	return result
}

// Levels assigns each node its execution level:
// level = max(level of deps) + 1, 0 for sources.
func (d *workflowDAG) Levels() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	levels := make(map[string]int, len(d.nodes))
	for _, nodeID := range d.topoLocked() {
		level := 0
		for _, dep := range d.nodes[nodeID].Dependencies {
			if depLevel, ok := levels[dep]; ok && depLevel+1 > level {
				level = depLevel + 1
			}
		}
		levels[nodeID] = level
	}
	return levels
}

// topoLocked is TopologicalOrder without re-locking; callers hold d.mu.
func (d *workflowDAG) topoLocked() []string {
	inDegree := make(map[string]int, len(d.nodes))
	for _, nodeID := range d.order {
		inDegree[nodeID] = len(d.nodes[nodeID].Dependencies)
	}

	var queue []string
	for _, nodeID := range d.order {
		if inDegree[nodeID] == 0 {
			queue = append(queue, nodeID)
		}
	}

	var result []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)
		for _, dependent := range d.nodes[current].Dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	return result
}

// DependsOnTransitively reports whether a depends (directly or not) on b.
func (d *workflowDAG) DependsOnTransitively(a, b string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == b {
			return true
		}
		if seen[id] {
			return false
		}
		seen[id] = true
		node, ok := d.nodes[id]
		if !ok {
			return false
		}
		for _, dep := range node.Dependencies {
			if walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(a)
}

// Size returns the node count.
func (d *workflowDAG) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}
