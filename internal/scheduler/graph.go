package scheduler

import (
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/gammazero/toposort"
)

// Graph is a directed acyclic graph of tasks. Acyclicity is enforced as
// edges are added, so a Graph is never observed in a cyclic state.
type Graph struct {
	mu         sync.RWMutex
	order      []string            // insertion order
	tasks      map[string]*Task    // All tasks indexed by ID
	upstream   map[string][]string // taskID -> tasks it waits on
	downstream map[string][]string // taskID -> tasks waiting on it
	frozen     bool
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		tasks:      make(map[string]*Task),
		upstream:   make(map[string][]string),
		downstream: make(map[string][]string),
	}
}

// AddTask validates task and adds it with edges from each of dependsOn,
// which must already be in the graph.
func (g *Graph) AddTask(task *Task, dependsOn ...string) error {
	if err := task.Validate(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frozen {
		return ErrGraphFrozen
	}
	if _, exists := g.tasks[task.ID]; exists {
		return &DuplicateIDError{ID: task.ID}
	}

	deps := make([]string, 0, len(dependsOn))
	for _, dep := range dependsOn {
		if dep == task.ID {
			return &CycleError{From: dep, To: task.ID}
		}
		if _, ok := g.tasks[dep]; !ok {
			return configErrorf(task.ID, "depends on unknown task %q", dep)
		}
		if !slices.Contains(deps, dep) {
			deps = append(deps, dep)
		}
	}

	// A new node only gains incoming edges, so it cannot close a cycle.
	g.tasks[task.ID] = task
	g.order = append(g.order, task.ID)
	for _, dep := range deps {
		g.link(dep, task.ID)
	}
	return nil
}

// AddEdge makes to wait on from. The edge is rejected, leaving the graph
// unchanged, if it would close a cycle.
func (g *Graph) AddEdge(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frozen {
		return ErrGraphFrozen
	}
	for _, id := range []string{from, to} {
		if _, ok := g.tasks[id]; !ok {
			return configErrorf(id, "unknown task in edge %q -> %q", from, to)
		}
	}
	if from == to {
		return &CycleError{From: from, To: to}
	}
	if slices.Contains(g.upstream[to], from) {
		return nil
	}

	edges := g.edges()
	edges = append(edges, toposort.Edge{from, to})
	if _, err := toposort.Toposort(edges); err != nil {
		return &CycleError{From: from, To: to}
	}

	g.link(from, to)
	return nil
}

func (g *Graph) link(from, to string) {
	g.upstream[to] = append(g.upstream[to], from)
	g.downstream[from] = append(g.downstream[from], to)
}

// edges returns the graph in toposort form. Caller holds g.mu.
func (g *Graph) edges() []toposort.Edge {
	var edges []toposort.Edge
	for _, id := range g.order {
		ups := g.upstream[id]
		if len(ups) == 0 {
			// Edge from nil keeps isolated tasks in the sort.
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, up := range ups {
			edges = append(edges, toposort.Edge{up, id})
		}
	}
	return edges
}

// Freeze makes the graph immutable.
func (g *Graph) Freeze() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.frozen = true
}

// Frozen reports whether Freeze has been called.
func (g *Graph) Frozen() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.frozen
}

// Batches yields the graph level by level: every task in a batch has all of
// its upstreams in earlier batches. Tasks within a batch keep insertion
// order. The sequence works on a snapshot and can be ranged over repeatedly.
func (g *Graph) Batches() iter.Seq[[]string] {
	g.mu.RLock()
	order := slices.Clone(g.order)
	upstream := make(map[string][]string, len(g.upstream))
	for id, ups := range g.upstream {
		upstream[id] = slices.Clone(ups)
	}
	g.mu.RUnlock()

	return func(yield func([]string) bool) {
		done := make(map[string]bool, len(order))
		for len(done) < len(order) {
			var batch []string
			for _, id := range order {
				if done[id] {
					continue
				}
				ready := true
				for _, up := range upstream[id] {
					if !done[up] {
						ready = false
						break
					}
				}
				if ready {
					batch = append(batch, id)
				}
			}
			if len(batch) == 0 {
				// Unreachable while edges are checked on insert.
				return
			}
			for _, id := range batch {
				done[id] = true
			}
			if !yield(batch) {
				return
			}
		}
	}
}

// Task returns the task with the given id.
func (g *Graph) Task(id string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	return t, ok
}

// Upstream returns the ids id waits on.
func (g *Graph) Upstream(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.upstream[id])
}

// Downstream returns the ids waiting directly on id.
func (g *Graph) Downstream(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.downstream[id])
}

// Descendants returns every task transitively downstream of id, in
// insertion order.
func (g *Graph) Descendants(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	stack := slices.Clone(g.downstream[id])
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.downstream[n]...)
	}

	out := make([]string, 0, len(seen))
	for _, tid := range g.order {
		if seen[tid] {
			out = append(out, tid)
		}
	}
	return out
}

// IDs returns all task ids in insertion order.
func (g *Graph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.order)
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Order returns a full topological order, the concatenation of Batches.
func (g *Graph) Order() []string {
	var out []string
	for batch := range g.Batches() {
		out = append(out, batch...)
	}
	return out
}

func (g *Graph) String() string {
	return fmt.Sprintf("Graph(%d tasks)", g.Len())
}
