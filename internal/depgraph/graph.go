// Package depgraph tracks directed "requires" edges between stories
// and answers readiness queries for the scheduler.
package depgraph

import (
	"fmt"
	"sort"
	"sync"
)

// CycleError reports an edge insertion that would create a cycle.
type CycleError struct {
	Dependent  string
	Dependency string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("edge %s -> %s would create a dependency cycle", e.Dependent, e.Dependency)
}

// Graph is a dependency DAG with shared-read/exclusive-write access.
// An edge dependent -> dependency means the dependent story cannot be
// scheduled until the dependency has completed.
type Graph struct {
	mu         sync.RWMutex
	nodes      map[string]bool
	deps       map[string]map[string]bool // dependent -> dependencies
	dependents map[string]map[string]bool // dependency -> dependents
	completed  map[string]bool
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:      make(map[string]bool),
		deps:       make(map[string]map[string]bool),
		dependents: make(map[string]map[string]bool),
		completed:  make(map[string]bool),
	}
}

// AddNode registers a story ID. Adding an existing node is a no-op.
func (g *Graph) AddNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[id] = true
}

// RemoveNode removes a story and all edges touching it.
func (g *Graph) RemoveNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for dep := range g.deps[id] {
		delete(g.dependents[dep], id)
	}
	for dependent := range g.dependents[id] {
		delete(g.deps[dependent], id)
	}
	delete(g.deps, id)
	delete(g.dependents, id)
	delete(g.nodes, id)
	delete(g.completed, id)
}

// AddEdge records that dependent requires dependency. The edge is
// rejected with a *CycleError if it would make dependent (transitively)
// depend on itself; on rejection the graph is left unchanged, and
// retrying the same insertion fails identically.
func (g *Graph) AddEdge(dependent, dependency string) error {
	if dependent == dependency {
		return &CycleError{Dependent: dependent, Dependency: dependency}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Reject before committing: if dependent is reachable from
	// dependency via existing requires edges, the new edge closes a
	// cycle.
	if g.reachable(dependency, dependent) {
		return &CycleError{Dependent: dependent, Dependency: dependency}
	}

	g.nodes[dependent] = true
	g.nodes[dependency] = true
	if g.deps[dependent] == nil {
		g.deps[dependent] = make(map[string]bool)
	}
	g.deps[dependent][dependency] = true
	if g.dependents[dependency] == nil {
		g.dependents[dependency] = make(map[string]bool)
	}
	g.dependents[dependency][dependent] = true
	return nil
}

// AddEdges records every dependency of one story atomically: either
// all edges are committed or, on the first cycle, none are.
func (g *Graph) AddEdges(dependent string, dependencies []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, dep := range dependencies {
		if dep == dependent || g.reachable(dep, dependent) {
			return &CycleError{Dependent: dependent, Dependency: dep}
		}
	}

	g.nodes[dependent] = true
	for _, dep := range dependencies {
		g.nodes[dep] = true
		if g.deps[dependent] == nil {
			g.deps[dependent] = make(map[string]bool)
		}
		g.deps[dependent][dep] = true
		if g.dependents[dep] == nil {
			g.dependents[dep] = make(map[string]bool)
		}
		g.dependents[dep][dependent] = true
	}
	return nil
}

// reachable reports whether target is reachable from start by
// following requires edges. Caller must hold the lock.
func (g *Graph) reachable(start, target string) bool {
	if start == target {
		return true
	}
	visited := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			continue
		}
		visited[n] = true
		for dep := range g.deps[n] {
			if dep == target {
				return true
			}
			if !visited[dep] {
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// Ready reports whether every dependency of id has completed. A story
// with no dependencies is ready.
func (g *Graph) Ready(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for dep := range g.deps[id] {
		if !g.completed[dep] {
			return false
		}
	}
	return true
}

// MarkCompleted records that a story finished. Idempotent.
func (g *Graph) MarkCompleted(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed[id] = true
}

// Dependencies returns the sorted dependency IDs of a story.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.deps[id]))
	for dep := range g.deps[id] {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// Dependents returns the sorted IDs of stories that require id.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.dependents[id]))
	for dep := range g.dependents[id] {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// Has reports whether a node is registered.
func (g *Graph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}
