// Package scheduler orders open stories by priority tier and arrival
// and yields the next item whose dependencies are satisfied.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/fyrsmithlabs/storyd/internal/depgraph"
	"github.com/fyrsmithlabs/storyd/internal/story"
)

// entry is one queued story reference. Entries are consumed on
// selection; the engine re-enqueues a story when it returns to
// pending (stage retry, escalation decision).
type entry struct {
	id        string
	priority  story.Priority
	createdAt time.Time
}

// queue implements heap.Interface with the total order: priority tier
// first, earliest creation within a tier, story ID as the stable
// tie-break.
type queue []entry

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	if !q[i].createdAt.Equal(q[j].createdAt) {
		return q[i].createdAt.Before(q[j].createdAt)
	}
	return q[i].id < q[j].id
}

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x any) { *q = append(*q, x.(entry)) }

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

// Scheduler selects the next eligible story. Selection is
// deterministic given a fixed backlog snapshot. The scheduler never
// preempts in-flight work: a newly ready P0 story is simply selected
// for the next available worker slot.
type Scheduler struct {
	mu       sync.Mutex
	registry *story.Registry
	graph    *depgraph.Graph
	q        queue
}

// New creates a scheduler over the shared registry and dependency
// graph.
func New(registry *story.Registry, graph *depgraph.Graph) *Scheduler {
	return &Scheduler{registry: registry, graph: graph}
}

// Enqueue adds a story reference to the queue.
func (s *Scheduler) Enqueue(st *story.Story) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heap.Push(&s.q, entry{id: st.ID, priority: st.Priority, createdAt: st.CreatedAt})
}

// SelectNext returns the highest-priority pending story whose
// dependencies are all completed, regardless of agent type.
func (s *Scheduler) SelectNext() (*story.Story, bool) {
	return s.selectNext(func(*story.Story) bool { return true })
}

// SelectNextFor returns the next eligible story whose current stage is
// served by the given agent type.
func (s *Scheduler) SelectNextFor(agent story.AgentType) (*story.Story, bool) {
	return s.selectNext(func(st *story.Story) bool {
		return story.StageAgent(st.Stage) == agent
	})
}

// selectNext pops entries until one is eligible. Entries that are not
// currently selectable but may become so (dependencies unsatisfied,
// wrong agent type) are kept; stale entries for stories that are no
// longer pending are dropped, since the engine re-enqueues on every
// return to pending.
func (s *Scheduler) selectNext(accept func(*story.Story) bool) (*story.Story, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deferred []entry
	defer func() {
		for _, e := range deferred {
			heap.Push(&s.q, e)
		}
	}()

	for s.q.Len() > 0 {
		e := heap.Pop(&s.q).(entry)

		st, ok := s.registry.Get(e.id)
		if !ok || st.Status != story.StatusPending {
			continue
		}
		if !s.graph.Ready(e.id) || !accept(st) {
			deferred = append(deferred, e)
			continue
		}
		return st, true
	}
	return nil, false
}

// Len returns the number of queued entries, including entries deferred
// on unsatisfied dependencies.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Len()
}
