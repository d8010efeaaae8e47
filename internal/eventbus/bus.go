// Package eventbus provides the publish/subscribe mechanism that lets
// the state machine, scheduler, and escalation manager react to
// completions and failures without direct calls between them.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/storyd/internal/story"
)

// Type identifies an event kind.
type Type string

const (
	TypeStoryEnqueued       Type = "story_enqueued"
	TypeStageStarted        Type = "stage_started"
	TypeStageCompleted      Type = "stage_completed"
	TypeStageFailed         Type = "stage_failed"
	TypeEscalationCandidate Type = "escalation_candidate"
	TypeEscalated           Type = "escalated"
	TypeDecisionApplied     Type = "decision_applied"
	TypeCompleted           Type = "completed"
	TypeRejected            Type = "rejected"
)

// Event is an immutable record of something that happened to a story.
// Published events are retained in an append-only history for audit
// and escalation analysis.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	StoryID   string         `json:"story_id"`
	Stage     story.Stage    `json:"stage,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine, in subscription order.
type Handler func(Event)

// Bus is an in-process event bus with an append-only history. Handlers
// run synchronously on the publisher's goroutine, so a handler may
// read history or publish follow-up events without deadlocking, and
// per-story causal order holds because all transitions for one story
// are published from serialized state machine calls.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Type][]Handler
	subsAll []Handler

	histMu  sync.RWMutex
	history []Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Type][]Handler)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], h)
}

// SubscribeAll registers a handler for every event type. Used by
// external mirrors such as the NATS bridge.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subsAll = append(b.subsAll, h)
}

// Publish appends the event to history and dispatches it to
// subscribers. ID and Timestamp are assigned if unset. Events are
// observed in publish order.
func (b *Bus) Publish(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[e.Type])+len(b.subsAll))
	handlers = append(handlers, b.subs[e.Type]...)
	handlers = append(handlers, b.subsAll...)
	b.mu.RUnlock()

	b.histMu.Lock()
	b.history = append(b.history, e)
	b.histMu.Unlock()

	for _, h := range handlers {
		h(e)
	}

	return e
}

// History returns a snapshot of all published events in order.
func (b *Bus) History() []Event {
	b.histMu.RLock()
	defer b.histMu.RUnlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// HistoryFor returns the events for one story in publish order.
func (b *Bus) HistoryFor(storyID string) []Event {
	b.histMu.RLock()
	defer b.histMu.RUnlock()
	var out []Event
	for _, e := range b.history {
		if e.StoryID == storyID {
			out = append(out, e)
		}
	}
	return out
}
