// Package escalation observes repeated stage failures and composes
// structured escalation records for a human decision.
package escalation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/storyd/internal/eventbus"
	"github.com/fyrsmithlabs/storyd/internal/story"
)

// Option is a structured remediation proposal attached to an
// escalation record.
type Option struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Remediation option identifiers.
const (
	OptionRelaxConstraint = "relax-constraint"
	OptionRetryExtended   = "retry-extended"
	OptionSplitStory      = "split-story"
)

// DefaultOptions returns the standard remediation proposals for a
// deadlocked stage.
func DefaultOptions(stage story.Stage) []Option {
	return []Option{
		{ID: OptionRelaxConstraint, Description: fmt.Sprintf("proceed past %s with a reduced constraint set", stage)},
		{ID: OptionRetryExtended, Description: fmt.Sprintf("rework and retry %s with an extended budget", stage)},
		{ID: OptionSplitStory, Description: "split the story into smaller independently schedulable stories"},
	}
}

// Record is the terminal escalation report for one story. Once created
// the story leaves automated scheduling until an external decision
// re-injects it.
type Record struct {
	ID                  string      `json:"id"`
	StoryID             string      `json:"story_id"`
	Stage               story.Stage `json:"stage"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Reasons             []string    `json:"reasons"`
	Options             []Option    `json:"options"`
	DecisionDeadline    time.Time   `json:"decision_deadline"`
	CreatedAt           time.Time   `json:"created_at"`
}

// Decision is an external verdict on an escalated story.
type Decision string

const (
	// DecisionResume re-injects the story at an explicit stage with
	// its attempt counter zeroed.
	DecisionResume Decision = "resume"

	// DecisionReject abandons the story.
	DecisionReject Decision = "reject"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionResume || d == DecisionReject
}

// Manager reacts to escalation candidate events. It never polls engine
// state directly: the failure history it reports comes from the event
// log, so it cannot race schedulers making progress.
//
// A passed decision deadline does not auto-resolve anything; silence
// is "awaiting decision", not failure.
type Manager struct {
	registry *story.Registry
	bus      *eventbus.Bus

	reasonWindow     int
	decisionDeadline time.Duration

	mu      sync.RWMutex
	records map[string]*Record
}

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	// ReasonWindow is how many recent failure reasons a record
	// collects from the event history.
	ReasonWindow int

	// DecisionDeadline is how long a human has to answer before the
	// record is reported overdue.
	DecisionDeadline time.Duration
}

const (
	defaultReasonWindow     = 5
	defaultDecisionDeadline = 24 * time.Hour
)

// NewManager creates a manager and subscribes it to escalation
// candidate events on the bus.
func NewManager(registry *story.Registry, bus *eventbus.Bus, cfg Config) *Manager {
	if cfg.ReasonWindow <= 0 {
		cfg.ReasonWindow = defaultReasonWindow
	}
	if cfg.DecisionDeadline <= 0 {
		cfg.DecisionDeadline = defaultDecisionDeadline
	}
	m := &Manager{
		registry:         registry,
		bus:              bus,
		reasonWindow:     cfg.ReasonWindow,
		decisionDeadline: cfg.DecisionDeadline,
		records:          make(map[string]*Record),
	}
	bus.Subscribe(eventbus.TypeEscalationCandidate, m.handleCandidate)
	return m
}

// handleCandidate composes the escalation record, moves the story to
// escalated, and publishes the escalation event.
func (m *Manager) handleCandidate(e eventbus.Event) {
	failures, _ := e.Payload["failures"].(int)

	now := time.Now().UTC()
	record := &Record{
		ID:                  uuid.NewString(),
		StoryID:             e.StoryID,
		Stage:               e.Stage,
		ConsecutiveFailures: failures,
		Reasons:             m.collectReasons(e.StoryID, e.Stage),
		Options:             DefaultOptions(e.Stage),
		DecisionDeadline:    now.Add(m.decisionDeadline),
		CreatedAt:           now,
	}

	err := m.registry.Update(e.StoryID, func(s *story.Story) error {
		if s.Status != story.StatusBlocked {
			return fmt.Errorf("story %s is %s, not blocked", e.StoryID, s.Status)
		}
		s.Status = story.StatusEscalated
		return nil
	})
	if err != nil {
		// The story moved on before we reacted; keep no record.
		return
	}

	m.mu.Lock()
	m.records[e.StoryID] = record
	m.mu.Unlock()

	m.bus.Publish(eventbus.Event{
		Type:    eventbus.TypeEscalated,
		StoryID: e.StoryID,
		Stage:   e.Stage,
		Payload: map[string]any{
			"record_id": record.ID,
			"failures":  record.ConsecutiveFailures,
			"deadline":  record.DecisionDeadline,
		},
	})
}

// collectReasons returns the most recent failure reasons for the
// story's stage from the event history, oldest first.
func (m *Manager) collectReasons(storyID string, stage story.Stage) []string {
	var reasons []string
	for _, e := range m.bus.HistoryFor(storyID) {
		if e.Type != eventbus.TypeStageFailed || e.Stage != stage {
			continue
		}
		if reason, ok := e.Payload["reason"].(string); ok {
			reasons = append(reasons, reason)
		}
	}
	if len(reasons) > m.reasonWindow {
		reasons = reasons[len(reasons)-m.reasonWindow:]
	}
	return reasons
}

// Record returns the escalation record for a story, if one exists.
func (m *Manager) Record(storyID string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[storyID]
	if !ok {
		return nil, false
	}
	c := *r
	c.Reasons = append([]string(nil), r.Reasons...)
	c.Options = append([]Option(nil), r.Options...)
	return &c, true
}

// Resolve removes the record after a decision has been applied.
func (m *Manager) Resolve(storyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, storyID)
}

// Overdue returns records whose decision deadline has passed. The
// stories stay escalated; this is for reporting only.
func (m *Manager) Overdue(now time.Time) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, r := range m.records {
		if now.After(r.DecisionDeadline) {
			c := *r
			out = append(out, &c)
		}
	}
	return out
}
