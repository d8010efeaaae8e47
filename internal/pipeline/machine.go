// Package pipeline drives a story through the six ordered stages,
// enforcing at-most-one-active-stage per story and bounded per-stage
// retry.
package pipeline

import (
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/storyd/internal/eventbus"
	"github.com/fyrsmithlabs/storyd/internal/story"
)

// RetryPolicy holds the per-stage retry caps. The cap is the number of
// failures a stage absorbs before the story is blocked; the default is
// fail fast unless a stage explicitly allows more.
type RetryPolicy struct {
	defaultCap int
	caps       map[story.Stage]int
}

// NewRetryPolicy builds a policy from a default cap and per-stage
// overrides.
func NewRetryPolicy(defaultCap int, overrides map[story.Stage]int) RetryPolicy {
	caps := make(map[story.Stage]int, len(overrides))
	for k, v := range overrides {
		caps[k] = v
	}
	return RetryPolicy{defaultCap: defaultCap, caps: caps}
}

// DefaultPolicy returns the standard policy: cap 1 everywhere except
// manual validation, which absorbs three failed QA iterations before
// escalating.
func DefaultPolicy() RetryPolicy {
	return NewRetryPolicy(1, map[story.Stage]int{
		story.StageManualValidation: 3,
	})
}

// Cap returns the retry cap for a stage.
func (p RetryPolicy) Cap(s story.Stage) int {
	if cap, ok := p.caps[s]; ok {
		return cap
	}
	return p.defaultCap
}

// Machine is the pipeline state machine. All status and stage
// mutations for a story go through it, serialized under one lock, so
// readers never observe a half-updated story.
type Machine struct {
	registry *story.Registry
	bus      *eventbus.Bus
	policy   RetryPolicy

	mu       sync.Mutex
	inflight map[string]story.Stage
}

// New creates a machine over the shared registry and bus.
func New(registry *story.Registry, bus *eventbus.Bus, policy RetryPolicy) *Machine {
	return &Machine{
		registry: registry,
		bus:      bus,
		policy:   policy,
		inflight: make(map[string]story.Stage),
	}
}

// Begin marks a pending story in progress at its current stage and
// records the in-flight execution. A story already in flight is
// rejected, enforcing at most one active stage execution per story.
func (m *Machine) Begin(id string) (story.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stage, ok := m.inflight[id]; ok {
		return "", fmt.Errorf("story %s already in flight at stage %s", id, stage)
	}

	var stage story.Stage
	err := m.registry.Update(id, func(s *story.Story) error {
		if s.Status != story.StatusPending {
			return fmt.Errorf("story %s is %s, not pending", id, s.Status)
		}
		s.Status = story.StatusInProgress
		s.AssignedAgent = story.StageAgent(s.Stage)
		stage = s.Stage
		return nil
	})
	if err != nil {
		return "", err
	}

	m.inflight[id] = stage
	m.bus.Publish(eventbus.Event{
		Type:    eventbus.TypeStageStarted,
		StoryID: id,
		Stage:   stage,
	})
	return stage, nil
}

// Complete records a successful stage execution. The story advances to
// the next stage as pending, or to completed after the final stage.
// Returns the next stage and whether the story finished.
func (m *Machine) Complete(id string, stage story.Stage) (story.Stage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkInFlight(id, stage); err != nil {
		return "", false, err
	}

	var next story.Stage
	var done bool
	err := m.registry.Update(id, func(s *story.Story) error {
		n, ok := story.NextStage(s.Stage)
		if ok {
			s.Stage = n
			s.Status = story.StatusPending
			next = n
		} else {
			s.Status = story.StatusCompleted
			done = true
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}

	delete(m.inflight, id)
	m.bus.Publish(eventbus.Event{
		Type:    eventbus.TypeStageCompleted,
		StoryID: id,
		Stage:   stage,
	})
	if done {
		m.bus.Publish(eventbus.Event{
			Type:    eventbus.TypeCompleted,
			StoryID: id,
			Stage:   stage,
		})
	}
	return next, done, nil
}

// Fail records a failed stage execution. Within the stage's retry cap
// the story returns to pending at the same stage; past the cap it is
// blocked and exactly one escalation candidate event is emitted.
// Returns true when the story was blocked.
func (m *Machine) Fail(id string, stage story.Stage, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkInFlight(id, stage); err != nil {
		return false, err
	}

	var attempts int
	var blocked bool
	err := m.registry.Update(id, func(s *story.Story) error {
		s.Attempts[stage]++
		attempts = s.Attempts[stage]
		if attempts > m.policy.Cap(stage) {
			s.Status = story.StatusBlocked
			blocked = true
		} else {
			s.Status = story.StatusPending
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	delete(m.inflight, id)
	m.bus.Publish(eventbus.Event{
		Type:    eventbus.TypeStageFailed,
		StoryID: id,
		Stage:   stage,
		Payload: map[string]any{"reason": reason, "attempt": attempts},
	})
	if blocked {
		m.bus.Publish(eventbus.Event{
			Type:    eventbus.TypeEscalationCandidate,
			StoryID: id,
			Stage:   stage,
			Payload: map[string]any{"failures": attempts, "reason": reason},
		})
	}
	return blocked, nil
}

// ResetStage re-injects a blocked or escalated story at an explicit
// target stage with its attempt counter zeroed. Used by the external
// decision path; never moves a story directly to completed.
func (m *Machine) ResetStage(id string, target story.Stage) error {
	if !story.ValidStage(target) {
		return fmt.Errorf("unknown stage %q", target)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.registry.Update(id, func(s *story.Story) error {
		if s.Status != story.StatusBlocked && s.Status != story.StatusEscalated {
			return fmt.Errorf("story %s is %s; only blocked or escalated stories can be reset", id, s.Status)
		}
		s.Stage = target
		s.Status = story.StatusPending
		s.Attempts[target] = 0
		return nil
	})
}

// Reject forces a blocked or escalated story to the rejected terminal
// state.
func (m *Machine) Reject(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stage story.Stage
	err := m.registry.Update(id, func(s *story.Story) error {
		if s.Status != story.StatusBlocked && s.Status != story.StatusEscalated {
			return fmt.Errorf("story %s is %s; only blocked or escalated stories can be rejected", id, s.Status)
		}
		s.Status = story.StatusRejected
		stage = s.Stage
		return nil
	})
	if err != nil {
		return err
	}

	m.bus.Publish(eventbus.Event{
		Type:    eventbus.TypeRejected,
		StoryID: id,
		Stage:   stage,
	})
	return nil
}

// InFlight reports whether a stage execution is active for the story.
func (m *Machine) InFlight(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[id]
	return ok
}

// checkInFlight verifies a result report matches the recorded
// execution. Caller must hold the lock.
func (m *Machine) checkInFlight(id string, stage story.Stage) error {
	current, ok := m.inflight[id]
	if !ok {
		return fmt.Errorf("story %s has no stage execution in flight", id)
	}
	if current != stage {
		return fmt.Errorf("story %s is in flight at stage %s, not %s", id, current, stage)
	}
	return nil
}
