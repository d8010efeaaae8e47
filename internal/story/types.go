// Package story defines the work item model shared by the scheduler,
// pipeline state machine, and escalation manager.
package story

import (
	"fmt"
	"time"
)

// Priority orders stories for scheduling. P0 is the highest tier.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
)

// AllPriorities returns the priority tiers from highest to lowest.
func AllPriorities() []Priority {
	return []Priority{P0, P1, P2, P3}
}

// String implements fmt.Stringer.
func (p Priority) String() string {
	return fmt.Sprintf("P%d", int(p))
}

// Valid reports whether the priority is a known tier.
func (p Priority) Valid() bool {
	return p >= P0 && p <= P3
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority: %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority parses a tier label such as "P0".
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "P0", "p0":
		return P0, nil
	case "P1", "p1":
		return P1, nil
	case "P2", "p2":
		return P2, nil
	case "P3", "p3":
		return P3, nil
	}
	return 0, fmt.Errorf("unknown priority %q (expected P0..P3)", s)
}

// Stage represents one of the six ordered pipeline stages.
type Stage string

const (
	// StageSpecification produces the story specification.
	StageSpecification Stage = "specification"

	// StageDesign produces the design for the specified story.
	StageDesign Stage = "design"

	// StageImplementation produces the implementation.
	StageImplementation Stage = "implementation"

	// StageAutomatedTesting produces and runs the automated test suite.
	StageAutomatedTesting Stage = "automated_testing"

	// StageManualValidation validates the result from a user perspective.
	StageManualValidation Stage = "manual_validation"

	// StageFinalReview performs the final quality review.
	StageFinalReview Stage = "final_review"
)

// AllStages returns all stages in execution order.
func AllStages() []Stage {
	return []Stage{
		StageSpecification,
		StageDesign,
		StageImplementation,
		StageAutomatedTesting,
		StageManualValidation,
		StageFinalReview,
	}
}

// StageIndex returns the position of a stage in execution order,
// or -1 if the stage is unknown.
func StageIndex(s Stage) int {
	for i, stage := range AllStages() {
		if stage == s {
			return i
		}
	}
	return -1
}

// NextStage returns the stage following s. The second return value is
// false when s is the final stage or unknown.
func NextStage(s Stage) (Stage, bool) {
	idx := StageIndex(s)
	if idx < 0 || idx == len(AllStages())-1 {
		return "", false
	}
	return AllStages()[idx+1], true
}

// ValidStage reports whether s names a known pipeline stage.
func ValidStage(s Stage) bool {
	return StageIndex(s) >= 0
}

// AgentType identifies the specialized worker that serves a stage.
type AgentType string

const (
	AgentSpecWriter   AgentType = "spec-writer"
	AgentDesigner     AgentType = "designer"
	AgentDeveloper    AgentType = "developer"
	AgentTestEngineer AgentType = "test-engineer"
	AgentQATester     AgentType = "qa-tester"
	AgentReviewer     AgentType = "quality-reviewer"
)

// stageAgents maps each stage to the agent type that works it.
var stageAgents = map[Stage]AgentType{
	StageSpecification:    AgentSpecWriter,
	StageDesign:           AgentDesigner,
	StageImplementation:   AgentDeveloper,
	StageAutomatedTesting: AgentTestEngineer,
	StageManualValidation: AgentQATester,
	StageFinalReview:      AgentReviewer,
}

// StageAgent returns the agent type assigned to a stage.
func StageAgent(s Stage) AgentType {
	return stageAgents[s]
}

// Status represents the scheduling state of a story.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusEscalated  Status = "escalated"
	StatusRejected   Status = "rejected"
)

// Terminal reports whether the status permits no further automated
// transitions. Escalated stories leave automated scheduling but can be
// re-injected through an external decision.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// Story is a unit of prioritized, dependency-tracked work moving
// through the pipeline.
type Story struct {
	ID            string        `json:"id"`
	ParentFeature string        `json:"parent_feature"`
	Priority      Priority      `json:"priority"`
	Dependencies  []string      `json:"dependencies,omitempty"`
	Stage         Stage         `json:"stage"`
	Status        Status        `json:"status"`
	Attempts      map[Stage]int `json:"attempts,omitempty"`
	AssignedAgent AgentType     `json:"assigned_agent,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// New creates a pending story at the first pipeline stage.
func New(id, parentFeature string, priority Priority, dependencies []string) *Story {
	now := time.Now().UTC()
	deps := make([]string, len(dependencies))
	copy(deps, dependencies)
	return &Story{
		ID:            id,
		ParentFeature: parentFeature,
		Priority:      priority,
		Dependencies:  deps,
		Stage:         StageSpecification,
		Status:        StatusPending,
		Attempts:      make(map[Stage]int),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy. Registry reads hand out clones so callers
// never observe a half-updated story.
func (s *Story) Clone() *Story {
	c := *s
	c.Dependencies = make([]string, len(s.Dependencies))
	copy(c.Dependencies, s.Dependencies)
	c.Attempts = make(map[Stage]int, len(s.Attempts))
	for k, v := range s.Attempts {
		c.Attempts[k] = v
	}
	return &c
}

// Terminal reports whether the story is immutable.
func (s *Story) Terminal() bool {
	return s.Status.Terminal()
}
