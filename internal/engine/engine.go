// Package engine composes the registry, dependency graph, scheduler,
// pipeline state machine, contract validator, and escalation manager
// behind one facade. Callers enqueue stories, pull validated
// assignments, and report results; everything else is event-driven.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storyd/internal/contract"
	"github.com/fyrsmithlabs/storyd/internal/depgraph"
	"github.com/fyrsmithlabs/storyd/internal/escalation"
	"github.com/fyrsmithlabs/storyd/internal/eventbus"
	"github.com/fyrsmithlabs/storyd/internal/logging"
	"github.com/fyrsmithlabs/storyd/internal/pipeline"
	"github.com/fyrsmithlabs/storyd/internal/scheduler"
	"github.com/fyrsmithlabs/storyd/internal/story"
)

// Assignment is a ready-to-work dispatch for one stage of one story.
// The contract has already passed validation against the payload; a
// worker never receives an unvalidated handoff.
type Assignment struct {
	Story    *story.Story      `json:"story"`
	Contract contract.Contract `json:"contract"`
	Payload  contract.Payload  `json:"payload"`
}

// EnqueueRequest describes a story to admit to the backlog.
type EnqueueRequest struct {
	ID            string         `json:"id"`
	ParentFeature string         `json:"parent_feature"`
	Priority      story.Priority `json:"priority"`
	Dependencies  []string       `json:"dependencies,omitempty"`
}

// Options tunes engine construction. Zero values fall back to
// defaults.
type Options struct {
	Logger     *logging.Logger
	Retry      *pipeline.RetryPolicy
	Predicates contract.PredicateTable
	Escalation escalation.Config
}

// Engine is the work coordination engine. All story state lives in the
// shared registry; the engine's own lock only serializes admission so
// graph and registry stay consistent.
type Engine struct {
	log         *logging.Logger
	registry    *story.Registry
	graph       *depgraph.Graph
	sched       *scheduler.Scheduler
	machine     *pipeline.Machine
	bus         *eventbus.Bus
	validator   *contract.Validator
	escalations *escalation.Manager

	mu sync.Mutex

	artMu     sync.Mutex
	artifacts map[string]contract.Payload
}

// New creates a fully wired engine.
func New(opts Options) *Engine {
	metricsOnce.Do(initMetrics)

	log := opts.Logger
	if log == nil {
		log = logging.NewNop()
	}
	policy := pipeline.DefaultPolicy()
	if opts.Retry != nil {
		policy = *opts.Retry
	}
	predicates := opts.Predicates
	if predicates == nil {
		predicates = contract.DefaultPredicates()
	}

	registry := story.NewRegistry()
	graph := depgraph.New()
	bus := eventbus.New()

	e := &Engine{
		log:         log.Named("engine"),
		registry:    registry,
		graph:       graph,
		sched:       scheduler.New(registry, graph),
		machine:     pipeline.New(registry, bus, policy),
		bus:         bus,
		validator:   contract.NewValidator(predicates, contract.SchemaV1),
		escalations: escalation.NewManager(registry, bus, opts.Escalation),
		artifacts:   make(map[string]contract.Payload),
	}
	return e
}

// Bus exposes the event bus for external mirrors and stream readers.
func (e *Engine) Bus() *eventbus.Bus {
	return e.bus
}

// Subscribe registers a handler for one event type.
func (e *Engine) Subscribe(t eventbus.Type, h eventbus.Handler) {
	e.bus.Subscribe(t, h)
}

// Enqueue admits a story to the backlog. The dependency edges are
// committed atomically: a request introducing a cycle is rejected
// before any state changes, with the offending edge named in the
// error.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*story.Story, error) {
	const op = "engine.enqueue"

	if req.ID == "" {
		return nil, newError(op, KindInvalid, fmt.Errorf("story ID is required"))
	}
	if !req.Priority.Valid() {
		return nil, newError(op, KindInvalid, fmt.Errorf("unknown priority %d", int(req.Priority)))
	}

	e.mu.Lock()
	if _, ok := e.registry.Get(req.ID); ok {
		e.mu.Unlock()
		return nil, newError(op, KindConflict, fmt.Errorf("story %s already exists", req.ID))
	}
	if err := e.graph.AddEdges(req.ID, req.Dependencies); err != nil {
		e.mu.Unlock()
		return nil, newError(op, KindCycle, err)
	}
	st := story.New(req.ID, req.ParentFeature, req.Priority, req.Dependencies)
	if err := e.registry.Put(st); err != nil {
		e.mu.Unlock()
		return nil, newError(op, KindConflict, err)
	}
	e.mu.Unlock()

	// Seed the intake artifacts so the first handoff has the story
	// metadata its contract requires.
	e.artMu.Lock()
	e.artifacts[st.ID] = contract.Payload{
		"story_id":       st.ID,
		"parent_feature": st.ParentFeature,
	}
	e.artMu.Unlock()

	e.sched.Enqueue(st)
	e.bus.Publish(eventbus.Event{
		Type:    eventbus.TypeStoryEnqueued,
		StoryID: st.ID,
		Payload: map[string]any{
			"priority":     st.Priority.String(),
			"dependencies": append([]string(nil), st.Dependencies...),
		},
	})
	record(ctx, storiesEnqueuedCounter)
	e.log.Info(ctx, "story enqueued",
		zap.String("story_id", st.ID),
		zap.Stringer("priority", st.Priority),
		zap.Int("dependencies", len(st.Dependencies)))

	return st.Clone(), nil
}

// SelectNext returns the next validated assignment regardless of agent
// type, or false when nothing is eligible.
func (e *Engine) SelectNext(ctx context.Context) (*Assignment, bool) {
	return e.selectNext(ctx, e.sched.SelectNext)
}

// SelectNextFor returns the next validated assignment for one agent
// type, or false when nothing is eligible for it.
func (e *Engine) SelectNextFor(ctx context.Context, agent story.AgentType) (*Assignment, bool) {
	return e.selectNext(ctx, func() (*story.Story, bool) {
		return e.sched.SelectNextFor(agent)
	})
}

// selectNext pulls candidates from the scheduler until one passes
// dispatch validation. A candidate failing its handoff contract counts
// as a stage failure and re-enters the retry path, so a story with
// broken artifacts cannot wedge the queue.
func (e *Engine) selectNext(ctx context.Context, pick func() (*story.Story, bool)) (*Assignment, bool) {
	for {
		st, ok := pick()
		if !ok {
			e.noteStarvation(ctx)
			return nil, false
		}

		stage, err := e.machine.Begin(st.ID)
		if err != nil {
			// Lost the race with another dispatcher; try the next
			// candidate.
			continue
		}

		c := contract.BuildHandoff(st.ID, precedingStage(stage), stage)
		payload := e.artifactsFor(st.ID)
		res := e.validator.Validate(c, payload)
		if !res.OK {
			e.failStage(ctx, st.ID, stage, validationReason(res))
			continue
		}

		current, _ := e.registry.Get(st.ID)
		e.log.Debug(ctx, "assignment dispatched",
			zap.String("story_id", st.ID),
			zap.String("stage", string(stage)),
			zap.String("agent", string(story.StageAgent(stage))))
		return &Assignment{Story: current, Contract: c, Payload: payload}, true
	}
}

// ReportStageResult records the outcome of an in-flight stage
// execution. On success the produced artifacts are validated against
// the next stage's contract before the story advances; a validation
// failure is treated as a stage failure, not an error.
func (e *Engine) ReportStageResult(ctx context.Context, id string, stage story.Stage, success bool, produced contract.Payload, reason string) error {
	const op = "engine.report_result"

	if !story.ValidStage(stage) {
		return newError(op, KindInvalid, fmt.Errorf("unknown stage %q", stage))
	}

	elapsed, haveStart := e.stageElapsed(id, stage)

	if !success {
		if reason == "" {
			reason = "stage execution failed"
		}
		if err := e.failStage(ctx, id, stage, reason); err != nil {
			return newError(op, KindConflict, err)
		}
		if haveStart {
			recordDuration(ctx, string(stage), elapsed)
		}
		return nil
	}

	merged := e.mergedArtifacts(id, produced)

	if next, ok := story.NextStage(stage); ok {
		c := contract.BuildHandoff(id, stage, next)
		res := e.validator.Validate(c, merged)
		if !res.OK {
			if err := e.failStage(ctx, id, stage, validationReason(res)); err != nil {
				return newError(op, KindConflict, err)
			}
			if haveStart {
				recordDuration(ctx, string(stage), elapsed)
			}
			return nil
		}
	}

	next, done, err := e.machine.Complete(id, stage)
	if err != nil {
		return newError(op, KindConflict, err)
	}

	e.artMu.Lock()
	e.artifacts[id] = merged
	e.artMu.Unlock()

	recordStage(ctx, stageCompletionsCounter, string(stage))
	if haveStart {
		recordDuration(ctx, string(stage), elapsed)
	}
	if done {
		e.graph.MarkCompleted(id)
		e.artMu.Lock()
		delete(e.artifacts, id)
		e.artMu.Unlock()
		record(ctx, storiesCompletedCounter)
		e.log.Info(ctx, "story completed", zap.String("story_id", id))
		return nil
	}

	if st, ok := e.registry.Get(id); ok {
		e.sched.Enqueue(st)
	}
	e.log.Debug(ctx, "stage completed",
		zap.String("story_id", id),
		zap.String("stage", string(stage)),
		zap.String("next_stage", string(next)))
	return nil
}

// SubmitDecision applies an external verdict to an escalated story.
// Resume re-injects the story at the target stage with its attempt
// counter zeroed; reject abandons it. Decisions on stories that are
// not escalated are refused.
func (e *Engine) SubmitDecision(ctx context.Context, id string, d escalation.Decision, target story.Stage) error {
	const op = "engine.submit_decision"

	if !d.Valid() {
		return newError(op, KindInvalid, fmt.Errorf("unknown decision %q", d))
	}
	st, ok := e.registry.Get(id)
	if !ok {
		return newError(op, KindNotFound, fmt.Errorf("story %s not found", id))
	}
	if st.Status != story.StatusEscalated {
		return newError(op, KindConflict, fmt.Errorf("story %s is %s, not escalated", id, st.Status))
	}

	switch d {
	case DecisionResume:
		if !story.ValidStage(target) {
			return newError(op, KindInvalid, fmt.Errorf("unknown stage %q", target))
		}
		if err := e.machine.ResetStage(id, target); err != nil {
			return newError(op, KindConflict, err)
		}
		if current, ok := e.registry.Get(id); ok {
			e.sched.Enqueue(current)
		}
	case DecisionReject:
		if err := e.machine.Reject(id); err != nil {
			return newError(op, KindConflict, err)
		}
	}

	e.escalations.Resolve(id)
	e.bus.Publish(eventbus.Event{
		Type:    eventbus.TypeDecisionApplied,
		StoryID: id,
		Stage:   target,
		Payload: map[string]any{"decision": string(d), "target_stage": string(target)},
	})
	e.log.Info(ctx, "escalation decision applied",
		zap.String("story_id", id),
		zap.String("decision", string(d)),
		zap.String("target_stage", string(target)))
	return nil
}

// Decision aliases re-exported for callers that only import engine.
const (
	DecisionResume = escalation.DecisionResume
	DecisionReject = escalation.DecisionReject
)

// Story returns a snapshot of one story.
func (e *Engine) Story(id string) (*story.Story, bool) {
	return e.registry.Get(id)
}

// Stories returns snapshots of all stories.
func (e *Engine) Stories() []*story.Story {
	return e.registry.List()
}

// Record returns the open escalation record for a story, if any.
func (e *Engine) Record(id string) (*escalation.Record, bool) {
	return e.escalations.Record(id)
}

// Events returns the published event history for one story in order.
func (e *Engine) Events(id string) []eventbus.Event {
	return e.bus.HistoryFor(id)
}

// QueueStatus summarizes the backlog.
type QueueStatus struct {
	Total      int                  `json:"total"`
	Queued     int                  `json:"queued"`
	ByStatus   map[story.Status]int `json:"by_status"`
	ByPriority map[string]int       `json:"by_priority"`
}

// Status returns a point-in-time backlog summary.
func (e *Engine) Status() QueueStatus {
	qs := QueueStatus{
		Queued:     e.sched.Len(),
		ByStatus:   make(map[story.Status]int),
		ByPriority: make(map[string]int),
	}
	for _, st := range e.registry.List() {
		qs.Total++
		qs.ByStatus[st.Status]++
		qs.ByPriority[st.Priority.String()]++
	}
	return qs
}

// failStage routes a failure through the state machine and, within the
// retry cap, puts the story back in the queue.
func (e *Engine) failStage(ctx context.Context, id string, stage story.Stage, reason string) error {
	blocked, err := e.machine.Fail(id, stage, reason)
	if err != nil {
		return err
	}
	recordStage(ctx, stageFailuresCounter, string(stage))
	if strings.HasPrefix(reason, validationPrefix) {
		recordStage(ctx, validationFailuresCounter, string(stage))
	}
	if blocked {
		record(ctx, escalationsCounter)
		e.log.Warn(ctx, "story blocked past retry cap",
			zap.String("story_id", id),
			zap.String("stage", string(stage)),
			zap.String("reason", reason))
		return nil
	}
	if st, ok := e.registry.Get(id); ok {
		e.sched.Enqueue(st)
	}
	e.log.Debug(ctx, "stage failed, retrying",
		zap.String("story_id", id),
		zap.String("stage", string(stage)),
		zap.String("reason", reason))
	return nil
}

// noteStarvation records a selection that returned nothing while
// pending stories exist, which usually means every pending story is
// waiting on an unsatisfied dependency.
func (e *Engine) noteStarvation(ctx context.Context) {
	for _, st := range e.registry.List() {
		if st.Status == story.StatusPending {
			record(ctx, schedulerStarvedCounter)
			return
		}
	}
}

// artifactsFor returns a copy of the accumulated artifacts for a
// story.
// stageElapsed derives how long a stage has been in flight from the most
// recent stage_started event in the story's history.
func (e *Engine) stageElapsed(id string, stage story.Stage) (float64, bool) {
	var started time.Time
	for _, ev := range e.bus.HistoryFor(id) {
		if ev.Type == eventbus.TypeStageStarted && ev.Stage == stage {
			started = ev.Timestamp
		}
	}
	if started.IsZero() {
		return 0, false
	}
	return time.Since(started).Seconds(), true
}

func (e *Engine) artifactsFor(id string) contract.Payload {
	e.artMu.Lock()
	defer e.artMu.Unlock()
	out := make(contract.Payload, len(e.artifacts[id]))
	for k, v := range e.artifacts[id] {
		out[k] = v
	}
	return out
}

// mergedArtifacts returns the accumulated artifacts overlaid with the
// newly produced payload, without mutating stored state.
func (e *Engine) mergedArtifacts(id string, produced contract.Payload) contract.Payload {
	merged := e.artifactsFor(id)
	for k, v := range produced {
		merged[k] = v
	}
	return merged
}

const validationPrefix = "contract validation failed"

// validationReason formats a validation result as a failure reason.
func validationReason(res contract.ValidationResult) string {
	return validationPrefix + ": " + strings.Join(res.Failed, ", ")
}

// precedingStage returns the stage before s, or empty for the first
// stage (the intake handoff).
func precedingStage(s story.Stage) story.Stage {
	idx := story.StageIndex(s)
	if idx <= 0 {
		return ""
	}
	return story.AllStages()[idx-1]
}
