package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/storyd/internal/contract"
	"github.com/fyrsmithlabs/storyd/internal/eventbus"
	"github.com/fyrsmithlabs/storyd/internal/story"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return New(Options{})
}

func enqueue(t *testing.T, e *Engine, id string, p story.Priority, deps ...string) *story.Story {
	t.Helper()
	st, err := e.Enqueue(context.Background(), EnqueueRequest{
		ID:            id,
		ParentFeature: "feature-login",
		Priority:      p,
		Dependencies:  deps,
	})
	require.NoError(t, err)
	return st
}

// stagePayload returns a result payload that satisfies the handoff
// into the stage after the given one.
func stagePayload(stage story.Stage) contract.Payload {
	switch stage {
	case story.StageSpecification:
		return contract.Payload{
			"specification":       "user can log in with email and password",
			"acceptance_criteria": []string{"valid credentials grant access"},
			"design_principles":   map[string]any{"pedagogy": true, "simplicity": true},
			"target_audience_fit": true,
		}
	case story.StageDesign:
		return contract.Payload{
			"design_document":         "login flow design",
			"component_breakdown":     []string{"form", "session"},
			"architecture_consistent": true,
		}
	case story.StageImplementation:
		return contract.Payload{
			"code_files": []string{"login.go", "session.go"},
		}
	case story.StageAutomatedTesting:
		return contract.Payload{
			"test_suite":       []string{"TestLogin", "TestSession"},
			"coverage_percent": 92.5,
		}
	case story.StageManualValidation:
		return contract.Payload{
			"test_report":     map[string]any{"passed": true},
			"approval_status": "approved",
		}
	case story.StageFinalReview:
		return contract.Payload{
			"review_verdict": "approved",
		}
	}
	return nil
}

// advance selects the next assignment, asserts it belongs to the given
// story, and reports a successful result for it.
func advance(t *testing.T, e *Engine, id string) story.Stage {
	t.Helper()
	a, ok := e.SelectNext(context.Background())
	require.True(t, ok, "expected an eligible assignment")
	require.Equal(t, id, a.Story.ID)
	stage := a.Contract.TargetStage
	require.NoError(t, e.ReportStageResult(context.Background(), id, stage, true, stagePayload(stage), ""))
	return stage
}

// drive runs a story through every remaining stage to completion.
func drive(t *testing.T, e *Engine, id string) {
	t.Helper()
	for {
		st, ok := e.Story(id)
		require.True(t, ok)
		if st.Status == story.StatusCompleted {
			return
		}
		advance(t, e, id)
	}
}

// driveTo advances a story until it is pending at the target stage.
func driveTo(t *testing.T, e *Engine, id string, target story.Stage) {
	t.Helper()
	for {
		st, ok := e.Story(id)
		require.True(t, ok)
		require.Equal(t, story.StatusPending, st.Status)
		if st.Stage == target {
			return
		}
		advance(t, e, id)
	}
}

func TestEnqueue_RejectsInvalidRequests(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Enqueue(ctx, EnqueueRequest{Priority: story.P1})
	require.Error(t, err)
	assert.Equal(t, KindInvalid, ErrorKind(err))

	_, err = e.Enqueue(ctx, EnqueueRequest{ID: "story-1", Priority: story.Priority(9)})
	require.Error(t, err)
	assert.Equal(t, KindInvalid, ErrorKind(err))

	enqueue(t, e, "story-1", story.P1)
	_, err = e.Enqueue(ctx, EnqueueRequest{ID: "story-1", Priority: story.P1})
	require.Error(t, err)
	assert.Equal(t, KindConflict, ErrorKind(err))
}

func TestEnqueue_RejectsCyclesAtomically(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	enqueue(t, e, "story-a", story.P1, "story-b")

	_, err := e.Enqueue(ctx, EnqueueRequest{
		ID:           "story-b",
		Priority:     story.P1,
		Dependencies: []string{"story-c", "story-a"},
	})
	require.Error(t, err)
	assert.Equal(t, KindCycle, ErrorKind(err))
	assert.Contains(t, err.Error(), "story-a")

	_, ok := e.Story("story-b")
	assert.False(t, ok, "rejected story must leave no state behind")

	// The rejected request must not have committed the story-c edge
	// either: story-b with no dependencies is immediately eligible.
	enqueue(t, e, "story-b", story.P0)
	a, ok := e.SelectNext(ctx)
	require.True(t, ok)
	assert.Equal(t, "story-b", a.Story.ID)
}

func TestSelectNext_PriorityThenArrival(t *testing.T) {
	e := newTestEngine(t)

	enqueue(t, e, "story-a", story.P2)
	enqueue(t, e, "story-b", story.P0)
	enqueue(t, e, "story-c", story.P1)
	enqueue(t, e, "story-d", story.P0)

	var order []string
	for i := 0; i < 4; i++ {
		a, ok := e.SelectNext(context.Background())
		require.True(t, ok)
		order = append(order, a.Story.ID)
	}
	assert.Equal(t, []string{"story-b", "story-d", "story-c", "story-a"}, order)

	_, ok := e.SelectNext(context.Background())
	assert.False(t, ok, "everything is in flight")
}

func TestSelectNext_SkipsDependencyBlocked(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	enqueue(t, e, "story-x", story.P1)
	enqueue(t, e, "story-z", story.P0, "story-x")

	// story-z outranks story-x but waits on it.
	a, ok := e.SelectNext(ctx)
	require.True(t, ok)
	assert.Equal(t, "story-x", a.Story.ID)

	require.NoError(t, e.ReportStageResult(ctx, "story-x", a.Contract.TargetStage, true,
		stagePayload(a.Contract.TargetStage), ""))
	drive(t, e, "story-x")

	// With the dependency completed, story-z is eligible.
	a, ok = e.SelectNext(ctx)
	require.True(t, ok)
	assert.Equal(t, "story-z", a.Story.ID)
}

func TestSelectNextFor_FiltersByAgentType(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	enqueue(t, e, "story-1", story.P1)

	_, ok := e.SelectNextFor(ctx, story.AgentDesigner)
	assert.False(t, ok, "no design-stage work exists yet")

	a, ok := e.SelectNextFor(ctx, story.AgentSpecWriter)
	require.True(t, ok)
	assert.Equal(t, story.StageSpecification, a.Contract.TargetStage)
	assert.Equal(t, story.AgentSpecWriter, a.Story.AssignedAgent)

	require.NoError(t, e.ReportStageResult(ctx, "story-1", story.StageSpecification, true,
		stagePayload(story.StageSpecification), ""))

	a, ok = e.SelectNextFor(ctx, story.AgentDesigner)
	require.True(t, ok)
	assert.Equal(t, story.StageDesign, a.Contract.TargetStage)
}

func TestAssignment_CarriesValidatedContract(t *testing.T) {
	e := newTestEngine(t)

	enqueue(t, e, "story-1", story.P1)
	a, ok := e.SelectNext(context.Background())
	require.True(t, ok)

	assert.Equal(t, contract.SchemaV1, a.Contract.Version)
	assert.Equal(t, story.Stage(""), a.Contract.SourceStage)
	assert.Equal(t, story.StageSpecification, a.Contract.TargetStage)
	assert.Equal(t, "story-1", a.Payload["story_id"])
	assert.Equal(t, "feature-login", a.Payload["parent_feature"])
}

func TestFullPipeline_CompletesStory(t *testing.T) {
	e := newTestEngine(t)

	enqueue(t, e, "story-1", story.P1)
	drive(t, e, "story-1")

	st, ok := e.Story("story-1")
	require.True(t, ok)
	assert.Equal(t, story.StatusCompleted, st.Status)
	assert.Equal(t, story.StageFinalReview, st.Stage)

	var types []eventbus.Type
	for _, ev := range e.Events("story-1") {
		types = append(types, ev.Type)
	}
	assert.Equal(t, eventbus.TypeStoryEnqueued, types[0])
	assert.Equal(t, eventbus.TypeCompleted, types[len(types)-1])

	started := 0
	for _, tp := range types {
		if tp == eventbus.TypeStageStarted {
			started++
		}
	}
	assert.Equal(t, len(story.AllStages()), started)
}

func TestReportStageResult_FailureRetriesThenEscalates(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	enqueue(t, e, "story-1", story.P1)

	// First failure is within the default cap: back to pending at the
	// same stage.
	_, ok := e.SelectNext(ctx)
	require.True(t, ok)
	require.NoError(t, e.ReportStageResult(ctx, "story-1", story.StageSpecification, false, nil, "spec incomplete"))

	st, _ := e.Story("story-1")
	assert.Equal(t, story.StatusPending, st.Status)
	assert.Equal(t, story.StageSpecification, st.Stage)
	assert.Equal(t, 1, st.Attempts[story.StageSpecification])

	// Second failure exceeds the cap: the story escalates.
	_, ok = e.SelectNext(ctx)
	require.True(t, ok)
	require.NoError(t, e.ReportStageResult(ctx, "story-1", story.StageSpecification, false, nil, "spec still incomplete"))

	st, _ = e.Story("story-1")
	assert.Equal(t, story.StatusEscalated, st.Status)

	rec, ok := e.Record("story-1")
	require.True(t, ok)
	assert.Equal(t, story.StageSpecification, rec.Stage)
	assert.Equal(t, 2, rec.ConsecutiveFailures)
	assert.Equal(t, []string{"spec incomplete", "spec still incomplete"}, rec.Reasons)
	assert.NotEmpty(t, rec.Options)

	candidates := 0
	for _, ev := range e.Events("story-1") {
		if ev.Type == eventbus.TypeEscalationCandidate {
			candidates++
		}
	}
	assert.Equal(t, 1, candidates, "exactly one candidate per blocking failure")

	_, ok = e.SelectNext(ctx)
	assert.False(t, ok, "escalated stories leave automated scheduling")
}

func TestManualValidation_AbsorbsThreeFailures(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	enqueue(t, e, "story-1", story.P1)
	driveTo(t, e, "story-1", story.StageManualValidation)

	for i := 1; i <= 3; i++ {
		a, ok := e.SelectNext(ctx)
		require.True(t, ok)
		require.Equal(t, story.StageManualValidation, a.Contract.TargetStage)
		require.NoError(t, e.ReportStageResult(ctx, "story-1", story.StageManualValidation, false, nil,
			fmt.Sprintf("qa iteration %d failed", i)))

		st, _ := e.Story("story-1")
		require.Equal(t, story.StatusPending, st.Status, "failure %d is within the cap", i)
	}

	// The fourth failure trips the deadlock breaker.
	_, ok := e.SelectNext(ctx)
	require.True(t, ok)
	require.NoError(t, e.ReportStageResult(ctx, "story-1", story.StageManualValidation, false, nil, "qa iteration 4 failed"))

	st, _ := e.Story("story-1")
	assert.Equal(t, story.StatusEscalated, st.Status)

	rec, ok := e.Record("story-1")
	require.True(t, ok)
	assert.Equal(t, 4, rec.ConsecutiveFailures)
	assert.Len(t, rec.Reasons, 4)
}

func TestReportStageResult_ValidationFailureIsStageFailure(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	enqueue(t, e, "story-1", story.P1)
	_, ok := e.SelectNext(ctx)
	require.True(t, ok)

	// Missing acceptance criteria and compliance fields: the design
	// handoff is refused and the story retries specification.
	bad := contract.Payload{"specification": "user can log in"}
	require.NoError(t, e.ReportStageResult(ctx, "story-1", story.StageSpecification, true, bad, ""))

	st, _ := e.Story("story-1")
	assert.Equal(t, story.StatusPending, st.Status)
	assert.Equal(t, story.StageSpecification, st.Stage, "story must not advance on a rejected handoff")
	assert.Equal(t, 1, st.Attempts[story.StageSpecification])

	var failure *eventbus.Event
	for _, ev := range e.Events("story-1") {
		if ev.Type == eventbus.TypeStageFailed {
			ev := ev
			failure = &ev
		}
	}
	require.NotNil(t, failure)
	reason, _ := failure.Payload["reason"].(string)
	assert.Contains(t, reason, "input:acceptance_criteria")
	assert.Contains(t, reason, contract.PredicateDesignPrinciples)

	// A clean retry with complete artifacts advances normally.
	_, ok = e.SelectNext(ctx)
	require.True(t, ok)
	require.NoError(t, e.ReportStageResult(ctx, "story-1", story.StageSpecification, true,
		stagePayload(story.StageSpecification), ""))
	st, _ = e.Story("story-1")
	assert.Equal(t, story.StageDesign, st.Stage)
}

func TestReportStageResult_RejectsMismatchedReports(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	enqueue(t, e, "story-1", story.P1)

	err := e.ReportStageResult(ctx, "story-1", "compile", true, nil, "")
	assert.Equal(t, KindInvalid, ErrorKind(err))

	// Nothing in flight yet.
	err = e.ReportStageResult(ctx, "story-1", story.StageSpecification, true, stagePayload(story.StageSpecification), "")
	assert.Equal(t, KindConflict, ErrorKind(err))

	_, ok := e.SelectNext(ctx)
	require.True(t, ok)

	// Wrong stage for the recorded execution.
	err = e.ReportStageResult(ctx, "story-1", story.StageDesign, true, nil, "")
	assert.Equal(t, KindConflict, ErrorKind(err))
}

func escalate(t *testing.T, e *Engine, id string) {
	t.Helper()
	ctx := context.Background()
	for {
		st, ok := e.Story(id)
		require.True(t, ok)
		if st.Status == story.StatusEscalated {
			return
		}
		_, ok = e.SelectNext(ctx)
		require.True(t, ok)
		require.NoError(t, e.ReportStageResult(ctx, id, story.StageSpecification, false, nil, "spec unworkable"))
	}
}

func TestSubmitDecision_ResumeReinjects(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	enqueue(t, e, "story-1", story.P1)
	escalate(t, e, "story-1")

	require.NoError(t, e.SubmitDecision(ctx, "story-1", DecisionResume, story.StageSpecification))

	st, _ := e.Story("story-1")
	assert.Equal(t, story.StatusPending, st.Status)
	assert.Equal(t, 0, st.Attempts[story.StageSpecification], "attempt counter resets on re-injection")

	_, ok := e.Record("story-1")
	assert.False(t, ok, "resolved records are removed")

	// The re-injected story schedules and can run to completion.
	drive(t, e, "story-1")
	st, _ = e.Story("story-1")
	assert.Equal(t, story.StatusCompleted, st.Status)
}

func TestSubmitDecision_RejectTerminates(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	enqueue(t, e, "story-1", story.P1)
	escalate(t, e, "story-1")

	require.NoError(t, e.SubmitDecision(ctx, "story-1", DecisionReject, ""))

	st, _ := e.Story("story-1")
	assert.Equal(t, story.StatusRejected, st.Status)

	var last eventbus.Type
	for _, ev := range e.Events("story-1") {
		last = ev.Type
	}
	assert.Equal(t, eventbus.TypeDecisionApplied, last)

	// Terminal stories accept no further decisions.
	err := e.SubmitDecision(ctx, "story-1", DecisionResume, story.StageSpecification)
	assert.Equal(t, KindConflict, ErrorKind(err))
}

func TestSubmitDecision_Guards(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	err := e.SubmitDecision(ctx, "story-missing", DecisionResume, story.StageSpecification)
	assert.Equal(t, KindNotFound, ErrorKind(err))

	enqueue(t, e, "story-1", story.P1)

	err = e.SubmitDecision(ctx, "story-1", "defer", "")
	assert.Equal(t, KindInvalid, ErrorKind(err))

	err = e.SubmitDecision(ctx, "story-1", DecisionResume, story.StageSpecification)
	assert.Equal(t, KindConflict, ErrorKind(err), "pending stories are not decidable")

	escalate(t, e, "story-1")
	err = e.SubmitDecision(ctx, "story-1", DecisionResume, "compile")
	assert.Equal(t, KindInvalid, ErrorKind(err))
}

func TestStatus_SummarizesBacklog(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	enqueue(t, e, "story-a", story.P0)
	enqueue(t, e, "story-b", story.P1)
	enqueue(t, e, "story-c", story.P1, "story-a")

	_, ok := e.SelectNext(ctx)
	require.True(t, ok)

	qs := e.Status()
	assert.Equal(t, 3, qs.Total)
	assert.Equal(t, 1, qs.ByStatus[story.StatusInProgress])
	assert.Equal(t, 2, qs.ByStatus[story.StatusPending])
	assert.Equal(t, 1, qs.ByPriority["P0"])
	assert.Equal(t, 2, qs.ByPriority["P1"])
}
