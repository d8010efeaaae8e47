package contract

import (
	"github.com/fyrsmithlabs/storyd/internal/story"
)

// SchemaV1 is the current contract schema version.
const SchemaV1 = "1.0"

// StageIO declares what a stage requires on entry, what it produces,
// and which compliance predicates gate its handoff.
type StageIO struct {
	Inputs     []FieldSpec
	Outputs    []FieldSpec
	Compliance []string
}

// schemaV1 fixes the required inputs and compliance checks for each
// stage handoff. Inputs of stage N are the outputs the stage N-1
// worker must have produced; the intake handoff into the first stage
// requires only story metadata.
var schemaV1 = map[story.Stage]StageIO{
	story.StageSpecification: {
		Inputs: []FieldSpec{
			{Name: "story_id", Shape: ShapeString},
			{Name: "parent_feature", Shape: ShapeString},
		},
		Outputs: []FieldSpec{
			{Name: "specification", Shape: ShapeString},
			{Name: "acceptance_criteria", Shape: ShapeList},
		},
	},
	story.StageDesign: {
		Inputs: []FieldSpec{
			{Name: "specification", Shape: ShapeString},
			{Name: "acceptance_criteria", Shape: ShapeList},
		},
		Outputs: []FieldSpec{
			{Name: "design_document", Shape: ShapeString},
			{Name: "component_breakdown", Shape: ShapeList},
		},
		Compliance: []string{PredicateDesignPrinciples, PredicateAudienceFit},
	},
	story.StageImplementation: {
		Inputs: []FieldSpec{
			{Name: "design_document", Shape: ShapeString},
			{Name: "component_breakdown", Shape: ShapeList},
		},
		Outputs: []FieldSpec{
			{Name: "code_files", Shape: ShapeList},
		},
		Compliance: []string{PredicateArchitectureConsistent},
	},
	story.StageAutomatedTesting: {
		Inputs: []FieldSpec{
			{Name: "code_files", Shape: ShapeList},
		},
		Outputs: []FieldSpec{
			{Name: "test_suite", Shape: ShapeList},
			{Name: "coverage_percent", Shape: ShapeNumber},
		},
		Compliance: []string{PredicateArchitectureConsistent},
	},
	story.StageManualValidation: {
		Inputs: []FieldSpec{
			{Name: "test_suite", Shape: ShapeList},
			{Name: "coverage_percent", Shape: ShapeNumber},
		},
		Outputs: []FieldSpec{
			{Name: "test_report", Shape: ShapeMap},
			{Name: "approval_status", Shape: ShapeString},
		},
		Compliance: []string{PredicateCoverageThreshold},
	},
	story.StageFinalReview: {
		Inputs: []FieldSpec{
			{Name: "test_report", Shape: ShapeMap},
			{Name: "approval_status", Shape: ShapeString},
		},
		Outputs: []FieldSpec{
			{Name: "review_verdict", Shape: ShapeString},
		},
		Compliance: []string{PredicateAudienceFit},
	},
}

// StageRequirements returns the schema entry for a stage under the
// given version. Unknown versions or stages return false.
func StageRequirements(version string, target story.Stage) (StageIO, bool) {
	if version != SchemaV1 {
		return StageIO{}, false
	}
	io, ok := schemaV1[target]
	return io, ok
}

// BuildHandoff constructs a fresh contract for dispatching the target
// stage of a story. Source is the preceding stage, or empty for the
// intake handoff into the first stage.
func BuildHandoff(storyID string, source, target story.Stage) Contract {
	io, _ := StageRequirements(SchemaV1, target)
	c := Contract{
		Version:     SchemaV1,
		SourceStage: source,
		TargetStage: target,
		StoryID:     storyID,
		Inputs:      append([]FieldSpec(nil), io.Inputs...),
		Outputs:     append([]FieldSpec(nil), io.Outputs...),
		Compliance:  append([]string(nil), io.Compliance...),
	}
	return c
}
