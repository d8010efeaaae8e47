// Package contract implements the validated handoff envelope exchanged
// at every pipeline stage transition. A contract failing validation is
// never handed to a worker; each transition attempt builds a fresh
// contract so partial or stale data cannot leak across retries.
package contract

import (
	"github.com/fyrsmithlabs/storyd/internal/story"
)

// Payload is the untyped data a worker hands over at a stage boundary.
type Payload map[string]any

// Shape declares the expected structure of a required input field.
type Shape string

const (
	ShapeAny    Shape = "any"
	ShapeString Shape = "string"
	ShapeNumber Shape = "number"
	ShapeBool   Shape = "bool"
	ShapeList   Shape = "list"
	ShapeMap    Shape = "map"
)

// Matches reports whether a payload value has the declared shape.
// String and list shapes additionally require non-emptiness: an empty
// artifact is as useless to the next stage as a missing one.
func (sh Shape) Matches(v any) bool {
	switch sh {
	case ShapeAny:
		return v != nil
	case ShapeString:
		s, ok := v.(string)
		return ok && s != ""
	case ShapeNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case ShapeBool:
		_, ok := v.(bool)
		return ok
	case ShapeList:
		switch l := v.(type) {
		case []any:
			return len(l) > 0
		case []string:
			return len(l) > 0
		}
		return false
	case ShapeMap:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

// FieldSpec declares one required input or declared output.
type FieldSpec struct {
	Name  string `json:"name"`
	Shape Shape  `json:"shape"`
}

// Contract is the versioned envelope for one stage handoff. Contracts
// are built per transition attempt and discarded after validation.
type Contract struct {
	Version     string      `json:"version"`
	SourceStage story.Stage `json:"source_stage"`
	TargetStage story.Stage `json:"target_stage"`
	StoryID     string      `json:"story_id"`
	Inputs      []FieldSpec `json:"inputs,omitempty"`
	Outputs     []FieldSpec `json:"outputs,omitempty"`
	Compliance  []string    `json:"compliance,omitempty"`
}

// Predicate is a pure compliance check over a payload.
type Predicate func(Payload) bool

// PredicateTable maps compliance predicate names to their
// implementations. The table is supplied at validator construction,
// never hard-coded into the validator.
type PredicateTable map[string]Predicate

// ValidationResult reports the outcome of validating one contract.
// Failed preserves declaration order so failures are reproducible.
type ValidationResult struct {
	OK     bool     `json:"ok"`
	Failed []string `json:"failed,omitempty"`
}

// Failure names used for non-predicate checks.
const (
	failVersion    = "contract_version"
	failTransition = "stage_transition"
	inputPrefix    = "input:"
)

// Validator validates contracts against registered predicates and
// recognized schema versions. Validation is a pure function over the
// contract, payload, and predicate table; a failed validation is a
// normal outcome that drives a retry, never a fatal error.
type Validator struct {
	predicates PredicateTable
	versions   map[string]bool
}

// NewValidator creates a validator recognizing the given schema
// versions. Unknown contract versions fail closed.
func NewValidator(predicates PredicateTable, versions ...string) *Validator {
	known := make(map[string]bool, len(versions))
	for _, v := range versions {
		known[v] = true
	}
	return &Validator{predicates: predicates, versions: known}
}

// Validate checks a contract against the actual payload. Checks run in
// order: structural inputs, compliance predicates, then the fixed
// stage-pair table. All failures are collected so a report names every
// failed predicate, not just the first.
func (v *Validator) Validate(c Contract, payload Payload) ValidationResult {
	if !v.versions[c.Version] {
		return ValidationResult{Failed: []string{failVersion}}
	}

	var failed []string

	for _, in := range c.Inputs {
		val, ok := payload[in.Name]
		if !ok || !in.Shape.Matches(val) {
			failed = append(failed, inputPrefix+in.Name)
		}
	}

	for _, name := range c.Compliance {
		pred, ok := v.predicates[name]
		if !ok || !pred(payload) {
			failed = append(failed, name)
		}
	}

	if !AllowedTransition(c.SourceStage, c.TargetStage) {
		failed = append(failed, failTransition)
	}

	return ValidationResult{OK: len(failed) == 0, Failed: failed}
}

// AllowedTransition reports whether the stage pair is one of the fixed
// allowed handoffs. An empty source is the intake handoff into the
// first stage. Out-of-order handoffs are rejected regardless of
// payload content.
func AllowedTransition(source, target story.Stage) bool {
	if source == "" {
		return target == story.AllStages()[0]
	}
	next, ok := story.NextStage(source)
	return ok && next == target
}
