package contract

// Compliance predicate names registered by default. Predicates are
// pure functions over the payload, independently testable, and can be
// replaced wholesale by supplying a different table to NewValidator.
const (
	// PredicateDesignPrinciples requires every declared design
	// principle in the payload to be marked aligned.
	PredicateDesignPrinciples = "design_principles_aligned"

	// PredicateAudienceFit requires the work to fit the target
	// audience.
	PredicateAudienceFit = "target_audience_fit"

	// PredicateArchitectureConsistent requires an affirmative
	// architecture review flag.
	PredicateArchitectureConsistent = "architecture_consistent"

	// PredicateCoverageThreshold requires automated test coverage of
	// at least the threshold below.
	PredicateCoverageThreshold = "coverage_threshold"
)

// minCoveragePercent gates the automated-testing handoff.
const minCoveragePercent = 80.0

// DefaultPredicates returns the standard compliance table.
func DefaultPredicates() PredicateTable {
	return PredicateTable{
		PredicateDesignPrinciples:       designPrinciplesAligned,
		PredicateAudienceFit:            targetAudienceFit,
		PredicateArchitectureConsistent: architectureConsistent,
		PredicateCoverageThreshold:      coverageThreshold,
	}
}

// designPrinciplesAligned checks payload["design_principles"], a map
// of principle name to alignment flag. Every declared principle must
// be true; an absent or empty map fails.
func designPrinciplesAligned(p Payload) bool {
	raw, ok := p["design_principles"]
	if !ok {
		return false
	}
	principles, ok := raw.(map[string]any)
	if !ok || len(principles) == 0 {
		return false
	}
	for _, v := range principles {
		aligned, ok := v.(bool)
		if !ok || !aligned {
			return false
		}
	}
	return true
}

func targetAudienceFit(p Payload) bool {
	fit, ok := p["target_audience_fit"].(bool)
	return ok && fit
}

func architectureConsistent(p Payload) bool {
	consistent, ok := p["architecture_consistent"].(bool)
	return ok && consistent
}

func coverageThreshold(p Payload) bool {
	switch v := p["coverage_percent"].(type) {
	case float64:
		return v >= minCoveragePercent
	case float32:
		return float64(v) >= minCoveragePercent
	case int:
		return float64(v) >= minCoveragePercent
	case int64:
		return float64(v) >= minCoveragePercent
	}
	return false
}
