package profile

import (
	"strings"

	"github.com/MikeSquared-Agency/rapport/internal/assessment"
	"github.com/MikeSquared-Agency/rapport/internal/deception"
	"github.com/MikeSquared-Agency/rapport/internal/difficulty"
)

var ignoredConcernMarkers = []string{
	"ignored",
	"ignoring",
	"ignores",
	"dismissed",
	"dismissive",
	"brushed off",
	"brushed aside",
	"did not address",
	"didn't address",
	"failed to address",
	"overlooked",
	"talked past",
}

// IgnoredConcern reports whether a judge rationale describes the rep
// ignoring a concern or objection.
func IgnoredConcern(rationale string) bool {
	r := strings.ToLower(rationale)
	for _, m := range ignoredConcernMarkers {
		if strings.Contains(r, m) {
			return true
		}
	}
	return false
}

// InferFlags derives the pattern flags one session's assessments trigger.
// Records are in chronological order.
//
// rushes_closure has no detection rule and is never set here; it can only
// arrive on a profile from an earlier source and is then preserved.
func InferFlags(records []assessment.ExchangeAssessment) map[difficulty.Flag]bool {
	flags := make(map[difficulty.Flag]bool)

	early := 0
	for i, r := range records {
		if i >= 3 {
			break
		}
		if r.Missed() {
			early++
		}
	}
	if early >= 2 {
		flags[difficulty.FlagPitchesTooEarly] = true
	}

	ignored, agreed := 0, 0
	for _, r := range records {
		if r.TrustDelta < -3 && IgnoredConcern(r.Rationale) {
			ignored++
		}
		if r.TacticIs(deception.HonestyTest) && r.Missed() {
			agreed++
		}
	}
	if ignored >= 2 {
		flags[difficulty.FlagIgnoresObjections] = true
	}
	if agreed >= 2 {
		flags[difficulty.FlagAgreesWithEverything] = true
	}

	return flags
}
