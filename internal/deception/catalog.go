// Package deception holds the fixed catalog of scripted tactics the simulated
// counterpart may use to test a rep, and the difficulty tiers that gate them.
package deception

import (
	"fmt"
	"strings"
)

// Tactic identifies one scripted deception.
type Tactic string

const (
	PoliteLie       Tactic = "polite_lie"
	TimeTrap        Tactic = "time_trap"
	HonestyTest     Tactic = "honesty_test"
	RedHerring      Tactic = "red_herring"
	GatekeeperTest  Tactic = "gatekeeper_test"
	CompetitorBluff Tactic = "competitor_bluff"
)

// Entry pairs a tactic with the behaviour it asks the counterpart to perform.
type Entry struct {
	Tactic      Tactic `json:"tactic"`
	Description string `json:"description"`
}

// catalog order matters: difficulty tiers take a prefix of it.
var catalog = []Entry{
	{PoliteLie, "Feign satisfaction to see whether the rep keeps probing or takes the answer at face value."},
	{TimeTrap, "Manufacture urgency to see whether the rep rushes past discovery."},
	{HonestyTest, "State something false to see whether the rep corrects it."},
	{RedHerring, "Raise an irrelevant concern to see whether the rep stays focused."},
	{GatekeeperTest, "Claim someone else makes the decision to see how the rep navigates it."},
	{CompetitorBluff, "Cite a rival offer that does not exist to see whether the rep stays composed."},
}

// Catalog returns a copy of the full ordered catalog.
func Catalog() []Entry {
	out := make([]Entry, len(catalog))
	copy(out, catalog)
	return out
}

// Describe returns the behavioural description of a tactic.
func Describe(t Tactic) string {
	for _, e := range catalog {
		if e.Tactic == t {
			return e.Description
		}
	}
	return ""
}

// Parse normalizes a free-form label ("Honesty Test", "honesty-test") to a
// catalog tactic. Unknown labels report false.
func Parse(label string) (Tactic, bool) {
	norm := strings.ToLower(strings.TrimSpace(label))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	for _, e := range catalog {
		if string(e.Tactic) == norm {
			return e.Tactic, true
		}
	}
	return "", false
}

// Difficulty is the session tier.
type Difficulty string

const (
	Easy   Difficulty = "easy"
	Normal Difficulty = "normal"
	Hard   Difficulty = "hard"
)

// ParseDifficulty maps a label to a tier. Unknown labels fall back to normal.
func ParseDifficulty(s string) (Difficulty, bool) {
	switch Difficulty(strings.ToLower(strings.TrimSpace(s))) {
	case Easy:
		return Easy, true
	case Normal:
		return Normal, true
	case Hard:
		return Hard, true
	default:
		return Normal, false
	}
}

// ActiveSubset returns the tactics enabled at a difficulty, in catalog order.
func ActiveSubset(d Difficulty) []Entry {
	n := 5
	switch d {
	case Easy:
		n = 3
	case Hard:
		n = len(catalog)
	}
	out := make([]Entry, n)
	copy(out, catalog[:n])
	return out
}

// Cadence is the suggested number of exchanges between deceptions.
func Cadence(d Difficulty) int {
	switch d {
	case Easy:
		return 5
	case Hard:
		return 2
	default:
		return 3
	}
}

// FrequencyGuidance is advisory prompt text for the dialogue generator.
// Nothing checks that the generator actually follows it.
func FrequencyGuidance(d Difficulty) string {
	return fmt.Sprintf("Deploy a deception roughly once every %d exchanges.", Cadence(d))
}
