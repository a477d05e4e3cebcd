package difficulty

import (
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/rapport/internal/deception"
)

// Flag names a behavioural pattern observed across an agent's sessions.
type Flag string

const (
	FlagPitchesTooEarly      Flag = "pitches_too_early"
	FlagIgnoresObjections    Flag = "ignores_objections"
	FlagAgreesWithEverything Flag = "agrees_with_everything"
	FlagRushesClosure        Flag = "rushes_closure"
)

// Flags lists every known flag in canonical order.
var Flags = []Flag{
	FlagPitchesTooEarly,
	FlagIgnoresObjections,
	FlagAgreesWithEverything,
	FlagRushesClosure,
}

var hints = map[Flag]string{
	FlagPitchesTooEarly:      "This rep tends to pitch before understanding needs. Probe whether they ask discovery questions before presenting a solution.",
	FlagIgnoresObjections:    "This rep has ignored objections before. Raise a subtle objection and watch whether it gets addressed or skipped.",
	FlagAgreesWithEverything: "This rep tends to agree with whatever they hear. State something false about fees and see whether they correct it.",
	FlagRushesClosure:        "This rep has rushed to close. Express early interest and watch for a premature close attempt.",
}

// hint returns the coaching hint for a flag, or "" for unknown flags.
func hint(f Flag) string {
	return hints[f]
}

// Sophistication describes how subtle the counterpart's deceptions are.
type Sophistication string

const (
	Basic    Sophistication = "basic"
	Moderate Sophistication = "moderate"
	Advanced Sophistication = "advanced"
)

// History is the slice of an agent profile the selector reads.
type History struct {
	RollingAverage int
	TotalSessions  int
	Flags          map[Flag]bool
}

// Bootstrap is the history assumed for an agent with no profile yet.
func Bootstrap() History {
	return History{RollingAverage: 50}
}

// Config is the next session's setup.
type Config struct {
	Difficulty        deception.Difficulty `json:"difficulty"`
	StartingTrust     int                  `json:"starting_trust"`
	Sophistication    Sophistication       `json:"sophistication"`
	ActiveTactics     []deception.Entry    `json:"active_tactics"`
	DeceptionCadence  int                  `json:"deception_cadence"`
	FrequencyGuidance string               `json:"frequency_guidance"`
	CoachingHints     []string             `json:"coaching_hints"`
}

// Select computes the next session configuration. First matching rule wins:
//
//	sessions < 3       -> easy,   55, basic
//	average >= 70      -> hard,   40, advanced
//	average <= 40      -> easy,   55, basic
//	otherwise          -> normal, 50, moderate
func Select(h History) Config {
	var level deception.Difficulty
	switch {
	case h.TotalSessions < 3:
		level = deception.Easy
	case h.RollingAverage >= 70:
		level = deception.Hard
	case h.RollingAverage <= 40:
		level = deception.Easy
	default:
		level = deception.Normal
	}

	cfg := Preset(level)
	for _, f := range Flags {
		if h.Flags[f] {
			cfg.CoachingHints = append(cfg.CoachingHints, hint(f))
		}
	}
	return cfg
}

// Preset is the configuration for a difficulty level with no coaching hints.
// Unknown levels get normal.
func Preset(d deception.Difficulty) Config {
	var cfg Config
	switch d {
	case deception.Easy:
		cfg = Config{Difficulty: deception.Easy, StartingTrust: 55, Sophistication: Basic}
	case deception.Hard:
		cfg = Config{Difficulty: deception.Hard, StartingTrust: 40, Sophistication: Advanced}
	default:
		cfg = Config{Difficulty: deception.Normal, StartingTrust: 50, Sophistication: Moderate}
	}
	cfg.ActiveTactics = deception.ActiveSubset(cfg.Difficulty)
	cfg.DeceptionCadence = deception.Cadence(cfg.Difficulty)
	cfg.FrequencyGuidance = deception.FrequencyGuidance(cfg.Difficulty)
	cfg.CoachingHints = []string{}
	return cfg
}

// PromptContext renders the config as advisory context for the dialogue
// generator.
func (c Config) PromptContext() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Difficulty: %s (deception sophistication: %s)\n", c.Difficulty, c.Sophistication)
	fmt.Fprintf(&b, "Starting trust: %d/100\n", c.StartingTrust)
	b.WriteString("Available deception tactics:\n")
	for _, e := range c.ActiveTactics {
		fmt.Fprintf(&b, "- %s: %s\n", e.Tactic, e.Description)
	}
	b.WriteString(c.FrequencyGuidance)
	b.WriteString("\n")
	if len(c.CoachingHints) > 0 {
		b.WriteString("Coaching focus for this rep:\n")
		for _, h := range c.CoachingHints {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	return b.String()
}
