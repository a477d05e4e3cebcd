package trust

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const (
	MinScore = 0
	MaxScore = 100

	// Baseline is the neutral score a session summary starts from.
	Baseline = 50

	// MaxDelta bounds a single exchange's movement in either direction.
	MaxDelta = 15
)

// Mood is the coarse classification of a trust score.
type Mood string

const (
	MoodGuarded   Mood = "guarded"
	MoodWarmingUp Mood = "warming_up"
	MoodEngaged   Mood = "engaged"
)

// Label returns the human-readable mood name.
func (m Mood) Label() string {
	switch m {
	case MoodGuarded:
		return "Guarded"
	case MoodWarmingUp:
		return "Warming Up"
	case MoodEngaged:
		return "Engaged"
	default:
		return "Unknown"
	}
}

// ClampDelta converts a raw, possibly untyped delta into a bounded integer.
// Absent or non-numeric values count as no movement.
func ClampDelta(raw any) int {
	f, ok := numeric(raw)
	if !ok {
		return 0
	}
	if f > MaxDelta {
		return MaxDelta
	}
	if f < -MaxDelta {
		return -MaxDelta
	}
	return int(math.Round(f))
}

// NextScore applies a raw delta to the score before an exchange.
//
// Formula: after = clamp(before + clamp(delta, -15, 15), 0, 100)
func NextScore(before int, raw any) int {
	return Clamp(before + ClampDelta(raw))
}

// MoodFor classifies a score: 0-35 guarded, 36-65 warming up, 66-100 engaged.
func MoodFor(score int) Mood {
	score = Clamp(score)
	switch {
	case score <= 35:
		return MoodGuarded
	case score <= 65:
		return MoodWarmingUp
	default:
		return MoodEngaged
	}
}

// Clamp bounds a score to [0, 100].
func Clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

func numeric(raw any) (float64, bool) {
	var f float64
	switch v := raw.(type) {
	case nil:
		return 0, false
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
