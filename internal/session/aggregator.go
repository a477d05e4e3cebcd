package session

import (
	"math"
	"time"

	"github.com/MikeSquared-Agency/rapport/internal/assessment"
	"github.com/MikeSquared-Agency/rapport/internal/deception"
	"github.com/MikeSquared-Agency/rapport/internal/trust"
)

// Grade is the letter grade for a session's end score.
type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

// Label is the human-readable name shown in debriefs.
func (g Grade) Label() string {
	switch g {
	case GradeA:
		return "Trusted Advisor"
	case GradeB:
		return "Credible Partner"
	case GradeC:
		return "Neutral Vendor"
	case GradeD:
		return "Skeptical Prospect"
	default:
		return "Trust Lost"
	}
}

// GradeFor maps an end score to a grade: A >= 80, B 65-79, C 50-64, D 35-49, F < 35.
func GradeFor(score int) Grade {
	switch {
	case score >= 80:
		return GradeA
	case score >= 65:
		return GradeB
	case score >= 50:
		return GradeC
	case score >= 35:
		return GradeD
	default:
		return GradeF
	}
}

// Meta identifies the session being summarized.
type Meta struct {
	SessionID   string
	SessionKind assessment.SessionKind
	AgentID     string
	Difficulty  deception.Difficulty
	CompletedAt time.Time
}

type ProgressionPoint struct {
	Exchange int `json:"exchange"`
	Score    int `json:"score"`
	Delta    int `json:"delta"`
}

type DeceptionDetail struct {
	Exchange  int               `json:"exchange"`
	Type      *deception.Tactic `json:"type"`
	Caught    bool              `json:"caught"`
	Rationale string            `json:"rationale"`
}

type MoodPoint struct {
	Exchange int        `json:"exchange"`
	Mood     trust.Mood `json:"mood"`
	Label    string     `json:"label"`
}

// Summary is the immutable end-of-session record. It is complete on its own:
// a debrief renderer needs nothing else.
type Summary struct {
	SessionID        string                 `json:"session_id"`
	SessionKind      assessment.SessionKind `json:"session_kind"`
	AgentID          string                 `json:"agent_id"`
	StartScore       int                    `json:"start_score"`
	EndScore         int                    `json:"end_score"`
	PeakScore        int                    `json:"peak_score"`
	LowestScore      int                    `json:"lowest_score"`
	AverageScore     int                    `json:"average_score"`
	TotalDeceptions  int                    `json:"total_deceptions"`
	DeceptionsCaught int                    `json:"deceptions_caught"`
	Progression      []ProgressionPoint     `json:"progression"`
	DeceptionDetails []DeceptionDetail      `json:"deception_details"`
	MoodJourney      []MoodPoint            `json:"mood_journey"`
	Difficulty       deception.Difficulty   `json:"difficulty"`
	Grade            Grade                  `json:"grade"`
	GradeLabel       string                 `json:"grade_label"`
	CompletedAt      time.Time              `json:"completed_at"`
}

// Summarize folds a session's assessments, in chronological order, into one
// summary. Per-exchange sequences keep the input order. An empty slice is a
// valid input (abandoned session) and yields the baseline score everywhere.
func Summarize(meta Meta, records []assessment.ExchangeAssessment) Summary {
	s := Summary{
		SessionID:        meta.SessionID,
		SessionKind:      meta.SessionKind,
		AgentID:          meta.AgentID,
		StartScore:       trust.Baseline,
		EndScore:         trust.Baseline,
		PeakScore:        trust.Baseline,
		LowestScore:      trust.Baseline,
		AverageScore:     trust.Baseline,
		Progression:      make([]ProgressionPoint, 0, len(records)),
		DeceptionDetails: []DeceptionDetail{},
		MoodJourney:      make([]MoodPoint, 0, len(records)),
		Difficulty:       meta.Difficulty,
		CompletedAt:      meta.CompletedAt,
	}

	if len(records) > 0 {
		peak, low, sum := math.MinInt, math.MaxInt, 0
		for _, r := range records {
			peak = max(peak, r.TrustAfter)
			low = min(low, r.TrustAfter)
			sum += r.TrustAfter
		}
		s.EndScore = records[len(records)-1].TrustAfter
		s.PeakScore = peak
		s.LowestScore = low
		s.AverageScore = int(math.Round(float64(sum) / float64(len(records))))
	}

	for _, r := range records {
		s.Progression = append(s.Progression, ProgressionPoint{
			Exchange: r.ExchangeIndex,
			Score:    r.TrustAfter,
			Delta:    r.TrustDelta,
		})
		s.MoodJourney = append(s.MoodJourney, MoodPoint{
			Exchange: r.ExchangeIndex,
			Mood:     r.Mood,
			Label:    r.Mood.Label(),
		})
		if r.DeceptionDeployed {
			s.TotalDeceptions++
			if r.Caught() {
				s.DeceptionsCaught++
			}
			s.DeceptionDetails = append(s.DeceptionDetails, DeceptionDetail{
				Exchange:  r.ExchangeIndex,
				Type:      r.DeceptionType,
				Caught:    r.Caught(),
				Rationale: r.Rationale,
			})
		}
	}

	s.Grade = GradeFor(s.EndScore)
	s.GradeLabel = s.Grade.Label()
	return s
}
