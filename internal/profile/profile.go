package profile

import (
	"math"
	"time"

	"github.com/MikeSquared-Agency/rapport/internal/deception"
	"github.com/MikeSquared-Agency/rapport/internal/difficulty"
	"github.com/MikeSquared-Agency/rapport/internal/trust"
)

// WindowSize is how many recent sessions feed the rolling average.
const WindowSize = 5

// AgentProfile is the cross-session memory for one rep.
type AgentProfile struct {
	AgentID               string                   `json:"agent_id"`
	RollingAverage        int                      `json:"rolling_average"`
	TotalSessions         int                      `json:"total_sessions"`
	Flags                 map[difficulty.Flag]bool `json:"flags"`
	RecommendedDifficulty deception.Difficulty     `json:"recommended_difficulty"`
	LastSessionAt         time.Time                `json:"last_session_at"`
}

// History is the view the difficulty selector reads. A nil profile is a
// brand-new agent.
func (p *AgentProfile) History() difficulty.History {
	if p == nil {
		return difficulty.Bootstrap()
	}
	return difficulty.History{
		RollingAverage: p.RollingAverage,
		TotalSessions:  p.TotalSessions,
		Flags:          p.Flags,
	}
}

// RollingAverage is the rounded mean of the last WindowSize scores. scores
// are in chronological order; older entries beyond the window are ignored.
func RollingAverage(scores []int) int {
	if len(scores) == 0 {
		return trust.Baseline
	}
	if len(scores) > WindowSize {
		scores = scores[len(scores)-WindowSize:]
	}
	sum := 0
	for _, s := range scores {
		sum += s
	}
	return int(math.Round(float64(sum) / float64(len(scores))))
}

// Merge folds one completed session into the previous profile (nil when the
// agent has none). recentEndScores must be the agent's end scores in
// chronological order and already include the session being merged.
// Flags only ever get added.
func Merge(prev *AgentProfile, agentID string, recentEndScores []int, observed map[difficulty.Flag]bool, at time.Time) AgentProfile {
	next := AgentProfile{
		AgentID: agentID,
		Flags:   make(map[difficulty.Flag]bool),
	}
	if prev != nil {
		next.TotalSessions = prev.TotalSessions
		for f, set := range prev.Flags {
			if set {
				next.Flags[f] = true
			}
		}
	}
	for f, set := range observed {
		if set {
			next.Flags[f] = true
		}
	}

	next.TotalSessions++
	next.RollingAverage = RollingAverage(recentEndScores)
	next.LastSessionAt = at
	next.RecommendedDifficulty = difficulty.Select(next.History()).Difficulty
	return next
}
