package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MikeSquared-Agency/rapport/internal/assessment"
	"github.com/MikeSquared-Agency/rapport/internal/session"
)

// MergeFunc computes the new profile from the stored one (nil if none) and
// the agent's most recent end scores, oldest first.
type MergeFunc func(current *AgentProfile, recentEndScores []int) AgentProfile

// ErrAlreadyApplied is returned by MergeProfile when the session has already
// been folded into its agent's profile.
var ErrAlreadyApplied = errors.New("session already applied to profile")

// Repository performs the read-modify-write of one profile atomically and
// marks the session as applied in the same step, so a session counts once.
type Repository interface {
	MergeProfile(ctx context.Context, agentID, sessionID string, window int, fn MergeFunc) (AgentProfile, error)
}

// Updater applies finished sessions to agent profiles. Updates for the same
// agent are serialized in-process; the repository serializes across
// processes.
type Updater struct {
	repo   Repository
	logger *slog.Logger
	locks  *keyedMutex
}

func NewUpdater(repo Repository, logger *slog.Logger) *Updater {
	return &Updater{repo: repo, logger: logger, locks: newKeyedMutex()}
}

// Update merges a completed session into its agent's profile. The session's
// summary must already be persisted so that it is part of the score window.
// A session that was already merged yields ErrAlreadyApplied.
func (u *Updater) Update(ctx context.Context, summary session.Summary, records []assessment.ExchangeAssessment) (AgentProfile, error) {
	if summary.AgentID == "" {
		return AgentProfile{}, fmt.Errorf("summary %s has no agent id", summary.SessionID)
	}

	observed := InferFlags(records)

	unlock := u.locks.Lock(summary.AgentID)
	defer unlock()

	p, err := u.repo.MergeProfile(ctx, summary.AgentID, summary.SessionID, WindowSize, func(current *AgentProfile, recent []int) AgentProfile {
		return Merge(current, summary.AgentID, recent, observed, summary.CompletedAt)
	})
	if err != nil {
		return AgentProfile{}, fmt.Errorf("merge profile %s: %w", summary.AgentID, err)
	}

	u.logger.Info("agent profile updated",
		"agent_id", p.AgentID,
		"session_id", summary.SessionID,
		"total_sessions", p.TotalSessions,
		"rolling_average", p.RollingAverage,
		"recommended_difficulty", p.RecommendedDifficulty,
		"flags", len(p.Flags),
	)
	return p, nil
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
