//go:build integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/rapport/internal/deception"
	"github.com/MikeSquared-Agency/rapport/internal/profile"
	"github.com/MikeSquared-Agency/rapport/internal/session"
)

func setupTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	s, err := NewPostgres(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIntegration_AssessmentsAndSummary(t *testing.T) {
	s := setupTestPostgres(t)
	ctx := context.Background()
	sessionID := "integration-" + uuid.NewString()[:8]

	tactic := deception.TimeTrap
	missed := false
	a := record(sessionID, 2, 50, -5)
	a.DeceptionDeployed = true
	a.DeceptionType = &tactic
	a.DeceptionCaught = &missed
	require.NoError(t, s.InsertAssessment(ctx, a))
	require.NoError(t, s.InsertAssessment(ctx, record(sessionID, 1, 50, 4)))
	require.ErrorIs(t, s.InsertAssessment(ctx, record(sessionID, 1, 50, -2)), ErrDuplicateAssessment)

	got, err := s.ListAssessments(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].ExchangeIndex)
	require.NotNil(t, got[1].DeceptionCaught)
	assert.False(t, *got[1].DeceptionCaught)

	agentID := "agent-" + uuid.NewString()[:8]
	endSession(t, s, agentID, sessionID, 45, time.Now().UTC(), nil)

	err = s.InsertSummary(ctx, session.Summary{SessionID: sessionID, AgentID: agentID, CompletedAt: time.Now().UTC()})
	assert.ErrorIs(t, err, ErrDuplicateSummary)

	_, err = s.GetSummary(ctx, "missing-"+sessionID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIntegration_ConcurrentMergesSerialize(t *testing.T) {
	s := setupTestPostgres(t)
	ctx := context.Background()
	agentID := "agent-" + uuid.NewString()[:8]

	for i := 0; i < 3; i++ {
		endSession(t, s, agentID, uuid.NewString(), 75, time.Now().UTC(), nil)
	}

	const n = 10
	ids := make([]string, n)
	for i := range ids {
		ids[i] = uuid.NewString()
		require.NoError(t, s.InsertSummary(ctx, session.Summary{SessionID: ids[i], AgentID: agentID, EndScore: 75, CompletedAt: time.Now().UTC()}))
	}

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := s.MergeProfile(ctx, agentID, id, profile.WindowSize, func(cur *profile.AgentProfile, recent []int) profile.AgentProfile {
				return profile.Merge(cur, agentID, recent, nil, time.Now().UTC())
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	p, err := s.GetProfile(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, 3+n, p.TotalSessions)
	assert.Equal(t, 75, p.RollingAverage)
}
