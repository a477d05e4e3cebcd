package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/rapport/internal/anthropic"
	"github.com/MikeSquared-Agency/rapport/internal/assessment"
	"github.com/MikeSquared-Agency/rapport/internal/deception"
	"github.com/MikeSquared-Agency/rapport/internal/hermes"
	"github.com/MikeSquared-Agency/rapport/internal/profile"
	"github.com/MikeSquared-Agency/rapport/internal/session"
	"github.com/MikeSquared-Agency/rapport/internal/store"
	"github.com/MikeSquared-Agency/rapport/internal/trust"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedJudge replays replies in order; an empty script always returns
// the fallback reply.
type scriptedJudge struct {
	mu       sync.Mutex
	replies  []string
	fallback string
	err      error
}

func (j *scriptedJudge) Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return "", j.err
	}
	if len(j.replies) == 0 {
		return j.fallback, nil
	}
	r := j.replies[0]
	j.replies = j.replies[1:]
	return r, nil
}

func verdict(delta int, tactic string, caught bool) string {
	if tactic == "" {
		return fmt.Sprintf(`{"trust_delta": %d, "rationale": "scored", "deception_deployed": false}`, delta)
	}
	return fmt.Sprintf(`{"trust_delta": %d, "rationale": "scored", "deception_deployed": true, "deception_type": %q, "deception_caught": %t}`, delta, tactic, caught)
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(subject string, data any) error {
	if _, err := json.Marshal(data); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

type recordingPoster struct {
	mu     sync.Mutex
	posted []session.Summary
	err    error
}

func (p *recordingPoster) PostDebrief(ctx context.Context, s session.Summary) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.posted = append(p.posted, s)
	return "1.0", nil
}

type fixture struct {
	engine *Engine
	repo   *store.SQLite
	judge  *scriptedJudge
	pub    *recordingPublisher
	poster *recordingPoster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	f := &fixture{
		repo:   repo,
		judge:  &scriptedJudge{fallback: verdict(0, "", false)},
		pub:    &recordingPublisher{},
		poster: &recordingPoster{},
	}
	a := assessment.New(f.judge, time.Second, 0, discardLogger())
	f.engine = New(repo, a, f.pub, f.poster, discardLogger())
	return f
}

func exchange(sessionID string, idx, before int) ExchangeRequest {
	return ExchangeRequest{
		SessionID:        sessionID,
		SessionKind:      "discovery",
		AgentID:          "rep-1",
		ExchangeIndex:    idx,
		TrustBefore:      before,
		RepUtterance:     "What does your current process look like?",
		CounterpartReply: "Honestly it's fine, we're not looking to change.",
		Difficulty:       "normal",
	}
}

func TestEngine_FullSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.judge.replies = []string{
		verdict(5, "", false),
		verdict(-8, "polite_lie", false),
		verdict(20, "time_trap", true),
	}

	trustScore := trust.Baseline
	for i := 1; i <= 3; i++ {
		a, err := f.engine.AssessExchange(ctx, exchange("sess-1", i, trustScore))
		require.NoError(t, err)
		trustScore = a.TrustAfter
	}
	assert.Equal(t, 62, trustScore)

	sum, err := f.engine.EndSession(ctx, EndRequest{SessionID: "sess-1", AgentID: "rep-1", Difficulty: "normal"})
	require.NoError(t, err)

	assert.Equal(t, 50, sum.StartScore)
	assert.Equal(t, 62, sum.EndScore)
	assert.Equal(t, 62, sum.PeakScore)
	assert.Equal(t, 47, sum.LowestScore)
	assert.Equal(t, 55, sum.AverageScore)
	assert.Equal(t, 2, sum.TotalDeceptions)
	assert.Equal(t, 1, sum.DeceptionsCaught)
	assert.Equal(t, session.GradeC, sum.Grade)
	assert.Equal(t, assessment.KindDiscovery, sum.SessionKind)
	assert.Equal(t, deception.Normal, sum.Difficulty)
	require.Len(t, sum.Progression, 3)
	assert.Equal(t, 15, sum.Progression[2].Delta)

	stored, err := f.engine.Summary(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, sum.EndScore, stored.EndScore)

	p, err := f.engine.Profile(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.TotalSessions)
	assert.Equal(t, 62, p.RollingAverage)
	assert.Equal(t, deception.Easy, p.RecommendedDifficulty)

	assert.Equal(t, 3, f.pub.count(hermes.SubjectExchangeAssessed))
	assert.Equal(t, 1, f.pub.count(hermes.SubjectSessionSummarized))
	assert.Equal(t, 1, f.pub.count(hermes.SubjectProfileUpdated))
	assert.Len(t, f.poster.posted, 1)
}

func TestEngine_JudgeFailureStillRecords(t *testing.T) {
	f := newFixture(t)
	f.judge.err = errors.New("upstream 529")

	a, err := f.engine.AssessExchange(context.Background(), exchange("sess-2", 1, 64))
	require.NoError(t, err)
	assert.Equal(t, 0, a.TrustDelta)
	assert.Equal(t, 64, a.TrustAfter)
	assert.Equal(t, assessment.FailureRationale, a.Rationale)

	records, err := f.engine.Exchanges(context.Background(), "sess-2")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, a.ID, records[0].ID)
}

type failingRepo struct {
	Repository
	insertErr error
	listErr   error

	mu         sync.Mutex
	mergeErr   error
	mergeFails int
}

func (r *failingRepo) MergeProfile(ctx context.Context, agentID, sessionID string, window int, fn profile.MergeFunc) (profile.AgentProfile, error) {
	r.mu.Lock()
	if r.mergeFails > 0 {
		r.mergeFails--
		r.mu.Unlock()
		return profile.AgentProfile{}, r.mergeErr
	}
	r.mu.Unlock()
	return r.Repository.MergeProfile(ctx, agentID, sessionID, window, fn)
}

func (r *failingRepo) InsertAssessment(ctx context.Context, a assessment.ExchangeAssessment) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	return r.Repository.InsertAssessment(ctx, a)
}

func (r *failingRepo) ListAssessments(ctx context.Context, sessionID string) ([]assessment.ExchangeAssessment, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.Repository.ListAssessments(ctx, sessionID)
}

func TestEngine_PersistenceFailureReturnsAssessment(t *testing.T) {
	f := newFixture(t)
	dbErr := errors.New("disk full")
	repo := &failingRepo{Repository: f.repo, insertErr: dbErr}
	e := New(repo, assessment.New(f.judge, time.Second, 0, discardLogger()), f.pub, nil, discardLogger())
	f.judge.replies = []string{verdict(6, "", false)}

	a, err := e.AssessExchange(context.Background(), exchange("sess-3", 1, 50))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, dbErr)
	assert.Equal(t, 56, a.TrustAfter, "the caller still gets the scored exchange")
	assert.Equal(t, 0, f.pub.count(hermes.SubjectExchangeAssessed))
}

func TestEngine_EndSessionListFailure(t *testing.T) {
	f := newFixture(t)
	repo := &failingRepo{Repository: f.repo, listErr: errors.New("connection refused")}
	e := New(repo, assessment.New(f.judge, time.Second, 0, discardLogger()), nil, nil, discardLogger())

	_, err := e.EndSession(context.Background(), EndRequest{SessionID: "s", AgentID: "rep-1"})
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestEngine_EndSessionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.judge.replies = []string{verdict(8, "", false)}
	_, err := f.engine.AssessExchange(ctx, exchange("sess-4", 1, 50))
	require.NoError(t, err)

	first, err := f.engine.EndSession(ctx, EndRequest{SessionID: "sess-4", AgentID: "rep-1"})
	require.NoError(t, err)
	second, err := f.engine.EndSession(ctx, EndRequest{SessionID: "sess-4", AgentID: "rep-1"})
	require.NoError(t, err)

	assert.Equal(t, first.EndScore, second.EndScore)
	assert.True(t, first.CompletedAt.Equal(second.CompletedAt))

	p, err := f.engine.Profile(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.TotalSessions, "a repeated end must not count twice")
	assert.Len(t, f.poster.posted, 1)
}

func TestEngine_EndSessionRetryAppliesProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repo := &failingRepo{Repository: f.repo, mergeErr: errors.New("connection reset"), mergeFails: 1}
	e := New(repo, assessment.New(f.judge, time.Second, 0, discardLogger()), f.pub, f.poster, discardLogger())
	f.judge.replies = []string{verdict(6, "", false)}

	_, err := e.AssessExchange(ctx, exchange("sess-retry", 1, 50))
	require.NoError(t, err)

	_, err = e.EndSession(ctx, EndRequest{SessionID: "sess-retry", AgentID: "rep-1"})
	require.ErrorIs(t, err, ErrPersistence)
	_, err = e.Profile(ctx, "rep-1")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.poster.posted)

	sum, err := e.EndSession(ctx, EndRequest{SessionID: "sess-retry", AgentID: "rep-1"})
	require.NoError(t, err)
	assert.Equal(t, 56, sum.EndScore)

	p, err := e.Profile(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.TotalSessions)
	assert.Equal(t, 56, p.RollingAverage)
	assert.Equal(t, 1, f.pub.count(hermes.SubjectSessionSummarized))
	assert.Equal(t, 1, f.pub.count(hermes.SubjectProfileUpdated))
	assert.Len(t, f.poster.posted, 1)

	_, err = e.EndSession(ctx, EndRequest{SessionID: "sess-retry", AgentID: "rep-1"})
	require.NoError(t, err)
	p, err = e.Profile(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.TotalSessions)
}

func TestEngine_RedeliveredExchangeStoredOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.judge.replies = []string{verdict(7, "", false), verdict(-9, "", false)}

	first, err := f.engine.AssessExchange(ctx, exchange("sess-redeliver", 1, 50))
	require.NoError(t, err)
	again, err := f.engine.AssessExchange(ctx, exchange("sess-redeliver", 1, 50))
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 57, again.TrustAfter)
	assert.Len(t, f.judge.replies, 1, "a stored exchange is not judged again")
	assert.Equal(t, 1, f.pub.count(hermes.SubjectExchangeAssessed))

	records, err := f.engine.Exchanges(ctx, "sess-redeliver")
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestEngine_ExchangeAfterSummaryRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.AssessExchange(ctx, exchange("sess-closed", 1, 50))
	require.NoError(t, err)
	_, err = f.engine.EndSession(ctx, EndRequest{SessionID: "sess-closed", AgentID: "rep-1"})
	require.NoError(t, err)

	_, err = f.engine.AssessExchange(ctx, exchange("sess-closed", 2, 50))
	require.ErrorIs(t, err, ErrInvalidRequest)

	records, err := f.engine.Exchanges(ctx, "sess-closed")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestEngine_AbandonedSession(t *testing.T) {
	f := newFixture(t)

	sum, err := f.engine.EndSession(context.Background(), EndRequest{SessionID: "ghost", AgentID: "rep-2", SessionKind: "closing"})
	require.NoError(t, err)
	assert.Equal(t, 50, sum.EndScore)
	assert.Equal(t, 50, sum.AverageScore)
	assert.Equal(t, session.GradeC, sum.Grade)
	assert.Empty(t, sum.Progression)
	assert.Equal(t, assessment.KindClosing, sum.SessionKind)

	p, err := f.engine.Profile(context.Background(), "rep-2")
	require.NoError(t, err)
	assert.Equal(t, 50, p.RollingAverage)
}

func TestEngine_UnknownKindNormalized(t *testing.T) {
	f := newFixture(t)
	sum, err := f.engine.EndSession(context.Background(), EndRequest{SessionID: "odd", AgentID: "rep-3", SessionKind: "karaoke"})
	require.NoError(t, err)
	assert.Equal(t, assessment.KindDiscovery, sum.SessionKind)
}

func TestEngine_DebriefFailureDoesNotFailSession(t *testing.T) {
	f := newFixture(t)
	f.poster.err = errors.New("channel_not_found")

	_, err := f.engine.EndSession(context.Background(), EndRequest{SessionID: "s5", AgentID: "rep-1"})
	assert.NoError(t, err)
}

func TestEngine_NextSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plan, err := f.engine.NextSession(ctx, "rep-new")
	require.NoError(t, err)
	assert.True(t, plan.NewAgent)
	assert.Equal(t, deception.Easy, plan.Config.Difficulty)
	assert.Equal(t, 55, plan.Config.StartingTrust)
	assert.Len(t, plan.Config.ActiveTactics, 3)

	// three strong sessions push the agent to hard
	f.judge.fallback = verdict(15, "", false)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("strong-%d", i)
		_, err := f.engine.AssessExchange(ctx, exchange(id, 1, 65))
		require.NoError(t, err)
		_, err = f.engine.EndSession(ctx, EndRequest{SessionID: id, AgentID: "rep-star", CompletedAt: time.Now().Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}

	plan, err = f.engine.NextSession(ctx, "rep-star")
	require.NoError(t, err)
	assert.False(t, plan.NewAgent)
	assert.Equal(t, deception.Hard, plan.Config.Difficulty)
	assert.Equal(t, 40, plan.Config.StartingTrust)
	assert.Contains(t, plan.PromptContext, "Difficulty: hard")
}

func TestEngine_InvalidRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.AssessExchange(ctx, ExchangeRequest{ExchangeIndex: 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.engine.EndSession(ctx, EndRequest{SessionID: "s"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.engine.NextSession(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestEngine_NotFoundPassesThrough(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Summary(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NotErrorIs(t, err, ErrPersistence)

	_, err = f.engine.Profile(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_ConcurrentSessionsSameAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.judge.fallback = verdict(4, "", false)

	const sessions = 8
	var g errgroup.Group
	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("par-%d", i)
		g.Go(func() error {
			if _, err := f.engine.AssessExchange(ctx, exchange(id, 1, 50)); err != nil {
				return err
			}
			_, err := f.engine.EndSession(ctx, EndRequest{SessionID: id, AgentID: "rep-busy"})
			return err
		})
	}
	require.NoError(t, g.Wait())

	p, err := f.engine.Profile(ctx, "rep-busy")
	require.NoError(t, err)
	assert.Equal(t, sessions, p.TotalSessions)
	assert.Equal(t, 54, p.RollingAverage)
}

func TestHandlers(t *testing.T) {
	f := newFixture(t)
	f.judge.replies = []string{verdict(3, "", false)}

	evt, err := json.Marshal(hermes.ExchangeCompleted{
		SessionID:     "nats-1",
		SessionKind:   "cold_call",
		AgentID:       "rep-9",
		ExchangeIndex: 1,
		TrustBefore:   50,
		Difficulty:    "easy",
	})
	require.NoError(t, err)
	f.engine.HandleExchangeCompleted(hermes.SubjectExchangeCompleted, evt)

	// malformed payloads are logged and dropped
	f.engine.HandleExchangeCompleted(hermes.SubjectExchangeCompleted, []byte("{not json"))
	f.engine.HandleSessionEnded(hermes.SubjectSessionEnded, []byte("[]"))

	records, err := f.engine.Exchanges(context.Background(), "nats-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 53, records[0].TrustAfter)
	assert.Equal(t, assessment.KindColdCall, records[0].SessionKind)

	ended, err := json.Marshal(hermes.SessionEnded{SessionID: "nats-1", AgentID: "rep-9", Difficulty: "easy", EndedAt: time.Now().UTC()})
	require.NoError(t, err)
	f.engine.HandleSessionEnded(hermes.SubjectSessionEnded, ended)

	sum, err := f.engine.Summary(context.Background(), "nats-1")
	require.NoError(t, err)
	assert.Equal(t, 53, sum.EndScore)
	assert.Equal(t, assessment.KindColdCall, sum.SessionKind, "kind falls back to the recorded exchanges")
	assert.Equal(t, session.GradeC, sum.Grade)
}
