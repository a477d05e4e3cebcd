package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/rapport/internal/assessment"
	"github.com/MikeSquared-Agency/rapport/internal/deception"
	"github.com/MikeSquared-Agency/rapport/internal/profile"
	"github.com/MikeSquared-Agency/rapport/internal/session"
	"github.com/MikeSquared-Agency/rapport/internal/trust"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS exchange_assessments (
	seq                      BIGSERIAL PRIMARY KEY,
	id                       UUID NOT NULL UNIQUE,
	session_id               TEXT NOT NULL,
	session_kind             TEXT NOT NULL,
	exchange_index           INTEGER NOT NULL CHECK (exchange_index >= 1),
	trust_before             INTEGER NOT NULL CHECK (trust_before BETWEEN 0 AND 100),
	trust_delta              INTEGER NOT NULL CHECK (trust_delta BETWEEN -15 AND 15),
	trust_after              INTEGER NOT NULL CHECK (trust_after BETWEEN 0 AND 100),
	mood                     TEXT NOT NULL,
	deception_deployed       BOOLEAN NOT NULL,
	deception_type           TEXT,
	deception_caught         BOOLEAN,
	rationale                TEXT NOT NULL,
	suggested_next_deception TEXT,
	created_at               TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_exchange_assessments_session_exchange
	ON exchange_assessments (session_id, exchange_index);

CREATE TABLE IF NOT EXISTS session_summaries (
	session_id        TEXT PRIMARY KEY,
	seq               BIGSERIAL,
	agent_id          TEXT NOT NULL,
	session_kind      TEXT NOT NULL,
	start_score       INTEGER NOT NULL,
	end_score         INTEGER NOT NULL,
	peak_score        INTEGER NOT NULL,
	lowest_score      INTEGER NOT NULL,
	average_score     INTEGER NOT NULL,
	total_deceptions  INTEGER NOT NULL,
	deceptions_caught INTEGER NOT NULL,
	progression       JSONB NOT NULL,
	deception_details JSONB NOT NULL,
	mood_journey      JSONB NOT NULL,
	difficulty        TEXT NOT NULL,
	grade             TEXT NOT NULL,
	grade_label       TEXT NOT NULL,
	completed_at      TIMESTAMPTZ NOT NULL,
	profile_applied   BOOLEAN NOT NULL DEFAULT FALSE
);
ALTER TABLE session_summaries ADD COLUMN IF NOT EXISTS profile_applied BOOLEAN NOT NULL DEFAULT FALSE;
CREATE INDEX IF NOT EXISTS idx_session_summaries_agent
	ON session_summaries (agent_id, completed_at DESC, seq DESC);

CREATE TABLE IF NOT EXISTS agent_profiles (
	agent_id               TEXT PRIMARY KEY,
	rolling_average        INTEGER NOT NULL,
	total_sessions         INTEGER NOT NULL,
	flags                  JSONB NOT NULL DEFAULT '{}',
	recommended_difficulty TEXT NOT NULL,
	last_session_at        TIMESTAMPTZ NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Postgres is the pgx-backed repository.
type Postgres struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgres connects, pings and ensures the schema exists.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InsertAssessment appends one exchange record.
func (s *Postgres) InsertAssessment(ctx context.Context, a assessment.ExchangeAssessment) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO exchange_assessments (
			id, session_id, session_kind, exchange_index, trust_before, trust_delta, trust_after,
			mood, deception_deployed, deception_type, deception_caught, rationale,
			suggested_next_deception, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (session_id, exchange_index) DO NOTHING`,
		a.ID, a.SessionID, string(a.SessionKind), a.ExchangeIndex, a.TrustBefore, a.TrustDelta, a.TrustAfter,
		string(a.Mood), a.DeceptionDeployed, tacticValue(a.DeceptionType), boolValue(a.DeceptionCaught), a.Rationale,
		tacticValue(a.SuggestedNextDeception), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert assessment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s exchange %d: %w", a.SessionID, a.ExchangeIndex, ErrDuplicateAssessment)
	}
	return nil
}

// ListAssessments returns a session's records in exchange order.
func (s *Postgres) ListAssessments(ctx context.Context, sessionID string) ([]assessment.ExchangeAssessment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, session_kind, exchange_index, trust_before, trust_delta, trust_after,
		       mood, deception_deployed, deception_type, deception_caught, rationale,
		       suggested_next_deception, created_at
		FROM exchange_assessments
		WHERE session_id = $1
		ORDER BY exchange_index, seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer rows.Close()

	out := []assessment.ExchangeAssessment{}
	for rows.Next() {
		var (
			a           assessment.ExchangeAssessment
			kind, mood  string
			dtype, next *string
			caught      *bool
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &kind, &a.ExchangeIndex, &a.TrustBefore, &a.TrustDelta, &a.TrustAfter,
			&mood, &a.DeceptionDeployed, &dtype, &caught, &a.Rationale, &next, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		a.SessionKind = assessment.SessionKind(kind)
		a.Mood = trust.Mood(mood)
		a.DeceptionType = tacticFrom(dtype)
		a.DeceptionCaught = caught
		a.SuggestedNextDeception = tacticFrom(next)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assessments: %w", err)
	}
	return out, nil
}

// InsertSummary writes a session summary once.
func (s *Postgres) InsertSummary(ctx context.Context, sum session.Summary) error {
	docs, err := encodeSummaryDocs(sum)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO session_summaries (
			session_id, agent_id, session_kind, start_score, end_score, peak_score, lowest_score,
			average_score, total_deceptions, deceptions_caught, progression, deception_details,
			mood_journey, difficulty, grade, grade_label, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12::jsonb, $13::jsonb, $14, $15, $16, $17)
		ON CONFLICT (session_id) DO NOTHING`,
		sum.SessionID, sum.AgentID, string(sum.SessionKind), sum.StartScore, sum.EndScore, sum.PeakScore, sum.LowestScore,
		sum.AverageScore, sum.TotalDeceptions, sum.DeceptionsCaught, docs.progression, docs.details,
		docs.moods, string(sum.Difficulty), string(sum.Grade), sum.GradeLabel, sum.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sum.SessionID, ErrDuplicateSummary)
	}
	return nil
}

// GetSummary fetches a session summary.
func (s *Postgres) GetSummary(ctx context.Context, sessionID string) (session.Summary, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, agent_id, session_kind, start_score, end_score, peak_score, lowest_score,
		       average_score, total_deceptions, deceptions_caught, progression::text,
		       deception_details::text, mood_journey::text, difficulty, grade, grade_label, completed_at
		FROM session_summaries
		WHERE session_id = $1`,
		sessionID,
	)

	var (
		sum               session.Summary
		kind, diff, grade string
		docs              summaryDocs
	)
	err := row.Scan(&sum.SessionID, &sum.AgentID, &kind, &sum.StartScore, &sum.EndScore, &sum.PeakScore, &sum.LowestScore,
		&sum.AverageScore, &sum.TotalDeceptions, &sum.DeceptionsCaught, &docs.progression,
		&docs.details, &docs.moods, &diff, &grade, &sum.GradeLabel, &sum.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Summary{}, fmt.Errorf("summary %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return session.Summary{}, fmt.Errorf("get summary: %w", err)
	}
	sum.SessionKind = assessment.SessionKind(kind)
	sum.Difficulty = deception.Difficulty(diff)
	sum.Grade = session.Grade(grade)
	if err := docs.decodeInto(&sum); err != nil {
		return session.Summary{}, err
	}
	return sum, nil
}

// GetProfile fetches an agent profile.
func (s *Postgres) GetProfile(ctx context.Context, agentID string) (profile.AgentProfile, error) {
	return getProfile(ctx, s.pool, agentID)
}

// MergeProfile serializes per agent with a transaction-scoped advisory lock,
// so concurrent session ends in other processes queue behind this one.
func (s *Postgres) MergeProfile(ctx context.Context, agentID, sessionID string, window int, fn profile.MergeFunc) (profile.AgentProfile, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return profile.AgentProfile{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, agentID); err != nil {
		return profile.AgentProfile{}, fmt.Errorf("lock profile: %w", err)
	}

	var applied bool
	err = tx.QueryRow(ctx, `SELECT profile_applied FROM session_summaries WHERE session_id = $1`, sessionID).Scan(&applied)
	if errors.Is(err, pgx.ErrNoRows) {
		return profile.AgentProfile{}, fmt.Errorf("summary %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return profile.AgentProfile{}, fmt.Errorf("check summary: %w", err)
	}
	if applied {
		return profile.AgentProfile{}, fmt.Errorf("session %s: %w", sessionID, profile.ErrAlreadyApplied)
	}

	var current *profile.AgentProfile
	p, err := getProfile(ctx, tx, agentID)
	switch {
	case err == nil:
		current = &p
	case !errors.Is(err, ErrNotFound):
		return profile.AgentProfile{}, err
	}

	recent, err := recentEndScores(ctx, tx, agentID, window)
	if err != nil {
		return profile.AgentProfile{}, err
	}

	next := fn(current, recent)
	flags, err := encodeFlags(next.Flags)
	if err != nil {
		return profile.AgentProfile{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO agent_profiles (agent_id, rolling_average, total_sessions, flags, recommended_difficulty, last_session_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, now())
		ON CONFLICT (agent_id)
		DO UPDATE SET
			rolling_average = $2,
			total_sessions = $3,
			flags = $4::jsonb,
			recommended_difficulty = $5,
			last_session_at = $6,
			updated_at = now()`,
		agentID, next.RollingAverage, next.TotalSessions, flags, string(next.RecommendedDifficulty), next.LastSessionAt,
	)
	if err != nil {
		return profile.AgentProfile{}, fmt.Errorf("upsert profile: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE session_summaries SET profile_applied = TRUE WHERE session_id = $1`, sessionID); err != nil {
		return profile.AgentProfile{}, fmt.Errorf("mark summary applied: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return profile.AgentProfile{}, fmt.Errorf("commit profile: %w", err)
	}
	return next, nil
}

func getProfile(ctx context.Context, q querier, agentID string) (profile.AgentProfile, error) {
	row := q.QueryRow(ctx, `
		SELECT agent_id, rolling_average, total_sessions, flags::text, recommended_difficulty, last_session_at
		FROM agent_profiles
		WHERE agent_id = $1`,
		agentID,
	)

	var (
		p           profile.AgentProfile
		flags, diff string
		last        time.Time
	)
	err := row.Scan(&p.AgentID, &p.RollingAverage, &p.TotalSessions, &flags, &diff, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return profile.AgentProfile{}, fmt.Errorf("profile %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return profile.AgentProfile{}, fmt.Errorf("get profile: %w", err)
	}
	if p.Flags, err = decodeFlags(flags); err != nil {
		return profile.AgentProfile{}, err
	}
	p.RecommendedDifficulty = deception.Difficulty(diff)
	p.LastSessionAt = last
	return p, nil
}

func recentEndScores(ctx context.Context, q querier, agentID string, window int) ([]int, error) {
	rows, err := q.Query(ctx, `
		SELECT end_score
		FROM session_summaries
		WHERE agent_id = $1
		ORDER BY completed_at DESC, seq DESC
		LIMIT $2`,
		agentID, window,
	)
	if err != nil {
		return nil, fmt.Errorf("recent end scores: %w", err)
	}
	defer rows.Close()

	var scores []int
	for rows.Next() {
		var score int
		if err := rows.Scan(&score); err != nil {
			return nil, fmt.Errorf("scan end score: %w", err)
		}
		scores = append(scores, score)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate end scores: %w", err)
	}
	return reverse(scores), nil
}
