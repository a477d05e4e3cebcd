package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MikeSquared-Agency/rapport/internal/assessment"
	"github.com/MikeSquared-Agency/rapport/internal/deception"
	"github.com/MikeSquared-Agency/rapport/internal/profile"
	"github.com/MikeSquared-Agency/rapport/internal/session"
	"github.com/MikeSquared-Agency/rapport/internal/trust"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS exchange_assessments (
	seq                      INTEGER PRIMARY KEY AUTOINCREMENT,
	id                       TEXT NOT NULL UNIQUE,
	session_id               TEXT NOT NULL,
	session_kind             TEXT NOT NULL,
	exchange_index           INTEGER NOT NULL CHECK (exchange_index >= 1),
	trust_before             INTEGER NOT NULL CHECK (trust_before BETWEEN 0 AND 100),
	trust_delta              INTEGER NOT NULL CHECK (trust_delta BETWEEN -15 AND 15),
	trust_after              INTEGER NOT NULL CHECK (trust_after BETWEEN 0 AND 100),
	mood                     TEXT NOT NULL,
	deception_deployed       INTEGER NOT NULL,
	deception_type           TEXT,
	deception_caught         INTEGER,
	rationale                TEXT NOT NULL,
	suggested_next_deception TEXT,
	created_at               INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_exchange_assessments_session_exchange
	ON exchange_assessments (session_id, exchange_index);

CREATE TABLE IF NOT EXISTS session_summaries (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id        TEXT NOT NULL UNIQUE,
	agent_id          TEXT NOT NULL,
	session_kind      TEXT NOT NULL,
	start_score       INTEGER NOT NULL,
	end_score         INTEGER NOT NULL,
	peak_score        INTEGER NOT NULL,
	lowest_score      INTEGER NOT NULL,
	average_score     INTEGER NOT NULL,
	total_deceptions  INTEGER NOT NULL,
	deceptions_caught INTEGER NOT NULL,
	progression       TEXT NOT NULL,
	deception_details TEXT NOT NULL,
	mood_journey      TEXT NOT NULL,
	difficulty        TEXT NOT NULL,
	grade             TEXT NOT NULL,
	grade_label       TEXT NOT NULL,
	completed_at      INTEGER NOT NULL,
	profile_applied   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_session_summaries_agent
	ON session_summaries (agent_id, completed_at, seq);

CREATE TABLE IF NOT EXISTS agent_profiles (
	agent_id               TEXT PRIMARY KEY,
	rolling_average        INTEGER NOT NULL,
	total_sessions         INTEGER NOT NULL,
	flags                  TEXT NOT NULL DEFAULT '{}',
	recommended_difficulty TEXT NOT NULL,
	last_session_at        INTEGER NOT NULL,
	updated_at             INTEGER NOT NULL
);
`

// SQLite is the single-file repository. It keeps one open connection, so
// writers are serialized by the pool and every transaction starts IMMEDIATE.
type SQLite struct {
	db *sql.DB
}

// sqlRow covers *sql.Row and *sql.Rows.
type sqlRow interface {
	Scan(dest ...any) error
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) InsertAssessment(ctx context.Context, a assessment.ExchangeAssessment) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO exchange_assessments (
			id, session_id, session_kind, exchange_index, trust_before, trust_delta, trust_after,
			mood, deception_deployed, deception_type, deception_caught, rationale,
			suggested_next_deception, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, exchange_index) DO NOTHING`,
		a.ID.String(), a.SessionID, string(a.SessionKind), a.ExchangeIndex, a.TrustBefore, a.TrustDelta, a.TrustAfter,
		string(a.Mood), a.DeceptionDeployed, tacticValue(a.DeceptionType), boolValue(a.DeceptionCaught), a.Rationale,
		tacticValue(a.SuggestedNextDeception), a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert assessment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert assessment: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s exchange %d: %w", a.SessionID, a.ExchangeIndex, ErrDuplicateAssessment)
	}
	return nil
}

func (s *SQLite) ListAssessments(ctx context.Context, sessionID string) ([]assessment.ExchangeAssessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, session_kind, exchange_index, trust_before, trust_delta, trust_after,
		       mood, deception_deployed, deception_type, deception_caught, rationale,
		       suggested_next_deception, created_at
		FROM exchange_assessments
		WHERE session_id = ?
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
			created     int64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &kind, &a.ExchangeIndex, &a.TrustBefore, &a.TrustDelta, &a.TrustAfter,
			&mood, &a.DeceptionDeployed, &dtype, &caught, &a.Rationale, &next, &created); err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		a.SessionKind = assessment.SessionKind(kind)
		a.Mood = trust.Mood(mood)
		a.DeceptionType = tacticFrom(dtype)
		a.DeceptionCaught = caught
		a.SuggestedNextDeception = tacticFrom(next)
		a.CreatedAt = fromNanos(created)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assessments: %w", err)
	}
	return out, nil
}

func (s *SQLite) InsertSummary(ctx context.Context, sum session.Summary) error {
	docs, err := encodeSummaryDocs(sum)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO session_summaries (
			session_id, agent_id, session_kind, start_score, end_score, peak_score, lowest_score,
			average_score, total_deceptions, deceptions_caught, progression, deception_details,
			mood_journey, difficulty, grade, grade_label, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		sum.SessionID, sum.AgentID, string(sum.SessionKind), sum.StartScore, sum.EndScore, sum.PeakScore, sum.LowestScore,
		sum.AverageScore, sum.TotalDeceptions, sum.DeceptionsCaught, docs.progression, docs.details,
		docs.moods, string(sum.Difficulty), string(sum.Grade), sum.GradeLabel, sum.CompletedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", sum.SessionID, ErrDuplicateSummary)
	}
	return nil
}

func (s *SQLite) GetSummary(ctx context.Context, sessionID string) (session.Summary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, agent_id, session_kind, start_score, end_score, peak_score, lowest_score,
		       average_score, total_deceptions, deceptions_caught, progression,
		       deception_details, mood_journey, difficulty, grade, grade_label, completed_at
		FROM session_summaries
		WHERE session_id = ?`,
		sessionID,
	)

	var (
		sum               session.Summary
		kind, diff, grade string
		docs              summaryDocs
		completed         int64
	)
	err := row.Scan(&sum.SessionID, &sum.AgentID, &kind, &sum.StartScore, &sum.EndScore, &sum.PeakScore, &sum.LowestScore,
		&sum.AverageScore, &sum.TotalDeceptions, &sum.DeceptionsCaught, &docs.progression,
		&docs.details, &docs.moods, &diff, &grade, &sum.GradeLabel, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Summary{}, fmt.Errorf("summary %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return session.Summary{}, fmt.Errorf("get summary: %w", err)
	}
	sum.SessionKind = assessment.SessionKind(kind)
	sum.Difficulty = deception.Difficulty(diff)
	sum.Grade = session.Grade(grade)
	sum.CompletedAt = fromNanos(completed)
	if err := docs.decodeInto(&sum); err != nil {
		return session.Summary{}, err
	}
	return sum, nil
}

func (s *SQLite) GetProfile(ctx context.Context, agentID string) (profile.AgentProfile, error) {
	return scanProfile(s.db.QueryRowContext(ctx, sqliteProfileQuery, agentID), agentID)
}

func (s *SQLite) MergeProfile(ctx context.Context, agentID, sessionID string, window int, fn profile.MergeFunc) (profile.AgentProfile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return profile.AgentProfile{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var applied bool
	err = tx.QueryRowContext(ctx, `SELECT profile_applied FROM session_summaries WHERE session_id = ?`, sessionID).Scan(&applied)
	if errors.Is(err, sql.ErrNoRows) {
		return profile.AgentProfile{}, fmt.Errorf("summary %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return profile.AgentProfile{}, fmt.Errorf("check summary: %w", err)
	}
	if applied {
		return profile.AgentProfile{}, fmt.Errorf("session %s: %w", sessionID, profile.ErrAlreadyApplied)
	}

	var current *profile.AgentProfile
	p, err := scanProfile(tx.QueryRowContext(ctx, sqliteProfileQuery, agentID), agentID)
	switch {
	case err == nil:
		current = &p
	case !errors.Is(err, ErrNotFound):
		return profile.AgentProfile{}, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT end_score
		FROM session_summaries
		WHERE agent_id = ?
		ORDER BY completed_at DESC, seq DESC
		LIMIT ?`,
		agentID, window,
	)
	if err != nil {
		return profile.AgentProfile{}, fmt.Errorf("recent end scores: %w", err)
	}
	var recent []int
	for rows.Next() {
		var score int
		if err := rows.Scan(&score); err != nil {
			rows.Close()
			return profile.AgentProfile{}, fmt.Errorf("scan end score: %w", err)
		}
		recent = append(recent, score)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return profile.AgentProfile{}, fmt.Errorf("iterate end scores: %w", err)
	}

	next := fn(current, reverse(recent))
	flags, err := encodeFlags(next.Flags)
	if err != nil {
		return profile.AgentProfile{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_profiles (agent_id, rolling_average, total_sessions, flags, recommended_difficulty, last_session_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			rolling_average = excluded.rolling_average,
			total_sessions = excluded.total_sessions,
			flags = excluded.flags,
			recommended_difficulty = excluded.recommended_difficulty,
			last_session_at = excluded.last_session_at,
			updated_at = excluded.updated_at`,
		agentID, next.RollingAverage, next.TotalSessions, flags, string(next.RecommendedDifficulty),
		next.LastSessionAt.UnixNano(), time.Now().UnixNano(),
	)
	if err != nil {
		return profile.AgentProfile{}, fmt.Errorf("upsert profile: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE session_summaries SET profile_applied = 1 WHERE session_id = ?`, sessionID); err != nil {
		return profile.AgentProfile{}, fmt.Errorf("mark summary applied: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return profile.AgentProfile{}, fmt.Errorf("commit profile: %w", err)
	}
	return next, nil
}

const sqliteProfileQuery = `
	SELECT agent_id, rolling_average, total_sessions, flags, recommended_difficulty, last_session_at
	FROM agent_profiles
	WHERE agent_id = ?`

func scanProfile(row sqlRow, agentID string) (profile.AgentProfile, error) {
	var (
		p           profile.AgentProfile
		flags, diff string
		last        int64
	)
	err := row.Scan(&p.AgentID, &p.RollingAverage, &p.TotalSessions, &flags, &diff, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return profile.AgentProfile{}, fmt.Errorf("profile %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return profile.AgentProfile{}, fmt.Errorf("get profile: %w", err)
	}
	if p.Flags, err = decodeFlags(flags); err != nil {
		return profile.AgentProfile{}, err
	}
	p.RecommendedDifficulty = deception.Difficulty(diff)
	p.LastSessionAt = fromNanos(last)
	return p, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
