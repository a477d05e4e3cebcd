// Package store persists exchange assessments, session summaries and agent
// profiles. Postgres is the production backend; SQLite serves single-node
// deployments and tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MikeSquared-Agency/rapport/internal/assessment"
	"github.com/MikeSquared-Agency/rapport/internal/deception"
	"github.com/MikeSquared-Agency/rapport/internal/difficulty"
	"github.com/MikeSquared-Agency/rapport/internal/profile"
	"github.com/MikeSquared-Agency/rapport/internal/session"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateSummary is returned when a session already has a summary.
	ErrDuplicateSummary = errors.New("session already summarized")
	// ErrDuplicateAssessment is returned when the exchange index is already
	// stored for the session.
	ErrDuplicateAssessment = errors.New("exchange already assessed")
)

// Repository is implemented by both backends.
type Repository interface {
	// InsertAssessment appends one exchange record. Records are never updated;
	// a second record for the same session and exchange index is rejected with
	// ErrDuplicateAssessment.
	InsertAssessment(ctx context.Context, a assessment.ExchangeAssessment) error

	// ListAssessments returns a session's records ordered by exchange index.
	ListAssessments(ctx context.Context, sessionID string) ([]assessment.ExchangeAssessment, error)

	// InsertSummary writes a session summary once. A second write for the same
	// session returns ErrDuplicateSummary.
	InsertSummary(ctx context.Context, s session.Summary) error

	GetSummary(ctx context.Context, sessionID string) (session.Summary, error)

	GetProfile(ctx context.Context, agentID string) (profile.AgentProfile, error)

	// MergeProfile reads the agent's profile and its last window end scores,
	// applies fn, upserts the result and marks the session's summary applied,
	// all in one serialized transaction. The summary must exist; a session
	// already applied returns profile.ErrAlreadyApplied.
	MergeProfile(ctx context.Context, agentID, sessionID string, window int, fn profile.MergeFunc) (profile.AgentProfile, error)

	Ping(ctx context.Context) error
	Close() error
}

// summaryDocs holds the JSON-encoded sequence columns of a summary row.
type summaryDocs struct {
	progression string
	details     string
	moods       string
}

func encodeSummaryDocs(s session.Summary) (summaryDocs, error) {
	var d summaryDocs
	var err error
	if d.progression, err = encodeJSON(nonNil(s.Progression)); err != nil {
		return d, fmt.Errorf("encode progression: %w", err)
	}
	if d.details, err = encodeJSON(nonNil(s.DeceptionDetails)); err != nil {
		return d, fmt.Errorf("encode deception details: %w", err)
	}
	if d.moods, err = encodeJSON(nonNil(s.MoodJourney)); err != nil {
		return d, fmt.Errorf("encode mood journey: %w", err)
	}
	return d, nil
}

func (d summaryDocs) decodeInto(s *session.Summary) error {
	if err := json.Unmarshal([]byte(d.progression), &s.Progression); err != nil {
		return fmt.Errorf("decode progression: %w", err)
	}
	if err := json.Unmarshal([]byte(d.details), &s.DeceptionDetails); err != nil {
		return fmt.Errorf("decode deception details: %w", err)
	}
	if err := json.Unmarshal([]byte(d.moods), &s.MoodJourney); err != nil {
		return fmt.Errorf("decode mood journey: %w", err)
	}
	s.Progression = nonNil(s.Progression)
	s.DeceptionDetails = nonNil(s.DeceptionDetails)
	s.MoodJourney = nonNil(s.MoodJourney)
	return nil
}

func encodeFlags(flags map[difficulty.Flag]bool) (string, error) {
	set := make(map[difficulty.Flag]bool, len(flags))
	for f, on := range flags {
		if on {
			set[f] = true
		}
	}
	return encodeJSON(set)
}

func decodeFlags(raw string) (map[difficulty.Flag]bool, error) {
	flags := make(map[difficulty.Flag]bool)
	if raw == "" {
		return flags, nil
	}
	if err := json.Unmarshal([]byte(raw), &flags); err != nil {
		return nil, fmt.Errorf("decode flags: %w", err)
	}
	return flags, nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// reverse turns a newest-first score list into chronological order.
func reverse(scores []int) []int {
	for i, j := 0, len(scores)-1; i < j; i, j = i+1, j-1 {
		scores[i], scores[j] = scores[j], scores[i]
	}
	return scores
}

// tacticValue and boolValue turn optional fields into NULL-or-value query
// arguments.
func tacticValue(t *deception.Tactic) any {
	if t == nil {
		return nil
	}
	return string(*t)
}

func boolValue(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

// tacticFrom maps a stored label back to a catalog tactic. Labels that are no
// longer in the catalog read back as absent.
func tacticFrom(s *string) *deception.Tactic {
	if s == nil {
		return nil
	}
	t, ok := deception.Parse(*s)
	if !ok {
		return nil
	}
	return &t
}
