// Package engine runs the scoring pipeline: assess each exchange, summarize
// the session when it ends, fold the summary into the agent's profile, and
// hand out the next session's difficulty.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/rapport/internal/assessment"
	"github.com/MikeSquared-Agency/rapport/internal/deception"
	"github.com/MikeSquared-Agency/rapport/internal/difficulty"
	"github.com/MikeSquared-Agency/rapport/internal/hermes"
	"github.com/MikeSquared-Agency/rapport/internal/profile"
	"github.com/MikeSquared-Agency/rapport/internal/session"
	"github.com/MikeSquared-Agency/rapport/internal/store"
)

var (
	// ErrPersistence wraps every storage failure surfaced to callers.
	ErrPersistence = errors.New("persistence failure")
	// ErrInvalidRequest marks requests missing a required identifier or
	// targeting a session that has already ended.
	ErrInvalidRequest = errors.New("invalid request")
)

// Repository is the storage the engine needs.
type Repository interface {
	profile.Repository
	InsertAssessment(ctx context.Context, a assessment.ExchangeAssessment) error
	ListAssessments(ctx context.Context, sessionID string) ([]assessment.ExchangeAssessment, error)
	InsertSummary(ctx context.Context, s session.Summary) error
	GetSummary(ctx context.Context, sessionID string) (session.Summary, error)
	GetProfile(ctx context.Context, agentID string) (profile.AgentProfile, error)
}

// Assessor scores one exchange and never fails.
type Assessor interface {
	Assess(ctx context.Context, in assessment.Input) assessment.ExchangeAssessment
}

type Publisher interface {
	Publish(subject string, data any) error
}

type DebriefPoster interface {
	PostDebrief(ctx context.Context, s session.Summary) (string, error)
}

// Engine orchestrates the pipeline. The publisher and poster are optional.
type Engine struct {
	repo     Repository
	assessor Assessor
	profiles *profile.Updater
	hermes   Publisher
	slack    DebriefPoster
	logger   *slog.Logger
	now      func() time.Time
}

func New(repo Repository, a Assessor, pub Publisher, poster DebriefPoster, logger *slog.Logger) *Engine {
	return &Engine{
		repo:     repo,
		assessor: a,
		profiles: profile.NewUpdater(repo, logger),
		hermes:   pub,
		slack:    poster,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ExchangeRequest is one completed exchange to score.
type ExchangeRequest struct {
	SessionID        string `json:"session_id"`
	SessionKind      string `json:"session_kind"`
	AgentID          string `json:"agent_id"`
	ExchangeIndex    int    `json:"exchange_index"`
	TrustBefore      int    `json:"trust_before"`
	RepUtterance     string `json:"rep_utterance"`
	CounterpartReply string `json:"counterpart_reply"`
	Persona          string `json:"persona"`
	RecentContext    string `json:"recent_context"`
	Difficulty       string `json:"difficulty"`
}

// EndRequest closes a session. Zero CompletedAt means now.
type EndRequest struct {
	SessionID   string    `json:"session_id"`
	SessionKind string    `json:"session_kind"`
	AgentID     string    `json:"agent_id"`
	Difficulty  string    `json:"difficulty"`
	CompletedAt time.Time `json:"completed_at"`
}

// SessionPlan is what the dialogue generator needs to start a session.
type SessionPlan struct {
	AgentID       string            `json:"agent_id"`
	Config        difficulty.Config `json:"config"`
	PromptContext string            `json:"prompt_context"`
	NewAgent      bool              `json:"new_agent"`
}

// AssessExchange scores the exchange and stores the record. The assessment
// is returned even when storing it fails, so the live conversation can go on;
// the error then wraps ErrPersistence. An exchange index already stored for
// the session returns the stored record without scoring it again, and a
// session that has been summarized accepts no more exchanges.
func (e *Engine) AssessExchange(ctx context.Context, req ExchangeRequest) (assessment.ExchangeAssessment, error) {
	if req.SessionID == "" {
		return assessment.ExchangeAssessment{}, fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}

	_, err := e.repo.GetSummary(ctx, req.SessionID)
	switch {
	case err == nil:
		return assessment.ExchangeAssessment{}, fmt.Errorf("%w: session %s is already summarized", ErrInvalidRequest, req.SessionID)
	case !errors.Is(err, store.ErrNotFound):
		e.logger.Warn("failed to check session summary", "session_id", req.SessionID, "error", err)
	}

	if stored, ok := e.storedExchange(ctx, req.SessionID, req.ExchangeIndex); ok {
		e.logger.Info("exchange already assessed", "session_id", req.SessionID, "exchange", req.ExchangeIndex)
		return stored, nil
	}

	a := e.assessor.Assess(ctx, assessment.Input{
		SessionID:        req.SessionID,
		SessionKind:      req.SessionKind,
		ExchangeIndex:    req.ExchangeIndex,
		TrustBefore:      req.TrustBefore,
		RepUtterance:     req.RepUtterance,
		CounterpartReply: req.CounterpartReply,
		Persona:          req.Persona,
		RecentContext:    req.RecentContext,
		Config:           difficulty.Preset(e.parseDifficulty(req.SessionID, req.Difficulty)),
	})

	err = e.repo.InsertAssessment(ctx, a)
	if errors.Is(err, store.ErrDuplicateAssessment) {
		// Lost a race with a redelivery of the same exchange.
		e.logger.Info("exchange already assessed", "session_id", a.SessionID, "exchange", a.ExchangeIndex)
		if stored, ok := e.storedExchange(ctx, a.SessionID, a.ExchangeIndex); ok {
			return stored, nil
		}
		return a, nil
	}
	if err != nil {
		e.logger.Error("failed to store assessment",
			"session_id", a.SessionID,
			"exchange", a.ExchangeIndex,
			"error", err,
		)
		return a, fmt.Errorf("%w: store assessment: %w", ErrPersistence, err)
	}

	e.logger.Info("exchange assessed",
		"session_id", a.SessionID,
		"exchange", a.ExchangeIndex,
		"trust_before", a.TrustBefore,
		"trust_delta", a.TrustDelta,
		"trust_after", a.TrustAfter,
		"mood", a.Mood,
		"deception_deployed", a.DeceptionDeployed,
	)
	e.publish(hermes.SubjectExchangeAssessed, a)
	return a, nil
}

// storedExchange looks up a record already stored for the exchange index.
// Lookup failures count as not found; the insert still rejects duplicates.
func (e *Engine) storedExchange(ctx context.Context, sessionID string, index int) (assessment.ExchangeAssessment, bool) {
	records, err := e.repo.ListAssessments(ctx, sessionID)
	if err != nil {
		e.logger.Warn("failed to look up stored exchanges", "session_id", sessionID, "error", err)
		return assessment.ExchangeAssessment{}, false
	}
	for _, r := range records {
		if r.ExchangeIndex == index {
			return r, true
		}
	}
	return assessment.ExchangeAssessment{}, false
}

// EndSession summarizes the session, stores the summary and updates the
// agent's profile. Ending an already summarized session returns the stored
// summary; its profile merge is retried if an earlier end failed before
// applying it, and is otherwise left alone.
func (e *Engine) EndSession(ctx context.Context, req EndRequest) (session.Summary, error) {
	if req.SessionID == "" || req.AgentID == "" {
		return session.Summary{}, fmt.Errorf("%w: session id and agent id are required", ErrInvalidRequest)
	}

	records, err := e.repo.ListAssessments(ctx, req.SessionID)
	if err != nil {
		return session.Summary{}, fmt.Errorf("%w: list assessments: %w", ErrPersistence, err)
	}

	meta := session.Meta{
		SessionID:   req.SessionID,
		SessionKind: e.sessionKind(req, records),
		AgentID:     req.AgentID,
		Difficulty:  e.parseDifficulty(req.SessionID, req.Difficulty),
		CompletedAt: req.CompletedAt,
	}
	if meta.CompletedAt.IsZero() {
		meta.CompletedAt = e.now()
	}

	sum := session.Summarize(meta, records)

	err = e.repo.InsertSummary(ctx, sum)
	switch {
	case errors.Is(err, store.ErrDuplicateSummary):
		existing, gerr := e.repo.GetSummary(ctx, req.SessionID)
		if gerr != nil {
			return session.Summary{}, fmt.Errorf("%w: get summary: %w", ErrPersistence, gerr)
		}
		sum = existing
	case err != nil:
		return sum, fmt.Errorf("%w: store summary: %w", ErrPersistence, err)
	default:
		e.logger.Info("session summarized",
			"session_id", sum.SessionID,
			"agent_id", sum.AgentID,
			"exchanges", len(records),
			"end_score", sum.EndScore,
			"grade", sum.Grade,
			"deceptions", sum.TotalDeceptions,
			"caught", sum.DeceptionsCaught,
		)
		e.publish(hermes.SubjectSessionSummarized, sum)
	}

	p, err := e.profiles.Update(ctx, sum, records)
	if errors.Is(err, profile.ErrAlreadyApplied) {
		e.logger.Info("session already summarized", "session_id", sum.SessionID)
		return sum, nil
	}
	if err != nil {
		e.logger.Error("failed to update agent profile", "agent_id", sum.AgentID, "session_id", sum.SessionID, "error", err)
		return sum, fmt.Errorf("%w: update profile: %w", ErrPersistence, err)
	}
	e.publish(hermes.SubjectProfileUpdated, p)

	if e.slack != nil {
		if _, err := e.slack.PostDebrief(ctx, sum); err != nil {
			e.logger.Error("slack debrief failed", "session_id", sum.SessionID, "error", err)
		}
	}

	return sum, nil
}

// NextSession picks the difficulty for the agent's next session. Agents
// without a profile get the bootstrap configuration.
func (e *Engine) NextSession(ctx context.Context, agentID string) (SessionPlan, error) {
	if agentID == "" {
		return SessionPlan{}, fmt.Errorf("%w: agent id is required", ErrInvalidRequest)
	}

	plan := SessionPlan{AgentID: agentID}
	p, err := e.repo.GetProfile(ctx, agentID)
	switch {
	case err == nil:
		plan.Config = difficulty.Select(p.History())
	case errors.Is(err, store.ErrNotFound):
		plan.Config = difficulty.Select(difficulty.Bootstrap())
		plan.NewAgent = true
	default:
		return SessionPlan{}, fmt.Errorf("%w: get profile: %w", ErrPersistence, err)
	}
	plan.PromptContext = plan.Config.PromptContext()
	return plan, nil
}

// Profile returns the stored profile; store.ErrNotFound passes through.
func (e *Engine) Profile(ctx context.Context, agentID string) (profile.AgentProfile, error) {
	p, err := e.repo.GetProfile(ctx, agentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return p, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return p, err
}

// Summary returns the stored session summary; store.ErrNotFound passes through.
func (e *Engine) Summary(ctx context.Context, sessionID string) (session.Summary, error) {
	s, err := e.repo.GetSummary(ctx, sessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return s, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return s, err
}

// Exchanges returns a session's records in exchange order.
func (e *Engine) Exchanges(ctx context.Context, sessionID string) ([]assessment.ExchangeAssessment, error) {
	records, err := e.repo.ListAssessments(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return records, nil
}

func (e *Engine) sessionKind(req EndRequest, records []assessment.ExchangeAssessment) assessment.SessionKind {
	if req.SessionKind == "" {
		if len(records) > 0 {
			return records[0].SessionKind
		}
		return assessment.KindDiscovery
	}
	kind, ok := assessment.ParseKind(req.SessionKind)
	if !ok {
		e.logger.Warn("unknown session kind, using default",
			"session_id", req.SessionID,
			"session_kind", req.SessionKind,
			"default", kind,
		)
	}
	return kind
}

func (e *Engine) parseDifficulty(sessionID, raw string) deception.Difficulty {
	d, ok := deception.ParseDifficulty(raw)
	if !ok && raw != "" {
		e.logger.Warn("unknown difficulty, using default", "session_id", sessionID, "difficulty", raw, "default", d)
	}
	return d
}

func (e *Engine) publish(subject string, data any) {
	if e.hermes == nil {
		return
	}
	if err := e.hermes.Publish(subject, data); err != nil {
		e.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}
