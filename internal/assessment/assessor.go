package assessment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/rapport/internal/anthropic"
	"github.com/MikeSquared-Agency/rapport/internal/trust"
)

// Completer is the judge transport. *anthropic.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error)
}

// Assessor scores one exchange at a time against the external judge.
type Assessor struct {
	judge     Completer
	timeout   time.Duration
	maxTokens int
	logger    *slog.Logger
	now       func() time.Time
}

func New(judge Completer, timeout time.Duration, maxTokens int, logger *slog.Logger) *Assessor {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Assessor{
		judge:     judge,
		timeout:   timeout,
		maxTokens: maxTokens,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Assess produces exactly one assessment for the exchange. It does not return
// an error: judge failures, timeouts and malformed replies all fall through to
// the safe-default verdict so the live session keeps going.
func (a *Assessor) Assess(ctx context.Context, in Input) ExchangeAssessment {
	in = a.normalizeInput(in)

	raw, err := a.callJudge(ctx, in)
	var v Verdict
	if err != nil {
		a.logger.Warn("judge call failed, using safe default",
			"session_id", in.SessionID,
			"exchange", in.ExchangeIndex,
			"error", err,
		)
		v = SafeVerdict()
	} else {
		v = ParseVerdict(raw)
		if v.Fallback {
			a.logger.Warn("unusable judge reply, using safe default",
				"session_id", in.SessionID,
				"exchange", in.ExchangeIndex,
				"raw_len", len(raw),
			)
		}
	}
	for _, note := range v.Notes {
		a.logger.Info("judge reply normalized",
			"session_id", in.SessionID,
			"exchange", in.ExchangeIndex,
			"note", note,
		)
	}

	return Build(in, v, a.now())
}

// Build turns a validated verdict into the stored record. Trust after is
// always recomputed from the score before and the clamped delta, never taken
// from the judge.
func Build(in Input, v Verdict, at time.Time) ExchangeAssessment {
	kind, _ := ParseKind(in.SessionKind)
	before := trust.Clamp(in.TrustBefore)
	after := trust.NextScore(before, v.Delta)

	rec := ExchangeAssessment{
		ID:                     uuid.New(),
		SessionID:              in.SessionID,
		SessionKind:            kind,
		ExchangeIndex:          max(in.ExchangeIndex, 1),
		TrustBefore:            before,
		TrustDelta:             v.Delta,
		TrustAfter:             after,
		Mood:                   trust.MoodFor(after),
		DeceptionDeployed:      v.DeceptionDeployed,
		Rationale:              v.Rationale,
		SuggestedNextDeception: v.SuggestedNext,
		CreatedAt:              at,
	}
	if v.DeceptionDeployed {
		rec.DeceptionType = v.DeceptionType
		rec.DeceptionCaught = v.DeceptionCaught
	}
	return rec
}

func (a *Assessor) normalizeInput(in Input) Input {
	if _, ok := ParseKind(in.SessionKind); !ok {
		a.logger.Warn("unknown session kind, defaulting",
			"session_id", in.SessionID,
			"kind", in.SessionKind,
			"default", KindDiscovery,
		)
		in.SessionKind = string(KindDiscovery)
	}
	if in.ExchangeIndex < 1 {
		a.logger.Warn("exchange index below 1, normalizing",
			"session_id", in.SessionID,
			"exchange", in.ExchangeIndex,
		)
		in.ExchangeIndex = 1
	}
	if c := trust.Clamp(in.TrustBefore); c != in.TrustBefore {
		a.logger.Warn("trust before out of range, clamping",
			"session_id", in.SessionID,
			"trust_before", in.TrustBefore,
		)
		in.TrustBefore = c
	}
	return in
}

func (a *Assessor) callJudge(ctx context.Context, in Input) (string, error) {
	if a.judge == nil {
		return "", fmt.Errorf("no judge configured")
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	prompt := fmt.Sprintf(userPromptTemplate,
		in.ExchangeIndex,
		in.TrustBefore,
		in.Config.Difficulty,
		orNone(in.Persona),
		orNone(in.RecentContext),
		in.RepUtterance,
		in.CounterpartReply,
	)
	return a.judge.Complete(ctx, systemPrompt, []anthropic.Message{{Role: "user", Content: prompt}}, a.maxTokens)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
