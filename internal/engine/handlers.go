package engine

import (
	"context"
	"encoding/json"

	"github.com/MikeSquared-Agency/rapport/internal/hermes"
)

// HandleExchangeCompleted is the NATS handler for rapport.exchange.completed.
func (e *Engine) HandleExchangeCompleted(subject string, data []byte) {
	ctx := context.Background()

	var evt hermes.ExchangeCompleted
	if err := json.Unmarshal(data, &evt); err != nil {
		e.logger.Error("failed to parse exchange event", "subject", subject, "error", err)
		return
	}

	if _, err := e.AssessExchange(ctx, ExchangeRequest{
		SessionID:        evt.SessionID,
		SessionKind:      evt.SessionKind,
		AgentID:          evt.AgentID,
		ExchangeIndex:    evt.ExchangeIndex,
		TrustBefore:      evt.TrustBefore,
		RepUtterance:     evt.RepUtterance,
		CounterpartReply: evt.CounterpartReply,
		Persona:          evt.Persona,
		RecentContext:    evt.RecentContext,
		Difficulty:       evt.Difficulty,
	}); err != nil {
		e.logger.Error("exchange processing failed", "session_id", evt.SessionID, "exchange", evt.ExchangeIndex, "error", err)
	}
}

// HandleSessionEnded is the NATS handler for rapport.session.ended.
func (e *Engine) HandleSessionEnded(subject string, data []byte) {
	ctx := context.Background()

	var evt hermes.SessionEnded
	if err := json.Unmarshal(data, &evt); err != nil {
		e.logger.Error("failed to parse session event", "subject", subject, "error", err)
		return
	}

	if _, err := e.EndSession(ctx, EndRequest{
		SessionID:   evt.SessionID,
		SessionKind: evt.SessionKind,
		AgentID:     evt.AgentID,
		Difficulty:  evt.Difficulty,
		CompletedAt: evt.EndedAt,
	}); err != nil {
		e.logger.Error("session end processing failed", "session_id", evt.SessionID, "agent_id", evt.AgentID, "error", err)
	}
}
