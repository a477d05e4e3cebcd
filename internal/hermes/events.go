package hermes

import "time"

// Subjects consumed.
const (
	SubjectExchangeCompleted = "rapport.exchange.completed"
	SubjectSessionEnded      = "rapport.session.ended"
)

// Subjects published.
const (
	SubjectExchangeAssessed  = "rapport.exchange.assessed"
	SubjectSessionSummarized = "rapport.session.summarized"
	SubjectProfileUpdated    = "rapport.profile.updated"
)

// QueueGroup is shared by every rapport replica.
const QueueGroup = "rapport"

// ExchangeCompleted is emitted by the dialogue service after the simulated
// prospect has replied to the rep.
type ExchangeCompleted struct {
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

// SessionEnded is emitted when a session completes or is abandoned.
type SessionEnded struct {
	SessionID   string    `json:"session_id"`
	SessionKind string    `json:"session_kind"`
	AgentID     string    `json:"agent_id"`
	Difficulty  string    `json:"difficulty"`
	EndedAt     time.Time `json:"ended_at"`
}
