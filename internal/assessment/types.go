package assessment

import (
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/rapport/internal/deception"
	"github.com/MikeSquared-Agency/rapport/internal/difficulty"
	"github.com/MikeSquared-Agency/rapport/internal/trust"
)

// SessionKind is the roleplay mode a session runs in.
type SessionKind string

const (
	KindColdCall          SessionKind = "cold_call"
	KindDiscovery         SessionKind = "discovery"
	KindDemo              SessionKind = "demo"
	KindObjectionHandling SessionKind = "objection_handling"
	KindNegotiation       SessionKind = "negotiation"
	KindClosing           SessionKind = "closing"
)

var kinds = map[SessionKind]bool{
	KindColdCall:          true,
	KindDiscovery:         true,
	KindDemo:              true,
	KindObjectionHandling: true,
	KindNegotiation:       true,
	KindClosing:           true,
}

// ParseKind normalizes a session kind. Unknown kinds map to discovery.
func ParseKind(s string) (SessionKind, bool) {
	k := SessionKind(s)
	if kinds[k] {
		return k, true
	}
	return KindDiscovery, false
}

// Input is everything one assessment needs. TrustBefore is passed by value
// for every exchange; nothing here holds a running score.
type Input struct {
	SessionID        string
	SessionKind      string
	ExchangeIndex    int
	TrustBefore      int
	RepUtterance     string
	CounterpartReply string
	Persona          string
	RecentContext    string
	Config           difficulty.Config
}

// ExchangeAssessment is the immutable record of one scored exchange.
type ExchangeAssessment struct {
	ID                     uuid.UUID         `json:"id"`
	SessionID              string            `json:"session_id"`
	SessionKind            SessionKind       `json:"session_kind"`
	ExchangeIndex          int               `json:"exchange_index"`
	TrustBefore            int               `json:"trust_before"`
	TrustDelta             int               `json:"trust_delta"`
	TrustAfter             int               `json:"trust_after"`
	Mood                   trust.Mood        `json:"mood"`
	DeceptionDeployed      bool              `json:"deception_deployed"`
	DeceptionType          *deception.Tactic `json:"deception_type"`
	DeceptionCaught        *bool             `json:"deception_caught"`
	Rationale              string            `json:"rationale"`
	SuggestedNextDeception *deception.Tactic `json:"suggested_next_deception"`
	CreatedAt              time.Time         `json:"created_at"`
}

// Caught reports whether a deployed deception was caught.
func (a ExchangeAssessment) Caught() bool {
	return a.DeceptionDeployed && a.DeceptionCaught != nil && *a.DeceptionCaught
}

// Missed reports whether a deception was deployed and not caught. A deployed
// deception with no caught verdict counts as missed.
func (a ExchangeAssessment) Missed() bool {
	return a.DeceptionDeployed && !a.Caught()
}

// TacticIs reports whether the record's deception type is t.
func (a ExchangeAssessment) TacticIs(t deception.Tactic) bool {
	return a.DeceptionType != nil && *a.DeceptionType == t
}
