// Package replay re-scores recorded roleplay transcripts through the engine.
// Transcripts are JSONL: an optional session header line followed by one
// line per turn.
package replay

import "time"

// Roles a turn can carry.
const (
	RoleRep      = "rep"
	RoleProspect = "prospect"
)

// Turn is one utterance in a recorded session.
type Turn struct {
	Role      string
	Text      string
	Timestamp time.Time
}

// Transcript is a parsed session file.
type Transcript struct {
	Path        string
	SessionID   string
	SessionKind string
	AgentID     string
	Difficulty  string
	Persona     string
	Turns       []Turn
}

// LastTimestamp is the time of the last timestamped turn, zero if none.
func (t Transcript) LastTimestamp() time.Time {
	for i := len(t.Turns) - 1; i >= 0; i-- {
		if !t.Turns[i].Timestamp.IsZero() {
			return t.Turns[i].Timestamp
		}
	}
	return time.Time{}
}
