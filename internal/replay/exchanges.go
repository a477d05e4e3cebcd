package replay

import (
	"strings"
)

// contextTurns is how many earlier turns go into an exchange's context.
const contextTurns = 6

// Exchange is one rep utterance and the prospect's reply to it.
type Exchange struct {
	Index            int
	RepUtterance     string
	CounterpartReply string
	RecentContext    string
}

// BuildExchanges pairs turns into exchanges. Consecutive turns by the same
// speaker are joined. Prospect turns before the rep's first utterance only
// feed the context.
func BuildExchanges(turns []Turn) []Exchange {
	merged := mergeTurns(turns)

	var out []Exchange
	for i, t := range merged {
		if t.Role != RoleRep {
			continue
		}
		ex := Exchange{
			Index:         len(out) + 1,
			RepUtterance:  t.Text,
			RecentContext: FormatContext(merged[max(0, i-contextTurns):i]),
		}
		if i+1 < len(merged) && merged[i+1].Role == RoleProspect {
			ex.CounterpartReply = merged[i+1].Text
		}
		out = append(out, ex)
	}
	return out
}

func mergeTurns(turns []Turn) []Turn {
	var merged []Turn
	for _, t := range turns {
		if n := len(merged); n > 0 && merged[n-1].Role == t.Role {
			merged[n-1].Text += "\n" + t.Text
			if !t.Timestamp.IsZero() {
				merged[n-1].Timestamp = t.Timestamp
			}
			continue
		}
		merged = append(merged, t)
	}
	return merged
}

// FormatContext renders turns as a Rep:/Prospect: transcript.
func FormatContext(turns []Turn) string {
	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteString("\n")
		}
		if t.Role == RoleRep {
			sb.WriteString("Rep: ")
		} else {
			sb.WriteString("Prospect: ")
		}
		sb.WriteString(t.Text)
	}
	return sb.String()
}
