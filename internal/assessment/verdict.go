package assessment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/rapport/internal/deception"
	"github.com/MikeSquared-Agency/rapport/internal/trust"
)

// FailureRationale marks an assessment produced without a usable judge verdict.
const FailureRationale = "assessment unavailable"

const maxRationaleLen = 2000

// Verdict is the validated form of a judge reply. It is built once, by
// ParseVerdict or SafeVerdict, and nothing downstream looks at raw fields.
type Verdict struct {
	Delta             int
	Rationale         string
	DeceptionDeployed bool
	DeceptionType     *deception.Tactic
	DeceptionCaught   *bool
	SuggestedNext     *deception.Tactic

	// Fallback is set when the verdict is the safe default.
	Fallback bool
	// Notes records every value that had to be normalized.
	Notes []string
}

// SafeVerdict is used whenever the judge reply is missing or unusable.
func SafeVerdict() Verdict {
	return Verdict{Rationale: FailureRationale, Fallback: true}
}

var fieldAliases = map[string][]string{
	"trust_delta":              {"trust_delta", "trustDelta", "delta"},
	"rationale":                {"rationale", "reason", "reasoning"},
	"deception_deployed":       {"deception_deployed", "deceptionDeployed"},
	"deception_type":           {"deception_type", "deceptionType"},
	"deception_caught":         {"deception_caught", "deceptionCaught"},
	"suggested_next_deception": {"suggested_next_deception", "suggestedNextDeception", "next_deception"},
}

// ParseVerdict validates a raw judge reply. It never fails: any payload that
// is empty, not a JSON object, or has no trust delta yields SafeVerdict.
func ParseVerdict(raw string) Verdict {
	obj, ok := decodeObject(raw)
	if !ok {
		return SafeVerdict()
	}

	rawDelta, ok := lookup(obj, "trust_delta")
	if !ok {
		return SafeVerdict()
	}

	var v Verdict
	v.Delta = trust.ClampDelta(rawDelta)
	if d, isNum := rawDelta.(json.Number); isNum {
		if f, err := d.Float64(); err == nil && f != float64(v.Delta) {
			v.Notes = append(v.Notes, fmt.Sprintf("trust_delta %s normalized to %d", d, v.Delta))
		}
	} else if v.Delta == 0 {
		v.Notes = append(v.Notes, fmt.Sprintf("trust_delta %v treated as 0", rawDelta))
	}

	if r, ok := lookup(obj, "rationale"); ok {
		if s, isStr := r.(string); isStr {
			v.Rationale = truncate(strings.TrimSpace(s), maxRationaleLen)
		}
	}

	deployed, _ := lookup(obj, "deception_deployed")
	v.DeceptionDeployed = asBool(deployed)

	if v.DeceptionDeployed {
		if t, ok := lookup(obj, "deception_type"); ok {
			v.DeceptionType = parseTactic(t, "deception_type", &v.Notes)
		}
		caughtRaw, _ := lookup(obj, "deception_caught")
		caught := asBool(caughtRaw)
		v.DeceptionCaught = &caught
	} else {
		if c, ok := lookup(obj, "deception_caught"); ok && asBool(c) {
			v.Notes = append(v.Notes, "deception_caught dropped: no deception deployed")
		}
		if t, ok := lookup(obj, "deception_type"); ok && t != nil && t != "" {
			v.Notes = append(v.Notes, "deception_type dropped: no deception deployed")
		}
	}

	if n, ok := lookup(obj, "suggested_next_deception"); ok {
		v.SuggestedNext = parseTactic(n, "suggested_next_deception", &v.Notes)
	}

	return v
}

// decodeObject pulls the first JSON object out of an LLM reply, tolerating
// markdown fences and surrounding prose.
func decodeObject(raw string) (map[string]any, bool) {
	s := strings.TrimSpace(raw)
	if s == "" || s[0] == '[' {
		return nil, false
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(s[start : end+1])))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func lookup(obj map[string]any, field string) (any, bool) {
	for _, key := range fieldAliases[field] {
		if v, ok := obj[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "y":
			return true
		}
	case json.Number:
		return b.String() == "1"
	}
	return false
}

func parseTactic(v any, field string, notes *[]string) *deception.Tactic {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" || strings.EqualFold(strings.TrimSpace(s), "none") {
		return nil
	}
	t, ok := deception.Parse(s)
	if !ok {
		*notes = append(*notes, fmt.Sprintf("unknown %s %q dropped", field, s))
		return nil
	}
	return &t
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
