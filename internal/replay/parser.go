package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// line is a single JSONL record. Header lines have type "session".
type line struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	SessionKind string `json:"session_kind"`
	AgentID     string `json:"agent_id"`
	Difficulty  string `json:"difficulty"`
	Persona     string `json:"persona"`
	Role        string `json:"role"`
	Text        string `json:"text"`
	Timestamp   string `json:"timestamp"`
}

// ParseFile reads a transcript. Malformed lines and unknown roles are
// skipped. A file without a session_id uses its base name.
func ParseFile(path string) (Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return Transcript{}, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	t := Transcript{Path: path}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	for scanner.Scan() {
		var l line
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			continue
		}

		switch l.Type {
		case "session":
			t.SessionID = l.SessionID
			t.SessionKind = l.SessionKind
			t.AgentID = l.AgentID
			t.Difficulty = l.Difficulty
			t.Persona = l.Persona
		case "turn", "":
			role, ok := normalizeRole(l.Role)
			text := strings.TrimSpace(l.Text)
			if !ok || text == "" {
				continue
			}
			ts, _ := time.Parse(time.RFC3339Nano, l.Timestamp)
			t.Turns = append(t.Turns, Turn{Role: role, Text: text, Timestamp: ts})
		}
	}
	if err := scanner.Err(); err != nil {
		return Transcript{}, fmt.Errorf("scan: %w", err)
	}

	// File order stands unless every turn is timestamped.
	if allTimestamped(t.Turns) {
		sort.SliceStable(t.Turns, func(i, j int) bool {
			return t.Turns[i].Timestamp.Before(t.Turns[j].Timestamp)
		})
	}

	if t.SessionID == "" {
		t.SessionID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return t, nil
}

func allTimestamped(turns []Turn) bool {
	for _, t := range turns {
		if t.Timestamp.IsZero() {
			return false
		}
	}
	return true
}

func normalizeRole(role string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "rep", "agent", "user":
		return RoleRep, true
	case "prospect", "counterpart", "assistant":
		return RoleProspect, true
	default:
		return "", false
	}
}
