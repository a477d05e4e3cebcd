package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// DefaultStatePath is where progress is kept between runs.
const DefaultStatePath = "~/.rapport/replay-state.json"

// State tracks progress so an interrupted replay can resume.
type State struct {
	StartedAt        time.Time `json:"started_at"`
	LastProcessedAt  time.Time `json:"last_processed_at"`
	FilesProcessed   []string  `json:"files_processed"`
	SessionsReplayed int       `json:"sessions_replayed"`
	ExchangesScored  int       `json:"exchanges_scored"`
	Errors           []string  `json:"errors"`

	path string
}

// LoadState reads the state file at path, or starts a fresh one.
func LoadState(path string) (*State, error) {
	p := expandHome(path)

	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{StartedAt: time.Now().UTC(), path: p}, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	s.path = p
	return &s, nil
}

// Save writes the state to disk. A state without a path is kept in memory.
func (s *State) Save() error {
	s.LastProcessedAt = time.Now().UTC()
	if s.path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return os.WriteFile(s.path, data, 0o644)
}

func (s *State) IsProcessed(path string) bool {
	return slices.Contains(s.FilesProcessed, path)
}

func (s *State) MarkProcessed(path string) {
	s.FilesProcessed = append(s.FilesProcessed, path)
}

func (s *State) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
