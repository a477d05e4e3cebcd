package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MikeSquared-Agency/rapport/internal/assessment"
	"github.com/MikeSquared-Agency/rapport/internal/deception"
	"github.com/MikeSquared-Agency/rapport/internal/difficulty"
	"github.com/MikeSquared-Agency/rapport/internal/engine"
	"github.com/MikeSquared-Agency/rapport/internal/session"
	"github.com/MikeSquared-Agency/rapport/internal/store"
)

// Scorer is the part of the engine a replay drives.
type Scorer interface {
	AssessExchange(ctx context.Context, req engine.ExchangeRequest) (assessment.ExchangeAssessment, error)
	EndSession(ctx context.Context, req engine.EndRequest) (session.Summary, error)
	Summary(ctx context.Context, sessionID string) (session.Summary, error)
}

// Config holds the replay command configuration.
type Config struct {
	Dir          string
	SingleFile   string
	StatePath    string // empty keeps progress in memory only
	AgentID      string // used when a transcript header names no agent
	Difficulty   string // used when a transcript header names no difficulty
	MinExchanges int
	DryRun       bool
}

// SessionResult is the outcome of replaying one transcript.
type SessionResult struct {
	Path      string
	SessionID string
	AgentID   string
	Exchanges int
	EndScore  int
	Grade     session.Grade
	Skipped   string
	Err       error
}

// Runner replays transcripts one session at a time, in file order.
type Runner struct {
	cfg    Config
	scorer Scorer
	logger *slog.Logger
}

func NewRunner(cfg Config, scorer Scorer, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg, scorer: scorer, logger: logger}
}

// Run replays every transcript not yet recorded in the state file. A
// failed session is recorded and the run moves on; only context
// cancellation and state errors stop it.
func (r *Runner) Run(ctx context.Context) ([]SessionResult, error) {
	state := &State{}
	if r.cfg.StatePath != "" {
		var err error
		if state, err = LoadState(r.cfg.StatePath); err != nil {
			return nil, fmt.Errorf("load state: %w", err)
		}
	}

	files, err := r.discoverFiles()
	if err != nil {
		return nil, fmt.Errorf("discover files: %w", err)
	}

	var transcripts []Transcript
	for _, path := range files {
		if state.IsProcessed(path) {
			continue
		}
		t, err := ParseFile(path)
		if err != nil {
			r.logger.Warn("failed to parse transcript", "path", path, "error", err)
			state.AddError(fmt.Sprintf("parse %s: %v", path, err))
			continue
		}
		transcripts = append(transcripts, t)
	}

	duplicates := FindDuplicates(transcripts)
	r.logger.Info("transcripts discovered",
		"files", len(files),
		"pending", len(transcripts),
		"duplicates", len(duplicates),
	)

	var results []SessionResult
	for _, t := range transcripts {
		if err := ctx.Err(); err != nil {
			r.logger.Info("replay interrupted, saving state")
			_ = state.Save()
			return results, err
		}

		if duplicates[t.Path] {
			r.logger.Info("skipping duplicate transcript", "path", t.Path, "session_id", t.SessionID)
			results = append(results, SessionResult{Path: t.Path, SessionID: t.SessionID, AgentID: t.AgentID, Skipped: "duplicate"})
			state.MarkProcessed(t.Path)
			continue
		}

		res := r.replay(ctx, t)
		results = append(results, res)
		if res.Err != nil {
			state.AddError(fmt.Sprintf("replay %s: %v", t.Path, res.Err))
			if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
				_ = state.Save()
				return results, res.Err
			}
		} else if res.Skipped == "" && !r.cfg.DryRun {
			state.SessionsReplayed++
			state.ExchangesScored += res.Exchanges
		}

		// Failed sessions stay pending so the next run retries them.
		if res.Err == nil && !r.cfg.DryRun {
			state.MarkProcessed(t.Path)
		}
		if err := state.Save(); err != nil {
			return results, fmt.Errorf("save state: %w", err)
		}
	}

	r.logger.Info("replay complete",
		"sessions", len(results),
		"errors", len(state.Errors),
		"dry_run", r.cfg.DryRun,
	)
	return results, nil
}

func (r *Runner) replay(ctx context.Context, t Transcript) SessionResult {
	res := SessionResult{Path: t.Path, SessionID: t.SessionID, AgentID: t.AgentID}
	if res.AgentID == "" {
		res.AgentID = r.cfg.AgentID
	}
	if res.AgentID == "" {
		res.Err = errors.New("transcript names no agent and no default agent is set")
		return res
	}

	exchanges := BuildExchanges(t.Turns)
	res.Exchanges = len(exchanges)
	if len(exchanges) < r.cfg.MinExchanges {
		res.Skipped = fmt.Sprintf("only %d exchanges", len(exchanges))
		return res
	}

	level := t.Difficulty
	if level == "" {
		level = r.cfg.Difficulty
	}

	if r.cfg.DryRun {
		r.logger.Info("dry run", "session_id", t.SessionID, "exchanges", len(exchanges))
		return res
	}

	if _, err := r.scorer.Summary(ctx, t.SessionID); err == nil {
		res.Skipped = "already summarized"
		return res
	} else if !errors.Is(err, store.ErrNotFound) {
		res.Err = err
		return res
	}

	d, _ := deception.ParseDifficulty(level)
	trust := difficulty.Preset(d).StartingTrust
	for _, ex := range exchanges {
		a, err := r.scorer.AssessExchange(ctx, engine.ExchangeRequest{
			SessionID:        t.SessionID,
			SessionKind:      t.SessionKind,
			AgentID:          res.AgentID,
			ExchangeIndex:    ex.Index,
			TrustBefore:      trust,
			RepUtterance:     ex.RepUtterance,
			CounterpartReply: ex.CounterpartReply,
			Persona:          t.Persona,
			RecentContext:    ex.RecentContext,
			Difficulty:       level,
		})
		if err != nil {
			res.Err = fmt.Errorf("exchange %d: %w", ex.Index, err)
			return res
		}
		trust = a.TrustAfter
	}

	sum, err := r.scorer.EndSession(ctx, engine.EndRequest{
		SessionID:   t.SessionID,
		SessionKind: t.SessionKind,
		AgentID:     res.AgentID,
		Difficulty:  level,
		CompletedAt: t.LastTimestamp(),
	})
	if err != nil {
		res.Err = fmt.Errorf("end session: %w", err)
		return res
	}
	res.EndScore = sum.EndScore
	res.Grade = sum.Grade

	r.logger.Info("session replayed",
		"session_id", t.SessionID,
		"agent_id", res.AgentID,
		"exchanges", res.Exchanges,
		"end_score", res.EndScore,
		"grade", res.Grade,
	)
	return res
}

func (r *Runner) discoverFiles() ([]string, error) {
	if r.cfg.SingleFile != "" {
		path := expandHome(r.cfg.SingleFile)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("transcript not found: %s", path)
		}
		return []string{path}, nil
	}

	dir := expandHome(r.cfg.Dir)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".jsonl") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// WriteReport prints a per-agent summary of a replay run.
func WriteReport(w io.Writer, results []SessionResult, dryRun bool) {
	byAgent := make(map[string][]SessionResult)
	var skipped, failed int
	for _, res := range results {
		switch {
		case res.Err != nil:
			failed++
		case res.Skipped != "":
			skipped++
		}
		agent := res.AgentID
		if agent == "" {
			agent = "unknown"
		}
		byAgent[agent] = append(byAgent[agent], res)
	}

	agents := make([]string, 0, len(byAgent))
	for a := range byAgent {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	fmt.Fprintf(w, "=== Replay Summary ===\n")
	for _, agent := range agents {
		sessions := byAgent[agent]
		fmt.Fprintf(w, "\n%s (%d sessions)\n", agent, len(sessions))
		for _, res := range sessions {
			name := filepath.Base(res.Path)
			switch {
			case res.Err != nil:
				fmt.Fprintf(w, "  - %s [%s]: error: %v\n", name, res.SessionID, res.Err)
			case res.Skipped != "":
				fmt.Fprintf(w, "  - %s [%s]: skipped (%s)\n", name, res.SessionID, res.Skipped)
			case dryRun:
				fmt.Fprintf(w, "  - %s [%s]: %d exchanges\n", name, res.SessionID, res.Exchanges)
			default:
				fmt.Fprintf(w, "  - %s [%s]: %d exchanges, end %d, grade %s\n",
					name, res.SessionID, res.Exchanges, res.EndScore, res.Grade)
			}
		}
	}
	fmt.Fprintf(w, "\nSessions: %d, skipped: %d, failed: %d\n", len(results), skipped, failed)
	if dryRun {
		fmt.Fprintf(w, "Mode: DRY RUN (nothing scored)\n")
	}
}
