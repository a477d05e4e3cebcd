package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/rapport/internal/engine"
	"github.com/MikeSquared-Agency/rapport/internal/replay"
)

var replayCfg replay.Config

var replayCmd = &cobra.Command{
	Use:   "replay [dir]",
	Short: "Score recorded roleplay transcripts (JSONL) and update agent profiles",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			replayCfg.Dir = args[0]
		}
		if replayCfg.Dir == "" && replayCfg.SingleFile == "" {
			return fmt.Errorf("a transcript directory or --file is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var scorer replay.Scorer
		if !replayCfg.DryRun {
			db, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			assessor, err := newAssessor(cfg)
			if err != nil {
				return err
			}
			// Replays stay off the event bus and out of Slack.
			scorer = engine.New(db, assessor, nil, nil, slog.Default())
		}

		results, err := replay.NewRunner(replayCfg, scorer, slog.Default()).Run(ctx)
		replay.WriteReport(os.Stdout, results, replayCfg.DryRun)
		return err
	},
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayCfg.SingleFile, "file", "", "replay a single transcript file")
	f.StringVar(&replayCfg.StatePath, "state", replay.DefaultStatePath, "progress file for resumable runs (empty disables)")
	f.StringVar(&replayCfg.AgentID, "agent", "", "agent id for transcripts whose header names none")
	f.StringVar(&replayCfg.Difficulty, "difficulty", "normal", "difficulty for transcripts whose header names none")
	f.IntVar(&replayCfg.MinExchanges, "min-exchanges", 1, "skip transcripts with fewer exchanges")
	f.BoolVar(&replayCfg.DryRun, "dry-run", false, "parse and count without scoring")
}
