package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/rapport/internal/config"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "rapport",
	Short: "Trust and deception scoring for sales roleplay sessions",
	// Running the bare binary serves, as the container entrypoint expects.
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to load .env", "error", err)
		}
		cfg = config.Load()
		setupLogging(cfg.LogLevel)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("rapport failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
