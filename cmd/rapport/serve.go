package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/rapport/internal/anthropic"
	"github.com/MikeSquared-Agency/rapport/internal/api"
	"github.com/MikeSquared-Agency/rapport/internal/assessment"
	"github.com/MikeSquared-Agency/rapport/internal/config"
	"github.com/MikeSquared-Agency/rapport/internal/engine"
	"github.com/MikeSquared-Agency/rapport/internal/hermes"
	"github.com/MikeSquared-Agency/rapport/internal/slack"
	"github.com/MikeSquared-Agency/rapport/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scoring service (HTTP API and event consumers)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	slog.Info("rapport starting", "port", cfg.Port)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	assessor, err := newAssessor(cfg)
	if err != nil {
		return err
	}

	// NATS/Hermes. The HTTP API keeps working without it.
	var publisher engine.Publisher
	hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		slog.Warn("NATS unavailable, running without event bus", "url", cfg.NatsURL, "error", err)
	} else {
		defer hermesClient.Close()
		publisher = hermesClient
		slog.Info("NATS connected", "url", cfg.NatsURL)
	}

	// Slack debriefs are optional.
	var poster engine.DebriefPoster
	if cfg.SlackEnabled() {
		poster = slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, slog.Default())
		slog.Info("slack debriefs enabled", "channel", cfg.SlackChannel)
	} else {
		slog.Warn("slack not configured, debriefs only available over HTTP")
	}

	eng := engine.New(db, assessor, publisher, poster, slog.Default())

	if hermesClient != nil {
		subs := map[string]func(string, []byte){
			hermes.SubjectExchangeCompleted: eng.HandleExchangeCompleted,
			hermes.SubjectSessionEnded:      eng.HandleSessionEnded,
		}
		for subject, handler := range subs {
			if err := hermesClient.QueueSubscribe(subject, hermes.QueueGroup, handler); err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
		}
	}

	srv := api.NewServer(cfg.Port, cfg.APIToken, eng, db)
	if hermesClient != nil {
		srv.SetEventBus(hermesClient)
	}
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	if cfg.APIToken == "" {
		slog.Warn("RAPPORT_API_TOKEN not set, API is unauthenticated")
	}
	slog.Info("rapport ready", "port", cfg.Port, "postgres", cfg.UsePostgres())

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	slog.Info("rapport stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Repository, error) {
	if cfg.UsePostgres() {
		db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		slog.Info("postgres connected")
		return db, nil
	}
	db, err := store.NewSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	slog.Info("sqlite store opened", "path", cfg.SQLitePath)
	return db, nil
}

func newAssessor(cfg config.Config) (*assessment.Assessor, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is required")
	}
	judge := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.JudgeModel, cfg.JudgeTimeout)
	slog.Info("judge ready", "model", judge.Model(), "timeout", cfg.JudgeTimeout)
	return assessment.New(judge, cfg.JudgeTimeout, cfg.JudgeMaxTokens, slog.Default()), nil
}
