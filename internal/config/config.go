package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port            int
	NatsURL         string
	NatsToken       string
	DatabaseURL     string
	SQLitePath      string
	LogLevel        string
	AnthropicAPIKey string
	JudgeModel      string
	JudgeTimeout    time.Duration
	JudgeMaxTokens  int
	SlackBotToken   string
	SlackChannel    string
	APIToken        string
}

func Load() Config {
	return Config{
		Port:            envInt("RAPPORT_PORT", 8760),
		NatsURL:         envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken:       envStr("NATS_TOKEN", ""),
		DatabaseURL:     envStr("DATABASE_URL", ""),
		SQLitePath:      envStr("SQLITE_PATH", "rapport.db"),
		LogLevel:        envStr("LOG_LEVEL", "info"),
		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		JudgeModel:      envStr("RAPPORT_JUDGE_MODEL", "claude-sonnet-4-20250514"),
		JudgeTimeout:    envDuration("JUDGE_TIMEOUT", 20*time.Second),
		JudgeMaxTokens:  envInt("JUDGE_MAX_TOKENS", 1024),
		SlackBotToken:   envStr("SLACK_BOT_TOKEN", ""),
		SlackChannel:    envStr("SLACK_DEBRIEF_CHANNEL", ""),
		APIToken:        envStr("RAPPORT_API_TOKEN", ""),
	}
}

// UsePostgres reports whether DATABASE_URL selects the Postgres store.
func (c Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// SlackEnabled reports whether debriefs should be posted.
func (c Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envDuration accepts Go durations ("20s", "1m") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
