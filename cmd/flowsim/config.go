package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/flowsim/internal/logging"
	"github.com/rendis/flowsim/internal/secrets"
	"github.com/rendis/flowsim/internal/simulation"
)

// Config holds all flowsim configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath           string `json:"db_path"`
	LogLevel         string `json:"log_level"`
	ResolverURL      string `json:"resolver_url"`       // empty = offline scripted resolver
	ResolverTokenKey string `json:"resolver_token_key"` // vault key holding the resolver bearer token
	SummarizerURL    string `json:"summarizer_url"`
	RulesPath        string `json:"rules_path"` // YAML file of custom validation rules
	TurnDelayMS      int    `json:"turn_delay_ms"`
	MaxTurns         int    `json:"max_turns"`
	Parallelism      int    `json:"parallelism"`
	RemoteTimeoutSec int    `json:"remote_timeout_seconds"` // 0 = remote client default

	// VaultKey is read from FLOWSIM_VAULT_KEY only and never persisted.
	VaultKey string `json:"-"`
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(flowsimDir(), "flowsim.db"),
		LogLevel:         "info",
		ResolverTokenKey: secrets.KeyResolverToken,
		MaxTurns:         simulation.DefaultMaxTurns,
		Parallelism:      1,
	}
}

func flowsimDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowsim"
	}
	return filepath.Join(home, ".flowsim")
}

func settingsPath() string {
	return filepath.Join(flowsimDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWSIM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWSIM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWSIM_RESOLVER_URL"); v != "" {
		cfg.ResolverURL = v
	}
	if v := os.Getenv("FLOWSIM_RESOLVER_TOKEN_KEY"); v != "" {
		cfg.ResolverTokenKey = v
	}
	if v := os.Getenv("FLOWSIM_SUMMARIZER_URL"); v != "" {
		cfg.SummarizerURL = v
	}
	if v := os.Getenv("FLOWSIM_RULES_PATH"); v != "" {
		cfg.RulesPath = v
	}
	if v := os.Getenv("FLOWSIM_TURN_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TurnDelayMS = n
		}
	}
	if v := os.Getenv("FLOWSIM_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTurns = n
		}
	}
	if v := os.Getenv("FLOWSIM_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Parallelism = n
		}
	}
	if v := os.Getenv("FLOWSIM_REMOTE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RemoteTimeoutSec = n
		}
	}
	cfg.VaultKey = os.Getenv("FLOWSIM_VAULT_KEY")

	return cfg
}

// TurnDelay is the pacing wait between simulated turns.
func (c Config) TurnDelay() time.Duration {
	return time.Duration(c.TurnDelayMS) * time.Millisecond
}

// RemoteTimeout bounds one request to the resolver or summarizer.
func (c Config) RemoteTimeout() time.Duration {
	return time.Duration(c.RemoteTimeoutSec) * time.Second
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger writes text logs to stderr, tagging records with the run,
// persona and batch ids carried by the context.
func newLogger(level string) *slog.Logger {
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(level)})
	return slog.New(logging.NewCorrelationHandler(inner))
}
