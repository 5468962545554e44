package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rendis/flowsim/internal/batch"
	"github.com/rendis/flowsim/internal/remote"
	"github.com/rendis/flowsim/internal/secrets"
	"github.com/rendis/flowsim/internal/simulation"
	"github.com/rendis/flowsim/internal/store"
	"github.com/rendis/flowsim/internal/streaming"
	"github.com/rendis/flowsim/internal/validation"
	"github.com/rendis/flowsim/pkg/schema"
)

// app holds the wiring shared by every command. The store and vault are
// opened on first use so file-only commands never touch the database.
type app struct {
	cfg    Config
	logger *slog.Logger
	hub    *streaming.MemoryHub

	db    *store.LibSQLStore
	vault secrets.Vault
}

func newApp(cfg Config) *app {
	return &app{
		cfg:    cfg,
		logger: newLogger(cfg.LogLevel),
		hub:    streaming.NewMemoryHub(),
	}
}

// store opens and migrates the database.
func (a *app) store(ctx context.Context) (*store.LibSQLStore, error) {
	if a.db != nil {
		return a.db, nil
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.NewLibSQLStore("file:" + a.cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	a.db = db
	return db, nil
}

// openVault returns the secrets vault, or nil when no passphrase is set.
func (a *app) openVault(ctx context.Context) (secrets.Vault, error) {
	if a.vault != nil || a.cfg.VaultKey == "" {
		return a.vault, nil
	}
	db, err := a.store(ctx)
	if err != nil {
		return nil, err
	}
	v, err := secrets.OpenPassphraseVault(ctx, db, a.cfg.VaultKey)
	if err != nil {
		return nil, err
	}
	a.vault = v
	return v, nil
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
		a.db = nil
	}
}

// resolver returns the HTTP resolver when one is configured, otherwise the
// offline scripted walker.
func (a *app) resolver(ctx context.Context, scripted bool) (simulation.TurnResolver, error) {
	if scripted || a.cfg.ResolverURL == "" {
		return simulation.NewScriptedResolver(), nil
	}
	opts, err := a.remoteOptions(ctx, a.cfg.ResolverTokenKey, false)
	if err != nil {
		return nil, err
	}
	return simulation.NewHTTPResolver(a.cfg.ResolverURL, opts...), nil
}

func (a *app) summarizer(ctx context.Context) (batch.Summarizer, error) {
	if a.cfg.SummarizerURL == "" {
		return nil, nil
	}
	opts, err := a.remoteOptions(ctx, secrets.KeySummarizerToken, true)
	if err != nil {
		return nil, err
	}
	return batch.NewHTTPSummarizer(a.cfg.SummarizerURL, opts...), nil
}

// remoteOptions builds client options for a remote endpoint. Turn resolution
// never retries: a failed turn fails its run.
func (a *app) remoteOptions(ctx context.Context, tokenKey string, retry bool) ([]remote.Option, error) {
	v, err := a.openVault(ctx)
	if err != nil {
		return nil, err
	}
	token, err := secrets.Token(ctx, v, tokenKey)
	if err != nil {
		return nil, err
	}
	opts := []remote.Option{remote.WithBreaker(remote.DefaultBreakerConfig())}
	if retry {
		opts = append(opts, remote.WithRetry(remote.DefaultRetryPolicy()))
	}
	if t := a.cfg.RemoteTimeout(); t > 0 {
		opts = append(opts, remote.WithHTTPClient(&http.Client{Timeout: t}))
	}
	if token != "" {
		opts = append(opts, remote.WithToken(token))
	}
	return opts, nil
}

// simConfig configures orchestrators. db may be nil for file-only runs.
func (a *app) simConfig(db store.Store) simulation.Config {
	cfg := simulation.Config{
		MaxTurns:  a.cfg.MaxTurns,
		TurnDelay: a.cfg.TurnDelay(),
		Hub:       a.hub,
		Logger:    a.logger,
	}
	if db != nil {
		cfg.Appender = db
		cfg.Flows = store.FlowLookup{Store: db}
	}
	return cfg
}

func (a *app) batchConfig(ctx context.Context) (batch.Config, error) {
	sum, err := a.summarizer(ctx)
	if err != nil {
		return batch.Config{}, err
	}
	return batch.Config{
		Parallelism: a.cfg.Parallelism,
		Summarizer:  sum,
		Logger:      a.logger,
	}, nil
}

// ruleFile is the on-disk shape of custom validation rules.
type ruleFile struct {
	Rules []validation.Rule `yaml:"rules"`
}

// validator builds the validator with the configured custom rules.
func (a *app) validator() (*validation.Validator, error) {
	var v *validation.Validator
	var err error
	if a.cfg.RulesPath == "" {
		v, err = validation.NewValidator()
	} else {
		v, err = loadValidator(a.cfg.RulesPath)
	}
	if err != nil {
		return nil, err
	}
	return v.WithLogger(a.logger), nil
}

func loadValidator(path string) (*validation.Validator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid rules file").WithCause(err)
	}
	return validation.NewValidator(rf.Rules...)
}
