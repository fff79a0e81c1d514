package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/davidahmann/finagent/internal/agent"
	"github.com/davidahmann/finagent/internal/audit"
	"github.com/davidahmann/finagent/internal/config"
	"github.com/davidahmann/finagent/internal/dedupe"
	"github.com/davidahmann/finagent/internal/ledger"
	"github.com/davidahmann/finagent/internal/ledger/sqlstore"
	"github.com/davidahmann/finagent/internal/notify"
	"github.com/davidahmann/finagent/internal/orchestrator"
	"github.com/davidahmann/finagent/internal/policy"
	"github.com/davidahmann/finagent/internal/source"
)

type envFn func(string) string

// options are the persistent flags shared by every command.
type options struct {
	configPath  string
	policyPath  string
	sourcesPath string
	verbose     bool
}

// app is the wired process: store, outbox, orchestrator and its agents.
type app struct {
	cfg    config.Config
	policy policy.LoadedPolicy
	store  ledger.Store
	outbox *notify.Outbox
	orch   *orchestrator.Orchestrator
	logger *slog.Logger

	closers []io.Closer
}

func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

// loadConfig resolves the config file from the flag or FINAGENT_CONFIG_PATH
// and applies the env overrides on top.
func loadConfig(opts options, getenv envFn) (config.Config, error) {
	cfg := config.Default()
	if path := firstNonEmpty(opts.configPath, getenv("FINAGENT_CONFIG_PATH")); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	cfg.PolicyPath = firstNonEmpty(opts.policyPath, getenv("FINAGENT_POLICY_PATH"), cfg.PolicyPath)
	cfg.DB.DSN = firstNonEmpty(getenv("FINAGENT_DB_DSN"), cfg.DB.DSN)
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func openStore(ctx context.Context, cfg config.DBConfig) (ledger.Store, io.Closer, error) {
	if cfg.Driver == "" {
		return ledger.NewInMemoryStore(), nil, nil
	}
	s, err := sqlstore.Open(ledger.DBDriver(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return s, s, nil
}

func loadSources(path string) (*source.Memory, error) {
	if path == "" {
		return source.NewMemory(), nil
	}
	// #nosec G304 -- operator-provided snapshot path.
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return source.LoadSnapshot(f)
}

func newApp(ctx context.Context, opts options, getenv envFn, stderr io.Writer) (*app, error) {
	cfg, err := loadConfig(opts, getenv)
	if err != nil {
		return nil, err
	}
	logger := newLogger(stderr, opts.verbose)

	loaded, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", cfg.PolicyPath, err)
	}

	a := &app{cfg: cfg, policy: loaded, logger: logger}
	store, closer, err := openStore(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	a.store = store

	var sink notify.Sink = notify.LogSink{Logger: logger}
	if cfg.Slack.Enabled {
		sink = notify.NewSlackWebhookSink(cfg.Slack.WebhookURL)
	}
	channel := firstNonEmpty(loaded.Policy.Notifications.Channel, cfg.Slack.DefaultChannel)
	a.outbox = notify.NewOutbox(store, sink,
		notify.WithRateLimit(cfg.Outbox.RatePerSecond, cfg.Outbox.Burst),
		notify.WithLogger(logger),
		notify.WithDefaultChannel(channel),
	)

	src, err := loadSources(opts.sourcesPath)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("sources: %w", err)
	}

	orchOpts := []orchestrator.Option{orchestrator.WithLogger(logger), orchestrator.WithInvoices(src)}
	if cfg.Redis.Addr != "" {
		rs := dedupe.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		a.closers = append(a.closers, rs)
		orchOpts = append(orchOpts, orchestrator.WithDeduper(rs))
	}
	a.orch = orchestrator.New(loaded.Policy, store, a.outbox, orchOpts...)

	auditLog := audit.New(store, audit.WithLogger(logger))
	if err := auditLog.Resume(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("resume audit chain: %w", err)
	}
	deps := agent.Deps{
		Audit:           auditLog,
		PollInterval:    cfg.Approvals.PollInterval,
		ApprovalTimeout: cfg.Approvals.Timeout,
	}
	if err := a.orch.RegisterDefaults(deps, src); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.orch.Initialize(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}
