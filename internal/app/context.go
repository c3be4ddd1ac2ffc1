package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mgmtsystem/internal/config"
	"mgmtsystem/internal/db"
	"mgmtsystem/internal/engine"
	"mgmtsystem/internal/metrics"
	"mgmtsystem/internal/migrate"
	"mgmtsystem/internal/notify"
)

// App bundles what every command needs: the opened store, the loaded
// configuration and an engine wired to both.
type App struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  *engine.Engine
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Options struct {
	Workspace  string
	ConfigPath string
	Logger     *slog.Logger
}

// Open loads the workspace configuration (defaults when no file exists),
// migrates the database and seeds the configured stages.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	for _, m := range applied {
		logger.InfoContext(ctx, "migration applied", "version", m.Version, "name", m.Name)
	}
	m := metrics.New()
	eng, err := engine.New(conn, cfg,
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithTransport(Transport(cfg, logger)),
	)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := eng.SeedStages(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed stages: %w", err)
	}
	return &App{DB: conn, Config: cfg, Engine: eng, Metrics: m, Logger: logger}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

// Transport picks the webhook transport when a URL is configured and the log
// transport otherwise.
func Transport(cfg *config.Config, logger *slog.Logger) notify.Transport {
	n := cfg.Notifications
	if strings.TrimSpace(n.WebhookURL) == "" {
		return notify.LogTransport{Logger: logger}
	}
	maxElapsed, _ := time.ParseDuration(n.MaxElapsed)
	return notify.NewWebhookTransport(n.WebhookURL, n.Secret, time.Duration(n.TimeoutSeconds)*time.Second, maxElapsed)
}
