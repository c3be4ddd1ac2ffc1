package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mgmtsystem/internal/config"
	"mgmtsystem/internal/events"
	"mgmtsystem/internal/metrics"
	"mgmtsystem/internal/notify"
	"mgmtsystem/internal/repo"
	"mgmtsystem/internal/workflow"
)

const (
	entityNonconformity = "nonconformity"
	entityAction        = "action"

	defaultBaseURL = "http://localhost:8069"
	modelName      = "mgmtsystem.nonconformity"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Tracker   events.Tracker
	Config    *config.Config
	Templates *notify.Templates
	Mailer    *notify.Mailer
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.Logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.Metrics = m }
}

// WithTransport sets how notifications leave the process. Without it messages
// are written to the log.
func WithTransport(t notify.Transport) Option {
	return func(e *Engine) { e.Mailer.Transport = t }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.Now = now }
}

func New(db *sql.DB, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	tpls, err := notify.ParseTemplates(cfg.Templates)
	if err != nil {
		return nil, err
	}
	r := repo.Repo{DB: db}
	e := &Engine{
		DB:        db,
		Repo:      r,
		Config:    cfg,
		Templates: tpls,
		Mailer:    &notify.Mailer{Repo: r},
		Logger:    slog.Default(),
		Now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Events = events.Writer{Now: e.Now}
	e.Tracker = events.NewTracker(e.Events)
	e.Mailer.Logger = e.Logger
	e.Mailer.Metrics = e.Metrics
	e.Mailer.Now = e.Now
	return e, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// SeedStages writes the configured stages into the store.
func (e *Engine) SeedStages(ctx context.Context) error {
	return e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		return e.Repo.UpsertStages(ctx, tx, e.Config.DomainStages())
	})
}

func (e *Engine) stages(ctx context.Context, q repo.Querier) (workflow.Stages, error) {
	list, err := e.Repo.ListStages(ctx, q, "")
	if err != nil {
		return nil, fmt.Errorf("load stages: %w", err)
	}
	return workflow.NewStages(list), nil
}

// NonconformityURL builds the back-office link embedded in notifications.
func (e *Engine) NonconformityURL(id string) string {
	base := defaultBaseURL
	database := ""
	if e.Config != nil {
		if strings.TrimSpace(e.Config.Instance.BaseURL) != "" {
			base = e.Config.Instance.BaseURL
		}
		database = e.Config.Instance.Database
	}
	base = strings.TrimRight(base, "/")
	return fmt.Sprintf("%s/web#db=%s&id=%s&model=%s", base, database, id, modelName)
}
