package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"mgmtsystem/internal/app"
	"mgmtsystem/internal/notify"
	"mgmtsystem/internal/scheduler"
	"mgmtsystem/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the reminder scheduler and the webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return serve(ctx, a, addr, basePath, !noScheduler)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run the reminder sweep")
	return cmd
}

func serve(ctx context.Context, a *app.App, addr, basePath string, withScheduler bool) error {
	secret := viper.GetString("jwt-secret")
	if secret == "" {
		a.Logger.WarnContext(ctx, "no JWT secret configured; API accepts unauthenticated requests")
	}
	handler, err := server.New(server.Config{
		Engine:   a.Engine,
		BasePath: basePath,
		Auth:     server.AuthConfig{JWTSecret: secret, Logger: a.Logger},
		Metrics:  a.Metrics,
		Logger:   a.Logger,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.InfoContext(ctx, "serving API", "addr", addr, "base_path", basePath, "docs", "/docs", "metrics", "/metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if withScheduler {
		sched := scheduler.New(a.Engine, a.Config.ReminderInterval(), a.Config.Reminders.LookaheadDays, a.Logger)
		g.Go(func() error { return sched.Run(ctx) })
	}
	dispatcher := notify.NewDispatcher(a.Engine.Repo, a.Config.Notifications.Webhooks, a.Logger, a.Metrics)
	g.Go(func() error { return dispatcher.Run(ctx) })
	return g.Wait()
}
