package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"changedesk/internal/handlers"
	"changedesk/internal/observability"
	"changedesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the changedesk API server",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// OpenTelemetry 初始化（可选）
	shutdownTracing, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		log.Warnf("init tracing: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.hub.Run(ctx)
	if a.redis != nil {
		relay := services.NewRedisRelay(a.redis, cfg.Redis.Channel, a.hub, log)
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.WithError(err).Error("redis notification relay stopped")
			}
		}()
	}
	if cfg.Scheduler.Enabled {
		if err := a.runner.Start(ctx, cfg.Scheduler.Spec); err != nil {
			return err
		}
	} else {
		log.Info("in-process scheduler disabled; relying on POST /api/cron/change-automation")
	}
	if cfg.Scheduler.CronSecret == "" {
		log.Warn("scheduler.cron_secret is empty; the cron trigger endpoint will answer 503")
	}

	if cfg.Server.Host != "localhost" {
		gin.SetMode(gin.ReleaseMode)
	}
	router, err := handlers.NewRouter(cfg, handlers.RouterDeps{
		Changes:       a.changes,
		Runner:        a.runner,
		Notifications: a.store,
		Hub:           a.hub,
		Health: handlers.HealthDeps{
			DB:      a.db,
			Redis:   a.redis,
			Breaker: a.breaker,
			Hub:     a.hub,
			Runner:  a.runner,
		},
		Logger: log,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	log.Info("Server exited")
	return nil
}
