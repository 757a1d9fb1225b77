package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskping/taskping/engine/ingest"
	"github.com/taskping/taskping/pkg/config"
	"github.com/taskping/taskping/pkg/logger"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reminder engine: webhook server plus dispatch, sweep and poll cadences",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log := logger.FromContext(ctx)
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	scheduler := cron.New()
	schedule := func(interval time.Duration, name string, run func() error) error {
		_, err := scheduler.AddFunc(fmt.Sprintf("@every %s", interval), func() {
			if err := run(); err != nil {
				log.Error(name+" failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("scheduling %s: %w", name, err)
		}
		return nil
	}
	if err := schedule(cfg.Reminder.DispatchInterval, "dispatch cycle", func() error {
		return a.engine.RunDispatchCycle(ctx)
	}); err != nil {
		return err
	}
	if err := schedule(cfg.Reminder.SweepInterval, "deadline sweep", func() error {
		return a.engine.RunSweep(ctx, time.Now())
	}); err != nil {
		return err
	}
	if a.poller != nil {
		if err := schedule(cfg.Telegram.PollInterval, "bot poll", func() error {
			return a.poller.Poll(ctx)
		}); err != nil {
			return err
		}
	}
	if cfg.Reminder.Retention > 0 {
		if err := schedule(24*time.Hour, "retention prune", func() error {
			_, err := a.engine.Prune(ctx, cfg.Reminder.Retention)
			return err
		}); err != nil {
			return err
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	router := ingest.NewRouter(a.gateway, ingest.RouterConfig{
		AuthToken: cfg.Server.WebhookSecret,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("webhook server listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
