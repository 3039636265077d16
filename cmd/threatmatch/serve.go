package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/threatmatch/common/logging"
	"github.com/telhawk-systems/threatmatch/internal/auth"
	"github.com/telhawk-systems/threatmatch/internal/handlers"
	"github.com/telhawk-systems/threatmatch/internal/runner"
	"github.com/telhawk-systems/threatmatch/internal/scheduler"
	"github.com/telhawk-systems/threatmatch/internal/server"
	"github.com/telhawk-systems/threatmatch/internal/telemetry"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the rule scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := telemetry.Flush(context.Background(), shutdownTracer); err != nil {
			logger.Error("failed to flush traces", logging.Error(err))
		}
	}()

	src, osrc, err := newSource(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create opensearch client: %w", err)
	}

	repo, err := newRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	opts := []runner.Option{}
	rdb, err := newRedis(cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		opts = append(opts, runner.WithLedger(newLedger(cfg, rdb)))
		logger.Info("alert ledger enabled", "ttl", cfg.Ledger.TTL.String())
	}

	pub, nc, err := newPublisher(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if nc != nil {
		defer nc.Close()
		opts = append(opts, runner.WithPublisher(pub))
		logger.Info("publishing results to NATS", "url", cfg.NATS.URL)
	}

	r := runner.New(cfg.Rules, src, repo, logger, opts...)

	h := handlers.NewHandler(ctx, r, repo, logger).
		WithCheck("opensearch", osrc.Ping).
		WithCheck("database", repo.Ping)
	if rdb != nil {
		h.WithCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		if cfg.Scheduler.Cron != "" {
			sched, err = scheduler.NewCronScheduler(r, cfg.Scheduler.Cron, logger)
			if err != nil {
				return err
			}
		} else {
			sched = scheduler.NewScheduler(r, cfg.Scheduler.Interval, logger)
		}
		go sched.Start(ctx)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(h, auth.NewValidator(cfg.Auth.JWTSecret), logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting threatmatch service", "port", cfg.Server.Port, "rules", len(cfg.Rules))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", logging.Error(err))
	}
	if sched != nil {
		sched.Stop()
	}
	h.Wait()

	logger.Info("server exited")
	return nil
}
