package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/claimrelay/internal/claimrelay"
	"github.com/agentworkforce/claimrelay/internal/config"
	"github.com/agentworkforce/claimrelay/internal/httpapi"
	"github.com/agentworkforce/claimrelay/internal/realtime"
	"github.com/agentworkforce/claimrelay/internal/routing"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Long: `Run the HTTP API and the live websocket endpoint.

Storage, the dispatch queue, the backplane and the routing rules are
chosen from the config file and CLAIMRELAY_* variables.

Example:
  claimrelay serve --addr :9090
  CLAIMRELAY_BACKEND_PROFILE=durable-local claimrelay serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(addr) != "" {
				cfg.Addr = addr
			}
			ctx, stop := notifyContext(cmd)
			defer stop()
			return serve(ctx, cfg, root.log())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides the configured one")
	return cmd
}

// app is everything serve starts, built separately so it can be exercised
// without a listener.
type app struct {
	cfg      config.Config
	service  *claimrelay.Service
	registry *realtime.Registry
	router   *realtime.Router
	handler  http.Handler
	rules    *routing.Rules
	closers  []func() error
	logger   *slog.Logger
}

func buildApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if cfg.UsesDevSecret() {
		logger.Warn("auth uses the built-in development JWT secret; anyone can mint admin tokens, set CLAIMRELAY_JWT_SECRET",
			"profile", cfg.Storage.Profile)
	}
	a.rules = routing.Default()
	if path := strings.TrimSpace(cfg.Routing.RulesFile); path != "" {
		if a.rules, err = routing.Load(path); err != nil {
			return nil, fmt.Errorf("load routing rules: %w", err)
		}
	}

	var backplane realtime.Backplane
	if dsn := strings.TrimSpace(cfg.Realtime.BackplaneDSN); dsn != "" {
		pg, err := realtime.NewPostgresBackplane(dsn, cfg.Realtime.BackplaneChannel, logger.With("component", "backplane"))
		if err != nil {
			return nil, fmt.Errorf("init backplane: %w", err)
		}
		backplane = pg
		a.closers = append(a.closers, pg.Close)
	}

	backend, err := claimrelay.BuildBackendFromDSN(cfg.Storage.BackendDSN)
	if err != nil {
		return nil, fmt.Errorf("init backend: %w", err)
	}
	queue, err := claimrelay.BuildDispatchQueueFromDSN(cfg.Dispatch.QueueDSN, cfg.Dispatch.QueueSize)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("init dispatch queue: %w", err)
	}

	a.registry = realtime.NewRegistry()
	a.router = realtime.NewRouter(a.registry, realtime.RouterOptions{
		Backplane: backplane,
		Logger:    logger.With("component", "router"),
	})

	a.service, err = claimrelay.NewService(claimrelay.ServiceOptions{
		Backend:           backend,
		DispatchQueue:     queue,
		DispatchQueueSize: cfg.Dispatch.QueueSize,
		DispatchBacklog:   cfg.Dispatch.Backlog,
		DispatchWorkers:   cfg.Dispatch.Workers,
		Emitter:           a.router,
		Rules:             a.rules,
		ClaimStrategy:     cfg.Claim.Strategy,
		Location:          loc,
		Logger:            logger,
	})
	if err != nil {
		// NewService has already closed the queue through its dispatcher.
		_ = backend.Close()
		return nil, err
	}

	server, err := httpapi.NewServerWithConfig(a.service, httpapi.ServerConfig{
		JWTSecret:       cfg.Auth.JWTSecret,
		Audience:        cfg.Auth.Audience,
		RateLimitMax:    cfg.HTTP.RateLimitMax,
		RateLimitWindow: cfg.HTTP.RateLimitWindow,
		MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
		Registry:        a.registry,
		Hub: realtime.HubConfig{
			PingInterval: cfg.Realtime.PingInterval,
			PingTimeout:  cfg.Realtime.PingTimeout,
			SendBuffer:   cfg.Realtime.SendBuffer,
		},
		Logger: logger.With("component", "http"),
	})
	if err != nil {
		return nil, err
	}
	a.handler = server
	ok = true
	return a, nil
}

// start launches the background loops: backplane subscription, rules
// watcher and the notification sweeper. They stop with ctx.
func (a *app) start(ctx context.Context) error {
	if err := a.router.Start(ctx); err != nil {
		return fmt.Errorf("subscribe backplane: %w", err)
	}
	if path := strings.TrimSpace(a.cfg.Routing.RulesFile); path != "" {
		watcher := routing.NewWatcher(path, a.rules, a.logger.With("component", "routing"))
		go func() {
			if err := watcher.Run(ctx); err != nil {
				a.logger.Warn("routing rules watcher stopped", "error", err)
			}
		}()
	}
	if a.cfg.Retention.SweepInterval > 0 {
		go a.sweepLoop(ctx)
	}
	return nil
}

func (a *app) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Retention.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepOnce(ctx)
		}
	}
}

// sweepOnce drops expired read notifications and reconciles inquiries that a
// crashed claim left without a matching lead.
func (a *app) sweepOnce(ctx context.Context) {
	if a.cfg.Retention.ReadOlderThan > 0 {
		if _, err := a.service.Notifications.Sweep(ctx, a.cfg.Retention.ReadOlderThan); err != nil && ctx.Err() == nil {
			a.logger.Warn("notification sweep failed", "error", err)
		}
	}
	if _, err := a.service.ReconcileOrphans(ctx, a.cfg.Claim.OrphanGrace); err != nil && ctx.Err() == nil {
		a.logger.Warn("orphan inquiry reconciliation failed", "error", err)
	}
}

// Close drops live connections, then the service, then anything else the
// app opened.
func (a *app) Close() error {
	var errs []error
	if a.registry != nil {
		a.registry.Close()
	}
	if a.service != nil {
		errs = append(errs, a.service.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown cleanup failed", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := a.start(runCtx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("claimrelay listening", "addr", cfg.Addr, "profile", cfg.Storage.Profile, "strategy", cfg.Claim.Strategy)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	// Hijacked websocket connections are not tracked by Shutdown; the
	// registry close in a.Close ends them.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func notifyContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}
