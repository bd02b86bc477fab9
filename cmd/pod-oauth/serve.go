package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/pod-oauth"
	"github.com/giantswarm/pod-oauth/config"
	"github.com/giantswarm/pod-oauth/security"
	"github.com/giantswarm/pod-oauth/server"
	"github.com/giantswarm/pod-oauth/storage"
)

const (
	metricsPath     = "/metrics"
	shutdownTimeout = 15 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address override, e.g. :8080")
	cobra.CheckErr(viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen")))
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stderr, cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	inst, err := newInstrumentation(cfg.Metrics)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}()

	auditor := security.NewAuditor(logger.With("component", "audit"), cfg.Log.Audit)
	auditor.SetInstrumentation(inst)

	material, err := newKeyMaterial(cfg)
	if err != nil {
		return err
	}

	repos, err := openStorage(ctx, cfg, logger, inst)
	if err != nil {
		return err
	}
	defer func() {
		if err := repos.Close(); err != nil {
			logger.Warn("Failed to close storage", "error", err)
		}
	}()

	srv, err := newServer(ctx, cfg, material, repos, logger, auditor, inst)
	if err != nil {
		return err
	}

	var sessions oauth.SessionProvider
	if cfg.SessionHeader != "" {
		sessions = oauth.HeaderSession(cfg.SessionHeader)
	}
	handler := oauth.NewHandler(srv, sessions, &oauth.Config{
		LoginURL: cfg.LoginURL,
		RateLimit: oauth.RateLimitConfig{
			Rate:              cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			TrustProxy:        cfg.TrustProxy,
			TrustedProxyCount: cfg.TrustedProxyCount,
		},
		Auditor:         auditor,
		Instrumentation: inst,
		Logger:          logger,
	})
	defer handler.Close()

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	if h := inst.MetricsHandler(); h != nil {
		mux.Handle(metricsPath, h)
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting authorization server",
			"version", version,
			"listen", cfg.Listen,
			"issuer", cfg.Issuer,
			"storage", repos.Backend(),
			"replay", cfg.Replay.Driver)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("Shutting down authorization server")
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		runPruner(gctx, srv, repos, cfg.Replay.PruneInterval.Duration, logger)
		return nil
	})

	return g.Wait()
}

// runPruner prunes the replay log and expired tokens every interval until
// ctx is done. Failures are logged and retried on the next tick.
func runPruner(ctx context.Context, srv *server.Server, repos *storage.Factory, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = config.DefaultPruneInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneOnce(ctx, srv, repos, logger)
		}
	}
}

func pruneOnce(ctx context.Context, srv *server.Server, repos *storage.Factory, logger *slog.Logger) {
	records, err := srv.PruneReplayLog(ctx)
	if err != nil {
		logger.Error("Failed to prune replay log", "error", err)
	}
	tokens, err := repos.PruneExpired(ctx, time.Now())
	if err != nil {
		logger.Error("Failed to prune expired tokens", "error", err)
	}
	if records > 0 || tokens > 0 {
		logger.Debug("Pruned storage", "replay_records", records, "tokens", tokens)
	}
}
