package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/streamhive/relay/internal/cache"
	"github.com/streamhive/relay/internal/config"
	"github.com/streamhive/relay/internal/coordination"
	"github.com/streamhive/relay/internal/dispatch"
	"github.com/streamhive/relay/internal/gateway"
	"github.com/streamhive/relay/internal/match"
	"github.com/streamhive/relay/internal/metrics"
	"github.com/streamhive/relay/internal/ratelimit"
	"github.com/streamhive/relay/internal/resolver"
	"github.com/streamhive/relay/internal/router"
	"github.com/streamhive/relay/internal/session"
	"github.com/streamhive/relay/internal/store"
	"github.com/streamhive/relay/internal/store/pg"
	"github.com/streamhive/relay/internal/store/sqlite"
	"github.com/streamhive/relay/internal/sweeper"
	"github.com/streamhive/relay/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay router and coordination service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	setupLogging()

	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("relay.starting", "version", Version, "config", path,
		"mode", cfg.Database.Mode, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("relay.telemetry_failed", "error", err)
	}

	stores, err := openStores(cfg)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer stores.Close()

	met := &metrics.Metrics{}

	// Lookup layer.
	cmdCache := cache.New(stores.Commands, cfg.Cache.CommandTTL(), cfg.Cache.PermissionTTL(), met)
	matchEngine := match.NewEngine(stores.Rules, cfg.Cache.RuleTTL())
	res := resolver.New(cmdCache)

	// Delivery and aggregation.
	hub := gateway.NewHub()
	agg := session.NewAggregator(cfg.Router.SessionTTL(), hub, stores.Audit, met)
	go agg.Run(ctx, time.Second)

	// Dispatch and rate limiting.
	disp := dispatch.NewDispatcher(agg, met,
		dispatch.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Router.DispatchTimeoutSeconds) * time.Second}),
		dispatch.WithOutboundRate(cfg.Router.OutboundRPS, cfg.Router.OutboundBurst))
	limiter := ratelimit.NewLimiter()

	rt := router.New(matchEngine, res, limiter, policies(cfg), disp, agg, met, router.Config{
		BatchMax: cfg.Router.BatchMax,
		Workers:  cfg.Router.Workers,
	})

	coord := coordination.NewService(stores.Claims, stores.Entities, stores.Collectors, coordination.Config{
		CheckinInterval: time.Duration(cfg.Coordination.CheckinSeconds) * time.Second,
		ClaimTimeout:    time.Duration(cfg.Coordination.TimeoutSeconds) * time.Second,
		Grace:           time.Duration(cfg.Coordination.GraceSeconds) * time.Second,
		MaxClaims:       cfg.Coordination.MaxClaims,
	}, met)

	sw := sweeper.New(cfg, cmdCache, limiter, coord, stores)
	go sw.Run(ctx)

	// Hot reload for tunables: cache and rule TTLs, rate-limit policies, and
	// the session window. Listener, store, worker, and coordination timing
	// settings need a restart.
	if err := config.Watch(ctx, path, func(next *config.Config) {
		cmdCache.SetTTLs(next.Cache.CommandTTL(), next.Cache.PermissionTTL())
		cmdCache.InvalidateAll()
		matchEngine.SetTTL(next.Cache.RuleTTL())
		agg.SetTTL(next.Router.SessionTTL())
		rt.SetRatePolicies(policies(next))
	}); err != nil {
		slog.Warn("relay.config_watch_failed", "error", err)
	}

	srv := gateway.NewServer(cfg, rt, coord, agg, cmdCache, hub, met)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("relay.stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("relay.shutdown_error", "error", err)
	}
	if shutdownTelemetry != nil {
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("relay.telemetry_shutdown_error", "error", err)
		}
	}
	return nil
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	sc := store.StoreConfig{
		Mode:        cfg.Database.Mode,
		PostgresDSN: cfg.Database.PostgresDSN,
		DataDir:     config.ExpandHome(cfg.Database.DataDir),
	}
	if cfg.IsManagedMode() {
		return pg.NewPGStores(sc)
	}
	return sqlite.NewSQLiteStores(sc)
}

func policies(cfg *config.Config) []ratelimit.Policy {
	out := make([]ratelimit.Policy, 0, len(cfg.RateLimits))
	for _, p := range cfg.RateLimits {
		out = append(out, ratelimit.Policy{
			Scope:  p.Scope,
			Limit:  p.Limit,
			Window: time.Duration(p.WindowSeconds) * time.Second,
		})
	}
	return out
}
