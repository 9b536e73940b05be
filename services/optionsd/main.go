package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"nhboptions/config"
	"nhboptions/core/events"
	"nhboptions/core/state"
	"nhboptions/gateway/middleware"
	nativecommon "nhboptions/native/common"
	"nhboptions/native/options"
	"nhboptions/observability"
	"nhboptions/observability/logging"
	telemetry "nhboptions/observability/otel"
	"nhboptions/services/optionsd/oracle"
	"nhboptions/services/optionsd/server"
	"nhboptions/services/optionsd/storage"
	kv "nhboptions/storage"
)

const (
	sampleRetention = 24 * time.Hour
	pruneInterval   = time.Hour
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "optionsd.toml", "path to optionsd configuration file")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		slog.Error("optionsd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.SetupWithOptions(logging.Options{
		Service:    "optionsd",
		Env:        cfg.Environment,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "optionsd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := kv.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()

	salt, err := cfg.VaultSalt()
	if err != nil {
		return fmt.Errorf("vault salt: %w", err)
	}
	ledger := state.NewManager(db, state.WithVaultSalt(salt))

	dsn, err := storage.FileDSN(filepath.Join(cfg.DataDir, "optionsd.db"))
	if err != nil {
		return fmt.Errorf("resolve storage DSN: %w", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	metrics := observability.Options()
	pauses := nativecommon.NewPauseSet(cfg.Paused...)
	stream := server.NewStream(storage.NewJournal(store), logger)

	feedID, err := cfg.OracleFeedID()
	if err != nil {
		return fmt.Errorf("oracle feed: %w", err)
	}
	feed := oracle.NewFeed(feedID)

	engine := options.NewEngine(ledger)
	engine.SetOracle(feed)
	engine.SetPauses(pauses)
	engine.SetEmitter(events.Multi{stream, observability.EventCounter{}})

	if cfg.Treasury.Bootstrap {
		if err := bootstrapTreasury(engine, cfg, feedID, logger); err != nil {
			return err
		}
	}

	source, err := buildSource(cfg, feedID)
	if err != nil {
		return err
	}
	mgr, err := oracle.New(store, source, feed, cfg.Oracle.Interval.Duration, cfg.Oracle.MaxAge.Duration,
		oracle.WithLogger(logger),
		oracle.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("oracle manager: %w", err)
	}
	if err := mgr.Prime(ctx); err != nil {
		logger.Warn("prime oracle feed", slog.Any("error", err))
	}

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, logger)
	limiter := middleware.NewRateLimiter("optionsd", middleware.RateLimit{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	}, logger)

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		AllowCredit:   cfg.Ledger.AllowCredit,
	}, server.Deps{
		Engine:  engine,
		Ledger:  ledger,
		Pauses:  pauses,
		Journal: store,
		Stream:  stream,
		Auth:    auth,
		Limiter: limiter,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if cfg.Ledger.AllowCredit {
		logger.Warn("ledger credit endpoint enabled", slog.String("component", "server"))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return pruneSamples(gctx, store, logger) })
	g.Go(func() error { return srv.Run(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("optionsd stopped")
	return nil
}

func bootstrapTreasury(engine *options.Engine, cfg *config.Config, oracleFeed [32]byte, logger *slog.Logger) error {
	if _, err := engine.Treasury(); err == nil {
		return nil
	} else if !errors.Is(err, options.ErrAccountNotInitialized) {
		return fmt.Errorf("load treasury: %w", err)
	}
	authority, err := cfg.TreasuryAuthority()
	if err != nil {
		return err
	}
	feedID, err := cfg.TreasuryFeedID()
	if err != nil {
		return fmt.Errorf("treasury feed: %w", err)
	}
	if feedID == ([32]byte{}) {
		feedID = oracleFeed
	}
	treasury, err := engine.Initialize(options.TreasuryConfig{Authority: authority, PriceFeedID: feedID})
	if err != nil {
		return fmt.Errorf("initialize treasury: %w", err)
	}
	logger.Info("treasury initialized",
		slog.String("component", "bootstrap"),
		slog.String("address", treasury.Authority.Hex()),
		slog.String("vault", treasury.FeeVault.Vault.Hex()))
	return nil
}

func buildSource(cfg *config.Config, feedID [32]byte) (oracle.Source, error) {
	switch cfg.Oracle.Source {
	case config.OracleSourceStatic:
		return oracle.NewStaticSource(feedID, cfg.Oracle.StaticPrice, cfg.Oracle.StaticExpo), nil
	case config.OracleSourceHermes:
		client := &http.Client{
			Timeout:   cfg.Oracle.Timeout.Duration,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
		return oracle.NewHermesSource(client, cfg.Oracle.Endpoint, feedID), nil
	default:
		return nil, fmt.Errorf("unknown oracle source %q", cfg.Oracle.Source)
	}
}

func pruneSamples(ctx context.Context, store *storage.Storage, logger *slog.Logger) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			removed, err := store.PruneSamples(ctx, now.Add(-sampleRetention))
			if err != nil {
				logger.Warn("prune oracle samples", slog.String("component", "oracle"), slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.Debug("pruned oracle samples", slog.String("component", "oracle"), slog.Int64("removed", removed))
			}
		}
	}
}
