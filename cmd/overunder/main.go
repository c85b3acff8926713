package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/overunder/config"
	"github.com/alejandrodnm/overunder/internal/adapters/metrics"
	"github.com/alejandrodnm/overunder/internal/adapters/notify"
	"github.com/alejandrodnm/overunder/internal/adapters/pricefeed"
	"github.com/alejandrodnm/overunder/internal/adapters/storage"
	"github.com/alejandrodnm/overunder/internal/application/oracle"
	"github.com/alejandrodnm/overunder/internal/application/pool"
	"github.com/alejandrodnm/overunder/internal/application/settlement"
	"github.com/alejandrodnm/overunder/internal/ports"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one keeper sweep and exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print the settlement table on each resolution")
	snapshot := flag.String("snapshot", "", "print one oracle snapshot for an asset id (e.g. bitcoin) and exit")
	pools := flag.Bool("pools", false, "print the pool list and exit")
	status := flag.String("status", "", "with -pools: filter by status (OPEN|LOCKED|RESOLVED|...)")
	create := flag.String("create", "", "create a pool for an asset id and exit")
	duration := flag.String("duration", "10m", "with -create: 10m|30m|1h|6h|12h")
	line := flag.Int("line", 0, "with -create: AI line in basis points (300 = +3.00%)")
	confidence := flag.Float64("confidence", 0, "with -create: AI confidence 0-100")
	positions := flag.String("positions", "", "print positions for a user id and exit")
	override := flag.String("override", "", "set a terminal status on a resolved pool id and exit (use with -status)")
	stake := flag.String("stake", "", "place a stake on a pool id and exit (use with -user -side -amount)")
	cancelStake := flag.String("cancel", "", "cancel a stake id and exit (use with -user)")
	user := flag.String("user", "", "with -stake/-cancel: user id")
	side := flag.String("side", "", "with -stake: OVER|UNDER")
	amount := flag.String("amount", "", "with -stake: stake amount")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("overunder starting",
		"config", *configPath,
		"sources", len(cfg.EnabledSources()),
		"quorum", cfg.Oracle.Quorum,
		"schedule", cfg.Keeper.Schedule,
		"once", *once,
	)

	recorder := metrics.New(cfg.Metrics.Namespace)

	sources, err := buildSources(cfg)
	if err != nil {
		slog.Error("failed to build price sources", "err", err)
		os.Exit(1)
	}
	agg := oracle.New(sources, oracle.Config{
		Quorum:        cfg.Oracle.Quorum,
		MADMultiplier: cfg.Oracle.MADMultiplier,
		SourceTimeout: cfg.SourceTimeout(),
		MaxAttempts:   cfg.Oracle.MaxAttempts,
		BaseBackoff:   cfg.BaseBackoff(),
	}, recorder)

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	engine := settlement.New(cfg.FeePct(), cfg.Pools.TieEpsilon)
	mgr := pool.NewManager(store, agg, engine, recorder, pool.Config{
		Rules: pool.Rules{
			EnrollRatio: cfg.Pools.EnrollRatio,
			EnrollMax:   cfg.EnrollMax(),
			MinStake:    cfg.MinStake(),
			MaxStakePct: cfg.MaxStakePct(),
		},
		Currency: cfg.Pools.Currency,
	})
	notifier := notify.NewConsole(*table)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cmdErr error
	oneShot := true
	switch {
	case *snapshot != "":
		cmdErr = runSnapshot(ctx, agg, notifier, *snapshot)
	case *pools:
		cmdErr = runPools(ctx, mgr, notifier, *status)
	case *create != "":
		cmdErr = runCreate(ctx, mgr, *create, *duration, *line, *confidence)
	case *stake != "":
		cmdErr = runStake(ctx, mgr, *stake, *user, *side, *amount)
	case *cancelStake != "":
		cmdErr = runCancel(ctx, mgr, *cancelStake, *user)
	case *positions != "":
		cmdErr = runPositions(ctx, mgr, notifier, *positions)
	case *override != "":
		cmdErr = runOverride(ctx, mgr, *override, *status)
	default:
		oneShot = false
	}
	if oneShot {
		if cmdErr != nil {
			slog.Error("command failed", "err", cmdErr)
			os.Exit(1)
		}
		return
	}

	keeper := pool.NewKeeper(mgr, notifier, pool.KeeperConfig{
		Schedule: cfg.Keeper.Schedule,
		Workers:  cfg.Keeper.Workers,
	})

	if *once {
		rep, err := keeper.Sweep(ctx)
		if err != nil {
			slog.Error("sweep failed", "err", err)
			os.Exit(1)
		}
		slog.Info("sweep complete",
			"pending", rep.Pending,
			"entries", rep.Entries,
			"exits", rep.Exits,
			"resolved", rep.Resolved,
			"reviewed", rep.Reviewed,
			"failed", rep.Failed,
		)
		return
	}

	if cfg.Metrics.Addr != "" {
		go serveMetrics(ctx, cfg.Metrics.Addr, recorder)
	}

	if err := keeper.Run(ctx); err != nil {
		slog.Error("keeper exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("overunder stopped cleanly")
}

// buildSources crea las fuentes habilitadas en el orden de la config.
func buildSources(cfg *config.Config) ([]ports.PriceSource, error) {
	enabled := cfg.EnabledSources()
	sources := make([]ports.PriceSource, 0, len(enabled))
	for _, sc := range enabled {
		src, err := pricefeed.New(sc.Name, pricefeed.Options{
			BaseURL:         sc.BaseURL,
			APIKey:          sc.APIKey,
			Timeout:         cfg.SourceTimeout(),
			RatePerSec:      sc.RatePerSec,
			Burst:           sc.Burst,
			BreakerFailures: sc.BreakerFailures,
			BreakerCooldown: sc.BreakerCooldown(),
		})
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func serveMetrics(ctx context.Context, addr string, recorder *metrics.Recorder) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server failed", "err", err)
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
