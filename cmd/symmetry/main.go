package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"symmetry/internal/config"
	"symmetry/internal/database"
	"symmetry/internal/engine"
	"symmetry/internal/exchange"
	"symmetry/internal/ingest"
	"symmetry/internal/metrics"
	"symmetry/internal/model"
	"symmetry/internal/persist"
	"symmetry/internal/provider"
	"symmetry/internal/router"
	"symmetry/internal/server"
	"symmetry/internal/symbols"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Cannot load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.App.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("Symmetry stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("Symmetry stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	repo, err := database.NewPostgresRepository(ctx, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer repo.Pool.Close()
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("Database ready", "host", cfg.Database.Host, "dbname", cfg.Database.DBName)

	mapper := symbols.NewMapper(cfg.Symbols...)
	for name, idx := range cfg.Indices {
		if _, ok := mapper.Resolve(name); !ok {
			mapper.Register(symbols.Entry{Key: idx.IndexKey, Alias: name, Index: true})
		}
	}

	client, err := exchange.NewClient(cfg.Feed.Name, logger, cfg.Feed)
	if err != nil {
		return fmt.Errorf("create feed client: %w", err)
	}
	feed := exchange.NewGroup(client)

	r := router.New(logger, mapper, feed, m)
	hub := server.NewHub(logger, r)
	r.AddSink(hub)
	if cfg.Redis.Enabled {
		pub, err := router.NewRedisPublisher(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.Channel, logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer pub.Close()
		r.AddSink(pub)
	}

	persister := persist.New(logger, repo, cfg.Persist, cfg.Database.RetentionDays, m)
	pipeline := ingest.NewPipeline(logger,
		ingest.NewNormalizer(r),
		ingest.NewTracker(logger, mapper, m),
		r, mapper, persister, m, cfg.Feed.RawTickEvery)

	deps := engine.Deps{Router: r, Metrics: m}
	if cfg.Provider.BaseURL != "" {
		p := provider.NewHTTPProvider(cfg.Provider)
		deps.History = p
		deps.Chains = p
	}
	eng := engine.NewEngine(logger, repo, cfg, deps)
	if err := eng.Recover(ctx); err != nil {
		return err
	}
	if err := eng.RunDiscovery(ctx); err != nil {
		return err
	}
	if err := eng.Warmup(ctx); err != nil {
		return err
	}
	if err := eng.Subscribe(ctx); err != nil {
		return err
	}

	srv := server.New(logger, cfg.App.HTTPAddr, hub, eng, eng.Positions(), reg)

	frames := make(chan []byte, cfg.Feed.BufferSize)
	ticks := make(chan []model.Tick, cfg.Feed.BufferSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed.StartStream(gctx, frames) })
	g.Go(func() error { return pipeline.Run(gctx, frames, ticks) })
	g.Go(func() error { return eng.Run(gctx, ticks) })
	g.Go(func() error { return persister.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	logger.Info("Symmetry started", "indices", len(cfg.Indices), "feed", feed.GetName(), "http", cfg.App.HTTPAddr)
	return g.Wait()
}
