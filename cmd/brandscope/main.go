package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/brandscope/analysis"
	"github.com/hazyhaar/brandscope/dbopen"
	"github.com/hazyhaar/brandscope/hub"
	"github.com/hazyhaar/brandscope/jobq"
	"github.com/hazyhaar/brandscope/resilience"
	"github.com/hazyhaar/brandscope/serpgate"
	_ "modernc.org/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	flag.Parse()

	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg, err := analysis.LoadConfigFile(*configPath)
	if err != nil {
		slog.Error("load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if cfg.SERP.BaseURL == "" {
		slog.Error("serp.base_url is required (and SERP_API_KEY for most providers)")
		os.Exit(1)
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// One database holds jobs, findings, audit, queue, and SERP cache.
	db, err := dbopen.Open(cfg.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(analysis.Schema),
		dbopen.WithSchema(serpgate.CacheSchema))
	if err != nil {
		slog.Error("open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	gateway := serpgate.New(serpgate.NewHTTPClient(serpgate.HTTPClientConfig{
		BaseURL: cfg.SERP.BaseURL,
		APIKey:  cfg.SERP.APIKey,
		Timeout: cfg.SERP.Timeout,
	}), db, serpgate.Config{
		BucketCapacity:  cfg.SERP.BucketCapacity,
		RefillPerSecond: cfg.SERP.RefillPerSecond,
		MaxWait:         cfg.SERP.MaxWait,
		Cache: serpgate.CacheConfig{
			DefaultTTL: cfg.SERP.CacheDefaultTTL,
			TTLs:       cfg.SERP.CacheTTLs,
		},
		Logger: logger,
	})

	opts := analysis.Options{
		Gateway:     gateway,
		Concurrency: cfg.Concurrency,
		Logger:      logger,
		Queue: jobq.Options{
			Visibility:   cfg.Queue.Visibility,
			PollInterval: cfg.Queue.PollInterval,
			MaxAttempts:  cfg.Queue.MaxAttempts,
		},
		Hub: hub.Options{
			QueueSize:         cfg.Hub.QueueSize,
			HeartbeatInterval: cfg.Hub.HeartbeatInterval,
			MaxMissed:         cfg.Hub.MaxMissed,
			GraceWindow:       cfg.Hub.GraceWindow,
		},
	}
	opts.Fetch.Timeout = cfg.Fetch.Timeout
	opts.Fetch.MaxBytes = cfg.Fetch.MaxBytes
	opts.Pipeline.StageTimeout = cfg.Pipeline.StageTimeout
	opts.Pipeline.RunBudget = cfg.Pipeline.RunBudget
	opts.Pipeline.MaxKeywords = cfg.Pipeline.MaxKeywords
	opts.Pipeline.SERPQueries = cfg.Pipeline.SERPQueries
	opts.Pipeline.DefaultKeywords = cfg.Pipeline.DefaultKeywords
	if cfg.Pipeline.RetryAttempts > 0 {
		opts.Pipeline.Retry = resilience.RetryPolicy{MaxAttempts: cfg.Pipeline.RetryAttempts}
	}
	svc := analysis.New(db, opts)

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		svc.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           svc.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}

	// Let in-flight jobs drain before closing the database.
	select {
	case <-workersDone:
	case <-time.After(30 * time.Second):
		slog.Warn("workers did not drain in time")
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
