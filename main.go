package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"liqflow/config"
	"liqflow/internal/api"
	liq "liqflow/internal/channel/liq"
	"liqflow/internal/dedup"
	"liqflow/internal/metrics"
	"liqflow/internal/processor"
	"liqflow/internal/query"
	"liqflow/internal/reader/lighter"
	"liqflow/internal/store"
	"liqflow/internal/writer"
	"liqflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithEnvPresence("UPSTASH_REDIS_REST_URL", "UPSTASH_REDIS_REST_TOKEN").
			WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithEnvPresence("UPSTASH_REDIS_REST_URL", "UPSTASH_REDIS_REST_TOKEN").WithFields(logger.Fields{
		"service":     cfg.Liqflow.Name,
		"version":     cfg.Liqflow.Version,
		"environment": config.AppEnvironment(),
		"backend":     cfg.Store.Backend,
		"legacy_key":  cfg.Store.LegacyKey,
		"markets":     strings.Join(cfg.Feed.Markets, ","),
	}).Info("starting liqflow")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(ctx, cfg.Metrics.Region, cfg.Metrics.Namespace)
	}
	if cfg.Metrics.Prometheus {
		metrics.Init()
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	counter, closeStore, err := newCounter(cfg)
	if err != nil {
		log.WithError(err).Error("Failed to create counter store client")
		os.Exit(1)
	}
	defer closeStore()

	querySvc := query.NewService(counter, cfg.Store.LegacyKey)
	seen := dedup.NewStore()

	archiveBuffer := 0
	if cfg.Archive.Enabled {
		archiveBuffer = cfg.Channels.ArchiveBuffer
	}
	channels := liq.NewChannels(cfg.Channels.RawBuffer, archiveBuffer)
	metrics.StartChannelSizeMetrics(ctx, channels, 30*time.Second)

	var archiveWriter *writer.ArchiveWriter
	if cfg.Archive.Enabled {
		archiveWriter, err = writer.NewArchiveWriter(ctx, cfg, channels.Archive)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("archive disabled; skipping S3 writer")
	}

	proc := processor.NewLiquidationProcessor(cfg, channels, counter, seen)
	feed := lighter.NewReader(cfg, channels, querySvc)
	apiServer := api.NewServer(cfg.API, api.Options{
		Query:         querySvc,
		Store:         counter,
		ProbeKey:      cfg.Store.LegacyKey,
		FeedState:     func() string { return feed.State().String() },
		DedupChannels: seen.Len,
		Prometheus:    cfg.Metrics.Prometheus,
	})

	g, gctx := errgroup.WithContext(ctx)

	if archiveWriter != nil {
		if err := archiveWriter.Start(gctx); err != nil {
			log.WithError(err).Error("archive writer failed to start")
			os.Exit(1)
		}
	}
	if err := proc.Start(gctx); err != nil {
		log.WithError(err).Error("liquidation processor failed to start")
		os.Exit(1)
	}
	if err := feed.Start(gctx); err != nil {
		log.WithError(err).Error("lighter reader failed to start")
		os.Exit(1)
	}

	g.Go(func() error { return apiServer.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	log.WithFields(logger.Fields{"api_address": apiServer.Address()}).Info("all components started successfully")

	runErr := g.Wait()
	log.Info("starting graceful shutdown")

	done := make(chan struct{})
	go func() {
		feed.Stop()
		proc.Stop()
		if archiveWriter != nil {
			archiveWriter.Stop()
		}
		channels.Close()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	if runErr != nil {
		log.WithError(runErr).Error("liqflow stopped with error")
		os.Exit(1)
	}
	log.Info("liqflow stopped")
}

// newCounter picks the counter store backend named in the configuration.
func newCounter(cfg *config.Config) (store.Counter, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		r, err := store.NewRedis(store.RedisOptions{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
			Timeout:  cfg.Store.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	default:
		u, err := store.NewUpstash(store.UpstashOptions{
			URL:               cfg.Store.URL,
			Token:             cfg.Store.Token,
			Timeout:           cfg.Store.Timeout,
			RequestsPerSecond: cfg.Store.RequestsPerSecond,
			Burst:             cfg.Store.Burst,
		})
		if err != nil {
			return nil, nil, err
		}
		return u, func() {}, nil
	}
}
