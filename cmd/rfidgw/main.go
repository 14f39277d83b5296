package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rfidgw/internal/api"
	"rfidgw/internal/config"
	"rfidgw/internal/ingest"
	"rfidgw/internal/logging"
	"rfidgw/internal/metrics"
	"rfidgw/internal/mqttin"
	"rfidgw/internal/snapshot"
	"rfidgw/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("rfidgw: %v", err)
	}
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("rfidgw: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "rfidgw")
	if err != nil {
		log.Fatalf("rfidgw: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("rfidgw failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	logger.Info("starting rfidgw",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("queue_backend", cfg.QueueBackend),
		zap.String("changelog_sink", cfg.ChangelogSink),
		zap.String("manifest_sink", cfg.ManifestSink),
	)
	var cleanup cleanups
	defer cleanup.run(logger)

	m := metrics.NewRegistry()

	st, err := openStore(cfg, &cleanup)
	if err != nil {
		return err
	}

	mani, maniReader := newManifest(cfg)
	snap := snapshot.NewFilesystemSnapshotter(cfg.SnapshotDir)
	if err := restoreOnStart(ctx, cfg, st, snap, maniReader, m, logger); err != nil {
		return err
	}

	clog, fileLog, err := openChangelog(cfg, &cleanup)
	if err != nil {
		return err
	}

	pg := &postgres{dsn: cfg.PostgresDSN, cl: &cleanup}
	lookup, err := openInventory(ctx, cfg, pg, logger)
	if err != nil {
		return err
	}

	pub, err := openPublisher(ctx, cfg, &cleanup, pg, m, logger)
	if err != nil {
		return err
	}
	dispatcher := webhook.NewDispatcher(pub, m, logger)

	opts := []ingest.Option{}
	if clog != nil {
		opts = append(opts, ingest.WithChangelog(clog))
	}
	svc := ingest.NewService(st, lookup, dispatcher, m, logger, opts...)

	sched := &snapshot.Scheduler{
		Store:    st,
		Snap:     snap,
		Manifest: mani,
		Interval: cfg.SnapshotInterval,
		Metrics:  m,
		Logger:   logger,
	}
	if fileLog != nil {
		sched.Offset = fileLog.Offset
	}
	go sched.Run(ctx)

	if cfg.MQTTBroker != "" {
		client, err := mqttin.Connect(mqttin.Options{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		})
		if err != nil {
			return err
		}
		sub := mqttin.NewSubscriber(client, cfg.MQTTTopic, svc, m, logger)
		if err := sub.Start(ctx); err != nil {
			client.Disconnect(250)
			return err
		}
		cleanup.add("mqtt", func() error { sub.Stop(); return nil })
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(svc, api.Credentials{Key: cfg.APIKey, Secret: cfg.APISecret}, cfg.MaxBodyBytes, m, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.APIKey == "" {
		logger.Warn("no API key configured, authenticated routes will reject every request")
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if cfg.SnapshotInterval > 0 {
		if err := sched.Once(); err != nil {
			logger.Error("final snapshot failed", zap.Error(err))
		}
	}
	return nil
}
