// Command rfidrestore rebuilds an event store from the latest snapshot and the
// changelog tail. With -poll it instead runs recovery drills into a scratch
// in-memory store and exports their timings as metrics.
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
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rfidgw/internal/config"
	"rfidgw/internal/logging"
	"rfidgw/internal/manifest"
	"rfidgw/internal/metrics"
	"rfidgw/internal/queue"
	"rfidgw/internal/restore"
	"rfidgw/internal/snapshot"
	"rfidgw/internal/state"
)

type options struct {
	changelogSource string // file|kafka
	manifestSource  string // file|kafka
	poll            time.Duration
	metricsAddr     string
	idle            time.Duration
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("rfidrestore: %v", err)
	}
	cfg.RegisterFlags(flag.CommandLine)
	var o options
	flag.StringVar(&o.changelogSource, "changelog-source", "file", "changelog source: file|kafka")
	flag.StringVar(&o.manifestSource, "manifest-source", "file", "manifest source: file|kafka")
	flag.DurationVar(&o.poll, "poll", 0, "run a recovery drill every interval instead of restoring once")
	flag.StringVar(&o.metricsAddr, "metrics-addr", ":9090", "listen address for /metrics in drill mode")
	flag.DurationVar(&o.idle, "kafka-idle", 5*time.Second, "stop kafka replay after this long without messages")
	flag.Parse()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "rfidrestore")
	if err != nil {
		log.Fatalf("rfidrestore: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewRegistry()
	if o.poll > 0 {
		err = drill(ctx, cfg, o, m, logger)
	} else {
		err = restoreOnce(ctx, cfg, o, m, logger)
	}
	if err != nil {
		logger.Fatal("rfidrestore failed", zap.Error(err))
	}
}

func manifestReader(cfg config.Config, o options) manifest.Reader {
	if o.manifestSource == "kafka" {
		return manifest.NewKafkaManifest(cfg.KafkaBootstrap, cfg.TopicManifest, manifest.DefaultKey)
	}
	return manifest.NewFilesystemManifest(cfg.SnapshotDir)
}

// recoverInto loads the latest snapshot into st and replays the changelog
// tail. The manifest used is returned for age reporting.
func recoverInto(ctx context.Context, cfg config.Config, o options, st state.Store, m *metrics.Registry, logger *zap.Logger) (restore.RestoreResult, manifest.Manifest, error) {
	mr := manifestReader(cfg, o)
	r := restore.NewRestorer(st, snapshot.NewFilesystemSnapshotter(cfg.SnapshotDir), mr, m, logger)

	if o.changelogSource == "file" {
		latest, err := mr.ReadLatest()
		if err != nil && !errors.Is(err, manifest.ErrNoManifest) {
			return restore.RestoreResult{}, manifest.Manifest{}, err
		}
		res, err := r.RestoreAndReplay(filepath.Join(cfg.ChangelogDir, config.ChangelogFile))
		return res, latest, err
	}

	start := time.Now()
	latest, err := mr.ReadLatest()
	if err != nil && !errors.Is(err, manifest.ErrNoManifest) {
		return restore.RestoreResult{}, manifest.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	if _, err := r.RestoreFromSnapshot(latest.SnapshotID); err != nil {
		return restore.RestoreResult{}, latest, fmt.Errorf("restore snapshot: %w", err)
	}
	rd := restore.NewKafkaChangelogReader(queue.SplitBrokers(cfg.KafkaBootstrap), cfg.TopicChangelog)
	defer rd.Close()
	res := r.ReplayChangelogKafka(ctx, rd, latest.LastChangelogOffset, o.idle)
	m.TTRSec.Set(time.Since(start).Seconds())
	return res, latest, res.Error
}

func restoreOnce(ctx context.Context, cfg config.Config, o options, m *metrics.Registry, logger *zap.Logger) error {
	var st state.Store
	switch cfg.StoreBackend {
	case "pebble":
		ps, err := state.NewPebbleStore(cfg.StoreDir)
		if err != nil {
			return fmt.Errorf("init pebble: %w", err)
		}
		defer ps.Close()
		st = ps
	case "badger":
		bs, err := state.NewBadgerStore(cfg.StoreDir)
		if err != nil {
			return fmt.Errorf("init badger: %w", err)
		}
		defer bs.Close()
		st = bs
	default:
		return fmt.Errorf("store-backend %q is not durable, use -poll for a drill", cfg.StoreBackend)
	}
	start := time.Now()
	res, _, err := recoverInto(ctx, cfg, o, st, m, logger)
	if err != nil {
		return err
	}
	logger.Info("restore completed",
		zap.String("store_dir", cfg.StoreDir),
		zap.Int("applied", res.Applied),
		zap.Int("skipped", res.Skipped),
		zap.Int64("bytes", res.Bytes),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func drill(ctx context.Context, cfg config.Config, o options, m *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: o.metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	defer srv.Close()

	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()
	for {
		start := time.Now()
		res, latest, err := recoverInto(ctx, cfg, o, state.NewInMemoryStore(), m, logger)
		if err != nil {
			logger.Warn("recovery drill failed", zap.Error(err))
		} else {
			if latest.CreatedAtEpochSecond > 0 {
				m.LastManifestAgeSec.Set(latest.Age(time.Now()).Seconds())
			}
			logger.Info("recovery drill",
				zap.Int("applied", res.Applied),
				zap.Int("skipped", res.Skipped),
				zap.Duration("elapsed", time.Since(start)),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
