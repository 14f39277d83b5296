package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"rfidgw/internal/changelog"
	"rfidgw/internal/config"
	"rfidgw/internal/inventory"
	"rfidgw/internal/manifest"
	"rfidgw/internal/metrics"
	"rfidgw/internal/queue"
	"rfidgw/internal/restore"
	"rfidgw/internal/snapshot"
	"rfidgw/internal/state"
	"rfidgw/internal/webhook"
)

const poolStopTimeout = 5 * time.Second

type cleanupFn struct {
	name string
	fn   func() error
}

// cleanups run in reverse registration order.
type cleanups []cleanupFn

func (c *cleanups) add(name string, fn func() error) { *c = append(*c, cleanupFn{name, fn}) }

func (c cleanups) run(logger *zap.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].fn(); err != nil {
			logger.Warn("close failed", zap.String("component", c[i].name), zap.Error(err))
		}
	}
}

func openStore(cfg config.Config, cl *cleanups) (state.Store, error) {
	switch cfg.StoreBackend {
	case "pebble":
		ps, err := state.NewPebbleStore(cfg.StoreDir)
		if err != nil {
			return nil, fmt.Errorf("init pebble: %w", err)
		}
		cl.add("pebble", ps.Close)
		return ps, nil
	case "badger":
		bs, err := state.NewBadgerStore(cfg.StoreDir)
		if err != nil {
			return nil, fmt.Errorf("init badger: %w", err)
		}
		cl.add("badger", bs.Close)
		return bs, nil
	default:
		return state.NewInMemoryStore(), nil
	}
}

type manifestStore interface {
	manifest.Publisher
	manifest.Reader
}

// newManifest returns where snapshots are announced and where the latest one
// is read back from. With both sinks the filesystem copy is authoritative.
func newManifest(cfg config.Config) (manifest.Publisher, manifest.Reader) {
	fsm := manifest.NewFilesystemManifest(cfg.SnapshotDir)
	var km manifestStore
	if cfg.ManifestSink == "kafka" || cfg.ManifestSink == "both" {
		km = manifest.NewKafkaManifest(cfg.KafkaBootstrap, cfg.TopicManifest, manifest.DefaultKey)
	}
	switch cfg.ManifestSink {
	case "kafka":
		return km, km
	case "both":
		return manifest.MultiPublisher{fsm, km}, fsm
	default:
		return fsm, fsm
	}
}

// restoreOnStart rebuilds an in-memory store. Durable stores already hold
// their events and are left alone.
func restoreOnStart(ctx context.Context, cfg config.Config, st state.Store, snap snapshot.Snapshotter, mr manifest.Reader, m *metrics.Registry, logger *zap.Logger) error {
	if cfg.StoreBackend != "memory" || cfg.ChangelogSink == "none" {
		return nil
	}
	r := restore.NewRestorer(st, snap, mr, m, logger)
	var res restore.RestoreResult
	if cfg.ChangelogToFile() {
		var err error
		res, err = r.RestoreAndReplay(filepath.Join(cfg.ChangelogDir, config.ChangelogFile))
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	} else {
		latest, err := mr.ReadLatest()
		if err != nil && !errors.Is(err, manifest.ErrNoManifest) {
			return fmt.Errorf("read manifest: %w", err)
		}
		if _, err := r.RestoreFromSnapshot(latest.SnapshotID); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		rd := restore.NewKafkaChangelogReader(queue.SplitBrokers(cfg.KafkaBootstrap), cfg.TopicChangelog)
		defer rd.Close()
		res = r.ReplayChangelogKafka(ctx, rd, latest.LastChangelogOffset, 5*time.Second)
		if res.Error != nil {
			return fmt.Errorf("replay changelog: %w", res.Error)
		}
	}
	logger.Info("store restored", zap.Int("applied", res.Applied), zap.Int("skipped", res.Skipped))
	return nil
}

// openChangelog returns the configured writer and, when one of its sinks is
// the file, that file writer for offset tracking.
func openChangelog(cfg config.Config, cl *cleanups) (changelog.Writer, *changelog.FileWriter, error) {
	var (
		writers []changelog.Writer
		fw      *changelog.FileWriter
	)
	if cfg.ChangelogToFile() {
		w, err := changelog.NewFileWriter(cfg.ChangelogDir, config.ChangelogFile)
		if err != nil {
			return nil, nil, fmt.Errorf("init changelog file: %w", err)
		}
		fw = w
		writers = append(writers, w)
	}
	if cfg.ChangelogSink == "kafka" || cfg.ChangelogSink == "both" {
		kw := changelog.NewKafkaWriter(cfg.KafkaBootstrap, cfg.TopicChangelog)
		cl.add("changelog kafka writer", kw.Close)
		writers = append(writers, kw)
	}
	switch len(writers) {
	case 0:
		return nil, nil, nil
	case 1:
		return writers[0], fw, nil
	default:
		return changelog.NewMultiWriter(writers...), fw, nil
	}
}

// postgres opens one shared connection on first use.
type postgres struct {
	dsn string
	db  *sql.DB
	cl  *cleanups
}

func (p *postgres) open(ctx context.Context) (*sql.DB, error) {
	if p.db != nil {
		return p.db, nil
	}
	db, err := inventory.OpenPostgres(ctx, p.dsn)
	if err != nil {
		return nil, err
	}
	p.cl.add("postgres", db.Close)
	p.db = db
	return db, nil
}

func openInventory(ctx context.Context, cfg config.Config, pg *postgres, logger *zap.Logger) (inventory.Lookup, error) {
	if cfg.InventorySource != "postgres" {
		return nil, nil
	}
	db, err := pg.open(ctx)
	if err != nil {
		return nil, err
	}
	return inventory.NewPostgresLookup(db, logger), nil
}

func openWebhookSource(ctx context.Context, cfg config.Config, pg *postgres, logger *zap.Logger) (webhook.Source, error) {
	if cfg.WebhookSource == "postgres" {
		db, err := pg.open(ctx)
		if err != nil {
			return nil, err
		}
		return webhook.NewPostgresSource(db), nil
	}
	src, err := webhook.LoadStaticSource(cfg.WebhooksFile)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("webhooks file not found, no subscriptions", zap.String("path", cfg.WebhooksFile))
		return webhook.NewStaticSource(), nil
	}
	return src, err
}

// openPublisher returns the queue delivery tasks go to. The memory queue runs
// the webhook deliverer in-process; the others are drained by rfidworker.
func openPublisher(ctx context.Context, cfg config.Config, cl *cleanups, pg *postgres, m *metrics.Registry, logger *zap.Logger) (queue.Publisher, error) {
	switch cfg.QueueBackend {
	case "kafka":
		kq := queue.NewKafkaPublisher(cfg.KafkaBootstrap, cfg.TopicDeliveries, logger)
		cl.add("kafka queue", kq.Close)
		return kq, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		cl.add("redis", client.Close)
		return queue.NewRedisQueue(client, cfg.RedisStream, cfg.RedisGroup, "rfidgw", logger), nil
	default:
		src, err := openWebhookSource(ctx, cfg, pg, logger)
		if err != nil {
			return nil, err
		}
		deliverer := webhook.NewDeliverer(src, m, logger)
		pq := queue.NewPoolQueue(cfg.QueueWorkers, cfg.QueueSize, deliverer.Deliver, logger)
		// Workers outlive the signal context so the cleanup Stop can drain them.
		if err := pq.Start(context.Background()); err != nil {
			return nil, err
		}
		cl.add("delivery pool", func() error { return pq.Stop(poolStopTimeout) })
		return pq, nil
	}
}
