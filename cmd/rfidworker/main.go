// Command rfidworker drains the delivery queue and posts raddecs to webhook
// subscribers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"rfidgw/internal/config"
	"rfidgw/internal/inventory"
	"rfidgw/internal/logging"
	"rfidgw/internal/metrics"
	"rfidgw/internal/queue"
	"rfidgw/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("rfidworker: %v", err)
	}
	cfg.RegisterFlags(flag.CommandLine)
	consumer := flag.String("consumer", hostname(), "consumer name within the redis group")
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("rfidworker: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "rfidworker")
	if err != nil {
		log.Fatalf("rfidworker: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *consumer, logger); err != nil {
		logger.Fatal("rfidworker failed", zap.Error(err))
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "rfidworker"
	}
	return h
}

func run(ctx context.Context, cfg config.Config, consumer string, logger *zap.Logger) error {
	m := metrics.NewRegistry()

	src, closeSrc, err := openSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSrc()
	deliverer := webhook.NewDeliverer(src, m, logger)

	var q queue.Consumer
	switch cfg.QueueBackend {
	case "kafka":
		kq := queue.NewKafkaConsumer(cfg.KafkaBootstrap, cfg.TopicDeliveries, cfg.GroupID, logger)
		defer kq.Close()
		q = kq
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		rq := queue.NewRedisQueue(client, cfg.RedisStream, cfg.RedisGroup, consumer, logger)
		if err := rq.EnsureGroup(ctx); err != nil {
			return err
		}
		q = rq
	default:
		return fmt.Errorf("queue backend %q has no external consumer", cfg.QueueBackend)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("consuming delivery tasks", zap.String("backend", cfg.QueueBackend))
	return q.Consume(ctx, deliverer.Deliver)
}

func openSource(ctx context.Context, cfg config.Config, logger *zap.Logger) (webhook.Source, func(), error) {
	if cfg.WebhookSource == "postgres" {
		db, err := inventory.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return webhook.NewPostgresSource(db), func() { _ = db.Close() }, nil
	}
	src, err := webhook.LoadStaticSource(cfg.WebhooksFile)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("webhooks file not found, no subscriptions", zap.String("path", cfg.WebhooksFile))
		return webhook.NewStaticSource(), func() {}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return src, func() {}, nil
}
