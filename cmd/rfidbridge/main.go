// Command rfidbridge consumes reader output from Kafka and forwards each
// payload to the gateway's ingest endpoint.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rfidgw/internal/bridge"
	"rfidgw/internal/config"
	"rfidgw/internal/logging"
	"rfidgw/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("rfidbridge: %v", err)
	}
	cfg.RegisterFlags(flag.CommandLine)
	gateway := flag.String("gateway", "http://localhost:8080", "gateway base URL")
	timeout := flag.Duration("forward-timeout", 10*time.Second, "timeout per forwarded payload")
	flag.Parse()
	if cfg.KafkaBootstrap == "" {
		log.Fatalf("rfidbridge: kafka-bootstrap is required")
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "rfidbridge")
	if err != nil {
		log.Fatalf("rfidbridge: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := bridge.NewConsumer(cfg.KafkaBootstrap, cfg.GroupID+"-bridge", cfg.TopicReads)
	if err != nil {
		logger.Fatal("rfidbridge failed", zap.Error(err))
	}
	defer c.Close()

	fwd := bridge.NewForwarder(*gateway, cfg.APIKey, cfg.APISecret, *timeout, logger)
	b := bridge.New(c, fwd, metrics.NewRegistry(), logger)
	logger.Info("bridging reader topic",
		zap.String("topic", cfg.TopicReads),
		zap.String("gateway", *gateway),
	)
	if err := b.Run(ctx); err != nil {
		logger.Fatal("rfidbridge failed", zap.Error(err))
	}
}
