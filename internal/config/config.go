// Package config loads rfidgw settings from RFIDGW_* environment variables,
// which command-line flags may then override.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix.
const Prefix = "RFIDGW"

// ChangelogFile is the changelog file name inside ChangelogDir.
const ChangelogFile = "events.jsonl"

type Config struct {
	// HTTP API
	HTTPAddr     string `split_words:"true" default:":8080"`
	APIKey       string `split_words:"true"`
	APISecret    string `split_words:"true"`
	MaxBodyBytes int64  `split_words:"true" default:"4194304"`

	// Event store
	StoreBackend string `split_words:"true" default:"pebble"` // memory|pebble|badger
	StoreDir     string `split_words:"true" default:"./data/events"`

	// Postgres-backed inventory and subscriptions
	PostgresDSN     string `split_words:"true"`
	InventorySource string `split_words:"true" default:"none"`   // none|postgres
	WebhookSource   string `split_words:"true" default:"static"` // static|postgres
	WebhooksFile    string `split_words:"true" default:"./webhooks.yaml"`

	// Delivery queue
	QueueBackend string `split_words:"true" default:"memory"` // memory|kafka|redis
	QueueWorkers int    `split_words:"true" default:"4"`
	QueueSize    int    `split_words:"true" default:"1000"`

	// Kafka
	KafkaBootstrap  string `split_words:"true"`
	GroupID         string `split_words:"true" default:"rfidgw"`
	TopicDeliveries string `split_words:"true" default:"rfid.deliveries"`
	TopicChangelog  string `split_words:"true" default:"rfid.changelog"`
	TopicManifest   string `split_words:"true" default:"rfid.manifest"`
	TopicReads      string `split_words:"true" default:"rfid.reads"`

	// Redis streams
	RedisAddr   string `split_words:"true" default:"localhost:6379"`
	RedisStream string `split_words:"true" default:"rfid:deliveries"`
	RedisGroup  string `split_words:"true" default:"webhooks"`

	// MQTT ingress; disabled when MQTTBroker is empty
	MQTTBroker   string `split_words:"true"`
	MQTTTopic    string `split_words:"true" default:"rfid/+/events"`
	MQTTClientID string `split_words:"true" default:"rfidgw"`
	MQTTUsername string `split_words:"true"`
	MQTTPassword string `split_words:"true"`

	// Changelog, snapshots, manifest
	ChangelogSink    string        `split_words:"true" default:"file"` // none|file|kafka|both
	ChangelogDir     string        `split_words:"true" default:"./changelog"`
	SnapshotDir      string        `split_words:"true" default:"./snapshots"`
	SnapshotInterval time.Duration `split_words:"true" default:"5m"`
	ManifestSink     string        `split_words:"true" default:"file"` // file|kafka|both

	LogLevel  string `split_words:"true" default:"info"`
	LogFormat string `split_words:"true" default:"json"`
}

// Load reads the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// RegisterFlags binds every setting to fs, using the loaded values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "HTTP listen address")
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "API key accepted by the HTTP API")
	fs.StringVar(&c.APISecret, "api-secret", c.APISecret, "API secret accepted by the HTTP API")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", c.MaxBodyBytes, "maximum ingest request body size")
	fs.StringVar(&c.StoreBackend, "store-backend", c.StoreBackend, "event store: memory|pebble|badger")
	fs.StringVar(&c.StoreDir, "store-dir", c.StoreDir, "event store directory")
	fs.StringVar(&c.PostgresDSN, "postgres-dsn", c.PostgresDSN, "postgres connection string")
	fs.StringVar(&c.InventorySource, "inventory-source", c.InventorySource, "inventory lookup: none|postgres")
	fs.StringVar(&c.WebhookSource, "webhook-source", c.WebhookSource, "webhook subscriptions: static|postgres")
	fs.StringVar(&c.WebhooksFile, "webhooks-file", c.WebhooksFile, "YAML file with static webhook subscriptions")
	fs.StringVar(&c.QueueBackend, "queue-backend", c.QueueBackend, "delivery queue: memory|kafka|redis")
	fs.IntVar(&c.QueueWorkers, "queue-workers", c.QueueWorkers, "in-process delivery workers")
	fs.IntVar(&c.QueueSize, "queue-size", c.QueueSize, "in-process delivery queue capacity")
	fs.StringVar(&c.KafkaBootstrap, "kafka-bootstrap", c.KafkaBootstrap, "kafka bootstrap servers, e.g. localhost:9092")
	fs.StringVar(&c.GroupID, "group-id", c.GroupID, "kafka consumer group id")
	fs.StringVar(&c.TopicDeliveries, "topic-deliveries", c.TopicDeliveries, "kafka topic for delivery tasks")
	fs.StringVar(&c.TopicChangelog, "topic-changelog", c.TopicChangelog, "kafka topic for the changelog")
	fs.StringVar(&c.TopicManifest, "topic-manifest", c.TopicManifest, "kafka topic for the manifest (compacted)")
	fs.StringVar(&c.TopicReads, "topic-reads", c.TopicReads, "kafka topic with reader output")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis address")
	fs.StringVar(&c.RedisStream, "redis-stream", c.RedisStream, "redis stream for delivery tasks")
	fs.StringVar(&c.RedisGroup, "redis-group", c.RedisGroup, "redis consumer group")
	fs.StringVar(&c.MQTTBroker, "mqtt-broker", c.MQTTBroker, "MQTT broker URL, e.g. tcp://localhost:1883")
	fs.StringVar(&c.MQTTTopic, "mqtt-topic", c.MQTTTopic, "MQTT topic filter for reader events")
	fs.StringVar(&c.MQTTClientID, "mqtt-client-id", c.MQTTClientID, "MQTT client id")
	fs.StringVar(&c.MQTTUsername, "mqtt-username", c.MQTTUsername, "MQTT username")
	fs.StringVar(&c.MQTTPassword, "mqtt-password", c.MQTTPassword, "MQTT password")
	fs.StringVar(&c.ChangelogSink, "changelog-sink", c.ChangelogSink, "changelog sink: none|file|kafka|both")
	fs.StringVar(&c.ChangelogDir, "changelog-dir", c.ChangelogDir, "changelog directory")
	fs.StringVar(&c.SnapshotDir, "snapshot-dir", c.SnapshotDir, "snapshot directory")
	fs.DurationVar(&c.SnapshotInterval, "snapshot-interval", c.SnapshotInterval, "snapshot interval, 0 disables")
	fs.StringVar(&c.ManifestSink, "manifest-sink", c.ManifestSink, "manifest sink: file|kafka|both")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug|info|warn|error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: json|console")
}

func oneOf(name, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("config: %s=%q, want one of %v", name, v, allowed)
}

// Validate checks enumerations and the settings they depend on.
func (c Config) Validate() error {
	checks := []error{
		oneOf("store-backend", c.StoreBackend, "memory", "pebble", "badger"),
		oneOf("inventory-source", c.InventorySource, "none", "postgres"),
		oneOf("webhook-source", c.WebhookSource, "static", "postgres"),
		oneOf("queue-backend", c.QueueBackend, "memory", "kafka", "redis"),
		oneOf("changelog-sink", c.ChangelogSink, "none", "file", "kafka", "both"),
		oneOf("manifest-sink", c.ManifestSink, "file", "kafka", "both"),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if (c.InventorySource == "postgres" || c.WebhookSource == "postgres") && c.PostgresDSN == "" {
		return fmt.Errorf("config: postgres-dsn is required for postgres sources")
	}
	if c.NeedsKafka() && c.KafkaBootstrap == "" {
		return fmt.Errorf("config: kafka-bootstrap is required for kafka queue, changelog or manifest")
	}
	return nil
}

// NeedsKafka reports whether any configured component talks to Kafka.
func (c Config) NeedsKafka() bool {
	return c.QueueBackend == "kafka" ||
		c.ChangelogSink == "kafka" || c.ChangelogSink == "both" ||
		c.ManifestSink == "kafka" || c.ManifestSink == "both"
}

// ChangelogToFile reports whether the changelog is written to ChangelogDir.
func (c Config) ChangelogToFile() bool {
	return c.ChangelogSink == "file" || c.ChangelogSink == "both"
}
