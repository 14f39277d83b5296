package config

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "pebble", cfg.StoreBackend)
	assert.Equal(t, "memory", cfg.QueueBackend)
	assert.Equal(t, 5*time.Minute, cfg.SnapshotInterval)
	assert.Equal(t, int64(4<<20), cfg.MaxBodyBytes)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("RFIDGW_HTTP_ADDR", ":9090")
	t.Setenv("RFIDGW_API_KEY", "key")
	t.Setenv("RFIDGW_POSTGRES_DSN", "postgres://localhost/rfid")
	t.Setenv("RFIDGW_MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("RFIDGW_SNAPSHOT_INTERVAL", "30s")
	t.Setenv("RFIDGW_QUEUE_BACKEND", "redis")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "key", cfg.APIKey)
	assert.Equal(t, "postgres://localhost/rfid", cfg.PostgresDSN)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTTBroker)
	assert.Equal(t, 30*time.Second, cfg.SnapshotInterval)
	assert.Equal(t, "redis", cfg.QueueBackend)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("RFIDGW_SNAPSHOT_INTERVAL", "often")
	_, err := Load()
	assert.Error(t, err)
}

func TestRegisterFlags_OverridesEnvironment(t *testing.T) {
	t.Setenv("RFIDGW_STORE_BACKEND", "badger")
	cfg, err := Load()
	require.NoError(t, err)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-http-addr", ":7070"}))
	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, "badger", cfg.StoreBackend, "env value kept when flag unset")
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	bad := cfg
	bad.StoreBackend = "sqlite"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.InventorySource = "postgres"
	assert.ErrorContains(t, bad.Validate(), "postgres-dsn")

	bad = cfg
	bad.ChangelogSink = "both"
	assert.ErrorContains(t, bad.Validate(), "kafka-bootstrap")
	bad.KafkaBootstrap = "localhost:9092"
	assert.NoError(t, bad.Validate())
	assert.True(t, bad.ChangelogToFile())
}
