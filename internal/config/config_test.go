package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("APP_DATA_DIR", "/var/lib/crowdwatch")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Dashboard.Addr)
	assert.Equal(t, "http://localhost:5000", cfg.Dashboard.FeedURL)
	assert.Equal(t, 10*time.Second, cfg.Dashboard.PollInterval)
	assert.Equal(t, ":5000", cfg.Feed.Addr)
	assert.Equal(t, "sqlite3", cfg.Feed.DBDriver)
	assert.Equal(t, "/var/lib/crowdwatch/crowd.db", cfg.Feed.DBDSN)
	assert.Equal(t, 50.0, cfg.Feed.DefaultThreshold)
	assert.Equal(t, 14, cfg.Feed.RetentionDays)
	assert.Equal(t, "crowd/counts", cfg.Ingest.MQTTTopic)
	assert.Empty(t, cfg.Ingest.KafkaBrokers)
	assert.Equal(t, 10*time.Minute, cfg.Telegram.AlertCooldown)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
log_level: debug
dashboard:
  feed_url: "http://feed.internal:5000"
  poll_interval: 30s
feed:
  default_threshold: 80
  thresholds_file: "/etc/crowdwatch/thresholds.yaml"
ingest:
  kafka_brokers: ["k1:9092", "k2:9092"]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("POLL_INTERVAL", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://feed.internal:5000", cfg.Dashboard.FeedURL)
	assert.Equal(t, 5*time.Second, cfg.Dashboard.PollInterval)
	assert.Equal(t, 80.0, cfg.Feed.DefaultThreshold)
	assert.Equal(t, "/etc/crowdwatch/thresholds.yaml", cfg.Feed.ThresholdsFile)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Ingest.KafkaBrokers)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
}

func TestLoadKafkaBrokersFromEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Ingest.KafkaBrokers)
}

func TestLoadRejectsBadDriver(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("DB_DRIVER", "mysql")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadPgxRequiresDSN(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("DB_DRIVER", "pgx")
	t.Setenv("DB_DSN", "")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("DB_DSN", "postgres://crowd@localhost/crowd_monitor")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://crowd@localhost/crowd_monitor", cfg.Feed.DBDSN)
}

func TestLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, Config{LogLevel: "WARN"}.Level())
	assert.Equal(t, slog.LevelError, Config{LogLevel: "error"}.Level())
	assert.Equal(t, slog.LevelInfo, Config{LogLevel: "chatty"}.Level())
}
