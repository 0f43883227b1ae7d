package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is shared by both binaries. Values come from an optional YAML file
// and are overridden by environment variables.
type Config struct {
	LogLevel  string          `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Feed      FeedConfig      `yaml:"feed"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type DashboardConfig struct {
	Addr         string        `yaml:"addr" env:"DASHBOARD_ADDR" env-default:":8080"`
	FeedURL      string        `yaml:"feed_url" env:"FEED_URL" env-default:"http://localhost:5000"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL" env-default:"10s"`
	FeedTimeout  time.Duration `yaml:"feed_timeout" env:"FEED_TIMEOUT" env-default:"30s"`
}

type FeedConfig struct {
	Addr             string  `yaml:"addr" env:"FEED_ADDR" env-default:":5000"`
	DataDir          string  `yaml:"data_dir" env:"APP_DATA_DIR" env-default:"./data"`
	DBDriver         string  `yaml:"db_driver" env:"DB_DRIVER" env-default:"sqlite3"`
	DBDSN            string  `yaml:"-" env:"DB_DSN"`
	RetentionDays    int     `yaml:"retention_days" env:"APP_RETENTION_DAYS" env-default:"14"`
	ThresholdsFile   string  `yaml:"thresholds_file" env:"THRESHOLDS_FILE"`
	DefaultThreshold float64 `yaml:"default_threshold" env:"DEFAULT_THRESHOLD" env-default:"50"`
}

type IngestConfig struct {
	UpdateInterval time.Duration `yaml:"update_interval" env:"INGEST_UPDATE_INTERVAL" env-default:"10s"`
	MQTTBroker     string        `yaml:"mqtt_broker" env:"MQTT_BROKER"`
	MQTTTopic      string        `yaml:"mqtt_topic" env:"MQTT_TOPIC" env-default:"crowd/counts"`
	MQTTClientID   string        `yaml:"mqtt_client_id" env:"MQTT_CLIENT_ID" env-default:"crowdwatch-feed"`
	KafkaBrokers   []string      `yaml:"kafka_brokers" env:"KAFKA_BROKERS" env-separator:","`
	KafkaTopic     string        `yaml:"kafka_topic" env:"KAFKA_TOPIC" env-default:"crowd.counts"`
	KafkaGroupID   string        `yaml:"kafka_group_id" env:"KAFKA_GROUP_ID" env-default:"crowdwatch-feed"`
}

type TelegramConfig struct {
	BotToken      string        `yaml:"-" env:"TELEGRAM_BOT_TOKEN"`
	ChatID        string        `yaml:"chat_id" env:"TELEGRAM_CHAT_ID"`
	AlertCooldown time.Duration `yaml:"alert_cooldown" env:"ALERT_COOLDOWN" env-default:"10m"`
}

// Load reads CONFIG_FILE (default config.yaml) when it exists and falls back
// to the environment alone otherwise.
func Load() (Config, error) {
	var cfg Config
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	var err error
	if _, statErr := os.Stat(path); statErr == nil {
		err = cleanenv.ReadConfig(path, &cfg)
	} else if errors.Is(statErr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&cfg)
	} else {
		err = statErr
	}
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	switch c.Feed.DBDriver {
	case "sqlite3":
		if c.Feed.DBDSN == "" {
			c.Feed.DBDSN = filepath.Join(c.Feed.DataDir, "crowd.db")
		}
	case "pgx":
		if c.Feed.DBDSN == "" {
			return errors.New("DB_DSN is required for the pgx driver")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Feed.DBDriver)
	}
	if c.Dashboard.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.Dashboard.PollInterval)
	}
	if c.Feed.RetentionDays <= 0 {
		c.Feed.RetentionDays = 14
	}
	brokers := c.Ingest.KafkaBrokers[:0]
	for _, b := range c.Ingest.KafkaBrokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	c.Ingest.KafkaBrokers = brokers
	return nil
}

// Level maps LOG_LEVEL onto slog levels; unknown values mean info.
func (c Config) Level() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
