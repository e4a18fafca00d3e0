// Package config reads server settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Env            string   `mapstructure:"env"`
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	MySQLHost     string `mapstructure:"mysql_host"`
	MySQLPort     string `mapstructure:"mysql_port"`
	MySQLUser     string `mapstructure:"mysql_user"`
	MySQLPassword string `mapstructure:"mysql_password"`
	MySQLDatabase string `mapstructure:"mysql_database"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
	KafkaGroupID string   `mapstructure:"kafka_group_id"`

	SpotifyClientID     string `mapstructure:"spotify_client_id"`
	SpotifyClientSecret string `mapstructure:"spotify_client_secret"`

	PresenceBackend string        `mapstructure:"presence_backend"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	QueueOrder      string        `mapstructure:"queue_order"`
	RoomCacheTTL    time.Duration `mapstructure:"room_cache_ttl"`
	SeedCatalog     bool          `mapstructure:"seed_catalog"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

var defaults = map[string]interface{}{
	"env":             "development",
	"port":            "8080",
	"allowed_origins": "http://localhost:5173",

	"mysql_host":     "127.0.0.1",
	"mysql_port":     "3306",
	"mysql_user":     "root",
	"mysql_password": "",
	"mysql_database": "listening_rooms",

	"redis_addr":     "",
	"redis_password": "",
	"redis_db":       0,

	"kafka_brokers":  "",
	"kafka_topic":    "listening-room-events",
	"kafka_group_id": "listening-rooms",

	"spotify_client_id":     "",
	"spotify_client_secret": "",

	"presence_backend": "memory",
	"store_timeout":    "5s",
	"queue_order":      "manual",
	"room_cache_ttl":   "10m",
	"seed_catalog":     true,

	"log_level":  "info",
	"log_format": "text",
}

// Load reads the given .env files (".env" when none are named) and then the
// environment. Variables already set in the environment win over the files.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
		logrus.Debug("No .env file found, relying on environment variables")
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.PresenceBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("PRESENCE_BACKEND=redis needs REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown PRESENCE_BACKEND %q", c.PresenceBackend)
	}
	if len(c.KafkaBrokers) > 0 && c.PresenceBackend != "redis" {
		// processes sharing rooms through Kafka need one shared presence view
		return errors.New("KAFKA_BROKERS needs PRESENCE_BACKEND=redis")
	}
	switch strings.ToLower(c.QueueOrder) {
	case "manual", "votes":
	default:
		return fmt.Errorf("unknown QUEUE_ORDER %q", c.QueueOrder)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat)
	}
	if c.StoreTimeout <= 0 {
		return errors.New("STORE_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SpotifyEnabled reports whether song import can reach Spotify.
func (c *Config) SpotifyEnabled() bool {
	return c.SpotifyClientID != "" && c.SpotifyClientSecret != ""
}

// splitList trims entries and drops empty ones, so "a, b," yields [a b].
func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
