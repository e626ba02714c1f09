// Package config loads process configuration from the environment, with an
// optional .env file for local runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/wailbentafat/realtime-hub/bridge"
	"github.com/wailbentafat/realtime-hub/hub"
	"github.com/wailbentafat/realtime-hub/websocket"
)

type Config struct {
	Addr            string        `env:"REALTIME_ADDR,default=:8080"`
	ShutdownTimeout time.Duration `env:"REALTIME_SHUTDOWN_TIMEOUT,default=15s"`
	LogLevel        string        `env:"REALTIME_LOG_LEVEL,default=info"`
	LogFormat       string        `env:"REALTIME_LOG_FORMAT,default=text"`
	JWTSecret       string        `env:"REALTIME_JWT_SECRET"`

	Redis     RedisConfig
	Hub       hub.Config
	Transport websocket.Options
}

// RedisConfig enables the broker relay when Addr is set.
type RedisConfig struct {
	Addr             string `env:"REALTIME_REDIS_ADDR"`
	Password         string `env:"REALTIME_REDIS_PASSWORD"`
	DB               int    `env:"REALTIME_REDIS_DB,default=0"`
	PublishChannel   string `env:"REALTIME_PUBLISH_CHANNEL,default=realtime-publish"`
	LifecycleChannel string `env:"REALTIME_LIFECYCLE_CHANNEL,default=realtime-lifecycle"`
}

func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr:            ":8080",
		ShutdownTimeout: 15 * time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
		Redis: RedisConfig{
			PublishChannel:   bridge.DefaultPublishChannel,
			LifecycleChannel: bridge.DefaultLifecycleChannel,
		},
		Hub:       hub.DefaultConfig(),
		Transport: websocket.DefaultOptions(),
	}
}

// Load reads envFiles (missing files are skipped) and then the environment.
// Variables already set in the environment win over .env values.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := Default()
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: REALTIME_ADDR is required")
	}
	if c.JWTSecret == "" {
		return errors.New("config: REALTIME_JWT_SECRET is required")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("config: shutdown timeout must be positive")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	if err := c.Hub.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// SetupLogging applies the level and format to the standard logrus logger.
func (c Config) SetupLogging() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if strings.EqualFold(c.LogFormat, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
