package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the alertd configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Anomaly  AnomalyConfig  `mapstructure:"anomaly"`
	Training TrainingConfig `mapstructure:"training"`
	Baseline BaselineConfig `mapstructure:"baseline"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// DatabaseConfig selects the persistence driver. Supported drivers are
// sqlite3 and postgres.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type NotifyConfig struct {
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	SMTP        SMTPConfig    `mapstructure:"smtp"`
}

type RulesConfig struct {
	// File is an optional YAML file of rules seeded at startup
	File  string `mapstructure:"file"`
	Watch bool   `mapstructure:"watch"`
}

type AnomalyConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	ReinjectConfidence float64 `mapstructure:"reinject_confidence"`
}

type TrainingConfig struct {
	Schedule       string  `mapstructure:"schedule"`
	ModelName      string  `mapstructure:"model_name"`
	MinSamples     int     `mapstructure:"min_samples"`
	NegativeSample int     `mapstructure:"negative_sample"`
	MinAccuracy    float64 `mapstructure:"min_accuracy"`
}

type BaselineConfig struct {
	Schedule string `mapstructure:"schedule"`
}

type MetricsConfig struct {
	Listen   string        `mapstructure:"listen"`
	Interval time.Duration `mapstructure:"interval"`
}

// SetDefaults registers the default value of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "alertd")
	v.SetDefault("log.development", false)
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "alertd.db")
	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("notify.send_timeout", 10*time.Second)
	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("rules.watch", false)
	v.SetDefault("anomaly.enabled", true)
	v.SetDefault("anomaly.reinject_confidence", 0.8)
	v.SetDefault("training.schedule", "0 0 3 * * *")
	v.SetDefault("training.model_name", "anomaly_classifier")
	v.SetDefault("training.min_samples", 10)
	v.SetDefault("training.negative_sample", 500)
	v.SetDefault("training.min_accuracy", 0.7)
	v.SetDefault("baseline.schedule", "0 5 * * * *")
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.interval", 30*time.Second)
}

// Load reads the configuration file at path (if any), applies ALERTD_*
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("ALERTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Notify.SendTimeout <= 0 {
		return fmt.Errorf("notify.send_timeout must be positive")
	}
	if c.Anomaly.ReinjectConfidence < 0 || c.Anomaly.ReinjectConfidence > 1 {
		return fmt.Errorf("anomaly.reinject_confidence must be within [0,1]")
	}
	if c.Training.MinAccuracy < 0 || c.Training.MinAccuracy > 1 {
		return fmt.Errorf("training.min_accuracy must be within [0,1]")
	}
	return nil
}
