/*
Package config loads server configuration and builds the logger.

LOAD ORDER (later wins):
  1. Defaults()
  2. YAML file, when a path is given
  3. Environment, after .env in the working directory is loaded into it
     (variables already set win over .env): COSTING_PORT, COSTING_DB, COSTING_LOG_LEVEL,
     COSTING_LOG_FORMAT, COSTING_NEGATIVE_INVENTORY
  4. Command-line flags (applied by cmd/server)

EXAMPLE FILE:
  server:
    port: 8080
    default_tenant: demo
  database:
    path: costing.db
  log:
    level: info
    format: json
  costing:
    strategies: [fifo, lifo, weighted_average]
    negative_inventory: allow_shortfall
    max_parallel: 3
    replay_from_inception: true
  scheduler:
    enabled: true
    interval: 1h
    window_days: 30
    tenants: [demo]
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/warp/costing-engine/costing"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Costing   CostingConfig   `yaml:"costing"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	DefaultTenant  string   `yaml:"default_tenant"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	// Path is a SQLite file, ":memory:" for SQLite in memory, or "memory"
	// for the map-backed store.
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

type CostingConfig struct {
	Strategies          []string `yaml:"strategies"`
	NegativeInventory   string   `yaml:"negative_inventory"`
	MaxParallel         int      `yaml:"max_parallel"`
	ReplayFromInception bool     `yaml:"replay_from_inception"`
	RequireKnownProduct bool     `yaml:"require_known_product"`
}

type SchedulerConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	WindowDays int           `yaml:"window_days"`
	Tenants    []string      `yaml:"tenants"`
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			DefaultTenant:  "demo",
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Database: DatabaseConfig{Path: "costing.db"},
		Log:      LogConfig{Level: "info", Format: "json"},
		Costing: CostingConfig{
			Strategies:          []string{string(costing.FIFO), string(costing.LIFO), string(costing.WeightedAverage)},
			NegativeInventory:   string(costing.PolicyAllowShortfall),
			ReplayFromInception: true,
		},
		Scheduler: SchedulerConfig{
			Enabled:    false,
			Interval:   time.Hour,
			WindowDays: 30,
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (if any)
// and then the environment.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := loadDotEnv(dotEnvFile); err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// dotEnvFile is read by Load. A missing file is not an error.
var dotEnvFile = ".env"

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("COSTING_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("COSTING_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v, ok := lookup("COSTING_DB"); ok {
		cfg.Database.Path = v
	}
	if v, ok := lookup("COSTING_LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := lookup("COSTING_LOG_FORMAT"); ok {
		cfg.Log.Format = v
	}
	if v, ok := lookup("COSTING_NEGATIVE_INVENTORY"); ok {
		cfg.Costing.NegativeInventory = v
	}
	return nil
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := c.Methods(); err != nil {
		errs = append(errs, fmt.Errorf("costing.strategies: %w", err))
	}
	if _, err := costing.ParsePolicy(c.Costing.NegativeInventory); err != nil {
		errs = append(errs, fmt.Errorf("costing.negative_inventory: %w", err))
	}
	if c.Costing.MaxParallel < 0 {
		errs = append(errs, errors.New("costing.max_parallel must not be negative"))
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.Scheduler.WindowDays < 0 {
		errs = append(errs, errors.New("scheduler.window_days must not be negative"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Methods parses the configured strategy list.
func (c Config) Methods() ([]costing.Method, error) {
	return costing.ParseMethods(c.Costing.Strategies)
}

// Policy parses the configured negative inventory policy.
func (c Config) Policy() costing.NegativeInventoryPolicy {
	p, err := costing.ParsePolicy(c.Costing.NegativeInventory)
	if err != nil {
		return costing.PolicyAllowShortfall
	}
	return p
}
