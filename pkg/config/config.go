// Package config loads server, persistence, logging, and consensus-policy
// settings from a YAML file overlaid by godotenv-sourced environment
// variables decoded with envdecode.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
	// Notify enables pgnotify-based cross-instance trust-update propagation
	// when Driver is "postgres". No-op under the memory driver.
	Notify bool `json:"notify" env:"DATABASE_NOTIFY"`
}

// RedisConfig controls the optional distributed tier cache. Addr
// empty means the in-process TTL cache is used instead.
type RedisConfig struct {
	Addr     string `json:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// ConsensusConfig holds the policy parameters from the external interface
// description: the timeout/grace windows the state machine schedules
// against, the auto-approval value ceiling, and the bounded sizes for trust
// history and event queues.
type ConsensusConfig struct {
	TInitial        time.Duration `json:"t_initial" env:"CONSENSUS_T_INITIAL"`
	TReceive        time.Duration `json:"t_receive" env:"CONSENSUS_T_RECEIVE"`
	WDispute        time.Duration `json:"w_dispute" env:"CONSENSUS_W_DISPUTE"`
	TEvidence       time.Duration `json:"t_evidence" env:"CONSENSUS_T_EVIDENCE"`
	VAuto           float64       `json:"v_auto" env:"CONSENSUS_V_AUTO"`
	TrustHistoryCap int           `json:"trust_history_cap" env:"CONSENSUS_TRUST_HISTORY_CAP"`
	EventQueueCap   int           `json:"event_queue_cap" env:"CONSENSUS_EVENT_QUEUE_CAP"`
	ConflictRetries int           `json:"conflict_retries" env:"CONSENSUS_CONFLICT_RETRIES"`
	FreezeGrace     time.Duration `json:"freeze_grace" env:"CONSENSUS_FREEZE_GRACE"`
	// TierCacheTTL bounds how long the policy gateway trusts a cached tier
	// lookup before re-reading the trust store.
	TierCacheTTL time.Duration `json:"tier_cache_ttl" env:"CONSENSUS_TIER_CACHE_TTL"`
	// CheckpointInterval is the cadence of the cron-driven trust checkpoint
	// snapshot. Zero disables the job.
	CheckpointInterval time.Duration `json:"checkpoint_interval" env:"CONSENSUS_CHECKPOINT_INTERVAL"`
	// CheckpointDir is the directory the trust checkpoint is written to
	// (infrastructure/state.FileBackend), so the snapshot survives a process
	// restart under the memory store driver. Empty disables checkpointing
	// even if CheckpointInterval is nonzero.
	CheckpointDir string `json:"checkpoint_dir" env:"CONSENSUS_CHECKPOINT_DIR"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	Logging   LoggingConfig   `json:"logging"`
	Consensus ConsensusConfig `json:"consensus"`
}

// New returns a configuration populated with defaults, including the policy
// parameter defaults from the external interface description.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "consensus-ledger",
		},
		Consensus: ConsensusConfig{
			TInitial:        24 * time.Hour,
			TReceive:        48 * time.Hour,
			WDispute:        72 * time.Hour,
			TEvidence:       48 * time.Hour,
			VAuto:           500,
			TrustHistoryCap: 1024,
			EventQueueCap:   10000,
			ConflictRetries: 5,
			FreezeGrace:     2 * time.Hour,
			TierCacheTTL:       30 * time.Second,
			CheckpointInterval: 15 * time.Minute,
			CheckpointDir:      "data/trust-checkpoints",
		},
	}
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// applyDatabaseURLOverride aligns config loading with cmd/appserver: DATABASE_URL
// overrides any file-based DSN to reduce setup friction.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}
