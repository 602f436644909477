package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is used when neither a flag nor PADRON_CONFIG is set.
	DefaultConfigPath = "config.yaml"

	defaultListen            = ":8080"
	defaultQueuePrefix       = "padron"
	defaultQueueAttempts     = 5
	defaultQueueBackoff      = 2 * time.Second
	defaultKeepCompleted     = 1000
	defaultKeepFailed        = 5000
	defaultRetentionDays     = 7
	defaultQueueConcurrency  = 8
	defaultQueueLockTTL      = 5 * time.Minute
	defaultRecomputePageSize = 500
)

// AppConfig holds process-level options from the command line.
type AppConfig struct {
	ConfigPath string // Path to the YAML config file.
}

// Config is the YAML configuration file.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	HTTP      HTTPConfig      `yaml:"http"`
	JWT       JWTConfig       `yaml:"jwt"`
	Queue     QueueConfig     `yaml:"queue"`
	Recompute RecomputeConfig `yaml:"recompute"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig configures the gorm connection.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // Postgres URL/keyword DSN or SQLite path.
}

// RedisConfig configures the queue backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// HTTPConfig configures the admin API listener.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// JWTConfig holds the admin token verification secret.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// QueueConfig configures the durable job queue.
type QueueConfig struct {
	Prefix        string        `yaml:"prefix"`         // Redis key prefix.
	Attempts      int           `yaml:"attempts"`       // Max attempts per job.
	Backoff       time.Duration `yaml:"backoff"`        // Base delay, doubled per attempt.
	KeepCompleted int           `yaml:"keep_completed"` // Completed jobs kept per queue.
	KeepFailed    int           `yaml:"keep_failed"`    // Failed jobs kept per queue.
	RetentionDays int           `yaml:"retention_days"` // Age limit for finished jobs; 0 disables.
	Concurrency   int           `yaml:"concurrency"`    // Handlers per queue per process.
	LockTTL       time.Duration `yaml:"lock_ttl"`       // Worker lock lifetime before a job is stalled.
}

// RecomputeConfig configures batch recomputation.
type RecomputeConfig struct {
	PageSize int `yaml:"page_size"`
}

// LoggingConfig configures logrus output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "json" or "text".
	File       string `yaml:"file"`   // Optional rotating log file.
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ResolveConfigPath returns the explicit path, PADRON_CONFIG, or the default.
func ResolveConfigPath(path string) string {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv("PADRON_CONFIG")); env != "" {
		return env
	}
	return DefaultConfigPath
}

// ConfigExists reports whether the config file exists.
func ConfigExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Load reads the YAML file at path, applies env overrides and defaults.
// A missing file is not an error when the DSN comes from the environment.
func Load(path string) (Config, error) {
	var cfg Config
	data, errRead := os.ReadFile(path)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return Config{}, fmt.Errorf("config: database.dsn is required")
	}
	return cfg, nil
}

// LoadDatabaseDSN returns only the database DSN from the config file.
func LoadDatabaseDSN(path string) (string, error) {
	cfg, err := Load(path)
	if err != nil {
		return "", err
	}
	return cfg.Database.DSN, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("PADRON_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("PADRON_REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("PADRON_JWT_SECRET")); v != "" {
		cfg.JWT.Secret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = defaultListen
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
	q := &cfg.Queue
	if q.Prefix == "" {
		q.Prefix = defaultQueuePrefix
	}
	if q.Attempts <= 0 {
		q.Attempts = defaultQueueAttempts
	}
	if q.Backoff <= 0 {
		q.Backoff = defaultQueueBackoff
	}
	if q.KeepCompleted <= 0 {
		q.KeepCompleted = defaultKeepCompleted
	}
	if q.KeepFailed <= 0 {
		q.KeepFailed = defaultKeepFailed
	}
	if q.RetentionDays < 0 {
		q.RetentionDays = 0
	} else if q.RetentionDays == 0 {
		q.RetentionDays = defaultRetentionDays
	}
	if q.Concurrency <= 0 {
		q.Concurrency = defaultQueueConcurrency
	}
	if q.LockTTL <= 0 {
		q.LockTTL = defaultQueueLockTTL
	}
	if cfg.Recompute.PageSize <= 0 {
		cfg.Recompute.PageSize = defaultRecomputePageSize
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
