package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all configuration for the changeanyfile server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Storage  StorageConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port              int
	Env               string
	CORSOrigins       []string
	MaxUploadBytes    int64
	RequestsPerMinute int
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MigrateURL returns the golang-migrate database URL for the configured driver.
func (d DatabaseConfig) MigrateURL() string {
	if d.Driver == DriverSQLite {
		return "sqlite://" + d.SQLitePath
	}
	return d.URL
}

// RedisConfig is optional; an empty URL disables the status cache and rate limiting.
type RedisConfig struct {
	URL       string
	StatusTTL time.Duration
}

// NATSConfig is optional; an empty URL disables lifecycle event publishing.
type NATSConfig struct {
	URL     string
	Subject string
}

type StorageConfig struct {
	BaseDir      string
	UploadDir    string
	ProcessedDir string
}

// WorkerConfig sizes the job pool. RecoverInterval is how often the server
// retries queued jobs and fails stale processing ones.
type WorkerConfig struct {
	Count           int
	QueueSize       int
	JobTimeout      time.Duration
	CopyDelay       time.Duration
	FinalizeDelay   time.Duration
	RecordAttempts  int
	RecoverInterval time.Duration
}

// recoverMargin covers the failure-recording retries that may run after a
// job's timeout fires.
const recoverMargin = time.Minute

// StaleAfter is how long a processing job must go without updates before
// recovery may assume its worker is gone.
func (w WorkerConfig) StaleAfter() time.Duration {
	return w.JobTimeout + recoverMargin
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any value is invalid.
func Load() (*Config, error) {
	baseDir := envString("BASE_DIR", "")
	if baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		baseDir = wd
	}
	baseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve BASE_DIR: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("PORT", 8000),
			Env:               envString("ENV", "development"),
			CORSOrigins:       envList("CORS_ORIGINS", []string{"http://localhost:3000"}),
			MaxUploadBytes:    int64(envInt("MAX_UPLOAD_BYTES", 50*1024*1024)),
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			StatusTTL: envDuration("JOB_STATUS_TTL", 30*time.Minute),
		},
		NATS: NATSConfig{
			URL:     os.Getenv("NATS_URL"),
			Subject: envString("NATS_SUBJECT", "jobs.events"),
		},
		Storage: StorageConfig{
			BaseDir:      baseDir,
			UploadDir:    resolvePath(envString("UPLOAD_DIR", "uploads"), baseDir),
			ProcessedDir: resolvePath(envString("PROCESSED_DIR", "processed"), baseDir),
		},
		Worker: WorkerConfig{
			Count:           envInt("WORKER_COUNT", 4),
			QueueSize:       envInt("WORKER_QUEUE_SIZE", 64),
			JobTimeout:      envDuration("WORKER_JOB_TIMEOUT", 5*time.Minute),
			CopyDelay:       envDuration("WORKER_COPY_DELAY", time.Second),
			FinalizeDelay:   envDuration("WORKER_FINALIZE_DELAY", 2*time.Second),
			RecordAttempts:  envInt("WORKER_RECORD_ATTEMPTS", 3),
			RecoverInterval: envDuration("WORKER_RECOVER_INTERVAL", 30*time.Second),
		},
	}

	if err := cfg.resolveDatabase(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolveDatabase picks the storage engine. Without DATABASE_URL the server falls back
// to a SQLite file under BASE_DIR.
func (c *Config) resolveDatabase() error {
	url := c.Database.URL
	switch {
	case url == "":
		c.Database.Driver = DriverSQLite
		c.Database.SQLitePath = filepath.Join(c.Storage.BaseDir, "dev.sqlite")
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		c.Database.Driver = DriverPostgres
	case strings.HasPrefix(url, "sqlite://"):
		c.Database.Driver = DriverSQLite
		c.Database.SQLitePath = resolvePath(strings.TrimPrefix(url, "sqlite://"), c.Storage.BaseDir)
	default:
		return fmt.Errorf("DATABASE_URL must start with postgres://, postgresql:// or sqlite://, got %q", url)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.Server.MaxUploadBytes)
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return fmt.Errorf("NATS_SUBJECT is required when NATS_URL is set")
	}

	if c.Storage.UploadDir == c.Storage.ProcessedDir {
		return fmt.Errorf("UPLOAD_DIR and PROCESSED_DIR must differ, both are %q", c.Storage.UploadDir)
	}

	if c.Worker.Count < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.Worker.Count)
	}
	if c.Worker.QueueSize < 0 {
		return fmt.Errorf("WORKER_QUEUE_SIZE must not be negative, got %d", c.Worker.QueueSize)
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("WORKER_JOB_TIMEOUT must be positive, got %s", c.Worker.JobTimeout)
	}
	if c.Worker.CopyDelay < 0 || c.Worker.FinalizeDelay < 0 {
		return fmt.Errorf("WORKER_COPY_DELAY and WORKER_FINALIZE_DELAY must not be negative")
	}
	if c.Worker.RecordAttempts < 1 {
		return fmt.Errorf("WORKER_RECORD_ATTEMPTS must be at least 1, got %d", c.Worker.RecordAttempts)
	}
	if c.Worker.RecoverInterval <= 0 {
		return fmt.Errorf("WORKER_RECOVER_INTERVAL must be positive, got %s", c.Worker.RecoverInterval)
	}

	return nil
}

// resolvePath returns value as an absolute path, treating relative paths as relative to base.
func resolvePath(value, base string) string {
	if filepath.IsAbs(value) {
		return filepath.Clean(value)
	}
	return filepath.Join(base, value)
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
