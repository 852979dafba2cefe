// Package common provides shared utilities for kabuka
package common

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for kabuka. It is built once at startup by
// LoadConfig and passed by pointer into constructors; nothing mutates it after.
type Config struct {
	Environment string          `toml:"environment"`
	Timeout     string          `toml:"timeout"` // per-call network timeout
	Server      ServerConfig    `toml:"server"`
	GCP         GCPConfig       `toml:"gcp"`
	Warehouse   WarehouseConfig `toml:"warehouse"`
	JQuants     JQuantsConfig   `toml:"jquants"`
	Secrets     SecretsConfig   `toml:"secrets"`
	Retry       RetryConfig     `toml:"retry"`
	Calendar    CalendarConfig  `toml:"calendar"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Kafka       KafkaConfig     `toml:"kafka"`
	Logging     LoggingConfig   `toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// GCPConfig holds Google Cloud project settings shared by BigQuery and Secret Manager.
type GCPConfig struct {
	ProjectID       string `toml:"project_id"`
	CredentialsFile string `toml:"credentials_file"` // optional; ADC is used when empty
}

// WarehouseConfig selects and configures the destination store.
type WarehouseConfig struct {
	Backend  string         `toml:"backend"` // "bigquery", "postgres", "sqlite", "surrealdb"
	Dataset  string         `toml:"dataset"`
	Table    string         `toml:"table"`
	Location string         `toml:"location"`
	Postgres PostgresConfig `toml:"postgres"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Surreal  SurrealConfig  `toml:"surrealdb"`
}

// PostgresConfig holds the pgx connection string.
type PostgresConfig struct {
	DSN      string `toml:"dsn"`
	MaxConns int32  `toml:"max_conns"`
}

// SQLiteConfig holds the local database path.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// SurrealConfig holds SurrealDB connection settings.
type SurrealConfig struct {
	Address   string `toml:"address"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// JQuantsConfig holds market data provider configuration.
type JQuantsConfig struct {
	Provider            string `toml:"provider"` // "http" or "fixture"
	BaseURL             string `toml:"base_url"`
	Email               string `toml:"email"`
	Password            string `toml:"password"`
	RefreshTokenSecret  string `toml:"refresh_token_secret"`
	MailSecret          string `toml:"mail_secret"`
	PasswordSecret      string `toml:"password_secret"`
	PersistRefreshToken bool   `toml:"persist_refresh_token"`
	RateLimit           int    `toml:"rate_limit"`
	FixtureDir          string `toml:"fixture_dir"`
	EnrichListedInfo    bool   `toml:"enrich_listed_info"`
}

// SecretsConfig selects the secret store.
type SecretsConfig struct {
	Backend string `toml:"backend"` // "secretmanager" or "env"
}

// RetryConfig overrides the attempt budget of the retry policies.
type RetryConfig struct {
	MaxAttempts int `toml:"max_attempts"`
}

// CalendarConfig lists exchange closures not covered by the holiday calendar.
type CalendarConfig struct {
	ExtraClosures []string `toml:"extra_closures"` // YYYY-MM-DD
}

// SchedulerConfig configures the in-process cron trigger.
type SchedulerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Cron     string `toml:"cron"`
	Timezone string `toml:"timezone"`
}

// KafkaConfig configures the message trigger consumer.
type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
	GroupID string   `toml:"group_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
}

// Warehouse backend names.
const (
	BackendBigQuery = "bigquery"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendSurreal  = "surrealdb"
)

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Timeout:     "30s",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Warehouse: WarehouseConfig{
			Backend:  BackendBigQuery,
			Dataset:  "stock_data",
			Table:    "daily_quotes",
			Location: "asia-northeast1",
			Postgres: PostgresConfig{MaxConns: 5},
			SQLite:   SQLiteConfig{Path: "data/kabuka.db"},
			Surreal: SurrealConfig{
				Address:   "ws://localhost:8000/rpc",
				Namespace: "kabuka",
				Database:  "market",
				Username:  "root",
				Password:  "root",
			},
		},
		JQuants: JQuantsConfig{
			Provider:           "http",
			BaseURL:            "https://api.jquants.com/v1",
			RefreshTokenSecret: "jquants-refresh-token",
			MailSecret:         "jquants-mail-address",
			PasswordSecret:     "jquants-password",
			RateLimit:          5,
			FixtureDir:         "testdata/quotes",
			EnrichListedInfo:   true,
		},
		Secrets: SecretsConfig{Backend: "secretmanager"},
		Retry:   RetryConfig{MaxAttempts: 3},
		Scheduler: SchedulerConfig{
			Cron:     "0 18 * * 1-5",
			Timezone: "Asia/Tokyo",
		},
		Kafka: KafkaConfig{
			Topic:   "stock-data-triggers",
			GroupID: "kabuka-ingest",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// .env only supplements the environment in development; it never
	// overrides variables that are already set.
	if env := os.Getenv("ENVIRONMENT"); env == "" || strings.EqualFold(env, "development") {
		_ = godotenv.Load()
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	str("ENVIRONMENT", &config.Environment)
	str("GOOGLE_CLOUD_PROJECT", &config.GCP.ProjectID)
	str("GOOGLE_APPLICATION_CREDENTIALS", &config.GCP.CredentialsFile)
	str("BIGQUERY_DATASET", &config.Warehouse.Dataset)
	str("BIGQUERY_TABLE", &config.Warehouse.Table)
	str("BIGQUERY_LOCATION", &config.Warehouse.Location)
	str("JQUANTS_BASE_URL", &config.JQuants.BaseURL)
	str("JQUANTS_REFRESH_TOKEN_SECRET", &config.JQuants.RefreshTokenSecret)
	str("JQUANTS_EMAIL", &config.JQuants.Email)
	str("JQUANTS_PASSWORD", &config.JQuants.Password)
	str("LOG_LEVEL", &config.Logging.Level)

	str("KABUKA_HOST", &config.Server.Host)
	str("KABUKA_WAREHOUSE_BACKEND", &config.Warehouse.Backend)
	str("KABUKA_POSTGRES_DSN", &config.Warehouse.Postgres.DSN)
	str("KABUKA_SQLITE_PATH", &config.Warehouse.SQLite.Path)
	str("KABUKA_SURREALDB_ADDRESS", &config.Warehouse.Surreal.Address)
	str("KABUKA_JQUANTS_PROVIDER", &config.JQuants.Provider)
	str("KABUKA_SECRETS_BACKEND", &config.Secrets.Backend)
	str("KABUKA_LOG_FORMAT", &config.Logging.Format)
	str("KABUKA_SCHEDULER_CRON", &config.Scheduler.Cron)
	str("KABUKA_KAFKA_TOPIC", &config.Kafka.Topic)

	config.Warehouse.Backend = strings.ToLower(strings.TrimSpace(config.Warehouse.Backend))
	config.Logging.Level = strings.ToLower(config.Logging.Level)

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if v := os.Getenv("RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Retry.MaxAttempts = n
		}
	}

	if v := os.Getenv("TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Timeout = fmt.Sprintf("%ds", n)
		}
	}

	if v := os.Getenv("KABUKA_SCHEDULER_ENABLED"); v != "" {
		config.Scheduler.Enabled = parseBool(v)
	}

	if v := os.Getenv("KABUKA_KAFKA_BROKERS"); v != "" {
		config.Kafka.Brokers = splitList(v)
		config.Kafka.Enabled = true
	}

	if v := os.Getenv("DEBUG"); parseBool(v) {
		config.Logging.Level = "debug"
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports missing settings for the selected backends.
func (c *Config) Validate() error {
	var errs []error

	switch c.Warehouse.Backend {
	case BackendBigQuery:
		if c.GCP.ProjectID == "" {
			errs = append(errs, errors.New("gcp.project_id (GOOGLE_CLOUD_PROJECT) is required for the bigquery backend"))
		}
		if c.Warehouse.Dataset == "" || c.Warehouse.Table == "" {
			errs = append(errs, errors.New("warehouse.dataset and warehouse.table are required"))
		}
	case BackendPostgres:
		if c.Warehouse.Postgres.DSN == "" {
			errs = append(errs, errors.New("warehouse.postgres.dsn is required for the postgres backend"))
		}
	case BackendSQLite:
		if c.Warehouse.SQLite.Path == "" {
			errs = append(errs, errors.New("warehouse.sqlite.path is required for the sqlite backend"))
		}
	case BackendSurreal:
		if c.Warehouse.Surreal.Address == "" {
			errs = append(errs, errors.New("warehouse.surrealdb.address is required for the surrealdb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown warehouse backend %q", c.Warehouse.Backend))
	}

	if c.Secrets.Backend == "secretmanager" && c.GCP.ProjectID == "" {
		errs = append(errs, errors.New("gcp.project_id is required for the secretmanager secrets backend"))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}

	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka.brokers and kafka.topic are required when kafka is enabled"))
	}

	return errors.Join(errs...)
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// GetTimeout parses and returns the per-call network timeout
func (c *Config) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// TableRef returns the fully qualified destination table name.
func (c *Config) TableRef() string {
	if c.Warehouse.Backend == BackendBigQuery {
		return fmt.Sprintf("%s.%s.%s", c.GCP.ProjectID, c.Warehouse.Dataset, c.Warehouse.Table)
	}
	return c.Warehouse.Table
}
