package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App AppConfig `mapstructure:"app"`

	Log LogConfig `mapstructure:"log"`

	// Link store
	Database DatabaseConfig `mapstructure:"database"`

	// Redis (optional, shared rate-limit counters)
	Redis RedisConfig `mapstructure:"redis"`

	// NATS (optional, view events)
	NATS NATSConfig `mapstructure:"nats"`

	// Prometheus
	Prometheus PrometheusConfig `mapstructure:"prometheus"`

	Links     LinksConfig     `mapstructure:"links"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type AppConfig struct {
	Env     string `mapstructure:"env"`
	Addr    string `mapstructure:"addr" validate:"required"`
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Encoding   string `mapstructure:"encoding" validate:"omitempty,oneof=json console"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Port     int    `mapstructure:"port"`
	SSLMode  string `mapstructure:"sslmode"`

	// The pool is shared by gorm and readiness checks.
	MaxConns          int32         `mapstructure:"max_conns" validate:"gte=0"`
	MinConns          int32         `mapstructure:"min_conns" validate:"gte=0"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	StatementTimeout  time.Duration `mapstructure:"statement_timeout"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Timeout bounds each limiter round trip; a slower Redis fails open.
	Timeout time.Duration `mapstructure:"timeout"`
}

type NATSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Stream   string `mapstructure:"stream" validate:"required"`
	Subject  string `mapstructure:"subject" validate:"required"`
	Consumer string `mapstructure:"consumer" validate:"required"`
	// MaxAge drops view events nobody consumed; counts only matter while
	// links are alive.
	MaxAge time.Duration `mapstructure:"max_age"`
}

type PrometheusConfig struct {
	Port int `mapstructure:"port"`
}

type LinksConfig struct {
	TTL          time.Duration `mapstructure:"ttl" validate:"gt=0"`
	CodeLength   int           `mapstructure:"code_length" validate:"min=8,max=32"`
	Filter       bool          `mapstructure:"filter"`
	BloomEntries uint          `mapstructure:"bloom_entries"`
	BloomFPRate  float64       `mapstructure:"bloom_fp_rate" validate:"gte=0,lt=1"`
}

type UploadConfig struct {
	MaxBytes     int64    `mapstructure:"max_bytes" validate:"gt=0"`
	AllowedTypes []string `mapstructure:"allowed_types" validate:"min=1"`
}

type BlobConfig struct {
	Backend  string         `mapstructure:"backend" validate:"oneof=telegram minio none"`
	Timeout  time.Duration  `mapstructure:"timeout" validate:"gt=0"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
}

type TelegramConfig struct {
	BotToken     string `mapstructure:"bot_token"`
	ChannelID    string `mapstructure:"channel_id"`
	APIEndpoint  string `mapstructure:"api_endpoint"`
	FileEndpoint string `mapstructure:"file_endpoint"`
	MaxFileBytes int64  `mapstructure:"max_file_bytes" validate:"gte=0"`
}

type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type CleanupConfig struct {
	Schedule   string `mapstructure:"schedule" validate:"required"`
	RunOnStart bool   `mapstructure:"run_on_start"`
}

type RateLimitConfig struct {
	Backend       string          `mapstructure:"backend" validate:"oneof=memory redis"`
	Rules         []RateLimitRule `mapstructure:"rules" validate:"dive"`
	Default       RateLimitRule   `mapstructure:"default"`
	SweepInterval time.Duration   `mapstructure:"sweep_interval" validate:"gt=0"`
	StaleAfter    time.Duration   `mapstructure:"stale_after" validate:"gt=0"`
}

type RateLimitRule struct {
	Method string        `mapstructure:"method" validate:"omitempty,oneof=GET HEAD POST PUT PATCH DELETE"`
	Prefix string        `mapstructure:"prefix"`
	Max    int           `mapstructure:"max" validate:"gt=0"`
	Window time.Duration `mapstructure:"window" validate:"gt=0"`
}

// IsProduction reports whether the service runs with production defaults.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

func Load() (*Config, error) {
	// Load local .env for development (ignored when missing).
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()

	// Search for config/config.yaml (plus root for overrides).
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Allow environment variables to override YAML entries.
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Preserve legacy env variable names.
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct constraints plus the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.SQLite.Path == "" {
		return fmt.Errorf("invalid config: database.sqlite.path is required for the sqlite driver")
	}
	if cfg.Blob.Backend == "minio" && (cfg.Blob.MinIO.Endpoint == "" || cfg.Blob.MinIO.Bucket == "") {
		return fmt.Errorf("invalid config: blob.minio.endpoint and blob.minio.bucket are required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.addr", ":8080")
	v.SetDefault("app.base_url", "http://localhost:3000")

	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 7)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.sqlite.path", "goster.db")
	v.SetDefault("database.postgres.max_conns", 10)
	v.SetDefault("database.postgres.statement_timeout", 5*time.Second)

	v.SetDefault("redis.timeout", 250*time.Millisecond)

	v.SetDefault("nats.stream", "GOSTER_VIEWS")
	v.SetDefault("nats.subject", "goster.views")
	v.SetDefault("nats.consumer", "goster-view-counter")
	v.SetDefault("nats.max_age", 24*time.Hour)

	v.SetDefault("prometheus.port", 9090)

	v.SetDefault("links.ttl", 24*time.Hour)
	v.SetDefault("links.code_length", 10)
	v.SetDefault("links.filter", true)
	v.SetDefault("links.bloom_entries", 1_000_000)
	v.SetDefault("links.bloom_fp_rate", 0.001)

	v.SetDefault("upload.max_bytes", 100*1024*1024)
	v.SetDefault("upload.allowed_types", []string{
		"video/webm", "video/mp4", "video/quicktime", "video/x-matroska", "video/ogg",
	})

	v.SetDefault("blob.backend", "telegram")
	v.SetDefault("blob.timeout", 60*time.Second)
	v.SetDefault("blob.telegram.max_file_bytes", 20*1024*1024)
	v.SetDefault("blob.minio.bucket", "goster-recordings")
	v.SetDefault("blob.minio.region", "us-east-1")

	v.SetDefault("cleanup.schedule", "0 * * * *")
	v.SetDefault("cleanup.run_on_start", true)

	v.SetDefault("rate_limit.backend", "memory")
	v.SetDefault("rate_limit.rules", []map[string]interface{}{
		{"method": "POST", "prefix": "/links", "max": 10, "window": time.Minute},
		{"method": "POST", "prefix": "/upload/", "max": 5, "window": time.Minute},
		{"prefix": "/video/", "max": 30, "window": time.Minute},
	})
	v.SetDefault("rate_limit.default.prefix", "")
	v.SetDefault("rate_limit.default.max", 60)
	v.SetDefault("rate_limit.default.window", time.Minute)
	v.SetDefault("rate_limit.sweep_interval", time.Minute)
	v.SetDefault("rate_limit.stale_after", 5*time.Minute)
}

func bindEnvVars(v *viper.Viper) {
	v.BindEnv("app.env", "APP_ENV")
	v.BindEnv("app.addr", "LISTEN_ADDR")
	v.BindEnv("app.base_url", "BASE_URL", "NEXT_PUBLIC_BASE_URL")

	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.file", "LOG_FILE")

	v.BindEnv("database.driver", "DB_DRIVER")

	// PostgreSQL
	v.BindEnv("database.postgres.host", "PG_HOST")
	v.BindEnv("database.postgres.user", "PG_USER")
	v.BindEnv("database.postgres.password", "PG_PASSWORD")
	v.BindEnv("database.postgres.database", "PG_DB")
	v.BindEnv("database.postgres.port", "PG_PORT")
	v.BindEnv("database.postgres.sslmode", "PG_SSLMODE")

	// Redis
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	// NATS
	v.BindEnv("nats.enabled", "NATS_ENABLED")
	v.BindEnv("nats.host", "NATS_HOST")
	v.BindEnv("nats.port", "NATS_PORT")
	v.BindEnv("nats.user", "NATS_USER")
	v.BindEnv("nats.password", "NATS_PASSWORD")

	// Prometheus
	v.BindEnv("prometheus.port", "PROM_PORT")

	// Blob store
	v.BindEnv("blob.backend", "BLOB_BACKEND")
	v.BindEnv("blob.telegram.bot_token", "TELEGRAM_BOT_TOKEN")
	v.BindEnv("blob.telegram.channel_id", "TELEGRAM_CHANNEL_ID")
	v.BindEnv("blob.minio.endpoint", "MINIO_ENDPOINT")
	v.BindEnv("blob.minio.access_key", "MINIO_ACCESS_KEY")
	v.BindEnv("blob.minio.secret_key", "MINIO_SECRET_KEY")
	v.BindEnv("blob.minio.bucket", "MINIO_BUCKET")
	v.BindEnv("blob.minio.region", "MINIO_REGION")
}
