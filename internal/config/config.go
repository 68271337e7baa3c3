package config

import (
	"log"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	Redis    Redis    `yaml:"redis"`
	Realtime Realtime `yaml:"realtime"`
	S3       S3       `yaml:"s3"`
	Log      Log      `yaml:"log"`
}

// S3 holds S3/MinIO storage configuration for message attachments
type S3 struct {
	Endpoint        string `yaml:"endpoint" env:"S3_ENDPOINT" env-default:"http://localhost:9000"`
	AccessKeyID     string `yaml:"access_key_id" env:"S3_ACCESS_KEY_ID" env-default:"minioadmin"`
	SecretAccessKey string `yaml:"secret_access_key" env:"S3_SECRET_ACCESS_KEY" env-default:"minioadmin"`
	Bucket          string `yaml:"bucket" env:"S3_BUCKET" env-default:"attachments"`
	Region          string `yaml:"region" env:"S3_REGION" env-default:"us-east-1"`
	PublicURL       string `yaml:"public_url" env:"S3_PUBLIC_URL" env-default:"http://localhost:9000/attachments"`
	MaxUploadSize   int64  `yaml:"max_upload_size" env:"S3_MAX_UPLOAD_SIZE" env-default:"10485760"`
}

// Server holds HTTP server configuration
type Server struct {
	Host            string        `yaml:"host" env:"SERVER_HOST" env-default:"0.0.0.0"`
	Port            string        `yaml:"port" env:"SERVER_PORT" env-default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// Address returns the full server address
func (s Server) Address() string {
	return s.Host + ":" + s.Port
}

// Database holds database configuration
type Database struct {
	// PostgreSQL
	PostgresDSN string `yaml:"postgres_dsn" env:"DATABASE_URL"`

	// Connection pool settings. Every viewer session on the postgres feed holds one extra connection.
	MaxOpenConns int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	MaxIdleConns int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" env-default:"5"`
	ConnLifetime time.Duration `yaml:"conn_lifetime" env:"DB_CONN_LIFETIME" env-default:"5m"`
}

// Redis holds the pub/sub connection used by the redis feed
type Redis struct {
	URL string `yaml:"url" env:"REDIS_URL" env-default:"redis://localhost:6379/0"`
}

// Realtime source kinds
const (
	SourcePostgres = "postgres"
	SourceRedis    = "redis"
)

// Realtime holds the conversation sync engine settings
type Realtime struct {
	Source               string        `yaml:"source" env:"REALTIME_SOURCE" env-default:"postgres"`
	Channel              string        `yaml:"channel" env:"REALTIME_CHANNEL" env-default:"chat_events"`
	LookupTimeout        time.Duration `yaml:"lookup_timeout" env:"REALTIME_LOOKUP_TIMEOUT" env-default:"2s"`
	PendingTimeout       time.Duration `yaml:"pending_timeout" env:"REALTIME_PENDING_TIMEOUT" env-default:"3s"`
	NearBottomPx         float64       `yaml:"near_bottom_px" env:"REALTIME_NEAR_BOTTOM_PX" env-default:"80"`
	PageSize             int           `yaml:"page_size" env:"REALTIME_PAGE_SIZE" env-default:"50"`
	ReconnectInitial     time.Duration `yaml:"reconnect_initial" env:"REALTIME_RECONNECT_INITIAL" env-default:"500ms"`
	ReconnectMax         time.Duration `yaml:"reconnect_max" env:"REALTIME_RECONNECT_MAX" env-default:"30s"`
	ReconnectMaxAttempts uint64        `yaml:"reconnect_max_attempts" env:"REALTIME_RECONNECT_MAX_ATTEMPTS" env-default:"0"`
	StaleAfter           int           `yaml:"stale_after" env:"REALTIME_STALE_AFTER" env-default:"3"`
}

// Log holds logging configuration
type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// MustLoad loads configuration from environment and panics on error
func MustLoad() Config {
	// Load .env file if exists (for development)
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	return cfg
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
