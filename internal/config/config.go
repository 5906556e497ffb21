// Package config provides configuration loading for qrseald.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads .env and .env.local if they exist. godotenv.Load does not
// override variables already set, so the OS environment takes precedence.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Store backends selectable with QRS_STORE.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreBadger   = "badger"
	StorePostgres = "postgres"
)

// Config captures environment-driven settings for qrseald.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DataDir     string // Root for the record directory, badger files and key file
	Store       string // memory, file, badger or postgres
	DatabaseDSN string // PostgreSQL connection string

	NATSURL      string // NATS server URL; empty disables JetStream events
	AMQPURL      string // RabbitMQ URL; empty disables AMQP events
	AMQPExchange string // Topic exchange for AMQP events

	S3Endpoint  string // S3-compatible storage endpoint; empty disables uploads
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket name
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key

	KeyFile       string // Binding key file, created on first start
	SigningSecret string // When set, the binding key is derived from it instead
	SigningSalt   string // HKDF salt used with SigningSecret

	DefaultExpiryHours int           // Binding lifetime when a request gives none
	MaxDocumentSize    int64         // Largest document accepted for fingerprinting
	MaxUploadSize      int64         // Largest multipart request body
	QRCapacity         int           // Envelope size limit in bytes
	SweepInterval      time.Duration // How often expired records are removed; 0 disables

	RateLimitRPS   float64 // Requests per second per client; 0 disables
	RateLimitBurst int     // Token bucket size

	JWTIssuer   string // Expected issuer; empty disables auth
	JWTAudience string // Expected audience
	JWKSURL     string // Where signing keys are fetched from

	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)

	MigrateLegacy bool // Migrate hash-named record files at startup
}

// Default configuration values used when environment variables are not set
const (
	defaultEnv           = "dev"
	defaultPort          = "8080"
	defaultDataDir       = "./data"
	defaultS3Region      = "us-east-1"
	defaultExpiryHours   = 24
	defaultMaxDocument   = 50 * 1024 * 1024
	defaultMaxUpload     = 20 * 1024 * 1024
	defaultQRCapacity    = 2331
	defaultSweepInterval = time.Hour
	defaultRateRPS       = 10
	defaultRateBurst     = 20
	defaultSigningSalt   = "qrseal-binding"
)

// Load reads environment variables and produces a validated Config.
func Load() (Config, error) {
	cfg := Config{
		Env:                getEnv("QRS_ENV", defaultEnv),
		Port:               getEnv("QRS_PORT", defaultPort),
		DataDir:            getEnv("QRS_DATA_DIR", defaultDataDir),
		Store:              strings.ToLower(getEnv("QRS_STORE", StoreFile)),
		DatabaseDSN:        os.Getenv("QRS_DB_DSN"),
		NATSURL:            os.Getenv("QRS_NATS_URL"),
		AMQPURL:            os.Getenv("QRS_AMQP_URL"),
		AMQPExchange:       getEnv("QRS_AMQP_EXCHANGE", "qrseal.events"),
		S3Endpoint:         os.Getenv("QRS_S3_ENDPOINT"),
		S3Region:           getEnv("QRS_S3_REGION", defaultS3Region),
		S3Bucket:           os.Getenv("QRS_S3_BUCKET"),
		S3AccessKey:        os.Getenv("QRS_S3_ACCESS_KEY"),
		S3SecretKey:        os.Getenv("QRS_S3_SECRET_KEY"),
		SigningSecret:      os.Getenv("QRS_SIGNING_SECRET"),
		SigningSalt:        getEnv("QRS_SIGNING_SALT", defaultSigningSalt),
		JWTIssuer:          os.Getenv("QRS_JWT_ISSUER"),
		JWTAudience:        os.Getenv("QRS_JWT_AUDIENCE"),
		JWKSURL:            os.Getenv("QRS_JWKS_URL"),
		CORSAllowedOrigins: splitList(os.Getenv("QRS_CORS_ALLOWED_ORIGINS")),
		MigrateLegacy:      parseBool(os.Getenv("QRS_MIGRATE_LEGACY")),
	}
	cfg.KeyFile = getEnv("QRS_KEY_FILE", filepath.Join(cfg.DataDir, "security_key.bin"))

	var errs []error
	intVar := func(key string, def int) int {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return def
		}
		return n
	}
	cfg.DefaultExpiryHours = intVar("QRS_DEFAULT_EXPIRY_HOURS", defaultExpiryHours)
	cfg.MaxDocumentSize = int64(intVar("QRS_MAX_DOCUMENT_SIZE", defaultMaxDocument))
	cfg.MaxUploadSize = int64(intVar("QRS_MAX_UPLOAD_SIZE", defaultMaxUpload))
	cfg.QRCapacity = intVar("QRS_QR_CAPACITY", defaultQRCapacity)
	cfg.RateLimitBurst = intVar("QRS_RATE_LIMIT_BURST", defaultRateBurst)

	cfg.RateLimitRPS = defaultRateRPS
	if v := os.Getenv("QRS_RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("QRS_RATE_LIMIT_RPS: %w", err))
		} else {
			cfg.RateLimitRPS = f
		}
	}

	cfg.SweepInterval = defaultSweepInterval
	if v := os.Getenv("QRS_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("QRS_SWEEP_INTERVAL: %w", err))
		} else {
			cfg.SweepInterval = d
		}
	}

	if len(errs) > 0 {
		return cfg, errors.Join(errs...)
	}
	return cfg, cfg.Validate()
}

// Validate checks settings that depend on each other.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreFile, StoreBadger:
	case StorePostgres:
		if c.DatabaseDSN == "" {
			return errors.New("QRS_DB_DSN is required when QRS_STORE=postgres")
		}
	default:
		return fmt.Errorf("unknown QRS_STORE %q", c.Store)
	}
	if c.DefaultExpiryHours < 0 {
		return fmt.Errorf("QRS_DEFAULT_EXPIRY_HOURS must not be negative, got %d", c.DefaultExpiryHours)
	}
	if c.MaxDocumentSize <= 0 || c.MaxUploadSize <= 0 {
		return errors.New("QRS_MAX_DOCUMENT_SIZE and QRS_MAX_UPLOAD_SIZE must be positive")
	}
	if c.QRCapacity <= 0 {
		return fmt.Errorf("QRS_QR_CAPACITY must be positive, got %d", c.QRCapacity)
	}
	if c.JWTIssuer != "" && c.JWTAudience == "" {
		return errors.New("QRS_JWT_AUDIENCE is required when QRS_JWT_ISSUER is set")
	}
	if c.JWTIssuer != "" && c.JWKSURL == "" {
		return errors.New("QRS_JWKS_URL is required when QRS_JWT_ISSUER is set")
	}
	return nil
}

// IsDev reports whether the service runs in the dev environment.
func (c Config) IsDev() bool { return c.Env == defaultEnv }

// RecordDir is where the file store keeps binding records.
func (c Config) RecordDir() string { return filepath.Join(c.DataDir, "bindings") }

// BadgerDir is where the badger store keeps its files.
func (c Config) BadgerDir() string { return filepath.Join(c.DataDir, "badger") }

// S3Enabled reports whether stego images can be uploaded.
func (c Config) S3Enabled() bool { return c.S3Endpoint != "" && c.S3Bucket != "" }

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
