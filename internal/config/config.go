package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/retry"
)

// Engine profiles. The testing profile swaps the live PostgreSQL engine for the
// in-memory one so the whole backup/restore flow can run hermetically.
const (
	ProfilePostgres = "postgres"
	ProfileTesting  = "testing"
)

type Config struct {
	Provider string // object storage backend: s3|gcs|azure|memory
	Profile  string // engine profile: postgres|testing

	Storage  StorageConfig
	Azure    AzureConfig
	Database DatabaseConfig

	// WALSegmentRecords is the auto-switch threshold of the WAL archiver.
	WALSegmentRecords int

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryEnableJitter bool
}

// StorageConfig holds the S3-style object storage coordinates relayed to the
// workload: endpoint, bucket, path prefix, region and an access/secret key pair.
type StorageConfig struct {
	Endpoint  string
	Bucket    string
	Path      string
	Region    string
	AccessKey string
	SecretKey string
}

type AzureConfig struct {
	Account   string
	Container string
	SASToken  string

	ClientID     string
	ClientSecret string
	TenantID     string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

// Load reads config from environment variables, applies defaults and validates.
func Load() (Config, error) {
	get := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return def
	}

	parseInt := func(key string, def int) int {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
		}
		return def
	}

	parseDur := func(key string, def time.Duration) time.Duration {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
		return def
	}

	parseFloat := func(key string, def float64) float64 {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				return f
			}
		}
		return def
	}

	parseBool := func(key string, def bool) bool {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "y", "on":
				return true
			case "0", "false", "no", "n", "off":
				return false
			}
		}
		return def
	}

	// Each run gets its own path prefix so parallel suites never share a
	// backup chain inside the bucket.
	path := get("S3_PATH", "")
	if strings.TrimSpace(path) == "" {
		path = "/postgresql/" + uuid.NewString()
	}

	cfg := Config{
		Provider: strings.ToLower(get("BACKUP_PROVIDER", "s3")),
		Profile:  strings.ToLower(get("ENGINE_PROFILE", ProfilePostgres)),

		Storage: StorageConfig{
			Endpoint:  get("S3_ENDPOINT", "https://s3.amazonaws.com"),
			Bucket:    get("S3_BUCKET", ""),
			Path:      path,
			Region:    get("S3_REGION", ""),
			AccessKey: get("S3_ACCESS_KEY", ""),
			SecretKey: get("S3_SECRET_KEY", ""),
		},

		Azure: AzureConfig{
			Account:      get("AZURE_STORAGE_ACCOUNT", ""),
			Container:    get("AZURE_STORAGE_CONTAINER", ""),
			SASToken:     get("AZURE_STORAGE_SAS", ""),
			ClientID:     get("AZURE_CLIENT_ID", ""),
			ClientSecret: get("AZURE_CLIENT_SECRET", ""),
			TenantID:     get("AZURE_TENANT_ID", ""),
		},

		Database: DatabaseConfig{
			Host:     get("PG_HOST", "127.0.0.1"),
			Port:     parseInt("PG_PORT", 5432),
			User:     get("PG_USER", "postgres"),
			Password: get("PG_PASSWORD", ""),
			Name:     get("PG_DATABASE", "postgres"),
		},

		WALSegmentRecords: parseInt("WAL_SEGMENT_RECORDS", 16),

		RetryMaxAttempts:  parseInt("RETRY_MAX_ATTEMPTS", retry.Default.MaxAttempts),
		RetryInitialDelay: parseDur("RETRY_INITIAL_DELAY", retry.Default.InitialDelay),
		RetryMaxDelay:     parseDur("RETRY_MAX_DELAY", retry.Default.MaxDelay),
		RetryMultiplier:   parseFloat("RETRY_MULTIPLIER", retry.Default.Multiplier),
		RetryEnableJitter: parseBool("RETRY_JITTER", retry.Default.Jitter),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate checks provider-specific requirements.
func (c *Config) validate() error {
	switch c.Provider {
	case "s3":
		if c.Storage.Bucket == "" || c.Storage.Endpoint == "" {
			return errors.New("s3: S3_BUCKET and S3_ENDPOINT are required")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return errors.New("gcs: S3_BUCKET is required")
		}
	case "azure":
		if c.Azure.Account == "" || c.Azure.Container == "" {
			return errors.New("azure: AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_CONTAINER are required")
		}
	case "memory":
		// Nothing to check; backed by process memory.
	default:
		return errors.New("unsupported provider: " + c.Provider)
	}

	switch c.Profile {
	case ProfilePostgres, ProfileTesting:
	default:
		return errors.New("unsupported engine profile: " + c.Profile)
	}
	return nil
}

// RetryOptions converts retry-related config values to retry.Options.
func (c Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
		Jitter:       c.RetryEnableJitter,
	}
}

// ConstructEndpoint adjusts the storage endpoint for the given region. AWS
// regional buckets must be addressed through the regional endpoint, other
// providers keep a single global one.
func ConstructEndpoint(endpoint, region string) string {
	if region == "" || !strings.Contains(endpoint, "amazonaws.com") {
		return endpoint
	}
	scheme := "https"
	if i := strings.Index(endpoint, "://"); i >= 0 {
		scheme = endpoint[:i]
	}
	return fmt.Sprintf("%s://s3.%s.amazonaws.com", scheme, region)
}
