package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/custodian/pkg/errdefs"
	"github.com/platinummonkey/custodian/pkg/similarity"
	"github.com/platinummonkey/custodian/pkg/storage"
	"github.com/platinummonkey/custodian/pkg/storage/sqlstore"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Ledger        LedgerConfig
	Retention     RetentionConfig
	Similarity    SimilarityConfig
	Purge         PurgeConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// RateLimitPerMinute caps requests per actor, or per client IP for
	// anonymous callers. Zero disables rate limiting.
	RateLimitPerMinute int
	RateLimitBurst     int
}

// LedgerConfig configures signing and chain serialization.
type LedgerConfig struct {
	// SigningKeyFile holds a hex encoded 32 byte Ed25519 seed.
	SigningKeyFile string
	SignerTimeout  time.Duration
	// RetiredKeyFiles hold hex encoded public keys of rotated signers.
	RetiredKeyFiles []string

	// DistributedLocks serializes appends across processes through Redis.
	DistributedLocks bool
	LockTTL          time.Duration
	LockPrefix       string
}

// RetentionConfig configures templates and the policy cache.
type RetentionConfig struct {
	TemplatesFile  string
	WatchTemplates bool
	CacheSize      int
	CacheTTL       time.Duration
}

// SimilarityConfig selects the vector metric.
type SimilarityConfig struct {
	Metric similarity.Metric
}

// PurgeConfig configures the purge scheduler.
type PurgeConfig struct {
	Schedule    string
	PageSize    int
	Concurrency int
	DryRun      bool
	RunOnStart  bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	metric, err := similarity.ParseMetric(getEnv("CUSTODIAN_SIMILARITY_METRIC", string(similarity.Cosine)))
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Ledger:        loadLedgerConfig(),
		Retention:     loadRetentionConfig(),
		Similarity:    SimilarityConfig{Metric: metric},
		Purge:         loadPurgeConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("CUSTODIAN_HOST", "0.0.0.0"),
		Port:            getEnv("CUSTODIAN_PORT", "8080"),
		ReadTimeout:     getEnvDuration("CUSTODIAN_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvDuration("CUSTODIAN_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("CUSTODIAN_IDLE_TIMEOUT", 120*time.Second),
		ShutdownTimeout: getEnvDuration("CUSTODIAN_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("CUSTODIAN_HEALTH_PORT", "9090"),

		RateLimitPerMinute: getEnvInt("CUSTODIAN_RATE_LIMIT_PER_MINUTE", 600),
		RateLimitBurst:     getEnvInt("CUSTODIAN_RATE_LIMIT_BURST", 60),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if backend := getEnv("CUSTODIAN_CONTENT_BACKEND", ""); backend != "" {
		cfg.ContentBackend = strings.ToLower(backend)
	}
	if maxSize := getEnvInt64("CUSTODIAN_MAX_OBJECT_SIZE", 0); maxSize > 0 {
		cfg.MaxObjectSize = maxSize
	}
	if fsRoot := getEnv("CUSTODIAN_FILESYSTEM_ROOT", ""); fsRoot != "" {
		cfg.FilesystemRoot = fsRoot
	}

	// Database config
	if dialect := getEnv("CUSTODIAN_DB_DIALECT", ""); dialect != "" {
		cfg.DatabaseDialect = dialect
	}
	if dbURL := getEnv("CUSTODIAN_DB_URL", ""); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if replicaURLs := getEnv("CUSTODIAN_DB_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.ReplicaURLs = sqlstore.ParseReplicaURLs(replicaURLs)
	}
	if maxConns := getEnvInt("CUSTODIAN_DB_MAX_CONNS", 0); maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns := getEnvInt("CUSTODIAN_DB_MIN_CONNS", 0); minConns > 0 {
		cfg.MinConns = minConns
	}
	if timeout := getEnvDuration("CUSTODIAN_DB_TIMEOUT", 0); timeout > 0 {
		cfg.Timeout = timeout
	}

	// S3 config
	if s3Endpoint := getEnv("CUSTODIAN_S3_ENDPOINT", ""); s3Endpoint != "" {
		cfg.S3Endpoint = s3Endpoint
	}
	if s3Region := getEnv("CUSTODIAN_S3_REGION", ""); s3Region != "" {
		cfg.S3Region = s3Region
	}
	if s3Bucket := getEnv("CUSTODIAN_S3_BUCKET", ""); s3Bucket != "" {
		cfg.S3Bucket = s3Bucket
	}
	if s3Prefix := getEnv("CUSTODIAN_S3_PREFIX", ""); s3Prefix != "" {
		cfg.S3Prefix = s3Prefix
	}
	if s3AccessKey := getEnv("CUSTODIAN_S3_ACCESS_KEY", ""); s3AccessKey != "" {
		cfg.S3AccessKey = s3AccessKey
	}
	if s3SecretKey := getEnv("CUSTODIAN_S3_SECRET_KEY", ""); s3SecretKey != "" {
		cfg.S3SecretKey = s3SecretKey
	}
	cfg.S3UsePathStyle = getEnvBool("CUSTODIAN_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)

	// Redis config
	if redisURL := getEnv("CUSTODIAN_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("CUSTODIAN_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("CUSTODIAN_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("CUSTODIAN_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("CUSTODIAN_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

func loadLedgerConfig() LedgerConfig {
	return LedgerConfig{
		SigningKeyFile:   getEnv("CUSTODIAN_SIGNING_KEY_FILE", ""),
		SignerTimeout:    getEnvDuration("CUSTODIAN_SIGNER_TIMEOUT", 5*time.Second),
		RetiredKeyFiles:  getEnvList("CUSTODIAN_SIGNING_RETIRED_KEYS"),
		DistributedLocks: getEnvBool("CUSTODIAN_DISTRIBUTED_LOCKS", false),
		LockTTL:          getEnvDuration("CUSTODIAN_LOCK_TTL", 30*time.Second),
		LockPrefix:       getEnv("CUSTODIAN_LOCK_PREFIX", "custodian:lock:"),
	}
}

func loadRetentionConfig() RetentionConfig {
	return RetentionConfig{
		TemplatesFile:  getEnv("CUSTODIAN_RETENTION_TEMPLATES", ""),
		WatchTemplates: getEnvBool("CUSTODIAN_RETENTION_WATCH", true),
		CacheSize:      getEnvInt("CUSTODIAN_POLICY_CACHE_SIZE", 1024),
		CacheTTL:       getEnvDuration("CUSTODIAN_POLICY_CACHE_TTL", 30*time.Second),
	}
}

func loadPurgeConfig() PurgeConfig {
	return PurgeConfig{
		Schedule:    getEnv("CUSTODIAN_PURGE_SCHEDULE", "0 2 * * *"),
		PageSize:    getEnvInt("CUSTODIAN_PURGE_PAGE_SIZE", 200),
		Concurrency: getEnvInt("CUSTODIAN_PURGE_CONCURRENCY", 4),
		DryRun:      getEnvBool("CUSTODIAN_PURGE_DRY_RUN", false),
		RunOnStart:  getEnvBool("CUSTODIAN_PURGE_RUN_ON_START", false),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           getEnv("CUSTODIAN_LOG_LEVEL", "info"),
		LogFormat:          getEnv("CUSTODIAN_LOG_FORMAT", "json"),
		MetricsEnabled:     getEnvBool("CUSTODIAN_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("CUSTODIAN_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("CUSTODIAN_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("CUSTODIAN_OTEL_SERVICE_NAME", "custodian"),
		OTelServiceVersion: getEnv("CUSTODIAN_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("CUSTODIAN_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("CUSTODIAN_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid. Every problem is reported,
// joined, and wrapped in errdefs.ErrValidation.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port == "" {
		fail("server port is required")
	}
	if c.Server.HealthPort == "" {
		fail("health port is required")
	}
	if c.Server.Port != "" && c.Server.Port == c.Server.HealthPort {
		fail("server port and health port must be different")
	}
	if c.Server.RateLimitPerMinute < 0 || c.Server.RateLimitBurst < 0 {
		fail("rate limit settings must not be negative")
	}

	switch c.Storage.ContentBackend {
	case "filesystem":
		if c.Storage.FilesystemRoot == "" {
			fail("filesystem root is required for filesystem content backend")
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			fail("S3 bucket is required for s3 content backend")
		}
	default:
		fail("invalid content backend: %s (must be filesystem or s3)", c.Storage.ContentBackend)
	}

	if _, err := sqlstore.ParseDialect(c.Storage.DatabaseDialect); err != nil {
		fail("invalid database dialect: %s (must be sqlite3 or postgres)", c.Storage.DatabaseDialect)
	}
	if c.Storage.DatabaseURL == "" {
		fail("database URL is required")
	}
	if c.Storage.MaxConns < c.Storage.MinConns {
		fail("database max conns (%d) must be >= min conns (%d)", c.Storage.MaxConns, c.Storage.MinConns)
	}

	if c.Ledger.SigningKeyFile == "" {
		fail("signing key file is required")
	}
	if c.Ledger.SignerTimeout <= 0 {
		fail("signer timeout must be positive")
	}
	if c.Ledger.DistributedLocks {
		if c.Storage.RedisURL == "" {
			fail("redis URL is required when distributed locks are enabled")
		}
		if c.Ledger.LockTTL <= 0 {
			fail("lock TTL must be positive")
		}
	}

	if c.Retention.CacheSize < 0 {
		fail("policy cache size must not be negative")
	}

	if c.Similarity.Metric != similarity.Cosine && c.Similarity.Metric != similarity.L2 {
		fail("invalid similarity metric: %q (must be cosine or l2)", c.Similarity.Metric)
	}

	if _, err := cron.ParseStandard(c.Purge.Schedule); err != nil {
		fail("invalid purge schedule %q: %v", c.Purge.Schedule, err)
	}
	if c.Purge.PageSize <= 0 {
		fail("purge page size must be positive")
	}
	if c.Purge.Concurrency <= 0 {
		fail("purge concurrency must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			fail("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			fail("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", errdefs.ErrValidation, errors.Join(errs...))
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
