// Package config loads server configuration from environment variables.
//
// Optional variables:
//   - HTTP_ADDR, GRPC_ADDR: listen addresses (default ":8080" and ":9090").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - FLAG_CONFIG_PATH: UFC document loaded at start-up.
//   - INIT_TIMEOUT: how long start-up waits for a first configuration
//     (default "5s", must be > 0 if set).
//   - ASSIGNMENT_CACHE: none, memory, file, redis, redis-durable or
//     postgres (default "memory").
//   - ASSIGNMENT_CACHE_SIZE: LRU capacity (default "50000").
//   - ASSIGNMENT_CACHE_FILE: required when ASSIGNMENT_CACHE=file.
//   - ASSIGNMENT_CACHE_NAMESPACE: key space shared by durable backends
//     (default "default").
//   - REDIS_URL: required for the redis and redis-durable caches.
//   - DATABASE_URL: required when ASSIGNMENT_CACHE=postgres.
//   - FINGERPRINT_RETENTION: prune PostgreSQL fingerprints older than this
//     (default "0", disabled).
//   - EVALUATION_FLUSH_INTERVAL: aggregator window (default "10s").
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576").
//   - API_KEY_HASH: bcrypt hash of the bearer key guarding /v1 and gRPC.
//   - AUTH_RATE_LIMIT: failed auth attempts per IP per minute (default "10").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/variantz/internal/logging"
)

const (
	defaultHTTPAddr                  = ":8080"
	defaultGRPCAddr                  = ":9090"
	defaultInitTimeout               = 5 * time.Second
	defaultAssignmentCacheSize       = 50_000
	defaultCacheNamespace            = "default"
	defaultFlushInterval             = 10 * time.Second
	defaultAuthRateLimit             = 10
	defaultMaxJSONBodySize     int64 = 1 << 20 // 1MB
	defaultLogLevel                  = "info"
)

// CacheMode selects where assignment fingerprints live.
type CacheMode string

const (
	CacheNone     CacheMode = "none"
	CacheMemory   CacheMode = "memory"
	CacheFile     CacheMode = "file"
	CacheRedis    CacheMode = "redis"
	CachePostgres CacheMode = "postgres"

	// CacheRedisDurable reads and writes Redis on every lookup, with no
	// in-process overlay.
	CacheRedisDurable CacheMode = "redis-durable"
)

// Config holds the runtime configuration for the variantz server.
type Config struct {
	HTTPAddr             string
	GRPCAddr             string
	LogLevel             string
	FlagConfigPath       string
	InitTimeout          time.Duration
	AssignmentCache      CacheMode
	AssignmentCacheSize  int
	AssignmentCacheFile  string
	CacheNamespace       string
	RedisURL             string
	DatabaseURL          string
	FingerprintRetention time.Duration
	FlushInterval        time.Duration
	MaxJSONBodySize      int64
	APIKeyHash           string
	AuthRateLimit        int
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if a value fails validation or a cache mode
// is missing the connection setting it needs.
func Load() (Config, error) {
	logLevel := envOrDefault("LOG_LEVEL", defaultLogLevel)
	if _, err := logging.LookupLevel(logLevel); err != nil {
		return Config{}, fmt.Errorf("parse LOG_LEVEL: %w", err)
	}

	initTimeout, err := positiveDuration("INIT_TIMEOUT", defaultInitTimeout)
	if err != nil {
		return Config{}, err
	}
	flushInterval, err := positiveDuration("EVALUATION_FLUSH_INTERVAL", defaultFlushInterval)
	if err != nil {
		return Config{}, err
	}

	var retention time.Duration
	if value := strings.TrimSpace(os.Getenv("FINGERPRINT_RETENTION")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse FINGERPRINT_RETENTION: %w", err)
		}
		if parsed < 0 {
			return Config{}, errors.New("FINGERPRINT_RETENTION must be >= 0")
		}
		retention = parsed
	}

	cacheSize, err := positiveInt("ASSIGNMENT_CACHE_SIZE", defaultAssignmentCacheSize)
	if err != nil {
		return Config{}, err
	}
	authRateLimit, err := positiveInt("AUTH_RATE_LIMIT", defaultAuthRateLimit)
	if err != nil {
		return Config{}, err
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	cfg := Config{
		HTTPAddr:             envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:             envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		LogLevel:             logLevel,
		FlagConfigPath:       strings.TrimSpace(os.Getenv("FLAG_CONFIG_PATH")),
		InitTimeout:          initTimeout,
		AssignmentCache:      CacheMode(strings.ToLower(envOrDefault("ASSIGNMENT_CACHE", string(CacheMemory)))),
		AssignmentCacheSize:  cacheSize,
		AssignmentCacheFile:  strings.TrimSpace(os.Getenv("ASSIGNMENT_CACHE_FILE")),
		CacheNamespace:       envOrDefault("ASSIGNMENT_CACHE_NAMESPACE", defaultCacheNamespace),
		RedisURL:             strings.TrimSpace(os.Getenv("REDIS_URL")),
		DatabaseURL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
		FingerprintRetention: retention,
		FlushInterval:        flushInterval,
		MaxJSONBodySize:      maxJSONBodySize,
		APIKeyHash:           strings.TrimSpace(os.Getenv("API_KEY_HASH")),
		AuthRateLimit:        authRateLimit,
	}

	switch cfg.AssignmentCache {
	case CacheNone, CacheMemory:
	case CacheFile:
		if cfg.AssignmentCacheFile == "" {
			return Config{}, errors.New("ASSIGNMENT_CACHE_FILE is required when ASSIGNMENT_CACHE=file")
		}
	case CacheRedis, CacheRedisDurable:
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL is required when ASSIGNMENT_CACHE=%s", cfg.AssignmentCache)
		}
	case CachePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, errors.New("DATABASE_URL is required when ASSIGNMENT_CACHE=postgres")
		}
	default:
		return Config{}, fmt.Errorf("ASSIGNMENT_CACHE must be one of none, memory, file, redis, redis-durable, postgres; got %q", cfg.AssignmentCache)
	}

	return cfg, nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func positiveInt(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
