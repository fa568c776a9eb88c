package config

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Cache     CacheConfig
	Observe   ObserveConfig
	Partner   PartnerConfig
	RateLimit RateLimitConfig
	Server    ServerConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// PartnerConfig describes the partner API and its token authority.
type PartnerConfig struct {
	APIURL    string `env:"PARTNER_API_URL, default=https://api.bol.com"`
	TokenURL  string `env:"PARTNER_TOKEN_URL, default=https://login.bol.com/token"`
	MediaType string `env:"PARTNER_MEDIA_TYPE, default=application/vnd.retailer.v10+json"`

	// ClientID and ClientSecret are the client-credentials pair. Both may be
	// left empty at startup and supplied later through the settings route.
	ClientID     string `env:"API_KEY"`
	ClientSecret string `env:"API_SECRET"`

	// ClientSecretKMSCiphertext is a base64 AWS KMS ciphertext of the client
	// secret. When set it takes precedence over ClientSecret.
	ClientSecretKMSCiphertext string `env:"API_SECRET_KMS_CIPHERTEXT"`

	RequestTimeoutSeconds  int  `env:"PARTNER_REQUEST_TIMEOUT_SECS, default=30"`
	UnauthorizedRetryDelay int  `env:"PARTNER_UNAUTHORIZED_RETRY_DELAY_MS, default=500"`
	PacingEnabled          bool `env:"PARTNER_PACING_ENABLED, default=true"`
}

// RequestTimeout bounds every outgoing call to the partner or its token
// authority.
func (p PartnerConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutSeconds) * time.Second
}

func (p PartnerConfig) RetryDelay() time.Duration {
	return time.Duration(p.UnauthorizedRetryDelay) * time.Millisecond
}

// Validate checks that the partner endpoints are usable.
func (p *PartnerConfig) Validate() error {
	for name, raw := range map[string]string{"PARTNER_API_URL": p.APIURL, "PARTNER_TOKEN_URL": p.TokenURL} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s is not a valid URL: %w", name, err)
		}
		if !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL", name)
		}
	}

	if p.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("PARTNER_REQUEST_TIMEOUT_SECS must be positive")
	}

	if p.UnauthorizedRetryDelay < 0 {
		return fmt.Errorf("PARTNER_UNAUTHORIZED_RETRY_DELAY_MS must not be negative")
	}

	return nil
}

// RateLimitConfig controls the source of the rate limit table.
type RateLimitConfig struct {
	// RulesFile replaces the built-in table with a YAML document. Rule order
	// in the file is significant: the first matching rule wins.
	RulesFile string `env:"RATE_LIMITS_FILE"`
}

// CacheConfig specifies response cache configuration.
type CacheConfig struct {
	// Type selects the durable tier: "file" (default), "redis" or "memory"
	// (no durable tier).
	Type string `env:"CACHE_TYPE, default=file"`

	// FilePath is the JSON document used by the file tier.
	FilePath string `env:"CACHE_FILE, default=.cache/api-cache.json"`

	// MemoryMaxEntries bounds the in-memory tier.
	MemoryMaxEntries int `env:"CACHE_MEMORY_MAX_ENTRIES, default=10000"`

	// Redis holds settings for the redis durable tier.
	Redis RedisConfig

	// Encryption holds settings for encrypting durable payloads.
	Encryption CacheEncryptionConfig
}

// RedisConfig specifies the redis durable tier.
type RedisConfig struct {
	// Address is the redis server address (host:port).
	Address string `env:"REDIS_ADDRESS"`

	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB, default=0"`

	// TLS enables TLS connection to redis. Defaults to true so the secure option
	// is the default.
	TLS bool `env:"REDIS_TLS, default=true"`

	// KeyPrefix namespaces cache entries in a shared redis.
	KeyPrefix string `env:"REDIS_KEY_PREFIX, default=partner-bridge:"`
}

// CacheEncryptionConfig holds settings for durable payload encryption.
type CacheEncryptionConfig struct {
	Enabled bool `env:"CACHE_ENCRYPTION_ENABLED, default=false"`

	// Key is a base64 encoded 32 byte key.
	Key string `env:"CACHE_ENCRYPTION_KEY"`
}

// DecodedKey returns the raw encryption key.
func (c CacheEncryptionConfig) DecodedKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.Key)
	if err != nil {
		return nil, fmt.Errorf("CACHE_ENCRYPTION_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("CACHE_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=partner-bridge"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	err = cfg.Partner.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid partner configuration: %w", err)
	}

	err = cfg.Cache.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the cache configuration is valid.
func (c *CacheConfig) Validate() error {
	switch c.Type {
	case "file":
		if c.FilePath == "" {
			return fmt.Errorf("CACHE_FILE required when CACHE_TYPE=file")
		}
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("REDIS_ADDRESS required when CACHE_TYPE=redis")
		}
	case "memory":
		if c.Encryption.Enabled {
			return fmt.Errorf("cache encryption requires a durable tier (CACHE_TYPE=file or redis)")
		}
	default:
		return fmt.Errorf("invalid CACHE_TYPE %q: must be one of \"file\", \"redis\" or \"memory\"", c.Type)
	}

	if c.MemoryMaxEntries <= 0 {
		return fmt.Errorf("CACHE_MEMORY_MAX_ENTRIES must be positive")
	}

	if c.Encryption.Enabled {
		if c.Encryption.Key == "" {
			return fmt.Errorf("CACHE_ENCRYPTION_KEY required when encryption enabled")
		}
		if _, err := c.Encryption.DecodedKey(); err != nil {
			return err
		}
	}

	return nil
}
