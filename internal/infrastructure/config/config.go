package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App            AppConfig
	Redis          RedisConfig
	Log            LogConfig
	HTTP           HTTPConfig
	TenantContext  TenantContextConfig
	Idempotency    IdempotencyConfig
	RateLimit      RateLimitConfig
	Orchestrator   OrchestratorConfig
	CircuitBreaker CircuitBreakerConfig
	Checkpoint     CheckpointConfig
	Event          EventConfig
	JWT            JWTConfig
	Telemetry      TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// RedisConfig holds shared cache connection settings.
// URL takes precedence over Host/Port when set.
type RedisConfig struct {
	URL              string
	Host             string
	Port             int
	Password         string
	DB               int
	AllowMemFallback bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	MaxBodySize    int64
	TrustedProxies []string
}

// TenantContextConfig controls tenant resolution and snapshot mirroring
type TenantContextConfig struct {
	CacheTTL       time.Duration
	ExemptPrefixes []string
}

// IdempotencyConfig holds idempotency guard settings
type IdempotencyConfig struct {
	DefaultTTL   time.Duration
	MaxTTL       time.Duration
	ConflictWait time.Duration
}

// RateLimitConfig holds admission control settings.
// Overrides maps a normalized route to a request budget for the default window.
type RateLimitConfig struct {
	Enabled      bool
	Requests     int
	Window       time.Duration
	Overrides    map[string]int
	ExemptRoutes []string
}

// OrchestratorConfig holds the AI orchestrator client settings
type OrchestratorConfig struct {
	BaseURL        string
	Timeout        time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// CircuitBreakerConfig holds circuit breaker settings
type CircuitBreakerConfig struct {
	FailureThreshold int
	CoolDown         time.Duration
}

// CheckpointConfig holds workflow checkpoint settings
type CheckpointConfig struct {
	TTL              time.Duration
	EncryptionSecret string
}

// EventConfig holds async event stream settings
type EventConfig struct {
	Enabled       bool
	NATSURL       string
	SubjectPrefix string
}

// JWTConfig holds JWT settings
type JWTConfig struct {
	Secret                string
	Issuer                string
	AccessTokenExpiration time.Duration
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	MetricsInterval   time.Duration
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with MEDTOUR_ prefix (e.g., MEDTOUR_REDIS_URL)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("MEDTOUR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Booleans that default to true must be registered so that env vars can
	// still turn them off.
	v.SetDefault("redis.allow_mem_fallback", true)
	v.SetDefault("rate_limit.enabled", true)

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Redis: RedisConfig{
			URL:              v.GetString("redis.url"),
			Host:             v.GetString("redis.host"),
			Port:             v.GetInt("redis.port"),
			Password:         v.GetString("redis.password"),
			DB:               v.GetInt("redis.db"),
			AllowMemFallback: v.GetBool("redis.allow_mem_fallback"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:    v.GetDuration("http.read_timeout"),
			WriteTimeout:   v.GetDuration("http.write_timeout"),
			IdleTimeout:    v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes: v.GetInt("http.max_header_bytes"),
			MaxBodySize:    v.GetInt64("http.max_body_size"),
			TrustedProxies: stringList(v, "http.trusted_proxies"),
		},
		TenantContext: TenantContextConfig{
			CacheTTL:       v.GetDuration("tenant_context.cache_ttl"),
			ExemptPrefixes: stringList(v, "tenant_context.exempt_prefixes"),
		},
		Idempotency: IdempotencyConfig{
			DefaultTTL:   v.GetDuration("idempotency.default_ttl"),
			MaxTTL:       v.GetDuration("idempotency.max_ttl"),
			ConflictWait: v.GetDuration("idempotency.conflict_wait"),
		},
		RateLimit: RateLimitConfig{
			Enabled:      v.GetBool("rate_limit.enabled"),
			Requests:     v.GetInt("rate_limit.requests"),
			Window:       v.GetDuration("rate_limit.window"),
			Overrides:    toIntMap(v.GetStringMap("rate_limit.overrides")),
			ExemptRoutes: stringList(v, "rate_limit.exempt_routes"),
		},
		Orchestrator: OrchestratorConfig{
			BaseURL:        v.GetString("orchestrator.base_url"),
			Timeout:        v.GetDuration("orchestrator.timeout"),
			MaxAttempts:    v.GetInt("orchestrator.max_attempts"),
			RetryBaseDelay: v.GetDuration("orchestrator.retry_base_delay"),
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("circuit_breaker.failure_threshold"),
			CoolDown:         v.GetDuration("circuit_breaker.cool_down"),
		},
		Checkpoint: CheckpointConfig{
			TTL:              v.GetDuration("checkpoint.ttl"),
			EncryptionSecret: v.GetString("checkpoint.encryption_secret"),
		},
		Event: EventConfig{
			Enabled:       v.GetBool("event.enabled"),
			NATSURL:       v.GetString("event.nats_url"),
			SubjectPrefix: v.GetString("event.subject_prefix"),
		},
		JWT: JWTConfig{
			Secret:                v.GetString("jwt.secret"),
			Issuer:                v.GetString("jwt.issuer"),
			AccessTokenExpiration: v.GetDuration("jwt.access_token_expiration"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "medtour-backend"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 30 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize <= 0 {
		cfg.HTTP.MaxBodySize = 1 << 20
	}
	if cfg.TenantContext.CacheTTL == 0 {
		cfg.TenantContext.CacheTTL = 24 * time.Hour
	}
	if len(cfg.TenantContext.ExemptPrefixes) == 0 {
		cfg.TenantContext.ExemptPrefixes = DefaultExemptPrefixes()
	}
	if cfg.Idempotency.DefaultTTL == 0 {
		cfg.Idempotency.DefaultTTL = 5 * time.Minute
	}
	if cfg.Idempotency.MaxTTL == 0 {
		cfg.Idempotency.MaxTTL = 24 * time.Hour
	}
	if cfg.Idempotency.ConflictWait == 0 {
		cfg.Idempotency.ConflictWait = 300 * time.Millisecond
	}
	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = 300
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = 60 * time.Second
	}
	if cfg.Orchestrator.BaseURL == "" {
		cfg.Orchestrator.BaseURL = "http://localhost:8090"
	}
	if cfg.Orchestrator.Timeout == 0 {
		cfg.Orchestrator.Timeout = 10 * time.Second
	}
	if cfg.Orchestrator.MaxAttempts == 0 {
		cfg.Orchestrator.MaxAttempts = 3
	}
	if cfg.Orchestrator.RetryBaseDelay == 0 {
		cfg.Orchestrator.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.CircuitBreaker.CoolDown == 0 {
		cfg.CircuitBreaker.CoolDown = 30 * time.Second
	}
	if cfg.Checkpoint.TTL == 0 {
		cfg.Checkpoint.TTL = time.Hour
	}
	if cfg.Checkpoint.EncryptionSecret == "" && cfg.App.Env != "production" {
		cfg.Checkpoint.EncryptionSecret = "development-checkpoint-secret-change-me"
	}
	if cfg.Event.NATSURL == "" {
		cfg.Event.NATSURL = "nats://localhost:4222"
	}
	if cfg.Event.SubjectPrefix == "" {
		cfg.Event.SubjectPrefix = "medtour.events"
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "medtour-backend"
	}
	if cfg.JWT.AccessTokenExpiration == 0 {
		cfg.JWT.AccessTokenExpiration = 15 * time.Minute
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "medtour-backend"
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
}

// DefaultExemptPrefixes returns the path prefixes that resolve to the system tenant.
func DefaultExemptPrefixes() []string {
	return []string{
		"/health",
		"/healthz",
		"/ready",
		"/metrics",
		"/api-docs",
		"/docs",
		"/swagger",
		"/webhooks",
		"/api/v1/health",
		"/api/v1/webhooks",
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Idempotency.DefaultTTL > c.Idempotency.MaxTTL {
		return fmt.Errorf("idempotency.default_ttl (%s) cannot exceed idempotency.max_ttl (%s)",
			c.Idempotency.DefaultTTL, c.Idempotency.MaxTTL)
	}
	if c.RateLimit.Requests < 0 {
		return fmt.Errorf("rate_limit.requests cannot be negative")
	}
	for route, limit := range c.RateLimit.Overrides {
		if limit <= 0 {
			return fmt.Errorf("rate_limit.overrides[%s] must be positive", route)
		}
	}
	if c.Orchestrator.MaxAttempts < 1 {
		return fmt.Errorf("orchestrator.max_attempts must be at least 1")
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be at least 1")
	}

	if c.App.Env == "production" {
		if len(c.Checkpoint.EncryptionSecret) < 32 {
			return fmt.Errorf("checkpoint.encryption_secret must be at least 32 characters in production")
		}
		if c.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is required in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("jwt.secret must be at least 32 characters in production")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// Addr returns the host:port address of the Redis server
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// stringList reads a list setting. Environment values may separate items
// with commas or whitespace.
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func toIntMap(raw map[string]interface{}) map[string]int {
	out := make(map[string]int, len(raw))
	for k, v := range raw {
		switch n := v.(type) {
		case int:
			out[k] = n
		case int64:
			out[k] = int(n)
		case float64:
			out[k] = int(n)
		case string:
			var parsed int
			if _, err := fmt.Sscanf(n, "%d", &parsed); err == nil {
				out[k] = parsed
			}
		}
	}
	return out
}
