package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bookpay/gateway/middleware"
)

// Config drives the settlement gateway. Values load from an optional YAML
// file and may be overridden through SETTLE_GATEWAY_* environment variables;
// secrets (API secrets, JWT secret, signing key) come from the environment
// only.
type Config struct {
	ListenAddress   string `yaml:"listen"`
	Environment     string `yaml:"environment"`
	DatabaseURL     string `yaml:"databaseUrl"`
	NonceStorePath  string `yaml:"nonceStorePath"`
	AuthStorePath   string `yaml:"authStorePath"`
	FeeSchedulePath string `yaml:"feeSchedulePath"`
	SignerKeyEnv    string `yaml:"signerKeyEnv"`

	AuthorizationTTLSeconds int64 `yaml:"authorizationTtlSeconds"`
	RequestTimeoutSeconds   int64 `yaml:"requestTimeoutSeconds"`
	MaxBodyBytes            int64 `yaml:"maxBodyBytes"`
	LogRequests             bool  `yaml:"logRequests"`

	RateLimits map[string]middleware.RateLimit `yaml:"rateLimits"`

	Recon ReconConfig `yaml:"recon"`

	// APIKeys maps API key identifiers to shared secrets. Populated from the
	// environment, never from the YAML file.
	APIKeys map[string]string `yaml:"-"`
	// AdminJWTSecret signs bearer tokens accepted on admin endpoints.
	AdminJWTSecret string `yaml:"-"`
}

// ReconConfig tunes the reconciliation sweep for queued points debits.
type ReconConfig struct {
	IntervalSeconds int64 `yaml:"intervalSeconds"`
	BatchSize       int   `yaml:"batchSize"`
	MaxAttempts     int   `yaml:"maxAttempts"`
}

// DefaultConfig returns the baseline configuration before file and
// environment overrides apply.
func DefaultConfig() Config {
	return Config{
		ListenAddress:           ":8089",
		Environment:             "development",
		NonceStorePath:          "./data/gateway-nonces",
		AuthStorePath:           "./data/authorizations.db",
		SignerKeyEnv:            "SETTLE_GATEWAY_SIGNER_KEY",
		AuthorizationTTLSeconds: 300,
		RequestTimeoutSeconds:   15,
		MaxBodyBytes:            1 << 20,
		RateLimits: map[string]middleware.RateLimit{
			"settlements": {RequestsPerMinute: 120, Burst: 20},
			"funding":     {RequestsPerMinute: 120, Burst: 20},
			"points":      {RequestsPerMinute: 600, Burst: 60},
		},
		Recon: ReconConfig{
			IntervalSeconds: 30,
			BatchSize:       25,
			MaxAttempts:     20,
		},
		APIKeys: map[string]string{},
	}
}

// LoadConfig reads the YAML file at path (when non-empty) over the defaults
// and then applies environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("SETTLE_GATEWAY_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("SETTLE_GATEWAY_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("SETTLE_GATEWAY_DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SETTLE_GATEWAY_NONCE_STORE")); v != "" {
		cfg.NonceStorePath = v
	}
	if v := strings.TrimSpace(os.Getenv("SETTLE_GATEWAY_AUTH_STORE")); v != "" {
		cfg.AuthStorePath = v
	}
	if v := strings.TrimSpace(os.Getenv("SETTLE_GATEWAY_FEE_SCHEDULE")); v != "" {
		cfg.FeeSchedulePath = v
	}
	if v := strings.TrimSpace(os.Getenv("SETTLE_GATEWAY_AUTH_TTL_SECONDS")); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			cfg.AuthorizationTTLSeconds = parsed
		}
	}
	// API credentials: SETTLE_GATEWAY_API_KEY / SETTLE_GATEWAY_API_SECRET
	// configure a single caller; additional callers come from the comma
	// separated SETTLE_GATEWAY_API_KEYS list of key:secret pairs.
	if cfg.APIKeys == nil {
		cfg.APIKeys = map[string]string{}
	}
	key := strings.TrimSpace(os.Getenv("SETTLE_GATEWAY_API_KEY"))
	secret := strings.TrimSpace(os.Getenv("SETTLE_GATEWAY_API_SECRET"))
	if key != "" && secret != "" {
		cfg.APIKeys[key] = secret
	}
	if pairs := strings.TrimSpace(os.Getenv("SETTLE_GATEWAY_API_KEYS")); pairs != "" {
		for _, pair := range strings.Split(pairs, ",") {
			parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
			if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
				cfg.APIKeys[parts[0]] = parts[1]
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("SETTLE_GATEWAY_ADMIN_JWT_SECRET")); v != "" {
		cfg.AdminJWTSecret = v
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("listen address required")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("database url required (SETTLE_GATEWAY_DATABASE_URL)")
	}
	if len(c.APIKeys) == 0 {
		return fmt.Errorf("at least one API key required (SETTLE_GATEWAY_API_KEY/SETTLE_GATEWAY_API_SECRET)")
	}
	if c.AuthorizationTTLSeconds <= 0 {
		return fmt.Errorf("authorization ttl must be positive")
	}
	return nil
}

// AuthorizationTTL returns the configured authorization lifetime.
func (c Config) AuthorizationTTL() time.Duration {
	return time.Duration(c.AuthorizationTTLSeconds) * time.Second
}

// RequestTimeout returns the per-request handler deadline.
func (c Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ReconInterval returns the sweep cadence for the reconciler.
func (c Config) ReconInterval() time.Duration {
	if c.Recon.IntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Recon.IntervalSeconds) * time.Second
}
