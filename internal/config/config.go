// Package config loads the process configuration: required secrets from the
// environment, tuning knobs from the environment with an optional YAML
// overlay file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the full process configuration.
type Config struct {
	Env  string `yaml:"env"`  // "production" enables strict secret checks
	Port int    `yaml:"port"` // API listen port

	DatabaseURL          string `yaml:"-"` // required
	RedisAddr            string `yaml:"redis_addr"`
	RedisPassword        string `yaml:"-"`
	PaymentProviderKey   string `yaml:"-"` // required
	PaymentProviderURL   string `yaml:"payment_provider_url"`
	SessionEncryptionKey string `yaml:"-"` // 32-byte hex, required in production
	PushGatewayURL       string `yaml:"push_gateway_url"`
	PushGatewayKey       string `yaml:"-"`
	WebhookSecret        string `yaml:"-"` // shared secret for inbound provider webhooks
	StorageBaseURL       string `yaml:"storage_base_url"`
	StorageSigningSecret string `yaml:"-"` // HMAC key for presigned artifact URLs

	SafeModeOverride bool `yaml:"-"` // operator-only escape hatch for the correction engine

	OutboxWorkerCount int `yaml:"outbox_worker_count"`
	RetryMaxAttempts  int `yaml:"retry_max_attempts"`
	OutboxMaxAttempts int `yaml:"outbox_max_attempts"`

	// Durations are env-only (millisecond knobs); yaml.v2 has no duration
	// decoding and the overlay is for integer tuning anyway.
	RetryBase       time.Duration `yaml:"-"`
	RetryMax        time.Duration `yaml:"-"`
	ProofDeadline   time.Duration `yaml:"-"`
	ReaperInterval  time.Duration `yaml:"-"`
	PendingMoneyAge time.Duration `yaml:"-"` // age before the reaper reconciles

	PubSubProject string `yaml:"pubsub_project"` // optional cross-pod event mirror
	PubSubTopic   string `yaml:"pubsub_topic"`

	AIDailyBudgetUSD float64 `yaml:"-"` // advisory engine spend ceiling, advisory only
}

// Load reads .env (if present), then the environment, then applies an
// optional YAML overlay for the non-secret knobs. Env always wins for
// secrets; the overlay only fills tuning defaults.
func Load(overlayPath string) (*Config, error) {
	_ = godotenv.Load() // missing .env is fine

	cfg := &Config{
		Env:               getenv("APP_ENV", "development"),
		Port:              getenvInt("PORT", 8080),
		RedisAddr:         getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		OutboxWorkerCount: getenvInt("OUTBOX_WORKER_COUNT", 4),
		RetryMaxAttempts:  getenvInt("RETRY_MAX_ATTEMPTS", 5),
		RetryBase:         getenvMillis("RETRY_BASE_MS", 50*time.Millisecond),
		RetryMax:          getenvMillis("RETRY_MAX_MS", 2*time.Second),
		OutboxMaxAttempts: getenvInt("OUTBOX_MAX_ATTEMPTS", 8),
		ProofDeadline:     getenvMillis("PROOF_DEADLINE_MS", 24*time.Hour),
		ReaperInterval:    30 * time.Second,
		PendingMoneyAge:   2 * time.Minute,

		DatabaseURL:          os.Getenv("DATABASE_URL"),
		PaymentProviderKey:   os.Getenv("PAYMENT_PROVIDER_KEY"),
		PaymentProviderURL:   getenv("PAYMENT_PROVIDER_URL", "https://api.payments.example.com"),
		SessionEncryptionKey: os.Getenv("SESSION_ENCRYPTION_KEY"),
		PushGatewayURL:       os.Getenv("PUSH_GATEWAY_URL"),
		PushGatewayKey:       os.Getenv("PUSH_GATEWAY_KEY"),
		WebhookSecret:        os.Getenv("PROVIDER_WEBHOOK_SECRET"),
		StorageBaseURL:       getenv("STORAGE_BASE_URL", "https://storage.hustlexp.example.com"),
		StorageSigningSecret: os.Getenv("STORAGE_SIGNING_SECRET"),
		PubSubProject:        os.Getenv("PUBSUB_PROJECT"),
		PubSubTopic:          getenv("PUBSUB_TOPIC", "hustlexp-events"),
		SafeModeOverride:     os.Getenv("SAFE_MODE_OVERRIDE") == "1",
		AIDailyBudgetUSD:     getenvFloat("AI_DAILY_BUDGET_USD", 0),
	}

	if overlayPath != "" {
		if err := cfg.applyOverlay(overlayPath); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyOverlay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return fmt.Errorf("config overlay %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.PaymentProviderKey == "" {
		return fmt.Errorf("PAYMENT_PROVIDER_KEY is required")
	}
	if c.Production() && len(c.SessionEncryptionKey) != 64 {
		return fmt.Errorf("SESSION_ENCRYPTION_KEY must be 32-byte hex in production")
	}
	if c.Production() && c.WebhookSecret == "" {
		return fmt.Errorf("PROVIDER_WEBHOOK_SECRET is required in production")
	}
	if c.Production() && c.StorageSigningSecret == "" {
		return fmt.Errorf("STORAGE_SIGNING_SECRET is required in production")
	}
	if c.OutboxWorkerCount < 1 {
		c.OutboxWorkerCount = 1
	}
	return nil
}

// Production reports whether strict secret handling applies.
func (c *Config) Production() bool { return c.Env == "production" }

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
