package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

const (
	RunModeAll    = "all"
	RunModeAPI    = "api"
	RunModeWorker = "worker"
)

type Config struct {
	RunMode     string `env:"RUN_MODE" envDefault:"all"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":2112"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURLs  []string `env:"DATABASE_URLS" envSeparator:","`
	RedisAddr     string   `env:"REDIS_ADDR"`
	RedisPassword string   `env:"REDIS_PASSWORD"`

	WorkerID           string        `env:"WORKER_ID"`
	NodeID             int64         `env:"NODE_ID" envDefault:"1"`
	WorkersPerQueue    int           `env:"WORKERS_PER_QUEUE" envDefault:"2"`
	WorkerBatchSize    int           `env:"WORKER_BATCH_SIZE" envDefault:"10"`
	PollInterval       time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	MaxAttempts        int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	RetryBackoff       time.Duration `env:"RETRY_BACKOFF" envDefault:"2s"`
	LeaseTTL           time.Duration `env:"LEASE_TTL" envDefault:"30s"`
	LeaseRenewPeriod   time.Duration `env:"LEASE_RENEW_PERIOD" envDefault:"10s"`
	HandlerTimeout     time.Duration `env:"HANDLER_TIMEOUT" envDefault:"20s"`
	CriticalTimeout    time.Duration `env:"CRITICAL_PATH_TIMEOUT" envDefault:"2s"`
	StoreTimeout       time.Duration `env:"STORE_TIMEOUT" envDefault:"3s"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SucceededRetention time.Duration `env:"SUCCEEDED_RETENTION" envDefault:"72h"`
	SyntheticIDWindow  time.Duration `env:"SYNTHETIC_ID_WINDOW" envDefault:"5m"`
	MaxBodyBytes       int64         `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	RateLimitPerMinute int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"600"`
	JWTSecret          string        `env:"JWT_SECRET"`

	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`

	// PublicBaseURL is the externally visible scheme://host the providers call.
	// The SMS/voice signature covers the full URL, so it must match exactly.
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
	// TrustProxyHeaders takes the caller address from X-Forwarded-For or
	// X-Real-IP. Only enable it behind a proxy that overwrites them.
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	Providers Providers

	PlatformAPIURL     string        `env:"PLATFORM_API_URL"`
	PlatformAPIToken   string        `env:"PLATFORM_API_TOKEN"`
	PlatformAPITimeout time.Duration `env:"PLATFORM_API_TIMEOUT" envDefault:"5s"`

	RabbitMQURL       string `env:"RABBITMQ_URL"`
	NotificationQueue string `env:"NOTIFICATION_QUEUE" envDefault:"notification_jobs"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"webhook.events"`
}

type Providers struct {
	StripeSecret    string        `env:"STRIPE_WEBHOOK_SECRET"`
	StripeTolerance time.Duration `env:"STRIPE_TOLERANCE" envDefault:"5m"`

	PayPalWebhookID string        `env:"PAYPAL_WEBHOOK_ID"`
	PayPalSecret    string        `env:"PAYPAL_WEBHOOK_SECRET"`
	PayPalTolerance time.Duration `env:"PAYPAL_TOLERANCE" envDefault:"5m"`

	MailchimpSecret string `env:"MAILCHIMP_WEBHOOK_SECRET"`

	TwilioAuthToken string `env:"TWILIO_AUTH_TOKEN"`

	MuxSecret    string        `env:"MUX_WEBHOOK_SECRET"`
	MuxTolerance time.Duration `env:"MUX_TOLERANCE" envDefault:"5m"`
}

// Load reads an optional .env file, then the environment, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.RunMode {
	case RunModeAll, RunModeAPI, RunModeWorker:
	default:
		return fmt.Errorf("RUN_MODE must be one of all, api, worker, got %q", c.RunMode)
	}
	if len(c.DatabaseURLs) == 0 || c.DatabaseURLs[0] == "" {
		return errors.New("DATABASE_URLS is required")
	}
	if c.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.WorkersPerQueue < 1 {
		return fmt.Errorf("WORKERS_PER_QUEUE must be at least 1, got %d", c.WorkersPerQueue)
	}
	if c.LeaseRenewPeriod >= c.LeaseTTL {
		return fmt.Errorf("LEASE_RENEW_PERIOD (%s) must be shorter than LEASE_TTL (%s)", c.LeaseRenewPeriod, c.LeaseTTL)
	}
	if c.HandlerTimeout <= 0 || c.CriticalTimeout <= 0 || c.StoreTimeout <= 0 {
		return errors.New("HANDLER_TIMEOUT, CRITICAL_PATH_TIMEOUT and STORE_TIMEOUT must be positive")
	}
	if c.PlatformAPIURL == "" {
		return errors.New("PLATFORM_API_URL is required")
	}
	if c.RunMode != RunModeWorker {
		p := c.Providers
		if p.StripeSecret == "" || p.PayPalSecret == "" || p.PayPalWebhookID == "" ||
			p.MailchimpSecret == "" || p.TwilioAuthToken == "" || p.MuxSecret == "" {
			return errors.New("all provider webhook secrets are required in api mode")
		}
		if c.PublicBaseURL == "" {
			return errors.New("PUBLIC_BASE_URL is required in api mode")
		}
		if _, err := url.Parse(c.PublicBaseURL); err != nil {
			return fmt.Errorf("invalid PUBLIC_BASE_URL: %w", err)
		}
	}
	if c.RunMode != RunModeAPI {
		if c.RabbitMQURL == "" {
			return errors.New("RABBITMQ_URL is required in worker mode")
		}
	}
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		c.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return nil
}
