package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@sendhive.io"`
	SMTPReplyTo  string `envconfig:"SMTP_REPLY_TO" default:""`

	// ----------------------------
	// Dispatch
	// ----------------------------
	BatchSize           int           `envconfig:"BATCH_SIZE" default:"50"`
	DispatchConcurrency int           `envconfig:"DISPATCH_CONCURRENCY" default:"1"`
	SendTimeout         time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	LedgerRetryAttempts int           `envconfig:"LEDGER_RETRY_ATTEMPTS" default:"3"`
	RateLimit           int           `envconfig:"RATE_LIMIT" default:"10"`

	// ----------------------------
	// Draft autosave
	// ----------------------------
	DebounceInterval time.Duration `envconfig:"DEBOUNCE_INTERVAL" default:"3s"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
