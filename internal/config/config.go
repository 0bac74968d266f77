package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the static process configuration, loaded once at startup.
// Per-tenant discovery is not part of this struct: it is the tenant
// registry's own responsibility, scanned directly off the environment
// because its keys are dynamically `_<n>`-suffixed and envconfig's
// static struct tags cannot express that.
type Config struct {
	Port    string `envconfig:"APP_PORT" default:"8080"`
	BaseURL string `envconfig:"APP_BASE_URL" default:"http://localhost:8080"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	WebhookName string `envconfig:"WEBHOOK_NAME" default:"webhook"`

	QueueURL          string `envconfig:"QUEUE_URL" default:"nats://localhost:4222"`
	StreamName        string `envconfig:"QUEUE_STREAM" default:"wootrico"`
	SubjectPrincipal  string `envconfig:"QUEUE_SUBJECT_PRINCIPAL" default:"webhook.principal"`
	SubjectCallback   string `envconfig:"QUEUE_SUBJECT_CALLBACK" default:"webhook.callback"`
	ConsumerPrincipal string `envconfig:"QUEUE_CONSUMER_PRINCIPAL" default:"consumer-webhook-principal"`
	ConsumerCallback  string `envconfig:"QUEUE_CONSUMER_CALLBACK" default:"consumer-webhook-callback"`
	WorkerPrincipal   string `envconfig:"QUEUE_WORKER_PRINCIPAL" default:"webhook-principal-consumer"`
	WorkerCallback    string `envconfig:"QUEUE_WORKER_CALLBACK" default:"webhook-callback-consumer"`
	FetchBatchSize    int    `envconfig:"QUEUE_FETCH_BATCH" default:"20"`

	SidecarDir string `envconfig:"SIDECAR_DIR" default:"/app/data"`

	MappingWipeInterval time.Duration `envconfig:"MAPPING_WIPE_INTERVAL" default:"5h"`

	MediaThrottle time.Duration `envconfig:"MEDIA_THROTTLE" default:"1s"`

	HTTPTimeoutText       time.Duration `envconfig:"HTTP_TIMEOUT_TEXT" default:"20s"`
	HTTPTimeoutMediaPost  time.Duration `envconfig:"HTTP_TIMEOUT_MEDIA_UPLOAD" default:"60s"`
	HTTPTimeoutMediaFetch time.Duration `envconfig:"HTTP_TIMEOUT_MEDIA_DOWNLOAD" default:"30s"`

	BodyLimit        string `envconfig:"HTTP_BODY_LIMIT" default:"50M"`
	WebhookBodyLimit string `envconfig:"WEBHOOK_BODY_LIMIT" default:"500M"`
}

// Load loads the static configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// WebhookURL returns the advertised base URL for the inbound provider webhook.
func (c *Config) WebhookURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + c.WebhookName
}

// CallbackURL returns the advertised base URL for the helpdesk callback webhook.
func (c *Config) CallbackURL() string {
	return c.WebhookURL() + "/callback"
}

// GetEnvOrDefault gets an environment variable or returns a default value.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvBool parses an environment variable as a boolean accepting
// 1/true/yes/on and 0/false/no/off case-insensitively; any other value,
// including an unset one, falls back to defaultValue.
func GetEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

// GetEnvInt gets an environment variable as an integer.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
