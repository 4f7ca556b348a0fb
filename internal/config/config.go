package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the transcribe gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Authentication configuration. Tokens are verified against the JWKS
	// document published by the identity provider (e.g. a Cognito user pool).
	AuthJWKSURL   string `envconfig:"AUTH_JWKS_URL" required:"true"`
	AuthIssuer    string `envconfig:"AUTH_ISSUER" required:"true"`
	AuthAudience  string `envconfig:"AUTH_AUDIENCE" required:"true"`
	AuthKeyTTL    int    `envconfig:"AUTH_KEY_TTL" default:"600"`    // Signing key cache TTL in seconds
	AuthKeyMaxNum int    `envconfig:"AUTH_KEY_MAX_NUM" default:"16"` // Max cached signing keys

	// Transcription backend configuration
	TranscribeProvider   string `envconfig:"TRANSCRIBE_PROVIDER" default:"aws"` // aws, deepgram
	TranscribeLanguage   string `envconfig:"TRANSCRIBE_LANGUAGE" default:"ja-JP"`
	TranscribeSampleRate int    `envconfig:"TRANSCRIBE_SAMPLE_RATE" default:"16000"` // Hz
	TranscribeEncoding   string `envconfig:"TRANSCRIBE_ENCODING" default:"pcm"`
	AWSRegion            string `envconfig:"AWS_REGION" default:""`
	DeepgramAPIKey       string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel        string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`

	// Connection directory configuration
	DirectoryPath     string `envconfig:"DIRECTORY_PATH" default:"/var/lib/transcribe-gateway/directory"`
	DirectoryInMemory bool   `envconfig:"DIRECTORY_IN_MEMORY" default:"false"` // Badger in-memory mode
	DirectoryTTL      int    `envconfig:"DIRECTORY_TTL" default:"7200"`        // Record expiry in seconds

	// Bridge configuration
	QueuePollInterval int `envconfig:"QUEUE_POLL_INTERVAL" default:"20"` // Audio queue poll interval in milliseconds

	// Resilience configuration (JWKS fetches)
	RetryMaxAttempts    int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.TranscribeProvider {
	case "aws":
		// Region may be empty; resolution falls through to the SDK default chain.
	case "deepgram":
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when TRANSCRIBE_PROVIDER=deepgram")
		}
	default:
		return fmt.Errorf("unknown TRANSCRIBE_PROVIDER: %q", c.TranscribeProvider)
	}

	if c.TranscribeSampleRate <= 0 {
		return fmt.Errorf("TRANSCRIBE_SAMPLE_RATE must be positive, got %d", c.TranscribeSampleRate)
	}
	if c.DirectoryTTL <= 0 {
		return fmt.Errorf("DIRECTORY_TTL must be positive, got %d", c.DirectoryTTL)
	}

	return nil
}

// KeyTTL returns the signing key cache TTL as a duration.
func (c *Config) KeyTTL() time.Duration {
	return time.Duration(c.AuthKeyTTL) * time.Second
}

// RecordTTL returns the connection record expiry as a duration.
func (c *Config) RecordTTL() time.Duration {
	return time.Duration(c.DirectoryTTL) * time.Second
}

// PollInterval returns the audio queue poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.QueuePollInterval) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
