package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the dictation service
type Config struct {
	// Server configuration (health, metrics and the event relay)
	Port string `envconfig:"PORT" default:"8080"`

	// Realtime transcription API
	OpenAIAPIKey       string `envconfig:"OPENAI_API_KEY" required:"true"`
	RealtimeURL        string `envconfig:"REALTIME_URL" default:"wss://api.openai.com/v1/realtime"`
	TranscribeModel    string `envconfig:"TRANSCRIBE_MODEL" default:"gpt-4o-transcribe"`
	TranscribeLanguage string `envconfig:"TRANSCRIBE_LANGUAGE" default:"sv"` // ISO-639-1; empty lets the model detect

	// Server-side turn detection. A long silence window keeps the server from
	// closing a turn while the user pauses mid-dictation.
	VADThreshold         float64 `envconfig:"VAD_THRESHOLD" default:"0.9"`
	VADPrefixPaddingMs   int     `envconfig:"VAD_PREFIX_PADDING_MS" default:"300"`
	VADSilenceDurationMs int     `envconfig:"VAD_SILENCE_DURATION_MS" default:"10000"`

	// Audio capture configuration
	AudioDevice          string  `envconfig:"AUDIO_DEVICE" default:""`          // Input device name; empty uses the system default
	AudioBurstFrames     int     `envconfig:"AUDIO_BURST_FRAMES" default:"4096"` // Samples per device read
	GainMode             string  `envconfig:"GAIN_MODE" default:"off"`           // off, auto, manual
	GainManualDB         float64 `envconfig:"GAIN_MANUAL_DB" default:"0"`        // 0..12 dB
	GainTargetRMS        float64 `envconfig:"GAIN_TARGET_RMS" default:"0.18"`    // 0.05..0.30
	LevelSpeechThreshold float64 `envconfig:"LEVEL_SPEECH_THRESHOLD" default:"0.02"`
	LevelSilenceFrames   int     `envconfig:"LEVEL_SILENCE_FRAMES" default:"10"`

	// Session behaviour
	RateLimitBackoffMs int           `envconfig:"RATE_LIMIT_BACKOFF_MS" default:"4000"` // Audio suppression after a rate-limit failure
	MinCommitMs        int           `envconfig:"MIN_COMMIT_MS" default:"100"`          // Minimum buffered audio for a commit
	ConnectTimeout     time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	FinalTimeout       time.Duration `envconfig:"FINAL_TIMEOUT" default:"20s"` // Wait for the final transcript after stop

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failed audio writes before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Connect attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges that envconfig cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.OpenAIAPIKey) == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.TranscribeModel == "" {
		return fmt.Errorf("TRANSCRIBE_MODEL must not be empty")
	}
	switch strings.ToLower(c.GainMode) {
	case "off", "auto", "manual":
	default:
		return fmt.Errorf("GAIN_MODE must be off, auto or manual, got %q", c.GainMode)
	}
	if c.GainManualDB < 0 || c.GainManualDB > 12 {
		return fmt.Errorf("GAIN_MANUAL_DB must be within [0, 12], got %v", c.GainManualDB)
	}
	if c.GainTargetRMS < 0.05 || c.GainTargetRMS > 0.30 {
		return fmt.Errorf("GAIN_TARGET_RMS must be within [0.05, 0.30], got %v", c.GainTargetRMS)
	}
	if c.VADThreshold < 0 || c.VADThreshold > 1 {
		return fmt.Errorf("VAD_THRESHOLD must be within [0, 1], got %v", c.VADThreshold)
	}
	if c.AudioBurstFrames <= 0 {
		return fmt.Errorf("AUDIO_BURST_FRAMES must be positive")
	}
	if c.MinCommitMs < 0 || c.RateLimitBackoffMs < 0 {
		return fmt.Errorf("MIN_COMMIT_MS and RATE_LIMIT_BACKOFF_MS must not be negative")
	}
	if c.ConnectTimeout <= 0 || c.FinalTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT and FINAL_TIMEOUT must be positive")
	}
	return nil
}

// RateLimitBackoff returns the rate-limit window as a duration.
func (c *Config) RateLimitBackoff() time.Duration {
	return time.Duration(c.RateLimitBackoffMs) * time.Millisecond
}

// MinCommit returns the minimum committable audio as a duration.
func (c *Config) MinCommit() time.Duration {
	return time.Duration(c.MinCommitMs) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
