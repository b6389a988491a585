// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode values for IRI_MODE.
const (
	ModeLive = "LIVE"
	ModeMock = "MOCK"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	FrontendURL   string
	DBPath        string
	GRPCPort      string
	SessionTTL    time.Duration
	// UserRetention prunes users unseen for this long. Zero keeps them.
	UserRetention time.Duration
	WindowSize    int
	Mode          string // "MOCK" selects offline collaborators
	PersonaFile   string

	Collaborators CollaboratorConfig
	Groq          GroqConfig
	Transcript    TranscriptConfig
	RateLimit     RateLimitConfig
}

// CollaboratorConfig points the pet at its sentiment and reply services.
// Empty URLs mean the configured backend is called in-process.
type CollaboratorConfig struct {
	ClassifierURL string
	ResponderURL  string
	Timeout       time.Duration
}

// GroqConfig configures the OpenAI-compatible completions upstream.
type GroqConfig struct {
	APIKey  string
	BaseURL string
}

// TranscriptConfig controls the NDJSON conversation transcript.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
	Compress  bool
}

// RateLimitConfig bounds pet messages per user.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		DBPath:        getEnv("DB_PATH", "./data/iri.db"),
		GRPCPort:      getEnv("GRPC_PORT", "9090"),
		SessionTTL:    getEnvDuration("SESSION_TTL", 60*time.Minute),
		UserRetention: getEnvDuration("USER_RETENTION", 30*24*time.Hour),
		WindowSize:    getEnvInt("WINDOW_SIZE", 5),
		Mode:          strings.ToUpper(strings.TrimSpace(getEnv("IRI_MODE", ModeLive))),
		PersonaFile:   getEnv("PERSONA_FILE", ""),
		Collaborators: CollaboratorConfig{
			ClassifierURL: getEnv("CLASSIFIER_URL", ""),
			ResponderURL:  getEnv("RESPONDER_URL", ""),
			Timeout:       getEnvDuration("COLLABORATOR_TIMEOUT", 30*time.Second),
		},
		Groq: GroqConfig{
			APIKey:  getEnv("GROQ_API_KEY", ""),
			BaseURL: getEnv("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
		},
		Transcript: TranscriptConfig{
			Enabled:   getEnvBool("TRANSCRIPT_ENABLED", false),
			Dir:       getEnv("TRANSCRIPT_DIR", "./data/transcripts"),
			QueueSize: queueSize,
			Compress:  getEnvBool("TRANSCRIPT_COMPRESS", true),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.UserRetention < 0 {
		return fmt.Errorf("USER_RETENTION must be >= 0")
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("WINDOW_SIZE must be > 0")
	}
	if c.Mode != ModeLive && c.Mode != ModeMock {
		return fmt.Errorf("IRI_MODE must be %s or %s, got %q", ModeLive, ModeMock, c.Mode)
	}
	if c.Collaborators.Timeout <= 0 {
		return fmt.Errorf("COLLABORATOR_TIMEOUT must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_DIR cannot be empty")
	}
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// IsMock reports whether offline collaborators should be used. A missing
// Groq key forces mock mode.
func (c *Config) IsMock() bool {
	return c.Mode == ModeMock || c.Groq.APIKey == ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or bare minutes ("60").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Minute
	}
	return fallback
}
