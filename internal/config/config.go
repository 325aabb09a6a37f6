// Package config provides application configuration.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	// ParamPrefix roots the SSM parameters: <prefix>/open-ai-token and
	// <prefix>/config/<VARIABLE>.
	ParamPrefix string
	OpenAI      OpenAIConfig
	Prompt      PromptConfig
	Stream      StreamConfig
	CORSOrigins []string
	LogLevel    string
}

// OpenAIConfig configures the upstream completion provider.
type OpenAIConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	MaxTokens         int
	Temperature       float64
	HeaderTimeout     time.Duration
	ModerationEnabled bool
}

type PromptConfig struct {
	System             string
	Continue           string
	MaxContextMessages int
	MaxMessageLength   int
}

// StreamConfig bounds a single turn.
type StreamConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	TurnTimeout time.Duration
}

// ParameterLister reads every parameter under a path, keyed by the name
// relative to that path.
type ParameterLister interface {
	GetParametersByPath(ctx context.Context, path string) (map[string]string, error)
}

type lookupFunc func(key string) (string, bool)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return load(os.LookupEnv)
}

// LoadWithParameters reads the environment, then fills variables the
// environment leaves unset from <PARAM_PREFIX>/config/* in the parameter
// store. Without PARAM_PREFIX it is Load.
func LoadWithParameters(ctx context.Context, params ParameterLister) (*Config, error) {
	return loadWithParameters(ctx, params, os.LookupEnv)
}

func loadWithParameters(ctx context.Context, params ParameterLister, lookup lookupFunc) (*Config, error) {
	base, err := load(lookup)
	if err != nil || base.ParamPrefix == "" || params == nil {
		return base, err
	}
	remote, err := params.GetParametersByPath(ctx, base.ParamPrefix+"/config")
	if err != nil {
		return nil, fmt.Errorf("load parameters under %s/config: %w", base.ParamPrefix, err)
	}
	return load(func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := remote[key]
		return v, ok
	})
}

func load(lookup lookupFunc) (*Config, error) {
	env := envReader{lookup: lookup}
	cfg := &Config{
		Port:        env.str("PORT", "8000"),
		DatabaseURL: env.str("DATABASE_URL", "sqlite://./data/streamchat.db"),
		RedisURL:    env.str("REDIS_URL", "redis://localhost:6379"),
		ParamPrefix: strings.TrimRight(strings.TrimSpace(env.str("PARAM_PREFIX", "")), "/"),
		OpenAI: OpenAIConfig{
			APIKey:            env.str("OPENAI_API_KEY", ""),
			BaseURL:           env.str("OPENAI_API_BASE_URL", "https://api.openai.com/v1"),
			Model:             env.str("OPENAI_MODEL", "gpt-4"),
			MaxTokens:         env.int("OPENAI_MAX_TOKENS", 2000),
			Temperature:       env.float("OPENAI_TEMPERATURE", 0.7),
			HeaderTimeout:     env.duration("OPENAI_HEADER_TIMEOUT", 30*time.Second),
			ModerationEnabled: env.bool("MODERATION_ENABLED", false),
		},
		Prompt: PromptConfig{
			System:             env.str("SYSTEM_PROMPT", "You are a helpful assistant."),
			Continue:           env.str("CONTINUE_PROMPT", "Continue the unfinished answer."),
			MaxContextMessages: env.int("MAX_CONTEXT_MESSAGES", 20),
			MaxMessageLength:   env.int("MAX_MESSAGE_LENGTH", 8000),
		},
		Stream: StreamConfig{
			MaxRetries:  env.int("STREAM_MAX_RETRIES", 2),
			BaseDelay:   env.duration("STREAM_BASE_DELAY", time.Second),
			TurnTimeout: env.duration("STREAM_TURN_TIMEOUT", 5*time.Minute),
		},
		CORSOrigins: splitList(env.str("CORS_ORIGINS", "http://localhost:5173,http://localhost:5174")),
		LogLevel:    strings.ToLower(strings.TrimSpace(env.str("LOG_LEVEL", "info"))),
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
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}
	if c.OpenAI.Model == "" {
		return fmt.Errorf("OPENAI_MODEL cannot be empty")
	}
	if c.OpenAI.APIKey == "" && c.ParamPrefix == "" {
		return fmt.Errorf("OPENAI_API_KEY or PARAM_PREFIX must be set")
	}
	if c.OpenAI.MaxTokens <= 0 {
		return fmt.Errorf("OPENAI_MAX_TOKENS must be > 0")
	}
	if c.OpenAI.Temperature < 0 || c.OpenAI.Temperature > 2 {
		return fmt.Errorf("OPENAI_TEMPERATURE must be within [0, 2]")
	}
	if c.Prompt.MaxContextMessages <= 0 {
		return fmt.Errorf("MAX_CONTEXT_MESSAGES must be > 0")
	}
	if c.Prompt.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be > 0")
	}
	if c.Stream.MaxRetries < 0 {
		return fmt.Errorf("STREAM_MAX_RETRIES must be >= 0")
	}
	if c.Stream.BaseDelay <= 0 {
		return fmt.Errorf("STREAM_BASE_DELAY must be > 0")
	}
	if c.Stream.TurnTimeout <= 0 {
		return fmt.Errorf("STREAM_TURN_TIMEOUT must be > 0")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	level, _ := ParseLevel(c.LogLevel)
	return level
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", s)
	}
}

type envReader struct {
	lookup lookupFunc
}

func (e envReader) str(key, fallback string) string {
	if value, ok := e.lookup(key); ok {
		return value
	}
	return fallback
}

func (e envReader) bool(key string, fallback bool) bool {
	value, ok := e.lookup(key)
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

func (e envReader) int(key string, fallback int) int {
	value, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func (e envReader) float(key string, fallback float64) float64 {
	value, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// duration accepts Go durations ("1500ms") or plain seconds ("2").
func (e envReader) duration(key string, fallback time.Duration) time.Duration {
	value, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
