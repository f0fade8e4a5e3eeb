// Package config loads the relay server configuration from defaults, an
// optional YAML file, a .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/internal/relay"
)

const (
	ProviderOpenAI  = "openai"
	ProviderCascade = "cascade"
	ProviderMock    = "mock"
)

// Config is the top-level server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Session  SessionConfig  `yaml:"session"`
	Pricing  relay.RateCard `yaml:"pricing"`
	MongoDB  MongoDBConfig  `yaml:"mongodb"`
	Cascade  CascadeConfig  `yaml:"cascade"`
}

// ServerConfig holds the HTTP listener and auth settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	JWTSecret       string        `yaml:"jwt_secret"`
	AuthRequired    bool          `yaml:"auth_required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RealtimeConfig selects and configures the upstream provider.
type RealtimeConfig struct {
	Provider       string        `yaml:"provider"`
	APIKey         string        `yaml:"api_key"`
	URL            string        `yaml:"url"`
	Model          string        `yaml:"model"`
	Voice          string        `yaml:"voice"`
	Instructions   string        `yaml:"instructions"`
	SampleRate     int           `yaml:"sample_rate"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	TurnDetection  string        `yaml:"turn_detection"`
}

// SessionConfig controls idle session reaping.
type SessionConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// MongoDBConfig enables the session archive when URI is set.
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// CascadeConfig configures the STT, LLM and TTS services behind the cascade provider.
type CascadeConfig struct {
	GeminiAPIKey      string `yaml:"gemini_api_key"`
	GeminiModel       string `yaml:"gemini_model"`
	SpeechLanguage    string `yaml:"speech_language"`
	ElevenLabsAPIKey  string `yaml:"eleven_labs_api_key"`
	ElevenLabsVoiceID string `yaml:"eleven_labs_voice_id"`
	ElevenLabsModelID string `yaml:"eleven_labs_model_id"`
}

// Default returns the configuration used before any source is applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Realtime: RealtimeConfig{
			Voice:          "alloy",
			Instructions:   "You are a friendly English tutor. Keep replies short and correct mistakes gently.",
			SampleRate:     24000,
			ConnectTimeout: 15 * time.Second,
			TurnDetection:  "server_vad",
		},
		Session: SessionConfig{
			IdleTimeout:     5 * time.Minute,
			CleanupInterval: time.Minute,
		},
		MongoDB: MongoDBConfig{
			Database: "voice_relay",
		},
		Cascade: CascadeConfig{
			SpeechLanguage: "en-US",
		},
	}
}

// Load builds the configuration. path names an optional YAML file; when empty
// CONFIG_FILE is consulted. A .env file in the working directory is loaded
// without overriding variables already set in the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse unmarshals YAML bytes over the defaults and validates the result.
// The environment is not consulted.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RelayConfig returns the coordinator settings.
func (c *Config) RelayConfig() relay.Config {
	rc := relay.DefaultConfig()
	rc.SampleRate = c.Realtime.SampleRate
	rc.Voice = c.Realtime.Voice
	rc.Instructions = c.Realtime.Instructions
	rc.ConnectTimeout = c.Realtime.ConnectTimeout
	return rc
}

type envReader struct {
	errs []string
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return
	}
	*dst = n
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return
	}
	*dst = b
}

func (r *envReader) float(key string, dst *float64) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return
	}
	*dst = f
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return
	}
	*dst = d
}

func (c *Config) applyEnv() error {
	r := &envReader{}

	r.integer("PORT", &c.Server.Port)
	r.str("JWT_SECRET", &c.Server.JWTSecret)
	r.boolean("AUTH_REQUIRED", &c.Server.AuthRequired)

	r.str("REALTIME_PROVIDER", &c.Realtime.Provider)
	r.str("OPENAI_API_KEY", &c.Realtime.APIKey)
	r.str("OPENAI_REALTIME_URL", &c.Realtime.URL)
	r.str("OPENAI_REALTIME_MODEL", &c.Realtime.Model)
	r.str("REALTIME_VOICE", &c.Realtime.Voice)
	r.str("REALTIME_INSTRUCTIONS", &c.Realtime.Instructions)
	r.integer("REALTIME_SAMPLE_RATE", &c.Realtime.SampleRate)
	r.duration("REALTIME_CONNECT_TIMEOUT", &c.Realtime.ConnectTimeout)
	r.str("REALTIME_TURN_DETECTION", &c.Realtime.TurnDetection)

	r.duration("SESSION_IDLE_TIMEOUT", &c.Session.IdleTimeout)
	r.duration("SESSION_CLEANUP_INTERVAL", &c.Session.CleanupInterval)

	r.float("PRICE_INPUT_TEXT_PER_MILLION", &c.Pricing.InputTextPerMillion)
	r.float("PRICE_INPUT_AUDIO_PER_MILLION", &c.Pricing.InputAudioPerMillion)
	r.float("PRICE_OUTPUT_TEXT_PER_MILLION", &c.Pricing.OutputTextPerMillion)
	r.float("PRICE_OUTPUT_AUDIO_PER_MILLION", &c.Pricing.OutputAudioPerMillion)

	r.str("MONGODB_URI", &c.MongoDB.URI)
	r.str("MONGODB_DATABASE", &c.MongoDB.Database)

	r.str("GEMINI_API_KEY", &c.Cascade.GeminiAPIKey)
	r.str("GEMINI_MODEL", &c.Cascade.GeminiModel)
	r.str("SPEECH_LANGUAGE", &c.Cascade.SpeechLanguage)
	r.str("ELEVEN_LABS_API_KEY", &c.Cascade.ElevenLabsAPIKey)
	r.str("ELEVEN_LABS_VOICE_ID", &c.Cascade.ElevenLabsVoiceID)
	r.str("ELEVEN_LABS_MODEL_ID", &c.Cascade.ElevenLabsModelID)

	if len(r.errs) > 0 {
		return fmt.Errorf("config: environment: %s", strings.Join(r.errs, "; "))
	}
	return nil
}

// applyDefaults fills in derived values.
func (c *Config) applyDefaults() {
	c.Realtime.Provider = strings.ToLower(strings.TrimSpace(c.Realtime.Provider))
	if c.Realtime.Provider == "" {
		if c.Realtime.APIKey != "" {
			c.Realtime.Provider = ProviderOpenAI
		} else {
			c.Realtime.Provider = ProviderMock
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.AuthRequired && c.Server.JWTSecret == "" {
		errs = append(errs, "server.jwt_secret is required when auth is required")
	}

	switch c.Realtime.Provider {
	case ProviderOpenAI:
		if c.Realtime.APIKey == "" {
			errs = append(errs, "realtime.api_key is required for the openai provider")
		}
		if c.Realtime.SampleRate != 24000 {
			errs = append(errs, "realtime.sample_rate must be 24000 for the openai provider")
		}
	case ProviderCascade:
		if c.Cascade.GeminiAPIKey == "" {
			errs = append(errs, "cascade.gemini_api_key is required for the cascade provider")
		}
		if c.Cascade.ElevenLabsAPIKey == "" {
			errs = append(errs, "cascade.eleven_labs_api_key is required for the cascade provider")
		}
	case ProviderMock:
	default:
		errs = append(errs, fmt.Sprintf("realtime.provider %q is not one of openai, cascade, mock", c.Realtime.Provider))
	}

	switch c.Realtime.TurnDetection {
	case "server_vad", "none":
	default:
		errs = append(errs, fmt.Sprintf("realtime.turn_detection %q is not one of server_vad, none", c.Realtime.TurnDetection))
	}

	if c.Realtime.SampleRate <= 0 {
		errs = append(errs, "realtime.sample_rate must be positive")
	}
	if c.Realtime.ConnectTimeout <= 0 {
		errs = append(errs, "realtime.connect_timeout must be positive")
	}
	if c.Session.IdleTimeout <= 0 {
		errs = append(errs, "session.idle_timeout must be positive")
	}
	if c.Session.CleanupInterval <= 0 {
		errs = append(errs, "session.cleanup_interval must be positive")
	}

	p := c.Pricing
	if p.InputTextPerMillion < 0 || p.InputAudioPerMillion < 0 || p.OutputTextPerMillion < 0 || p.OutputAudioPerMillion < 0 {
		errs = append(errs, "pricing rates cannot be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
