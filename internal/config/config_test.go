package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"CONFIG_FILE", "PORT", "JWT_SECRET", "AUTH_REQUIRED",
	"REALTIME_PROVIDER", "OPENAI_API_KEY", "OPENAI_REALTIME_URL", "OPENAI_REALTIME_MODEL",
	"REALTIME_VOICE", "REALTIME_INSTRUCTIONS", "REALTIME_SAMPLE_RATE",
	"REALTIME_CONNECT_TIMEOUT", "REALTIME_TURN_DETECTION",
	"SESSION_IDLE_TIMEOUT", "SESSION_CLEANUP_INTERVAL",
	"PRICE_INPUT_TEXT_PER_MILLION", "PRICE_INPUT_AUDIO_PER_MILLION",
	"PRICE_OUTPUT_TEXT_PER_MILLION", "PRICE_OUTPUT_AUDIO_PER_MILLION",
	"MONGODB_URI", "MONGODB_DATABASE",
	"GEMINI_API_KEY", "GEMINI_MODEL", "SPEECH_LANGUAGE",
	"ELEVEN_LABS_API_KEY", "ELEVEN_LABS_VOICE_ID", "ELEVEN_LABS_MODEL_ID",
}

// isolate clears every variable Load reads and moves into an empty directory
// so no .env file is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

const fileYAML = `
server:
  port: 9000
  jwt_secret: file-secret
  auth_required: true
realtime:
  provider: openai
  api_key: sk-file
  voice: verse
  connect_timeout: 5s
session:
  idle_timeout: 2m
pricing:
  input_audio_per_million: 40
  output_audio_per_million: 80
mongodb:
  uri: mongodb://db:27017
`

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Realtime.Provider != ProviderMock {
		t.Errorf("Provider = %q, want %q without an API key", cfg.Realtime.Provider, ProviderMock)
	}
	if cfg.Realtime.SampleRate != 24000 {
		t.Errorf("SampleRate = %d, want 24000", cfg.Realtime.SampleRate)
	}
	if cfg.Session.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", cfg.Session.IdleTimeout)
	}
	if cfg.MongoDB.URI != "" {
		t.Errorf("MongoDB.URI = %q, want empty", cfg.MongoDB.URI)
	}
}

func TestLoad_APIKeySelectsOpenAI(t *testing.T) {
	isolate(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Realtime.Provider != ProviderOpenAI {
		t.Errorf("Provider = %q, want %q", cfg.Realtime.Provider, ProviderOpenAI)
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := isolate(t)

	path := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(path, []byte(fileYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	dotenv := "REALTIME_VOICE=dotenv-voice\nPORT=9100\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(dotenv), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "9200")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// environment beats .env
	if cfg.Server.Port != 9200 {
		t.Errorf("Port = %d, want 9200", cfg.Server.Port)
	}
	// .env beats the file
	if cfg.Realtime.Voice != "dotenv-voice" {
		t.Errorf("Voice = %q, want dotenv-voice", cfg.Realtime.Voice)
	}
	// the file beats defaults
	if cfg.Realtime.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s", cfg.Realtime.ConnectTimeout)
	}
	if cfg.Session.IdleTimeout != 2*time.Minute {
		t.Errorf("IdleTimeout = %v, want 2m", cfg.Session.IdleTimeout)
	}
	if cfg.Pricing.OutputAudioPerMillion != 80 {
		t.Errorf("OutputAudioPerMillion = %v, want 80", cfg.Pricing.OutputAudioPerMillion)
	}
	// untouched defaults survive a partial file
	if cfg.Session.CleanupInterval != time.Minute {
		t.Errorf("CleanupInterval = %v, want 1m", cfg.Session.CleanupInterval)
	}
	if !cfg.Server.AuthRequired {
		t.Error("AuthRequired = false, want true")
	}
}

func TestLoad_ConfigFileFromEnv(t *testing.T) {
	dir := isolate(t)

	path := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(path, []byte(fileYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Server.Port)
	}
}

func TestLoad_InvalidEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("PORT", "eighty")
	t.Setenv("SESSION_IDLE_TIMEOUT", "soon")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for malformed environment")
	}
	for _, want := range []string{"PORT", "SESSION_IDLE_TIMEOUT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	isolate(t)

	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "openai without key",
			yaml:    "realtime:\n  provider: openai\n",
			wantErr: "realtime.api_key is required",
		},
		{
			name:    "openai with wrong sample rate",
			yaml:    "realtime:\n  provider: openai\n  api_key: sk\n  sample_rate: 16000\n",
			wantErr: "must be 24000",
		},
		{
			name:    "cascade without keys",
			yaml:    "realtime:\n  provider: cascade\n",
			wantErr: "cascade.gemini_api_key is required",
		},
		{
			name:    "unknown provider",
			yaml:    "realtime:\n  provider: carrier-pigeon\n",
			wantErr: "is not one of openai, cascade, mock",
		},
		{
			name:    "auth without secret",
			yaml:    "server:\n  auth_required: true\n",
			wantErr: "jwt_secret is required",
		},
		{
			name:    "bad turn detection",
			yaml:    "realtime:\n  turn_detection: semantic\n",
			wantErr: "realtime.turn_detection",
		},
		{
			name:    "negative price",
			yaml:    "pricing:\n  input_text_per_million: -1\n",
			wantErr: "cannot be negative",
		},
		{
			name:    "port out of range",
			yaml:    "server:\n  port: 70000\n",
			wantErr: "out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestRelayConfig(t *testing.T) {
	cfg, err := Parse([]byte("realtime:\n  voice: sage\n  connect_timeout: 3s\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rc := cfg.RelayConfig()
	if rc.Voice != "sage" {
		t.Errorf("Voice = %q, want sage", rc.Voice)
	}
	if rc.ConnectTimeout != 3*time.Second {
		t.Errorf("ConnectTimeout = %v, want 3s", rc.ConnectTimeout)
	}
	if rc.CloseTimeout <= 0 {
		t.Errorf("CloseTimeout = %v, want the coordinator default", rc.CloseTimeout)
	}
}
