package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skypro1111/voicenote-pipeline/internal/audio"
	"github.com/skypro1111/voicenote-pipeline/internal/prompt"
	"github.com/skypro1111/voicenote-pipeline/internal/transcription"
)

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}

func TestDefaultConfigIsValid(t *testing.T) {
	config := Default()
	if err := config.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got: %v", err)
	}

	if config.Transcription.Provider != "openrouter" {
		t.Errorf("Expected provider openrouter, got %s", config.Transcription.Provider)
	}
	if config.Transcription.GetModel() != "google/gemini-2.5-flash" {
		t.Errorf("Expected model google/gemini-2.5-flash, got %s", config.Transcription.GetModel())
	}
	if config.Transcription.GetTimeoutDuration() != 120*time.Second {
		t.Errorf("Expected 120s timeout, got %v", config.Transcription.GetTimeoutDuration())
	}
	if config.Retry.MaxAttempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", config.Retry.MaxAttempts)
	}
	if !config.VAD.Enabled || !config.Gain.Enabled {
		t.Error("Expected VAD and gain enabled by default")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{"unknown provider", func(c *Config) { c.Transcription.Provider = "deepgram" }, "provider must be one of"},
		{"bad granularity", func(c *Config) { c.Transcription.Granularity = "sentence" }, "granularity must be"},
		{"zero timeout", func(c *Config) { c.Transcription.Timeout = 0 }, "timeout must be at least 1 second"},
		{"zero concurrency", func(c *Config) { c.Transcription.MaxConcurrent = 0 }, "max_concurrent must be at least 1"},
		{"negative rate", func(c *Config) {
			c.Transcription.Rates = map[string]transcription.Rate{"m": {PerMinute: -1}}
		}, "cannot be negative"},
		{"threshold above one", func(c *Config) { c.VAD.Threshold = 1.5 }, "threshold must be between 0 and 1"},
		{"vad without model path", func(c *Config) { c.VAD.ModelPath = "" }, "model_path cannot be empty"},
		{"unknown gain mode", func(c *Config) { c.Gain.Mode = "lufs" }, "mode must be 'peak' or 'rms'"},
		{"positive target", func(c *Config) { c.Gain.TargetPeakDBFS = 3 }, "at or below 0 dBFS"},
		{"no attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts must be at least 1"},
		{"unknown layer", func(c *Config) { c.Prompt.Layers = []string{"haiku"} }, "unknown prompt layers: haiku"},
		{"unknown backend", func(c *Config) { c.Backends["deepgram"] = BackendConfig{APIKey: "k"} }, "unknown backend"},
		{"archive without dir", func(c *Config) { c.Archive.Dir = "" }, "dir cannot be empty"},
		{"batch concurrency", func(c *Config) { c.Batch.Concurrency = 0 }, "concurrency must be at least 1"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "level must be one of"},
		{"http port", func(c *Config) { c.HTTP.Enabled = true; c.HTTP.Port = 70000 }, "http port must be between 1 and 65535"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(config)

			err := config.Validate()
			if err == nil {
				t.Fatalf("Expected error but got none")
			}
			if !contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
logging:
  level: "debug"
  format: "json"
  output: "stdout"
vad:
  enabled: true
  model_path: "./models/vad-energy.yaml"
  threshold: 0.6
  min_speech_ms: 300
  min_silence_ms: 150
  padding_ms: 20
gain:
  mode: "rms"
  target_rms_dbfs: -18
transcription:
  provider: "mistral"
  language: "uk"
  timeout: 60
  rates:
    voxtral-small-latest:
      per_minute: 0.005
backends:
  mistral:
    api_key: "file-key"
retry:
  max_attempts: 5
  initial_interval: 0.25
prompt:
  layers: ["todo", "concise"]
  custom:
    - name: "shopping"
      text: "Group items by store aisle."
archive:
  dir: "/tmp/voicepipe"
`,
			expectError: false,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
transcription:
  timeout: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "invalid value",
			configYAML: `
transcription:
  provider: "whisper-local"
`,
			expectError: true,
			errorMsg:    "provider must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			err := os.WriteFile(configPath, []byte(tt.configYAML), 0644)
			if err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				} else if config == nil {
					t.Errorf("Expected config to be loaded but got nil")
				}
			}
		})
	}
}

func TestConfigLoadKeepsDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
transcription:
  provider: "gemini"
gain:
  enabled: false
`
	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}

	if config.Transcription.GetModel() != "gemini-flash-latest" {
		t.Errorf("Expected gemini default model, got %s", config.Transcription.GetModel())
	}
	if config.Gain.Enabled {
		t.Error("Expected gain to be disabled")
	}
	if !config.VAD.Enabled || config.VAD.MinSpeechMS != 250 {
		t.Errorf("Expected VAD defaults to survive, got %+v", config.VAD)
	}
	if config.Retry.MaxAttempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", config.Retry.MaxAttempts)
	}
	if config.Backends == nil {
		t.Error("Expected backends map to be initialized")
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	content := "GEMINI_API_KEY=dotenv-gemini\nOPENAI_API_KEY=dotenv-openai\nMISTRAL_API_KEY=dotenv-mistral\n"
	if err := os.WriteFile(dotenv, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}

	t.Setenv("OPENROUTER_API_KEY", "env-openrouter")
	t.Setenv("OPENAI_API_KEY", "env-openai")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("MISTRAL_API_KEY", "")

	config := Default()
	config.Backends["mistral"] = BackendConfig{APIKey: "file-mistral", BaseURL: "http://localhost:1234"}

	if err := config.ApplyEnv(dotenv); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	expected := map[string]string{
		"openrouter": "env-openrouter", // process env
		"openai":     "env-openai",     // process env beats .env
		"gemini":     "dotenv-gemini",  // empty process value falls through
		"mistral":    "file-mistral",   // config file wins
	}
	for name, want := range expected {
		if got := config.Backend(name).APIKey; got != want {
			t.Errorf("Expected %s key %q, got %q", name, want, got)
		}
	}
	if config.Backend("mistral").BaseURL != "http://localhost:1234" {
		t.Errorf("Expected base URL to be kept, got %q", config.Backend("mistral").BaseURL)
	}
}

func TestApplyEnvMissingFile(t *testing.T) {
	config := Default()
	if err := config.ApplyEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("Expected a missing env file to be ignored, got: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	vad := VADConfig{
		MinSpeechMS:  500,
		MinSilenceMS: 300,
		PaddingMS:    30,
	}

	if vad.GetMinSpeechDuration() != 500*time.Millisecond {
		t.Errorf("Expected 0.5 seconds, got %v", vad.GetMinSpeechDuration())
	}

	if vad.GetMinSilenceDuration() != 300*time.Millisecond {
		t.Errorf("Expected 0.3 seconds, got %v", vad.GetMinSilenceDuration())
	}

	if vad.GetPaddingDuration() != 30*time.Millisecond {
		t.Errorf("Expected 30 milliseconds, got %v", vad.GetPaddingDuration())
	}

	transcription := TranscriptionConfig{
		Timeout: 30,
	}

	if transcription.GetTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", transcription.GetTimeoutDuration())
	}

	retry := RetryConfig{InitialInterval: 0.25, MaxInterval: 4}
	policy := retry.Policy()
	if policy.InitialInterval != 250*time.Millisecond || policy.MaxInterval != 4*time.Second {
		t.Errorf("Expected 250ms/4s, got %v/%v", policy.InitialInterval, policy.MaxInterval)
	}
}

func TestJobOptions(t *testing.T) {
	config := Default()
	config.VAD.AllowDegraded = true
	config.Gain.Mode = "rms"
	config.Transcription.Language = "de"
	config.Transcription.Granularity = "word"

	opts := config.JobOptions()
	if !opts.VADEnabled || !opts.GainEnabled || !opts.AllowDegraded {
		t.Errorf("Unexpected stage flags: %+v", opts)
	}
	if opts.Gain.Mode != audio.GainRMS {
		t.Errorf("Expected rms gain, got %s", opts.Gain.Mode)
	}
	if opts.VAD.MinSpeech != 250*time.Millisecond || opts.VAD.Threshold != 0.5 {
		t.Errorf("Unexpected VAD settings: %+v", opts.VAD)
	}
	if opts.Language != "de" || opts.Granularity != transcription.GranularityWord {
		t.Errorf("Unexpected language/granularity: %s/%s", opts.Language, opts.Granularity)
	}
}

func TestPromptLibrary(t *testing.T) {
	pc := PromptConfig{
		Layers: []string{"shopping", "formal"},
		Custom: []prompt.Layer{{Name: "shopping", Text: "Group items by aisle."}},
	}
	lib, err := pc.Library()
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}
	stack, err := lib.Stack(pc.Base, pc.Layers)
	if err != nil {
		t.Fatalf("Failed to build stack: %v", err)
	}
	if len(stack.Layers()) != 2 {
		t.Errorf("Expected 2 layers, got %d", len(stack.Layers()))
	}
}

func TestExampleConfigLoads(t *testing.T) {
	config, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("Expected example config to load, got: %v", err)
	}
	if config.Transcription.GetModel() != "google/gemini-2.5-flash" {
		t.Errorf("Expected default model, got %s", config.Transcription.GetModel())
	}
	if config.Backends == nil {
		t.Error("Expected backends map to be initialized")
	}
}
