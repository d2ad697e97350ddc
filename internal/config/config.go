package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/skypro1111/voicenote-pipeline/internal/audio"
	"github.com/skypro1111/voicenote-pipeline/internal/pipeline"
	"github.com/skypro1111/voicenote-pipeline/internal/prompt"
	"github.com/skypro1111/voicenote-pipeline/internal/transcription"
	"github.com/skypro1111/voicenote-pipeline/internal/vad"
)

// Config represents the complete pipeline configuration
type Config struct {
	Logging       LoggingConfig            `yaml:"logging"`
	VAD           VADConfig                `yaml:"vad"`
	Gain          GainConfig               `yaml:"gain"`
	Transcription TranscriptionConfig      `yaml:"transcription"`
	Backends      map[string]BackendConfig `yaml:"backends"`
	Retry         RetryConfig              `yaml:"retry"`
	Prompt        PromptConfig             `yaml:"prompt"`
	Archive       ArchiveConfig            `yaml:"archive"`
	Batch         BatchConfig              `yaml:"batch"`
	HTTP          HTTPConfig               `yaml:"http"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"` // stdout, stderr or a file path
}

// VADConfig contains Voice Activity Detection configuration
type VADConfig struct {
	Enabled       bool    `yaml:"enabled"`
	ModelPath     string  `yaml:"model_path"`
	AllowDegraded bool    `yaml:"allow_degraded"` // run without VAD when the model is missing
	Threshold     float32 `yaml:"threshold"`
	MinSpeechMS   int     `yaml:"min_speech_ms"`
	MinSilenceMS  int     `yaml:"min_silence_ms"`
	PaddingMS     int     `yaml:"padding_ms"`
}

// GainConfig contains gain controller configuration
type GainConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Mode           string  `yaml:"mode"`
	TargetPeakDBFS float64 `yaml:"target_peak_dbfs"`
	TargetRMSDBFS  float64 `yaml:"target_rms_dbfs"`
	MaxGainDB      float64 `yaml:"max_gain_db"`
}

// TranscriptionConfig selects the backend and bounds dispatch
type TranscriptionConfig struct {
	Provider      string                        `yaml:"provider"`
	Model         string                        `yaml:"model"` // empty selects the provider default
	Language      string                        `yaml:"language"`
	Granularity   string                        `yaml:"granularity"`
	Timeout       int                           `yaml:"timeout"` // seconds
	MaxConcurrent int                           `yaml:"max_concurrent"`
	Rates         map[string]transcription.Rate `yaml:"rates"`
}

// BackendConfig holds credentials and endpoint overrides of one backend
type BackendConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// RetryConfig bounds dispatch retries
type RetryConfig struct {
	MaxAttempts         int     `yaml:"max_attempts"`
	InitialInterval     float64 `yaml:"initial_interval"` // seconds
	MaxInterval         float64 `yaml:"max_interval"`     // seconds
	Multiplier          float64 `yaml:"multiplier"`
	RandomizationFactor float64 `yaml:"randomization_factor"`
}

// PromptConfig contains the base instruction and default layers
type PromptConfig struct {
	Base   string         `yaml:"base"` // empty selects the foundation cleanup prompt
	Layers []string       `yaml:"layers"`
	Custom []prompt.Layer `yaml:"custom"`
}

// ArchiveConfig contains result archive configuration
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// BatchConfig contains batch runner configuration
type BatchConfig struct {
	Concurrency int `yaml:"concurrency"`
	EventBuffer int `yaml:"event_buffer"`
}

// HTTPConfig contains the status server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// CredentialEnv maps backend names to the environment variables holding their keys
var CredentialEnv = map[string]string{
	transcription.ProviderOpenRouter: "OPENROUTER_API_KEY",
	transcription.ProviderGemini:     "GEMINI_API_KEY",
	transcription.ProviderOpenAI:     "OPENAI_API_KEY",
	transcription.ProviderMistral:    "MISTRAL_API_KEY",
}

// Default returns the configuration used when no file is given
func Default() *Config {
	vadDefaults := vad.DefaultConfig()
	gainDefaults := audio.DefaultGainConfig()
	retryDefaults := pipeline.DefaultRetryPolicy()

	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		VAD: VADConfig{
			Enabled:       true,
			ModelPath:     vad.DefaultModelPath,
			AllowDegraded: false,
			Threshold:     vadDefaults.Threshold,
			MinSpeechMS:   int(vadDefaults.MinSpeech / time.Millisecond),
			MinSilenceMS:  int(vadDefaults.MinSilence / time.Millisecond),
			PaddingMS:     int(vadDefaults.Padding / time.Millisecond),
		},
		Gain: GainConfig{
			Enabled:        true,
			Mode:           string(gainDefaults.Mode),
			TargetPeakDBFS: gainDefaults.TargetPeakDBFS,
			TargetRMSDBFS:  gainDefaults.TargetRMSDBFS,
			MaxGainDB:      gainDefaults.MaxGainDB,
		},
		Transcription: TranscriptionConfig{
			Provider:      transcription.ProviderOpenRouter,
			Timeout:       int(transcription.DefaultTimeout / time.Second),
			MaxConcurrent: transcription.DefaultMaxConcurrent,
		},
		Backends: make(map[string]BackendConfig),
		Retry: RetryConfig{
			MaxAttempts:         retryDefaults.MaxAttempts,
			InitialInterval:     retryDefaults.InitialInterval.Seconds(),
			MaxInterval:         retryDefaults.MaxInterval.Seconds(),
			Multiplier:          retryDefaults.Multiplier,
			RandomizationFactor: retryDefaults.RandomizationFactor,
		},
		Archive: ArchiveConfig{
			Enabled: true,
			Dir:     "./archive",
		},
		Batch: BatchConfig{
			Concurrency: pipeline.DefaultBatchLimit,
			EventBuffer: 64,
		},
		HTTP: HTTPConfig{
			Port:    9090,
			Address: "127.0.0.1",
			Enabled: false,
		},
	}
}

// Load reads and parses the configuration file. Keys absent from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if config.Backends == nil {
		config.Backends = make(map[string]BackendConfig)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv fills empty backend keys from the process environment, then from
// the dotenv file if it exists. Keys set in the config file win.
func (c *Config) ApplyEnv(dotenvPath string) error {
	fileEnv := map[string]string{}
	if dotenvPath != "" {
		values, err := godotenv.Read(dotenvPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to read env file %s: %w", dotenvPath, err)
		}
		if values != nil {
			fileEnv = values
		}
	}

	if c.Backends == nil {
		c.Backends = make(map[string]BackendConfig)
	}
	for provider, key := range CredentialEnv {
		backend := c.Backends[provider]
		if backend.APIKey != "" {
			continue
		}
		if v, ok := os.LookupEnv(key); ok && v != "" {
			backend.APIKey = v
		} else if v := fileEnv[key]; v != "" {
			backend.APIKey = v
		} else {
			continue
		}
		c.Backends[provider] = backend
	}
	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Gain.Validate(); err != nil {
		return fmt.Errorf("gain config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	for name := range c.Backends {
		if _, ok := transcription.Models[name]; !ok {
			return fmt.Errorf("backends config: unknown backend '%s'", name)
		}
	}

	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry config: %w", err)
	}

	if _, err := c.Prompt.Library(); err != nil {
		return fmt.Errorf("prompt config: %w", err)
	}

	if c.Archive.Enabled && c.Archive.Dir == "" {
		return fmt.Errorf("archive config: dir cannot be empty when the archive is enabled")
	}

	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("batch config: concurrency must be at least 1, got %d", c.Batch.Concurrency)
	}
	if c.Batch.EventBuffer < 0 {
		return fmt.Errorf("batch config: event_buffer cannot be negative, got %d", c.Batch.EventBuffer)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Enabled && v.ModelPath == "" {
		return fmt.Errorf("model_path cannot be empty when VAD is enabled")
	}
	return v.Segmenter().Validate()
}

// Validate validates gain configuration
func (g *GainConfig) Validate() error {
	switch audio.GainMode(g.Mode) {
	case audio.GainPeak, audio.GainRMS:
	default:
		return fmt.Errorf("mode must be 'peak' or 'rms', got '%s'", g.Mode)
	}

	if g.TargetPeakDBFS > 0 || g.TargetRMSDBFS > 0 {
		return fmt.Errorf("targets must be at or below 0 dBFS, got peak %f rms %f", g.TargetPeakDBFS, g.TargetRMSDBFS)
	}

	if g.MaxGainDB < 0 {
		return fmt.Errorf("max_gain_db cannot be negative, got %f", g.MaxGainDB)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if _, ok := transcription.Models[t.Provider]; !ok {
		return fmt.Errorf("provider must be one of %v, got '%s'", transcription.ProviderNames(), t.Provider)
	}

	switch transcription.Granularity(t.Granularity) {
	case transcription.GranularityNone, transcription.GranularitySegment, transcription.GranularityWord:
	default:
		return fmt.Errorf("granularity must be '', 'segment' or 'word', got '%s'", t.Granularity)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	for model, rate := range t.Rates {
		if rate.InputPerMillion < 0 || rate.OutputPerMillion < 0 || rate.PerMinute < 0 {
			return fmt.Errorf("rate for '%s' cannot be negative", model)
		}
	}

	return nil
}

// Validate validates retry configuration
func (r *RetryConfig) Validate() error {
	return r.Policy().Validate()
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// GetModel returns the configured model or the provider default
func (t *TranscriptionConfig) GetModel() string {
	if t.Model != "" {
		return t.Model
	}
	return transcription.DefaultModel(t.Provider)
}

// GetTimeoutDuration returns the dispatch timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetMinSpeechDuration returns the minimum speech duration as a time.Duration
func (v *VADConfig) GetMinSpeechDuration() time.Duration {
	return time.Duration(v.MinSpeechMS) * time.Millisecond
}

// GetMinSilenceDuration returns the minimum silence duration as a time.Duration
func (v *VADConfig) GetMinSilenceDuration() time.Duration {
	return time.Duration(v.MinSilenceMS) * time.Millisecond
}

// GetPaddingDuration returns the speech padding as a time.Duration
func (v *VADConfig) GetPaddingDuration() time.Duration {
	return time.Duration(v.PaddingMS) * time.Millisecond
}

// Segmenter converts the section to segmenter settings
func (v *VADConfig) Segmenter() vad.Config {
	return vad.Config{
		Threshold:  v.Threshold,
		MinSpeech:  v.GetMinSpeechDuration(),
		MinSilence: v.GetMinSilenceDuration(),
		Padding:    v.GetPaddingDuration(),
	}
}

// Controller converts the section to gain controller settings
func (g *GainConfig) Controller() audio.GainConfig {
	return audio.GainConfig{
		Mode:           audio.GainMode(g.Mode),
		TargetPeakDBFS: g.TargetPeakDBFS,
		TargetRMSDBFS:  g.TargetRMSDBFS,
		MaxGainDB:      g.MaxGainDB,
	}
}

// Policy converts the section to a retry policy
func (r *RetryConfig) Policy() pipeline.RetryPolicy {
	return pipeline.RetryPolicy{
		MaxAttempts:         r.MaxAttempts,
		InitialInterval:     time.Duration(r.InitialInterval * float64(time.Second)),
		MaxInterval:         time.Duration(r.MaxInterval * float64(time.Second)),
		Multiplier:          r.Multiplier,
		RandomizationFactor: r.RandomizationFactor,
	}
}

// Library builds the layer library including the custom layers
func (p *PromptConfig) Library() (*prompt.Library, error) {
	lib, err := prompt.NewLibrary(p.Custom...)
	if err != nil {
		return nil, err
	}
	if _, err := lib.Resolve(p.Layers); err != nil {
		return nil, err
	}
	return lib, nil
}

// JobOptions returns the per-job stage options
func (c *Config) JobOptions() pipeline.Options {
	return pipeline.Options{
		VADEnabled:    c.VAD.Enabled,
		GainEnabled:   c.Gain.Enabled,
		AllowDegraded: c.VAD.AllowDegraded,
		VAD:           c.VAD.Segmenter(),
		Gain:          c.Gain.Controller(),
		Language:      c.Transcription.Language,
		Granularity:   transcription.Granularity(c.Transcription.Granularity),
	}
}

// DispatcherConfig returns the dispatcher settings
func (c *Config) DispatcherConfig() transcription.Config {
	return transcription.Config{
		Timeout:       c.Transcription.GetTimeoutDuration(),
		MaxConcurrent: c.Transcription.MaxConcurrent,
		Rates:         transcription.NewRateTable(c.Transcription.Rates),
	}
}

// Backend returns the client settings of a backend
func (c *Config) Backend(name string) transcription.BackendConfig {
	b := c.Backends[name]
	return transcription.BackendConfig{BaseURL: b.BaseURL, APIKey: b.APIKey}
}
