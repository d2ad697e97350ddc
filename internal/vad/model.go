package vad

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/skypro1111/voicenote-pipeline/internal/audio"
	"github.com/skypro1111/voicenote-pipeline/internal/failure"
)

const (
	WindowSize       = 512 // samples per classified window, 32ms at 16kHz
	DefaultModelPath = "./models/vad-energy.yaml"
)

// Classifier scores a window of normalized samples with the probability
// that it contains speech. floor is the background level of the whole
// buffer in dBFS, as estimated by the segmenter. Implementations must be
// safe for concurrent use.
type Classifier interface {
	SpeechProbability(window []int16, floor float64) float32
}

// EnergyModel is a logistic classifier over window level and zero-crossing
// rate. Level is scored twice, once in absolute dBFS and once as dB above
// the buffer's noise floor, and the stronger score wins, so quiet speech
// from a low-sensitivity microphone still stands out from its background.
// Parameters are loaded from a YAML asset and never change after loading.
type EnergyModel struct {
	Name          string  `yaml:"name"`
	Version       string  `yaml:"version"`
	SampleRate    int     `yaml:"sample_rate"`
	WindowSize    int     `yaml:"window_size"`
	LevelWeight   float64 `yaml:"level_weight"`        // logit per dB above the midpoint
	LevelMidpoint float64 `yaml:"level_midpoint_dbfs"` // level at which loudness alone gives p=0.5
	SNRWeight     float64 `yaml:"snr_weight"`          // logit per dB above the noise floor; 0 disables
	SNRMidpoint   float64 `yaml:"snr_midpoint_db"`
	ZCRWeight     float64 `yaml:"zcr_weight"`
	ZCRMidpoint   float64 `yaml:"zcr_midpoint"`
	Bias          float64 `yaml:"bias"`
}

// DefaultEnergyModel returns the parameters shipped in models/vad-energy.yaml
func DefaultEnergyModel() *EnergyModel {
	return &EnergyModel{
		Name:          "energy-zcr",
		Version:       "2",
		SampleRate:    audio.TargetSampleRate,
		WindowSize:    WindowSize,
		LevelWeight:   0.35,
		LevelMidpoint: -42,
		SNRWeight:     0.5,
		SNRMidpoint:   12,
		ZCRWeight:     -2,
		ZCRMidpoint:   0.25,
	}
}

// Validate checks that the model matches the segmenter's framing
func (m *EnergyModel) Validate() error {
	if m.SampleRate != audio.TargetSampleRate {
		return fmt.Errorf("model sample rate %d, expected %d", m.SampleRate, audio.TargetSampleRate)
	}
	if m.WindowSize != WindowSize {
		return fmt.Errorf("model window size %d, expected %d", m.WindowSize, WindowSize)
	}
	if m.LevelWeight <= 0 {
		return fmt.Errorf("level_weight must be positive, got %f", m.LevelWeight)
	}
	if m.SNRWeight < 0 {
		return fmt.Errorf("snr_weight must not be negative, got %f", m.SNRWeight)
	}
	return nil
}

// SpeechProbability implements Classifier
func (m *EnergyModel) SpeechProbability(window []int16, floor float64) float32 {
	if len(window) == 0 {
		return 0
	}

	level := audio.LevelToDBFS(audio.RMS(window, nil))
	voicing := m.ZCRWeight * (zcr(window) - m.ZCRMidpoint)

	logit := m.Bias + m.LevelWeight*(level-m.LevelMidpoint) + voicing
	if m.SNRWeight > 0 {
		relative := m.Bias + m.SNRWeight*(level-floor-m.SNRMidpoint) + voicing
		logit = math.Max(logit, relative)
	}

	return float32(1 / (1 + math.Exp(-logit)))
}

// zcr returns the fraction of adjacent sample pairs that change sign
func zcr(window []int16) float64 {
	if len(window) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(window); i++ {
		if (window[i-1] >= 0) != (window[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(window)-1)
}

// LoadModel reads a classifier asset from disk. A missing or unreadable
// asset is reported as ModelUnavailable so callers can offer a download and
// fall back to running without VAD.
func LoadModel(path string) (*EnergyModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &failure.Error{
				Kind:   failure.ModelUnavailable,
				Op:     "load vad model",
				Detail: fmt.Sprintf("model asset not found at %s", path),
				Err:    err,
			}
		}
		return nil, failure.Wrap(failure.ModelUnavailable, "load vad model", err)
	}

	var model EnergyModel
	if err := yaml.Unmarshal(data, &model); err != nil {
		return nil, failure.Wrap(failure.ModelUnavailable, "load vad model",
			fmt.Errorf("failed to parse model asset: %w", err))
	}

	if err := model.Validate(); err != nil {
		return nil, failure.Wrap(failure.ModelUnavailable, "load vad model",
			fmt.Errorf("invalid model asset: %w", err))
	}

	return &model, nil
}

// Shared models, keyed by asset path. Entries are written once and only
// read afterwards; failed loads are not stored so a retry after the asset
// is installed succeeds.
var (
	sharedMu     sync.Mutex
	sharedModels = make(map[string]*EnergyModel)
)

// LoadShared returns the process-wide model for path, loading it on first use
func LoadShared(path string) (*EnergyModel, error) {
	key, err := filepath.Abs(path)
	if err != nil {
		key = path
	}

	sharedMu.Lock()
	defer sharedMu.Unlock()

	if model, ok := sharedModels[key]; ok {
		return model, nil
	}

	model, err := LoadModel(path)
	if err != nil {
		return nil, err
	}
	sharedModels[key] = model
	return model, nil
}

// InstallModel writes the default model asset to path, creating parent
// directories. It is the local equivalent of downloading a model.
func InstallModel(path string) error {
	data, err := yaml.Marshal(DefaultEnergyModel())
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write model asset: %w", err)
	}
	return nil
}
