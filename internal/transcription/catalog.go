package transcription

import (
	"fmt"
	"sort"
)

// Models lists the catalogued model identifiers per backend
var Models = map[string][]string{
	ProviderOpenRouter: {
		"google/gemini-2.5-flash",
		"google/gemini-2.5-flash-lite",
		"google/gemini-2.0-flash-001",
		"google/gemini-2.0-flash-lite-001",
		"openai/gpt-4o-audio-preview",
		"mistralai/voxtral-small-24b-2507",
	},
	ProviderGemini: {
		"gemini-flash-latest",
		"gemini-2.5-flash",
		"gemini-2.5-flash-lite",
		"gemini-2.5-pro",
	},
	ProviderOpenAI: {
		"gpt-4o-audio-preview",
		"gpt-4o-mini-audio-preview",
		"gpt-audio",
		"gpt-audio-mini",
		"whisper-1",
		"gpt-4o-transcribe",
		"gpt-4o-mini-transcribe",
	},
	ProviderMistral: {
		"voxtral-small-latest",
		"voxtral-mini-latest",
	},
}

// DefaultModel returns the model used when a job names none
func DefaultModel(provider string) string {
	if models := Models[provider]; len(models) > 0 {
		return models[0]
	}
	return ""
}

// ProviderNames returns the known backend names, sorted
func ProviderNames() []string {
	names := make([]string, 0, len(Models))
	for name := range Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewProvider constructs a backend by name
func NewProvider(name string, cfg BackendConfig) (Provider, error) {
	switch name {
	case ProviderOpenRouter:
		return NewOpenRouter(cfg), nil
	case ProviderGemini:
		return NewGemini(cfg), nil
	case ProviderOpenAI:
		return NewOpenAI(cfg), nil
	case ProviderMistral:
		return NewMistral(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
