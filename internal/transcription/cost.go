package transcription

import (
	"strings"
	"time"
)

// Rate prices a model. Token rates are USD per million tokens; PerMinute is
// USD per minute of submitted audio and is used when the backend reports no
// token usage or the model has no token rates.
type Rate struct {
	InputPerMillion  float64 `yaml:"input_per_million" json:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million" json:"output_per_million"`
	PerMinute        float64 `yaml:"per_minute" json:"per_minute"`
}

func (r Rate) hasTokenRates() bool {
	return r.InputPerMillion > 0 || r.OutputPerMillion > 0
}

// DefaultRates returns list prices for the catalogued models
func DefaultRates() map[string]Rate {
	return map[string]Rate{
		// Gemini, audio input pricing
		"gemini-flash-latest":       {InputPerMillion: 1.00, OutputPerMillion: 2.50},
		"gemini-2.5-flash":          {InputPerMillion: 1.00, OutputPerMillion: 2.50},
		"gemini-2.5-flash-lite":     {InputPerMillion: 0.30, OutputPerMillion: 0.40},
		"gemini-2.5-pro":            {InputPerMillion: 1.25, OutputPerMillion: 10.00},
		"gemini-2.0-flash-001":      {InputPerMillion: 0.70, OutputPerMillion: 0.40},
		"gemini-2.0-flash-lite-001": {InputPerMillion: 0.075, OutputPerMillion: 0.30},

		// OpenAI audio chat models
		"gpt-4o-audio-preview":      {InputPerMillion: 40.00, OutputPerMillion: 10.00},
		"gpt-4o-mini-audio-preview": {InputPerMillion: 10.00, OutputPerMillion: 0.60},
		"gpt-audio":                 {InputPerMillion: 32.00, OutputPerMillion: 10.00},
		"gpt-audio-mini":            {InputPerMillion: 10.00, OutputPerMillion: 2.40},

		// OpenAI transcription endpoint
		"whisper-1":              {PerMinute: 0.006},
		"gpt-4o-transcribe":      {PerMinute: 0.006},
		"gpt-4o-mini-transcribe": {PerMinute: 0.003},

		// Mistral
		"voxtral-small-latest":   {PerMinute: 0.004},
		"voxtral-mini-latest":    {PerMinute: 0.001},
		"voxtral-small-24b-2507": {PerMinute: 0.004},
	}
}

// RateTable resolves model identifiers to prices
type RateTable struct {
	rates map[string]Rate
}

// NewRateTable merges overrides over DefaultRates
func NewRateTable(overrides map[string]Rate) *RateTable {
	rates := DefaultRates()
	for model, rate := range overrides {
		rates[model] = rate
	}
	return &RateTable{rates: rates}
}

// Lookup finds the rate for model, falling back from "vendor/model" to "model"
func (t *RateTable) Lookup(model string) (Rate, bool) {
	if t == nil {
		return Rate{}, false
	}
	if r, ok := t.rates[model]; ok {
		return r, true
	}
	if i := strings.LastIndex(model, "/"); i >= 0 {
		r, ok := t.rates[model[i+1:]]
		return r, ok
	}
	return Rate{}, false
}

// Estimate prices a call. Token usage is preferred; per-minute pricing applies
// when no tokens were reported or the model has no token rates. It returns
// false when the model is unknown or nothing could be priced.
func (t *RateTable) Estimate(model string, inputTokens, outputTokens int, audio time.Duration) (float64, bool) {
	rate, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}

	if rate.hasTokenRates() && inputTokens+outputTokens > 0 {
		cost := float64(inputTokens)*rate.InputPerMillion/1e6 +
			float64(outputTokens)*rate.OutputPerMillion/1e6
		return cost, true
	}
	if rate.PerMinute > 0 && audio > 0 {
		return audio.Minutes() * rate.PerMinute, true
	}
	return 0, false
}

// CostTotals accumulates spend with reported and estimated amounts kept
// apart. Calls that could not be priced are only counted.
type CostTotals struct {
	ReportedCost   float64 `json:"reported_cost"`
	EstimatedCost  float64 `json:"estimated_cost"`
	ReportedCalls  int     `json:"reported_calls"`
	EstimatedCalls int     `json:"estimated_calls"`
	UnpricedCalls  int     `json:"unpriced_calls"`
}

// Add records one call's cost under its source
func (c *CostTotals) Add(source CostSource, cost float64) {
	switch source {
	case CostReported:
		c.ReportedCost += cost
		c.ReportedCalls++
	case CostEstimated:
		c.EstimatedCost += cost
		c.EstimatedCalls++
	default:
		c.UnpricedCalls++
	}
}

// Merge adds other into c
func (c *CostTotals) Merge(other CostTotals) {
	c.ReportedCost += other.ReportedCost
	c.EstimatedCost += other.EstimatedCost
	c.ReportedCalls += other.ReportedCalls
	c.EstimatedCalls += other.EstimatedCalls
	c.UnpricedCalls += other.UnpricedCalls
}
