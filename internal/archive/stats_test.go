package archive

import (
	"math"
	"testing"
	"time"

	"github.com/skypro1111/voicenote-pipeline/internal/pipeline"
)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// saveAll stores results with distinct audio so each gets its own record
func saveAll(t *testing.T, store *Store, results ...*pipeline.Result) {
	t.Helper()
	for i, r := range results {
		r.Audio = []byte{byte(i), 'x'}
		r.JobID = string(rune('a' + i))
		if _, _, err := store.Save(r); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
}

func priced(provider, model, source string, cost float64) *pipeline.Result {
	r := sampleResult(nil)
	r.Provider = provider
	r.Model = model
	r.CostSource = source
	r.Cost = cost
	return r
}

func TestStatsKeepCostSourcesApart(t *testing.T) {
	store, err := NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	saveAll(t, store,
		priced("openrouter", "google/gemini-2.5-flash", "reported", 0.01),
		priced("gemini", "gemini-2.5-flash", "estimated", 0.02),
		priced("mistral", "voxtral-mini-latest", "unknown", 0),
	)

	stats, err := store.GetStats(Window{})
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}

	c := stats.Costs
	if !near(c.ReportedCost, 0.01) || c.ReportedCalls != 1 {
		t.Errorf("Expected reported $0.01 over 1 call, got %+v", c)
	}
	if !near(c.EstimatedCost, 0.02) || c.EstimatedCalls != 1 {
		t.Errorf("Expected estimated $0.02 over 1 call, got %+v", c)
	}
	if c.UnpricedCalls != 1 {
		t.Errorf("Expected 1 unpriced call, got %d", c.UnpricedCalls)
	}
}

func TestStatsGroupsByProviderAndModel(t *testing.T) {
	store, err := NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	fast := priced("openrouter", "google/gemini-2.5-flash", "reported", 0.001)
	fast.InferenceTimeMS = 1000
	fast.TextLength = 100
	fast.InputTokens = 200
	fast.OutputTokens = 20

	slow := priced("openrouter", "google/gemini-2.5-flash", "reported", 0.003)
	slow.InferenceTimeMS = 3000
	slow.TextLength = 100
	slow.InputTokens = 400
	slow.OutputTokens = 40

	other := priced("openrouter", "openai/gpt-4o-audio-preview", "estimated", 0.05)
	other.InferenceTimeMS = 2000
	other.TextLength = 50

	direct := priced("gemini", "gemini-2.5-flash", "estimated", 0.002)
	direct.InferenceTimeMS = 500
	direct.TextLength = 40

	saveAll(t, store, fast, slow, other, direct)

	stats, err := store.GetStats(Window{})
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}

	if len(stats.ByProvider) != 2 {
		t.Fatalf("Expected 2 provider groups, got %d", len(stats.ByProvider))
	}
	or := stats.ByProvider[0]
	if or.Provider != "openrouter" || or.Count != 3 {
		t.Fatalf("Expected openrouter with 3 records first, got %s with %d", or.Provider, or.Count)
	}
	if !near(or.Costs.ReportedCost, 0.004) || !near(or.Costs.EstimatedCost, 0.05) {
		t.Errorf("Expected openrouter reported 0.004 and estimated 0.05, got %+v", or.Costs)
	}

	if len(stats.ByModel) != 3 {
		t.Fatalf("Expected 3 model groups, got %d", len(stats.ByModel))
	}
	flash := stats.ByModel[0]
	if flash.Provider != "openrouter" || flash.Model != "google/gemini-2.5-flash" || flash.Count != 2 {
		t.Fatalf("Expected openrouter gemini-2.5-flash with 2 records first, got %+v", flash)
	}
	if !near(flash.AvgInferenceMS, 2000) {
		t.Errorf("Expected avg inference 2000ms, got %f", flash.AvgInferenceMS)
	}
	if !near(flash.AvgCharsPerSec, 50) {
		t.Errorf("Expected 50 chars/sec, got %f", flash.AvgCharsPerSec)
	}
	if flash.InputTokens != 600 || flash.OutputTokens != 60 {
		t.Errorf("Expected 600/60 tokens, got %d/%d", flash.InputTokens, flash.OutputTokens)
	}
	if !near(flash.AvgAudioSec, 3.2) {
		t.Errorf("Expected avg audio 3.2s, got %f", flash.AvgAudioSec)
	}

	if !near(stats.AvgInferenceMS, 1625) {
		t.Errorf("Expected overall avg inference 1625ms, got %f", stats.AvgInferenceMS)
	}
	if stats.InputTokens != 600 || stats.TotalChars != 290 {
		t.Errorf("Expected 600 input tokens and 290 chars, got %d and %d", stats.InputTokens, stats.TotalChars)
	}
}

func TestStatsWindow(t *testing.T) {
	store, err := NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	var results []*pipeline.Result
	for i, offset := range []time.Duration{-25 * time.Hour, -90 * time.Minute, -30 * time.Minute, 0} {
		r := priced("openrouter", "google/gemini-2.5-flash", "reported", float64(i+1))
		r.Timestamp = base.Add(offset)
		results = append(results, r)
	}
	saveAll(t, store, results...)

	tests := []struct {
		name    string
		window  Window
		records int
		cost    float64
	}{
		{"all", Window{}, 4, 10},
		{"since", Window{Since: base.Add(-time.Hour)}, 2, 7},
		{"until is exclusive", Window{Until: base}, 3, 6},
		{"bounded", Window{Since: base.Add(-2 * time.Hour), Until: base}, 2, 5},
		{"empty", Window{Since: base.Add(time.Hour)}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats, err := store.GetStats(tt.window)
			if err != nil {
				t.Fatalf("GetStats failed: %v", err)
			}
			if stats.Records != tt.records {
				t.Errorf("Expected %d records, got %d", tt.records, stats.Records)
			}
			if !near(stats.Costs.ReportedCost, tt.cost) {
				t.Errorf("Expected reported cost %f, got %f", tt.cost, stats.Costs.ReportedCost)
			}
		})
	}
}

func TestParseWindow(t *testing.T) {
	// Wednesday
	now := time.Date(2025, 3, 12, 14, 35, 10, 0, time.UTC)

	tests := []struct {
		name  string
		since time.Time
		until time.Time
	}{
		{WindowAll, time.Time{}, time.Time{}},
		{WindowLast60Min, time.Date(2025, 3, 12, 13, 35, 10, 0, time.UTC), time.Time{}},
		{WindowThisHour, time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC), time.Time{}},
		{WindowLastHour, time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC), time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC)},
		{WindowToday, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC), time.Time{}},
		{WindowThisWeek, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), time.Time{}},
		{WindowThisMonth, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := ParseWindow(tt.name, now)
			if err != nil {
				t.Fatalf("ParseWindow failed: %v", err)
			}
			if !w.Since.Equal(tt.since) || !w.Until.Equal(tt.until) {
				t.Errorf("Expected [%v, %v), got [%v, %v)", tt.since, tt.until, w.Since, w.Until)
			}
		})
	}

	if _, err := ParseWindow("fortnight", now); err == nil {
		t.Error("Expected error for unknown window")
	}
	if w, err := ParseWindow("", now); err != nil || w.Name != WindowAll {
		t.Errorf("Expected empty name to mean all, got %+v, %v", w, err)
	}
}
