package archive

import (
	"fmt"
	"sort"
	"time"

	"github.com/skypro1111/voicenote-pipeline/internal/pipeline"
	"github.com/skypro1111/voicenote-pipeline/internal/transcription"
)

// Named windows accepted by ParseWindow
const (
	WindowAll       = "all"
	WindowLast60Min = "last-60m"
	WindowThisHour  = "this-hour"
	WindowLastHour  = "last-hour"
	WindowToday     = "today"
	WindowThisWeek  = "this-week"
	WindowThisMonth = "this-month"
)

// Window selects records by timestamp, Since inclusive and Until exclusive.
// A zero bound is open.
type Window struct {
	Name  string    `json:"name,omitempty"`
	Since time.Time `json:"since,omitzero"`
	Until time.Time `json:"until,omitzero"`
}

// Contains reports whether t falls inside the window
func (w Window) Contains(t time.Time) bool {
	if !w.Since.IsZero() && t.Before(w.Since) {
		return false
	}
	if !w.Until.IsZero() && !t.Before(w.Until) {
		return false
	}
	return true
}

// ParseWindow resolves a named window against now. Calendar windows start
// at midnight, the hour or Monday in now's location.
func ParseWindow(name string, now time.Time) (Window, error) {
	hour := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	w := Window{Name: name}
	switch name {
	case "", WindowAll:
		w.Name = WindowAll
	case WindowLast60Min:
		w.Since = now.Add(-time.Hour)
	case WindowThisHour:
		w.Since = hour
	case WindowLastHour:
		w.Since = hour.Add(-time.Hour)
		w.Until = hour
	case WindowToday:
		w.Since = midnight
	case WindowThisWeek:
		daysSinceMonday := (int(now.Weekday()) + 6) % 7
		w.Since = midnight.AddDate(0, 0, -daysSinceMonday)
	case WindowThisMonth:
		w.Since = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	default:
		return Window{}, fmt.Errorf("unknown window %q", name)
	}
	return w, nil
}

// GroupStats aggregates the records of one provider or provider/model pair
type GroupStats struct {
	Provider       string                   `json:"provider"`
	Model          string                   `json:"model,omitempty"`
	Count          int                      `json:"count"`
	InputTokens    int                      `json:"input_tokens"`
	OutputTokens   int                      `json:"output_tokens"`
	Costs          transcription.CostTotals `json:"costs"`
	AvgInferenceMS float64                  `json:"avg_inference_ms"`
	AvgCharsPerSec float64                  `json:"avg_chars_per_sec"`
	AvgAudioSec    float64                  `json:"avg_audio_seconds"`

	timed       int
	inferenceMS int64
	timedChars  int
	audioSec    float64
}

func (g *GroupStats) add(r *Record) {
	g.Count++
	g.InputTokens += r.InputTokens
	g.OutputTokens += r.OutputTokens
	g.audioSec += r.AudioDurationSeconds
	addCost(&g.Costs, r)
	if r.InferenceTimeMS > 0 {
		g.timed++
		g.inferenceMS += r.InferenceTimeMS
		g.timedChars += r.TextLength
	}
}

func (g *GroupStats) finish() {
	if g.Count > 0 {
		g.AvgAudioSec = g.audioSec / float64(g.Count)
	}
	if g.timed > 0 {
		g.AvgInferenceMS = float64(g.inferenceMS) / float64(g.timed)
		g.AvgCharsPerSec = float64(g.timedChars) * 1000 / float64(g.inferenceMS)
	}
}

// Stats summarizes the records inside a window
type Stats struct {
	Window         Window                   `json:"window"`
	Records        int                      `json:"records"`
	Completed      int                      `json:"completed"`
	Failed         int                      `json:"failed"`
	InputTokens    int                      `json:"input_tokens"`
	OutputTokens   int                      `json:"output_tokens"`
	TotalChars     int                      `json:"total_chars"`
	TotalWords     int                      `json:"total_words"`
	TotalAudioSec  float64                  `json:"total_audio_seconds"`
	AvgInferenceMS float64                  `json:"avg_inference_ms"`
	Costs          transcription.CostTotals `json:"costs"`
	ByProvider     []GroupStats             `json:"by_provider"`
	ByModel        []GroupStats             `json:"by_model"`
}

// addCost counts a record's cost under its source. Records that never
// reached a backend carry no source and are not counted.
func addCost(c *transcription.CostTotals, r *Record) {
	if r.CostSource == "" {
		return
	}
	c.Add(transcription.CostSource(r.CostSource), r.Cost)
}

// GetStats summarizes the records whose timestamp falls inside w
func (s *Store) GetStats(w Window) (Stats, error) {
	records, err := s.List()
	if err != nil {
		return Stats{}, err
	}

	st := Stats{Window: w}
	providers := make(map[string]*GroupStats)
	models := make(map[[2]string]*GroupStats)

	var timed int
	var inferenceMS int64
	for _, r := range records {
		if !w.Contains(r.Timestamp) {
			continue
		}

		st.Records++
		switch r.State {
		case pipeline.Completed.String():
			st.Completed++
		case pipeline.Failed.String():
			st.Failed++
		}
		st.InputTokens += r.InputTokens
		st.OutputTokens += r.OutputTokens
		st.TotalChars += r.TextLength
		st.TotalWords += r.WordCount
		st.TotalAudioSec += r.AudioDurationSeconds
		addCost(&st.Costs, r)
		if r.InferenceTimeMS > 0 {
			timed++
			inferenceMS += r.InferenceTimeMS
		}

		p, ok := providers[r.Provider]
		if !ok {
			p = &GroupStats{Provider: r.Provider}
			providers[r.Provider] = p
		}
		p.add(r)

		key := [2]string{r.Provider, r.Model}
		m, ok := models[key]
		if !ok {
			m = &GroupStats{Provider: r.Provider, Model: r.Model}
			models[key] = m
		}
		m.add(r)
	}

	if timed > 0 {
		st.AvgInferenceMS = float64(inferenceMS) / float64(timed)
	}
	st.ByProvider = sortedGroups(providers)
	st.ByModel = sortedGroups(models)
	return st, nil
}

// sortedGroups finishes the groups and orders them by count, then name
func sortedGroups[K comparable](groups map[K]*GroupStats) []GroupStats {
	out := make([]GroupStats, 0, len(groups))
	for _, g := range groups {
		g.finish()
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}
