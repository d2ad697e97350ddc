package vad

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"github.com/skypro1111/voicenote-pipeline/internal/audio"
	"github.com/skypro1111/voicenote-pipeline/internal/failure"
)

// Config controls segmentation
type Config struct {
	Threshold  float32       // probability >= threshold is speech
	MinSpeech  time.Duration // shorter runs are dropped
	MinSilence time.Duration // shorter pauses are bridged
	Padding    time.Duration // added to both sides of each run
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		Threshold:  0.5,
		MinSpeech:  250 * time.Millisecond,
		MinSilence: 100 * time.Millisecond,
		Padding:    30 * time.Millisecond,
	}
}

// Validate checks the configuration ranges
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", c.Threshold)
	}
	if c.MinSpeech < 0 {
		return fmt.Errorf("min_speech must not be negative, got %v", c.MinSpeech)
	}
	if c.MinSilence < 0 {
		return fmt.Errorf("min_silence must not be negative, got %v", c.MinSilence)
	}
	if c.Padding < 0 {
		return fmt.Errorf("padding must not be negative, got %v", c.Padding)
	}
	return nil
}

// SpeechWindow is a retained region [Start, End) in samples
type SpeechWindow struct {
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float32 `json:"confidence"` // mean probability of the speech windows inside
}

// Span converts the window to an audio span
func (w SpeechWindow) Span() audio.Span {
	return audio.Span{Start: w.Start, End: w.End}
}

// Len returns the number of samples covered
func (w SpeechWindow) Len() int {
	return w.End - w.Start
}

const (
	floorPercentile = 0.1   // share of windows assumed to be background
	minNoiseFloor   = -70.0 // dBFS; quieter backgrounds are treated as this level
)

// SegmentationResult is the outcome of one segmentation pass. Windows are
// disjoint and sorted by Start.
type SegmentationResult struct {
	Windows           []SpeechWindow `json:"windows"`
	SampleRate        int            `json:"sample_rate"`
	OriginalSamples   int            `json:"original_samples"`
	RetainedSamples   int            `json:"retained_samples"`
	ClassifiedWindows int            `json:"classified_windows"`
	SpeechWindows     int            `json:"speech_windows"`
	NoiseFloorDBFS    float64        `json:"noise_floor_dbfs"`
}

// Empty reports whether nothing was retained
func (r *SegmentationResult) Empty() bool {
	return r == nil || len(r.Windows) == 0
}

// OriginalDuration returns the duration of the segmented buffer
func (r *SegmentationResult) OriginalDuration() time.Duration {
	return audio.SamplesToDuration(r.OriginalSamples, r.SampleRate)
}

// RetainedDuration returns the duration kept as speech
func (r *SegmentationResult) RetainedDuration() time.Duration {
	return audio.SamplesToDuration(r.RetainedSamples, r.SampleRate)
}

// RetainedRatio returns retained/original, 0 for an empty buffer
func (r *SegmentationResult) RetainedRatio() float64 {
	if r.OriginalSamples == 0 {
		return 0
	}
	return float64(r.RetainedSamples) / float64(r.OriginalSamples)
}

// Spans returns the retained windows as audio spans
func (r *SegmentationResult) Spans() []audio.Span {
	spans := make([]audio.Span, len(r.Windows))
	for i, w := range r.Windows {
		spans[i] = w.Span()
	}
	return spans
}

// SegmenterStats represents segmenter statistics for monitoring
type SegmenterStats struct {
	Passes           uint64  `json:"passes"`
	TotalWindows     uint64  `json:"total_windows"`
	SpeechWindows    uint64  `json:"speech_windows"`
	SpeechPercentage float64 `json:"speech_percentage"`
}

// Segmenter classifies and segments buffers. It holds no per-call state and
// may be shared between jobs.
type Segmenter struct {
	classifier Classifier
	logger     *slog.Logger

	passes        atomic.Uint64
	totalWindows  atomic.Uint64
	speechWindows atomic.Uint64
}

// NewSegmenter creates a segmenter around a loaded classifier
func NewSegmenter(classifier Classifier, logger *slog.Logger) *Segmenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{
		classifier: classifier,
		logger:     logger,
	}
}

// run is a span of consecutive speech windows, in samples
type run struct {
	start, end int
	probSum    float64
	probCount  int
}

// Segment finds the speech regions of a normalized buffer
func (s *Segmenter) Segment(buf *audio.Buffer, cfg Config) (*SegmentationResult, error) {
	if err := buf.CheckNormalized(); err != nil {
		return nil, failure.Wrap(failure.UnsupportedFormat, "segment", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vad config: %w", err)
	}

	total := len(buf.Samples)
	result := &SegmentationResult{
		Windows:         []SpeechWindow{},
		SampleRate:      buf.SampleRate,
		OriginalSamples: total,
	}
	if total == 0 {
		return result, nil
	}

	floor := NoiseFloor(buf.Samples)
	result.NoiseFloorDBFS = floor

	// Classify every window, including a trailing partial one
	var runs []run
	var current *run
	for start := 0; start < total; start += WindowSize {
		end := min(start+WindowSize, total)
		prob := s.classifier.SpeechProbability(buf.Samples[start:end], floor)
		result.ClassifiedWindows++

		if prob >= cfg.Threshold {
			result.SpeechWindows++
			if current == nil {
				runs = append(runs, run{start: start})
				current = &runs[len(runs)-1]
			}
			current.end = end
			current.probSum += float64(prob)
			current.probCount++
		} else {
			current = nil
		}
	}

	s.passes.Add(1)
	s.totalWindows.Add(uint64(result.ClassifiedWindows))
	s.speechWindows.Add(uint64(result.SpeechWindows))

	minSilence := audio.DurationToSamples(cfg.MinSilence, buf.SampleRate)
	minSpeech := audio.DurationToSamples(cfg.MinSpeech, buf.SampleRate)
	padding := audio.DurationToSamples(cfg.Padding, buf.SampleRate)

	for i := range runs {
		refineEdges(buf.Samples, &runs[i], floor)
	}
	runs = bridgeGaps(runs, minSilence)
	runs = dropShort(runs, minSpeech)
	runs = padAndMerge(runs, padding, total)

	for _, r := range runs {
		w := SpeechWindow{Start: r.start, End: r.end}
		if r.probCount > 0 {
			w.Confidence = float32(r.probSum / float64(r.probCount))
		}
		result.Windows = append(result.Windows, w)
		result.RetainedSamples += w.Len()
	}

	s.logger.Debug("Segmented buffer",
		slog.Float64("noise_floor_dbfs", floor),
		slog.Int("classified_windows", result.ClassifiedWindows),
		slog.Int("speech_windows", result.SpeechWindows),
		slog.Int("regions", len(result.Windows)),
		slog.Duration("original", result.OriginalDuration()),
		slog.Duration("retained", result.RetainedDuration()))

	return result, nil
}

// NoiseFloor estimates the background level of samples in dBFS as a low
// percentile of the per-window levels, never below minNoiseFloor
func NoiseFloor(samples []int16) float64 {
	if len(samples) == 0 {
		return minNoiseFloor
	}
	levels := make([]float64, 0, (len(samples)+WindowSize-1)/WindowSize)
	for start := 0; start < len(samples); start += WindowSize {
		end := min(start+WindowSize, len(samples))
		levels = append(levels, audio.LevelToDBFS(audio.RMS(samples[start:end], nil)))
	}
	slices.Sort(levels)
	return math.Max(minNoiseFloor, levels[int(floorPercentile*float64(len(levels)-1))])
}

// refineEdges moves the run's start and end inward to the first and last
// sample of its edge windows that reaches the onset level. Runs are built
// from whole windows; an onset inside a window would otherwise widen the
// region by up to a window on each side before padding.
func refineEdges(samples []int16, r *run, floor float64) {
	level := audio.RMS(samples[r.start:r.end], nil)
	onset := math.Min(math.Sqrt(level*audio.DBFSToLevel(floor)), level/4)
	if onset <= 0 {
		return
	}

	loud := func(i int) bool { return math.Abs(float64(samples[i])) >= onset }

	for i := r.start; i < min(r.start+WindowSize, r.end); i++ {
		if loud(i) {
			r.start = i
			break
		}
	}
	for i := r.end - 1; i >= max(r.end-WindowSize, r.start); i-- {
		if loud(i) {
			r.end = i + 1
			break
		}
	}
}

// bridgeGaps joins runs separated by fewer than minSilence samples
func bridgeGaps(runs []run, minSilence int) []run {
	if len(runs) < 2 {
		return runs
	}
	out := []run{runs[0]}
	for _, r := range runs[1:] {
		last := &out[len(out)-1]
		if r.start-last.end < minSilence {
			last.end = r.end
			last.probSum += r.probSum
			last.probCount += r.probCount
			continue
		}
		out = append(out, r)
	}
	return out
}

// dropShort removes runs shorter than minSpeech samples
func dropShort(runs []run, minSpeech int) []run {
	out := runs[:0]
	for _, r := range runs {
		if r.end-r.start >= minSpeech {
			out = append(out, r)
		}
	}
	return out
}

// padAndMerge extends each run by padding on both sides, clipped to
// [0, total), and merges runs that then overlap or touch
func padAndMerge(runs []run, padding, total int) []run {
	var out []run
	for _, r := range runs {
		r.start = max(0, r.start-padding)
		r.end = min(total, r.end+padding)

		if n := len(out); n > 0 && r.start <= out[n-1].end {
			last := &out[n-1]
			last.end = max(last.end, r.end)
			last.probSum += r.probSum
			last.probCount += r.probCount
			continue
		}
		out = append(out, r)
	}
	return out
}

// GetStats returns cumulative segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	total := s.totalWindows.Load()
	speech := s.speechWindows.Load()

	percentage := float64(0)
	if total > 0 {
		percentage = float64(speech) / float64(total) * 100
	}

	return SegmenterStats{
		Passes:           s.passes.Load(),
		TotalWindows:     total,
		SpeechWindows:    speech,
		SpeechPercentage: percentage,
	}
}

// Extract concatenates the retained regions of buf into a new buffer
func Extract(buf *audio.Buffer, result *SegmentationResult) *audio.Buffer {
	if result.Empty() {
		return audio.NewBuffer([]int16{}, buf.SampleRate)
	}
	return buf.Slice(result.Spans())
}
