package audio

import (
	"math"
)

// GainMode selects what level the gain controller measures
type GainMode string

const (
	GainPeak GainMode = "peak"
	GainRMS  GainMode = "rms"
)

const (
	fullScale   = 32768.0 // reference level for dBFS
	SilenceDBFS = -96.0   // floor reported for digital silence
)

// GainConfig controls loudness normalization
type GainConfig struct {
	Mode           GainMode
	TargetPeakDBFS float64
	TargetRMSDBFS  float64
	MaxGainDB      float64 // ceiling so near-silent input is not amplified into noise
}

// DefaultGainConfig returns peak normalization to -3 dBFS with at most 30 dB of boost
func DefaultGainConfig() GainConfig {
	return GainConfig{
		Mode:           GainPeak,
		TargetPeakDBFS: -3,
		TargetRMSDBFS:  -20,
		MaxGainDB:      30,
	}
}

// GainReport describes what ApplyGain did
type GainReport struct {
	Mode           GainMode `json:"mode"`
	Gain           float64  `json:"gain"`    // linear factor applied
	GainDB         float64  `json:"gain_db"` // same, in dB
	MeasuredDBFS   float64  `json:"measured_dbfs"`
	Limited        bool     `json:"limited"` // MaxGainDB capped the gain
	ClippedSamples int      `json:"clipped_samples"`
}

// ApplyGain scales buf so the level measured over spans reaches the target.
// A nil spans slice measures the whole buffer. The input is not modified and
// overflowing samples saturate instead of wrapping.
func ApplyGain(buf *Buffer, spans []Span, cfg GainConfig) (*Buffer, GainReport) {
	if cfg.Mode == "" {
		cfg.Mode = GainPeak
	}
	report := GainReport{Mode: cfg.Mode, Gain: 1, MeasuredDBFS: SilenceDBFS}

	out := buf.Clone()
	if len(out.Samples) == 0 {
		return out, report
	}

	var level, target float64
	switch cfg.Mode {
	case GainRMS:
		level = RMS(buf.Samples, spans)
		target = DBFSToLevel(cfg.TargetRMSDBFS)
	default:
		level = float64(Peak(buf.Samples, spans))
		target = DBFSToLevel(cfg.TargetPeakDBFS)
	}

	if level == 0 {
		// Silence has no meaningful level
		return out, report
	}
	report.MeasuredDBFS = LevelToDBFS(level)

	gain := target / level
	if maxGain := math.Pow(10, cfg.MaxGainDB/20); cfg.MaxGainDB > 0 && gain > maxGain {
		gain = maxGain
		report.Limited = true
	}
	report.Gain = gain
	report.GainDB = 20 * math.Log10(gain)

	for i, s := range buf.Samples {
		v := int64(math.Round(float64(s) * gain))
		if v > MaxSampleValue || v < MinSampleValue {
			report.ClippedSamples++
		}
		out.Samples[i] = clip16(v)
	}
	return out, report
}

// Peak returns the largest absolute sample value within spans (all samples when nil)
func Peak(samples []int16, spans []Span) int {
	peak := 0
	forEachSample(samples, spans, func(s int16) {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	})
	return peak
}

// RMS returns the root mean square level within spans (all samples when nil)
func RMS(samples []int16, spans []Span) float64 {
	var sum float64
	n := 0
	forEachSample(samples, spans, func(s int16) {
		v := float64(s)
		sum += v * v
		n++
	})
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

func forEachSample(samples []int16, spans []Span, fn func(int16)) {
	if spans == nil {
		for _, s := range samples {
			fn(s)
		}
		return
	}
	for _, span := range spans {
		span = span.Clip(len(samples))
		for _, s := range samples[span.Start:span.End] {
			fn(s)
		}
	}
}

// LevelToDBFS converts a linear sample level to dB relative to full scale,
// floored at SilenceDBFS
func LevelToDBFS(level float64) float64 {
	if level <= 0 {
		return SilenceDBFS
	}
	return math.Max(SilenceDBFS, 20*math.Log10(level/fullScale))
}

// DBFSToLevel converts dBFS to a linear sample level
func DBFSToLevel(dbfs float64) float64 {
	return fullScale * math.Pow(10, dbfs/20)
}
