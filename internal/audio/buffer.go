package audio

import (
	"fmt"
	"time"
)

const (
	TargetSampleRate = 16000 // Hz, what every downstream stage expects
	TargetChannels   = 1
	MaxSampleValue   = 32767
	MinSampleValue   = -32768
)

// Buffer is a normalized or raw PCM-16 signal. Samples are interleaved when
// Channels > 1.
type Buffer struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// NewBuffer creates a mono buffer at the given sample rate
func NewBuffer(samples []int16, sampleRate int) *Buffer {
	return &Buffer{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   1,
	}
}

// Frames returns the number of sample frames (samples per channel)
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback duration of the buffer
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return SamplesToDuration(b.Frames(), b.SampleRate)
}

// IsNormalized reports whether the buffer is 16 kHz mono
func (b *Buffer) IsNormalized() bool {
	return b != nil && b.SampleRate == TargetSampleRate && b.Channels == TargetChannels
}

// CheckNormalized returns an error describing why b cannot be fed to the
// segmenter or the gain controller
func (b *Buffer) CheckNormalized() error {
	if b == nil {
		return fmt.Errorf("nil buffer")
	}
	if !b.IsNormalized() {
		return fmt.Errorf("buffer is %d Hz/%d ch, expected %d Hz/%d ch",
			b.SampleRate, b.Channels, TargetSampleRate, TargetChannels)
	}
	return nil
}

// Clone returns a deep copy
func (b *Buffer) Clone() *Buffer {
	if b == nil {
		return nil
	}
	samples := make([]int16, len(b.Samples))
	copy(samples, b.Samples)
	return &Buffer{Samples: samples, SampleRate: b.SampleRate, Channels: b.Channels}
}

// Slice copies the samples covered by spans, in order, into a new buffer
func (b *Buffer) Slice(spans []Span) *Buffer {
	total := 0
	for _, s := range spans {
		s = s.Clip(len(b.Samples))
		total += s.Len()
	}

	out := make([]int16, 0, total)
	for _, s := range spans {
		s = s.Clip(len(b.Samples))
		out = append(out, b.Samples[s.Start:s.End]...)
	}
	return &Buffer{Samples: out, SampleRate: b.SampleRate, Channels: b.Channels}
}

// Span is a half-open sample range [Start, End) within a mono buffer
type Span struct {
	Start int
	End   int
}

// Len returns the number of samples covered
func (s Span) Len() int {
	if s.End <= s.Start {
		return 0
	}
	return s.End - s.Start
}

// Clip bounds the span to [0, n)
func (s Span) Clip(n int) Span {
	if s.Start < 0 {
		s.Start = 0
	}
	if s.End > n {
		s.End = n
	}
	if s.End < s.Start {
		s.End = s.Start
	}
	return s
}

// SamplesToDuration converts a frame count at sampleRate to a duration
func SamplesToDuration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(sampleRate))
}

// DurationToSamples converts a duration to a frame count at sampleRate, rounding down
func DurationToSamples(d time.Duration, sampleRate int) int {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}

// PCM is decoded, not yet normalized audio. Samples are interleaved, signed
// and right-aligned to BitDepth regardless of the container's encoding.
type PCM struct {
	Samples    []int32
	SampleRate int
	Channels   int
	BitDepth   int
}

// PCMFromInt16 wraps PCM-16 samples, e.g. a microphone capture
func PCMFromInt16(samples []int16, sampleRate, channels int) *PCM {
	out := make([]int32, len(samples))
	for i, s := range samples {
		out[i] = int32(s)
	}
	return &PCM{Samples: out, SampleRate: sampleRate, Channels: channels, BitDepth: 16}
}

// Duration returns the playback duration
func (p *PCM) Duration() time.Duration {
	if p == nil || p.Channels <= 0 {
		return 0
	}
	return SamplesToDuration(len(p.Samples)/p.Channels, p.SampleRate)
}
