package audio

import (
	"math"
)

// sine generates n samples of a tone with the given peak amplitude
func sine(freq, amplitude float64, sampleRate, n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(math.Round(amplitude * math.Sin(2*math.Pi*freq*t)))
	}
	return samples
}

// rmsOf computes the RMS of samples[from:len-from], skipping filter edges
func rmsOf(samples []int16, from int) float64 {
	return RMS(samples, []Span{{Start: from, End: len(samples) - from}})
}
