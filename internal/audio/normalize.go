package audio

import (
	"math"

	"github.com/skypro1111/voicenote-pipeline/internal/failure"
)

// Windowed-sinc parameters. 16 zero crossings keep stopband leakage under
// the 16-bit noise floor with a Blackman window; the rolloff keeps the
// transition band below the output Nyquist frequency.
const (
	sincZeroCrossings = 16
	sincRolloff       = 0.945
)

// Normalize converts decoded PCM of any supported width, channel count and
// rate into a 16 kHz mono PCM-16 buffer. The input is not modified.
func Normalize(in *PCM) (*Buffer, error) {
	if err := validatePCM(in); err != nil {
		return nil, err
	}

	// Fast path: already in the target format
	if in.SampleRate == TargetSampleRate && in.Channels == 1 && in.BitDepth == 16 {
		out := make([]int16, len(in.Samples))
		for i, s := range in.Samples {
			out[i] = clip16(int64(s))
		}
		return NewBuffer(out, TargetSampleRate), nil
	}

	mono := downmix(in)
	if in.SampleRate != TargetSampleRate {
		mono = resample(mono, in.SampleRate, TargetSampleRate)
	}

	out := make([]int16, len(mono))
	for i, v := range mono {
		out[i] = clip16(int64(math.Round(v * 32768)))
	}
	return NewBuffer(out, TargetSampleRate), nil
}

func validatePCM(in *PCM) error {
	if in == nil {
		return failure.New(failure.UnsupportedFormat, "normalize", "no audio")
	}
	switch in.BitDepth {
	case 8, 16, 24, 32:
	default:
		return failure.New(failure.UnsupportedFormat, "normalize",
			"unsupported sample width: %d bits", in.BitDepth)
	}
	if in.SampleRate <= 0 {
		return failure.New(failure.UnsupportedFormat, "normalize",
			"invalid sample rate: %d", in.SampleRate)
	}
	if in.Channels <= 0 {
		return failure.New(failure.UnsupportedFormat, "normalize",
			"invalid channel count: %d", in.Channels)
	}
	if len(in.Samples)%in.Channels != 0 {
		return failure.New(failure.UnsupportedFormat, "normalize",
			"%d samples do not interleave into %d channels", len(in.Samples), in.Channels)
	}
	return nil
}

// downmix averages channels into a mono signal scaled to [-1, 1)
func downmix(in *PCM) []float64 {
	scale := 1 / float64(int64(1)<<(in.BitDepth-1))
	frames := len(in.Samples) / in.Channels
	out := make([]float64, frames)

	for f := 0; f < frames; f++ {
		var sum float64
		base := f * in.Channels
		for c := 0; c < in.Channels; c++ {
			sum += float64(in.Samples[base+c])
		}
		out[f] = sum / float64(in.Channels) * scale
	}
	return out
}

// maxPhases bounds the polyphase kernel table. Rate pairs whose reduced
// upsampling factor is larger are interpolated directly.
const maxPhases = 4096

// resample converts the signal from one rate to another with a
// Blackman-windowed sinc interpolator. The cutoff follows the lower of the
// two Nyquist frequencies so downsampling does not alias.
//
// For rates with a small rational ratio up/down, output sample n sits at
// input position n*down/up, so only up distinct fractional offsets occur and
// their kernels are computed once.
func resample(in []float64, fromRate, toRate int) []float64 {
	if fromRate == toRate || len(in) == 0 {
		out := make([]float64, len(in))
		copy(out, in)
		return out
	}

	g := gcd(fromRate, toRate)
	up, down := toRate/g, fromRate/g

	ratio := float64(toRate) / float64(fromRate)
	outLen := int(math.Round(float64(len(in)) * ratio))
	out := make([]float64, outLen)

	// Cutoff as a fraction of the input Nyquist frequency
	cutoff := sincRolloff * math.Min(1, ratio)
	halfWidth := float64(sincZeroCrossings) / cutoff // in input samples

	if up > maxPhases {
		resampleDirect(in, out, 1/ratio, cutoff, halfWidth)
		return out
	}

	taps := int(math.Ceil(halfWidth))
	width := 2*taps + 1
	kernel := make([]float64, up*width)
	for p := 0; p < up; p++ {
		frac := float64(p) / float64(up)
		for j := -taps; j <= taps; j++ {
			kernel[p*width+j+taps] = windowedSinc(frac-float64(j), cutoff, halfWidth)
		}
	}

	for n := range out {
		pos := n * down
		i, p := pos/up, pos%up
		coeffs := kernel[p*width : (p+1)*width]

		jlo := max(-taps, -i)
		jhi := min(taps, len(in)-1-i)

		var acc float64
		for j := jlo; j <= jhi; j++ {
			acc += in[i+j] * coeffs[j+taps]
		}
		out[n] = acc
	}
	return out
}

// resampleDirect evaluates the kernel at every tap of every output sample
func resampleDirect(in, out []float64, step, cutoff, halfWidth float64) {
	for n := range out {
		t := float64(n) * step // position in input samples

		lo := max(0, int(math.Ceil(t-halfWidth)))
		hi := min(len(in)-1, int(math.Floor(t+halfWidth)))

		var acc float64
		for k := lo; k <= hi; k++ {
			acc += in[k] * windowedSinc(t-float64(k), cutoff, halfWidth)
		}
		out[n] = acc
	}
}

func windowedSinc(x, cutoff, halfWidth float64) float64 {
	return cutoff * sinc(cutoff*x) * blackman(x, halfWidth)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// blackman evaluates a Blackman window of half-width hw centred on zero
func blackman(x, hw float64) float64 {
	if x < -hw || x > hw {
		return 0
	}
	r := math.Pi * x / hw
	return 0.42 + 0.5*math.Cos(r) + 0.08*math.Cos(2*r)
}

func clip16(v int64) int16 {
	if v > MaxSampleValue {
		return MaxSampleValue
	}
	if v < MinSampleValue {
		return MinSampleValue
	}
	return int16(v)
}
