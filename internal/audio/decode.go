package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"

	"github.com/skypro1111/voicenote-pipeline/internal/failure"
)

// Container identifies the file format of caller-supplied audio
type Container string

const (
	ContainerWAV     Container = "wav"
	ContainerMP3     Container = "mp3"
	ContainerUnknown Container = "unknown"
)

// Sniff identifies the container from the leading bytes
func Sniff(data []byte) Container {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return ContainerWAV
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return ContainerMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		// bare MPEG audio frame sync
		return ContainerMP3
	default:
		return ContainerUnknown
	}
}

// Decode decodes WAV or MP3 data into PCM
func Decode(data []byte) (*PCM, Container, error) {
	container := Sniff(data)
	switch container {
	case ContainerWAV:
		pcm, err := DecodeWAV(data)
		return pcm, container, err
	case ContainerMP3:
		pcm, err := DecodeMP3(data)
		return pcm, container, err
	default:
		return nil, container, failure.New(failure.UnsupportedFormat, "decode",
			"unrecognized audio container")
	}
}

// DecodeFile reads and decodes an audio file
func DecodeFile(path string) (*PCM, Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ContainerUnknown, fmt.Errorf("failed to read audio file: %w", err)
	}
	pcm, container, err := Decode(data)
	if err != nil {
		return nil, container, fmt.Errorf("%s: %w", path, err)
	}
	return pcm, container, nil
}

// DecodeMP3 decodes MPEG-1/2 layer III data. The decoder always yields
// 16-bit stereo, mono sources are duplicated into both channels.
func DecodeMP3(data []byte) (*PCM, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, failure.Wrap(failure.UnsupportedFormat, "decode mp3", err)
	}

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, failure.Wrap(failure.UnsupportedFormat, "decode mp3", err)
	}

	frames := len(raw) / 4
	samples := make([]int32, frames*2)
	for i := range samples {
		samples[i] = int32(int16(binary.LittleEndian.Uint16(raw[i*2:])))
	}

	return &PCM{
		Samples:    samples,
		SampleRate: dec.SampleRate(),
		Channels:   2,
		BitDepth:   16,
	}, nil
}
