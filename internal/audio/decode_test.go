package audio

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/skypro1111/voicenote-pipeline/internal/failure"
)

func TestSniff(t *testing.T) {
	wavData, err := EncodeWAV([]int16{1, 2, 3}, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	tests := []struct {
		name string
		data []byte
		want Container
	}{
		{"wav", wavData, ContainerWAV},
		{"id3 tagged mp3", []byte("ID3\x04\x00\x00\x00\x00\x00\x00"), ContainerMP3},
		{"bare mpeg frame", []byte{0xFF, 0xFB, 0x90, 0x64}, ContainerMP3},
		{"flac", []byte("fLaC\x00\x00\x00\x22"), ContainerUnknown},
		{"riff but not wave", []byte("RIFF\x00\x00\x00\x00AVI LIST"), ContainerUnknown},
		{"empty", nil, ContainerUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sniff(tt.data); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestDecodeUnknownContainer(t *testing.T) {
	_, container, err := Decode([]byte("fLaC\x00\x00\x00\x22"))
	if !errors.Is(err, failure.ErrUnsupportedFormat) {
		t.Errorf("Expected unsupported format error, got %v", err)
	}
	if container != ContainerUnknown {
		t.Errorf("Expected unknown container, got %s", container)
	}
}

func TestDecodeMP3Invalid(t *testing.T) {
	// Empty ID3 tag followed by no frames
	_, err := DecodeMP3([]byte("ID3\x04\x00\x00\x00\x00\x00\x00"))
	if !errors.Is(err, failure.ErrUnsupportedFormat) {
		t.Errorf("Expected unsupported format error, got %v", err)
	}
}

func TestDecodeFile(t *testing.T) {
	samples := sine(440, 8000, 44100, 4410)
	wavData, err := EncodeWAV(samples, 44100)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "note.wav")
	if err := os.WriteFile(path, wavData, 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	pcm, container, err := DecodeFile(path)
	if err != nil {
		t.Fatalf("DecodeFile failed: %v", err)
	}
	if container != ContainerWAV {
		t.Errorf("Expected wav container, got %s", container)
	}
	if pcm.SampleRate != 44100 {
		t.Errorf("Expected sample rate 44100, got %d", pcm.SampleRate)
	}
	if len(pcm.Samples) != len(samples) {
		t.Errorf("Expected %d samples, got %d", len(samples), len(pcm.Samples))
	}

	buf, err := Normalize(pcm)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if len(buf.Samples) != 1600 {
		t.Errorf("Expected 1600 normalized samples, got %d", len(buf.Samples))
	}
}

func TestDecodeFileMissing(t *testing.T) {
	_, _, err := DecodeFile(filepath.Join(t.TempDir(), "missing.wav"))
	if err == nil {
		t.Error("Expected error for missing file")
	}
}
