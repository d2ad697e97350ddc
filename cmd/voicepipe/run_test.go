package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skypro1111/voicenote-pipeline/internal/archive"
	"github.com/skypro1111/voicenote-pipeline/internal/audio"
	"github.com/skypro1111/voicenote-pipeline/internal/config"
	"github.com/skypro1111/voicenote-pipeline/internal/transcription"
	"github.com/skypro1111/voicenote-pipeline/internal/transcription/transcriptiontest"
	"github.com/skypro1111/voicenote-pipeline/internal/vad"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeVoiceNote writes a WAV with half a second of silence around one
// second of a 1 kHz tone
func writeVoiceNote(t *testing.T, dir, name string) string {
	t.Helper()
	const rate = 16000
	samples := make([]int16, 2*rate)
	for i := rate / 2; i < rate/2+rate; i++ {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*1000*float64(i)/rate))
	}
	data, err := audio.EncodeWAV(samples, rate)
	if err != nil {
		t.Fatalf("Failed to encode WAV: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write WAV: %v", err)
	}
	return path
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	modelPath := filepath.Join(dir, "models", "vad.yaml")
	if err := vad.InstallModel(modelPath); err != nil {
		t.Fatalf("Failed to install VAD model: %v", err)
	}

	cfg := config.Default()
	cfg.VAD.ModelPath = modelPath
	cfg.Archive.Dir = filepath.Join(dir, "archive")
	cfg.Retry.InitialInterval = 0.01
	cfg.Retry.MaxInterval = 0.05
	cfg.Backends[transcription.ProviderOpenRouter] = config.BackendConfig{APIKey: "test-key", BaseURL: baseURL}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid test config: %v", err)
	}
	return cfg
}

func readLines(t *testing.T, out *bytes.Buffer) []outputLine {
	t.Helper()
	var lines []outputLine
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		var line outputLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("Failed to parse output line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, line)
	}
	return lines
}

func TestRunTranscribesAndArchives(t *testing.T) {
	srv := transcriptiontest.NewServer(t)
	cfg := testConfig(t, srv.URL)

	inputDir := t.TempDir()
	note := writeVoiceNote(t, inputDir, "note.wav")
	broken := filepath.Join(inputDir, "broken.wav")
	os.WriteFile(broken, []byte("not audio at all"), 0644)

	var out bytes.Buffer
	code := run(context.Background(), cfg, cliOptions{Files: []string{note, broken}}, testLogger(), &out)
	if code != 1 {
		t.Errorf("Expected exit code 1 with a failed input, got %d", code)
	}

	lines := readLines(t, &out)
	if len(lines) != 2 {
		t.Fatalf("Expected 2 output lines, got %d", len(lines))
	}

	ok := lines[0]
	if ok.State != "completed" || ok.TranscriptText != transcriptiontest.DefaultTranscript {
		t.Errorf("Expected completed transcript, got %s %q (%s)", ok.State, ok.TranscriptText, ok.Error)
	}
	if ok.SourcePath != note || ok.Source != "file" {
		t.Errorf("Expected file source %s, got %s %s", note, ok.Source, ok.SourcePath)
	}
	if ok.CostSource != string(transcription.CostReported) || ok.Cost != transcriptiontest.DefaultCost {
		t.Errorf("Expected reported cost %f, got %f (%s)", transcriptiontest.DefaultCost, ok.Cost, ok.CostSource)
	}
	if ok.VADAudioDurationSeconds >= ok.AudioDurationSeconds {
		t.Errorf("Expected silence to be removed: %f >= %f", ok.VADAudioDurationSeconds, ok.AudioDurationSeconds)
	}
	if ok.RecordID == "" || ok.AudioFile == "" {
		t.Error("Expected the completed result to be archived")
	}

	bad := lines[1]
	if bad.State != "failed" || bad.ErrorKind != "unsupported_format" || bad.SourcePath != broken {
		t.Errorf("Unexpected failure line: %+v", bad.Result)
	}

	if srv.Count() != 1 {
		t.Errorf("Expected 1 backend request, got %d", srv.Count())
	}

	store, err := archive.NewStore(cfg.Archive.Dir, testLogger())
	if err != nil {
		t.Fatalf("Failed to open archive: %v", err)
	}
	rec, err := store.Load(ok.RecordID)
	if err != nil {
		t.Fatalf("Failed to load archived record: %v", err)
	}
	if rec.TranscriptText != transcriptiontest.DefaultTranscript {
		t.Errorf("Unexpected archived transcript %q", rec.TranscriptText)
	}
	if _, err := os.Stat(store.AudioPath(rec)); err != nil {
		t.Errorf("Expected archived audio, got %v", err)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	srv := transcriptiontest.NewServer(t)
	cfg := testConfig(t, srv.URL)
	note := writeVoiceNote(t, t.TempDir(), "note.wav")

	var first, second bytes.Buffer
	if code := run(context.Background(), cfg, cliOptions{Files: []string{note}}, testLogger(), &first); code != 0 {
		t.Fatalf("Expected exit code 0, got %d", code)
	}
	srv.SetTranscript("a different answer")
	if code := run(context.Background(), cfg, cliOptions{Files: []string{note}}, testLogger(), &second); code != 0 {
		t.Fatalf("Expected exit code 0, got %d", code)
	}

	a, b := readLines(t, &first), readLines(t, &second)
	if a[0].RecordID != b[0].RecordID {
		t.Errorf("Expected the same record ID, got %s and %s", a[0].RecordID, b[0].RecordID)
	}

	store, _ := archive.NewStore(cfg.Archive.Dir, testLogger())
	records, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 || records[0].TranscriptText != transcriptiontest.DefaultTranscript {
		t.Errorf("Expected the first record to be kept, got %d records", len(records))
	}
}

func TestPrintArchiveStats(t *testing.T) {
	srv := transcriptiontest.NewServer(t)
	cfg := testConfig(t, srv.URL)
	note := writeVoiceNote(t, t.TempDir(), "note.wav")

	if code := run(context.Background(), cfg, cliOptions{Files: []string{note}}, testLogger(), io.Discard); code != 0 {
		t.Fatalf("Expected exit code 0, got %d", code)
	}

	var out bytes.Buffer
	if err := printArchiveStats(&out, cfg.Archive.Dir, archive.WindowToday, time.Now()); err != nil {
		t.Fatalf("printArchiveStats failed: %v", err)
	}
	var stats archive.Stats
	if err := json.Unmarshal(out.Bytes(), &stats); err != nil {
		t.Fatalf("Failed to parse stats: %v", err)
	}
	if stats.Records != 1 || stats.Costs.ReportedCalls != 1 || stats.Costs.ReportedCost != transcriptiontest.DefaultCost {
		t.Errorf("Expected 1 record with reported cost %f, got %+v", transcriptiontest.DefaultCost, stats)
	}
	if len(stats.ByModel) != 1 || stats.ByModel[0].Provider != transcription.ProviderOpenRouter {
		t.Errorf("Expected one openrouter model group, got %+v", stats.ByModel)
	}

	if err := printArchiveStats(io.Discard, cfg.Archive.Dir, "fortnight", time.Now()); err == nil {
		t.Error("Expected error for unknown window")
	}
}

func TestRunMissingCredentials(t *testing.T) {
	srv := transcriptiontest.NewServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.Backends[transcription.ProviderOpenRouter] = config.BackendConfig{BaseURL: srv.URL}
	note := writeVoiceNote(t, t.TempDir(), "note.wav")

	var out bytes.Buffer
	if code := run(context.Background(), cfg, cliOptions{Files: []string{note}}, testLogger(), &out); code != 1 {
		t.Errorf("Expected exit code 1, got %d", code)
	}

	lines := readLines(t, &out)
	if len(lines) != 1 || lines[0].ErrorKind != "authentication" || lines[0].RecordID != "" {
		t.Errorf("Expected an unarchived authentication failure, got %+v", lines)
	}
	if srv.Count() != 0 {
		t.Errorf("Expected no backend request without a key, got %d", srv.Count())
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "from-env")

	cfg, err := loadConfig(cliOptions{
		EnvPath:       filepath.Join(t.TempDir(), "missing.env"),
		Provider:      "gemini",
		Layers:        " todo, ,concise ",
		NoGain:        true,
		AllowDegraded: true,
		NoArchive:     true,
		Concurrency:   2,
	})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}

	if cfg.Transcription.GetModel() != "gemini-flash-latest" {
		t.Errorf("Expected gemini default model, got %s", cfg.Transcription.GetModel())
	}
	if len(cfg.Prompt.Layers) != 2 || cfg.Prompt.Layers[0] != "todo" || cfg.Prompt.Layers[1] != "concise" {
		t.Errorf("Unexpected layers %v", cfg.Prompt.Layers)
	}
	if cfg.Gain.Enabled || !cfg.VAD.AllowDegraded || cfg.Archive.Enabled || cfg.Batch.Concurrency != 2 {
		t.Errorf("Flags not applied: %+v", cfg)
	}
	if cfg.Backend("gemini").APIKey != "from-env" {
		t.Errorf("Expected key from environment, got %q", cfg.Backend("gemini").APIKey)
	}

	if _, err := loadConfig(cliOptions{Layers: "no-such-layer"}); err == nil {
		t.Error("Expected unknown layer to be rejected")
	}
}
