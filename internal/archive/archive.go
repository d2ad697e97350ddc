// Package archive persists job result records and their audio on disk.
// Saving is idempotent: the same audio, provider, model and prompt always map
// to the same record ID, and saving an existing record is a no-op.
package archive

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/skypro1111/voicenote-pipeline/internal/pipeline"
)

const (
	recordsDir = "records"
	audioDir   = "audio"
)

// namespace scopes record IDs to this archive format
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/skypro1111/voicenote-pipeline/archive"))

// Record is a stored result with its archive metadata
type Record struct {
	ID        string `json:"id"`
	AudioFile string `json:"audio_file_path,omitempty"`
	*pipeline.Result
}

// Store is a directory of records/<id>.json and audio/<id>.<format>
type Store struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewStore opens or creates an archive rooted at dir
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	for _, sub := range []string{recordsDir, audioDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the archive root
func (s *Store) Dir() string {
	return s.dir
}

// RecordID derives the stable ID of a result from its audio, provider,
// model and prompt. Results without audio fall back to their job ID.
func RecordID(r *pipeline.Result) string {
	h := sha256.New()
	if len(r.Audio) > 0 {
		h.Write(r.Audio)
	} else {
		h.Write([]byte(r.JobID))
	}
	for _, part := range []string{r.Provider, r.Model, r.PromptText} {
		h.Write([]byte{0})
		h.Write([]byte(part))
	}
	return uuid.NewSHA1(namespace, h.Sum(nil)).String()
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, recordsDir, id+".json")
}

// Save writes the record and its audio. It returns the stored record and
// whether anything was written; an existing record is returned unchanged.
func (s *Store) Save(r *pipeline.Result) (*Record, bool, error) {
	id := RecordID(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.load(id); err == nil {
		s.logger.Debug("Record already archived", slog.String("id", id), slog.String("job_id", r.JobID))
		return existing, false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	rec := &Record{ID: id, Result: r}
	if len(r.Audio) > 0 {
		format := r.AudioFormat
		if format == "" {
			format = "wav"
		}
		rel := filepath.Join(audioDir, id+"."+format)
		if err := writeFileAtomic(filepath.Join(s.dir, rel), r.Audio); err != nil {
			return nil, false, fmt.Errorf("failed to archive audio: %w", err)
		}
		rec.AudioFile = rel
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode record: %w", err)
	}
	if err := writeFileAtomic(s.recordPath(id), data); err != nil {
		return nil, false, fmt.Errorf("failed to write record: %w", err)
	}

	s.logger.Info("Record archived",
		slog.String("id", id),
		slog.String("job_id", r.JobID),
		slog.String("state", r.State),
		slog.Int("audio_bytes", len(r.Audio)))
	return rec, true, nil
}

// Load reads a record by ID. The audio bytes are not loaded.
func (s *Store) Load(id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id)
}

func (s *Store) load(id string) (*Record, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		return nil, err
	}
	rec := &Record{Result: &pipeline.Result{}}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to parse record %s: %w", id, err)
	}
	return rec, nil
}

// AudioPath returns the absolute path of a record's audio, if any
func (s *Store) AudioPath(rec *Record) string {
	if rec.AudioFile == "" {
		return ""
	}
	return filepath.Join(s.dir, rec.AudioFile)
}

// List returns all records, oldest first
func (s *Store) List() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, recordsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}

	var records []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := s.load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			s.logger.Warn("Skipping unreadable record", slog.String("file", e.Name()), slog.String("error", err.Error()))
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}

// writeFileAtomic writes through a temporary file so readers never see a
// partial record
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
