package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/voicenote-pipeline/internal/audio"
	"github.com/skypro1111/voicenote-pipeline/internal/failure"
	"github.com/skypro1111/voicenote-pipeline/internal/prompt"
	"github.com/skypro1111/voicenote-pipeline/internal/transcription"
	"github.com/skypro1111/voicenote-pipeline/internal/vad"
)

// State is a job's position in the pipeline
type State int

const (
	Idle State = iota
	Normalizing
	Segmenting
	GainAdjusting
	Encoding
	Dispatching
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Normalizing:
		return "normalizing"
	case Segmenting:
		return "segmenting"
	case GainAdjusting:
		return "gain_adjusting"
	case Encoding:
		return "encoding"
	case Dispatching:
		return "dispatching"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the job has finished
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Source tells where a recording came from
type Source string

const (
	SourceRecording Source = "recording"
	SourceFile      Source = "file"
)

// Options selects the optional stages and their parameters
type Options struct {
	VADEnabled    bool
	GainEnabled   bool
	AllowDegraded bool // run without VAD when the classifier model is unavailable
	VAD           vad.Config
	Gain          audio.GainConfig
	Language      string
	Granularity   transcription.Granularity
}

// DefaultOptions enables VAD and gain control with their default settings
func DefaultOptions() Options {
	return Options{
		VADEnabled:  true,
		GainEnabled: true,
		VAD:         vad.DefaultConfig(),
		Gain:        audio.DefaultGainConfig(),
	}
}

// Job is one recording on its way to a transcript. Only the Orchestrator
// mutates a job after it has been submitted.
type Job struct {
	ID         string
	CreatedAt  time.Time
	Source     Source
	SourcePath string

	Input    *audio.PCM
	Provider string
	Model    string
	Prompt   *prompt.Stack // nil uses the foundation prompt alone
	Options  Options

	State    State
	FailedAt State // stage reached when the job failed
	Err      error // classified *failure.Error when State is Failed
	Degraded bool  // VAD was skipped because the model was unavailable

	// Buffers produced by each stage, kept on failure for diagnostics
	Normalized   *audio.Buffer
	Segmentation *vad.SegmentationResult
	Adjusted     *audio.Buffer
	GainReport   *audio.GainReport
	Speech       *audio.Buffer // retained speech after gain, as sent
	Payload      []byte        // WAV encoding of Speech

	ComposedPrompt string
	Request        *transcription.Request
	Response       *transcription.Response
	Attempts       int

	StartedAt  time.Time
	FinishedAt time.Time
}

// NewJob creates an idle job for a raw recording
func NewJob(input *audio.PCM, provider, model string, stack *prompt.Stack, opts Options) *Job {
	return &Job{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Source:    SourceRecording,
		Input:     input,
		Provider:  provider,
		Model:     model,
		Prompt:    stack,
		Options:   opts,
		State:     Idle,
	}
}

// Validate checks that the job can be submitted
func (j *Job) Validate() error {
	if j.Input == nil {
		return fmt.Errorf("job %s has no input audio", j.ID)
	}
	if j.Provider == "" {
		return fmt.Errorf("job %s has no provider", j.ID)
	}
	if j.Model == "" {
		return fmt.Errorf("job %s has no model", j.ID)
	}
	if j.Options.VADEnabled {
		if err := j.Options.VAD.Validate(); err != nil {
			return fmt.Errorf("job %s: invalid vad config: %w", j.ID, err)
		}
	}
	return nil
}

// Transcript returns the transcript text, empty unless Completed
func (j *Job) Transcript() string {
	if j.Response == nil {
		return ""
	}
	return j.Response.Text
}

// Result is the persistence record of a finished job
type Result struct {
	JobID      string    `json:"job_id"`
	Timestamp  time.Time `json:"timestamp"`
	State      string    `json:"state"`
	FailedAt   string    `json:"failed_at,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Degraded   bool      `json:"degraded,omitempty"`
	Source     Source    `json:"source"`
	SourcePath string    `json:"source_path,omitempty"`

	Provider       string                  `json:"provider"`
	Model          string                  `json:"model"`
	TranscriptText string                  `json:"transcript_text"`
	TextLength     int                     `json:"text_length"`
	WordCount      int                     `json:"word_count"`
	Segments       []transcription.Segment `json:"segments,omitempty"`

	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	Cost            float64 `json:"cost"`
	CostSource      string  `json:"cost_source,omitempty"`
	InferenceTimeMS int64   `json:"inference_time_ms"`
	Attempts        int     `json:"attempts"`

	AudioDurationSeconds    float64 `json:"audio_duration_seconds"`
	VADAudioDurationSeconds float64 `json:"vad_audio_duration_seconds"`

	PromptText       string            `json:"prompt_text,omitempty"`
	PromptTextLength int               `json:"prompt_text_length"`
	PromptLayers     []string          `json:"prompt_layers,omitempty"`
	Gain             *audio.GainReport `json:"gain,omitempty"`

	AudioFormat string `json:"audio_format,omitempty"`
	Audio       []byte `json:"-"` // archive-ready audio, written next to the record
}

// Result builds the persistence record. It may be called on failed jobs.
func (j *Job) Result() *Result {
	r := &Result{
		JobID:      j.ID,
		Timestamp:  j.FinishedAt,
		State:      j.State.String(),
		Degraded:   j.Degraded,
		Source:     j.Source,
		SourcePath: j.SourcePath,
		Provider:   j.Provider,
		Model:      j.Model,
		Attempts:   j.Attempts,
		Gain:       j.GainReport,

		PromptText:       j.ComposedPrompt,
		PromptTextLength: len(j.ComposedPrompt),
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = j.CreatedAt
	}
	if j.Prompt != nil {
		r.PromptLayers = j.Prompt.Names()
	}

	if j.State == Failed {
		r.FailedAt = j.FailedAt.String()
		if j.Err != nil {
			r.Error = j.Err.Error()
			if kind, ok := failure.KindOf(j.Err); ok {
				r.ErrorKind = kind.String()
			}
		}
	}

	if j.Input != nil {
		r.AudioDurationSeconds = j.Input.Duration().Seconds()
	}
	if j.Segmentation != nil {
		r.VADAudioDurationSeconds = j.Segmentation.RetainedDuration().Seconds()
	}

	if resp := j.Response; resp != nil {
		r.Model = resp.Model
		r.TranscriptText = resp.Text
		r.Segments = resp.Segments
		r.InputTokens = resp.InputTokens
		r.OutputTokens = resp.OutputTokens
		r.Cost = resp.Cost
		r.CostSource = string(resp.CostSource)
		r.InferenceTimeMS = resp.Latency.Milliseconds()
	}
	r.TextLength = len([]rune(r.TranscriptText))
	r.WordCount = len(strings.Fields(r.TranscriptText))

	if len(j.Payload) > 0 {
		r.AudioFormat = "wav"
		r.Audio = j.Payload
	}

	return r
}
