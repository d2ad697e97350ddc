package transcription

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skypro1111/voicenote-pipeline/internal/failure"
)

// Granularity requests timestamped segments from backends that support them
type Granularity string

const (
	GranularityNone    Granularity = ""
	GranularitySegment Granularity = "segment"
	GranularityWord    Granularity = "word"
)

// AudioPayload is the encoded audio sent to a backend
type AudioPayload struct {
	Format   string        // container tag, e.g. "wav"
	Data     []byte        // encoded file bytes
	Duration time.Duration // playback duration, used for per-minute pricing
}

// MIMEType returns the media type for the payload format
func (a AudioPayload) MIMEType() string {
	switch a.Format {
	case "mp3":
		return "audio/mpeg"
	case "flac":
		return "audio/flac"
	case "ogg":
		return "audio/ogg"
	default:
		return "audio/wav"
	}
}

// Base64 returns the payload as standard base64
func (a AudioPayload) Base64() string {
	return base64.StdEncoding.EncodeToString(a.Data)
}

// Request is the backend-independent transcription request
type Request struct {
	Audio       AudioPayload
	Prompt      string      // composed instruction
	Model       string      // backend model identifier
	Language    string      // optional ISO-639-1 hint
	Granularity Granularity // optional timestamp granularity
}

// Validate checks the request before any encoding happens
func (r *Request) Validate() error {
	if r == nil {
		return failure.New(failure.Provider, "encode request", "nil request")
	}
	if len(r.Audio.Data) == 0 {
		return failure.New(failure.Provider, "encode request", "empty audio payload")
	}
	if r.Model == "" {
		return failure.New(failure.Provider, "encode request", "model is required")
	}
	switch r.Granularity {
	case GranularityNone, GranularitySegment, GranularityWord:
	default:
		return failure.New(failure.Provider, "encode request", "unknown timestamp granularity %q", r.Granularity)
	}
	return nil
}

// CostSource tells whether Response.Cost came from the backend or from the rate table
type CostSource string

const (
	CostReported  CostSource = "reported"
	CostEstimated CostSource = "estimated"
	CostUnknown   CostSource = "unknown"
)

// Response is the backend-independent transcription result
type Response struct {
	Text         string          `json:"text"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	Cost         float64         `json:"cost"` // USD
	CostSource   CostSource      `json:"cost_source"`
	Latency      time.Duration   `json:"latency"`
	Segments     []Segment       `json:"segments,omitempty"`
	Language     string          `json:"language,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"` // backend response body, for diagnostics

	// ReportedCost is set by backends that bill in the response; the
	// dispatcher turns it into Cost/CostSource.
	ReportedCost *float64 `json:"-"`
}

// Segment represents a timestamped piece of transcribed text
type Segment struct {
	Start float64 `json:"start"` // seconds
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func (r *Response) String() string {
	return fmt.Sprintf("%s/%s: %d chars, %d+%d tokens, $%.6f (%s) in %v",
		r.Provider, r.Model, len(r.Text), r.InputTokens, r.OutputTokens, r.Cost, r.CostSource, r.Latency)
}
