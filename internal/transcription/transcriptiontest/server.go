// Package transcriptiontest provides a scriptable fake of the remote
// transcription backends for tests.
package transcriptiontest

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/voicenote-pipeline/internal/audio"
)

// DefaultTranscript is returned by the built-in replies
const DefaultTranscript = "This is a test transcription of the audio fragment"

// Reply is a scripted HTTP response
type Reply struct {
	Status int
	Header http.Header
	Body   string
	Delay  time.Duration // held before answering, cut short when the client gives up
}

// JSON builds a reply with v encoded as the body
func JSON(status int, v any) Reply {
	body, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return Reply{Status: status, Body: string(body)}
}

// Recorded is a request as the fake backend received it
type Recorded struct {
	Method    string
	Path      string
	Header    http.Header
	Body      []byte              // JSON bodies only
	Fields    map[string][]string // multipart form fields
	Parts     []string            // content part kinds of the user turn, "text" or "audio", in order
	Audio     []byte              // decoded audio payload
	AudioInfo *audio.WAVInfo      // set when the payload is a WAV file
}

// Field returns the first value of a multipart field
func (r Recorded) Field(name string) string {
	if v := r.Fields[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Server is an httptest server answering like the chat completions,
// generateContent and audio transcription endpoints. Scripted replies are
// served first, in order; afterwards every request gets a default reply
// shaped for its endpoint.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	replies    []Reply
	requests   []Recorded
	transcript string
}

// NewServer starts a fake backend closed by tb's cleanup
func NewServer(tb testing.TB) *Server {
	s := &Server{transcript: DefaultTranscript}
	s.Server = httptest.NewServer(http.HandlerFunc(s.transcribeHandler))
	tb.Cleanup(s.Close)
	return s
}

// Enqueue scripts the next replies
func (s *Server) Enqueue(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

// SetTranscript changes the text of default replies
func (s *Server) SetTranscript(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = text
}

// Requests returns a copy of the recorded requests
func (s *Server) Requests() []Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Recorded, len(s.requests))
	copy(out, s.requests)
	return out
}

// Count returns the number of requests received
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Last returns the most recent request
func (s *Server) Last() (Recorded, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return Recorded{}, false
	}
	return s.requests[len(s.requests)-1], true
}

func (s *Server) transcribeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rec := Recorded{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone()}
	usageRequested := false

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, "Error parsing form", http.StatusBadRequest)
			return
		}
		rec.Fields = r.MultipartForm.Value

		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "Error getting audio file", http.StatusBadRequest)
			return
		}
		rec.Audio, err = io.ReadAll(file)
		file.Close()
		if err != nil {
			http.Error(w, "Error reading audio file", http.StatusInternalServerError)
			return
		}
	} else {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Error reading body", http.StatusBadRequest)
			return
		}
		rec.Body = body

		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "Error parsing JSON", http.StatusBadRequest)
			return
		}
		rec.Parts, rec.Audio = inspectPayload(payload)
		if usage, ok := payload["usage"].(map[string]any); ok {
			usageRequested, _ = usage["include"].(bool)
		}
	}

	if info, err := audio.GetWAVInfo(rec.Audio); err == nil {
		rec.AudioInfo = info
	}

	s.mu.Lock()
	s.requests = append(s.requests, rec)
	var reply Reply
	if len(s.replies) > 0 {
		reply = s.replies[0]
		s.replies = s.replies[1:]
	} else {
		reply = defaultReply(rec, s.transcript, usageRequested)
	}
	s.mu.Unlock()

	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-r.Context().Done():
			return
		}
	}

	for key, values := range reply.Header {
		w.Header()[key] = values
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	io.WriteString(w, reply.Body)
}

// inspectPayload walks a chat completions or generateContent body and returns
// the part order of the first user turn and the decoded audio.
func inspectPayload(payload map[string]any) ([]string, []byte) {
	var parts []string
	var data []byte

	if messages, ok := payload["messages"].([]any); ok && len(messages) > 0 {
		msg, _ := messages[0].(map[string]any)
		content, _ := msg["content"].([]any)
		for _, c := range content {
			part, _ := c.(map[string]any)
			switch part["type"] {
			case "text":
				parts = append(parts, "text")
			case "input_audio":
				parts = append(parts, "audio")
				switch v := part["input_audio"].(type) {
				case string:
					data, _ = base64.StdEncoding.DecodeString(v)
				case map[string]any:
					encoded, _ := v["data"].(string)
					data, _ = base64.StdEncoding.DecodeString(encoded)
				}
			}
		}
	}

	if contents, ok := payload["contents"].([]any); ok && len(contents) > 0 {
		content, _ := contents[0].(map[string]any)
		ps, _ := content["parts"].([]any)
		for _, p := range ps {
			part, _ := p.(map[string]any)
			if inline, ok := part["inline_data"].(map[string]any); ok {
				parts = append(parts, "audio")
				encoded, _ := inline["data"].(string)
				data, _ = base64.StdEncoding.DecodeString(encoded)
			} else if _, ok := part["text"]; ok {
				parts = append(parts, "text")
			}
		}
	}

	return parts, data
}

// Token counts and billed cost carried by default replies
const (
	DefaultInputTokens  = 120
	DefaultOutputTokens = 30
	DefaultCost         = 0.00042
)

func defaultReply(rec Recorded, transcript string, usageRequested bool) Reply {
	switch {
	case strings.HasSuffix(rec.Path, ":generateContent"):
		return JSON(http.StatusOK, map[string]any{
			"candidates": []any{map[string]any{
				"content":      map[string]any{"role": "model", "parts": []any{map[string]any{"text": transcript}}},
				"finishReason": "STOP",
			}},
			"usageMetadata": map[string]any{
				"promptTokenCount":     DefaultInputTokens,
				"candidatesTokenCount": DefaultOutputTokens,
				"totalTokenCount":      DefaultInputTokens + DefaultOutputTokens,
			},
		})

	case strings.HasSuffix(rec.Path, "/audio/transcriptions"):
		if rec.Field("response_format") == "verbose_json" {
			return JSON(http.StatusOK, map[string]any{
				"text":     transcript,
				"language": "english",
				"duration": 1.0,
				"segments": []any{map[string]any{"id": 0, "start": 0.0, "end": 1.0, "text": " " + transcript}},
			})
		}
		return JSON(http.StatusOK, map[string]any{"text": transcript})

	default:
		usage := map[string]any{
			"prompt_tokens":     DefaultInputTokens,
			"completion_tokens": DefaultOutputTokens,
			"total_tokens":      DefaultInputTokens + DefaultOutputTokens,
		}
		if usageRequested {
			usage["cost"] = DefaultCost
		}
		return JSON(http.StatusOK, map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"choices": []any{map[string]any{"index": 0, "message": map[string]any{"role": "assistant", "content": transcript}, "finish_reason": "stop"}},
			"usage":   usage,
		})
	}
}
