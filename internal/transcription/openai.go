package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/skypro1111/voicenote-pipeline/internal/failure"
)

const (
	ProviderOpenAI = "openai"

	openAIBaseURL = "https://api.openai.com/v1"
)

// Models served by the dedicated /audio/transcriptions endpoint
var openAITranscriptionModels = map[string]bool{
	"whisper-1":              true,
	"gpt-4o-transcribe":      true,
	"gpt-4o-mini-transcribe": true,
}

// Transcription models that can return timestamped segments. The others
// accept only json and text response formats.
var openAITimestampModels = map[string]bool{
	"whisper-1": true,
}

// OpenAI transcribes with audio-capable chat models, or with the dedicated
// transcription endpoint for the transcription models.
type OpenAI struct {
	http *httpClient
}

func NewOpenAI(cfg BackendConfig) *OpenAI {
	return &OpenAI{http: newHTTPClient(ProviderOpenAI, openAIBaseURL, cfg)}
}

func (p *OpenAI) Name() string { return ProviderOpenAI }

// UsesTranscriptionEndpoint reports whether model is served by /audio/transcriptions
func UsesTranscriptionEndpoint(model string) bool {
	return openAITranscriptionModels[model]
}

func (p *OpenAI) Transcribe(ctx context.Context, req *Request) (*Response, error) {
	if err := p.http.requireKey(); err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.http.apiKey)

	if UsesTranscriptionEndpoint(req.Model) {
		return p.transcribeFile(ctx, header, req)
	}
	return p.transcribeChat(ctx, header, req)
}

func (p *OpenAI) transcribeChat(ctx context.Context, header http.Header, req *Request) (*Response, error) {
	msg, err := userMessage(anyOrder,
		textPart(withLanguageHint(req.Prompt, req.Language)),
		audioObjectPart(req.Audio),
	)
	if err != nil {
		return nil, p.http.encodeError(err)
	}

	raw, err := p.http.postJSON(ctx, "/chat/completions", header, chatRequest{
		Model:      req.Model,
		Modalities: []string{"text"},
		Messages:   []chatMessage{msg},
	})
	if err != nil {
		return nil, err
	}

	resp := &Response{Model: req.Model}
	if err := p.http.parseChat(raw, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

type openAITranscription struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
	Words []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
	Usage *struct {
		Type         string  `json:"type"`
		InputTokens  int     `json:"input_tokens"`
		OutputTokens int     `json:"output_tokens"`
		Seconds      float64 `json:"seconds"`
	} `json:"usage"`
}

func (p *OpenAI) transcribeFile(ctx context.Context, header http.Header, req *Request) (*Response, error) {
	body, contentType, err := createTranscriptionForm(req)
	if err != nil {
		return nil, p.http.encodeError(err)
	}

	raw, err := p.http.postMultipart(ctx, "/audio/transcriptions", header, body, contentType)
	if err != nil {
		return nil, err
	}

	var tr openAITranscription
	if err := p.http.decode(raw, &tr); err != nil {
		return nil, err
	}

	resp := &Response{
		Model:    req.Model,
		Text:     strings.TrimSpace(tr.Text),
		Language: tr.Language,
		Raw:      json.RawMessage(raw),
	}
	if tr.Usage != nil && tr.Usage.Type == "tokens" {
		resp.InputTokens = tr.Usage.InputTokens
		resp.OutputTokens = tr.Usage.OutputTokens
	}
	for _, s := range tr.Segments {
		resp.Segments = append(resp.Segments, Segment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)})
	}
	if len(resp.Segments) == 0 {
		for _, w := range tr.Words {
			resp.Segments = append(resp.Segments, Segment{Start: w.Start, End: w.End, Text: w.Word})
		}
	}
	return resp, nil
}

// createTranscriptionForm creates the multipart/form-data upload body
func createTranscriptionForm(req *Request) (*bytes.Buffer, string, error) {
	if req.Granularity != GranularityNone && !openAITimestampModels[req.Model] {
		return nil, "", failure.New(failure.Provider, "encode request",
			"model %s does not return %s timestamps", req.Model, req.Granularity)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := fmt.Sprintf("audio.%s", req.Audio.Format)
	fileWriter, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(req.Audio.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{{"model", req.Model}}
	if req.Prompt != "" {
		fields = append(fields, [2]string{"prompt", req.Prompt})
	}
	if req.Language != "" {
		fields = append(fields, [2]string{"language", req.Language})
	}
	if req.Granularity != GranularityNone {
		fields = append(fields,
			[2]string{"response_format", "verbose_json"},
			[2]string{"timestamp_granularities[]", string(req.Granularity)},
		)
	} else {
		fields = append(fields, [2]string{"response_format", "json"})
	}

	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}
