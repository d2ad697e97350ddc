package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/skypro1111/voicenote-pipeline/internal/failure"
)

const (
	ProviderGemini = "gemini"

	geminiBaseURL = "https://generativelanguage.googleapis.com"
)

// Gemini transcribes through the generateContent endpoint with inline audio
type Gemini struct {
	http *httpClient
}

func NewGemini(cfg BackendConfig) *Gemini {
	return &Gemini{http: newHTTPClient(ProviderGemini, geminiBaseURL, cfg)}
}

func (p *Gemini) Name() string { return ProviderGemini }

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (p *Gemini) Transcribe(ctx context.Context, req *Request) (*Response, error) {
	if err := p.http.requireKey(); err != nil {
		return nil, err
	}

	model := strings.TrimPrefix(req.Model, "models/")
	path := "/v1beta/models/" + url.PathEscape(model) + ":generateContent"

	header := http.Header{}
	header.Set("x-goog-api-key", p.http.apiKey)

	raw, err := p.http.postJSON(ctx, path, header, geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: withLanguageHint(req.Prompt, req.Language)},
				{InlineData: &geminiInlineData{MimeType: req.Audio.MIMEType(), Data: req.Audio.Base64()}},
			},
		}},
	})
	if err != nil {
		return nil, classifyGeminiError(raw, err)
	}

	var gr geminiResponse
	if err := p.http.decode(raw, &gr); err != nil {
		return nil, err
	}
	if len(gr.Candidates) == 0 {
		if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
			return nil, p.http.malformed("request blocked: %s", gr.PromptFeedback.BlockReason)
		}
		return nil, p.http.malformed("response has no candidates")
	}

	var text strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	resp := &Response{
		Model: req.Model,
		Text:  strings.TrimSpace(text.String()),
		Raw:   json.RawMessage(raw),
	}
	if gr.UsageMetadata != nil {
		resp.InputTokens = gr.UsageMetadata.PromptTokenCount
		resp.OutputTokens = gr.UsageMetadata.CandidatesTokenCount
	}
	return resp, nil
}

// classifyGeminiError maps invalid-key rejections, which Gemini reports as
// 400 INVALID_ARGUMENT, to authentication failures.
func classifyGeminiError(body []byte, err error) error {
	fe, ok := failure.As(err)
	if !ok || fe.StatusCode != http.StatusBadRequest {
		return err
	}
	if bytes.Contains(body, []byte("API_KEY_INVALID")) {
		fe.Kind = failure.Authentication
	}
	return fe
}
