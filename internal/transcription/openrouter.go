package transcription

import (
	"context"
	"net/http"
)

const (
	ProviderOpenRouter = "openrouter"

	openRouterBaseURL = "https://openrouter.ai/api/v1"
)

// OpenRouter transcribes through the OpenRouter chat completions gateway.
// Usage accounting is requested so the response carries the billed cost.
type OpenRouter struct {
	http *httpClient
}

func NewOpenRouter(cfg BackendConfig) *OpenRouter {
	return &OpenRouter{http: newHTTPClient(ProviderOpenRouter, openRouterBaseURL, cfg)}
}

func (p *OpenRouter) Name() string { return ProviderOpenRouter }

func (p *OpenRouter) Transcribe(ctx context.Context, req *Request) (*Response, error) {
	if err := p.http.requireKey(); err != nil {
		return nil, err
	}

	msg, err := userMessage(anyOrder,
		textPart(withLanguageHint(req.Prompt, req.Language)),
		audioObjectPart(req.Audio),
	)
	if err != nil {
		return nil, p.http.encodeError(err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.http.apiKey)
	header.Set("X-Title", "voicenote-pipeline")

	raw, err := p.http.postJSON(ctx, "/chat/completions", header, chatRequest{
		Model:    req.Model,
		Messages: []chatMessage{msg},
		Usage:    &usageOptions{Include: true},
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
