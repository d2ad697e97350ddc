package transcription

import (
	"context"
	"net/http"
)

const (
	ProviderMistral = "mistral"

	mistralBaseURL = "https://api.mistral.ai"
)

// Mistral transcribes with the Voxtral models. The chat schema requires the
// audio part, as a bare base64 string, before the instruction.
type Mistral struct {
	http *httpClient
}

func NewMistral(cfg BackendConfig) *Mistral {
	return &Mistral{http: newHTTPClient(ProviderMistral, mistralBaseURL, cfg)}
}

func (p *Mistral) Name() string { return ProviderMistral }

// message encodes the user turn; parts in any other order are rejected
func (p *Mistral) message(parts ...contentPart) (chatMessage, error) {
	msg, err := userMessage(audioFirst, parts...)
	if err != nil {
		return chatMessage{}, p.http.encodeError(err)
	}
	return msg, nil
}

func (p *Mistral) Transcribe(ctx context.Context, req *Request) (*Response, error) {
	if err := p.http.requireKey(); err != nil {
		return nil, err
	}

	msg, err := p.message(
		audioStringPart(req.Audio),
		textPart(withLanguageHint(req.Prompt, req.Language)),
	)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.http.apiKey)

	raw, err := p.http.postJSON(ctx, "/v1/chat/completions", header, chatRequest{
		Model:    req.Model,
		Messages: []chatMessage{msg},
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
