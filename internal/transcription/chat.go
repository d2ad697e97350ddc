package transcription

import (
	"encoding/json"
	"strings"

	"github.com/skypro1111/voicenote-pipeline/internal/failure"
)

// Wire types for the OpenAI-compatible chat completions schema, used by the
// openrouter, openai and mistral backends.

const (
	partText       = "text"
	partInputAudio = "input_audio"
)

type contentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	InputAudio any    `json:"input_audio,omitempty"`
}

type inputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

func textPart(text string) contentPart {
	return contentPart{Type: partText, Text: text}
}

// audioObjectPart carries the audio as {"data": base64, "format": "wav"}
func audioObjectPart(a AudioPayload) contentPart {
	return contentPart{
		Type:       partInputAudio,
		InputAudio: inputAudio{Data: a.Base64(), Format: a.Format},
	}
}

// audioStringPart carries the audio as a bare base64 string
func audioStringPart(a AudioPayload) contentPart {
	return contentPart{Type: partInputAudio, InputAudio: a.Base64()}
}

// partOrder constrains the order of parts in the user turn
type partOrder int

const (
	anyOrder partOrder = iota
	audioFirst
)

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

// userMessage builds the single user turn carrying exactly one text and one
// audio part, rejecting orders the backend does not accept.
func userMessage(order partOrder, parts ...contentPart) (chatMessage, error) {
	var texts, audios int
	for _, p := range parts {
		switch p.Type {
		case partText:
			texts++
		case partInputAudio:
			audios++
		default:
			return chatMessage{}, failure.New(failure.Provider, "encode request", "unknown content part %q", p.Type)
		}
	}
	if texts != 1 || audios != 1 {
		return chatMessage{}, failure.New(failure.Provider, "encode request",
			"user message needs one text and one audio part, got %d text and %d audio", texts, audios)
	}
	if order == audioFirst && parts[0].Type != partInputAudio {
		return chatMessage{}, failure.New(failure.Provider, "encode request", "audio part must precede the text part")
	}
	return chatMessage{Role: "user", Content: parts}, nil
}

type usageOptions struct {
	Include bool `json:"include"`
}

type chatRequest struct {
	Model      string        `json:"model"`
	Messages   []chatMessage `json:"messages"`
	Modalities []string      `json:"modalities,omitempty"`
	Usage      *usageOptions `json:"usage,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int      `json:"prompt_tokens"`
		CompletionTokens int      `json:"completion_tokens"`
		Cost             *float64 `json:"cost"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// parseChat fills resp from a chat completions body
func (c *httpClient) parseChat(raw []byte, resp *Response) error {
	var cr chatResponse
	if err := c.decode(raw, &cr); err != nil {
		return err
	}
	if cr.Error != nil {
		return c.malformed("%s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return c.malformed("response has no choices")
	}

	resp.Text = strings.TrimSpace(messageText(cr.Choices[0].Message.Content))
	if cr.Usage != nil {
		resp.InputTokens = cr.Usage.PromptTokens
		resp.OutputTokens = cr.Usage.CompletionTokens
		resp.ReportedCost = cr.Usage.Cost
	}
	resp.Raw = json.RawMessage(raw)
	return nil
}

// messageText accepts both a plain string and an array of typed parts
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == partText || p.Type == "" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return ""
}

// withLanguageHint appends a language hint for backends without a language field
func withLanguageHint(prompt, language string) string {
	if language == "" {
		return prompt
	}
	return prompt + "\n\nThe speech is in language: " + language + "."
}
