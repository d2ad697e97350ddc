// Package transcription sends normalized audio and a composed instruction to
// a remote multimodal model and returns a uniform response.
//
// Each backend (OpenRouter, Gemini, OpenAI, Mistral) implements Provider and
// owns its wire format. The Dispatcher applies the per-call timeout, stamps
// latency and normalizes cost: cost reported by the backend passes through,
// otherwise it is estimated from a RateTable, and the response records which
// of the two happened. The dispatcher never retries; failures come back
// classified (see package failure) for the caller to decide.
package transcription
