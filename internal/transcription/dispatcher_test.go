package transcription

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/voicenote-pipeline/internal/failure"
	"github.com/skypro1111/voicenote-pipeline/internal/transcription/transcriptiontest"
)

func TestDispatchErrorClassification(t *testing.T) {
	retryAfter := http.Header{}
	retryAfter.Set("Retry-After", "3")

	tests := []struct {
		name       string
		reply      transcriptiontest.Reply
		want       failure.Kind
		retryAfter time.Duration
		detail     string
	}{
		{"unauthorized", transcriptiontest.Reply{Status: 401, Body: `{"error":{"message":"No auth credentials found"}}`}, failure.Authentication, 0, "No auth credentials found"},
		{"forbidden", transcriptiontest.Reply{Status: 403, Body: `{"error":{"message":"forbidden"}}`}, failure.Authentication, 0, "forbidden"},
		{"rate limited", transcriptiontest.Reply{Status: 429, Header: retryAfter, Body: `{"error":{"message":"slow down"}}`}, failure.RateLimit, 3 * time.Second, "slow down"},
		{"bad gateway", transcriptiontest.Reply{Status: 502, Body: "bad gateway"}, failure.TransientNetwork, 0, "bad gateway"},
		{"unavailable", transcriptiontest.Reply{Status: 503, Body: `{"error":{"message":"overloaded"}}`}, failure.TransientNetwork, 0, "overloaded"},
		{"bad request", transcriptiontest.Reply{Status: 400, Body: `{"error":{"message":"model does not support audio"}}`}, failure.Provider, 0, "model does not support audio"},
		{"server error", transcriptiontest.Reply{Status: 500, Body: `{"error":{"message":"internal"}}`}, failure.Provider, 0, "internal"},
		{"malformed body", transcriptiontest.Reply{Status: 200, Body: "<html>"}, failure.Provider, 0, ""},
		{"no choices", transcriptiontest.Reply{Status: 200, Body: `{"choices":[]}`}, failure.Provider, 0, "response has no choices"},
		{"error in success body", transcriptiontest.Reply{Status: 200, Body: `{"error":{"message":"upstream failed","code":502}}`}, failure.Provider, 0, "upstream failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := transcriptiontest.NewServer(t)
			srv.Enqueue(tt.reply)
			d := newTestDispatcher(t, srv, Config{})

			_, err := d.Dispatch(context.Background(), ProviderOpenRouter, testRequest(t, "google/gemini-2.5-flash"))
			fe, ok := failure.As(err)
			if !ok {
				t.Fatalf("Expected classified error, got %v", err)
			}
			if fe.Kind != tt.want {
				t.Errorf("Expected kind %s, got %s", tt.want, fe.Kind)
			}
			if fe.RetryAfter != tt.retryAfter {
				t.Errorf("Expected retry-after %v, got %v", tt.retryAfter, fe.RetryAfter)
			}
			if tt.detail != "" && fe.Detail != tt.detail {
				t.Errorf("Expected detail %q, got %q", tt.detail, fe.Detail)
			}
			if fe.Provider != ProviderOpenRouter {
				t.Errorf("Expected provider openrouter, got %q", fe.Provider)
			}
		})
	}
}

func TestDispatchMissingKey(t *testing.T) {
	srv := transcriptiontest.NewServer(t)
	d := NewDispatcher(Config{}, testLogger())
	d.Register(NewOpenAI(BackendConfig{BaseURL: srv.URL}))

	_, err := d.Dispatch(context.Background(), ProviderOpenAI, testRequest(t, "gpt-4o-audio-preview"))
	if !errors.Is(err, failure.ErrAuthentication) {
		t.Errorf("Expected authentication error, got %v", err)
	}
	if srv.Count() != 0 {
		t.Errorf("Expected no request without a key, got %d", srv.Count())
	}
}

func TestDispatchTimeout(t *testing.T) {
	srv := transcriptiontest.NewServer(t)
	srv.Enqueue(transcriptiontest.Reply{Delay: 5 * time.Second, Body: `{}`})
	d := newTestDispatcher(t, srv, Config{Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := d.Dispatch(context.Background(), ProviderOpenRouter, testRequest(t, "google/gemini-2.5-flash"))
	if !errors.Is(err, failure.ErrTransientNetwork) {
		t.Fatalf("Expected transient network error on timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected timeout to cut the call short, took %v", elapsed)
	}
}

func TestDispatchCanceled(t *testing.T) {
	srv := transcriptiontest.NewServer(t)
	srv.Enqueue(transcriptiontest.Reply{Delay: 5 * time.Second, Body: `{}`})
	d := newTestDispatcher(t, srv, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := d.Dispatch(ctx, ProviderOpenRouter, testRequest(t, "google/gemini-2.5-flash"))
	if !errors.Is(err, failure.ErrCanceled) {
		t.Fatalf("Expected canceled error, got %v", err)
	}
}

func TestDispatchAlreadyCanceled(t *testing.T) {
	srv := transcriptiontest.NewServer(t)
	d := newTestDispatcher(t, srv, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dispatch(ctx, ProviderGemini, testRequest(t, "gemini-2.5-flash"))
	if !errors.Is(err, failure.ErrCanceled) {
		t.Errorf("Expected canceled error, got %v", err)
	}
}

func TestDispatchRejectsBadInput(t *testing.T) {
	srv := transcriptiontest.NewServer(t)
	d := newTestDispatcher(t, srv, Config{})

	_, err := d.Dispatch(context.Background(), "deepgram", testRequest(t, "nova-2"))
	if !errors.Is(err, failure.ErrProvider) {
		t.Errorf("Expected provider error for unknown backend, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"empty audio", func(r *Request) { r.Audio.Data = nil }},
		{"no model", func(r *Request) { r.Model = "" }},
		{"bad granularity", func(r *Request) { r.Granularity = "sentence" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest(t, "google/gemini-2.5-flash")
			tt.mutate(req)
			_, err := d.Dispatch(context.Background(), ProviderOpenRouter, req)
			fe, ok := failure.As(err)
			if !ok || fe.Kind != failure.Provider {
				t.Fatalf("Expected provider error, got %v", err)
			}
			if fe.Provider != ProviderOpenRouter {
				t.Errorf("Expected provider to be stamped, got %q", fe.Provider)
			}
		})
	}

	if srv.Count() != 0 {
		t.Errorf("Expected no requests for invalid input, got %d", srv.Count())
	}
}

// stubProvider answers without a network round trip
type stubProvider struct {
	name string
	resp Response
	err  error

	mu    sync.Mutex
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Transcribe(ctx context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	resp := s.resp
	return &resp, nil
}

func TestDispatchCostUnknown(t *testing.T) {
	d := NewDispatcher(Config{}, testLogger())
	d.Register(&stubProvider{name: "stub", resp: Response{Text: "hi", InputTokens: 10, OutputTokens: 2}})

	resp, err := d.Dispatch(context.Background(), "stub", testRequest(t, "unlisted-model"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.CostSource != CostUnknown || resp.Cost != 0 {
		t.Errorf("Expected unknown cost 0, got %f (%s)", resp.Cost, resp.CostSource)
	}
	if resp.Model != "unlisted-model" || resp.Provider != "stub" {
		t.Errorf("Expected stub/unlisted-model, got %s/%s", resp.Provider, resp.Model)
	}
}

func TestDispatchReportedCostWins(t *testing.T) {
	reported := 0.5
	d := NewDispatcher(Config{}, testLogger())
	d.Register(&stubProvider{name: "stub", resp: Response{InputTokens: 1000, ReportedCost: &reported}})

	resp, err := d.Dispatch(context.Background(), "stub", testRequest(t, "gemini-2.5-flash"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.CostSource != CostReported || resp.Cost != reported {
		t.Errorf("Expected reported cost %f, got %f (%s)", reported, resp.Cost, resp.CostSource)
	}
}

func TestDispatchStatsKeepCostSourcesApart(t *testing.T) {
	reported := 0.01
	d := NewDispatcher(Config{}, testLogger())
	d.Register(&stubProvider{name: "billed", resp: Response{Text: "a", ReportedCost: &reported}})
	d.Register(&stubProvider{name: "priced", resp: Response{Text: "b", InputTokens: 20000}})
	d.Register(&stubProvider{name: "unpriced", resp: Response{Text: "c", InputTokens: 10}})

	calls := []struct{ provider, model string }{
		{"billed", "gemini-2.5-flash"},
		{"priced", "gemini-2.5-flash"},
		{"unpriced", "unlisted-model"},
	}
	for _, c := range calls {
		if _, err := d.Dispatch(context.Background(), c.provider, testRequest(t, c.model)); err != nil {
			t.Fatalf("Dispatch to %s failed: %v", c.provider, err)
		}
	}

	costs := d.GetStats().Costs
	if !approxEqual(costs.ReportedCost, 0.01) || costs.ReportedCalls != 1 {
		t.Errorf("Expected reported $0.01 over 1 call, got %+v", costs)
	}
	if !approxEqual(costs.EstimatedCost, 0.02) || costs.EstimatedCalls != 1 {
		t.Errorf("Expected estimated $0.02 over 1 call, got %+v", costs)
	}
	if costs.UnpricedCalls != 1 {
		t.Errorf("Expected 1 unpriced call, got %d", costs.UnpricedCalls)
	}
}

func TestDispatchClassifiesPlainErrors(t *testing.T) {
	d := NewDispatcher(Config{}, testLogger())
	d.Register(&stubProvider{name: "stub", err: errors.New("boom")})

	_, err := d.Dispatch(context.Background(), "stub", testRequest(t, "m"))
	if kind, ok := failure.KindOf(err); !ok || kind != failure.Provider {
		t.Errorf("Expected provider kind for unclassified error, got %v", err)
	}
}

func TestDispatcherStats(t *testing.T) {
	srv := transcriptiontest.NewServer(t)
	srv.Enqueue(transcriptiontest.Reply{Status: 500, Body: `{"error":{"message":"x"}}`})
	d := newTestDispatcher(t, srv, Config{})

	req := testRequest(t, "google/gemini-2.5-flash")
	d.Dispatch(context.Background(), ProviderOpenRouter, req)
	if _, err := d.Dispatch(context.Background(), ProviderOpenRouter, req); err != nil {
		t.Fatalf("Second dispatch failed: %v", err)
	}

	stats := d.GetStats()
	if stats.TotalRequests != 2 || stats.SuccessRequests != 1 || stats.FailedRequests != 1 {
		t.Errorf("Expected 2/1/1 requests, got %d/%d/%d", stats.TotalRequests, stats.SuccessRequests, stats.FailedRequests)
	}
	if stats.SuccessRate != 50 {
		t.Errorf("Expected 50%% success rate, got %f", stats.SuccessRate)
	}
	if !approxEqual(stats.Costs.ReportedCost, transcriptiontest.DefaultCost) || stats.Costs.ReportedCalls != 1 {
		t.Errorf("Expected one reported cost of %f, got %+v", transcriptiontest.DefaultCost, stats.Costs)
	}
	if stats.Costs.EstimatedCost != 0 || stats.Costs.UnpricedCalls != 0 {
		t.Errorf("Expected no estimated or unpriced calls, got %+v", stats.Costs)
	}
	if stats.ActiveRequests != 0 {
		t.Errorf("Expected no active requests, got %d", stats.ActiveRequests)
	}
	if got := d.Providers(); len(got) != 4 {
		t.Errorf("Expected 4 registered providers, got %v", got)
	}
}

func TestRateTable(t *testing.T) {
	table := NewRateTable(map[string]Rate{
		"custom-model":     {InputPerMillion: 2, OutputPerMillion: 4},
		"gemini-2.5-flash": {InputPerMillion: 3, OutputPerMillion: 3},
	})

	tests := []struct {
		name   string
		model  string
		in     int
		out    int
		audio  time.Duration
		want   float64
		priced bool
	}{
		{"override", "custom-model", 1_000_000, 500_000, 0, 4, true},
		{"override replaces default", "gemini-2.5-flash", 1_000_000, 0, 0, 3, true},
		{"vendor prefix fallback", "google/gemini-2.5-flash-lite", 1_000_000, 1_000_000, 0, 0.70, true},
		{"per minute", "whisper-1", 0, 0, 2 * time.Minute, 0.012, true},
		{"tokens without token rates use minutes", "voxtral-mini-latest", 500, 50, time.Minute, 0.001, true},
		{"no tokens and no minutes", "gemini-2.5-pro", 0, 0, time.Minute, 0, false},
		{"unknown model", "acme/whisperer", 100, 100, time.Minute, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := table.Estimate(tt.model, tt.in, tt.out, tt.audio)
			if ok != tt.priced {
				t.Fatalf("Expected priced=%v, got %v", tt.priced, ok)
			}
			if !approxEqual(got, tt.want) {
				t.Errorf("Expected cost %f, got %f", tt.want, got)
			}
		})
	}
}
