package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skypro1111/voicenote-pipeline/internal/failure"
)

const (
	DefaultTimeout       = 120 * time.Second
	DefaultMaxConcurrent = 10
)

// Provider is a remote transcription backend
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, req *Request) (*Response, error)
}

// Config contains dispatcher configuration
type Config struct {
	Timeout       time.Duration // per-call deadline, always applied
	MaxConcurrent int           // calls in flight across all jobs
	Rates         *RateTable    // nil uses DefaultRates
}

// Stats represents dispatcher statistics
type Stats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
	Costs           CostTotals    `json:"costs"`
}

// Dispatcher routes requests to registered backends. It bounds each call with
// the configured timeout, normalizes cost and classifies failures. It never
// retries.
type Dispatcher struct {
	config    Config
	logger    *slog.Logger
	semaphore chan struct{}

	mu              sync.RWMutex
	providers       map[string]Provider
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration
	costs           CostTotals
}

// NewDispatcher creates a dispatcher with no backends registered
func NewDispatcher(config Config, logger *slog.Logger) *Dispatcher {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultMaxConcurrent
	}
	if config.Rates == nil {
		config.Rates = NewRateTable(nil)
	}

	return &Dispatcher{
		config:    config,
		logger:    logger,
		semaphore: make(chan struct{}, config.MaxConcurrent),
		providers: make(map[string]Provider),
	}
}

// Register adds or replaces a backend under its Name
func (d *Dispatcher) Register(p Provider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.providers[p.Name()] = p
}

// Provider returns the backend registered under name
func (d *Dispatcher) Provider(name string) (Provider, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.providers[name]
	return p, ok
}

// Providers returns the registered backend names, sorted
func (d *Dispatcher) Providers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.providers))
	for name := range d.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch sends req to the named backend. Every returned error is a
// *failure.Error.
func (d *Dispatcher) Dispatch(ctx context.Context, provider string, req *Request) (*Response, error) {
	p, ok := d.Provider(provider)
	if !ok {
		e := failure.New(failure.Provider, "dispatch", "unknown provider %q", provider)
		e.Provider = provider
		return nil, e
	}
	if err := req.Validate(); err != nil {
		fe, _ := failure.As(err)
		fe.Provider = provider
		return nil, fe
	}

	select {
	case d.semaphore <- struct{}{}:
		defer func() { <-d.semaphore }()
	case <-ctx.Done():
		return nil, failure.FromTransport(provider, ctx.Err())
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	startTime := time.Now()
	d.incrementTotalRequests()

	resp, err := p.Transcribe(callCtx, req)
	latency := time.Since(startTime)
	if err != nil {
		d.incrementFailedRequests()
		err = d.classify(ctx, provider, err)
		d.logger.Warn("Dispatch failed",
			slog.String("provider", provider),
			slog.String("model", req.Model),
			slog.Duration("latency", latency),
			slog.String("error", err.Error()))
		return nil, err
	}

	resp.Provider = p.Name()
	if resp.Model == "" {
		resp.Model = req.Model
	}
	resp.Latency = latency
	d.normalizeCost(resp, req)

	d.recordSuccess(latency, resp.CostSource, resp.Cost)
	d.logger.Debug("Dispatch completed",
		slog.String("provider", resp.Provider),
		slog.String("model", resp.Model),
		slog.Duration("latency", latency),
		slog.Int("input_tokens", resp.InputTokens),
		slog.Int("output_tokens", resp.OutputTokens),
		slog.Float64("cost", resp.Cost),
		slog.String("cost_source", string(resp.CostSource)))

	return resp, nil
}

// classify guarantees a *failure.Error, reporting caller cancellation as
// Canceled even when the backend saw it as a transport error.
func (d *Dispatcher) classify(ctx context.Context, provider string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		e := failure.Wrap(failure.Canceled, "dispatch", context.Canceled)
		e.Provider = provider
		return e
	}
	if fe, ok := failure.As(err); ok {
		if fe.Provider == "" {
			fe.Provider = provider
		}
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return failure.FromTransport(provider, err)
	}
	e := failure.Wrap(failure.Provider, "dispatch", fmt.Errorf("unclassified backend error: %w", err))
	e.Provider = provider
	return e
}

func (d *Dispatcher) normalizeCost(resp *Response, req *Request) {
	if resp.ReportedCost != nil {
		resp.Cost = *resp.ReportedCost
		resp.CostSource = CostReported
		return
	}
	if cost, ok := d.config.Rates.Estimate(resp.Model, resp.InputTokens, resp.OutputTokens, req.Audio.Duration); ok {
		resp.Cost = cost
		resp.CostSource = CostEstimated
		return
	}
	resp.Cost = 0
	resp.CostSource = CostUnknown
}

// Statistics methods
func (d *Dispatcher) incrementTotalRequests() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalRequests++
}

func (d *Dispatcher) incrementFailedRequests() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failedRequests++
}

func (d *Dispatcher) recordSuccess(responseTime time.Duration, source CostSource, cost float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.successRequests++
	d.costs.Add(source, cost)

	// Simple moving average
	if d.avgResponseTime == 0 {
		d.avgResponseTime = responseTime
	} else {
		d.avgResponseTime = (d.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current dispatcher statistics
func (d *Dispatcher) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	successRate := float64(0)
	if d.totalRequests > 0 {
		successRate = float64(d.successRequests) / float64(d.totalRequests) * 100
	}

	return Stats{
		TotalRequests:   d.totalRequests,
		SuccessRequests: d.successRequests,
		FailedRequests:  d.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: d.avgResponseTime,
		ActiveRequests:  len(d.semaphore),
		Costs:           d.costs,
	}
}

// Close waits for in-flight calls to finish
func (d *Dispatcher) Close() error {
	for i := 0; i < cap(d.semaphore); i++ {
		d.semaphore <- struct{}{}
	}
	return nil
}
