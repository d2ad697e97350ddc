package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/skypro1111/voicenote-pipeline/internal/audio"
	"github.com/skypro1111/voicenote-pipeline/internal/failure"
	"github.com/skypro1111/voicenote-pipeline/internal/metrics"
	"github.com/skypro1111/voicenote-pipeline/internal/prompt"
	"github.com/skypro1111/voicenote-pipeline/internal/transcription"
	"github.com/skypro1111/voicenote-pipeline/internal/vad"
)

// Dispatcher sends one transcription request; implemented by
// transcription.Dispatcher
type Dispatcher interface {
	Dispatch(ctx context.Context, provider string, req *transcription.Request) (*transcription.Response, error)
}

// ModelLoader returns the shared VAD classifier. It reports a
// failure.ModelUnavailable error while the asset is missing.
type ModelLoader func() (vad.Classifier, error)

// SharedModel loads the process-wide classifier asset at path
func SharedModel(path string) ModelLoader {
	return func() (vad.Classifier, error) {
		model, err := vad.LoadShared(path)
		if err != nil {
			return nil, err
		}
		return model, nil
	}
}

// Event is a progress notification for one job
type Event struct {
	JobID    string
	State    State
	Previous State
	Attempt  int           // dispatch attempt, set while Dispatching
	Delay    time.Duration // wait before the next attempt, set on retries
	Err      error
	Time     time.Time
}

// Config contains orchestrator configuration
type Config struct {
	Retry       RetryPolicy
	EventBuffer int // capacity of the events channel; 0 disables events
}

// Stats represents orchestrator statistics
type Stats struct {
	JobsStarted   uint64 `json:"jobs_started"`
	JobsCompleted uint64 `json:"jobs_completed"`
	JobsFailed    uint64 `json:"jobs_failed"`
	JobsDegraded  uint64 `json:"jobs_degraded"`
	ActiveJobs    int64  `json:"active_jobs"`
	Retries       uint64 `json:"retries"`
	EventsDropped uint64 `json:"events_dropped"`

	Segmenter *vad.SegmenterStats `json:"segmenter,omitempty"` // nil until the model is loaded
}

// Orchestrator runs jobs through the pipeline stages. It is safe for
// concurrent use; each job owns its buffers end to end.
type Orchestrator struct {
	config     Config
	dispatcher Dispatcher
	loadModel  ModelLoader
	metrics    *metrics.Metrics
	logger     *slog.Logger

	segMu     sync.Mutex
	segmenter *vad.Segmenter

	events chan Event

	started   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	degraded  atomic.Uint64
	active    atomic.Int64
	retries   atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an orchestrator. m may be nil.
func New(config Config, dispatcher Dispatcher, loadModel ModelLoader, m *metrics.Metrics, logger *slog.Logger) (*Orchestrator, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if loadModel == nil {
		loadModel = SharedModel(vad.DefaultModelPath)
	}
	if config.Retry == (RetryPolicy{}) {
		config.Retry = DefaultRetryPolicy()
	}
	if err := config.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		config:     config,
		dispatcher: dispatcher,
		loadModel:  loadModel,
		metrics:    m,
		logger:     logger,
	}
	if config.EventBuffer > 0 {
		o.events = make(chan Event, config.EventBuffer)
	}
	return o, nil
}

// Events returns the progress channel, nil when events are disabled. Events
// that do not fit in the buffer are dropped and counted.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// stage is one step of the pipeline
type stage struct {
	state State
	run   func(ctx context.Context, job *Job, logger *slog.Logger) error
}

// Run processes job to a terminal state. It returns the classified failure
// when the job ends as Failed; the job itself keeps the error, the stage it
// reached and the buffers produced so far.
func (o *Orchestrator) Run(ctx context.Context, job *Job) error {
	if job.State != Idle {
		return fmt.Errorf("job %s already run (state %s)", job.ID, job.State)
	}
	if err := job.Validate(); err != nil {
		return err
	}

	logger := o.logger.With(slog.String("job_id", job.ID))
	job.StartedAt = time.Now()
	o.started.Add(1)
	o.active.Add(1)
	defer o.active.Add(-1)
	o.metrics.RecordJobStarted(job.Input.Duration().Seconds())

	logger.Info("Job started",
		slog.String("provider", job.Provider),
		slog.String("model", job.Model),
		slog.String("source", string(job.Source)),
		slog.Duration("input_duration", job.Input.Duration()))

	stages := []stage{
		{Normalizing, o.normalize},
		{Segmenting, o.segment},
		{GainAdjusting, o.adjustGain},
		{Encoding, o.encode},
		{Dispatching, o.dispatch},
	}

	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, job, err, logger)
		}

		o.transition(job, st.state)
		start := time.Now()
		err := st.run(ctx, job, logger)
		o.metrics.RecordStage(st.state.String(), time.Since(start).Seconds())
		if err != nil {
			return o.fail(ctx, job, err, logger)
		}

		// Nothing to transcribe: finish without touching the network
		if st.state == Segmenting && job.Segmentation.Empty() {
			logger.Info("No speech detected, skipping dispatch")
			break
		}
	}

	o.complete(job, logger)
	return nil
}

func (o *Orchestrator) transition(job *Job, next State) {
	prev := job.State
	job.State = next
	o.emit(Event{JobID: job.ID, State: next, Previous: prev, Time: time.Now()})
}

func (o *Orchestrator) emit(ev Event) {
	if o.events == nil {
		return
	}
	select {
	case o.events <- ev:
	default:
		o.dropped.Add(1)
		o.metrics.RecordEventDropped()
	}
}

func (o *Orchestrator) normalize(ctx context.Context, job *Job, logger *slog.Logger) error {
	buf, err := audio.Normalize(job.Input)
	if err != nil {
		return err
	}
	job.Normalized = buf
	return nil
}

// fullRetention keeps the whole buffer as one speech window
func fullRetention(buf *audio.Buffer) *vad.SegmentationResult {
	result := &vad.SegmentationResult{
		Windows:         []vad.SpeechWindow{},
		SampleRate:      buf.SampleRate,
		OriginalSamples: len(buf.Samples),
		RetainedSamples: len(buf.Samples),
	}
	if len(buf.Samples) > 0 {
		result.Windows = append(result.Windows, vad.SpeechWindow{Start: 0, End: len(buf.Samples), Confidence: 1})
	}
	return result
}

// segmenterFor returns the shared segmenter, loading the classifier on first
// use. Failed loads are retried by later jobs.
func (o *Orchestrator) segmenterFor() (*vad.Segmenter, error) {
	o.segMu.Lock()
	defer o.segMu.Unlock()

	if o.segmenter != nil {
		return o.segmenter, nil
	}
	classifier, err := o.loadModel()
	if err != nil {
		return nil, err
	}
	o.segmenter = vad.NewSegmenter(classifier, o.logger)
	return o.segmenter, nil
}

func (o *Orchestrator) segment(ctx context.Context, job *Job, logger *slog.Logger) error {
	if !job.Options.VADEnabled {
		job.Segmentation = fullRetention(job.Normalized)
		return nil
	}

	seg, err := o.segmenterFor()
	if err != nil {
		if job.Options.AllowDegraded && errors.Is(err, failure.ErrModelUnavailable) {
			logger.Warn("VAD model unavailable, continuing without VAD", slog.String("error", err.Error()))
			job.Degraded = true
			o.degraded.Add(1)
			o.metrics.RecordVADDegraded()
			job.Segmentation = fullRetention(job.Normalized)
			return nil
		}
		return err
	}

	result, err := seg.Segment(job.Normalized, job.Options.VAD)
	if err != nil {
		return err
	}
	job.Segmentation = result
	o.metrics.RecordSegmentation(result.ClassifiedWindows, result.SpeechWindows, result.RetainedRatio())

	logger.Debug("Segmentation finished",
		slog.Int("regions", len(result.Windows)),
		slog.Duration("original", result.OriginalDuration()),
		slog.Duration("retained", result.RetainedDuration()))
	return nil
}

func (o *Orchestrator) adjustGain(ctx context.Context, job *Job, logger *slog.Logger) error {
	if !job.Options.GainEnabled {
		job.Adjusted = job.Normalized
		return nil
	}

	adjusted, report := audio.ApplyGain(job.Normalized, job.Segmentation.Spans(), job.Options.Gain)
	job.Adjusted = adjusted
	job.GainReport = &report
	o.metrics.RecordGain(report.GainDB, report.ClippedSamples)

	if report.ClippedSamples > 0 {
		logger.Debug("Gain clipped samples",
			slog.Float64("gain_db", report.GainDB),
			slog.Int("clipped", report.ClippedSamples))
	}
	return nil
}

func (o *Orchestrator) encode(ctx context.Context, job *Job, logger *slog.Logger) error {
	speech := vad.Extract(job.Adjusted, job.Segmentation)
	payload, err := audio.EncodeBuffer(speech)
	if err != nil {
		return failure.Wrap(failure.UnsupportedFormat, "encode", err)
	}
	job.Speech = speech
	job.Payload = payload

	if job.Prompt != nil {
		job.ComposedPrompt = job.Prompt.Compose()
	} else {
		job.ComposedPrompt = prompt.FoundationPrompt
	}

	job.Request = &transcription.Request{
		Audio: transcription.AudioPayload{
			Format:   "wav",
			Data:     payload,
			Duration: speech.Duration(),
		},
		Prompt:      job.ComposedPrompt,
		Model:       job.Model,
		Language:    job.Options.Language,
		Granularity: job.Options.Granularity,
	}
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, job *Job, logger *slog.Logger) error {
	b := o.config.Retry.newBackOff()

	operation := func() (*transcription.Response, error) {
		job.Attempts++
		if job.Attempts > 1 {
			o.emit(Event{JobID: job.ID, State: Dispatching, Previous: Dispatching, Attempt: job.Attempts, Time: time.Now()})
		}

		start := time.Now()
		resp, err := o.dispatcher.Dispatch(ctx, job.Provider, job.Request)
		elapsed := time.Since(start).Seconds()
		if err != nil {
			kind, _ := failure.KindOf(err)
			o.metrics.RecordDispatch(job.Provider, kind.String(), elapsed)
			if !kind.Retryable() {
				return nil, backoff.Permanent(err)
			}
			if fe, ok := failure.As(err); ok && fe.RetryAfter > 0 {
				b.setHint(fe.RetryAfter)
			}
			return nil, err
		}
		o.metrics.RecordDispatch(job.Provider, "success", elapsed)
		return resp, nil
	}

	notify := func(err error, next time.Duration) {
		kind, _ := failure.KindOf(err)
		o.retries.Add(1)
		o.metrics.RecordDispatchRetry(job.Provider, kind.String())
		logger.Warn("Dispatch failed, retrying",
			slog.Int("attempt", job.Attempts),
			slog.Duration("backoff", next),
			slog.String("error", err.Error()))
		o.emit(Event{JobID: job.ID, State: Dispatching, Previous: Dispatching, Attempt: job.Attempts, Delay: next, Err: err, Time: time.Now()})
	}

	resp, err := backoff.Retry(ctx, operation, o.config.Retry.options(b, notify)...)
	if err != nil {
		return err
	}

	job.Response = resp
	o.metrics.RecordUsage(resp.Provider, resp.Model, resp.InputTokens, resp.OutputTokens, resp.Cost, string(resp.CostSource))
	return nil
}

// classify turns any stage error into a *failure.Error. Once the caller's
// context is done every failure is reported as Canceled.
func classify(ctx context.Context, stage State, err error) *failure.Error {
	if ctx.Err() != nil {
		if fe, ok := failure.As(err); ok && fe.Kind == failure.Canceled {
			return fe
		}
		return failure.Wrap(failure.Canceled, stage.String(), err)
	}
	if fe, ok := failure.As(err); ok {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.Wrap(failure.TransientNetwork, stage.String(), err)
	}
	if stage == Dispatching {
		return failure.Wrap(failure.Provider, stage.String(), err)
	}
	return failure.Wrap(failure.UnsupportedFormat, stage.String(), err)
}

func (o *Orchestrator) fail(ctx context.Context, job *Job, err error, logger *slog.Logger) error {
	fe := classify(ctx, job.State, err)

	prev := job.State
	job.FailedAt = prev
	job.State = Failed
	job.Err = fe
	job.FinishedAt = time.Now()

	o.failed.Add(1)
	o.metrics.RecordJobFinished(Failed.String(), fe.Kind.String())
	o.emit(Event{JobID: job.ID, State: Failed, Previous: prev, Attempt: job.Attempts, Err: fe, Time: job.FinishedAt})

	logger.Error("Job failed",
		slog.String("failed_at", prev.String()),
		slog.String("kind", fe.Kind.String()),
		slog.Int("attempts", job.Attempts),
		slog.String("error", fe.Error()))
	return fe
}

func (o *Orchestrator) complete(job *Job, logger *slog.Logger) {
	prev := job.State
	job.State = Completed
	job.FinishedAt = time.Now()

	o.completed.Add(1)
	o.metrics.RecordJobFinished(Completed.String(), "")
	o.emit(Event{JobID: job.ID, State: Completed, Previous: prev, Attempt: job.Attempts, Time: job.FinishedAt})

	attrs := []any{
		slog.Duration("elapsed", job.FinishedAt.Sub(job.StartedAt)),
		slog.Int("attempts", job.Attempts),
		slog.Bool("degraded", job.Degraded),
	}
	if job.Response != nil {
		attrs = append(attrs,
			slog.Int("text_length", len(job.Response.Text)),
			slog.Float64("cost", job.Response.Cost),
			slog.String("cost_source", string(job.Response.CostSource)))
	}
	logger.Info("Job completed", attrs...)
}

// GetStats returns cumulative orchestrator statistics
func (o *Orchestrator) GetStats() Stats {
	stats := Stats{
		JobsStarted:   o.started.Load(),
		JobsCompleted: o.completed.Load(),
		JobsFailed:    o.failed.Load(),
		JobsDegraded:  o.degraded.Load(),
		ActiveJobs:    o.active.Load(),
		Retries:       o.retries.Load(),
		EventsDropped: o.dropped.Load(),
	}

	o.segMu.Lock()
	if o.segmenter != nil {
		seg := o.segmenter.GetStats()
		stats.Segmenter = &seg
	}
	o.segMu.Unlock()
	return stats
}
