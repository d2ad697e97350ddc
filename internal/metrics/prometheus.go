package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice-note pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Job metrics
	JobsStarted   prometheus.Counter
	JobsFinished  *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	EventsDropped prometheus.Counter

	// Normalizer metrics
	InputDuration prometheus.Histogram

	// VAD metrics
	VADWindowsProcessed prometheus.Counter
	VADSpeechWindows    prometheus.Counter
	VADRetainedRatio    prometheus.Histogram
	VADDegraded         prometheus.Counter

	// Gain metrics
	GainApplied    prometheus.Histogram
	ClippedSamples prometheus.Counter

	// Dispatch metrics
	DispatchRequests *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	DispatchRetries  *prometheus.CounterVec
	Tokens           *prometheus.CounterVec
	Cost             *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Job metrics
		JobsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepipe_jobs_started_total",
			Help: "Total number of transcription jobs started",
		}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicepipe_jobs_finished_total",
			Help: "Total number of transcription jobs finished, by terminal state and failure kind",
		}, []string{"state", "kind"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicepipe_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4 minutes
		}, []string{"stage"}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepipe_progress_events_dropped_total",
			Help: "Progress events dropped because the subscriber was not keeping up",
		}),

		// Normalizer metrics
		InputDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicepipe_input_duration_seconds",
			Help:    "Duration of submitted recordings",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// VAD metrics
		VADWindowsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepipe_vad_windows_processed_total",
			Help: "Total number of VAD windows classified",
		}),
		VADSpeechWindows: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepipe_vad_speech_windows_total",
			Help: "Total number of VAD windows classified as speech",
		}),
		VADRetainedRatio: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicepipe_vad_retained_ratio",
			Help:    "Share of each recording kept after voice activity detection",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),
		VADDegraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepipe_vad_degraded_total",
			Help: "Jobs that skipped VAD because the classifier model was unavailable",
		}),

		// Gain metrics
		GainApplied: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicepipe_gain_applied_db",
			Help:    "Gain applied by the gain controller in dB",
			Buckets: prometheus.LinearBuckets(-30, 5, 13), // -30dB to +30dB
		}),
		ClippedSamples: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepipe_gain_clipped_samples_total",
			Help: "Samples clipped to the 16-bit range after gain",
		}),

		// Dispatch metrics
		DispatchRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicepipe_dispatch_requests_total",
			Help: "Total number of provider calls, by outcome",
		}, []string{"provider", "outcome"}),
		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicepipe_dispatch_duration_seconds",
			Help:    "Duration of provider calls",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3 minutes
		}, []string{"provider"}),
		DispatchRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicepipe_dispatch_retries_total",
			Help: "Total number of provider call retries",
		}, []string{"provider", "kind"}),
		Tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicepipe_tokens_total",
			Help: "Tokens consumed, by direction",
		}, []string{"provider", "model", "direction"}),
		Cost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicepipe_cost_usd_total",
			Help: "Accumulated transcription cost in USD, by cost source",
		}, []string{"provider", "model", "source"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicepipe_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicepipe_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordJobStarted increments the jobs started counter
func (m *Metrics) RecordJobStarted(inputSeconds float64) {
	if m == nil {
		return
	}
	m.JobsStarted.Inc()
	m.InputDuration.Observe(inputSeconds)
}

// RecordJobFinished records a job's terminal state; kind is empty on success
func (m *Metrics) RecordJobFinished(state, kind string) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(state, kind).Inc()
}

// RecordStage records the time spent in a pipeline stage
func (m *Metrics) RecordStage(stage string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordEventDropped increments the dropped progress events counter
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// RecordSegmentation records the outcome of one VAD pass
func (m *Metrics) RecordSegmentation(windows, speechWindows int, retainedRatio float64) {
	if m == nil {
		return
	}
	m.VADWindowsProcessed.Add(float64(windows))
	m.VADSpeechWindows.Add(float64(speechWindows))
	m.VADRetainedRatio.Observe(retainedRatio)
}

// RecordVADDegraded counts a job that ran without VAD
func (m *Metrics) RecordVADDegraded() {
	if m == nil {
		return
	}
	m.VADDegraded.Inc()
}

// RecordGain records the gain applied to a buffer
func (m *Metrics) RecordGain(gainDB float64, clipped int) {
	if m == nil {
		return
	}
	m.GainApplied.Observe(gainDB)
	m.ClippedSamples.Add(float64(clipped))
}

// RecordDispatch records a provider call; outcome is "success" or a failure kind
func (m *Metrics) RecordDispatch(provider, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DispatchRequests.WithLabelValues(provider, outcome).Inc()
	m.DispatchDuration.WithLabelValues(provider).Observe(durationSeconds)
}

// RecordDispatchRetry increments the retry counter
func (m *Metrics) RecordDispatchRetry(provider, kind string) {
	if m == nil {
		return
	}
	m.DispatchRetries.WithLabelValues(provider, kind).Inc()
}

// RecordUsage records token usage and cost of a completed call
func (m *Metrics) RecordUsage(provider, model string, inputTokens, outputTokens int, cost float64, source string) {
	if m == nil {
		return
	}
	m.Tokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	m.Tokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	m.Cost.WithLabelValues(provider, model, source).Add(cost)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
