package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/voicenote-pipeline/internal/archive"
	"github.com/skypro1111/voicenote-pipeline/internal/config"
	"github.com/skypro1111/voicenote-pipeline/internal/metrics"
	"github.com/skypro1111/voicenote-pipeline/internal/pipeline"
	"github.com/skypro1111/voicenote-pipeline/internal/transcription"
)

const (
	serviceName    = "voicenote-pipeline"
	serviceVersion = "1.0.0"
)

// DispatcherStats is implemented by transcription.Dispatcher
type DispatcherStats interface {
	GetStats() transcription.Stats
	Providers() []string
}

// OrchestratorStats is implemented by pipeline.Orchestrator
type OrchestratorStats interface {
	GetStats() pipeline.Stats
}

// Sources are the components the status endpoints report on. Archive and
// Gatherer may be nil.
type Sources struct {
	Dispatcher   DispatcherStats
	Orchestrator OrchestratorStats
	Archive      *archive.Store
	Gatherer     prometheus.Gatherer
}

// HTTPServer provides the local status endpoints of a pipeline run
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	sources Sources
	metrics *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a status server listening on cfg's address
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config, sources Sources, m *metrics.Metrics) *HTTPServer {
	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		sources:   sources,
		metrics:   m,
		startTime: time.Now(),
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed endpoints
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/records", h.withMetrics("/records", h.handleRecords))
	mux.HandleFunc("/records/", h.withMetrics("/records/{id}", h.handleRecordDetail))

	// No metrics for the metrics endpoint
	gatherer := h.sources.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
	return mux
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), time.Since(startTime).Seconds())
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listener and serves in the background. Bind errors are
// returned to the caller.
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP status server",
		slog.String("address", ln.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP status server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	components := map[string]any{}
	if h.sources.Dispatcher != nil {
		st := h.sources.Dispatcher.GetStats()
		components["dispatcher"] = map[string]any{
			"status":          "running",
			"providers":       h.sources.Dispatcher.Providers(),
			"total_requests":  st.TotalRequests,
			"success_rate":    st.SuccessRate,
			"active_requests": st.ActiveRequests,
		}
	}
	if h.sources.Orchestrator != nil {
		st := h.sources.Orchestrator.GetStats()
		components["orchestrator"] = map[string]any{
			"status":      "running",
			"active_jobs": st.ActiveJobs,
			"vad_loaded":  st.Segmenter != nil,
		}
	}
	if h.sources.Archive != nil {
		components["archive"] = map[string]any{
			"status": "running",
			"dir":    h.sources.Archive.Dir(),
		}
	}

	writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
	}
	if h.sources.Dispatcher != nil {
		stats["dispatcher"] = h.sources.Dispatcher.GetStats()
	}
	if h.sources.Orchestrator != nil {
		stats["orchestrator"] = h.sources.Orchestrator.GetStats()
	}
	if h.sources.Archive != nil {
		window, err := archive.ParseWindow(r.URL.Query().Get("window"), time.Now())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		archiveStats, err := h.sources.Archive.GetStats(window)
		if err != nil {
			h.logger.Error("Failed to read archive stats", slog.String("error", err.Error()))
			http.Error(w, "Archive unavailable", http.StatusInternalServerError)
			return
		}
		stats["archive"] = archiveStats
	}

	writeJSON(w, stats)
}

// handleConfig implements the /config endpoint. Credentials are never returned.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.config == nil {
		http.Error(w, "No configuration", http.StatusNotFound)
		return
	}

	backends := map[string]any{}
	for name, b := range h.config.Backends {
		backends[name] = map[string]any{
			"base_url":    b.BaseURL,
			"key_present": b.APIKey != "",
		}
	}

	writeJSON(w, map[string]any{
		"vad": map[string]any{
			"enabled":        h.config.VAD.Enabled,
			"model_path":     h.config.VAD.ModelPath,
			"allow_degraded": h.config.VAD.AllowDegraded,
			"threshold":      h.config.VAD.Threshold,
			"min_speech_ms":  h.config.VAD.MinSpeechMS,
			"min_silence_ms": h.config.VAD.MinSilenceMS,
			"padding_ms":     h.config.VAD.PaddingMS,
		},
		"gain": map[string]any{
			"enabled":          h.config.Gain.Enabled,
			"mode":             h.config.Gain.Mode,
			"target_peak_dbfs": h.config.Gain.TargetPeakDBFS,
			"target_rms_dbfs":  h.config.Gain.TargetRMSDBFS,
			"max_gain_db":      h.config.Gain.MaxGainDB,
		},
		"transcription": map[string]any{
			"provider":       h.config.Transcription.Provider,
			"model":          h.config.Transcription.GetModel(),
			"language":       h.config.Transcription.Language,
			"granularity":    h.config.Transcription.Granularity,
			"timeout":        h.config.Transcription.Timeout,
			"max_concurrent": h.config.Transcription.MaxConcurrent,
		},
		"backends": backends,
		"retry": map[string]any{
			"max_attempts":         h.config.Retry.MaxAttempts,
			"initial_interval":     h.config.Retry.InitialInterval,
			"max_interval":         h.config.Retry.MaxInterval,
			"multiplier":           h.config.Retry.Multiplier,
			"randomization_factor": h.config.Retry.RandomizationFactor,
		},
		"prompt": map[string]any{
			"layers": h.config.Prompt.Layers,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	})
}

// handleRecords implements the /records endpoint
func (h *HTTPServer) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.sources.Archive == nil {
		http.Error(w, "Archive disabled", http.StatusNotFound)
		return
	}

	records, err := h.sources.Archive.List()
	if err != nil {
		h.logger.Error("Failed to list records", slog.String("error", err.Error()))
		http.Error(w, "Archive unavailable", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*archive.Record{}
	}

	writeJSON(w, map[string]any{
		"total_records": len(records),
		"timestamp":     time.Now().UTC(),
		"records":       records,
	})
}

// handleRecordDetail implements the /records/{id} endpoint
func (h *HTTPServer) handleRecordDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.sources.Archive == nil {
		http.Error(w, "Archive disabled", http.StatusNotFound)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/records/")
	if id == "" {
		http.Error(w, "Record ID required", http.StatusBadRequest)
		return
	}
	if strings.ContainsAny(id, `/\.`) {
		http.Error(w, "Invalid record ID", http.StatusBadRequest)
		return
	}

	rec, err := h.sources.Archive.Load(id)
	if errors.Is(err, fs.ErrNotExist) {
		http.Error(w, "Record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to load record", slog.String("id", id), slog.String("error", err.Error()))
		http.Error(w, "Archive unavailable", http.StatusInternalServerError)
		return
	}

	writeJSON(w, rec)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, map[string]any{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]any{
			"GET /":             "API documentation",
			"GET /health":       "Pipeline health check",
			"GET /stats":        "Dispatcher, orchestrator and archive statistics; ?window=all|last-60m|this-hour|last-hour|today|this-week|this-month",
			"GET /config":       "Active configuration without credentials",
			"GET /records":      "List archived result records",
			"GET /records/{id}": "Get one archived record",
			"GET /metrics":      "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
