package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/voicenote-pipeline/internal/archive"
	"github.com/skypro1111/voicenote-pipeline/internal/audio"
	"github.com/skypro1111/voicenote-pipeline/internal/config"
	"github.com/skypro1111/voicenote-pipeline/internal/failure"
	"github.com/skypro1111/voicenote-pipeline/internal/metrics"
	"github.com/skypro1111/voicenote-pipeline/internal/pipeline"
	"github.com/skypro1111/voicenote-pipeline/internal/server"
	"github.com/skypro1111/voicenote-pipeline/internal/transcription"
)

// outputLine is one JSON line written per input file
type outputLine struct {
	RecordID  string `json:"record_id,omitempty"`
	AudioFile string `json:"audio_file_path,omitempty"`
	*pipeline.Result
}

// run transcribes opts.Files and writes one JSON line per file to out. It
// returns the process exit code.
func run(ctx context.Context, cfg *config.Config, opts cliOptions, logger *slog.Logger, out io.Writer) int {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(reg)

	dispatcher := transcription.NewDispatcher(cfg.DispatcherConfig(), logger)
	for _, name := range transcription.ProviderNames() {
		p, err := transcription.NewProvider(name, cfg.Backend(name))
		if err != nil {
			logger.Error("Failed to create backend", slog.String("provider", name), slog.String("error", err.Error()))
			return 1
		}
		dispatcher.Register(p)
	}
	defer dispatcher.Close()

	orchestrator, err := pipeline.New(pipeline.Config{
		Retry:       cfg.Retry.Policy(),
		EventBuffer: cfg.Batch.EventBuffer,
	}, dispatcher, pipeline.SharedModel(cfg.VAD.ModelPath), appMetrics, logger)
	if err != nil {
		logger.Error("Failed to create orchestrator", slog.String("error", err.Error()))
		return 1
	}

	var store *archive.Store
	if cfg.Archive.Enabled {
		store, err = archive.NewStore(cfg.Archive.Dir, logger)
		if err != nil {
			logger.Error("Failed to open archive", slog.String("error", err.Error()))
			return 1
		}
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, server.Sources{
			Dispatcher:   dispatcher,
			Orchestrator: orchestrator,
			Archive:      store,
			Gatherer:     reg,
		}, appMetrics)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Stop(shutdownCtx); err != nil {
				logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
			}
		}()
	}

	eventsCtx, stopEvents := context.WithCancel(ctx)
	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		logEvents(eventsCtx, orchestrator.Events(), logger)
	}()
	defer func() {
		stopEvents()
		<-eventsDone
	}()

	lib, err := cfg.Prompt.Library()
	if err != nil {
		logger.Error("Invalid prompt configuration", slog.String("error", err.Error()))
		return 1
	}
	stack, err := lib.Stack(cfg.Prompt.Base, cfg.Prompt.Layers)
	if err != nil {
		logger.Error("Invalid prompt layers", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("Pipeline configured",
		slog.String("provider", cfg.Transcription.Provider),
		slog.String("model", cfg.Transcription.GetModel()),
		slog.Bool("vad_enabled", cfg.VAD.Enabled),
		slog.Bool("gain_enabled", cfg.Gain.Enabled),
		slog.Any("prompt_layers", stack.Names()),
		slog.Int("files", len(opts.Files)),
	)

	jobOpts := cfg.JobOptions()
	var jobs []*pipeline.Job
	results := make([]*pipeline.Result, len(opts.Files))
	for i, path := range opts.Files {
		pcm, container, err := audio.DecodeFile(path)
		if err != nil {
			logger.Warn("Failed to decode input",
				slog.String("path", path),
				slog.String("container", string(container)),
				slog.String("error", err.Error()))
			results[i] = decodeFailure(path, cfg, err)
			continue
		}

		job := pipeline.NewJob(pcm, cfg.Transcription.Provider, cfg.Transcription.GetModel(), stack, jobOpts)
		job.Source = pipeline.SourceFile
		job.SourcePath = path
		jobs = append(jobs, job)
	}

	summary, batchErr := pipeline.RunBatch(ctx, orchestrator, jobs, cfg.Batch.Concurrency)
	if batchErr != nil {
		logger.Warn("Batch interrupted", slog.String("error", batchErr.Error()))
	}

	// Decoded files became jobs in input order
	next := 0
	enc := json.NewEncoder(out)
	failed := 0
	for i := range opts.Files {
		line := outputLine{Result: results[i]}
		if line.Result == nil {
			job := jobs[next]
			next++
			line.Result = job.Result()

			if store != nil && job.State == pipeline.Completed {
				rec, created, err := store.Save(line.Result)
				if err != nil {
					logger.Error("Failed to archive result", slog.String("job_id", job.ID), slog.String("error", err.Error()))
				} else {
					line.RecordID = rec.ID
					line.AudioFile = rec.AudioFile
					if !created {
						logger.Info("Identical result already archived", slog.String("id", rec.ID))
					}
				}
			}
		}
		if line.State != pipeline.Completed.String() {
			failed++
		}
		if err := enc.Encode(line); err != nil {
			logger.Error("Failed to write result", slog.String("error", err.Error()))
			return 1
		}
	}

	stats := dispatcher.GetStats()
	logger.Info("Batch finished",
		slog.Int("total", len(opts.Files)),
		slog.Int("completed", summary.Completed),
		slog.Int("failed", failed),
		slog.Uint64("provider_requests", stats.TotalRequests),
		slog.Float64("reported_cost", stats.Costs.ReportedCost),
		slog.Float64("estimated_cost", stats.Costs.EstimatedCost),
		slog.Int("unpriced_calls", stats.Costs.UnpricedCalls),
	)

	if opts.Serve && ctx.Err() == nil {
		logger.Info("Status server running, waiting for signals...")
		<-ctx.Done()
	}

	if failed > 0 {
		return 1
	}
	return 0
}

// decodeFailure is the result line of an input that never became a job
func decodeFailure(path string, cfg *config.Config, err error) *pipeline.Result {
	kind := failure.UnsupportedFormat
	if k, ok := failure.KindOf(err); ok {
		kind = k
	}
	return &pipeline.Result{
		JobID:      "",
		Timestamp:  time.Now().UTC(),
		State:      pipeline.Failed.String(),
		FailedAt:   pipeline.Idle.String(),
		ErrorKind:  kind.String(),
		Error:      err.Error(),
		Source:     pipeline.SourceFile,
		SourcePath: path,
		Provider:   cfg.Transcription.Provider,
		Model:      cfg.Transcription.GetModel(),
	}
}

// logEvents logs job progress until ctx ends or the channel is nil
func logEvents(ctx context.Context, events <-chan pipeline.Event, logger *slog.Logger) {
	if events == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			attrs := []slog.Attr{
				slog.String("job_id", ev.JobID),
				slog.String("state", ev.State.String()),
				slog.String("previous", ev.Previous.String()),
			}
			if ev.Attempt > 0 {
				attrs = append(attrs, slog.Int("attempt", ev.Attempt))
			}
			if ev.Delay > 0 {
				attrs = append(attrs, slog.Duration("delay", ev.Delay))
			}
			if ev.Err != nil {
				attrs = append(attrs, slog.String("error", ev.Err.Error()))
			}
			logger.LogAttrs(ctx, slog.LevelDebug, "Job progress", attrs...)
		}
	}
}

// printArchiveStats writes the archive summary for a named window as JSON
func printArchiveStats(out io.Writer, dir, window string, now time.Time) error {
	w, err := archive.ParseWindow(window, now)
	if err != nil {
		return err
	}
	store, err := archive.NewStore(dir, nil)
	if err != nil {
		return err
	}
	stats, err := store.GetStats(w)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
