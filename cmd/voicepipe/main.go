package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/skypro1111/voicenote-pipeline/internal/config"
	"github.com/skypro1111/voicenote-pipeline/internal/prompt"
	"github.com/skypro1111/voicenote-pipeline/internal/transcription"
	"github.com/skypro1111/voicenote-pipeline/internal/vad"
)

const (
	serviceName    = "voicepipe"
	serviceVersion = "1.0.0"
)

// cliOptions are the command line settings layered over the config file
type cliOptions struct {
	ConfigPath  string
	EnvPath     string
	Provider    string
	Model       string
	Language    string
	Granularity string
	Layers      string
	BasePrompt  string
	ArchiveDir  string
	Concurrency int

	NoVAD         bool
	NoGain        bool
	AllowDegraded bool
	NoArchive     bool
	Serve         bool

	Files []string
}

func main() {
	var opts cliOptions
	flag.StringVar(&opts.ConfigPath, "config", "", "Path to configuration file (defaults are used when empty)")
	flag.StringVar(&opts.EnvPath, "env", ".env", "Path to a .env file with backend API keys")
	flag.StringVar(&opts.Provider, "provider", "", "Backend: "+strings.Join(transcription.ProviderNames(), ", "))
	flag.StringVar(&opts.Model, "model", "", "Model identifier (provider default when empty)")
	flag.StringVar(&opts.Language, "language", "", "Language hint, e.g. en or uk")
	flag.StringVar(&opts.Granularity, "granularity", "", "Timestamp granularity: segment or word")
	flag.StringVar(&opts.Layers, "layers", "", "Comma-separated prompt layers, e.g. todo,concise")
	flag.StringVar(&opts.BasePrompt, "prompt", "", "Base instruction replacing the foundation prompt")
	flag.StringVar(&opts.ArchiveDir, "archive", "", "Archive directory override")
	flag.IntVar(&opts.Concurrency, "concurrency", 0, "Jobs run concurrently")
	flag.BoolVar(&opts.NoVAD, "no-vad", false, "Send the whole recording without silence removal")
	flag.BoolVar(&opts.NoGain, "no-gain", false, "Skip gain adjustment")
	flag.BoolVar(&opts.AllowDegraded, "allow-degraded", false, "Run without VAD when the model asset is missing")
	flag.BoolVar(&opts.NoArchive, "no-archive", false, "Do not archive results")
	flag.BoolVar(&opts.Serve, "serve", false, "Keep the status server running after the batch until interrupted")
	installModel := flag.Bool("install-vad-model", false, "Write the VAD model asset to the configured path and exit")
	listModels := flag.Bool("list-models", false, "List catalogued models per backend and exit")
	listLayers := flag.Bool("list-layers", false, "List prompt layers and exit")
	statsWindow := flag.String("stats", "", "Print archive statistics for a window (all, last-60m, this-hour, last-hour, today, this-week, this-month) and exit")
	flag.Parse()
	opts.Files = flag.Args()

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(2)
	}

	switch {
	case *listModels:
		printModels(os.Stdout)
		return
	case *listLayers:
		lib, _ := cfg.Prompt.Library()
		for _, name := range lib.Names() {
			l, _ := lib.Get(name)
			fmt.Fprintf(os.Stdout, "%-16s %-8s %s\n", l.Name, l.Kind, l.Text)
		}
		return
	case *statsWindow != "":
		if err := printArchiveStats(os.Stdout, cfg.Archive.Dir, *statsWindow, time.Now()); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read archive statistics: %v\n", err)
			os.Exit(1)
		}
		return
	case *installModel:
		if err := vad.InstallModel(cfg.VAD.ModelPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to install VAD model: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "VAD model written to %s\n", cfg.VAD.ModelPath)
		return
	}

	if len(opts.Files) == 0 && !opts.Serve {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] file.wav|file.mp3 ...\n", serviceName)
		flag.PrintDefaults()
		os.Exit(2)
	}

	logger, closeLog := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", opts.ConfigPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := run(ctx, cfg, opts, logger, os.Stdout)

	logger.Info("Service stopped", slog.Int("exit_code", code))
	closeLog.Close()
	stop()
	os.Exit(code)
}

// loadConfig reads the config file or defaults, fills credentials and
// applies flag overrides
func loadConfig(opts cliOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(opts.EnvPath); err != nil {
		return nil, err
	}

	if opts.Provider != "" && opts.Provider != cfg.Transcription.Provider {
		cfg.Transcription.Provider = opts.Provider
		// A model from the file belongs to the previous provider
		cfg.Transcription.Model = ""
	}
	if opts.Model != "" {
		cfg.Transcription.Model = opts.Model
	}
	if opts.Language != "" {
		cfg.Transcription.Language = opts.Language
	}
	if opts.Granularity != "" {
		cfg.Transcription.Granularity = opts.Granularity
	}
	if opts.Layers != "" {
		cfg.Prompt.Layers = splitList(opts.Layers)
	}
	if opts.BasePrompt != "" {
		cfg.Prompt.Base = opts.BasePrompt
	}
	if opts.ArchiveDir != "" {
		cfg.Archive.Dir = opts.ArchiveDir
	}
	if opts.Concurrency > 0 {
		cfg.Batch.Concurrency = opts.Concurrency
	}
	if opts.NoVAD {
		cfg.VAD.Enabled = false
	}
	if opts.NoGain {
		cfg.Gain.Enabled = false
	}
	if opts.AllowDegraded {
		cfg.VAD.AllowDegraded = true
	}
	if opts.NoArchive {
		cfg.Archive.Enabled = false
	}
	if opts.Serve {
		cfg.HTTP.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printModels(w io.Writer) {
	for _, provider := range transcription.ProviderNames() {
		fmt.Fprintf(w, "%s:\n", provider)
		for i, model := range transcription.Models[provider] {
			marker := ""
			if i == 0 {
				marker = " (default)"
			}
			fmt.Fprintf(w, "  %s%s\n", model, marker)
		}
	}
	fmt.Fprintf(w, "\nprompt base: %d characters of foundation cleanup instructions\n", len(prompt.FoundationPrompt))
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Transcripts go to stdout, so logs default to stderr
	var output io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	switch cfg.Output {
	case "stderr", "":
	case "stdout":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stderr\n", cfg.Output, err)
		} else {
			output = file
			closer = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler), closer
}
