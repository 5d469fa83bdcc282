// Command lectora is the main entry point for the Lectora reading assistant.
//
// With image paths as arguments it runs the pipeline once, prints the result
// as JSON and waits for narration to finish:
//
//	lectora -config config.yaml page1.png page2.jpg
//
// Without arguments it serves the HTTP API until interrupted.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/MrWong99/lectora/internal/config"
	"github.com/MrWong99/lectora/internal/health"
	"github.com/MrWong99/lectora/internal/narration"
	"github.com/MrWong99/lectora/internal/observe"
	"github.com/MrWong99/lectora/internal/ocr"
	"github.com/MrWong99/lectora/internal/ocr/mathpix"
	"github.com/MrWong99/lectora/internal/pipeline"
	"github.com/MrWong99/lectora/internal/remote"
	"github.com/MrWong99/lectora/internal/reqtrace"
	"github.com/MrWong99/lectora/internal/server"
	"github.com/MrWong99/lectora/internal/stage"
	"github.com/MrWong99/lectora/pkg/speech"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: lectora [-config path] [image ...]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lectora: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lectora: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&level))

	oneShot := flag.NArg() > 0
	slog.Info("lectora starting",
		"version", version,
		"config", *configPath,
		"one_shot", oneShot,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Narration ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinSpeakers(reg)

	speaker, err := reg.CreateSpeaker(cfg.Narration)
	if err != nil {
		slog.Error("failed to create speaker", "name", cfg.Narration.Speaker.Name, "err", err)
		return 1
	}
	live := &liveSpeaker{s: speaker}
	queue := narration.New(speaker,
		narration.WithVoice(cfg.Narration.Voice()),
		narration.WithGap(cfg.Narration.Gap),
		narration.WithMetrics(tel.Metrics),
	)
	defer queue.Close()

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(config.Diff(old, new), new, &level, reg, queue, live)
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()
	go reloadOnHangup(ctx, watcher)
	settings := config.NewSettings(watcher)

	// ── Pipeline ──────────────────────────────────────────────────────────────
	tracer := reqtrace.New()
	ocrClient := remote.New(tracer,
		remote.WithTimeout(cfg.OCR.Timeout),
		remote.WithMetrics(tel.Metrics),
	)
	flowClient := remote.New(tracer,
		remote.WithTimeout(cfg.Flows.Timeout),
		remote.WithMetrics(tel.Metrics),
	)
	controller := pipeline.New(settings, flowClient, stage.NewTracker(),
		pipeline.WithRecognizer(mathpix.New(ocrClient)),
		pipeline.WithNarrator(queue),
		pipeline.WithBranchLabels(cfg.Flows.AnswerA.Label, cfg.Flows.AnswerB.Label),
		pipeline.WithMetrics(tel.Metrics),
	)

	if oneShot {
		return runOnce(ctx, controller, queue, settings, flag.Args())
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	checks := health.New(
		health.Settings(func() []string { return config.Missing(watcher.Current()) }),
		health.Ping("speaker", live),
	)
	srv := server.New(controller,
		server.WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
		server.WithHealth(checks),
		server.WithMetricsHandler(tel.MetricsHandler),
		server.WithMetrics(tel.Metrics),
	)

	printStartupSummary(cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(cfg.Server.ListenAddr)
	}()
	slog.Info("server ready; press Ctrl+C to shut down", "listen_addr", cfg.Server.ListenAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runOnce executes a single run over the image files in paths and prints the
// result to stdout. It returns the process exit code.
func runOnce(ctx context.Context, c *pipeline.Controller, q *narration.Queue, settings *config.Settings, paths []string) int {
	images, err := ocr.Load(ctx, ocr.FileSource{}, paths...)
	if err != nil {
		slog.Error("failed to load images", "err", err)
		return 1
	}

	res, runErr := c.Run(ctx, images)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		slog.Error("failed to write result", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}

	if settings.NarrationEnabled() {
		slog.Info("waiting for narration to finish", "pending", q.Pending())
		if err := q.Wait(ctx); err != nil {
			slog.Warn("narration interrupted", "err", err)
			return 1
		}
	}
	return 0
}

// applyReload applies the hot-reloadable part of a config change.
func applyReload(d config.ConfigDiff, cfg *config.Config, level *slog.LevelVar, reg *config.Registry, q *narration.Queue, live *liveSpeaker) {
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.NarrationToggled {
		slog.Info("narration toggled", "enabled", cfg.Narration.Enabled)
	}
	if d.VoiceChanged {
		q.SetVoice(cfg.Narration.Voice())
		q.SetGap(cfg.Narration.Gap)
		slog.Info("narration voice updated", "language", cfg.Narration.Language, "rate", cfg.Narration.Rate)
	}
	if d.SpeakerChanged {
		s, err := reg.CreateSpeaker(cfg.Narration)
		if err != nil {
			slog.Warn("config reload: keeping previous speaker", "name", cfg.Narration.Speaker.Name, "err", err)
		} else {
			q.SetSpeaker(s)
			live.set(s)
			slog.Info("speaker replaced", "name", cfg.Narration.Speaker.Name)
		}
	}
	if d.EndpointsChanged {
		slog.Info("service endpoints updated; effective from the next run")
	}
}

// reloadOnHangup forces a config reload on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			switch err := w.Reload(); {
			case errors.Is(err, config.ErrUnchanged):
				slog.Info("SIGHUP: configuration unchanged")
			case err != nil:
				slog.Warn("SIGHUP: keeping previous config", "err", err)
			}
		}
	}
}

// liveSpeaker tracks the speaker currently installed in the narration queue
// so the readiness probe pings the right backend.
type liveSpeaker struct {
	mu sync.Mutex
	s  speech.Speaker
}

func (l *liveSpeaker) set(s speech.Speaker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s = s
}

// Ping implements [health.Pinger]. Speakers without a probe are always ready.
func (l *liveSpeaker) Ping(ctx context.Context) error {
	l.mu.Lock()
	s := l.s
	l.mu.Unlock()
	if p, ok := s.(speech.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Lectora — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("OCR", orUnset(cfg.OCR.URL))
	printRow("Analysis", orUnset(cfg.Flows.AnalysisURL))
	printRow(cfg.Flows.AnswerA.Label, orUnset(cfg.Flows.AnswerA.URL))
	printRow(cfg.Flows.AnswerB.Label, orUnset(cfg.Flows.AnswerB.URL))
	if cfg.Narration.Enabled {
		printRow("Narration", cfg.Narration.Speaker.Name+" / "+cfg.Narration.Language)
	} else {
		printRow("Narration", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if len(kind) > 12 {
		kind = kind[:11] + "…"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func orUnset(raw string) string {
	if raw == "" {
		return "(not configured)"
	}
	return raw
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
