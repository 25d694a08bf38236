// Command glotline runs the real-time interpretation pipeline: it captures
// one audio source, streams it to a per-language interpretation connection
// for every configured target language, and records the resulting partial
// and final interpretations in the shared event log. With -watch it instead
// follows an existing session as a consumer, printing the live view.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glotline/glotline/internal/config"
	"github.com/glotline/glotline/internal/feed"
	"github.com/glotline/glotline/internal/health"
	"github.com/glotline/glotline/internal/observe"
	"github.com/glotline/glotline/internal/session"
	"github.com/glotline/glotline/internal/store"
	"github.com/glotline/glotline/internal/stream"
	"github.com/glotline/glotline/internal/token"
	"github.com/glotline/glotline/pkg/audio"
	audiodev "github.com/glotline/glotline/pkg/audio/portaudio"
	"github.com/glotline/glotline/pkg/interp"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "list capture devices and exit")
	watch := flag.String("watch", "", "follow an existing session id as a consumer instead of producing")
	watchLang := flag.String("lang", "", "with -watch, show only this target language")
	flag.Parse()

	if *listDevices {
		return listCaptureDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "glotline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "glotline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("glotline starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "glotline",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Event log ─────────────────────────────────────────────────────────────
	st, err := store.Open(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		slog.Error("failed to open interpretation store", "err", err)
		return 1
	}
	defer st.Close()

	if *watch != "" {
		return runConsumer(ctx, st, *watch, *watchLang)
	}
	return runProducer(ctx, cfg, st)
}

// ── Producer ──────────────────────────────────────────────────────────────────

func runProducer(ctx context.Context, cfg *config.Config, st *store.Store) int {
	var issuer token.Issuer
	if cfg.Token.Endpoint != "" {
		httpIssuer, err := token.NewHTTPIssuer(cfg.Token.Endpoint, cfg.Token.APIKey)
		if err != nil {
			slog.Error("failed to create token issuer", "err", err)
			return 1
		}
		issuer = httpIssuer
	} else {
		issuer = token.Static{Token: cfg.Token.APIKey}
	}

	gate := session.NewGate()

	fo := stream.NewFanout(stream.FanoutConfig{
		Endpoint:       cfg.Interpret.Endpoint,
		Model:          cfg.Interpret.Model,
		SessionID:      gate.ID(),
		DeviceID:       cfg.Audio.DeviceID,
		Issuer:         issuer,
		OpenDevice:     openCaptureDevice,
		ConnectTimeout: time.Duration(cfg.Interpret.ConnectTimeoutSeconds) * time.Second,
	})

	printStartupSummary(cfg, gate.ID())

	httpSrv := startHTTPServer(cfg.Server.ListenAddr, st, fo, gate)

	if err := fo.Start(ctx, cfg.Interpret.SourceLanguage, cfg.Interpret.TargetLanguages); err != nil {
		slog.Error("failed to start stream fanout", "err", err)
		shutdownHTTPServer(httpSrv)
		return 1
	}

	slog.Info("session live — press Ctrl+C to end it", "session_id", gate.ID())

	// The recorder drains the merged event stream into the log; its return
	// doubles as the fanout-fully-stopped signal.
	recorded := make(chan struct{})
	go func() {
		defer close(recorded)
		rec := stream.NewRecorder(st)
		if err := rec.Run(context.Background(), fo.Events()); err != nil {
			slog.Warn("recorder stopped early", "err", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
		fo.Stop()
	case <-recorded:
		// The fanout tore itself down (device failure or every connection
		// dropped) before any signal arrived.
		slog.Warn("stream fanout ended on its own")
	}
	<-recorded

	gate.End()
	shutdownHTTPServer(httpSrv)
	slog.Info("goodbye", "session_id", gate.ID())
	return 0
}

// ── Consumer ──────────────────────────────────────────────────────────────────

func runConsumer(ctx context.Context, st *store.Store, sessionID, language string) int {
	sub := feed.NewSubscriber(feed.SubscriberConfig{
		Source:    st,
		History:   st,
		SessionID: sessionID,
	})
	sub.Start(ctx)
	defer sub.End()

	slog.Info("following session — press Ctrl+C to stop",
		"session_id", sessionID,
		"language", language,
	)

	// Finals print once; the live line reprints as it grows.
	printedFinals := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return 0
		case status, ok := <-sub.StatusUpdates():
			if !ok {
				return 0
			}
			slog.Info("subscription status", "state", status.State, "message", status.Message)
			if status.State == interp.StatusEnded {
				return 0
			}
		case <-sub.Updates():
			for _, row := range feed.Present(sub.History(), language) {
				text := row.TranslatedText
				if text == "" {
					text = row.OriginalText
				}
				switch {
				case row.IsFinal && !printedFinals[row.ID]:
					printedFinals[row.ID] = true
					fmt.Printf("[%s #%d] %s\n", row.TargetLanguage, row.Sequence, text)
				case !row.IsFinal:
					fmt.Printf("[%s #%d] %s …\r", row.TargetLanguage, row.Sequence, text)
				}
			}
		}
	}
}

// ── Audio devices ─────────────────────────────────────────────────────────────

// openCaptureDevice adapts the portaudio constructor to the fanout's device
// opener signature.
func openCaptureDevice(id string) (audio.Device, error) {
	return audiodev.Open(id)
}

func listCaptureDevices() int {
	devices, err := audiodev.ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "glotline: list devices: %v\n", err)
		return 1
	}
	for _, d := range devices {
		fmt.Printf("%-12s %s\n", d.ID, d.Name)
	}
	return 0
}

// ── HTTP server ───────────────────────────────────────────────────────────────

func startHTTPServer(addr string, st *store.Store, fo *stream.Fanout, gate *session.Gate) *http.Server {
	if addr == "" {
		return nil
	}

	checker := health.New(
		func() map[string]any {
			return map[string]any{
				"session_id": gate.ID(),
				"fanout":     fo.State().String(),
				"ended":      gate.IsEnded(),
			}
		},
		health.Checker{Name: "database", Check: st.Ping},
		health.Checker{Name: "fanout", Check: func(context.Context) error {
			if fo.State() == stream.FanoutStopped {
				return errors.New("fanout stopped")
			}
			return nil
		}},
	)

	mux := http.NewServeMux()
	checker.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: observe.Middleware(observe.DefaultMetrics())(mux),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
		}
	}()
	return srv
}

func shutdownHTTPServer(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, sessionID string) {
	fmt.Println("╔══════════════════════════════════════════════╗")
	fmt.Println("║            Glotline — startup summary        ║")
	fmt.Println("╠══════════════════════════════════════════════╣")
	printField("Session", shorten(sessionID, 26))
	printField("Model", cfg.Interpret.Model)
	printField("Source lang", cfg.Interpret.SourceLanguage)
	printField("Targets", fmt.Sprintf("%v", cfg.Interpret.TargetLanguages))
	printField("Device", cfg.Audio.DeviceID)
	printField("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚══════════════════════════════════════════════╝")
}

func printField(name, value string) {
	if value == "" {
		value = "(default)"
	}
	fmt.Printf("║  %-12s : %-27s ║\n", name, shorten(value, 27))
}

func shorten(s string, max int) string {
	if len(s) > max {
		return s[:max-1] + "…"
	}
	return s
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
