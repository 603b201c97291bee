package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-companion/internal/bus"
	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/eventstore"
	"github.com/loqalabs/loqa-companion/internal/gateway"
	"github.com/loqalabs/loqa-companion/internal/llm"
	"github.com/loqalabs/loqa-companion/internal/natsserver"
	"github.com/loqalabs/loqa-companion/internal/session"
	"github.com/loqalabs/loqa-companion/internal/stt"
	"github.com/loqalabs/loqa-companion/internal/tts"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	telemetry   *telemetry
	embedded    *natsserver.EmbeddedServer
	bus         *bus.Client
	store       *eventstore.Store
	stt         *stt.Service
	gateway     *gateway.Manager
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	defer r.closeTelemetry()

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		return err
	}
	defer r.stopServices()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if tel.metrics != nil {
		mux.Handle("/metrics", tel.metrics)
	}
	if prefix := speechRoute(r.cfg.Speech.PublicURL); prefix != "" {
		mux.Handle(prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(r.cfg.Speech.Directory))))
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.RuntimeName, r.cfg.Bus, r.logger.With(slog.String("component", "nats-server")))
	if err != nil {
		return err
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "event-store")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	generator, err := llm.NewGenerator(ctx, r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("create llm backend: %w", err)
	}
	text := llm.NewService(r.cfg.LLM, generator, r.logger)

	synth, err := tts.NewSynthesizer(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("create tts backend: %w", err)
	}
	speech, err := tts.NewSpeechGenerator(r.cfg.TTS, r.cfg.Speech, synth, r.logger)
	if err != nil {
		return err
	}

	if r.cfg.STT.Enabled {
		recognizer, err := stt.NewRecognizer(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("create stt backend: %w", err)
		}
		r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, recognizer, r.logger)
	}

	metrics, err := session.NewMetrics()
	if err != nil {
		r.logger.Warn("failed to initialize session metrics", slog.String("error", err.Error()))
	}

	backends := gateway.Backends{
		Text:    text,
		Speech:  speech,
		Store:   r.store,
		STT:     r.stt,
		Metrics: metrics,
	}
	if r.cfg.LLM.ActionsEnabled {
		backends.Actions = text
	}
	r.gateway = gateway.NewManager(ctx, r.cfg, r.bus, backends, r.logger)
	return r.gateway.Start()
}

func (r *Runtime) stopServices() {
	if r.gateway != nil {
		r.gateway.Close()
		r.gateway = nil
	}
	if r.stt != nil {
		r.stt.Close()
		r.stt = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
		r.embedded = nil
	}
}

func (r *Runtime) closeTelemetry() {
	if r.telemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.telemetry.Shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.gateway.Healthy() && r.stt.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// speechRoute returns the mux pattern serving synthesized audio, or "" when
// audio is published under another host.
func speechRoute(publicURL string) string {
	u, err := url.Parse(publicURL)
	if err != nil || u.Host != "" || !strings.HasPrefix(u.Path, "/") {
		return ""
	}
	return strings.TrimRight(u.Path, "/") + "/"
}
