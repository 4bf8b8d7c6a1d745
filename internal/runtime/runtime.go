package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scripture/internal/bus"
	"github.com/loqalabs/loqa-scripture/internal/canon"
	"github.com/loqalabs/loqa-scripture/internal/config"
	"github.com/loqalabs/loqa-scripture/internal/eventstore"
	"github.com/loqalabs/loqa-scripture/internal/natsserver"
	"github.com/loqalabs/loqa-scripture/internal/prefetch"
	"github.com/loqalabs/loqa-scripture/internal/scripture"
	"github.com/loqalabs/loqa-scripture/internal/session"
	"github.com/loqalabs/loqa-scripture/internal/tts"
)

// Version is reported by the daemon and tagged on telemetry.
var Version = "0.1.0-dev"

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	metricsServer  *http.Server
	telemetryClose func(context.Context) error
	ready          atomic.Bool
	wg             sync.WaitGroup

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	events  *eventstore.Store
	buffer  *prefetch.Buffer
	session *session.Session
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

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	api, err := r.build(ctx)
	if err != nil {
		r.closeComponents(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	api.Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("metrics_addr", r.cfg.Telemetry.PrometheusBind))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.closeComponents(shutdownCtx)

	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// build wires the listening pipeline: providers, buffer, voice engine and
// session, plus the optional bus and event timeline.
func (r *Runtime) build(ctx context.Context) (*API, error) {
	books := canon.Default()

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	r.events = events

	var publisher session.Publisher
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.nats = ns
		if ns != nil {
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.bus = client
		publisher = client
		if ns.JetStream() {
			if err := client.EnsureSessionStream(7 * 24 * time.Hour); err != nil {
				r.logger.Warn("session event stream unavailable", slog.String("error", err.Error()))
			}
		}
	}

	client := &http.Client{Timeout: time.Duration(r.cfg.Providers.TimeoutMS) * time.Millisecond}
	resolver := scripture.FromConfig(r.cfg.Providers, r.cfg.Cache, books, client, r.logger)
	r.logger.Info("text providers configured", slog.Any("providers", resolver.Providers()))

	// refills outlive any single request but stop with the process
	r.buffer = prefetch.New(ctx, resolver, books, r.cfg.Buffer.Capacity, r.cfg.Buffer.LowWatermark, r.logger)
	engine := tts.NewEngine(tts.NewModelLoader(r.cfg.TTS, r.logger), time.Duration(r.cfg.TTS.TimeoutMS)*time.Millisecond, r.logger)

	deps := session.Deps{
		Books:     books,
		Resolver:  resolver,
		Buffer:    r.buffer,
		Engine:    engine,
		Publisher: publisher,
		Recorder:  events,
	}
	r.session = session.New(deps, session.Options{
		ChunkSize:    r.cfg.Segmenter.ChunkSize,
		DefaultModel: r.cfg.TTS.DefaultModel,
		DefaultVoice: r.cfg.TTS.DefaultVoice,
		DefaultSpeed: r.cfg.TTS.DefaultSpeed,
	}, r.logger)

	return NewAPI(APIDeps{
		Session:  r.session,
		Resolver: resolver,
		Books:    books,
		Engine:   engine,
		History:  events,
	}, r.cfg, r.logger), nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) closeComponents(ctx context.Context) {
	if r.session != nil {
		r.session.Stop(ctx)
	}
	if r.buffer != nil {
		r.buffer.Close()
		r.buffer.Wait()
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (!r.cfg.Bus.Enabled || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
