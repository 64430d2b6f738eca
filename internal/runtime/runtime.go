package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/admission"
	"github.com/loqalabs/loqa-narrator/internal/artifacts"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/orchestrator"
	"github.com/loqalabs/loqa-narrator/internal/synth"
	"github.com/loqalabs/loqa-narrator/internal/voiceclass"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	events    *eventstore.Store
	scheduler *admission.Scheduler
	orch      *orchestrator.Orchestrator
	service   *orchestrator.Service
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
	r.tracerClose = shutdownTelemetry

	if err := r.startNarration(ctx); err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           newMux(r.orch, r.isReady, metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.Any("voice_classes", r.orch.Limits()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// startNarration brings up the bus, journal and narration pipeline.
func (r *Runtime) startNarration(ctx context.Context) error {
	ns, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns

	busCfg := r.cfg.Bus
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	registry, err := voiceclass.FromConfig(r.cfg.VoiceClasses)
	if err != nil {
		return fmt.Errorf("voice classes: %w", err)
	}
	backend, err := synth.NewBackend(r.cfg.Synth)
	if err != nil {
		return err
	}
	invoker := synth.NewInvoker(backend, registry, synth.OptionsFromConfig(r.cfg.Synth), r.logger)
	r.scheduler = admission.NewScheduler(registry, admission.OptionsFromConfig(r.cfg.Admission), invoker, r.logger)
	r.orch = orchestrator.New(registry, r.scheduler, r.events, invoker.OutputFormat(), r.logger)

	sink, err := r.artifactSink()
	if err != nil {
		return err
	}
	r.service = orchestrator.NewService(ctx, r.cfg.Narration, r.bus, r.orch, sink, r.logger)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("start narration service: %w", err)
	}
	r.logger.Info("narration pipeline ready",
		slog.String("synth_mode", r.cfg.Synth.Mode),
		slog.String("artifacts_mode", r.cfg.Artifacts.Mode))
	return nil
}

func (r *Runtime) artifactSink() (artifacts.Sink, error) {
	if r.cfg.Artifacts.Mode != "objectstore" {
		return artifacts.Discard{}, nil
	}
	obs, err := r.bus.ObjectStore(r.cfg.Artifacts.Bucket)
	if err != nil {
		return nil, err
	}
	return artifacts.NewObjectStoreSink(obs, r.cfg.Artifacts.Bucket, r.logger), nil
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.events.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// shutdown releases components in reverse start order.
func (r *Runtime) shutdown() {
	if r.service != nil {
		r.service.Close()
	}
	if r.scheduler != nil {
		r.scheduler.Close()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) isReady() bool {
	return r.ready.Load() && r.bus.Healthy() && (r.service == nil || r.service.Healthy())
}
