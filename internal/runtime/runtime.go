package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/control"
	"github.com/loqalabs/loqa-tts/internal/delivery"
	"github.com/loqalabs/loqa-tts/internal/dispatch"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/registry"
	"github.com/loqalabs/loqa-tts/internal/synthesis"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"golang.org/x/sync/errgroup"
)

// Runtime owns every long-lived component of the daemon. The model registry
// and the in-flight task set live here and are handed to the control plane
// and the dispatcher explicitly.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer *http.Server
	httpAddr   atomic.Value
	ready      atomic.Bool

	controlOnce sync.Once

	telemetryClose func(context.Context) error
	metrics        http.Handler

	journal   *eventstore.Store
	models    *registry.Registry
	tasks     *dispatch.Dispatcher
	router    *control.Router
	websocket *control.WebsocketServer
	embedded  *natsserver.EmbeddedServer
	busClient *bus.Client
	busListen *control.BusListener
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start boots every component, serves until ctx is cancelled, then shuts
// down in order: control plane, drain, engines. Startup failures are returned
// before anything is served.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.bootstrap(ctx); err != nil {
		r.cleanup(context.Background())
		return err
	}

	r.ready.Store(true)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.serveHTTP()
	})
	g.Go(func() error {
		return r.tasks.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		r.shutdown()
		return nil
	})

	r.logger.Info("runtime started",
		slog.Int("models", r.models.Len()),
		slog.Int("workers", r.cfg.Dispatch.Workers),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (r *Runtime) bootstrap(ctx context.Context) error {
	shutdownTelemetry, metrics, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metrics = metrics

	r.journal, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open task journal: %w", err)
	}

	r.models = registry.New(registry.Options{
		ManifestName:    r.cfg.Models.ManifestName,
		DefaultEngine:   r.cfg.Models.DefaultEngine,
		DuplicatePolicy: r.cfg.Models.DuplicatePolicy,
		NumThreads:      r.cfg.Models.NumThreads,
		Builders: tts.DefaultBuilders(tts.BackendOptions{
			ExecCommand:    r.cfg.Models.Exec.Command,
			ProbeText:      r.cfg.Models.Exec.ProbeText,
			ChunkSamples:   r.cfg.Models.StreamChunkSamples,
			MockSampleRate: r.cfg.Models.Mock.SampleRate,
		}),
	}, r.logger)
	if r.cfg.Models.Root == "" {
		return errors.New("models root directory is required")
	}
	if err := r.models.Load(ctx, r.cfg.Models.Root); err != nil {
		return fmt.Errorf("load models: %w", err)
	}

	r.tasks = dispatch.New(dispatch.Options{
		Workers:      r.cfg.Dispatch.Workers,
		QueueSize:    r.cfg.Dispatch.QueueSize,
		ReapInterval: time.Duration(r.cfg.Dispatch.ReapIntervalMS) * time.Millisecond,
	}, r.logger)
	r.tasks.Start(ctx)

	transport := delivery.NewPipeTransport(r.cfg.Delivery.PipeDir)
	synth := synthesis.NewService(r.models, transport, r.tasks, r.journal, r.logger)
	r.router = control.NewRouter(r.models, synth, r.logger)

	if r.cfg.Control.Enabled {
		addr := net.JoinHostPort(r.cfg.Control.Bind, strconv.Itoa(r.cfg.Control.Port))
		r.websocket = control.NewWebsocketServer(addr, r.cfg.Control.ReadLimit, r.router, r.logger)
		if err := r.websocket.Start(); err != nil {
			return err
		}
	}

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/models", r.handleModels)
	mux.HandleFunc("/v1/tasks", r.handleTasks)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	r.httpServer = &http.Server{
		Addr:              net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	r.busClient, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.busListen = control.NewBusListener(r.busClient.Conn(), busCfg.Subject, r.router, r.logger)
	return r.busListen.Start()
}

func (r *Runtime) serveHTTP() error {
	if !r.cfg.HTTP.Enabled {
		return nil
	}
	ln, err := net.Listen("tcp", r.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	r.httpAddr.Store(ln.Addr().String())
	r.logger.Info("http server listening", slog.String("addr", ln.Addr().String()))
	if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// HTTPAddr is the bound address of the HTTP server, empty until it listens.
func (r *Runtime) HTTPAddr() string {
	addr, _ := r.httpAddr.Load().(string)
	return addr
}

// ControlAddr is the bound address of the websocket control plane.
func (r *Runtime) ControlAddr() string {
	if r.websocket == nil {
		return ""
	}
	return r.websocket.Addr()
}

// Ready reports whether the daemon accepts synthesis requests.
func (r *Runtime) Ready() bool { return r.ready.Load() }

func (r *Runtime) shutdown() {
	r.ready.Store(false)
	r.logger.Info("runtime stopping", slog.Int("tracked_tasks", r.tasks.Tracked()))

	controlCtx, cancelControl := context.WithTimeout(context.Background(), 10*time.Second)
	r.closeControlPlane(controlCtx)
	cancelControl()

	// No deadline: tasks already accepted are allowed to finish delivering.
	if err := r.tasks.Drain(context.Background()); err != nil {
		r.logger.Error("drain failed", slog.String("error", err.Error()))
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelClose()
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(closeCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.cleanup(closeCtx)
	r.logger.Info("runtime stopped")
}

// closeControlPlane stops new requests from arriving. It runs at most once.
func (r *Runtime) closeControlPlane(ctx context.Context) {
	r.controlOnce.Do(func() {
		if r.router != nil {
			r.router.StopAccepting()
		}
		if r.websocket != nil {
			if err := r.websocket.Close(ctx); err != nil {
				r.logger.Warn("control plane close error", slog.String("error", err.Error()))
			}
		}
		if r.busListen != nil {
			r.busListen.Close()
		}
	})
}

// cleanup releases whatever bootstrap managed to create.
func (r *Runtime) cleanup(ctx context.Context) {
	r.closeControlPlane(ctx)
	if r.tasks != nil {
		if err := r.tasks.Drain(ctx); err != nil {
			r.logger.Warn("dispatcher stop error", slog.String("error", err.Error()))
		}
	}
	r.busClient.Close()
	r.embedded.Shutdown()
	if r.models != nil {
		if err := r.models.Close(); err != nil {
			r.logger.Warn("failed to close models", slog.String("error", err.Error()))
		}
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("failed to close task journal", slog.String("error", err.Error()))
		}
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
		r.telemetryClose = nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load()
	if r.websocket != nil && !r.websocket.Healthy() {
		ready = false
	}
	if r.busListen != nil && !r.busClient.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleModels(w http.ResponseWriter, _ *http.Request) {
	models := r.models.Enumerate()
	reply := protocol.ConfigReply{Models: make([]protocol.ModelInfo, 0, len(models))}
	for _, m := range models {
		reply.Models = append(reply.Models, protocol.ModelInfo{Name: m.Name, Lang: m.Lang, SampleRate: uint32(m.SampleRate)})
	}
	writeJSON(w, http.StatusOK, reply)
}

type inflightTask struct {
	ID       string    `json:"id"`
	Label    string    `json:"label"`
	State    string    `json:"state"`
	Enqueued time.Time `json:"enqueued"`
}

type tasksReply struct {
	Inflight []inflightTask           `json:"inflight"`
	Recent   []eventstore.TaskRecord `json:"recent"`
}

func (r *Runtime) handleTasks(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	recent, err := r.journal.ListRecent(req.Context(), limit)
	if err != nil {
		r.logger.Warn("failed to list journaled tasks", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	reply := tasksReply{Inflight: []inflightTask{}, Recent: recent}
	if reply.Recent == nil {
		reply.Recent = []eventstore.TaskRecord{}
	}
	for _, t := range r.tasks.Snapshot() {
		reply.Inflight = append(reply.Inflight, inflightTask{ID: t.ID, Label: t.Label, State: t.State().String(), Enqueued: t.Enqueued})
	}
	writeJSON(w, http.StatusOK, reply)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
