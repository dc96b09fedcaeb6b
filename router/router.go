package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Options configures a Router, mapping 1:1 onto spec.md §6's configuration
// table (plus the object-store readiness addition from SPEC_FULL.md §4.E.2).
type Options struct {
	RequestTimeout    time.Duration // default request_timeout_s
	KeepaliveInterval time.Duration
	MaxBufferedBytes  int64
	StreamQueueDepth  int
	MaxChunkSize      int64
	Metrics           *Metrics
	Log               *slog.Logger

	// Ready is an optional readiness probe (e.g. internal/objectstore) whose
	// health is reported from the liveness endpoint. Nil disables the check.
	Ready func(ctx context.Context) error
}

// Router is the process-wide singleton described in spec.md §9 ("Global
// state... created at startup and torn down on shutdown"), composing the
// Session Registry and Request Broker behind an HTTP surface.
type Router struct {
	opts     Options
	log      *slog.Logger
	metrics  *Metrics
	registry *Registry
	broker   *Broker

	shuttingDown chan struct{}
}

// New constructs a Router. Call Handler to obtain the http.Handler to serve,
// and StartBackground to launch the heartbeat and table-sweep loops.
func New(opts Options) *Router {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.StreamQueueDepth <= 0 {
		opts.StreamQueueDepth = 16
	}
	if opts.MaxBufferedBytes <= 0 {
		opts.MaxBufferedBytes = 256 << 20
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = 4 << 20
	}

	registry := NewRegistry(opts.KeepaliveInterval, opts.Metrics, opts.Log)
	broker := NewBroker(registry, opts.MaxBufferedBytes, opts.StreamQueueDepth, opts.MaxChunkSize, opts.Metrics, opts.Log)

	return &Router{
		opts:         opts,
		log:          opts.Log,
		metrics:      opts.Metrics,
		registry:     registry,
		broker:       broker,
		shuttingDown: make(chan struct{}),
	}
}

// Handler builds the complete HTTP surface from spec.md §6.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/connect", rt.handleConnect)
	mux.HandleFunc("/connect/pong", rt.handleConnectPong)

	mux.HandleFunc("/connectors", rt.handleListConnectors)

	mux.HandleFunc("/datasets/request-sync", rt.handleRequestSync)
	mux.HandleFunc("/datasets/request-stream", rt.handleRequestStream)
	mux.HandleFunc("/datasets/request-offload", rt.handleRequestOffload)
	mux.HandleFunc("/datasets/status/", rt.handleStatus)

	mux.HandleFunc("/datasets/result", rt.handleResult)
	mux.HandleFunc("/datasets/stream/init", rt.handleStreamInit)
	mux.HandleFunc("/datasets/stream/chunk", rt.handleStreamChunk)
	mux.HandleFunc("/datasets/stream/complete", rt.handleStreamComplete)
	mux.HandleFunc("/datasets/stream/error", rt.handleStreamError)

	mux.HandleFunc("/healthz", rt.handleHealth)

	return mux
}

// StartBackground launches the heartbeat and pending-table sweep loops.
// stop closes to terminate both.
func (rt *Router) StartBackground(stop <-chan struct{}) {
	rt.registry.StartHeartbeats(stop)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				rt.broker.Sweep(10 * time.Minute)
			}
		}
	}()
}

// Shutdown implements spec.md §9's shutdown drain: stop accepting new
// requests is the caller's responsibility (e.g. http.Server.Shutdown);
// Router.Shutdown cancels every pending request with reason "shutdown" and
// closes all sessions.
func (rt *Router) Shutdown(ctx context.Context) {
	close(rt.shuttingDown)

	rt.broker.mu.Lock()
	pending := make([]*PendingRequest, 0, len(rt.broker.table))
	for _, pr := range rt.broker.table {
		if !pr.isTerminal() {
			pending = append(pending, pr)
		}
	}
	rt.broker.mu.Unlock()
	for _, pr := range pending {
		rt.broker.Cancel(pr, KindShutdown)
	}

	rt.registry.CloseAll()
}

func (rt *Router) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, rt.registry.List())
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	select {
	case <-rt.shuttingDown:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "detail": "shutting down"})
		return
	default:
	}
	if rt.opts.Ready == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := rt.opts.Ready(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
