package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/mpris-proxy/pkg/bus"
	"github.com/mpris-proxy/pkg/config"
	"github.com/mpris-proxy/pkg/logging"
	"github.com/mpris-proxy/pkg/metrics"
	"github.com/mpris-proxy/pkg/ownership"
	"github.com/mpris-proxy/pkg/protocol"
	"github.com/mpris-proxy/pkg/routing"
	"github.com/mpris-proxy/pkg/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const signalBuffer = 64

// NewProxyServer creates a new proxy server on conn. A nil desc uses the
// built-in interface description.
func NewProxyServer(cfg *config.Config, conn bus.Conn, desc *protocol.Description) (*ProxyServer, error) {
	if conn == nil {
		return nil, errors.New("no bus connection")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if desc == nil {
		var err error
		if desc, err = protocol.LoadDescription(); err != nil {
			return nil, err
		}
	}

	aggregator := cfg.Daemon.Name
	server := &ProxyServer{
		conn:     conn,
		desc:     desc,
		registry: prometheus.NewRegistry(),
		events:   make(chan event),
		signals:  make(chan *dbus.Signal, signalBuffer),
		ready:    make(chan struct{}),
		stopped:  make(chan struct{}),

		cfg:                 cfg,
		forwardTimeout:      cfg.GetForwardTimeout(),
		failPendingOnVanish: cfg.Daemon.FailPendingOnVanish,

		tracker: tracker.New(tracker.WithExclude(func(localID string) bool {
			return protocol.IsAggregatorName(localID, aggregator)
		})),
		queue:   routing.NewQueue(routing.ParsePriority(cfg.Daemon.Priority)),
		owner:   ownership.New(conn, aggregator, os.Getpid(), cfg.Daemon.Replace),
		pending: make(map[string]*PendingInvocation),
		props:   make(map[string]map[string]map[string]dbus.Variant),
	}

	// Create collector with a callback reading the published snapshot
	server.collector = metrics.NewCollector(server.metricsState)
	server.registry.MustRegister(server.collector)
	server.owner.OnAcquired = server.collector.RecordNameAcquired
	server.publish()

	return server, nil
}

// Snapshot returns the state published by the event loop.
func (s *ProxyServer) Snapshot() Snapshot {
	snap, _ := s.snapshot.Load().(Snapshot)
	return snap
}

// Ready is closed once the daemon owns a name and serves calls.
func (s *ProxyServer) Ready() <-chan struct{} {
	return s.ready
}

// Reload hands a new configuration to the event loop.
func (s *ProxyServer) Reload(cfg *config.Config) {
	s.post(reloadEvent{cfg: cfg})
}

func (s *ProxyServer) publish() {
	players := s.queue.Snapshot()
	for i, p := range players {
		if tracked, ok := s.tracker.Lookup(p); ok {
			players[i] = tracked
		}
	}
	s.snapshot.Store(Snapshot{Players: players, Claim: s.owner.Claim(), Pending: len(s.pending)})
}

func (s *ProxyServer) metricsState() metrics.State {
	snap := s.Snapshot()
	state := metrics.State{Pending: snap.Pending, Held: snap.Held}
	for _, p := range snap.Players {
		state.Players = append(state.Players, p.String())
	}
	return state
}

// Handler serves the metrics path, /healthz and an index page.
func (s *ProxyServer) Handler(metricsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := s.Snapshot()
		if snap.Held == "" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("no bus name held"))
			return
		}
		w.WriteHeader(http.StatusOK)
		if snap.OnFallback() {
			_, _ = w.Write([]byte("ok fallback=" + snap.Held))
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html>
<head><title>MPRIS Proxy Exporter</title></head>
<body>
<h1>MPRIS Proxy Exporter</h1>
<p><a href="` + metricsPath + `">Metrics</a></p>
</body>
</html>`))
	})
	return mux
}

// StartMetricsServer starts the metrics server and stops it when ctx is done.
func (s *ProxyServer) StartMetricsServer(ctx context.Context, metricsAddr, metricsPath string) error {
	srv := &http.Server{
		Addr:              metricsAddr,
		Handler:           s.Handler(metricsPath),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Logf("[listen] metrics addr=%s path=%s health=/healthz", metricsAddr, metricsPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
