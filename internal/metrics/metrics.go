package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Send paths and results used as label values.
const (
	PathRealtime = "realtime"
	PathREST     = "rest"

	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds the client's Prometheus collectors on a private registry so
// several clients (and tests) can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	Connects       *prometheus.CounterVec
	Reconnects     prometheus.Counter
	ConnState      *prometheus.GaugeVec
	Sends          *prometheus.CounterVec
	Incoming       *prometheus.CounterVec
	StaleDiscarded prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatline",
			Name:      "transport_connects_total",
			Help:      "Realtime connection attempts by result.",
		}, []string{"result"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatline",
			Name:      "transport_reconnects_total",
			Help:      "Successful reconnections after a transient loss.",
		}),
		ConnState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatline",
			Name:      "transport_state",
			Help:      "1 for the current state of the active connection handle.",
		}, []string{"state"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatline",
			Name:      "sends_total",
			Help:      "Message deliveries by path and result.",
		}, []string{"path", "result"}),
		Incoming: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatline",
			Name:      "timeline_incoming_total",
			Help:      "Incoming messages by reconciliation outcome.",
		}, []string{"outcome"}),
		StaleDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatline",
			Name:      "stale_results_discarded_total",
			Help:      "Async results dropped because their conversation is no longer selected.",
		}),
	}
	reg.MustRegister(m.Connects, m.Reconnects, m.ConnState, m.Sends, m.Incoming, m.StaleDiscarded)
	return m
}

// SetState marks state as the only active connection state.
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnState.WithLabelValues(s).Set(v)
	}
}

// ObserveSend records one delivery attempt.
func (m *Metrics) ObserveSend(path string, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.Sends.WithLabelValues(path, result).Inc()
}

// ObserveIncoming records a reconciliation outcome.
func (m *Metrics) ObserveIncoming(outcome string) {
	if m == nil {
		return
	}
	m.Incoming.WithLabelValues(outcome).Inc()
}

// ObserveConnect records a dial attempt.
func (m *Metrics) ObserveConnect(err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.Connects.WithLabelValues(result).Inc()
}

// ObserveReconnect counts a recovered connection.
func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// ObserveStale counts a discarded stale result.
func (m *Metrics) ObserveStale() {
	if m == nil {
		return
	}
	m.StaleDiscarded.Inc()
}

// Server exposes the registry on /metrics.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer builds a metrics listener for addr. It is not started.
func NewServer(addr string, m *Metrics, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start listens in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("metrics listener started", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics listener error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
