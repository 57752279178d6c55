package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves a dedicated Prometheus registry on its own address.
type MetricsServer struct {
	registry *prometheus.Registry
	metrics  *Metrics
	srv      *http.Server
}

// New creates a registry with the wallet collectors plus the Go and process
// collectors, served under /metrics on addr.
func New(namespace string, addr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	wrapped := prometheus.WrapRegistererWithPrefix(namespace+"_", registry)

	m := NewMetrics()
	if err := m.Register(wrapped); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	return &MetricsServer{
		registry: registry,
		metrics:  m,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Metrics returns the wallet collectors registered on this server.
func (s *MetricsServer) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the HTTP handler serving /metrics.
func (s *MetricsServer) Handler() http.Handler {
	return s.srv.Handler
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
