package stats

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// MetricsServer exposes the role's counters on /metrics for Prometheus
// scraping plus a /healthz probe, mirroring the snapshot CSV for live
// dashboards. Optional: only started when a metrics address is configured.
type MetricsServer struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewMetricsServer registers collectors over s and binds an HTTP server to
// addr. health is consulted by /healthz; a nil health always reports ok.
func NewMetricsServer(addr string, s *Stats, health func(context.Context) error, logger zerolog.Logger) *MetricsServer {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "mqbench_messages_sent_total",
		Help: "Messages accepted by the local client for publication",
	}, func() float64 { return float64(s.totalSent()) }))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "mqbench_messages_received_total",
		Help: "Messages delivered to this role",
	}, func() float64 { return float64(s.totalRecv()) }))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "mqbench_errors_total",
		Help: "Transport operations that returned an error",
	}, func() float64 { return float64(s.totalErrors()) }))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "mqbench_stats_drops_total",
		Help: "Latency samples dropped because the stats channel was full",
	}, func() float64 { return float64(s.StatsDrops()) }))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
		}
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &MetricsServer{
		srv:    &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start serves in the background until Stop.
func (m *MetricsServer) Start() {
	go func() {
		m.logger.Info().Str("addr", m.srv.Addr).Msg("metrics server listening")
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// Stop shuts the server down within the given grace period.
func (m *MetricsServer) Stop(ctx context.Context) {
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("metrics server shutdown")
	}
}
