// Package obs exposes the run's internal counters over Prometheus, on the
// same promhttp /metrics + /healthz shape the pack's RDMA exporter uses,
// kept in the teacher's zerolog idiom rather than log/slog.
package obs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds every counter/gauge the core exposes.
type Metrics struct {
	registry *prometheus.Registry

	EvictionSetsBuilt      prometheus.Counter
	ClassifierSamples      *prometheus.CounterVec
	MeasurementsRecorded   prometheus.Counter
	SyncOutcomes           *prometheus.CounterVec
	SyncPacketsSent        prometheus.Counter
}

// New registers every metric against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		EvictionSetsBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netcat",
			Name:      "eviction_sets_built_total",
			Help:      "Eviction sets successfully constructed by the RPP engine (not counted under --quiet).",
		}),
		ClassifierSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netcat",
			Name:      "classifier_samples_total",
			Help:      "Latency samples fed to the timing classifier, by kind (hit/miss).",
		}, []string{"kind"}),
		MeasurementsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netcat",
			Name:      "measurements_recorded_total",
			Help:      "Measurement rounds recorded by the online tracker.",
		}),
		SyncOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netcat",
			Name:      "sync_outcomes_total",
			Help:      "Measurement rounds by resulting sync status.",
		}, []string{"status"}),
		SyncPacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netcat",
			Name:      "sync_packets_sent_total",
			Help:      "Synchronization datagrams sent to the victim.",
		}),
	}

	reg.MustRegister(
		m.EvictionSetsBuilt,
		m.ClassifierSamples,
		m.MeasurementsRecorded,
		m.SyncOutcomes,
		m.SyncPacketsSent,
	)
	return m
}

// Server exposes Metrics over HTTP: /metrics for scraping, /healthz for
// liveness.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// NewServer builds a Server listening on addr. Call ListenAndServe to run
// it; it blocks until Shutdown is called or the listener fails.
func NewServer(addr string, m *Metrics, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// ListenAndServe starts the HTTP server, returning nil on a clean
// Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("metrics server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("obs: metrics server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
