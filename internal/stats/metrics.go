package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	sessionsTotal   prometheus.Counter
	sessionsActive  prometheus.Gauge
	sessionErrors   prometheus.Counter
	sessionDuration prometheus.Histogram
	chunks          prometheus.Counter
	bytes           *prometheus.CounterVec
	broadcasts      prometheus.Counter
	broadcastDur    prometheus.Histogram
	deliveries      *prometheus.CounterVec
	targetFailures  *prometheus.CounterVec
}

// newMetrics registers the proxy metrics plus the Go runtime and process
// collectors on reg.
func newMetrics(reg *prometheus.Registry) *metrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &metrics{
		sessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "hydra_sessions_total",
			Help: "Client sessions opened",
		}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "hydra_sessions_active",
			Help: "Client sessions currently running",
		}),
		sessionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "hydra_session_errors_total",
			Help: "Client sessions ended by an I/O error",
		}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hydra_session_duration_seconds",
			Help:    "Client session lifetime in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		chunks: f.NewCounter(prometheus.CounterOpts{
			Name: "hydra_chunks_total",
			Help: "Chunks read from clients and fanned out",
		}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hydra_client_bytes_total",
			Help: "Bytes exchanged with clients by direction (in/out)",
		}, []string{"direction"}),
		broadcasts: f.NewCounter(prometheus.CounterOpts{
			Name: "hydra_broadcasts_total",
			Help: "Fan-out operations completed",
		}),
		broadcastDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hydra_broadcast_duration_seconds",
			Help:    "Time until every target attempt of one chunk finished",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 10},
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hydra_target_deliveries_total",
			Help: "Target attempts by result (delivered/failed)",
		}, []string{"result"}),
		targetFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hydra_target_failures_total",
			Help: "Failed target attempts by step (resolve/dial/write/timeout)",
		}, []string{"op"}),
	}
}
