package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ProbeResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncprobe_probe_results_total",
			Help: "Probe iterations by consistency result",
		},
		[]string{"result"},
	)
	ProbeIteration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syncprobe_probe_iteration",
		Help: "Index of the last recorded probe iteration",
	})
	WriteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncprobe_write_latency_seconds",
		Help:    "Latency of the transactional upsert on the primary",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	ReadLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncprobe_read_latency_seconds",
		Help:    "Latency of the verifying read on the secondary",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncprobe_reconnects_total",
			Help: "Connections replaced after a failed liveness check",
		},
		[]string{"node"},
	)
	LoadOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncprobe_load_ops_total",
			Help: "Load generator operations by kind and outcome",
		},
		[]string{"op", "outcome"},
	)
	SandboxAppliedIndex = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncprobe_sandbox_applied_index",
			Help: "Last Raft index applied by each sandbox node",
		},
		[]string{"node"},
	)
	SandboxConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syncprobe_sandbox_active_connections",
		Help: "Number of active PostgreSQL client connections to the sandbox",
	})
)

func ObserveProbe(iteration uint64, result string, write, read time.Duration) {
	ProbeResults.WithLabelValues(result).Inc()
	ProbeIteration.Set(float64(iteration))
	if write > 0 {
		WriteLatency.Observe(write.Seconds())
	}
	if read > 0 {
		ReadLatency.Observe(read.Seconds())
	}
}

func IncReconnect(node string) {
	Reconnects.WithLabelValues(node).Inc()
}

func IncLoadOp(op, outcome string) {
	LoadOps.WithLabelValues(op, outcome).Inc()
}

func SetAppliedIndex(node string, idx uint64) {
	SandboxAppliedIndex.WithLabelValues(node).Set(float64(idx))
}

func IncConnection() {
	SandboxConnections.Inc()
}

func DecConnection() {
	SandboxConnections.Dec()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
