// Package metrics provides Prometheus metrics for the agent.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connectivity
	deviceReachable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pwnlink_device_reachable",
			Help: "1 when the primary port of the device answered in the last cycle",
		},
	)

	portReachable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pwnlink_port_reachable",
			Help: "1 when the given device port answered in the last cycle",
		},
		[]string{"port"},
	)

	probeLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pwnlink_probe_latency_ms",
			Help:    "TCP connect latency to the primary port in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
	)

	probeCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pwnlink_probe_cycles_total",
			Help: "Probe cycles by outcome (completed, skipped, failed)",
		},
		[]string{"outcome"},
	)

	configFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pwnlink_config_fetches_total",
			Help: "Remote config reads by status",
		},
		[]string{"status"},
	)

	// Sync
	syncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pwnlink_sync_runs_total",
			Help: "Sync passes by final status",
		},
		[]string{"status"},
	)

	filesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pwnlink_sync_files_downloaded_total",
			Help: "Files saved locally by sync passes",
		},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pwnlink_sync_bytes_downloaded_total",
			Help: "Bytes saved locally by sync passes",
		},
	)

	localRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pwnlink_local_records",
			Help: "Correlated capture records in the local directory",
		},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func SetReachable(ok bool) {
	deviceReachable.Set(boolValue(ok))
}

func SetPortReachable(port int, ok bool) {
	portReachable.WithLabelValues(strconv.Itoa(port)).Set(boolValue(ok))
}

func ObserveLatency(ms float64) {
	probeLatency.Observe(ms)
}

func RecordProbeCycle(outcome string) {
	probeCycles.WithLabelValues(outcome).Inc()
}

func RecordConfigFetch(status string) {
	configFetches.WithLabelValues(status).Inc()
}

func RecordSyncRun(status string) {
	syncRuns.WithLabelValues(status).Inc()
}

func RecordFileDownloaded(size int) {
	filesDownloaded.Inc()
	bytesDownloaded.Add(float64(size))
}

func SetLocalRecords(n int) {
	localRecords.Set(float64(n))
}

func boolValue(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
