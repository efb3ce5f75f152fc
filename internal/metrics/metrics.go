// Package metrics defines the Prometheus collectors exported by the server
// and a host-resource sampler feeding the system gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the server exports. Components receive
// the whole struct and touch only the collectors they own.
type Metrics struct {
	// Connections is the number of currently open websocket connections.
	Connections prometheus.Gauge

	// JobsRunning is the number of jobs currently holding an executor
	// permit (between the processing transition and the terminal write).
	JobsRunning prometheus.Gauge

	// JobsTotal counts jobs by terminal status (completed, failed,
	// cancelled) plus cache_hit for jobs satisfied from the blob cache.
	JobsTotal *prometheus.CounterVec

	// JobDuration observes wall time from processing to terminal state.
	JobDuration prometheus.Histogram

	// CPUPercent and MemPercent are host utilization gauges updated by
	// the Sampler.
	CPUPercent prometheus.Gauge
	MemPercent prometheus.Gauge
}

// New creates the collector set and registers it with reg.
// Tests pass a private prometheus.NewRegistry() so parallel packages never
// collide on duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imageforge_ws_connections",
			Help: "Currently open websocket connections.",
		}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imageforge_jobs_running",
			Help: "Jobs currently holding an executor permit.",
		}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imageforge_jobs_total",
			Help: "Finished jobs by outcome.",
		}, []string{"status"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imageforge_job_duration_seconds",
			Help:    "Job wall time from processing to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		CPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imageforge_host_cpu_percent",
			Help: "Host CPU utilization percentage.",
		}),
		MemPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imageforge_host_mem_percent",
			Help: "Host memory utilization percentage.",
		}),
	}

	reg.MustRegister(
		m.Connections,
		m.JobsRunning,
		m.JobsTotal,
		m.JobDuration,
		m.CPUPercent,
		m.MemPercent,
	)
	return m
}
