// Package metrics provides Prometheus instrumentation for pipeline runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline collects Prometheus metrics for one pipeline process.
//
// Metrics (all namespaced "ripple_pipeline_"):
//   - jobs_submitted_total (counter): submissions per stage/outcome
//     (accepted, not_accepted).
//   - jobs_terminal_total (counter): terminal classification per
//     stage/outcome (successful, failed, unknown).
//   - poll_wait_seconds (histogram): time one stage spends waiting for
//     all of its accepted jobs to reach a terminal classification, one
//     observation per stage run.
//   - network_walker_queue_depth (gauge): current iKWSE work-queue depth.
//   - network_walker_inflight (gauge): current iKWSE worker-pool
//     occupancy.
type Pipeline struct {
	jobsSubmitted         *prometheus.CounterVec
	jobsTerminal          *prometheus.CounterVec
	pollWait              *prometheus.HistogramVec
	networkWalkerQueue    prometheus.Gauge
	networkWalkerInflight prometheus.Gauge
}

// New creates and registers pipeline metrics with registry. If registry is
// nil, prometheus.DefaultRegisterer is used.
func New(registry prometheus.Registerer) *Pipeline {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Pipeline{
		jobsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ripple_pipeline",
			Name:      "jobs_submitted_total",
			Help:      "Job submissions by stage and submission outcome (accepted, not_accepted).",
		}, []string{"stage", "outcome"}),

		jobsTerminal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ripple_pipeline",
			Name:      "jobs_terminal_total",
			Help:      "Terminal job classifications by stage and outcome (successful, failed, unknown).",
		}, []string{"stage", "outcome"}),

		pollWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ripple_pipeline",
			Name:      "poll_wait_seconds",
			Help:      "Time a stage spends waiting for all its accepted jobs to reach a terminal classification, by stage.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34min
		}, []string{"stage"}),

		networkWalkerQueue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ripple_pipeline",
			Name:      "network_walker_queue_depth",
			Help:      "Current depth of the iKWSE network walker's work queue.",
		}),

		networkWalkerInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ripple_pipeline",
			Name:      "network_walker_inflight",
			Help:      "Current number of iKWSE network walker workers processing a reach.",
		}),
	}
}

func (p *Pipeline) IncSubmitted(stage, outcome string) {
	if p == nil {
		return
	}
	p.jobsSubmitted.WithLabelValues(stage, outcome).Inc()
}

func (p *Pipeline) IncTerminal(stage, outcome string) {
	if p == nil {
		return
	}
	p.jobsTerminal.WithLabelValues(stage, outcome).Inc()
}

func (p *Pipeline) ObservePollWait(stage string, d time.Duration) {
	if p == nil {
		return
	}
	p.pollWait.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *Pipeline) SetQueueDepth(depth int) {
	if p == nil {
		return
	}
	p.networkWalkerQueue.Set(float64(depth))
}

func (p *Pipeline) SetInflight(count int) {
	if p == nil {
		return
	}
	p.networkWalkerInflight.Set(float64(count))
}
