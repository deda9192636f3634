// Package metrics exposes Prometheus collectors for the agent core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Collectors struct {
	InferenceDuration *prometheus.HistogramVec
	ToolDuration      *prometheus.HistogramVec
	CyclesPerRun      prometheus.Histogram
	ApprovalsCreated  prometheus.Counter
}

// New builds the collector set and registers it on reg. A nil registerer
// leaves the collectors unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		InferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_inference_duration_seconds",
			Help:    "Wall time of model calls.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"model"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tool_call_duration_seconds",
			Help:    "Wall time of tool invocations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"tool"}),
		CyclesPerRun: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_cycles_per_run",
			Help:    "Reason-act cycles consumed per request.",
			Buckets: prometheus.LinearBuckets(1, 2, 13),
		}),
		ApprovalsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approval_requests_created_total",
			Help: "Sensitive tool calls intercepted for approval.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.InferenceDuration, c.ToolDuration, c.CyclesPerRun, c.ApprovalsCreated)
	}
	return c
}

func (c *Collectors) ObserveInference(model string, seconds float64) {
	if c == nil {
		return
	}
	c.InferenceDuration.WithLabelValues(model).Observe(seconds)
}

func (c *Collectors) ObserveTool(tool string, seconds float64) {
	if c == nil {
		return
	}
	c.ToolDuration.WithLabelValues(tool).Observe(seconds)
}
