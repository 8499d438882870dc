package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus mirrors the daily counters as process-lifetime Prometheus
// series. A nil *Prometheus discards everything.
type Prometheus struct {
	registry        *prometheus.Registry
	interactions    *prometheus.CounterVec
	responseTime    *prometheus.HistogramVec
	memoryUsed      *prometheus.CounterVec
	patternsApplied *prometheus.CounterVec
	newLearnings    *prometheus.CounterVec
	siccQueue       prometheus.Gauge
	triggerRuns     *prometheus.CounterVec
}

// NewPrometheus registers the convoflow series on a private registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		interactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convoflow_interactions_total",
			Help: "Agent interactions by outcome",
		}, []string{"agent_id", "status"}),
		responseTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convoflow_response_time_seconds",
			Help:    "Agent response time in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"agent_id"}),
		memoryUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convoflow_memory_chunks_used_total",
			Help: "Memory chunks injected into prompts",
		}, []string{"agent_id"}),
		patternsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convoflow_patterns_applied_total",
			Help: "Behavior patterns applied to prompts",
		}, []string{"agent_id"}),
		newLearnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convoflow_new_learnings_total",
			Help: "Learnings consolidated into memory or patterns",
		}, []string{"agent_id"}),
		siccQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convoflow_sicc_queue_length",
			Help: "Interactions waiting for analysis",
		}),
		triggerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convoflow_trigger_executions_total",
			Help: "Trigger evaluations by outcome",
		}, []string{"action_type", "status"}),
	}
	p.registry.MustRegister(p.interactions, p.responseTime, p.memoryUsed, p.patternsApplied,
		p.newLearnings, p.siccQueue, p.triggerRuns)
	return p
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	if p == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (p *Prometheus) Registry() *prometheus.Registry {
	if p == nil {
		return nil
	}
	return p.registry
}

func (p *Prometheus) interaction(agentID string, in Interaction) {
	if p == nil {
		return
	}
	status := "failure"
	if in.Success {
		status = "success"
	}
	p.interactions.WithLabelValues(agentID, status).Inc()
	p.responseTime.WithLabelValues(agentID).Observe(in.ResponseTimeMs / 1000)
}

// add mirrors a performance_metrics counter column.
func (p *Prometheus) add(column, agentID string, n int) {
	if p == nil || n <= 0 {
		return
	}
	var vec *prometheus.CounterVec
	switch column {
	case "memory_chunks_used":
		vec = p.memoryUsed
	case "patterns_applied":
		vec = p.patternsApplied
	case "new_learnings":
		vec = p.newLearnings
	default:
		return
	}
	vec.WithLabelValues(agentID).Add(float64(n))
}

// SetQueueLength reports the SICC hook backlog.
func (p *Prometheus) SetQueueLength(n int) {
	if p == nil {
		return
	}
	p.siccQueue.Set(float64(n))
}

// TriggerExecuted counts one trigger evaluation.
func (p *Prometheus) TriggerExecuted(actionType string, conditionMet, executed bool) {
	if p == nil {
		return
	}
	status := "skipped"
	switch {
	case conditionMet && executed:
		status = "executed"
	case conditionMet:
		status = "failed"
	}
	p.triggerRuns.WithLabelValues(actionType, status).Inc()
}
