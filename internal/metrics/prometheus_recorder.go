package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowagent"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once             sync.Once
	reg              *prom.Registry
	mutationDuration *prom.HistogramVec
	mutationResults  *prom.CounterVec
	hydrations       *prom.CounterVec
	broadcasts       *prom.CounterVec
	subscriberErrors *prom.CounterVec
	requests         *prom.CounterVec
	fallbacks        *prom.CounterVec
	alarms           *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{reg: reg}
	pr.once.Do(func() {
		pr.mutationDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "mutation_duration_seconds",
			Help:      "Time a mutation spends inside the serialized chain",
			Buckets:   prom.DefBuckets,
		}, []string{"source"})
		pr.mutationResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "mutation_results_total",
			Help:      "Mutation outcomes by source",
		}, []string{"source", "result"})
		pr.hydrations = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "hydrations_total",
			Help:      "State hydrations from persistent storage",
		}, []string{"result"})
		pr.broadcasts = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Delta broadcasts by delivery result",
		}, []string{"result"})
		pr.subscriberErrors = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_errors_total",
			Help:      "Errors and panics contained in change subscribers",
		}, []string{"subscriber"})
		pr.requests = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Handled protocol requests by type",
		}, []string{"type", "result"})
		pr.fallbacks = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "client_fallbacks_total",
			Help:      "Foreground operations served from direct storage",
		}, []string{"op"})
		pr.alarms = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "alarms_fired_total",
			Help:      "Scheduler wakes by alarm family",
		}, []string{"alarm"})
		reg.MustRegister(pr.mutationDuration, pr.mutationResults, pr.hydrations, pr.broadcasts,
			pr.subscriberErrors, pr.requests, pr.fallbacks, pr.alarms)
	})
	return pr
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	if p == nil || p.reg == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (p *PrometheusRecorder) ObserveMutation(source string, d time.Duration) {
	if p == nil || p.mutationDuration == nil {
		return
	}
	p.mutationDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncMutationResult(source string, result ResultLabel) {
	if p == nil || p.mutationResults == nil {
		return
	}
	p.mutationResults.WithLabelValues(source, string(result)).Inc()
}

func (p *PrometheusRecorder) IncHydration(success bool) {
	if p == nil || p.hydrations == nil {
		return
	}
	p.hydrations.WithLabelValues(resultOf(success)).Inc()
}

func (p *PrometheusRecorder) IncBroadcast(success bool) {
	if p == nil || p.broadcasts == nil {
		return
	}
	p.broadcasts.WithLabelValues(resultOf(success)).Inc()
}

func (p *PrometheusRecorder) IncSubscriberError(subscriber string) {
	if p == nil || p.subscriberErrors == nil {
		return
	}
	p.subscriberErrors.WithLabelValues(subscriber).Inc()
}

func (p *PrometheusRecorder) IncRequest(msgType string, ok bool) {
	if p == nil || p.requests == nil {
		return
	}
	p.requests.WithLabelValues(msgType, resultOf(ok)).Inc()
}

func (p *PrometheusRecorder) IncFallback(op string) {
	if p == nil || p.fallbacks == nil {
		return
	}
	p.fallbacks.WithLabelValues(op).Inc()
}

// IncAlarm counts by alarm family so per-target names do not explode cardinality.
func (p *PrometheusRecorder) IncAlarm(name string) {
	if p == nil || p.alarms == nil {
		return
	}
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	p.alarms.WithLabelValues(name).Inc()
}

func resultOf(ok bool) string {
	if ok {
		return "success"
	}
	return "failed"
}

var _ Recorder = (*PrometheusRecorder)(nil)
