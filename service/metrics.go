package service

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	CommitmentsSealedTotal  = "votecommit_commitments_sealed_total"
	ValidationFailuresTotal = "votecommit_validation_failures_total"
	TicketsIssuedTotal      = "votecommit_tickets_issued_total"
	SkipsPreventedTotal     = "votecommit_gate_skips_prevented_total"
	GateCompletionsTotal    = "votecommit_gate_completions_total"
	RevealsCompletedTotal   = "votecommit_reveals_completed_total"
	SealDurationSeconds     = "votecommit_seal_duration_seconds"
)

// MetricsCollector owns the prometheus metrics of one process on a private
// registry.
type MetricsCollector struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

func NewMetricsCollector() *MetricsCollector {
	mc := &MetricsCollector{
		registry: prometheus.NewRegistry(),
		counters: map[string]*prometheus.CounterVec{
			CommitmentsSealedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: CommitmentsSealedTotal,
				Help: "Count of sealed vote commitments",
			}, []string{"gamified"}),
			ValidationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: ValidationFailuresTotal,
				Help: "Count of ballot problems that blocked sealing",
			}, []string{"reason"}),
			TicketsIssuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: TicketsIssuedTotal,
				Help: "Count of lottery tickets attached to receipts",
			}, []string{}),
			SkipsPreventedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: SkipsPreventedTotal,
				Help: "Count of forward seeks rejected by the watch gate",
			}, []string{}),
			GateCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: GateCompletionsTotal,
				Help: "Count of watch gates opened",
			}, []string{"mode"}),
			RevealsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: RevealsCompletedTotal,
				Help: "Count of lottery reveals that ran to completion",
			}, []string{}),
		},
		histograms: map[string]*prometheus.HistogramVec{
			SealDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    SealDurationSeconds,
				Help:    "Duration of building and sealing one commitment",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
			}, []string{}),
		},
	}

	mc.registry.MustRegister(collectors.NewGoCollector())
	mc.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, counter := range mc.counters {
		mc.registry.MustRegister(counter)
	}
	for _, histogram := range mc.histograms {
		mc.registry.MustRegister(histogram)
	}
	return mc
}

func (mc *MetricsCollector) RecordSeal(gamified bool, d time.Duration) {
	mc.counters[CommitmentsSealedTotal].WithLabelValues(strconv.FormatBool(gamified)).Inc()
	mc.histograms[SealDurationSeconds].WithLabelValues().Observe(d.Seconds())
}

func (mc *MetricsCollector) RecordValidationFailures(errs ValidationErrors) {
	for _, e := range errs {
		mc.counters[ValidationFailuresTotal].WithLabelValues(string(e.Reason)).Inc()
	}
}

func (mc *MetricsCollector) RecordTicketIssued() {
	mc.counters[TicketsIssuedTotal].WithLabelValues().Inc()
}

func (mc *MetricsCollector) RecordSkipPrevented() {
	mc.counters[SkipsPreventedTotal].WithLabelValues().Inc()
}

func (mc *MetricsCollector) RecordGateCompleted(mode string) {
	mc.counters[GateCompletionsTotal].WithLabelValues(mode).Inc()
}

func (mc *MetricsCollector) RecordRevealCompleted() {
	mc.counters[RevealsCompletedTotal].WithLabelValues().Inc()
}

func (mc *MetricsCollector) Counter(name string) *prometheus.CounterVec {
	return mc.counters[name]
}

func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
}
