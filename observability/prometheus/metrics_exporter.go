// Package prometheus exports threadengine instrumentation as Prometheus
// collectors.
package prometheus

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-ircd/threadengine"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	// Engine labels every series, distinguishing multiple engines.
	Engine          string
	DurationBuckets []float64
}

// MetricsExporter adapts threadengine.Metrics to Prometheus collectors.
type MetricsExporter struct {
	jobSubmittedTotal  *prom.CounterVec
	jobRejectedTotal   *prom.CounterVec
	jobDurationSeconds *prom.HistogramVec
	jobPanicTotal      *prom.CounterVec
	queueDepth         *prom.GaugeVec
	runners            *prom.GaugeVec
	wakeupsTotal       *prom.CounterVec
	signalsTotal       *prom.CounterVec
	engine             string
}

var _ threadengine.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for
// threadengine.Metrics. Collectors already registered (e.g. by another
// exporter with the same namespace) are reused.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "threadengine"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	submittedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "job_submitted_total",
		Help:      "Total number of jobs accepted by Submit.",
	}, []string{"engine"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "job_rejected_total",
		Help:      "Total number of jobs rejected by Submit.",
	}, []string{"engine", "reason"})
	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Job phase duration in seconds.",
		Buckets:   buckets,
	}, []string{"engine", "phase"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "job_panic_total",
		Help:      "Total number of recovered job panics.",
	}, []string{"engine", "phase"})
	queueDepthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Current queue depth.",
	}, []string{"engine", "queue"})
	runnersVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "runners",
		Help:      "Number of runner goroutines started.",
	}, []string{"engine"})
	wakeupsVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "notifier_wakeups_total",
		Help:      "Total number of non-empty notifier drains.",
	}, []string{"engine"})
	signalsVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "notifier_signals_total",
		Help:      "Total count drained from the notifier, across all wakeups.",
	}, []string{"engine"})

	var err error
	if submittedVec, err = registerCollector(reg, submittedVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if queueDepthVec, err = registerCollector(reg, queueDepthVec); err != nil {
		return nil, err
	}
	if runnersVec, err = registerCollector(reg, runnersVec); err != nil {
		return nil, err
	}
	if wakeupsVec, err = registerCollector(reg, wakeupsVec); err != nil {
		return nil, err
	}
	if signalsVec, err = registerCollector(reg, signalsVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		jobSubmittedTotal:  submittedVec,
		jobRejectedTotal:   rejectedVec,
		jobDurationSeconds: durationVec,
		jobPanicTotal:      panicVec,
		queueDepth:         queueDepthVec,
		runners:            runnersVec,
		wakeupsTotal:       wakeupsVec,
		signalsTotal:       signalsVec,
		engine:             normalizeLabel(opts.Engine, "default"),
	}, nil
}

// RecordJobSubmitted records an accepted job.
func (m *MetricsExporter) RecordJobSubmitted() {
	if m == nil {
		return
	}
	m.jobSubmittedTotal.WithLabelValues(m.engine).Inc()
}

// RecordJobRejected records a rejected job.
func (m *MetricsExporter) RecordJobRejected(reason string) {
	if m == nil {
		return
	}
	m.jobRejectedTotal.WithLabelValues(m.engine, normalizeLabel(reason, "unknown")).Inc()
}

// RecordJobDuration records how long a job phase took.
func (m *MetricsExporter) RecordJobDuration(phase threadengine.Phase, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDurationSeconds.WithLabelValues(m.engine, phase.String()).Observe(d.Seconds())
}

// RecordJobPanic records a recovered panic.
func (m *MetricsExporter) RecordJobPanic(phase threadengine.Phase) {
	if m == nil {
		return
	}
	m.jobPanicTotal.WithLabelValues(m.engine, phase.String()).Inc()
}

// RecordQueueDepth records a queue's length.
func (m *MetricsExporter) RecordQueueDepth(queue threadengine.Queue, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(m.engine, normalizeLabel(string(queue), "unknown")).Set(float64(depth))
}

// RecordRunners records the runner count.
func (m *MetricsExporter) RecordRunners(n int) {
	if m == nil {
		return
	}
	m.runners.WithLabelValues(m.engine).Set(float64(n))
}

// RecordWakeup records a non-empty notifier drain.
func (m *MetricsExporter) RecordWakeup(count uint64) {
	if m == nil {
		return
	}
	m.wakeupsTotal.WithLabelValues(m.engine).Inc()
	m.signalsTotal.WithLabelValues(m.engine).Add(float64(count))
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
