package concurrency

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const metricsNamespace = "genbatch"

// durationObjectives are the quantiles reported by duration summaries.
var durationObjectives = map[float64]float64{0.5: 0.05, 0.95: 0.01}

// EngineMetrics is an Observer that turns the event stream into Prometheus
// series on a private registry. OnEvent is only ever called from the event
// dispatcher goroutine.
type EngineMetrics struct {
	registry *prometheus.Registry

	batches      prometheus.Counter
	submitted    prometheus.Counter
	attempts     *prometheus.CounterVec
	tasks        *prometheus.CounterVec
	retries      *prometheus.CounterVec
	failures     *prometheus.CounterVec
	health       *prometheus.CounterVec
	warnings     *prometheus.CounterVec
	degradations prometheus.Counter
	running      *prometheus.GaugeVec
	durations    *prometheus.SummaryVec

	inFlight map[string]map[string]bool
}

// NewEngineMetrics creates an observer backed by a fresh registry.
func NewEngineMetrics() *EngineMetrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: metricsNamespace, Name: name, Help: help})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: metricsNamespace, Name: name, Help: help}, labels)
	}

	m := &EngineMetrics{
		registry:     prometheus.NewRegistry(),
		batches:      counter("batches_total", "Batches started."),
		submitted:    counter("tasks_submitted_total", "Tasks submitted across all batches."),
		attempts:     counterVec("attempts_total", "Process attempts started.", "command"),
		tasks:        counterVec("tasks_total", "Tasks that reached a terminal status.", "status"),
		retries:      counterVec("retries_total", "Retries scheduled, by error class.", "class"),
		failures:     counterVec("failures_total", "Unsuccessful tasks, by error class.", "class"),
		health:       counterVec("health_events_total", "Process health notifications.", "kind"),
		warnings:     counterVec("timeout_warnings_total", "Timeout warnings, by elapsed fraction.", "threshold"),
		degradations: counter("degradation_activations_total", "Batches that switched to degraded output."),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "processes_running",
			Help:      "Live processes, by batch.",
		}, []string{"batch"}),
		durations: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:  metricsNamespace,
			Name:       "duration_seconds",
			Help:       "Wall-clock durations of successful attempts and whole batches.",
			Objectives: durationObjectives,
		}, []string{"scope"}),
		inFlight: make(map[string]map[string]bool),
	}
	m.registry.MustRegister(
		m.batches, m.submitted, m.attempts, m.tasks, m.retries, m.failures,
		m.health, m.warnings, m.degradations, m.running, m.durations,
	)
	// Terminal statuses are exported from the start, zero included.
	for _, s := range []TaskStatus{TaskStatusSucceeded, TaskStatusFailed, TaskStatusDegraded, TaskStatusCancelled} {
		m.tasks.WithLabelValues(s.String())
	}
	return m
}

// Registry returns the backing registry.
func (m *EngineMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the Prometheus text exposition of every series to
// path, atomically.
func (m *EngineMetrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// MetricSeries is one gathered sample in JSON form.
type MetricSeries struct {
	Name      string             `json:"name"`
	Type      string             `json:"type"`
	Labels    map[string]string  `json:"labels,omitempty"`
	Value     *float64           `json:"value,omitempty"`
	Count     uint64             `json:"count,omitempty"`
	Sum       float64            `json:"sum,omitempty"`
	Quantiles map[string]float64 `json:"quantiles,omitempty"`
}

// Gather returns every series, sorted by name and labels.
func (m *EngineMetrics) Gather() ([]MetricSeries, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}
	var out []MetricSeries
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			out = append(out, seriesOf(mf, metric))
		}
	}
	return out, nil
}

func seriesOf(mf *dto.MetricFamily, metric *dto.Metric) MetricSeries {
	s := MetricSeries{Name: mf.GetName(), Type: mf.GetType().String()}
	if pairs := metric.GetLabel(); len(pairs) > 0 {
		s.Labels = make(map[string]string, len(pairs))
		for _, lp := range pairs {
			s.Labels[lp.GetName()] = lp.GetValue()
		}
	}
	switch mf.GetType() {
	case dto.MetricType_COUNTER:
		v := metric.GetCounter().GetValue()
		s.Value = &v
	case dto.MetricType_GAUGE:
		v := metric.GetGauge().GetValue()
		s.Value = &v
	case dto.MetricType_SUMMARY:
		sum := metric.GetSummary()
		s.Count = sum.GetSampleCount()
		s.Sum = sum.GetSampleSum()
		s.Quantiles = make(map[string]float64, len(sum.GetQuantile()))
		for _, q := range sum.GetQuantile() {
			s.Quantiles[strconv.FormatFloat(q.GetQuantile(), 'g', -1, 64)] = q.GetValue()
		}
	case dto.MetricType_UNTYPED:
		v := metric.GetUntyped().GetValue()
		s.Value = &v
	}
	return s
}

// ExportJSON renders Gather as indented JSON.
func (m *EngineMetrics) ExportJSON() ([]byte, error) {
	series, err := m.Gather()
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(series, "", "  ")
}

func (m *EngineMetrics) setRunning(e Event, running bool) {
	tasks := m.inFlight[e.BatchID]
	if tasks == nil {
		tasks = make(map[string]bool)
		m.inFlight[e.BatchID] = tasks
	}
	if running {
		tasks[e.TaskID] = true
	} else {
		delete(tasks, e.TaskID)
	}
	m.running.WithLabelValues(e.BatchID).Set(float64(len(tasks)))
}

func (m *EngineMetrics) OnEvent(e Event) {
	switch p := e.Payload.(type) {
	case BatchStartPayload:
		m.batches.Inc()
		m.submitted.Add(float64(p.TaskCount))
	case TaskStartPayload:
		m.setRunning(e, true)
		command := "primary"
		if p.Fallback {
			command = "fallback"
		}
		m.attempts.WithLabelValues(command).Inc()
	case TaskCompletePayload:
		m.setRunning(e, false)
		m.tasks.WithLabelValues(TaskStatusSucceeded.String()).Inc()
		m.durations.WithLabelValues("attempt").Observe(float64(p.DurationMS) / 1000)
	case TaskRetryPayload:
		m.setRunning(e, false)
		m.retries.WithLabelValues(string(p.ErrorClass)).Inc()
	case TaskFailedPayload:
		m.setRunning(e, false)
		status := TaskStatusFailed
		if p.Degraded {
			status = TaskStatusDegraded
		}
		m.tasks.WithLabelValues(status.String()).Inc()
		m.failures.WithLabelValues(string(p.ErrorClass)).Inc()
	case ProcessHealthPayload:
		m.health.WithLabelValues(string(e.Kind)).Inc()
	case TimeoutWarningPayload:
		m.warnings.WithLabelValues(strconv.FormatFloat(p.Threshold, 'f', 2, 64)).Inc()
	case DegradationPayload:
		m.degradations.Inc()
	case BatchCompletePayload:
		delete(m.inFlight, e.BatchID)
		m.running.DeleteLabelValues(e.BatchID)
		m.tasks.WithLabelValues(TaskStatusCancelled.String()).Add(float64(p.Stats.CancelledCount))
		m.durations.WithLabelValues("batch").Observe(float64(p.Stats.TotalDurationMS) / 1000)
	}
}
