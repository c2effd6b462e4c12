// Package telemetry sets up OpenTelemetry export and the Prometheus metrics
// served on /metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Report outcomes, used as the "outcome" label.
const (
	OutcomeSuccess    = "success"
	OutcomeValidation = "validation"
	OutcomeRender     = "render"
	OutcomeEncode     = "encode"
	OutcomeUpload     = "upload"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	ReportsTotal   *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	ObjectSize     prometheus.Histogram
	TruncatedTotal prometheus.Counter
	UploadsTotal   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a private registry, so several
// instances can coexist in tests.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		ReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacs_report_requests_total",
				Help: "Report creation requests by outcome",
			},
			[]string{"outcome"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pacs_report_stage_duration_seconds",
				Help:    "Time spent in each report pipeline stage",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"stage"},
		),
		ObjectSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pacs_report_object_bytes",
				Help:    "Size of serialized encapsulated PDF objects",
				Buckets: prometheus.ExponentialBuckets(4096, 2, 12),
			},
		),
		TruncatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pacs_report_truncated_total",
				Help: "Reports whose body did not fit on one page",
			},
		),
		UploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacs_dicom_passthrough_uploads_total",
				Help: "Raw DICOM uploads forwarded to Orthanc by result",
			},
			[]string{"result"},
		),
		registry: reg,
	}
	reg.MustRegister(m.ReportsTotal, m.StageDuration, m.ObjectSize, m.TruncatedTotal, m.UploadsTotal)
	return m
}

// ObserveStage records how long a pipeline stage took since start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// CountReport increments the outcome counter.
func (m *Metrics) CountReport(outcome string) {
	if m == nil {
		return
	}
	m.ReportsTotal.WithLabelValues(outcome).Inc()
}

// ObserveObject records the size of a serialized object.
func (m *Metrics) ObserveObject(size int) {
	if m == nil {
		return
	}
	m.ObjectSize.Observe(float64(size))
}

// CountTruncated increments the truncated-body counter.
func (m *Metrics) CountTruncated() {
	if m == nil {
		return
	}
	m.TruncatedTotal.Inc()
}

// CountUpload increments the pass-through upload counter.
func (m *Metrics) CountUpload(result string) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(result).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
