// Package metrics provides Prometheus metrics for pipeline runs. The
// pipeline is a batch process, so metrics are written to a node-exporter
// textfile at the end of a command instead of being scraped.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "glucose_pipeline"

// Config holds metrics configuration.
type Config struct {
	Enabled      bool   `toml:"enabled"`
	TextfilePath string `toml:"textfile_path"`
}

// Metrics holds all pipeline metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RowsIngested    *prometheus.CounterVec
	RowsTransformed *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	Runmoment       *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates a metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.RowsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_ingested_total",
			Help:      "Rows fetched from the source and upserted, by table",
		},
		[]string{"table"},
	)

	m.RowsTransformed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_transformed_total",
			Help:      "Rows written to a derived table, by destination",
		},
		[]string{"table"},
	)

	m.ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed ingest or transform cycles",
		},
		[]string{"kind", "table"},
	)

	m.Runmoment = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runmoment_timestamp_seconds",
			Help:      "Current watermark per table as a unix timestamp",
		},
		[]string{"table"},
	)

	m.registry.MustRegister(m.RowsIngested, m.RowsTransformed, m.ErrorsTotal, m.Runmoment)

	return m
}

// Registry returns the registry holding the pipeline metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveIngest records a successful ingest cycle for table.
func (m *Metrics) ObserveIngest(table string, rows int, runmoment time.Time) {
	if m == nil {
		return
	}
	m.RowsIngested.WithLabelValues(table).Add(float64(rows))
	m.Runmoment.WithLabelValues(table).Set(float64(runmoment.Unix()))
}

// ObserveTransform records a successful transformer run.
func (m *Metrics) ObserveTransform(table string, rows int, runmoment time.Time) {
	if m == nil {
		return
	}
	m.RowsTransformed.WithLabelValues(table).Add(float64(rows))
	m.Runmoment.WithLabelValues(table).Set(float64(runmoment.Unix()))
}

// ObserveError records a failed cycle of the given kind.
func (m *Metrics) ObserveError(kind, table string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind, table).Inc()
}

// WriteTextfile writes all metrics in the text exposition format to path.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
