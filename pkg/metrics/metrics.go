package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/itohio/gopmd/pkg/pipeline"
	"github.com/itohio/gopmd/pkg/pmd"
)

const namespace = "pmd"

// Metrics holds the collectors of one logging run.
type Metrics struct {
	Registry *prometheus.Registry

	RowsWritten  prometheus.Counter
	SinkErrors   prometheus.Counter
	BytesRead    prometheus.Counter
	BytesWritten prometheus.Counter
	WriteLatency prometheus.Histogram
	Queue        prometheus.Gauge
}

var _ pipeline.Observer = (*Metrics)(nil)

// New creates and registers the collectors. Every series carries run_id.
func New(runID string) *Metrics {
	labels := prometheus.Labels{"run_id": runID}
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rows_written_total",
			Help:        "Rows delivered to the sink.",
			ConstLabels: labels,
		}),
		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "sink_errors_total",
			Help:        "Failed sink writes.",
			ConstLabels: labels,
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "transport_read_bytes_total",
			Help:        "Bytes read from the device.",
			ConstLabels: labels,
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "transport_written_bytes_total",
			Help:        "Bytes written to the device.",
			ConstLabels: labels,
		}),
		WriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "sink_write_duration_seconds",
			Help:        "Time to write and flush one row.",
			Buckets:     prometheus.ExponentialBuckets(1e-6, 4, 10),
			ConstLabels: labels,
		}),
		Queue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "queue_depth",
			Help:        "Readings waiting for the consumer.",
			ConstLabels: labels,
		}),
	}

	m.Registry.MustRegister(
		m.RowsWritten,
		m.SinkErrors,
		m.BytesRead,
		m.BytesWritten,
		m.WriteLatency,
		m.Queue,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) RowWritten(d time.Duration) {
	m.RowsWritten.Inc()
	m.WriteLatency.Observe(d.Seconds())
}

func (m *Metrics) SinkError() { m.SinkErrors.Inc() }

func (m *Metrics) QueueDepth(n int) { m.Queue.Set(float64(n)) }

// InstrumentPort counts the bytes moved through p.
func (m *Metrics) InstrumentPort(p pmd.Port) pmd.Port {
	return &countingPort{Port: p, m: m}
}

type countingPort struct {
	pmd.Port
	m *Metrics
}

func (c *countingPort) Read(p []byte) (int, error) {
	n, err := c.Port.Read(p)
	c.m.BytesRead.Add(float64(n))
	return n, err
}

func (c *countingPort) Write(p []byte) (int, error) {
	n, err := c.Port.Write(p)
	c.m.BytesWritten.Add(float64(n))
	return n, err
}
