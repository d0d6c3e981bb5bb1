package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Chichichkin/logshipper/internal/logging"
)

// Gauges reports the live sizes of the pipeline buffers.
type Gauges struct {
	Queued   int
	Pending  int
	Overflow int
}

// Prometheus exports pipeline events as prometheus collectors.
type Prometheus struct {
	recordsDropped prometheus.Counter
	formatErrors   prometheus.Counter
	batchesFlushed prometheus.Counter
	recordsFlushed prometheus.Counter
	retries        *prometheus.CounterVec
	batchesDropped prometheus.Counter
	recordsLost    prometheus.Counter
	attempts       prometheus.Histogram
}

var _ logging.Observer = (*Prometheus)(nil)

func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	p := &Prometheus{
		recordsDropped: counter("records_dropped_total", "Records evicted from the full queue."),
		formatErrors:   counter("format_errors_total", "Records rendered with the fallback formatter."),
		batchesFlushed: counter("batches_flushed_total", "Batches acknowledged by the transport."),
		recordsFlushed: counter("records_flushed_total", "Records acknowledged by the transport."),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_retries_total",
			Help:      "Failed sends followed by a retry, by failure kind.",
		}, []string{"kind"}),
		batchesDropped: counter("batches_dropped_total", "Batches abandoned after exhausting retries."),
		recordsLost:    counter("records_lost_total", "Records inside abandoned batches."),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_attempts",
			Help:      "Attempts needed to deliver a batch.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),
	}

	for _, c := range []prometheus.Collector{
		p.recordsDropped, p.formatErrors, p.batchesFlushed, p.recordsFlushed,
		p.retries, p.batchesDropped, p.recordsLost, p.attempts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// RegisterGauges exposes buffer sizes read from fn at scrape time.
func RegisterGauges(reg prometheus.Registerer, namespace string, fn func() Gauges) error {
	gauge := func(name, help string, pick func(Gauges) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return float64(pick(fn())) })
	}
	for _, c := range []prometheus.Collector{
		gauge("queue_length", "Records waiting in the queue.", func(g Gauges) int { return g.Queued }),
		gauge("batch_pending_records", "Records in the open batch.", func(g Gauges) int { return g.Pending }),
		gauge("overflow_batches", "Undelivered batches held for another attempt cycle.", func(g Gauges) int { return g.Overflow }),
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Prometheus) OnRecordDropped(logging.LogRecord) {
	p.recordsDropped.Inc()
}

func (p *Prometheus) OnFormatError(logging.LogRecord, error) {
	p.formatErrors.Inc()
}

func (p *Prometheus) OnFlushed(b logging.Batch, attempts int) {
	p.batchesFlushed.Inc()
	p.recordsFlushed.Add(float64(b.Len()))
	p.attempts.Observe(float64(attempts))
}

func (p *Prometheus) OnRetry(_ logging.Batch, _ int, err error) {
	kind := "unknown"
	if te := logging.AsTransportError(err); te != nil {
		kind = te.Kind.String()
	}
	p.retries.WithLabelValues(kind).Inc()
}

func (p *Prometheus) OnBatchDropped(b logging.Batch, _ error) {
	p.batchesDropped.Inc()
	p.recordsLost.Add(float64(b.Len()))
}
