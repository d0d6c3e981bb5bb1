package daemon

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type LogDaemonMetrics struct {
	FilesDiscovered     int `json:"files_discovered"`
	FilesProcessed      int `json:"files_processed"`
	FilesFailed         int `json:"files_failed"`
	QueuedFiles         int `json:"queued_files"`
	FilesQueueCapacity  int `json:"files_queue_capacity"`
	WorkersActive       int `json:"workers_active"`
	WorkersBusy         int `json:"workers_busy"`
	ScaleUpOperations   int `json:"scale_up_operations"`
	ScaleDownOperations int `json:"scale_down_operations"`
	LinesRead           int `json:"lines_read"`
	LinesRejected       int `json:"lines_rejected"`
	mu                  sync.RWMutex
}

func (m *LogDaemonMetrics) IncFilesDiscovered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FilesDiscovered++
}

func (m *LogDaemonMetrics) IncFilesProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FilesProcessed++
}

func (m *LogDaemonMetrics) IncFilesFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FilesFailed++
}

func (m *LogDaemonMetrics) IncAmountQueueFiles() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QueuedFiles++
}

func (m *LogDaemonMetrics) DecAmountQueueFiles() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QueuedFiles--
}

func (m *LogDaemonMetrics) IncWorkersActive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WorkersActive++
}

func (m *LogDaemonMetrics) DecWorkersActive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WorkersActive--
}

func (m *LogDaemonMetrics) IncWorkersBusy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WorkersBusy++
}

func (m *LogDaemonMetrics) DecWorkersBusy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WorkersBusy--
}

func (m *LogDaemonMetrics) IncScaleUpOperations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ScaleUpOperations++
}

func (m *LogDaemonMetrics) IncScaleDownOperations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ScaleDownOperations++
}

func (m *LogDaemonMetrics) IncLinesRead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LinesRead++
}

// IncLinesRejected counts records the pipeline refused, i.e. after Close.
func (m *LogDaemonMetrics) IncLinesRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LinesRejected++
}

func (m *LogDaemonMetrics) GetMetricsStamp() LogDaemonMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return LogDaemonMetrics{
		FilesDiscovered:     m.FilesDiscovered,
		FilesProcessed:      m.FilesProcessed,
		FilesFailed:         m.FilesFailed,
		QueuedFiles:         m.QueuedFiles,
		FilesQueueCapacity:  m.FilesQueueCapacity,
		WorkersActive:       m.WorkersActive,
		WorkersBusy:         m.WorkersBusy,
		ScaleUpOperations:   m.ScaleUpOperations,
		ScaleDownOperations: m.ScaleDownOperations,
		LinesRead:           m.LinesRead,
		LinesRejected:       m.LinesRejected,
	}
}

func (m *LogDaemonMetrics) GetQueueUsage() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FilesQueueCapacity == 0 {
		return 0
	}
	return float64(m.QueuedFiles) / float64(m.FilesQueueCapacity)
}

// metricsCollector exports a LogDaemonMetrics snapshot on every scrape.
type metricsCollector struct {
	metrics *LogDaemonMetrics

	filesDiscovered *prometheus.Desc
	filesProcessed  *prometheus.Desc
	filesFailed     *prometheus.Desc
	queuedFiles     *prometheus.Desc
	workers         *prometheus.Desc
	scaleOperations *prometheus.Desc
	lines           *prometheus.Desc
}

// Collector returns a prometheus collector over the service counters.
func (s *LogDaemonService) Collector(namespace string) prometheus.Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "daemon", name), help, labels, nil)
	}
	return &metricsCollector{
		metrics:         s.metrics,
		filesDiscovered: desc("files_discovered_total", "Log files picked up by the scanner."),
		filesProcessed:  desc("files_processed_total", "Log files whose tailer has exited."),
		filesFailed:     desc("files_failed_total", "Log files that could not be tailed."),
		queuedFiles:     desc("queued_files", "Files waiting for a worker."),
		workers:         desc("workers", "Tailing workers by state.", "state"),
		scaleOperations: desc("scale_operations_total", "Worker pool resizes.", "direction"),
		lines:           desc("lines_total", "Lines read from log files by outcome.", "outcome"),
	}
}

func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.filesDiscovered
	ch <- c.filesProcessed
	ch <- c.filesFailed
	ch <- c.queuedFiles
	ch <- c.workers
	ch <- c.scaleOperations
	ch <- c.lines
}

func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.metrics.GetMetricsStamp()
	counter := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}

	counter(c.filesDiscovered, m.FilesDiscovered)
	counter(c.filesProcessed, m.FilesProcessed)
	counter(c.filesFailed, m.FilesFailed)
	gauge(c.queuedFiles, m.QueuedFiles)
	gauge(c.workers, m.WorkersActive, "active")
	gauge(c.workers, m.WorkersBusy, "busy")
	counter(c.scaleOperations, m.ScaleUpOperations, "up")
	counter(c.scaleOperations, m.ScaleDownOperations, "down")
	counter(c.lines, m.LinesRead-m.LinesRejected, "accepted")
	counter(c.lines, m.LinesRejected, "rejected")
}
