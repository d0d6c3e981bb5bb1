package metrics

import (
	"sync"
	"time"

	"github.com/Chichichkin/logshipper/internal/logging"
)

// Counters is an in-process logging.Observer.
type Counters struct {
	RecordsDropped int
	FormatErrors   int
	BatchesFlushed int
	RecordsFlushed int
	Retries        int
	BatchesDropped int
	RecordsLost    int
	LastFlush      time.Time
	LastError      string
	mu             sync.RWMutex
}

var _ logging.Observer = (*Counters)(nil)

func (m *Counters) OnRecordDropped(logging.LogRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecordsDropped++
}

func (m *Counters) OnFormatError(_ logging.LogRecord, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FormatErrors++
	m.LastError = err.Error()
}

func (m *Counters) OnFlushed(b logging.Batch, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchesFlushed++
	m.RecordsFlushed += b.Len()
	m.LastFlush = time.Now()
}

func (m *Counters) OnRetry(_ logging.Batch, _ int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Retries++
	m.LastError = err.Error()
}

func (m *Counters) OnBatchDropped(b logging.Batch, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchesDropped++
	m.RecordsLost += b.Len()
	if err != nil {
		m.LastError = err.Error()
	}
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	RecordsDropped int       `json:"records_dropped"`
	FormatErrors   int       `json:"format_errors"`
	BatchesFlushed int       `json:"batches_flushed"`
	RecordsFlushed int       `json:"records_flushed"`
	Retries        int       `json:"retries"`
	BatchesDropped int       `json:"batches_dropped"`
	RecordsLost    int       `json:"records_lost"`
	LastFlush      time.Time `json:"last_flush,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

func (m *Counters) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		RecordsDropped: m.RecordsDropped,
		FormatErrors:   m.FormatErrors,
		BatchesFlushed: m.BatchesFlushed,
		RecordsFlushed: m.RecordsFlushed,
		Retries:        m.Retries,
		BatchesDropped: m.BatchesDropped,
		RecordsLost:    m.RecordsLost,
		LastFlush:      m.LastFlush,
		LastError:      m.LastError,
	}
}
