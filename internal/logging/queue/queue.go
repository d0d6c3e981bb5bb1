package queue

import (
	"sync"
	"sync/atomic"

	"github.com/Chichichkin/logshipper/internal/logging"
)

// Queue is a bounded FIFO of pending records. When full, Enqueue evicts the
// oldest record instead of blocking the caller.
type Queue struct {
	mu     sync.Mutex
	buf    []logging.LogRecord
	head   int
	size   int
	closed bool

	dropped atomic.Uint64
	onDrop  func(logging.LogRecord)
	signal  chan struct{}
}

// New creates a queue holding at most capacity records. onDrop, if set, is
// called outside the lock for every evicted record.
func New(capacity int, onDrop func(logging.LogRecord)) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:    make([]logging.LogRecord, capacity),
		onDrop: onDrop,
		signal: make(chan struct{}, 1),
	}
}

func (q *Queue) Enqueue(record logging.LogRecord) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return logging.ErrClosed
	}

	var evicted logging.LogRecord
	didEvict := false
	if q.size == len(q.buf) {
		evicted = q.buf[q.head]
		q.buf[q.head] = logging.LogRecord{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		didEvict = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = record
	q.size++
	q.mu.Unlock()

	if didEvict {
		q.dropped.Add(1)
		if q.onDrop != nil {
			q.onDrop(evicted)
		}
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Drain removes up to limit records, oldest first. A non-positive limit drains
// everything.
func (q *Queue) Drain(limit int) []logging.LogRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return nil
	}

	out := make([]logging.LogRecord, n)
	for i := 0; i < n; i++ {
		out[i] = q.buf[q.head]
		q.buf[q.head] = logging.LogRecord{}
		q.head = (q.head + 1) % len(q.buf)
	}
	q.size -= n
	return out
}

// Signal fires at least once after records become available.
func (q *Queue) Signal() <-chan struct{} {
	return q.signal
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) Cap() int {
	return len(q.buf)
}

func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close rejects further records. Records already queued can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
