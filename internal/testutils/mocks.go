package testutils

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Chichichkin/logshipper/internal/logging"
)

// MockTransport records every Send call. Failures are scripted through
// FailTimes (fail the first n calls), Fail (fail every call) or Script (one
// error per call, nil meaning success).
type MockTransport struct {
	mu        sync.Mutex
	calls     []logging.Batch
	Delivered []logging.Batch
	FailTimes int
	Fail      bool
	Script    []error
	Err       error
	Delay     time.Duration
	// IgnoreContext makes Send sleep for Delay without watching ctx.
	IgnoreContext bool

	inFlight    int
	maxInFlight int
}

func (m *MockTransport) Send(ctx context.Context, batch logging.Batch) error {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if m.Delay > 0 {
		if m.IgnoreContext {
			time.Sleep(m.Delay)
		} else {
			select {
			case <-time.After(m.Delay):
			case <-ctx.Done():
				m.record(batch)
				return ctx.Err()
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	call := len(m.calls)
	m.calls = append(m.calls, batch)

	var err error
	switch {
	case call < len(m.Script):
		err = m.Script[call]
	case m.Fail || call < m.FailTimes:
		err = m.failure()
	}
	if err == nil {
		m.Delivered = append(m.Delivered, batch)
	}
	return err
}

func (m *MockTransport) failure() error {
	if m.Err != nil {
		return m.Err
	}
	return logging.NetworkUnavailable(errors.New("mock transport unavailable"))
}

func (m *MockTransport) record(batch logging.Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, batch)
}

func (m *MockTransport) Calls() []logging.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]logging.Batch(nil), m.calls...)
}

// MaxInFlight is the highest number of Send calls that ever overlapped.
func (m *MockTransport) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

func (m *MockTransport) GetSentBatches() []logging.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]logging.Batch(nil), m.Delivered...)
}

// DeliveredLines flattens the lines of all successfully delivered batches.
func (m *MockTransport) DeliveredLines() []string {
	var lines []string
	for _, b := range m.GetSentBatches() {
		lines = append(lines, b.Lines()...)
	}
	return lines
}

func (m *MockTransport) SetFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fail = fail
}

// MockRecordSink collects records pushed by sources.
type MockRecordSink struct {
	mu         sync.Mutex
	Records    []logging.LogRecord
	ShouldFail bool
	Calls      int
}

func (m *MockRecordSink) Enqueue(record logging.LogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.ShouldFail {
		return logging.ErrClosed
	}
	m.Records = append(m.Records, record)
	return nil
}

func (m *MockRecordSink) GetRecords() []logging.LogRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]logging.LogRecord(nil), m.Records...)
}

func (m *MockRecordSink) GetStats() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Records), m.Calls
}

// FakeClock is a manually advanced logging.Clock.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	at      time.Time
	period  time.Duration
	ch      chan time.Time
	stopped bool
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, &fakeWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *FakeClock) NewTicker(d time.Duration) logging.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := &fakeWaiter{at: c.now.Add(d), period: d, ch: make(chan time.Time, 1)}
	c.waiters = append(c.waiters, w)
	return &fakeTicker{clock: c, w: w}
}

// Advance moves the clock forward and fires every timer that became due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		if w.at.After(c.now) {
			kept = append(kept, w)
			continue
		}
		select {
		case w.ch <- c.now:
		default:
		}
		if w.period > 0 {
			for !w.at.After(c.now) {
				w.at = w.at.Add(w.period)
			}
			kept = append(kept, w)
		}
	}
	c.waiters = kept
}

// Waiters returns the number of pending timers and tickers.
func (c *FakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

type fakeTicker struct {
	clock *FakeClock
	w     *fakeWaiter
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.w.ch
}

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.w.stopped = true
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"default_pod-3_uid789/container/app.log":            "log content 4\n",
		"monitoring_pod-4_uid101/grafana/grafana.log":       "grafana starting\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
