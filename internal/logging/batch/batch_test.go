package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/logshipper/internal/logging"
	"github.com/Chichichkin/logshipper/internal/testutils"
)

type recordingObserver struct {
	logging.NopObserver
	mu             sync.Mutex
	recordsDropped int
	formatErrors   int
	flushed        []uint64
	retries        []int
	batchesDropped []uint64
	lastErr        error
}

func (o *recordingObserver) OnRecordDropped(logging.LogRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recordsDropped++
}

func (o *recordingObserver) OnFormatError(logging.LogRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.formatErrors++
}

func (o *recordingObserver) OnFlushed(b logging.Batch, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flushed = append(o.flushed, b.Sequence)
}

func (o *recordingObserver) OnRetry(_ logging.Batch, attempt int, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, attempt)
}

func (o *recordingObserver) OnBatchDropped(b logging.Batch, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batchesDropped = append(o.batchesDropped, b.Sequence)
	o.lastErr = err
}

func (o *recordingObserver) dropped() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]uint64(nil), o.batchesDropped...)
}

func testConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.QueueCapacity = 1000
	cfg.Threshold = logging.FlushThreshold{MaxRecords: 100, MaxBytes: 1 << 20, MaxInterval: time.Second}
	cfg.Retry = logging.RetryPolicy{MaxAttempts: 3, Backoff: logging.ConstantBackoff(time.Millisecond)}
	cfg.ShutdownRetry = logging.RetryPolicy{MaxAttempts: 2, Backoff: logging.ConstantBackoff(time.Millisecond)}
	cfg.SendTimeout = time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.PollInterval = 10 * time.Millisecond
	cfg.OverflowCooldown = 20 * time.Millisecond
	return cfg
}

func newProcessor(t *testing.T, transport logging.Transport, cfg logging.Config, opts ...Option) *Processor {
	t.Helper()
	bp, err := NewBatchProcessor(context.Background(), transport, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bp.Close(ctx)
	})
	return bp
}

func record(msg string) logging.LogRecord {
	return logging.NewRecord(logging.Info, "test", msg, nil)
}

func messagesOf(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l[strings.LastIndex(l, "] ")+2:]
	}
	return out
}

func TestNewBatchProcessor_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Threshold.MaxRecords = 0
	_, err := NewBatchProcessor(context.Background(), &testutils.MockTransport{}, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max records")

	_, err = NewBatchProcessor(context.Background(), nil, testConfig())
	require.Error(t, err)
}

func TestBatchProcessor_DeliversInEnqueueOrder(t *testing.T) {
	transport := &testutils.MockTransport{}
	cfg := testConfig()
	cfg.Threshold.MaxRecords = 3
	bp := newProcessor(t, transport, cfg)
	bp.Start()

	var want []string
	for i := 0; i < 10; i++ {
		msg := fmt.Sprintf("msg-%02d", i)
		want = append(want, msg)
		require.NoError(t, bp.Enqueue(record(msg)))
	}
	require.NoError(t, bp.Close(context.Background()))

	assert.Equal(t, want, messagesOf(transport.DeliveredLines()))

	var last uint64
	for _, b := range transport.GetSentBatches() {
		assert.Greater(t, b.Sequence, last)
		assert.LessOrEqual(t, b.Len(), 3)
		last = b.Sequence
	}
}

func TestBatchProcessor_FlushesWithinMaxInterval(t *testing.T) {
	clock := testutils.NewFakeClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	transport := &testutils.MockTransport{}
	cfg := testConfig()
	cfg.Threshold.MaxInterval = 5 * time.Second
	cfg.PollInterval = time.Second
	bp := newProcessor(t, transport, cfg, WithClock(clock))
	bp.Start()

	require.NoError(t, bp.Enqueue(record("lonely")))
	require.Eventually(t, func() bool { return bp.Stats().Pending == 1 }, time.Second, time.Millisecond)

	clock.Advance(4 * time.Second)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, transport.Calls(), "nothing is due before MaxInterval")

	clock.Advance(time.Second)
	assert.Eventually(t, func() bool {
		return len(transport.GetSentBatches()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"lonely"}, messagesOf(transport.DeliveredLines()))
}

func TestBatchProcessor_RetriesSameBatchThenSucceeds(t *testing.T) {
	netErr := logging.NetworkUnavailable(errors.New("offline"))
	transport := &testutils.MockTransport{Script: []error{netErr, netErr, nil}}

	var mu sync.Mutex
	var backoffCalls []int
	cfg := testConfig()
	cfg.Retry = logging.RetryPolicy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			mu.Lock()
			defer mu.Unlock()
			backoffCalls = append(backoffCalls, attempt)
			return time.Millisecond
		},
	}
	obs := &recordingObserver{}
	bp := newProcessor(t, transport, cfg, WithObserver(obs))
	bp.Start()

	require.NoError(t, bp.Enqueue(record("a")))
	require.NoError(t, bp.Enqueue(record("b")))
	require.NoError(t, bp.FlushNow(context.Background()))

	calls := transport.Calls()
	require.Len(t, calls, 3)
	for _, c := range calls[1:] {
		assert.Equal(t, calls[0].Sequence, c.Sequence)
		assert.Equal(t, calls[0].Entries, c.Entries)
	}
	mu.Lock()
	assert.Equal(t, []int{1, 2}, backoffCalls)
	mu.Unlock()
	assert.Equal(t, []int{1, 2}, obs.retries)
	assert.Equal(t, []uint64{1}, obs.flushed)

	assert.Eventually(t, func() bool { return bp.State() == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestBatchProcessor_DropOnExhaustion(t *testing.T) {
	transport := &testutils.MockTransport{Fail: true}
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.DropOnExhaustion = true
	obs := &recordingObserver{}
	bp := newProcessor(t, transport, cfg, WithObserver(obs))
	bp.Start()

	require.NoError(t, bp.Enqueue(record("doomed")))
	err := bp.FlushNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dropped")

	assert.Len(t, transport.Calls(), 2)
	assert.Equal(t, []uint64{1}, obs.dropped())

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, transport.Calls(), 2, "no further sends after the batch was dropped")
}

func TestBatchProcessor_RequeueGetsOneMoreCycleThenDrops(t *testing.T) {
	transport := &testutils.MockTransport{Fail: true}
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 2
	obs := &recordingObserver{}
	bp := newProcessor(t, transport, cfg, WithObserver(obs))
	bp.Start()

	require.NoError(t, bp.Enqueue(record("stubborn")))
	err := bp.FlushNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requeued")
	assert.Equal(t, 1, bp.Stats().Overflow)

	assert.Eventually(t, func() bool { return len(obs.dropped()) == 1 }, time.Second, 5*time.Millisecond)
	calls := transport.Calls()
	assert.Len(t, calls, 4)
	for _, c := range calls {
		assert.Equal(t, uint64(1), c.Sequence)
	}

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, transport.Calls(), 4)
	assert.Equal(t, 0, bp.Stats().Overflow)
}

func TestBatchProcessor_RequeuedBatchDeliveredAfterCooldown(t *testing.T) {
	clock := testutils.NewFakeClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	transport := &testutils.MockTransport{FailTimes: 2}
	cfg := testConfig()
	cfg.Retry = logging.RetryPolicy{MaxAttempts: 2, Backoff: logging.ConstantBackoff(0)}
	cfg.OverflowCooldown = 30 * time.Second
	bp := newProcessor(t, transport, cfg, WithClock(clock))
	bp.Start()

	require.NoError(t, bp.Enqueue(record("late")))
	require.Error(t, bp.FlushNow(context.Background()))
	require.Len(t, transport.Calls(), 2)

	clock.Advance(29 * time.Second)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, transport.Calls(), 2, "the requeued batch waits for its cooldown")
	assert.Equal(t, 1, bp.Stats().Overflow)

	clock.Advance(time.Second)
	assert.Eventually(t, func() bool {
		return len(transport.GetSentBatches()) == 1
	}, time.Second, time.Millisecond)
	assert.Len(t, transport.Calls(), 3)
	assert.Equal(t, 0, bp.Stats().Overflow)
}

func TestBatchProcessor_NewBatchesWaitBehindOverflow(t *testing.T) {
	transport := &testutils.MockTransport{FailTimes: 2}
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 2
	cfg.OverflowCooldown = time.Hour
	bp := newProcessor(t, transport, cfg)
	bp.Start()

	require.NoError(t, bp.Enqueue(record("first")))
	require.Error(t, bp.FlushNow(context.Background()))

	require.NoError(t, bp.Enqueue(record("second")))
	require.NoError(t, bp.FlushNow(context.Background()), "FlushNow does not wait for the cooldown")
	assert.Len(t, transport.Calls(), 4)

	var seqs []uint64
	for _, b := range transport.GetSentBatches() {
		seqs = append(seqs, b.Sequence)
	}
	assert.Equal(t, []uint64{1, 2}, seqs)
	assert.Equal(t, []string{"first", "second"}, messagesOf(transport.DeliveredLines()))
}

func TestBatchProcessor_OverflowBufferIsBounded(t *testing.T) {
	transport := &testutils.MockTransport{Fail: true}
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.OverflowCapacity = 2
	cfg.OverflowCooldown = time.Hour
	obs := &recordingObserver{}
	bp := newProcessor(t, transport, cfg, WithObserver(obs))
	bp.Start()

	for i := 0; i < 4; i++ {
		require.NoError(t, bp.Enqueue(record(fmt.Sprintf("m%d", i))))
		_ = bp.FlushNow(context.Background())
	}

	assert.LessOrEqual(t, bp.Stats().Overflow, 2)
	assert.NotEmpty(t, obs.dropped())
}

func TestBatchProcessor_EnqueueAfterCloseFails(t *testing.T) {
	transport := &testutils.MockTransport{}
	bp := newProcessor(t, transport, testConfig())
	bp.Start()

	require.NoError(t, bp.Enqueue(record("before")))
	require.NoError(t, bp.Close(context.Background()))

	err := bp.Enqueue(record("after"))
	assert.True(t, errors.Is(err, logging.ErrClosed))
	assert.True(t, errors.Is(bp.FlushNow(context.Background()), logging.ErrClosed))
	assert.Equal(t, []string{"before"}, messagesOf(transport.DeliveredLines()))
	assert.Equal(t, StateClosed, bp.State())
}

func TestBatchProcessor_CloseWithoutStartStillFlushes(t *testing.T) {
	transport := &testutils.MockTransport{}
	bp := newProcessor(t, transport, testConfig())

	for i := 0; i < 5; i++ {
		require.NoError(t, bp.Enqueue(record(fmt.Sprintf("m%d", i))))
	}
	require.NoError(t, bp.Close(context.Background()))
	assert.Len(t, transport.DeliveredLines(), 5)
}

func TestBatchProcessor_CloseCancelsBackoff(t *testing.T) {
	transport := &testutils.MockTransport{FailTimes: 1}
	cfg := testConfig()
	cfg.Retry = logging.RetryPolicy{MaxAttempts: 3, Backoff: logging.ConstantBackoff(10 * time.Second)}
	bp := newProcessor(t, transport, cfg)
	bp.Start()

	require.NoError(t, bp.Enqueue(record("interrupted")))
	flushErr := make(chan error, 1)
	go func() { flushErr <- bp.FlushNow(context.Background()) }()

	require.Eventually(t, func() bool { return len(transport.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	begin := time.Now()
	require.NoError(t, bp.Close(context.Background()))
	assert.Less(t, time.Since(begin), 2*time.Second)

	assert.Error(t, <-flushErr)
	assert.Equal(t, []string{"interrupted"}, messagesOf(transport.DeliveredLines()))
}

func TestBatchProcessor_CloseReportsFinalFailure(t *testing.T) {
	transport := &testutils.MockTransport{Fail: true}
	cfg := testConfig()
	cfg.ShutdownRetry.MaxAttempts = 1
	obs := &recordingObserver{}
	bp := newProcessor(t, transport, cfg, WithObserver(obs))
	bp.Start()

	require.NoError(t, bp.Enqueue(record("never arrives")))
	err := bp.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "final flush")
	assert.NotEmpty(t, transport.Calls(), "the final batch gets at least one attempt")
	assert.Equal(t, []uint64{1}, obs.dropped())
}

func TestBatchProcessor_ParentContextCancellationShutsDown(t *testing.T) {
	transport := &testutils.MockTransport{}
	ctx, cancel := context.WithCancel(context.Background())
	bp, err := NewBatchProcessor(ctx, transport, testConfig())
	require.NoError(t, err)
	bp.Start()

	require.NoError(t, bp.Enqueue(record("flushed on cancel")))
	cancel()

	select {
	case <-bp.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop after context cancellation")
	}
	assert.Len(t, transport.DeliveredLines(), 1)
	assert.ErrorIs(t, bp.Enqueue(record("late")), logging.ErrClosed)
}

func TestBatchProcessor_SendTimeoutCountsAsFailure(t *testing.T) {
	transport := &testutils.MockTransport{Delay: time.Second, IgnoreContext: true}
	cfg := testConfig()
	cfg.SendTimeout = 20 * time.Millisecond
	cfg.Retry = logging.RetryPolicy{MaxAttempts: 1, Backoff: logging.ConstantBackoff(0), DropOnExhaustion: true}
	obs := &recordingObserver{}
	bp := newProcessor(t, transport, cfg, WithObserver(obs))
	bp.Start()

	require.NoError(t, bp.Enqueue(record("slow")))
	begin := time.Now()
	err := bp.FlushNow(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(begin), 500*time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	var te *logging.TransportError
	require.True(t, errors.As(obs.lastErr, &te))
	assert.Equal(t, logging.KindTimeout, te.Kind)
}

func TestBatchProcessor_TimedOutSendNeverOverlaps(t *testing.T) {
	transport := &testutils.MockTransport{Delay: 100 * time.Millisecond, IgnoreContext: true}
	cfg := testConfig()
	cfg.SendTimeout = 20 * time.Millisecond
	cfg.Retry = logging.RetryPolicy{MaxAttempts: 8, Backoff: logging.ConstantBackoff(0), DropOnExhaustion: true}
	obs := &recordingObserver{}
	bp := newProcessor(t, transport, cfg, WithObserver(obs))
	bp.Start()

	require.NoError(t, bp.Enqueue(record("slow")))
	err := bp.FlushNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still running")

	assert.Equal(t, 1, transport.MaxInFlight())
	assert.Equal(t, []uint64{1}, obs.dropped())
	assert.Len(t, obs.retries, 7)
}

func TestBatchProcessor_FlushNowReportsThresholdCutFailures(t *testing.T) {
	netErr := logging.NetworkUnavailable(errors.New("offline"))
	transport := &testutils.MockTransport{Script: []error{netErr, nil}}
	cfg := testConfig()
	cfg.Threshold.MaxRecords = 2
	cfg.Retry = logging.RetryPolicy{MaxAttempts: 1, Backoff: logging.ConstantBackoff(0), DropOnExhaustion: true}
	obs := &recordingObserver{}
	bp := newProcessor(t, transport, cfg, WithObserver(obs))

	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, bp.Enqueue(record(m)))
	}

	// the worker is not started, so the test goroutine owns it
	err := bp.flushNow()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch 1 dropped")
	assert.NotContains(t, err.Error(), "batch 2")

	assert.Equal(t, []uint64{1}, obs.dropped())
	assert.Equal(t, []string{"c"}, messagesOf(transport.DeliveredLines()))
}

type panicTransport struct{}

func (panicTransport) Send(context.Context, logging.Batch) error {
	panic("transport bug")
}

func TestBatchProcessor_TransportPanicIsAFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Retry = logging.RetryPolicy{MaxAttempts: 1, Backoff: logging.ConstantBackoff(0), DropOnExhaustion: true}
	cfg.ShutdownRetry.MaxAttempts = 1
	bp := newProcessor(t, panicTransport{}, cfg)
	bp.Start()

	require.NoError(t, bp.Enqueue(record("boom")))
	err := bp.FlushNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport panicked")
}

type selectiveFormatter struct{}

func (selectiveFormatter) Format(r logging.LogRecord) (string, error) {
	if r.Message == "bad" {
		return "", errors.New("cannot render")
	}
	return r.Message, nil
}

func TestBatchProcessor_FormatErrorUsesFallback(t *testing.T) {
	transport := &testutils.MockTransport{}
	obs := &recordingObserver{}
	bp := newProcessor(t, transport, testConfig(), WithFormatter(selectiveFormatter{}), WithObserver(obs))
	bp.Start()

	require.NoError(t, bp.Enqueue(record("good")))
	require.NoError(t, bp.Enqueue(record("bad")))
	require.NoError(t, bp.FlushNow(context.Background()))

	lines := transport.DeliveredLines()
	require.Len(t, lines, 2)
	assert.Equal(t, "good", lines[0])
	assert.Contains(t, lines[1], "bad (format error: cannot render)")
	assert.Equal(t, 1, obs.formatErrors)
}

func TestBatchProcessor_QueueOverflowDropsOldest(t *testing.T) {
	transport := &testutils.MockTransport{}
	cfg := testConfig()
	cfg.QueueCapacity = 3
	obs := &recordingObserver{}
	bp := newProcessor(t, transport, cfg, WithObserver(obs))

	for _, m := range []string{"A", "B", "C", "D"} {
		require.NoError(t, bp.Enqueue(record(m)))
	}
	assert.Equal(t, uint64(1), bp.Stats().Dropped)
	assert.Equal(t, 3, bp.Stats().Queued)
	assert.Equal(t, 1, obs.recordsDropped)

	require.NoError(t, bp.Close(context.Background()))
	assert.Equal(t, []string{"B", "C", "D"}, messagesOf(transport.DeliveredLines()))
}

func TestBatchProcessor_ConcurrentProducers(t *testing.T) {
	transport := &testutils.MockTransport{}
	cfg := testConfig()
	cfg.Threshold.MaxRecords = 7
	bp := newProcessor(t, transport, cfg)
	bp.Start()

	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bp.AddEntry(record(fmt.Sprintf("w%d-%03d", id, i)))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, bp.Close(context.Background()))

	lines := messagesOf(transport.DeliveredLines())
	assert.Len(t, lines, 250)

	lastByWorker := map[string]string{}
	for _, l := range lines {
		worker := l[:strings.Index(l, "-")]
		assert.Greater(t, l, lastByWorker[worker], "per-producer order must be kept")
		lastByWorker[worker] = l
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "retrying", StateRetrying.String())
	assert.Equal(t, "unknown", State(99).String())
}
