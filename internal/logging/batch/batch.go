package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Chichichkin/logshipper/internal/logging"
	"github.com/Chichichkin/logshipper/internal/logging/format"
	"github.com/Chichichkin/logshipper/internal/logging/queue"
)

const drainChunk = 256

type State int32

const (
	StateIdle State = iota
	StateDraining
	StateFlushing
	StateRetrying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateFlushing:
		return "flushing"
	case StateRetrying:
		return "retrying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Option func(*Processor)

// WithFormatter replaces the default format.Line formatter.
func WithFormatter(f logging.Formatter) Option {
	return func(bp *Processor) { bp.formatter = f }
}

func WithClock(c logging.Clock) Option {
	return func(bp *Processor) { bp.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(bp *Processor) { bp.logger = l }
}

func WithObserver(o logging.Observer) Option {
	return func(bp *Processor) { bp.observer = o }
}

type Stats struct {
	State    State
	Queued   int
	Dropped  uint64
	Pending  int
	Overflow int
}

type outcome int

const (
	delivered outcome = iota
	exhausted
	interrupted
)

type overflowEntry struct {
	batch    logging.Batch
	requeued bool
}

type flushRequest struct {
	reply chan error
}

// Processor is the delivery worker. Producers enqueue records from any
// goroutine; a single worker goroutine formats them, cuts batches and hands
// them to the transport one at a time, in sequence order.
type Processor struct {
	ctx       context.Context
	stopCtx   context.CancelFunc
	transport logging.Transport
	formatter logging.Formatter
	config    logging.Config
	clock     logging.Clock
	logger    *zap.Logger
	observer  logging.Observer

	queue *queue.Queue
	acc   *Accumulator

	// worker-owned
	overflow []*overflowEntry
	cooldown <-chan time.Time
	// result of a timed-out Send that has not returned yet
	stray <-chan error

	flushReq  chan flushRequest
	state     atomic.Int32
	pending   atomic.Int64
	overflowN atomic.Int64
	startOnce sync.Once
	done      chan struct{}
	closeErr  error
}

// NewBatchProcessor validates config and builds a processor. Cancelling ctx
// shuts the processor down the same way Close does.
func NewBatchProcessor(ctx context.Context, transport logging.Transport, config logging.Config, opts ...Option) (*Processor, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}

	nCtx, cancel := context.WithCancel(ctx)
	bp := &Processor{
		ctx:       nCtx,
		stopCtx:   cancel,
		transport: transport,
		formatter: format.NewLine(),
		config:    config,
		clock:     logging.SystemClock{},
		logger:    zap.NewNop(),
		observer:  logging.NopObserver{},
		flushReq:  make(chan flushRequest),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(bp)
	}

	bp.queue = queue.New(config.QueueCapacity, bp.onRecordDropped)
	bp.acc = NewAccumulator(config.Threshold, bp.clock)
	return bp, nil
}

func (bp *Processor) Start() {
	bp.startOnce.Do(func() {
		bp.logger.Info("batch processor started",
			zap.Int("queue_capacity", bp.config.QueueCapacity),
			zap.Int("max_records", bp.config.Threshold.MaxRecords),
			zap.Int("max_bytes", bp.config.Threshold.MaxBytes),
			zap.Duration("max_interval", bp.config.Threshold.MaxInterval))
		go bp.run()
	})
}

// Enqueue never blocks. It fails only with logging.ErrClosed.
func (bp *Processor) Enqueue(record logging.LogRecord) error {
	return bp.queue.Enqueue(record)
}

// AddEntry is the fire-and-forget form of Enqueue.
func (bp *Processor) AddEntry(record logging.LogRecord) {
	if err := bp.Enqueue(record); err != nil {
		bp.logger.Debug("record rejected", zap.Error(err))
	}
}

// FlushNow drains the queue and delivers the open batch without waiting for
// a threshold. Batches held for another attempt cycle are retried first,
// without waiting for their cooldown. The result joins the failures of every
// batch the call cut or retried.
func (bp *Processor) FlushNow(ctx context.Context) error {
	if bp.queue.Closed() {
		return logging.ErrClosed
	}

	req := flushRequest{reply: make(chan error, 1)}
	select {
	case bp.flushReq <- req:
	case <-bp.done:
		return logging.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting records, cancels pending backoff waits, flushes
// everything still buffered and waits for the final deliveries or ctx.
func (bp *Processor) Close(ctx context.Context) error {
	bp.queue.Close()
	bp.stopCtx()
	bp.Start()

	select {
	case <-bp.done:
		return bp.closeErr
	case <-ctx.Done():
		return fmt.Errorf("close: %w", ctx.Err())
	}
}

func (bp *Processor) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), bp.config.ShutdownTimeout+time.Second)
	defer cancel()
	if err := bp.Close(ctx); err != nil {
		bp.logger.Warn("batch processor stopped with undelivered logs", zap.Error(err))
	}
}

// Done is closed once the worker has exited.
func (bp *Processor) Done() <-chan struct{} {
	return bp.done
}

func (bp *Processor) State() State {
	return State(bp.state.Load())
}

func (bp *Processor) Stats() Stats {
	return Stats{
		State:    bp.State(),
		Queued:   bp.queue.Len(),
		Dropped:  bp.queue.Dropped(),
		Pending:  int(bp.pending.Load()),
		Overflow: int(bp.overflowN.Load()),
	}
}

func (bp *Processor) setState(s State) {
	bp.state.Store(int32(s))
}

func (bp *Processor) onRecordDropped(record logging.LogRecord) {
	bp.observer.OnRecordDropped(record)
}

func (bp *Processor) run() {
	ticker := bp.clock.NewTicker(bp.config.EffectivePollInterval())
	defer func() {
		ticker.Stop()
		if r := recover(); r != nil {
			bp.logger.Error("delivery worker panicked", zap.Any("panic", r))
			bp.queue.Close()
			bp.closeErr = fmt.Errorf("delivery worker panicked: %v", r)
		}
		bp.setState(StateClosed)
		close(bp.done)
	}()

	for {
		bp.setState(StateIdle)
		if bp.ctx.Err() != nil {
			bp.closeErr = bp.shutdown()
			return
		}

		select {
		case <-bp.ctx.Done():
			bp.closeErr = bp.shutdown()
			return
		case <-bp.queue.Signal():
			bp.drainAndLog()
		case <-ticker.C():
			bp.drainAndLog()
		case <-bp.cooldown:
			if err := bp.retryOverflow(); err != nil {
				bp.logger.Warn("overflow retry failed", zap.Error(err))
			}
		case req := <-bp.flushReq:
			req.reply <- bp.flushNow()
		}
	}
}

// drain moves every queued record into the accumulator, flushing whenever a
// threshold is crossed. It returns the failures of the batches it cut.
func (bp *Processor) drain() error {
	bp.setState(StateDraining)
	var errs []error
	for {
		records := bp.queue.Drain(drainChunk)
		if len(records) == 0 {
			break
		}
		for _, r := range records {
			bp.offer(r)
			if bp.acc.ShouldFlush() {
				if err := bp.flush(); err != nil {
					errs = append(errs, err)
				}
				bp.setState(StateDraining)
			}
		}
		if bp.ctx.Err() != nil {
			return errors.Join(errs...)
		}
	}

	if bp.acc.ShouldFlush() {
		if err := bp.flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (bp *Processor) drainAndLog() {
	if err := bp.drain(); err != nil {
		bp.logger.Debug("flush did not deliver", zap.Error(err))
	}
}

func (bp *Processor) offer(record logging.LogRecord) {
	line, err := format.Safe(bp.formatter, record)
	if err != nil {
		bp.observer.OnFormatError(record, err)
		bp.logger.Debug("record formatted with fallback", zap.Error(err))
	}
	bp.acc.Offer(logging.Entry{Time: record.Timestamp, Line: line}, len(line))
	bp.pending.Store(int64(bp.acc.Len()))
}

func (bp *Processor) flush() error {
	b, ok := bp.acc.TakeBatch()
	bp.pending.Store(0)
	if !ok {
		return nil
	}
	return bp.dispatch(b)
}

func (bp *Processor) flushNow() error {
	var errs []error
	if err := bp.drain(); err != nil {
		errs = append(errs, err)
	}
	if len(bp.overflow) > 0 && bp.ctx.Err() == nil {
		if err := bp.retryOverflow(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := bp.flush(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// dispatch delivers a fresh batch. Batches never overtake ones held in the
// overflow buffer.
func (bp *Processor) dispatch(b logging.Batch) error {
	if len(bp.overflow) > 0 || bp.ctx.Err() != nil {
		bp.pushOverflow(b)
		return fmt.Errorf("batch %d held behind %d undelivered batches", b.Sequence, len(bp.overflow)-1)
	}

	res, err := bp.deliver(context.WithoutCancel(bp.ctx), bp.ctx, b, bp.config.Retry)
	switch res {
	case delivered:
		return nil
	case interrupted:
		bp.pushFront(&overflowEntry{batch: b})
		return err
	default:
		return bp.exhausted(&overflowEntry{batch: b}, err, true)
	}
}

// exhausted applies the drop or requeue policy to an entry that has just used
// up its attempts. isNew reports whether the entry is not yet in the buffer.
func (bp *Processor) exhausted(e *overflowEntry, err error, isNew bool) error {
	if bp.config.Retry.DropOnExhaustion || e.requeued || bp.config.OverflowCapacity == 0 {
		if !isNew {
			bp.popFront()
		}
		bp.dropBatch(e.batch, err)
		return fmt.Errorf("batch %d dropped: %w", e.batch.Sequence, err)
	}

	e.requeued = true
	if isNew {
		bp.pushFront(e)
	}
	bp.cooldown = bp.clock.After(bp.config.OverflowCooldown)
	bp.logger.Warn("batch requeued for another attempt cycle",
		zap.Uint64("seq", e.batch.Sequence),
		zap.Duration("cooldown", bp.config.OverflowCooldown))
	return fmt.Errorf("batch %d requeued: %w", e.batch.Sequence, err)
}

func (bp *Processor) retryOverflow() error {
	bp.cooldown = nil
	for len(bp.overflow) > 0 {
		if bp.ctx.Err() != nil {
			return logging.ErrClosed
		}
		e := bp.overflow[0]
		res, err := bp.deliver(context.WithoutCancel(bp.ctx), bp.ctx, e.batch, bp.config.Retry)
		switch res {
		case delivered:
			bp.popFront()
		case interrupted:
			return err
		default:
			rerr := bp.exhausted(e, err, false)
			if len(bp.overflow) > 0 && bp.overflow[0] == e {
				// requeued: wait for the cooldown before touching later batches
				return rerr
			}
		}
	}
	return nil
}

func (bp *Processor) pushFront(e *overflowEntry) {
	bp.overflow = append([]*overflowEntry{e}, bp.overflow...)
	bp.overflowN.Store(int64(len(bp.overflow)))
}

func (bp *Processor) pushOverflow(b logging.Batch) {
	if bp.ctx.Err() == nil && len(bp.overflow) > 0 && len(bp.overflow) >= bp.config.OverflowCapacity {
		oldest := bp.overflow[0]
		bp.popFront()
		bp.dropBatch(oldest.batch, errors.New("overflow buffer full"))
	}
	bp.overflow = append(bp.overflow, &overflowEntry{batch: b})
	bp.overflowN.Store(int64(len(bp.overflow)))
}

func (bp *Processor) popFront() {
	bp.overflow[0] = nil
	bp.overflow = bp.overflow[1:]
	bp.overflowN.Store(int64(len(bp.overflow)))
}

func (bp *Processor) dropBatch(b logging.Batch, err error) {
	bp.observer.OnBatchDropped(b, err)
	bp.logger.Error("batch dropped",
		zap.Uint64("seq", b.Sequence),
		zap.Int("records", b.Len()),
		zap.Error(err))
}

// deliver sends b until it succeeds or policy is used up. Sends run under
// sendCtx, backoff waits under waitCtx; cancelling waitCtx interrupts a wait.
func (bp *Processor) deliver(sendCtx, waitCtx context.Context, b logging.Batch, policy logging.RetryPolicy) (outcome, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if attempt == 1 {
			bp.setState(StateFlushing)
		}

		err := bp.send(sendCtx, b)
		if err == nil {
			bp.observer.OnFlushed(b, attempt)
			bp.logger.Debug("batch delivered",
				zap.Uint64("seq", b.Sequence),
				zap.Int("records", b.Len()),
				zap.Int("attempts", attempt))
			return delivered, nil
		}

		lastErr = err
		bp.logger.Warn("batch delivery failed",
			zap.Uint64("seq", b.Sequence),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Error(err))
		if attempt >= policy.MaxAttempts {
			return exhausted, lastErr
		}

		bp.setState(StateRetrying)
		bp.observer.OnRetry(b, attempt, err)
		if !bp.wait(waitCtx, policy.Backoff(attempt)) {
			return interrupted, lastErr
		}
	}
}

func (bp *Processor) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-bp.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// send performs a single transport call bounded by SendTimeout, even when the
// transport ignores its context. A call that outlives its timeout keeps the
// transport busy: later attempts wait for it inside their own timeout and
// fail without calling Send, so two calls never overlap.
func (bp *Processor) send(ctx context.Context, b logging.Batch) error {
	cctx, cancel := context.WithTimeout(ctx, bp.config.SendTimeout)
	defer cancel()

	if bp.stray != nil {
		select {
		case <-bp.stray:
			bp.stray = nil
		case <-cctx.Done():
			return logging.TimeoutError(fmt.Errorf("previous send still running: %w", cctx.Err()))
		}
	}

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- logging.NetworkUnavailable(fmt.Errorf("transport panicked: %v", r))
			}
		}()
		result <- bp.transport.Send(cctx, b)
	}()

	select {
	case err := <-result:
		if err == nil {
			return nil
		}
		return logging.AsTransportError(err)
	case <-cctx.Done():
		bp.stray = result
		return logging.TimeoutError(fmt.Errorf("send exceeded %s: %w", bp.config.SendTimeout, cctx.Err()))
	}
}

// shutdown runs on the worker once the processor is cancelled: it drains the
// queue, cuts the open batch and delivers everything held back in order with
// the shutdown retry budget.
func (bp *Processor) shutdown() error {
	bp.queue.Close()
	bp.cooldown = nil

	ctx, cancel := context.WithTimeout(context.Background(), bp.config.ShutdownTimeout)
	defer cancel()

	bp.setState(StateDraining)
	for _, r := range bp.queue.Drain(0) {
		bp.offer(r)
		if bp.acc.ShouldFlush() {
			if b, ok := bp.acc.TakeBatch(); ok {
				bp.overflow = append(bp.overflow, &overflowEntry{batch: b})
			}
		}
	}
	if b, ok := bp.acc.TakeBatch(); ok {
		bp.overflow = append(bp.overflow, &overflowEntry{batch: b})
	}
	bp.pending.Store(0)
	bp.overflowN.Store(int64(len(bp.overflow)))

	var errs []error
	for len(bp.overflow) > 0 {
		e := bp.overflow[0]
		res, err := bp.deliver(ctx, ctx, e.batch, bp.config.ShutdownRetry)
		bp.popFront()
		if res != delivered {
			bp.dropBatch(e.batch, err)
			errs = append(errs, fmt.Errorf("batch %d: %w", e.batch.Sequence, err))
		}
	}

	bp.logger.Info("batch processor stopped", zap.Int("undelivered_batches", len(errs)))
	if len(errs) > 0 {
		return fmt.Errorf("final flush: %w", errors.Join(errs...))
	}
	return nil
}
