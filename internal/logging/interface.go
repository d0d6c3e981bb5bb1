package logging

import (
	"context"
)

// Formatter renders a record to a single piece of text. Implementations must be
// deterministic and free of side effects.
type Formatter interface {
	Format(record LogRecord) (string, error)
}

// Transport delivers a batch to a remote system. A nil error acknowledges the
// batch; failures should be reported as *TransportError. Send may be called
// several times with the same batch, never concurrently. Send should return
// once ctx is done; until it does the pipeline makes no further calls.
type Transport interface {
	Send(ctx context.Context, batch Batch) error
}

// RecordSink accepts records from producers.
type RecordSink interface {
	Enqueue(record LogRecord) error
}

type BatchProcessor interface {
	RecordSink
	AddEntry(record LogRecord)
	FlushNow(ctx context.Context) error
	Close(ctx context.Context) error
	Start()
	Stop()
}

// Observer receives pipeline events. Callbacks run on the goroutine that
// produced the event and must not block.
type Observer interface {
	OnRecordDropped(record LogRecord)
	OnFormatError(record LogRecord, err error)
	OnFlushed(batch Batch, attempts int)
	OnRetry(batch Batch, attempt int, err error)
	OnBatchDropped(batch Batch, err error)
}

type NopObserver struct{}

func (NopObserver) OnRecordDropped(LogRecord) {}
func (NopObserver) OnFormatError(LogRecord, error) {}
func (NopObserver) OnFlushed(Batch, int) {}
func (NopObserver) OnRetry(Batch, int, error) {}
func (NopObserver) OnBatchDropped(Batch, error) {}

// Observers fans every event out to each wrapped observer in order.
type Observers []Observer

func (o Observers) OnRecordDropped(record LogRecord) {
	for _, obs := range o {
		obs.OnRecordDropped(record)
	}
}

func (o Observers) OnFormatError(record LogRecord, err error) {
	for _, obs := range o {
		obs.OnFormatError(record, err)
	}
}

func (o Observers) OnFlushed(batch Batch, attempts int) {
	for _, obs := range o {
		obs.OnFlushed(batch, attempts)
	}
}

func (o Observers) OnRetry(batch Batch, attempt int, err error) {
	for _, obs := range o {
		obs.OnRetry(batch, attempt, err)
	}
}

func (o Observers) OnBatchDropped(batch Batch, err error) {
	for _, obs := range o {
		obs.OnBatchDropped(batch, err)
	}
}
