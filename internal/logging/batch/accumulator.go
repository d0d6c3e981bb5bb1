package batch

import (
	"time"

	"github.com/Chichichkin/logshipper/internal/logging"
)

// Accumulator collects formatted entries until a FlushThreshold is crossed.
// It is owned by the delivery worker and is not safe for concurrent use.
type Accumulator struct {
	threshold logging.FlushThreshold
	clock     logging.Clock

	entries []logging.Entry
	bytes   int
	first   time.Time
	lastSeq uint64
}

func NewAccumulator(threshold logging.FlushThreshold, clock logging.Clock) *Accumulator {
	if clock == nil {
		clock = logging.SystemClock{}
	}
	return &Accumulator{
		threshold: threshold,
		clock:     clock,
	}
}

// Offer appends an entry accounting sizeBytes towards MaxBytes.
func (a *Accumulator) Offer(entry logging.Entry, sizeBytes int) {
	if len(a.entries) == 0 {
		a.first = a.clock.Now()
	}
	a.entries = append(a.entries, entry)
	a.bytes += sizeBytes
}

func (a *Accumulator) ShouldFlush() bool {
	if len(a.entries) == 0 {
		return false
	}
	return len(a.entries) >= a.threshold.MaxRecords ||
		a.bytes >= a.threshold.MaxBytes ||
		a.clock.Now().Sub(a.first) >= a.threshold.MaxInterval
}

// TakeBatch hands off the open batch and resets the accumulator. The second
// result is false when nothing is buffered; no sequence number is used then.
func (a *Accumulator) TakeBatch() (logging.Batch, bool) {
	if len(a.entries) == 0 {
		return logging.Batch{}, false
	}

	a.lastSeq++
	b := logging.Batch{
		Sequence:  a.lastSeq,
		CreatedAt: a.clock.Now(),
		Entries:   a.entries,
	}

	a.entries = nil
	a.bytes = 0
	a.first = time.Time{}
	return b, true
}

func (a *Accumulator) Len() int {
	return len(a.entries)
}

func (a *Accumulator) Bytes() int {
	return a.bytes
}

// Oldest reports when the first entry of the open batch was offered.
func (a *Accumulator) Oldest() (time.Time, bool) {
	if len(a.entries) == 0 {
		return time.Time{}, false
	}
	return a.first, true
}
