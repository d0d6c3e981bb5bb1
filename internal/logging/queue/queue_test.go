package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/logshipper/internal/logging"
)

func rec(msg string) logging.LogRecord {
	return logging.LogRecord{Level: logging.Info, Message: msg}
}

func messages(records []logging.LogRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Message
	}
	return out
}

func TestQueue_DropOldest(t *testing.T) {
	var evicted []string
	q := New(3, func(r logging.LogRecord) { evicted = append(evicted, r.Message) })

	for _, m := range []string{"A", "B", "C", "D"} {
		require.NoError(t, q.Enqueue(rec(m)))
	}

	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, []string{"A"}, evicted)
	assert.Equal(t, []string{"B", "C", "D"}, messages(q.Drain(0)))
	assert.Equal(t, 0, q.Len())
}

func TestQueue_EachOverflowDropsExactlyOne(t *testing.T) {
	q := New(2, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(rec(fmt.Sprintf("m%d", i))))
		if i >= 2 {
			assert.Equal(t, uint64(i-1), q.Dropped())
		}
	}
	assert.Equal(t, []string{"m8", "m9"}, messages(q.Drain(0)))
}

func TestQueue_DrainFIFOWithLimit(t *testing.T) {
	q := New(10, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(rec(fmt.Sprintf("m%d", i))))
	}

	assert.Equal(t, []string{"m0", "m1"}, messages(q.Drain(2)))
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, []string{"m2", "m3", "m4"}, messages(q.Drain(10)))
	assert.Nil(t, q.Drain(0))
}

func TestQueue_WrapAround(t *testing.T) {
	q := New(3, nil)
	require.NoError(t, q.Enqueue(rec("a")))
	require.NoError(t, q.Enqueue(rec("b")))
	q.Drain(1)
	require.NoError(t, q.Enqueue(rec("c")))
	require.NoError(t, q.Enqueue(rec("d")))

	assert.Equal(t, uint64(0), q.Dropped())
	assert.Equal(t, []string{"b", "c", "d"}, messages(q.Drain(0)))
}

func TestQueue_Signal(t *testing.T) {
	q := New(4, nil)
	select {
	case <-q.Signal():
		t.Fatal("signal fired on empty queue")
	default:
	}

	require.NoError(t, q.Enqueue(rec("x")))
	require.NoError(t, q.Enqueue(rec("y")))

	select {
	case <-q.Signal():
	default:
		t.Fatal("expected signal after enqueue")
	}
}

func TestQueue_Close(t *testing.T) {
	q := New(4, nil)
	require.NoError(t, q.Enqueue(rec("before")))
	q.Close()

	err := q.Enqueue(rec("after"))
	assert.True(t, errors.Is(err, logging.ErrClosed))
	assert.True(t, q.Closed())
	assert.Equal(t, []string{"before"}, messages(q.Drain(0)))
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := New(1000, nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				_ = q.Enqueue(rec(fmt.Sprintf("w%d-%d", id, i)))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 1000, q.Len())
	assert.Equal(t, uint64(1000), q.Dropped())
	assert.Equal(t, 1000, q.Cap())
}
