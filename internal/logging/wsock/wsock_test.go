package wsock

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/logshipper/internal/logging"
)

type collector struct {
	mu       sync.Mutex
	messages []logging.Envelope
	conns    int
}

func (c *collector) snapshot() ([]logging.Envelope, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]logging.Envelope(nil), c.messages...), c.conns
}

func newServer(t *testing.T, c *collector) *httptest.Server {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		c.mu.Lock()
		c.conns++
		c.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env logging.Envelope
			assert.NoError(t, json.Unmarshal(data, &env))
			c.mu.Lock()
			c.messages = append(c.messages, env)
			c.mu.Unlock()
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func batchOf(seq uint64, lines ...string) logging.Batch {
	b := logging.Batch{Sequence: seq, CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	for _, l := range lines {
		b.Entries = append(b.Entries, logging.Entry{Time: b.CreatedAt, Line: l})
	}
	return b
}

func TestSender_StreamsEnvelopes(t *testing.T) {
	c := &collector{}
	server := newServer(t, c)

	s := NewSender(wsURL(server))
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Send(ctx, batchOf(1, "a", "b")))
	require.NoError(t, s.Send(ctx, batchOf(2, "c")))

	assert.Eventually(t, func() bool {
		msgs, _ := c.snapshot()
		return len(msgs) == 2
	}, time.Second, 10*time.Millisecond)

	msgs, conns := c.snapshot()
	assert.Equal(t, 1, conns, "connection is reused between batches")
	assert.Equal(t, uint64(1), msgs[0].Seq)
	assert.Equal(t, []string{"a", "b"}, msgs[0].Lines)
	assert.Equal(t, uint64(2), msgs[1].Seq)
}

func TestSender_DialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	err := NewSender(url).Send(context.Background(), batchOf(1, "x"))
	var te *logging.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, logging.KindNetworkUnavailable, te.Kind)
}

func TestSender_RedialsAfterClose(t *testing.T) {
	c := &collector{}
	server := newServer(t, c)

	s := NewSender(wsURL(server))
	require.NoError(t, s.Send(context.Background(), batchOf(1, "a")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Send(context.Background(), batchOf(2, "b")))
	defer s.Close()

	assert.Eventually(t, func() bool {
		msgs, conns := c.snapshot()
		return len(msgs) == 2 && conns == 2
	}, time.Second, 10*time.Millisecond)
}
