package wsock

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Chichichkin/logshipper/internal/logging"
)

const defaultWriteTimeout = 10 * time.Second

type Option func(*Sender)

func WithDialer(d *websocket.Dialer) Option {
	return func(s *Sender) { s.dialer = d }
}

func WithHeader(h http.Header) Option {
	return func(s *Sender) { s.header = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Sender) { s.logger = l }
}

// Sender streams each batch as one JSON text message over a websocket. The
// connection is dialed on first use and redialed after any failure.
type Sender struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewSender(url string, opts ...Option) *Sender {
	s := &Sender{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sender) Send(ctx context.Context, batch logging.Batch) error {
	payload, err := logging.NewEnvelope(batch).Marshal()
	if err != nil {
		return logging.Rejected(fmt.Sprintf("marshal envelope: %v", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
		if err != nil {
			return logging.ClassifyError(fmt.Errorf("dial %s: %w", s.url, err))
		}
		s.logger.Info("websocket connected", zap.String("url", s.url))
		s.conn = conn
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	_ = s.conn.SetWriteDeadline(deadline)

	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.logger.Warn("websocket write failed, dropping connection", zap.Error(err))
		s.conn.Close()
		s.conn = nil
		return logging.ClassifyError(fmt.Errorf("write batch %d: %w", batch.Sequence, err))
	}
	return nil
}

func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := s.conn.Close()
	s.conn = nil
	return err
}
