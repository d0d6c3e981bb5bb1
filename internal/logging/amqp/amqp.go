package amqp

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Chichichkin/logshipper/internal/logging"
)

// Publisher is the subset of *amqp.Channel the sender needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
	// Queue, when set, is declared durable on Dial and used as routing key
	// for the default exchange.
	Queue string
}

// Sender publishes each batch as a persistent JSON message.
type Sender struct {
	pub        Publisher
	exchange   string
	routingKey string
	instanceID string

	mu      sync.Mutex
	closers []func() error
}

func NewSender(pub Publisher, exchange, routingKey string) *Sender {
	return &Sender{
		pub:        pub,
		exchange:   exchange,
		routingKey: routingKey,
		instanceID: uuid.NewString(),
	}
}

// Dial opens a connection and channel to the broker.
func Dial(cfg Config) (*Sender, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	key := cfg.RoutingKey
	if cfg.Queue != "" {
		if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
		}
		if key == "" {
			key = cfg.Queue
		}
	}

	s := NewSender(ch, cfg.Exchange, key)
	s.closers = []func() error{ch.Close, conn.Close}
	return s, nil
}

func (s *Sender) InstanceID() string {
	return s.instanceID
}

// Publishing builds the message for a batch.
func (s *Sender) Publishing(batch logging.Batch) (amqp.Publishing, error) {
	body, err := logging.NewEnvelope(batch).Marshal()
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    s.instanceID + "-" + strconv.FormatUint(batch.Sequence, 10),
		Timestamp:    batch.CreatedAt,
		Headers: amqp.Table{
			"x-batch-seq":   int64(batch.Sequence),
			"x-batch-count": int32(batch.Len()),
		},
		Body: body,
	}, nil
}

func (s *Sender) Send(ctx context.Context, batch logging.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	msg, err := s.Publishing(batch)
	if err != nil {
		return logging.Rejected(fmt.Sprintf("marshal envelope: %v", err))
	}
	if err := s.pub.PublishWithContext(ctx, s.exchange, s.routingKey, false, false, msg); err != nil {
		return logging.ClassifyError(fmt.Errorf("publish batch %d: %w", batch.Sequence, err))
	}
	return nil
}

func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, c := range s.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}
