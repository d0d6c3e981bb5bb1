package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Chichichkin/logshipper/internal/logging"
)

const DefaultStream = "logs"

type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Stream   string
	// MaxLen trims the stream approximately to this many entries. 0 keeps
	// everything.
	MaxLen int64
}

// Sender appends every batch to a redis stream as a single XADD entry.
type Sender struct {
	rdb    redis.Cmdable
	closer func() error
	stream string
	maxLen int64
}

// NewSender connects to redis and verifies the connection with PING.
func NewSender(ctx context.Context, cfg Config) (*Sender, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewSenderWithClient(rdb, cfg.Stream, cfg.MaxLen)
	s.closer = rdb.Close
	return s, nil
}

// NewSenderWithClient wraps an existing client. The caller keeps ownership of it.
func NewSenderWithClient(rdb redis.Cmdable, stream string, maxLen int64) *Sender {
	if stream == "" {
		stream = DefaultStream
	}
	return &Sender{rdb: rdb, stream: stream, maxLen: maxLen}
}

// Args builds the XADD arguments for a batch.
func (s *Sender) Args(batch logging.Batch) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"seq":        strconv.FormatUint(batch.Sequence, 10),
			"created_at": batch.CreatedAt.UTC().Format(time.RFC3339Nano),
			"count":      strconv.Itoa(batch.Len()),
			"lines":      strings.Join(batch.Lines(), "\n"),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return args
}

func (s *Sender) Send(ctx context.Context, batch logging.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	if err := s.rdb.XAdd(ctx, s.Args(batch)).Err(); err != nil {
		var replyErr redis.Error
		if errors.As(err, &replyErr) {
			return logging.Rejected(fmt.Sprintf("xadd %s: %v", s.stream, err))
		}
		return logging.ClassifyError(fmt.Errorf("xadd %s: %w", s.stream, err))
	}
	return nil
}

func (s *Sender) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
