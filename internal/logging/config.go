package logging

import (
	"errors"
	"fmt"
	"time"
)

// FlushThreshold closes the open batch as soon as any limit is reached.
type FlushThreshold struct {
	MaxRecords  int
	MaxBytes    int
	MaxInterval time.Duration
}

type RetryPolicy struct {
	MaxAttempts      int
	Backoff          Backoff
	DropOnExhaustion bool
}

type Config struct {
	QueueCapacity int
	Threshold     FlushThreshold
	Retry         RetryPolicy
	// ShutdownRetry is the budget used for the final flush in Close.
	ShutdownRetry   RetryPolicy
	SendTimeout     time.Duration
	ShutdownTimeout time.Duration
	PollInterval    time.Duration
	// OverflowCapacity bounds the batches held back for a second attempt cycle.
	OverflowCapacity int
	OverflowCooldown time.Duration
}

// DefaultConfig returns illustrative defaults. Callers are expected to tune
// thresholds and retry budgets for their transport.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 10000,
		Threshold: FlushThreshold{
			MaxRecords:  500,
			MaxBytes:    1 << 20,
			MaxInterval: 5 * time.Second,
		},
		Retry: RetryPolicy{
			MaxAttempts: 3,
			Backoff:     ExponentialBackoff(time.Second, 30*time.Second),
		},
		ShutdownRetry: RetryPolicy{
			MaxAttempts: 2,
			Backoff:     ConstantBackoff(200 * time.Millisecond),
		},
		SendTimeout:      10 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		PollInterval:     100 * time.Millisecond,
		OverflowCapacity: 4,
		OverflowCooldown: 30 * time.Second,
	}
}

func (t FlushThreshold) Validate() error {
	var errs []error
	if t.MaxRecords <= 0 {
		errs = append(errs, fmt.Errorf("max records must be positive, got %d", t.MaxRecords))
	}
	if t.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("max bytes must be positive, got %d", t.MaxBytes))
	}
	if t.MaxInterval <= 0 {
		errs = append(errs, fmt.Errorf("max interval must be positive, got %s", t.MaxInterval))
	}
	return errors.Join(errs...)
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Backoff == nil {
		return errors.New("backoff function is required")
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("queue capacity must be positive, got %d", c.QueueCapacity))
	}
	if err := c.Threshold.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("threshold: %w", err))
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if err := c.ShutdownRetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown retry: %w", err))
	}
	if c.SendTimeout <= 0 {
		errs = append(errs, fmt.Errorf("send timeout must be positive, got %s", c.SendTimeout))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout))
	}
	if c.OverflowCapacity < 0 {
		errs = append(errs, fmt.Errorf("overflow capacity must not be negative, got %d", c.OverflowCapacity))
	}
	return errors.Join(errs...)
}

// EffectivePollInterval is the idle tick of the delivery worker. It never
// exceeds the flush interval so time-based flushes are not delayed.
func (c Config) EffectivePollInterval() time.Duration {
	poll := c.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	if c.Threshold.MaxInterval > 0 && poll > c.Threshold.MaxInterval {
		poll = c.Threshold.MaxInterval
	}
	return poll
}
