package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Chichichkin/logshipper/internal/config"
	"github.com/Chichichkin/logshipper/internal/logging"
	"github.com/Chichichkin/logshipper/internal/logging/amqp"
	"github.com/Chichichkin/logshipper/internal/logging/file"
	"github.com/Chichichkin/logshipper/internal/logging/format"
	"github.com/Chichichkin/logshipper/internal/logging/loggly"
	"github.com/Chichichkin/logshipper/internal/logging/loki"
	"github.com/Chichichkin/logshipper/internal/logging/redisstream"
	"github.com/Chichichkin/logshipper/internal/logging/wsock"
)

// buildTransport returns the configured transport and a function releasing
// its connections.
func buildTransport(ctx context.Context, cfg config.Config, log *zap.Logger) (logging.Transport, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Transport {
	case config.TransportLoki:
		labels := map[string]string{"node": cfg.NodeName}
		for k, v := range cfg.Loki.Labels {
			labels[k] = v
		}
		return loki.NewLokiSender(cfg.Loki.URL,
			loki.WithLabels(labels),
			loki.WithTenant(cfg.Loki.Tenant),
			loki.WithGzip(cfg.Loki.Gzip)), noop, nil

	case config.TransportLoggly:
		opts := []loggly.Option{loggly.WithTags(cfg.Loggly.Tags...)}
		if cfg.Loggly.URL != "" {
			opts = append(opts, loggly.WithBaseURL(cfg.Loggly.URL))
		}
		s, err := loggly.NewSender(cfg.Loggly.Token, opts...)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil

	case config.TransportFile:
		s, err := file.NewSender(cfg.File.Path,
			file.WithMaxSize(cfg.File.MaxSize),
			file.WithMaxBackups(cfg.File.MaxBackups),
			file.WithCompression(cfg.File.Compress),
			file.WithSync(cfg.File.Sync))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.TransportWebsocket:
		s := wsock.NewSender(cfg.Websocket.URL, wsock.WithLogger(log.Named("websocket")))
		return s, s.Close, nil

	case config.TransportRedis:
		s, err := redisstream.NewSender(ctx, redisstream.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Stream:   cfg.Redis.Stream,
			MaxLen:   cfg.Redis.MaxLen,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.TransportAMQP:
		s, err := amqp.Dial(amqp.Config{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
			Queue:      cfg.AMQP.Queue,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

// buildFormatter picks the line renderer. Loggly always gets JSON events.
func buildFormatter(cfg config.Config) logging.Formatter {
	if cfg.Format == config.FormatJSON || cfg.Transport == config.TransportLoggly {
		node := cfg.NodeName
		return format.NewJSON(format.WithFieldSource(func(logging.LogRecord) map[string]string {
			return map[string]string{"node": node}
		}))
	}
	return format.NewLine()
}

// pipelineConfig adapts the batching limits to what the transport accepts.
func pipelineConfig(cfg config.Config) logging.Config {
	pc := cfg.LoggingConfig()
	if cfg.Transport == config.TransportLoggly && pc.Threshold.MaxBytes > loggly.MaxBatchBytes {
		pc.Threshold.MaxBytes = loggly.MaxBatchBytes
	}
	return pc
}
