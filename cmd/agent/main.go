package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Chichichkin/logshipper/internal/admin"
	"github.com/Chichichkin/logshipper/internal/config"
	"github.com/Chichichkin/logshipper/internal/daemon"
	"github.com/Chichichkin/logshipper/internal/logger"
	"github.com/Chichichkin/logshipper/internal/logging"
	"github.com/Chichichkin/logshipper/internal/logging/batch"
	"github.com/Chichichkin/logshipper/internal/logging/zapsink"
	"github.com/Chichichkin/logshipper/internal/metrics"
)

const (
	metricsNamespace = "logshipper"
	shutdownGrace    = 2 * time.Second
)

var appVersion = "undefined"

func main() {
	app := cli.NewApp()
	app.Name = "logshipper"
	app.Usage = "Tails pod log files and ships them in batches to a log backend"
	app.Version = appVersion
	app.Flags = getFlags()
	app.Action = startAgent

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startAgent(c *cli.Context) error {
	cfg, err := config.Load(c.String(configurationFile.Name), c.String(envFile.Name))
	if err != nil {
		return err
	}
	applyFlags(c, &cfg)
	if err = cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return run(ctx, cfg, log)
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet(transport.Name) {
		cfg.Transport = c.String(transport.Name)
	}
	if c.IsSet(logLevel.Name) {
		cfg.LogLevel = c.String(logLevel.Name)
	}
	if c.IsSet(logPretty.Name) {
		cfg.LogPretty = c.Bool(logPretty.Name)
	}
	if c.IsSet(adminAddr.Name) {
		cfg.AdminAddr = c.String(adminAddr.Name)
	}
	if c.Bool(noDaemon.Name) {
		cfg.Daemon.Enabled = false
	}
}

// run wires the pipeline and blocks until ctx is cancelled, then shuts
// everything down in dependency order: producers, pipeline, admin, transport.
func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	sender, closeTransport, err := buildTransport(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("create %s transport: %w", cfg.Transport, err)
	}
	defer func() {
		if err := closeTransport(); err != nil {
			log.Warn("closing transport", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	counters := &metrics.Counters{}
	prom, err := metrics.NewPrometheus(reg, metricsNamespace)
	if err != nil {
		return err
	}

	batchProcessor, err := batch.NewBatchProcessor(context.Background(), sender, pipelineConfig(cfg),
		batch.WithFormatter(buildFormatter(cfg)),
		batch.WithLogger(log.Named("pipeline")),
		batch.WithObserver(logging.Observers{counters, prom}),
	)
	if err != nil {
		return err
	}
	if err = metrics.RegisterGauges(reg, metricsNamespace, func() metrics.Gauges {
		st := batchProcessor.Stats()
		return metrics.Gauges{Queued: st.Queued, Pending: st.Pending, Overflow: st.Overflow}
	}); err != nil {
		return err
	}
	batchProcessor.Start()

	// lifecycle events are shipped alongside the tailed logs
	events := zapsink.NewLogger(batchProcessor, zapcore.InfoLevel).Named("logshipper").
		With(zap.String("node", cfg.NodeName), zap.String("transport", cfg.Transport))
	events.Info("agent started")

	var logDaemonService *daemon.LogDaemonService
	if cfg.Daemon.Enabled {
		d := cfg.Daemon
		logDaemonService = daemon.NewLogDaemonService(ctx, daemon.Config{
			LogRootPath:        d.LogRootPath,
			ScanInterval:       d.ScanInterval,
			MinWorkers:         d.MinWorkers,
			MaxWorkers:         d.MaxWorkers,
			FileQueueSize:      d.FileQueueSize,
			NodeName:           cfg.NodeName,
			ScaleUpThreshold:   d.ScaleUpThreshold,
			ScaleDownThreshold: d.ScaleDownThreshold,
			ScaleCheckInterval: d.ScaleCheckInterval,
			FileIdleTimeout:    d.FileIdleTimeout,
			ReadFromStart:      d.ReadFromStart,
		}, batchProcessor, daemon.WithLogger(log.Named("daemon")))
		if err = reg.Register(logDaemonService.Collector(metricsNamespace)); err != nil {
			return err
		}
		logDaemonService.Start()
	}

	var adminServer *admin.Server
	if cfg.AdminAddr != "" {
		opts := admin.Options{
			Pipeline:     batchProcessor,
			Counters:     counters,
			Gatherer:     reg,
			FlushTimeout: cfg.Pipeline.ShutdownTimeout,
			Logger:       log.Named("admin"),
		}
		if logDaemonService != nil {
			opts.Daemon = func() any { return logDaemonService.Metrics() }
		}
		adminServer = admin.NewServer(cfg.AdminAddr, admin.NewRouter(opts), log.Named("admin"))
		adminServer.Start()
	}

	log.Info("agent started",
		zap.String("transport", cfg.Transport),
		zap.String("node", cfg.NodeName),
		zap.Bool("daemon", cfg.Daemon.Enabled))

	<-ctx.Done()
	log.Info("shutting down")

	if logDaemonService != nil {
		logDaemonService.Stop()
	}
	events.Info("agent stopping")

	closeCtx, cancelClose := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownTimeout+shutdownGrace)
	defer cancelClose()

	var shutdownErr error
	if err := batchProcessor.Close(closeCtx); err != nil {
		log.Error("pipeline did not drain cleanly", zap.Error(err))
		shutdownErr = err
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(closeCtx); err != nil {
			log.Warn("admin server shutdown", zap.Error(err))
		}
	}

	snap := counters.Snapshot()
	log.Info("agent stopped",
		zap.Int("records_flushed", snap.RecordsFlushed),
		zap.Int("records_dropped", snap.RecordsDropped),
		zap.Int("batches_dropped", snap.BatchesDropped))
	return shutdownErr
}
