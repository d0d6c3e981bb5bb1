package daemon

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/Chichichkin/logshipper/internal/logging"
)

type LogDaemonService struct {
	config        Config
	sink          logging.RecordSink
	logger        *zap.Logger
	fileQueue     chan string
	workers       []*worker
	workersWg     sync.WaitGroup
	subServicesWg sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	metrics       *LogDaemonMetrics
	stopOnce      sync.Once

	scaleMutex     sync.RWMutex
	currentWorkers int
	maxWorkers     int
	minWorkers     int

	filesMu   sync.Mutex
	seenFiles map[string]struct{}
	// files queued or being tailed; the scanner skips them
	activeFiles map[string]struct{}
}

type worker struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
}

type Config struct {
	LogRootPath        string
	ScanInterval       time.Duration
	MinWorkers         int
	MaxWorkers         int
	FileQueueSize      int
	NodeName           string
	ScaleUpThreshold   float64 // default: 0.9
	ScaleDownThreshold float64 // default: 0.3
	ScaleCheckInterval time.Duration
	// If > 0, stop tailing a file after this period without new lines
	FileIdleTimeout time.Duration
	// Ship lines already in a file when it is first tailed instead of only new ones.
	ReadFromStart   bool
	MetricsInterval time.Duration
}

type Option func(*LogDaemonService)

func WithLogger(l *zap.Logger) Option {
	return func(s *LogDaemonService) { s.logger = l }
}

// NewLogDaemonService always creates 3 + config.MinWorkers go routines on Start()
func NewLogDaemonService(ctx context.Context, config Config, sink logging.RecordSink, opts ...Option) *LogDaemonService {
	nCtx, cancel := context.WithCancel(ctx)

	if config.MinWorkers < 1 {
		config.MinWorkers = 1
	}
	if config.MaxWorkers < config.MinWorkers {
		config.MaxWorkers = config.MinWorkers
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = 30 * time.Second
	}

	service := &LogDaemonService{
		config:    config,
		sink:      sink,
		logger:    zap.NewNop(),
		fileQueue: make(chan string, config.FileQueueSize),
		ctx:       nCtx,
		cancel:    cancel,
		metrics: &LogDaemonMetrics{
			FilesQueueCapacity: config.FileQueueSize,
		},
		minWorkers:     config.MinWorkers,
		maxWorkers:     config.MaxWorkers,
		currentWorkers: config.MinWorkers,
		seenFiles:      make(map[string]struct{}),
		activeFiles:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(service)
	}

	service.workers = make([]*worker, config.MaxWorkers+1)

	return service
}

func (s *LogDaemonService) Start() {
	s.logger.Info("starting log daemon service",
		zap.String("root", s.config.LogRootPath),
		zap.Int("min_workers", s.minWorkers),
		zap.Int("max_workers", s.maxWorkers),
		zap.Int("queue_size", s.config.FileQueueSize))

	s.scaleMutex.Lock()
	for i := 0; i < s.minWorkers; i++ {
		s.startWorker(i)
	}
	s.scaleMutex.Unlock()

	s.subServicesWg.Add(1)
	go s.scanner()

	s.subServicesWg.Add(1)
	go s.monitorAndScale()

	s.subServicesWg.Add(1)
	go s.metricsReporter()
}

func (s *LogDaemonService) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping log daemon service")
		s.cancel()

		s.subServicesWg.Wait()

		close(s.fileQueue)
		s.workersWg.Wait()

		s.logger.Info("log daemon service stopped")
	})
}

// Metrics returns a snapshot of the service counters.
func (s *LogDaemonService) Metrics() LogDaemonMetrics {
	return s.metrics.GetMetricsStamp()
}

// startWorker must be called with scaleMutex held.
func (s *LogDaemonService) startWorker(id int) {
	if id >= len(s.workers) || s.workers[id] != nil {
		return
	}

	workerCtx, cancel := context.WithCancel(s.ctx)
	worker := &worker{
		id:     id,
		ctx:    workerCtx,
		cancel: cancel,
	}
	s.workers[id] = worker

	s.workersWg.Add(1)
	go s.worker(worker)

	s.metrics.IncWorkersActive()
	s.logger.Debug("worker started", zap.Int("worker", id))
}

// stopWorker must be called with scaleMutex held.
func (s *LogDaemonService) stopWorker(id int) {
	if id >= len(s.workers) || s.workers[id] == nil {
		return
	}

	s.workers[id].cancel()
	s.workers[id] = nil

	s.metrics.DecWorkersActive()
	s.logger.Debug("worker stopped", zap.Int("worker", id))
}

func (s *LogDaemonService) worker(worker *worker) {
	defer s.workersWg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panicked", zap.Int("worker", worker.id), zap.Any("panic", r))
		}
	}()

	for {
		select {
		case filePath, ok := <-s.fileQueue:
			if !ok {
				return
			}
			s.metrics.DecAmountQueueFiles()
			s.metrics.IncWorkersBusy()
			s.processFile(worker.ctx, filePath)
			s.metrics.DecWorkersBusy()
			s.release(filePath)

		case <-worker.ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) processFile(ctx context.Context, filePath string) {
	defer s.metrics.IncFilesProcessed()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("file processing panicked", zap.String("file", filePath), zap.Any("panic", r))
			s.metrics.IncFilesFailed()
		}
	}()

	whence := io.SeekEnd
	if s.config.ReadFromStart {
		whence = io.SeekStart
	}
	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.logger.Warn("failed to tail file", zap.String("file", filePath), zap.Error(err))
		s.metrics.IncFilesFailed()
		return
	}
	defer t.Cleanup()
	defer t.Stop()

	source := newFileSource(filePath, s.extractLabels(filePath))

	checkTicker := time.NewTicker(1 * time.Second)
	defer checkTicker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				s.logger.Warn("error reading log file", zap.String("file", filePath), zap.Error(line.Err))
				continue
			}
			lastActivity = time.Now()
			s.metrics.IncLinesRead()

			record, ready := source.Next(line.Text, line.Time)
			if !ready {
				continue
			}
			if err := s.sink.Enqueue(record); err != nil {
				s.metrics.IncLinesRejected()
				s.logger.Debug("record rejected by pipeline", zap.String("file", filePath), zap.Error(err))
			}

		case <-checkTicker.C:
			// waking up from blocking line reading to check context status and idle timeout
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				s.logger.Debug("file idle, releasing worker", zap.String("file", filePath))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) scanner() {
	defer s.subServicesWg.Done()

	s.scanFiles()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanFiles()

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) scanFiles() {
	files, err := s.discoverLogFiles()
	if err != nil {
		s.logger.Warn("error discovering log files", zap.Error(err))
		return
	}

	for _, file := range files {
		if !s.claim(file) {
			continue
		}
		select {
		case s.fileQueue <- file:
			s.metrics.IncAmountQueueFiles()
		case <-s.ctx.Done():
			s.release(file)
			return

		default:
			s.release(file)
			s.logger.Warn("file queue full, skipping file",
				zap.Int("queued", len(s.fileQueue)),
				zap.Int("capacity", cap(s.fileQueue)),
				zap.String("file", file))
		}
	}
}

// claim marks a file as queued. It reports false when the file is already
// queued or tailed.
func (s *LogDaemonService) claim(file string) bool {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()

	if _, ok := s.seenFiles[file]; !ok {
		s.metrics.IncFilesDiscovered()
		s.seenFiles[file] = struct{}{}
	}
	if _, ok := s.activeFiles[file]; ok {
		return false
	}
	s.activeFiles[file] = struct{}{}
	return true
}

func (s *LogDaemonService) release(file string) {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	delete(s.activeFiles, file)
}

func (s *LogDaemonService) monitorAndScale() {
	defer s.subServicesWg.Done()

	ticker := time.NewTicker(s.config.ScaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.adjustWorkers()

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) adjustWorkers() {
	metrics := s.metrics.GetMetricsStamp()

	s.scaleMutex.RLock()
	current := s.currentWorkers
	s.scaleMutex.RUnlock()

	if current >= s.maxWorkers && current <= s.minWorkers {
		return
	}

	queueUsage := metrics.GetQueueUsage()
	workerUtilization := 0.0
	if current > 0 {
		workerUtilization = float64(metrics.WorkersBusy) / float64(current)
	}

	if queueUsage > s.config.ScaleUpThreshold &&
		workerUtilization > s.config.ScaleUpThreshold &&
		current < s.maxWorkers {
		s.scaleUp()
	} else if queueUsage < s.config.ScaleDownThreshold &&
		workerUtilization < s.config.ScaleDownThreshold &&
		current > s.minWorkers {
		s.scaleDown()
	}
}

func (s *LogDaemonService) scaleUp() {
	s.scaleMutex.Lock()
	defer s.scaleMutex.Unlock()

	if s.currentWorkers >= s.maxWorkers {
		return
	}

	newWorkerID := s.currentWorkers
	s.currentWorkers++

	s.startWorker(newWorkerID)
	s.metrics.IncScaleUpOperations()

	s.logger.Info("scaled up tail workers",
		zap.Int("workers", s.currentWorkers),
		zap.Float64("queue_usage", s.metrics.GetQueueUsage()))
}

func (s *LogDaemonService) scaleDown() {
	s.scaleMutex.Lock()
	defer s.scaleMutex.Unlock()

	if s.currentWorkers <= s.minWorkers {
		return
	}

	workerToStop := s.currentWorkers - 1
	s.currentWorkers--

	s.stopWorker(workerToStop)
	s.metrics.IncScaleDownOperations()

	s.logger.Info("scaled down tail workers",
		zap.Int("workers", s.currentWorkers),
		zap.Float64("queue_usage", s.metrics.GetQueueUsage()))
}

func (s *LogDaemonService) metricsReporter() {
	defer s.subServicesWg.Done()

	ticker := time.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics := s.metrics.GetMetricsStamp()
			s.logger.Info("daemon metrics",
				zap.Int("workers_active", metrics.WorkersActive),
				zap.Int("workers_max", s.maxWorkers),
				zap.Int("workers_busy", metrics.WorkersBusy),
				zap.Int("queued_files", metrics.QueuedFiles),
				zap.Float64("queue_usage", metrics.GetQueueUsage()),
				zap.Int("files_processed", metrics.FilesProcessed),
				zap.Int("files_discovered", metrics.FilesDiscovered),
				zap.Int("lines_read", metrics.LinesRead),
				zap.Int("lines_rejected", metrics.LinesRejected),
				zap.Int("scale_up", metrics.ScaleUpOperations),
				zap.Int("scale_down", metrics.ScaleDownOperations))

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.Walk(s.config.LogRootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.logger.Debug("error accessing path", zap.String("path", path), zap.Error(err))
			return nil
		}

		if !info.IsDir() && strings.HasSuffix(info.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// extractLabels reads Kubernetes metadata from the pod log layout
// <root>/<namespace>_<pod>_<uid>/<container>/<n>.log.
func (s *LogDaemonService) extractLabels(filePath string) map[string]string {
	labels := map[string]string{
		"node": s.config.NodeName,
		"file": filepath.Base(filePath),
	}

	rel, err := filepath.Rel(s.config.LogRootPath, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return labels
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) >= 2 {
		podParts := strings.SplitN(parts[0], "_", 3)
		if len(podParts) == 3 {
			labels["namespace"] = podParts[0]
			labels["pod"] = podParts[1]
			labels["pod_uid"] = podParts[2]
		}

		if len(parts) >= 3 {
			labels["container"] = parts[1]
		}
	}

	return labels
}
