package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Chichichkin/logshipper/internal/logging/batch"
	"github.com/Chichichkin/logshipper/internal/metrics"
)

// Pipeline is the part of batch.Processor the admin surface drives.
type Pipeline interface {
	FlushNow(ctx context.Context) error
	Stats() batch.Stats
}

type Options struct {
	Pipeline Pipeline
	Counters *metrics.Counters
	// Daemon returns tailer statistics; nil when the daemon is disabled.
	Daemon       func() any
	Gatherer     prometheus.Gatherer
	FlushTimeout time.Duration
	Logger       *zap.Logger
}

type handler struct {
	opts Options
}

func NewRouter(opts Options) *gin.Engine {
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 30 * time.Second
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	h := &handler{opts: opts}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", h.health)
	r.GET("/stats", h.stats)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	r.POST("/flush", h.flush)
	return r
}

func (h *handler) health(c *gin.Context) {
	state := h.opts.Pipeline.Stats().State
	if state == batch.StateClosed {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "closed", "state": state.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"state":     state.String(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (h *handler) stats(c *gin.Context) {
	s := h.opts.Pipeline.Stats()
	resp := gin.H{
		"pipeline": gin.H{
			"state":    s.State.String(),
			"queued":   s.Queued,
			"dropped":  s.Dropped,
			"pending":  s.Pending,
			"overflow": s.Overflow,
		},
	}
	if h.opts.Counters != nil {
		resp["counters"] = h.opts.Counters.Snapshot()
	}
	if h.opts.Daemon != nil {
		resp["daemon"] = h.opts.Daemon()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) flush(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.FlushTimeout)
	defer cancel()

	if err := h.opts.Pipeline.FlushNow(ctx); err != nil {
		h.opts.Logger.Warn("manual flush failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "flushed"})
}

// Server runs the admin router on addr.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

func NewServer(addr string, handler http.Handler, logger *zap.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func (s *Server) Start() {
	go func() {
		s.logger.Info("admin server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", zap.Error(err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
