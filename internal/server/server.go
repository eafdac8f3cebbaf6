// Package server exposes the analysis pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/leafscan/internal/config"
	"github.com/menta2k/leafscan/pkg/pipeline"
	"github.com/menta2k/leafscan/pkg/publish"
)

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Server serves analysis requests through a dispatcher
type Server struct {
	cfg        config.ServerConfig
	pipeline   *pipeline.Pipeline
	dispatcher *pipeline.Dispatcher
	publisher  publish.Publisher
	reporter   Reporter
	checks     map[string]HealthCheck
	log        logrus.FieldLogger
	engine     *gin.Engine
	started    time.Time
}

// Options holds the optional collaborators of a Server
type Options struct {
	Publisher publish.Publisher
	Reporter  Reporter
	Checks    map[string]HealthCheck
	Logger    logrus.FieldLogger
}

// New creates a server. The dispatcher must already be running.
func New(cfg config.ServerConfig, p *pipeline.Pipeline, d *pipeline.Dispatcher, opts Options) *Server {
	if opts.Publisher == nil {
		opts.Publisher = publish.Nop{}
	}
	if opts.Reporter == nil {
		opts.Reporter = nopReporter{}
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 16
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = config.Duration(2 * time.Minute)
	}

	s := &Server{
		cfg:        cfg,
		pipeline:   p,
		dispatcher: d,
		publisher:  opts.Publisher,
		reporter:   opts.Reporter,
		checks:     opts.Checks,
		log:        opts.Logger,
		started:    time.Now(),
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger(), cors())

	v1 := router.Group("/v1")
	v1.OPTIONS("/analyze", func(c *gin.Context) { c.JSON(http.StatusOK, struct{}{}) })
	v1.POST("/analyze", s.analyze)
	v1.GET("/health", s.health)
	v1.GET("/metrics", s.metrics)
	v1.DELETE("/cache/expired", s.evictExpired)
	return router
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Requested-With, X-File-Name, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request handled")
	}
}

func (s *Server) analyze(c *gin.Context) {
	limit := int64(s.cfg.MaxUploadMB) << 20
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+1<<20)

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Picture is missing"})
		return
	}
	defer file.Close()
	if header.Size > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("Picture exceeds %d MB", s.cfg.MaxUploadMB)})
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Couldn't read picture"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout.Std())
	defer cancel()

	res, err := s.dispatcher.Analyze(ctx, nil, data)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.log.WithError(err).Warn("analysis not completed")
		c.JSON(status, gin.H{"error": "Couldn't complete analysis - please try again later"})
		return
	}

	if reportable(res.Error) {
		s.reporter.Report(res.Error, c.Request, map[string]string{
			"kind":       string(res.Error.Kind()),
			"request_id": res.RequestID,
		})
	}

	if err := s.publisher.Publish(ctx, res); err != nil {
		s.log.WithError(err).WithField("request_id", res.RequestID).Warn("failed to publish analysis")
	}

	c.JSON(statusFor(res), res)
}

// reportable is true for critical failures, except cancellations and shutdown
func reportable(err pipeline.AnalysisError) bool {
	if err == nil || !pipeline.Critical(err) {
		return false
	}
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, pipeline.ErrDispatcherStopped)
}

// statusFor maps an analysis outcome to an HTTP status
func statusFor(res *pipeline.AnalysisResult) int {
	if res.Error == nil {
		return http.StatusOK
	}
	switch res.Error.(type) {
	case pipeline.InvalidImage:
		return http.StatusBadRequest
	case pipeline.NoLeafDetected, pipeline.PoorImageQuality, pipeline.LowConfidence:
		return http.StatusUnprocessableEntity
	case pipeline.ValidatorUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":    state,
		"checks":    checks,
		"in_flight": s.pipeline.InFlight(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) metrics(c *gin.Context) {
	entries, err := s.pipeline.Cache().Len(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Warn("failed to count cache entries")
		entries = -1
	}
	c.JSON(http.StatusOK, gin.H{
		"pipeline":      s.pipeline.Metrics().Snapshot(),
		"cache_entries": entries,
		"in_flight":     s.pipeline.InFlight(),
	})
}

func (s *Server) evictExpired(c *gin.Context) {
	n, err := s.pipeline.Cache().EvictExpiredAndOverflow(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("cache eviction failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Couldn't evict cache entries"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"evicted": n})
}

// Run serves on cfg.Address until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("address", s.cfg.Address).Info("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
