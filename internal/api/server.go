// Package api serves the liquidation totals and operational endpoints over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"liqflow/config"
	"liqflow/internal/metrics"
	"liqflow/internal/store"
	"liqflow/logger"
)

// Querier is the read side the endpoints need.
type Querier interface {
	Total24h(ctx context.Context) (decimal.Decimal, error)
	ResetCache(ctx context.Context) (int64, error)
}

// Options wires the server to the rest of the process. Store and ProbeKey
// back the health check; FeedState and DedupChannels are optional.
type Options struct {
	Query          Querier
	Store          store.Counter
	ProbeKey       string
	FeedState      func() string
	DedupChannels  func() int
	Prometheus     bool
	MetricsHistory int
	RequestTimeout time.Duration
}

type Server struct {
	cfg         config.APIConfig
	opts        Options
	log         *logger.Log
	recent      *metricStore
	unsubscribe func()
	httpServer  *http.Server
	startedAt   time.Time
}

// NewServer returns nil when the API is disabled.
func NewServer(cfg config.APIConfig, opts Options) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}

	recent := newMetricStore(opts.MetricsHistory)
	return &Server{
		cfg:         cfg,
		opts:        opts,
		log:         logger.GetLogger(),
		recent:      recent,
		unsubscribe: metrics.Subscribe(recent.handle),
		startedAt:   time.Now(),
	}
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.unsubscribe()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithComponent("api").WithFields(logger.Fields{"address": s.cfg.Address}).Info("starting http api")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		s.log.WithComponent("api").Info("http api stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler builds the router. Exposed so tests can drive it with httptest.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/api/liquidations", s.handleLiquidations)
	router.POST("/api/reset-cache", s.handleResetCache)
	router.GET("/api/metrics", s.handleRecentMetrics)
	router.GET("/healthz", s.handleHealth)
	if s.opts.Prometheus {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return router
}

func (s *Server) handleLiquidations(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.RequestTimeout)
	defer cancel()

	total, err := s.opts.Query.Total24h(ctx)
	if err != nil {
		s.log.WithComponent("api").WithError(err).Error("failed to fetch liquidation total")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch liquidation data"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_24h_liquidation_usd": total.StringFixed(2)})
}

func (s *Server) handleResetCache(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.RequestTimeout)
	defer cancel()

	deleted, err := s.opts.Query.ResetCache(ctx)
	if err != nil {
		s.log.WithComponent("api").WithError(err).Error("cache reset failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reset failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "deleted_keys": deleted})
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt) / time.Second),
	}

	if s.opts.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		_, err := s.opts.Store.Get(ctx, s.opts.ProbeKey)
		cancel()
		if err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["store"] = "unreachable"
			s.log.WithComponent("api").WithError(err).Warn("health probe failed")
		} else {
			body["store"] = "ok"
		}
	}
	if s.opts.FeedState != nil {
		body["feed_state"] = s.opts.FeedState()
	}
	if s.opts.DedupChannels != nil {
		body["dedup_channels"] = s.opts.DedupChannels()
	}
	c.JSON(status, body)
}

func (s *Server) handleRecentMetrics(c *gin.Context) {
	snapshot := s.recent.snapshot()
	payload := make([]gin.H, 0, len(snapshot))
	for _, m := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.UTC().Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithComponent("api").WithFields(logger.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("request served")
	}
}

// normalizeAddress accepts ":3001", "3001", "host:port" and bare hosts.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:3001"
	}
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		return net.JoinHostPort(host, port)
	}
	if !strings.ContainsAny(addr, ".:") && isDigits(addr) {
		return "0.0.0.0:" + addr
	}
	return net.JoinHostPort(addr, "3001")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
