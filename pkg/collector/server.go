// Package collector implements the HTTP ingestion API: authentication,
// rate limiting, validation and publishing of raw events onto the bus.
package collector

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/libresiem/libresiem/pkg/auth"
	"github.com/libresiem/libresiem/pkg/bus"
	"github.com/libresiem/libresiem/pkg/config"
	"github.com/libresiem/libresiem/pkg/ratelimit"
)

var eventsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "libresiem_collector_events_total",
	Help: "Events accepted by the collector, by endpoint.",
}, []string{"endpoint", "outcome"})

// Server is the collector HTTP API.
type Server struct {
	cfg      config.CollectorSettings
	auth     *auth.Service
	limiter  *ratelimit.Limiter
	producer bus.Producer
	rdb      redis.UniversalClient
	webhooks *WebhookFanout
	quotas   Quotas

	rawTopic string
	logger   *slog.Logger

	// lastPublishErr holds the most recent bus publish failure, cleared on
	// the next success. Feeds /health.
	lastPublishErr atomic.Value

	httpServer *http.Server
}

// Quotas groups the rate limit budgets used by the API.
type Quotas struct {
	Default ratelimit.Quota
	Batch   ratelimit.Quota
	Event   ratelimit.Quota
	Login   ratelimit.Quota
}

// QuotasFromSettings builds the quota set from configuration.
func QuotasFromSettings(cfg config.RateLimitSettings) Quotas {
	return Quotas{
		Default: ratelimit.Quota{Name: "default", Times: cfg.DefaultTimes, Window: time.Duration(cfg.DefaultSeconds) * time.Second},
		Batch:   ratelimit.Quota{Name: "batch", Times: cfg.BatchTimes, Window: time.Duration(cfg.BatchSeconds) * time.Second},
		Event:   ratelimit.Quota{Name: "event", Times: cfg.EventTimes, Window: time.Duration(cfg.EventSeconds) * time.Second},
		Login:   ratelimit.Quota{Name: "login", Times: cfg.LoginTimes, Window: time.Duration(cfg.LoginSeconds) * time.Second},
	}
}

// NewServer wires the collector. rdb is only used for health reporting;
// webhooks may be nil.
func NewServer(cfg config.CollectorSettings, authSvc *auth.Service, limiter *ratelimit.Limiter,
	producer bus.Producer, rdb redis.UniversalClient, webhooks *WebhookFanout,
	quotas Quotas, rawTopic string) *Server {
	return &Server{
		cfg:      cfg,
		auth:     authSvc,
		limiter:  limiter,
		producer: producer,
		rdb:      rdb,
		webhooks: webhooks,
		quotas:   quotas,
		rawTopic: rawTopic,
		logger:   slog.Default().With("component", "collector-api"),
	}
}

// Router builds the echo instance with all routes and middleware.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = errorHandler

	e.Use(securityHeaders())
	if len(s.cfg.AllowedOrigins) > 0 {
		e.Use(corsAllowList(s.cfg.AllowedOrigins))
	}

	e.GET("/health", s.healthHandler)
	metrics := promhttp.Handler()
	e.GET("/metrics", func(c echo.Context) error {
		metrics.ServeHTTP(c.Response(), c.Request())
		return nil
	})

	e.POST("/token", s.tokenHandler, s.rateLimit(s.quotas.Login))

	ingest := s.requireAuth(auth.ScopeLogsWrite)
	e.POST("/ingest", s.ingestHandler, ingest, s.rateLimit(s.quotas.Default))
	e.POST("/ingest/batch", s.ingestBatchHandler, ingest, s.rateLimit(s.quotas.Batch))
	e.POST("/ingest/raw", s.ingestRawHandler, ingest, s.rateLimit(s.quotas.Default))

	return e
}

// Start runs the HTTP server until ctx is cancelled, then drains
// connections.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Collector API listening", "addr", s.cfg.Addr())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
