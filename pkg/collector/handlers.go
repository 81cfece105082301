package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/libresiem/libresiem/pkg/models"
	"github.com/libresiem/libresiem/pkg/parser"
)

// tokenHandler handles POST /token. Credentials arrive form-encoded, the
// same shape OAuth2 password grants use.
func (s *Server) tokenHandler(c echo.Context) error {
	username := c.FormValue("username")
	password := c.FormValue("password")
	if username == "" || password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	resp, err := s.auth.Login(c.Request().Context(), username, password, c.RealIP())
	if err != nil {
		return mapAuthError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// healthHandler handles GET /health. The collector is healthy when both
// the bus and the cache respond; degraded components flip the status to
// 503 so load balancers stop routing ingest traffic here.
func (s *Server) healthHandler(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	components := map[string]string{
		"bus":   "ok",
		"cache": "ok",
	}
	healthy := true

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		components["cache"] = err.Error()
		healthy = false
	}
	// The producer has no ping; publishing a probe would pollute the
	// stream, so bus health is the outcome of the last publish.
	if msg, ok := s.lastPublishErr.Load().(string); ok && msg != "" {
		components["bus"] = msg
		healthy = false
	}
	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	return c.JSON(status, map[string]any{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  components,
	})
}

type ingestResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ingestHandler handles POST /ingest: one structured event.
func (s *Server) ingestHandler(c echo.Context) error {
	// 1. Bind and validate
	var event models.Event
	if err := c.Bind(&event); err != nil {
		eventsAccepted.WithLabelValues("ingest", "rejected").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := event.Validate(); err != nil {
		eventsAccepted.WithLabelValues("ingest", "rejected").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// 2. Charge the per-event quota
	res, err := s.limiter.AllowN(c.Request().Context(), s.quotas.Event, principal(c), 1)
	if err != nil {
		s.logger.Warn("Event quota check failed, allowing event", "error", err)
	} else if !res.Allowed {
		setRateLimitHeaders(c, res)
		eventsAccepted.WithLabelValues("ingest", "rejected").Inc()
		return echo.NewHTTPError(http.StatusTooManyRequests, "event rate limit exceeded")
	}

	// 3. Publish
	if err := s.accept(c.Request().Context(), &event); err != nil {
		eventsAccepted.WithLabelValues("ingest", "failed").Inc()
		return mapIngestError(err)
	}

	eventsAccepted.WithLabelValues("ingest", "accepted").Inc()
	return c.JSON(http.StatusOK, ingestResponse{ID: event.ID, Status: "accepted"})
}

type batchItemResult struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type batchSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type batchResponse struct {
	Summary batchSummary      `json:"summary"`
	Results []batchItemResult `json:"results"`
}

// ingestBatchHandler handles POST /ingest/batch. Events are validated and
// published independently; a bad event never rejects its siblings, so the
// response is 200 with per-event results.
func (s *Server) ingestBatchHandler(c echo.Context) error {
	// 1. Bind and check batch-level limits
	var batch models.Batch
	if err := c.Bind(&batch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := batch.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// 2. Charge the per-event quota for the whole batch up front
	res, err := s.limiter.AllowN(c.Request().Context(), s.quotas.Event, principal(c), len(batch.Events))
	if err != nil {
		s.logger.Warn("Event quota check failed, allowing batch", "error", err)
	} else {
		setRateLimitHeaders(c, res)
		if !res.Allowed {
			return echo.NewHTTPError(http.StatusTooManyRequests, "event rate limit exceeded")
		}
	}

	// 3. Accept each event independently
	resp := batchResponse{
		Summary: batchSummary{Total: len(batch.Events)},
		Results: make([]batchItemResult, 0, len(batch.Events)),
	}
	for i := range batch.Events {
		event := &batch.Events[i]
		result := batchItemResult{Index: i}

		if err := event.Validate(); err != nil {
			result.Status = "rejected"
			result.Error = err.Error()
			resp.Summary.Failed++
		} else if err := s.accept(c.Request().Context(), event); err != nil {
			result.Status = "failed"
			result.Error = "event pipeline unavailable"
			resp.Summary.Failed++
		} else {
			result.Status = "accepted"
			result.ID = event.ID
			resp.Summary.Successful++
		}
		resp.Results = append(resp.Results, result)
	}

	eventsAccepted.WithLabelValues("batch", "accepted").Add(float64(resp.Summary.Successful))
	eventsAccepted.WithLabelValues("batch", "rejected").Add(float64(resp.Summary.Failed))
	return c.JSON(http.StatusOK, &resp)
}

// ingestRawHandler handles POST /ingest/raw: an unstructured line that is
// parsed into an event before entering the pipeline. Unparseable lines are
// a 422.
func (s *Server) ingestRawHandler(c echo.Context) error {
	// 1. Bind
	var req models.RawLogRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Source == "" || req.LogLine == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "source and log_line are required")
	}

	// 2. Parse. Any parse failure is a client problem, whether the format
	// was explicit or auto-detected.
	event, err := parser.Parse(req.Source, req.LogLine, req.Format)
	if err != nil {
		eventsAccepted.WithLabelValues("raw", "unparseable").Inc()
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if err := event.Validate(); err != nil {
		eventsAccepted.WithLabelValues("raw", "rejected").Inc()
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	// 3. Publish
	if err := s.accept(c.Request().Context(), event); err != nil {
		eventsAccepted.WithLabelValues("raw", "failed").Inc()
		return mapIngestError(err)
	}

	eventsAccepted.WithLabelValues("raw", "accepted").Inc()
	return c.JSON(http.StatusOK, ingestResponse{ID: event.ID, Status: "accepted"})
}

// accept assigns identity, publishes the event keyed by source so per-source
// ordering survives partitioning, and fans out to event webhooks.
func (s *Server) accept(ctx context.Context, event *models.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := s.producer.Publish(ctx, s.rawTopic, []byte(event.Source), payload); err != nil {
		s.lastPublishErr.Store(err.Error())
		return err
	}
	s.lastPublishErr.Store("")

	if s.webhooks != nil {
		s.webhooks.Deliver(payload)
	}
	return nil
}
