// Package api exposes the HTTP surface: a pull endpoint for departure
// queries, a status endpoint, and a websocket stream of realtime
// updates.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	transit "github.com/citydash/transit"
	"github.com/citydash/transit/collector"
	"github.com/citydash/transit/fanout"
	"github.com/citydash/transit/storage"
)

type Server struct {
	queries   *transit.QueryService
	hub       *fanout.Hub
	collector *collector.Collector
	logger    *zap.Logger
}

func NewServer(
	queries *transit.QueryService,
	hub *fanout.Hub,
	coll *collector.Collector,
	logger *zap.Logger,
) *Server {
	return &Server{
		queries:   queries,
		hub:       hub,
		collector: coll,
		logger:    logger,
	}
}

func (s *Server) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.GET("/departures", s.departuresHandler)
	v1.GET("/status", s.statusHandler)
	v1.GET("/ws", s.wsHandler)
}

func (s *Server) departuresHandler(c *gin.Context) {
	req := transit.DeparturesRequest{
		FeedID: c.Query("feed_id"),
		StopID: c.Query("stop_id"),
		Date:   c.Query("date"),
		Time:   c.Query("time"),
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit: not an integer"})
			return
		}
		req.Limit = limit
	}

	resp, err := s.queries.Departures(c.Request.Context(), req)
	if err != nil {
		s.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) statusHandler(c *gin.Context) {
	status := gin.H{"status": "ok"}
	if s.collector != nil {
		sources := s.collector.Health()
		status["sources"] = sources
		for _, src := range sources {
			if src.Degraded {
				status["status"] = "degraded"
			}
		}
	}
	c.JSON(http.StatusOK, status)
}

// renderError maps the error taxonomy to status codes. Validation
// problems are the caller's fault, unknown feeds and stops are 404,
// an unreachable backend is 503 and a configured-but-unsupported
// backend is 501.
func (s *Server) renderError(c *gin.Context, err error) {
	var verr *transit.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrNotImplemented):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "schedule backend unavailable"})
	default:
		s.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
