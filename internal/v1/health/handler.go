package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/andrewginns/wikirace-arena/internal/v1/bus"
	"github.com/andrewginns/wikirace-arena/internal/v1/logging"
)

// ArticleCounter reports the size of the loaded article graph. Satisfied by
// *graphdb.Store.
type ArticleCounter interface {
	ArticleCount(ctx context.Context) (int, error)
}

// Handler manages health check endpoints.
type Handler struct {
	redisService *bus.Service
	graph        ArticleCounter
}

// NewHandler creates a new health check handler. graph may be nil in tests
// that don't exercise article_count.
func NewHandler(redisService *bus.Service, graph ArticleCounter) *Handler {
	return &Handler{
		redisService: redisService,
		graph:        graph,
	}
}

// HealthResponse is the spec-mandated `/health` contract.
type HealthResponse struct {
	Status       string `json:"status"`
	ArticleCount int    `json:"article_count"`
}

// Health handles GET /health: {"status": "healthy", "article_count": int}.
func (h *Handler) Health(c *gin.Context) {
	count := 0
	if h.graph != nil {
		if n, err := h.graph.ArticleCount(c.Request.Context()); err == nil {
			count = n
		} else {
			logging.Warn(c.Request.Context(), "article count lookup failed", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", ArticleCount: count})
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live: 200 if the process is alive, no
// dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready: 200 only if every checked dependency
// is healthy, else 503.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	checks["graph_db"] = h.checkGraph(ctx)
	if checks["graph_db"] != "healthy" {
		allHealthy = false
	}

	if h.redisService != nil {
		checks["wiki_cache_redis"] = h.checkRedis(ctx)
		if checks["wiki_cache_redis"] != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkGraph(ctx context.Context) string {
	if h.graph == nil {
		return "healthy"
	}
	if _, err := h.graph.ArticleCount(ctx); err != nil {
		logging.Error(ctx, "graph db health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisService == nil {
		return "healthy"
	}
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
