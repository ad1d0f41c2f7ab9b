// Package httpapi registers the gin routes of the HTTP/WS surface (§6):
// article-graph read endpoints, room lifecycle operations, the standalone
// LLM decision and move-validation endpoints, the wiki HTML proxy, and the
// per-room WebSocket push channel.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/andrewginns/wikirace-arena/internal/localtrace"
	"github.com/andrewginns/wikirace-arena/internal/v1/broadcast"
	"github.com/andrewginns/wikirace-arena/internal/v1/llmexec"
	"github.com/andrewginns/wikirace-arena/internal/v1/llmgateway"
	"github.com/andrewginns/wikirace-arena/internal/v1/movevalidate"
	"github.com/andrewginns/wikirace-arena/internal/v1/orchestrator"
	"github.com/andrewginns/wikirace-arena/internal/v1/ratelimit"
	"github.com/andrewginns/wikirace-arena/internal/v1/roomreg"
	"github.com/andrewginns/wikirace-arena/internal/v1/wikiproxy"
)

// GraphReader is the full read surface the HTTP handlers need from the
// article-graph store, beyond what orchestrator/movevalidate already wrap.
type GraphReader interface {
	movevalidate.Graph
	AllTitles(ctx context.Context) ([]string, error)
}

// Server bundles every dependency the route handlers need.
type Server struct {
	Orchestrator *orchestrator.Orchestrator
	Reg          *roomreg.Registry
	Hub          *broadcast.Hub
	Graph        GraphReader
	Gateway      *llmgateway.Gateway
	Proxy        *wikiproxy.Proxy
	RateLimiter  *ratelimit.RateLimiter

	// LocalTrace backs the headless /llm/local_run/* harness endpoints
	// (§10). Nil disables those routes (they aren't part of spec.md's
	// core route table).
	LocalTrace *localtrace.Store

	// LLMExecGraph and LLMExecGateway are the unlocked dependencies
	// /llm/local_run/step needs to call llmexec.ComputeStep directly,
	// without a room. Typically the same graphdb.Store and
	// llmgateway.Gateway passed to llmexec.New.
	LLMExecGraph   llmexec.Graph
	LLMExecGateway llmexec.Gateway

	// JoinURLBuilder constructs the shareable join URL for a freshly
	// created room from the request's scheme/host/port (§6 "Join URL
	// policy"). Typically joinurl.Build.
	JoinURLBuilder func(scheme, host, port, roomCode string) string

	// MaxLLMChooseLinkTries bounds the standalone /llm/choose_link
	// endpoint's retry budget when the caller doesn't specify one.
	MaxLLMChooseLinkTries int

	// ResolveArticleCacheTTLSeconds and WikiCacheTTLSeconds set the
	// Cache-Control max-age advertised on their respective read endpoints;
	// both default to one hour when zero.
	ResolveArticleCacheTTLSeconds int
	WikiCacheTTLSeconds           int
}

// Register attaches every route in spec.md §6 (plus the ambient
// /metrics, /health/live, /health/ready already registered by the
// caller via internal/v1/health) to engine.
func (s *Server) Register(engine *gin.Engine) {
	engine.GET("/get_all_articles", s.getAllArticles)
	engine.GET("/get_article_with_links/*title", s.getArticleWithLinks)
	engine.GET("/resolve_article/*title", s.resolveArticle)
	engine.GET("/canonical_title/*title", s.canonicalTitle)
	engine.GET("/wiki/*title", s.wikiProxy)

	rooms := engine.Group("/rooms")
	if s.RateLimiter != nil {
		rooms.Use(s.RateLimiter.MiddlewareForEndpoint("rooms"))
	}
	rooms.POST("", s.createRoom)
	rooms.GET("/:id", s.getRoom)
	rooms.POST("/:id/join", s.joinRoom)
	rooms.POST("/:id/start", s.startRoom)
	rooms.POST("/:id/new_round", s.newRound)
	rooms.POST("/:id/move", s.move)
	rooms.POST("/:id/add_llm", s.addLLM)
	rooms.POST("/:id/runs/:run_id/cancel", s.cancelRun)
	rooms.POST("/:id/runs/:run_id/restart", s.restartRun)
	rooms.POST("/:id/runs/:run_id/abandon", s.abandonRun)
	rooms.GET("/:id/ws", s.roomWebSocket)

	engine.POST("/llm/choose_link", s.llmChooseLink)
	engine.POST("/local/validate_move", s.localValidateMove)

	if s.LocalTrace != nil {
		engine.POST("/llm/local_run/start", s.localRunStart)
		engine.POST("/llm/local_run/end", s.localRunEnd)
		engine.POST("/llm/local_run/step", s.localRunStep)
	}
}

// detail is the spec-mandated JSON error shape: {"detail": "..."}.
func detail(message string) gin.H { return gin.H{"detail": message} }

// respondError maps an orchestrator/movevalidate error (or a plain Go
// error) to the appropriate status code and {"detail": ...} body.
func respondError(c *gin.Context, err error) {
	if oerr, ok := err.(*orchestrator.Error); ok {
		c.JSON(oerr.Status, detail(oerr.Message))
		return
	}
	if merr, ok := err.(*movevalidate.Error); ok {
		c.JSON(merr.Status, detail(merr.Message))
		return
	}
	if err == roomreg.ErrNotFound {
		c.JSON(http.StatusNotFound, detail("room not found"))
		return
	}
	if _, ok := err.(*roomreg.ErrUnresolvedArticle); ok {
		c.JSON(http.StatusNotFound, detail(err.Error()))
		return
	}
	if err == roomreg.ErrSameArticle {
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}
	c.JSON(http.StatusInternalServerError, detail(err.Error()))
}
