package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/andrewginns/wikirace-arena/internal/localtrace"
)

// localRunStart handles POST /llm/local_run/start (§10): opens (or
// refreshes) a headless trace span for a session/run pair outside any
// room.
func (s *Server) localRunStart(c *gin.Context) {
	var req localtrace.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}

	resp, err := s.LocalTrace.Start(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// localRunEnd handles POST /llm/local_run/end: closes a headless trace
// span. Ending an unknown or already-ended run is not an error.
func (s *Server) localRunEnd(c *gin.Context) {
	var req localtrace.EndRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}

	if err := s.LocalTrace.End(req); err != nil {
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// localRunStep handles POST /llm/local_run/step: computes exactly one LLM
// decision step against the request's own state, touching the
// session/run's trace (identified by the X-Wikirace-Session-Id and
// X-Wikirace-Run-Id headers, as in the original harness) if present.
func (s *Server) localRunStep(c *gin.Context) {
	var req localtrace.StepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}
	req.SessionID = c.GetHeader("X-Wikirace-Session-Id")
	req.RunID = c.GetHeader("X-Wikirace-Run-Id")

	maxTries := s.MaxLLMChooseLinkTries
	resp, err := s.LocalTrace.Step(c.Request.Context(), s.LLMExecGraph, s.LLMExecGateway, maxTries, req)
	if err != nil {
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}
	c.JSON(http.StatusOK, resp)
}
