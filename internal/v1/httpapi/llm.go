package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/andrewginns/wikirace-arena/internal/v1/llmdecision"
	"github.com/andrewginns/wikirace-arena/internal/v1/llmgateway"
	"github.com/andrewginns/wikirace-arena/internal/v1/movevalidate"
)

// llmChooseLinkRequest is the §6 POST /llm/choose_link body: a standalone
// decision call with no room attached, used by offline tooling and tests.
type llmChooseLinkRequest struct {
	Model              string   `json:"model" binding:"required"`
	APIBase            string   `json:"api_base"`
	ReasoningEffort    string   `json:"reasoning_effort"`
	CurrentArticle     string   `json:"current_article" binding:"required"`
	DestinationArticle string   `json:"destination_article" binding:"required"`
	PathSoFar          []string `json:"path_so_far"`
	Links              []string `json:"links" binding:"required"`
	MaxTries           int      `json:"max_tries"`
}

// llmChooseLinkResponse is the §6 POST /llm/choose_link wire shape.
type llmChooseLinkResponse struct {
	ChosenIndex int            `json:"chosen_index"`
	Metadata    map[string]any `json:"metadata"`
}

// llmChooseLink handles POST /llm/choose_link: runs the same
// prompt/extract/retry loop the room executors use, against the
// process-wide gateway, without touching any room state.
func (s *Server) llmChooseLink(c *gin.Context) {
	var req llmChooseLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}
	if len(req.Links) == 0 {
		c.JSON(http.StatusBadRequest, detail("links must not be empty"))
		return
	}

	maxTries := req.MaxTries
	if maxTries <= 0 {
		maxTries = s.MaxLLMChooseLinkTries
	}
	if maxTries <= 0 {
		maxTries = llmdecision.DefaultMaxTries
	}

	params := llmgateway.Params{
		Model:           req.Model,
		APIBase:         req.APIBase,
		ReasoningEffort: req.ReasoningEffort,
	}

	outcome, err := llmdecision.ChooseLink(c.Request.Context(), s.Gateway, params, req.CurrentArticle, req.DestinationArticle, req.PathSoFar, req.Links, maxTries)
	if err != nil {
		c.JSON(http.StatusBadGateway, detail(err.Error()))
		return
	}

	c.JSON(http.StatusOK, llmChooseLinkResponse{ChosenIndex: outcome.ChosenIndex, Metadata: outcome.Metadata})
}

// localValidateMoveRequest is the §6 POST /local/validate_move body: runs
// the move-legality algorithm directly, bypassing any room.
type localValidateMoveRequest struct {
	CurrentArticle     string `json:"current_article" binding:"required"`
	ToArticle          string `json:"to_article" binding:"required"`
	DestinationArticle string `json:"destination_article" binding:"required"`
	CurrentHops        int    `json:"current_hops"`
	MaxHops            int    `json:"max_hops"`
}

// localValidateMoveResponse is the §6 POST /local/validate_move wire shape.
type localValidateMoveResponse struct {
	Outcome  movevalidate.Outcome `json:"outcome"`
	Article  string               `json:"article,omitempty"`
	Metadata map[string]any       `json:"metadata,omitempty"`
}

// localValidateMove handles POST /local/validate_move.
func (s *Server) localValidateMove(c *gin.Context) {
	var req localValidateMoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}

	decision, err := movevalidate.Validate(c.Request.Context(), s.Graph, movevalidate.Params{
		CurrentArticle:     req.CurrentArticle,
		ToArticle:          req.ToArticle,
		DestinationArticle: req.DestinationArticle,
		CurrentHops:        req.CurrentHops,
		MaxHops:            req.MaxHops,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, localValidateMoveResponse{
		Outcome:  decision.Outcome,
		Article:  decision.Article,
		Metadata: decision.Metadata,
	})
}
