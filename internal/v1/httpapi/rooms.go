package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/andrewginns/wikirace-arena/internal/v1/ratelimit"
	"github.com/andrewginns/wikirace-arena/internal/v1/roommodel"
)

// createRoomRequest is the §6 POST /rooms body.
type createRoomRequest struct {
	StartArticle       string `json:"start_article" binding:"required"`
	DestinationArticle string `json:"destination_article" binding:"required"`
	OwnerName          string `json:"owner_name" binding:"required"`
	MaxHops            *int   `json:"max_hops"`
	MaxLinks           *int   `json:"max_links"`
	MaxTokens          *int   `json:"max_tokens"`
	IncludeImageLinks  bool   `json:"include_image_links"`
	DisableLinksView   bool   `json:"disable_links_view"`
}

// createRoomResponse is the §6 POST /rooms wire shape.
type createRoomResponse struct {
	RoomID        string          `json:"room_id"`
	OwnerPlayerID string          `json:"owner_player_id"`
	JoinURL       string          `json:"join_url"`
	Room          *roommodel.Room `json:"room"`
}

// createRoom handles POST /rooms: resolves and canonicalizes the two
// articles, installs a fresh lobby room, and returns a shareable join URL.
func (s *Server) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}

	rules := roommodel.DefaultRules()
	if req.MaxHops != nil {
		rules.MaxHops = *req.MaxHops
	}
	rules.MaxLinks = req.MaxLinks
	rules.MaxTokens = req.MaxTokens
	rules.IncludeImageLinks = req.IncludeImageLinks
	rules.DisableLinksView = req.DisableLinksView

	room, ownerID, err := s.Reg.Create(c.Request.Context(), req.StartArticle, req.DestinationArticle, req.OwnerName, rules)
	if err != nil {
		respondError(c, err)
		return
	}

	joinURL := ""
	if s.JoinURLBuilder != nil {
		scheme, host, port := requestOrigin(c)
		joinURL = s.JoinURLBuilder(scheme, host, port, room.Code)
	}

	c.JSON(http.StatusCreated, createRoomResponse{
		RoomID:        room.Code,
		OwnerPlayerID: ownerID,
		JoinURL:       joinURL,
		Room:          room,
	})
}

// requestOrigin splits the incoming request into the scheme/host/port
// JoinURLBuilder needs, honoring a reverse proxy's X-Forwarded-Proto.
func requestOrigin(c *gin.Context) (scheme, host, port string) {
	scheme = "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	host = c.Request.Host
	port = ""
	if h, p, err := splitHostPort(host); err == nil {
		host, port = h, p
	}
	return scheme, host, port
}

// getRoom handles GET /rooms/{id}.
func (s *Server) getRoom(c *gin.Context) {
	room, err := s.Reg.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// joinRoomRequest is the §6 POST /rooms/{id}/join body.
type joinRoomRequest struct {
	Name string `json:"name" binding:"required"`
}

// joinRoomResponse is the §6 POST /rooms/{id}/join wire shape.
type joinRoomResponse struct {
	PlayerID string          `json:"player_id"`
	Room     *roommodel.Room `json:"room"`
}

// joinRoom handles POST /rooms/{id}/join.
func (s *Server) joinRoom(c *gin.Context) {
	var req joinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}

	room, playerID, err := s.Orchestrator.Join(c.Request.Context(), c.Param("id"), req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, joinRoomResponse{PlayerID: playerID, Room: room})
}

// startRoomRequest is the §6 POST /rooms/{id}/start body.
type startRoomRequest struct {
	PlayerID string `json:"player_id" binding:"required"`
}

// startRoom handles POST /rooms/{id}/start.
func (s *Server) startRoom(c *gin.Context) {
	var req startRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}
	c.Set(ratelimit.PlayerIDKey, req.PlayerID)

	room, err := s.Orchestrator.Start(c.Request.Context(), c.Param("id"), req.PlayerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// newRoundRequest is the §6 POST /rooms/{id}/new_round body.
type newRoundRequest struct {
	PlayerID           string `json:"player_id" binding:"required"`
	StartArticle       string `json:"start_article" binding:"required"`
	DestinationArticle string `json:"destination_article" binding:"required"`
}

// newRound handles POST /rooms/{id}/new_round.
func (s *Server) newRound(c *gin.Context) {
	var req newRoundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}
	c.Set(ratelimit.PlayerIDKey, req.PlayerID)

	room, err := s.Orchestrator.NewRound(c.Request.Context(), c.Param("id"), req.StartArticle, req.DestinationArticle, req.PlayerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// moveRequest is the §6 POST /rooms/{id}/move body.
type moveRequest struct {
	PlayerID  string `json:"player_id" binding:"required"`
	ToArticle string `json:"to_article" binding:"required"`
}

// move handles POST /rooms/{id}/move.
func (s *Server) move(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}
	c.Set(ratelimit.PlayerIDKey, req.PlayerID)

	room, err := s.Orchestrator.Move(c.Request.Context(), c.Param("id"), req.PlayerID, req.ToArticle)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// addLLMRequest is the §6 POST /rooms/{id}/add_llm body.
type addLLMRequest struct {
	PlayerID        string `json:"player_id" binding:"required"`
	PlayerName      string `json:"player_name" binding:"required"`
	Model           string `json:"model" binding:"required"`
	APIBase         string `json:"api_base"`
	ReasoningEffort string `json:"reasoning_effort"`
	MaxSteps        *int   `json:"max_steps"`
	MaxLinks        *int   `json:"max_links"`
	MaxTokens       *int   `json:"max_tokens"`
}

// addLLM handles POST /rooms/{id}/add_llm.
func (s *Server) addLLM(c *gin.Context) {
	var req addLLMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}
	c.Set(ratelimit.PlayerIDKey, req.PlayerID)

	params := roommodel.LLMParams{
		Model:           req.Model,
		APIBase:         req.APIBase,
		ReasoningEffort: req.ReasoningEffort,
	}

	room, err := s.Orchestrator.AddLLM(c.Request.Context(), c.Param("id"), req.PlayerID, params, req.PlayerName, req.MaxSteps, req.MaxLinks, req.MaxTokens)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// runActionRequest is the shared body shape for cancel/restart/abandon.
type runActionRequest struct {
	PlayerID string `json:"player_id" binding:"required"`
}

// cancelRun handles POST /rooms/{id}/runs/{run_id}/cancel.
func (s *Server) cancelRun(c *gin.Context) {
	var req runActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}
	c.Set(ratelimit.PlayerIDKey, req.PlayerID)

	room, err := s.Orchestrator.CancelRun(c.Request.Context(), c.Param("id"), c.Param("run_id"), req.PlayerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// restartRun handles POST /rooms/{id}/runs/{run_id}/restart.
func (s *Server) restartRun(c *gin.Context) {
	var req runActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}
	c.Set(ratelimit.PlayerIDKey, req.PlayerID)

	room, err := s.Orchestrator.RestartRun(c.Request.Context(), c.Param("id"), c.Param("run_id"), req.PlayerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// abandonRun handles POST /rooms/{id}/runs/{run_id}/abandon.
func (s *Server) abandonRun(c *gin.Context) {
	var req runActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}
	c.Set(ratelimit.PlayerIDKey, req.PlayerID)

	room, err := s.Orchestrator.AbandonRun(c.Request.Context(), c.Param("id"), c.Param("run_id"), req.PlayerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}
