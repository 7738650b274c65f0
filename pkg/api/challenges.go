package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LICODX/chunkproof/pkg/core"
)

const maxOutcomePage = 1000

type CreateChallengeRequest struct {
	AgentID string `json:"agentId"`
	CID     string `json:"cid,omitempty"`
}

type CreateChallengeResponse struct {
	ChallengeID string    `json:"challengeId"`
	AgentID     string    `json:"agentId"`
	CID         string    `json:"cid"`
	Nonce       string    `json:"nonce"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type RespondRequest struct {
	ChallengeID string `json:"challengeId,omitempty"`
	AgentID     string `json:"agentId"`
	Proof       string `json:"proof"`
}

type BatchRequest struct {
	Count int `json:"count"`
}

func toCreateResponse(ch *core.StorageChallenge) CreateChallengeResponse {
	return CreateChallengeResponse{
		ChallengeID: ch.ID,
		AgentID:     ch.AgentID,
		CID:         ch.CID,
		Nonce:       ch.Nonce,
		IssuedAt:    ch.IssuedAt,
		ExpiresAt:   ch.ExpiresAt,
	}
}

func (s *Server) bind(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		s.writeError(c, core.Validation("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) handleCreateChallenge(c *gin.Context) {
	var req CreateChallengeRequest
	if !s.bind(c, &req) {
		return
	}

	ch, err := s.b.Engine.CreateChallenge(c.Request.Context(), req.AgentID, req.CID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.writeJSON(c, toCreateResponse(ch), http.StatusCreated)
}

func (s *Server) handleRespond(c *gin.Context) {
	var req RespondRequest
	if !s.bind(c, &req) {
		return
	}
	id := c.Param("id")
	if req.ChallengeID != "" && req.ChallengeID != id {
		s.writeError(c, core.Validation("challenge id in body does not match the path"))
		return
	}

	res, err := s.b.Engine.Respond(c.Request.Context(), id, req.AgentID, req.Proof)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.writeJSON(c, res, http.StatusOK)
}

func (s *Server) handleBatchChallenges(c *gin.Context) {
	var req BatchRequest
	if !s.bind(c, &req) {
		return
	}

	created, err := s.b.Engine.BatchCreate(c.Request.Context(), req.Count)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]CreateChallengeResponse, 0, len(created))
	for _, ch := range created {
		out = append(out, toCreateResponse(ch))
	}
	s.writeJSON(c, gin.H{"requested": req.Count, "created": len(out), "challenges": out}, http.StatusOK)
}

func (s *Server) handlePendingChallenges(c *gin.Context) {
	pending, err := s.b.Engine.PendingChallenges(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.writeJSON(c, gin.H{"count": len(pending), "challenges": pending}, http.StatusOK)
}

func (s *Server) handleAgentProofs(c *gin.Context) {
	agentID := c.Param("id")
	status, err := s.b.Engine.AgentStatus(c.Request.Context(), agentID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.writeJSON(c, gin.H{
		"agentId":          agentID,
		"stats":            status.Stats,
		"recentChallenges": status.Recent,
	}, http.StatusOK)
}

func (s *Server) handleNetworkOverview(c *gin.Context) {
	top, err := intQuery(c, "top", 0)
	if err != nil {
		s.writeError(c, err)
		return
	}
	ov, err := s.b.Engine.Overview(c.Request.Context(), top)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.writeJSON(c, ov, http.StatusOK)
}

// handleOutcomes lets the credit ledger poll resolved challenges by sequence.
func (s *Server) handleOutcomes(c *gin.Context) {
	if s.b.Outcomes == nil {
		s.writeError(c, core.Unavailable(nil, "outcome journal is not enabled"))
		return
	}

	var since uint64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(c, core.Validation("since must be a non-negative integer"))
			return
		}
		since = v
	}
	limit, err := intQuery(c, "limit", 100)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if limit < 1 || limit > maxOutcomePage {
		s.writeError(c, core.Validation("limit must be between 1 and %d", maxOutcomePage))
		return
	}

	outcomes, err := s.b.Outcomes.Since(since, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.writeJSON(c, gin.H{
		"head":     s.b.Outcomes.Head(),
		"since":    since,
		"outcomes": outcomes,
	}, http.StatusOK)
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, core.Validation("%s must be a non-negative integer", key)
	}
	return v, nil
}
