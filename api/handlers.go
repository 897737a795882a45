package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/polydeck/terminal/internal/risk"
)

func (s *Server) writeError(c *gin.Context, err error) {
	s.logger.Error("handler error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// checkTrade runs the full risk pipeline on a proposed trade. A rejected
// trade is still HTTP 200; the verdict is in the body.
func (s *Server) checkTrade(c *gin.Context) {
	var req risk.CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.TokenID == "" || (req.Side != "BUY" && req.Side != "SELL") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token_id and side (BUY|SELL) are required"})
		return
	}

	result := s.guard.CheckTrade(c.Request.Context(), req)
	c.JSON(http.StatusOK, result)
}

// riskConfig surfaces the active policy so operators can verify what limits
// are actually enforced.
func (s *Server) riskConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.guard.Config())
}

func (s *Server) riskContext(c *gin.Context) {
	provider := c.Param("provider")

	rc, err := s.guard.RiskContextFor(c.Request.Context(), provider)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if c.Query("format") == "text" {
		c.String(http.StatusOK, rc.Render())
		return
	}
	c.JSON(http.StatusOK, rc)
}

type breakerRequest struct {
	Reason          string `json:"reason" binding:"required"`
	CooldownMinutes int    `json:"cooldown_minutes"`
}

func (s *Server) triggerCircuitBreaker(c *gin.Context) {
	var req breakerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	cooldown := time.Duration(req.CooldownMinutes) * time.Minute
	if err := s.guard.TriggerCircuitBreaker(c.Request.Context(), req.Reason, cooldown); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "tripped", "reason": req.Reason})
}

func (s *Server) resetCircuitBreaker(c *gin.Context) {
	provider := c.DefaultQuery("provider", risk.ProviderAll)

	if err := s.guard.ResetCircuitBreaker(c.Request.Context(), provider); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset", "provider": provider})
}

func (s *Server) listRejections(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}

	rejections, err := s.store.RejectedTrades(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rejections": rejections})
}

func (s *Server) listProposals(c *gin.Context) {
	proposals := s.agent.PendingProposals()
	c.JSON(http.StatusOK, gin.H{"proposals": proposals, "count": len(proposals)})
}

func (s *Server) approveProposal(c *gin.Context) {
	id := c.Param("id")
	p := s.agent.ApproveProposal(id)
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "proposal not found, already decided, or expired"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

func (s *Server) rejectProposal(c *gin.Context) {
	id := c.Param("id")
	p := s.agent.RejectProposal(id)
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "proposal not found, already decided, or expired"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

func (s *Server) sentinelStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.agent.GetStats())
}
