package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opencode-codex/codex-proxy-go/internal/config"
	"github.com/opencode-codex/codex-proxy-go/internal/errors"
	"github.com/opencode-codex/codex-proxy-go/internal/metrics"
	"github.com/opencode-codex/codex-proxy-go/internal/selection"
	"github.com/opencode-codex/codex-proxy-go/internal/selection/trackers"
	"github.com/opencode-codex/codex-proxy-go/internal/storage"
	"github.com/opencode-codex/codex-proxy-go/internal/utils"
)

func (s *Server) abortWithError(c *gin.Context, err error) {
	c.JSON(errors.HTTPStatusFromError(err), gin.H{"error": errors.FormatAPIError(err)})
}

func familyFromQuery(c *gin.Context) config.ModelFamily {
	if f := c.Query("family"); f != "" {
		return config.ModelFamily(f)
	}
	if m := c.Query("model"); m != "" {
		return config.GetModelFamily(m)
	}
	return config.ModelFamilyCodex
}

func (s *Server) handleHealth(c *gin.Context) {
	pool, err := s.manager.List()
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	metrics.PoolSize.Set(float64(len(pool.Accounts)))
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"version":  config.Version,
		"accounts": len(pool.Accounts),
	})
}

// accountView is an account row with credentials masked.
type accountView struct {
	Index            int                   `json:"index"`
	AccountID        string                `json:"accountId,omitempty"`
	Email            string                `json:"email,omitempty"`
	Label            string                `json:"label,omitempty"`
	RefreshToken     string                `json:"refreshToken"`
	AddedAt          int64                 `json:"addedAt"`
	LastUsed         int64                 `json:"lastUsed"`
	LastSwitchReason storage.SwitchReason  `json:"lastSwitchReason,omitempty"`
	Active           bool                  `json:"active"`
}

func (s *Server) handleListAccounts(c *gin.Context) {
	pool, err := s.manager.List()
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	family := familyFromQuery(c)
	active := pool.ActiveIndexFor(family)

	views := make([]accountView, 0, len(pool.Accounts))
	for i, acc := range pool.Accounts {
		views = append(views, accountView{
			Index:            i,
			AccountID:        acc.AccountID,
			Email:            acc.Email,
			Label:            acc.AccountLabel,
			RefreshToken:     utils.MaskValue(acc.RefreshToken),
			AddedAt:          acc.AddedAt,
			LastUsed:         acc.LastUsed,
			LastSwitchReason: acc.LastSwitchReason,
			Active:           i == active,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views, "activeIndex": active})
}

func (s *Server) handleAccountHealth(c *gin.Context) {
	report, err := s.manager.HealthReport(familyFromQuery(c))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": report})
}

type switchRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Family     string `json:"family"`
}

func (s *Server) handleSwitch(c *gin.Context) {
	var req switchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.NewValidationError("invalid switch request", "identifier", "a non-empty identifier"))
		return
	}
	err := s.manager.Switch(req.Identifier, config.ModelFamily(req.Family), storage.SwitchReasonRotation)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"switched": req.Identifier})
}

type renameRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleRename(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.NewValidationError("invalid rename request", "label", "a JSON body with a label"))
		return
	}
	if err := s.manager.Rename(c.Param("identifier"), req.Label); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"renamed": c.Param("identifier")})
}

func (s *Server) handleRemove(c *gin.Context) {
	if err := s.manager.Remove(c.Param("identifier")); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("identifier")})
}

func (s *Server) handleSelect(c *gin.Context) {
	family := familyFromQuery(c)
	model := c.Query("model")

	candidate, err := s.manager.SelectForRequest(family, model)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	metrics.Selections.WithLabelValues(string(family)).Inc()
	s.stats.RecordSelection(c.Request.Context(), string(family), candidate.Index)
	c.JSON(http.StatusOK, gin.H{
		"index":       candidate.Index,
		"displayName": candidate.Account.DisplayName(),
		"score":       candidate.Score,
		"health":      candidate.Health,
		"tokens":      candidate.Tokens,
	})
}

// handleProbe races the top candidates through a credential refresh and
// returns the first slot with a working access token. Losing probes keep
// their tracker state untouched; only real failures are reported.
func (s *Server) handleProbe(c *gin.Context) {
	if s.creds == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "credential probing disabled"}})
		return
	}
	family := familyFromQuery(c)
	model := c.Query("model")

	pool, err := s.manager.List()
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	candidates := s.manager.Engine().TopCandidates(pool, family, model, config.ProbeCandidateLimit)
	if len(candidates) == 0 {
		s.abortWithError(c, errors.NewRateLimitError("no accounts available to probe", 0, ""))
		return
	}

	s.log.StartTimer("probe")
	accessToken, winner, err := selection.ProbeFirstSuccess(c.Request.Context(), candidates,
		func(ctx context.Context, candidate selection.Candidate) (string, error) {
			return s.creds.AccessToken(ctx, candidate.Account)
		})
	s.log.StopTimer("probe")
	if err != nil {
		metrics.ProbeResults.WithLabelValues("failure").Inc()
		s.abortWithError(c, err)
		return
	}
	metrics.ProbeResults.WithLabelValues("success").Inc()
	if err := s.manager.ReportSuccess(winner.Index, family, model); err != nil {
		s.log.Warn("probe winner bookkeeping failed: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{
		"index":       winner.Index,
		"displayName": winner.Account.DisplayName(),
		"accessToken": accessToken,
	})
}

type rateLimitRequest struct {
	Index        int    `json:"index"`
	Family       string `json:"family" binding:"required"`
	Model        string `json:"model"`
	Message      string `json:"message"`
	ResetAtMs    int64  `json:"resetAtMs"`
	RetryAfterMs int64  `json:"retryAfterMs"`
}

func (s *Server) handleRateLimit(c *gin.Context) {
	var req rateLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.NewValidationError("invalid rate limit report", "family", "a non-empty family"))
		return
	}
	delayMs, err := s.manager.MarkRateLimited(req.Index, config.ModelFamily(req.Family), req.Model,
		req.Message, req.ResetAtMs, req.RetryAfterMs)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	reason := trackers.ParseRateLimitReason(req.Message)
	metrics.RateLimitSignals.WithLabelValues(req.Family, string(reason)).Inc()
	s.stats.RecordRateLimit(c.Request.Context(), req.Family, req.Message)
	c.JSON(http.StatusOK, gin.H{"delayMs": delayMs})
}

func (s *Server) handlePrompt(c *gin.Context) {
	if s.prompts == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "prompt cache disabled"}})
		return
	}
	prompt, err := s.prompts.Get(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.String(http.StatusOK, prompt)
}

func (s *Server) handleStats(c *gin.Context) {
	snapshot, err := s.stats.Snapshot(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"selections": snapshot})
}

func (s *Server) handleLogs(c *gin.Context) {
	history := utils.History()
	limit := 100
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"logs": history})
}
