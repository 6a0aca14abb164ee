package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"execution-core/internal/capability"
	"execution-core/internal/engine"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func (s *Server) respondCoreError(c *gin.Context, err error) {
	if errors.Is(err, engine.ErrAccountNotFound) {
		respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", err.Error())
		return
	}
	respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Core.Status(c.Request.Context()))
}

// getMetrics returns the in-process latency and counter snapshot.
func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.Snapshot())
}

func (s *Server) listAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, s.Core.Accounts(c.Request.Context()))
}

func (s *Server) getAccount(c *gin.Context) {
	snap, err := s.Core.Account(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondCoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getPositions(c *gin.Context) {
	ps, err := s.Core.Positions(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondCoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, ps)
}

func (s *Server) getAttempts(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	attempts, err := s.Core.Attempts(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.respondCoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, attempts)
}

// getBlacklist lists dust entries, optionally for one account.
func (s *Server) getBlacklist(c *gin.Context) {
	c.JSON(http.StatusOK, s.Core.Blacklist(c.Request.Context(), c.Query("account")))
}

func (s *Server) clearDust(c *gin.Context) {
	account := c.Param("account")
	symbol := capability.Canonical(c.Param("symbol"))
	removed, err := s.Core.ClearDust(c.Request.Context(), account, symbol)
	if err != nil {
		s.respondCoreError(c, err)
		return
	}
	if !removed {
		respondError(c, http.StatusNotFound, "NOT_BLACKLISTED", "symbol is not blacklisted for this account")
		return
	}
	s.log.Warn("dust entry cleared by operator",
		zap.String("by", CurrentSubject(c)), zap.String("account", account), zap.String("symbol", symbol))
	c.JSON(http.StatusOK, gin.H{"account": account, "symbol": symbol, "removed": true})
}

func (s *Server) setEmergency(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", `body must be {"enabled": true|false}`)
		return
	}
	s.Core.SetEmergency(c.Request.Context(), *req.Enabled)
	s.log.Warn("emergency mode set over api", zap.String("by", CurrentSubject(c)), zap.Bool("enabled", *req.Enabled))
	c.JSON(http.StatusOK, gin.H{"emergency": *req.Enabled})
}
