package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/engine"
	"execution-core/internal/risk"
	"execution-core/internal/strategy"
)

type listTradesQuery struct {
	Limit int `form:"limit"`
}

func (q *listTradesQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type resumeRequest struct {
	Reasons []string `json:"reasons"`
}

type capitalFlowRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note"`
}

type submitSignalsRequest struct {
	Signals []engine.RawSignal `json:"signals" binding:"required,min=1,max=100"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func respondAbort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps engine sentinels onto HTTP statuses.
func (s *Server) respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrReadOnly):
		respondError(c, http.StatusServiceUnavailable, "READ_ONLY", err.Error())
	case errors.Is(err, engine.ErrNotInitialized):
		respondError(c, http.StatusServiceUnavailable, "NOT_INITIALIZED", err.Error())
	case errors.Is(err, engine.ErrKillIncomplete):
		respondError(c, http.StatusConflict, "KILL_INCOMPLETE", err.Error())
	case errors.Is(err, risk.ErrNotResumable):
		respondError(c, http.StatusConflict, "NOT_RESUMABLE", err.Error())
	case errors.Is(err, risk.ErrUnknownHaltReason), errors.Is(err, engine.ErrInvalidAmount):
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, engine.ErrInsufficient):
		respondError(c, http.StatusConflict, "INSUFFICIENT_CASH", err.Error())
	default:
		s.log.Error("operator action failed", zap.String("path", c.FullPath()), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Positions())
}

func (s *Server) getPortfolio(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Portfolio())
}

func (s *Server) getRisk(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.RiskState())
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) getTrades(c *gin.Context) {
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "limit must be an integer")
		return
	}
	q.normalize()

	trades, err := s.engine.RecentTrades(c.Request.Context(), q.Limit)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) kill(c *gin.Context) {
	// Liquidation continues if the client disconnects.
	report, err := s.engine.EmergencyStop(context.WithoutCancel(c.Request.Context()))
	if err != nil && !errors.Is(err, engine.ErrKillIncomplete) {
		s.respondEngineError(c, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusConflict
	}
	s.log.Warn("emergency stop requested via api",
		zap.Bool("complete", report.Complete),
		zap.Int("closed", len(report.Closed)),
		zap.Int("failed", len(report.Failed)))
	c.JSON(status, report)
}

func (s *Server) resume(c *gin.Context) {
	var req resumeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
			return
		}
	}
	reasons := make([]risk.HaltReason, 0, len(req.Reasons))
	for _, r := range req.Reasons {
		h, err := risk.ParseHaltReason(r)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		reasons = append(reasons, h)
	}

	cleared, err := s.engine.Resume(c.Request.Context(), reasons...)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	if cleared == nil {
		cleared = []risk.HaltReason{}
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared, "risk": s.engine.RiskState()})
}

func (s *Server) deposit(c *gin.Context) {
	s.capitalFlow(c, s.engine.Deposit)
}

func (s *Server) withdraw(c *gin.Context) {
	s.capitalFlow(c, s.engine.Withdraw)
}

func (s *Server) capitalFlow(c *gin.Context, apply func(ctx context.Context, amount decimal.Decimal, note string) error) {
	var req capitalFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	if err := apply(c.Request.Context(), req.Amount, req.Note); err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.engine.Portfolio())
}

func (s *Server) submitSignals(c *gin.Context) {
	if s.signals == nil {
		respondError(c, http.StatusServiceUnavailable, "SIGNALS_DISABLED", "signal queue is not configured")
		return
	}
	var req submitSignalsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "signals must be a list of 1 to 100 entries")
		return
	}
	if _, bad := engine.ParseAll(req.Signals); len(bad) > 0 {
		msgs := make([]string, len(bad))
		for i, err := range bad {
			msgs[i] = err.Error()
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_SIGNALS",
			"error":   "batch rejected",
			"details": msgs,
		})
		return
	}

	id, err := s.signals.Push(req.Signals)
	if err != nil {
		if errors.Is(err, strategy.ErrQueueFull) {
			respondError(c, http.StatusServiceUnavailable, "QUEUE_FULL", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"batch_id": id, "signals": len(req.Signals)})
}
