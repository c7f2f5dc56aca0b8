package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"krakenbot/internal/auth"
	"krakenbot/internal/engine"
	"krakenbot/internal/exchange"
	"krakenbot/internal/ledger"
	"krakenbot/internal/logging"
	"krakenbot/internal/models"
	"krakenbot/internal/tradesync"
)

// statusFor maps domain errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrLotNotFound), errors.Is(err, engine.ErrUnknownExchange):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidFill), errors.Is(err, tradesync.ErrNoHistory):
		return http.StatusBadRequest
	case errors.Is(err, exchange.ErrInvalidTicker):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logging.FromContext(c.Request.Context()).Error("Request failed", "op", op, "error", err)
		s.metrics.RecordError("api")
	}
	errorResponse(c, code, err.Error())
}

func pairParam(c *gin.Context) (string, bool) {
	pair := strings.ToUpper(strings.TrimSpace(c.Query("pair")))
	if pair == "" {
		errorResponse(c, http.StatusBadRequest, "pair query parameter is required")
		return "", false
	}
	return pair, true
}

// ==================== STATUS ====================

func (s *Server) handleStatus(c *gin.Context) {
	lots := s.engine.OpenPositions()
	out := gin.H{
		"exchange":   s.engine.Exchange(),
		"pairs":      s.engine.Pairs(),
		"open_lots":  len(lots),
		"ws_clients": s.hub.GetClientCount(),
	}
	if s.sync != nil {
		out["sync"] = gin.H{"running": s.sync.IsRunning(), "exchanges": s.sync.Exchanges()}
	}
	if claims := auth.GetClaims(c); claims != nil {
		out["subject"] = claims.Subject
		out["role"] = claims.Role
	}
	successResponse(c, out)
}

// ==================== EVALUATION ====================

func (s *Server) handleListEvaluations(c *gin.Context) {
	out := make([]*engine.PairEvaluation, 0)
	for _, pair := range s.engine.Pairs() {
		if ev, ok := s.engine.LastEvaluation(pair); ok {
			out = append(out, ev)
		}
	}
	successResponse(c, out)
}

func (s *Server) handleGetEvaluation(c *gin.Context) {
	pair, ok := pairParam(c)
	if !ok {
		return
	}
	ev, found := s.engine.LastEvaluation(pair)
	if !found {
		errorResponse(c, http.StatusNotFound, "no evaluation for "+pair)
		return
	}
	successResponse(c, ev)
}

// handleEvaluateNow runs one cycle for a pair outside the schedule.
func (s *Server) handleEvaluateNow(c *gin.Context) {
	pair, ok := pairParam(c)
	if !ok {
		return
	}
	ev, err := s.engine.EvaluatePair(c.Request.Context(), pair)
	if err != nil && ev == nil {
		s.fail(c, "evaluate", err)
		return
	}
	successResponse(c, ev)
}

func (s *Server) handleGetRegime(c *gin.Context) {
	pair, ok := pairParam(c)
	if !ok {
		return
	}
	st, err := s.engine.RegimeState(c.Request.Context(), pair)
	if err != nil {
		s.fail(c, "regime", err)
		return
	}
	successResponse(c, st)
}

// ==================== LOTS ====================

func (s *Server) handleListPositions(c *gin.Context) {
	lots := s.engine.OpenPositions()
	if pair := strings.ToUpper(strings.TrimSpace(c.Query("pair"))); pair != "" {
		filtered := make([]*models.Position, 0, len(lots))
		for _, p := range lots {
			if p.Pair == pair {
				filtered = append(filtered, p)
			}
		}
		lots = filtered
	}
	successResponse(c, lots)
}

func (s *Server) handleClosePosition(c *gin.Context) {
	lotID := c.Param("lot_id")
	res, err := s.engine.ManualClose(c.Request.Context(), lotID)
	if err != nil {
		s.fail(c, "manual_close", err)
		return
	}
	logging.FromContext(c.Request.Context()).Info("Lot closed via API", "lot_id", lotID, "by", auth.GetSubject(c), "dust", res.IsDust)
	successResponse(c, res)
}

type timeStopRequest struct {
	Disabled *bool `json:"disabled" binding:"required"`
}

func (s *Server) handleTimeStop(c *gin.Context) {
	var req timeStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	pos, err := s.engine.SetTimeStopDisabled(c.Request.Context(), c.Param("lot_id"), *req.Disabled)
	if err != nil {
		s.fail(c, "time_stop", err)
		return
	}
	successResponse(c, pos)
}

// ==================== LEDGER ====================

// handleIngestTrade records a fill reported by a webhook or an operator.
func (s *Server) handleIngestTrade(c *gin.Context) {
	var f models.Fill
	if err := c.ShouldBindJSON(&f); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid fill: "+err.Error())
		return
	}
	if f.Source == "" {
		f.Source = models.SourceWebhook
	}
	if f.Source == models.SourceBot {
		errorResponse(c, http.StatusBadRequest, "source bot is reserved")
		return
	}
	res, err := s.engine.Ingest(c.Request.Context(), f)
	if err != nil {
		s.fail(c, "ingest", err)
		return
	}
	code := http.StatusOK
	if res.Inserted {
		code = http.StatusCreated
	}
	c.JSON(code, gin.H{"success": true, "data": res})
}

type recalcRequest struct {
	Exchange string `json:"exchange" binding:"required"`
	Pair     string `json:"pair" binding:"required"`
}

func (s *Server) handleRecalculate(c *gin.Context) {
	var req recalcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	res, err := s.engine.RecalculatePnL(c.Request.Context(), req.Exchange, req.Pair)
	if err != nil {
		s.fail(c, "recalculate", err)
		return
	}
	successResponse(c, res)
}

type reconcileRequest struct {
	Exchange  string `json:"exchange"`
	DryRun    *bool  `json:"dry_run"`
	AutoClean bool   `json:"auto_clean"`
}

// handleReconcile defaults to a dry run; writes need dry_run=false.
func (s *Server) handleReconcile(c *gin.Context) {
	var req reconcileRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
			return
		}
	}
	if req.Exchange == "" {
		req.Exchange = s.engine.Exchange()
	}
	dryRun := true
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}

	res, err := s.engine.Reconcile(c.Request.Context(), req.Exchange, dryRun, req.AutoClean)
	if err != nil {
		s.fail(c, "reconcile", err)
		return
	}
	successResponse(c, res)
}

// ==================== TRADE SYNC ====================

func (s *Server) handleBreaker(c *gin.Context) {
	successResponse(c, s.engine.BreakerStats())
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	st := s.engine.ResetBreaker()
	s.logger.Info("Circuit breaker reset via API", "subject", auth.GetSubject(c))
	successResponse(c, st)
}

func (s *Server) handleSyncStatus(c *gin.Context) {
	if s.sync == nil {
		successResponse(c, gin.H{"enabled": false})
		return
	}
	successResponse(c, gin.H{
		"enabled":   true,
		"running":   s.sync.IsRunning(),
		"exchanges": s.sync.Exchanges(),
	})
}

// handleSyncRun runs one job, or all of them without ?exchange.
func (s *Server) handleSyncRun(c *gin.Context) {
	if s.sync == nil {
		errorResponse(c, http.StatusServiceUnavailable, "trade sync is disabled")
		return
	}
	if ex := strings.TrimSpace(c.Query("exchange")); ex != "" {
		res, err := s.sync.Run(c.Request.Context(), ex)
		if err != nil {
			code := statusFor(err)
			if code == http.StatusInternalServerError {
				code = http.StatusBadGateway
			}
			c.JSON(code, gin.H{"error": true, "message": err.Error(), "data": res})
			return
		}
		successResponse(c, res)
		return
	}
	successResponse(c, s.sync.RunAll(c.Request.Context()))
}
