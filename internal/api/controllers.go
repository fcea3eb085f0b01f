package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"signal-core/internal/signals"
	"signal-core/internal/trade"
	"signal-core/internal/window"
	"signal-core/pkg/db"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// signalView is a signal decorated with the caller's window state.
type signalView struct {
	ID           string    `json:"id"`
	Direction    string    `json:"direction"`
	Token        string    `json:"token"`
	Price        float64   `json:"price"`
	RiskLevel    string    `json:"riskLevel"`
	RiskScore    float64   `json:"riskScore,omitempty"`
	Link         string    `json:"link,omitempty"`
	Positives    []string  `json:"positives,omitempty"`
	Warnings     []string  `json:"warnings,omitempty"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	RemainingSec int       `json:"remainingSeconds"`
}

// listSignals returns the caller's eligible signals with window state.
func (s *Server) listSignals(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}
	ctx := c.Request.Context()

	user, err := s.DB.GetUser(ctx, userID)
	if err != nil || user == nil {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unknown user")
		return
	}

	forceRefresh := c.Query("refresh") == "true"
	batch, err := s.Signals.Fetch(ctx, forceRefresh)
	if err != nil {
		if errors.Is(err, signals.ErrUpstreamUnavailable) {
			respondError(c, http.StatusServiceUnavailable, "FEED_UNAVAILABLE", "signal feed unavailable and no cached data")
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	var holdings []db.Holding
	if snap, err := s.Portfolio.Cached(ctx, userID); err == nil && snap != nil {
		holdings = snap.Holdings
	}

	eligible, err := s.Filter.ForUser(ctx, batch, *user, holdings, s.Signals.RiskScores())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	now := time.Now()
	out := make([]signalView, 0, len(eligible))
	for _, sig := range eligible {
		state, err := s.Windows.StateFor(ctx, userID, sig)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			return
		}
		out = append(out, signalView{
			ID:           sig.ID,
			Direction:    string(sig.Direction),
			Token:        sig.Token,
			Price:        sig.Price,
			RiskLevel:    string(sig.RiskLevel),
			RiskScore:    sig.RiskScore,
			Link:         sig.Link,
			Positives:    sig.Positives,
			Warnings:     sig.Warnings,
			State:        string(state),
			CreatedAt:    sig.CreatedAt,
			ExpiresAt:    sig.ExpiresAt,
			RemainingSec: int(window.Remaining(sig, now).Seconds()),
		})
	}
	c.JSON(http.StatusOK, out)
}

// acceptSignal executes a signal in full for the caller.
func (s *Server) acceptSignal(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	t, err := s.Windows.Accept(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		s.respondActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, tradeView(t))
}

// acceptSignalPartial executes a SELL for part of the holding.
func (s *Server) acceptSignalPartial(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	var req struct {
		Percentage float64 `json:"percentage" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "percentage is required")
		return
	}

	t, err := s.Windows.AcceptPartial(c.Request.Context(), userID, c.Param("id"), req.Percentage)
	if err != nil {
		s.respondActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, tradeView(t))
}

// skipSignal records a skip for the caller.
func (s *Server) skipSignal(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	if err := s.Windows.Skip(c.Request.Context(), userID, c.Param("id")); err != nil {
		s.respondActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "skipped"})
}

func (s *Server) respondActionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, window.ErrSignalNotFound), errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "SIGNAL_NOT_FOUND", "signal not found")
	case errors.Is(err, window.ErrSignalExpired):
		respondError(c, http.StatusConflict, "SIGNAL_EXPIRED", "signal execution window has expired")
	case errors.Is(err, window.ErrExchangeNotConnected):
		respondError(c, http.StatusPreconditionFailed, "EXCHANGE_NOT_CONNECTED", "connect an exchange account first")
	case errors.Is(err, window.ErrInvalidPercentage):
		respondError(c, http.StatusBadRequest, "INVALID_PERCENTAGE", "percentage must be between 0 and 100 exclusive")
	case errors.Is(err, window.ErrAlreadyDecided):
		respondError(c, http.StatusConflict, "ALREADY_DECIDED", "a decision was already recorded for this signal")
	case errors.Is(err, trade.ErrInsufficientCapital):
		respondError(c, http.StatusUnprocessableEntity, "INSUFFICIENT_CAPITAL", "portfolio value too small to fund a trade")
	case errors.Is(err, trade.ErrInvalidSizing):
		respondError(c, http.StatusUnprocessableEntity, "INVALID_SIZING", "computed order quantity is not positive")
	case errors.Is(err, trade.ErrNoHoldings):
		respondError(c, http.StatusUnprocessableEntity, "NO_HOLDINGS", "no holdings of this token to sell")
	case errors.Is(err, trade.ErrNoPortfolio):
		respondError(c, http.StatusUnprocessableEntity, "NO_PORTFOLIO", "no portfolio snapshot available")
	case errors.Is(err, trade.ErrTradeExecutionFailed):
		respondError(c, http.StatusBadGateway, "TRADE_FAILED", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// runSweep triggers the expired-signal sweep on demand.
func (s *Server) runSweep(c *gin.Context) {
	results, err := s.Sweeper.Sweep(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "SWEEP_FAILED", err.Error())
		return
	}
	if results == nil {
		results = []window.Result{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// getPortfolio returns the cached snapshot; live=true forces reconciliation.
func (s *Server) getPortfolio(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}
	ctx := c.Request.Context()

	snap, err := s.Portfolio.Cached(ctx, userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if snap == nil {
		respondError(c, http.StatusNotFound, "NO_PORTFOLIO", "no portfolio snapshot yet, connect an exchange and refresh")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// refreshPortfolio forces a live reconciliation.
func (s *Server) refreshPortfolio(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	snap, err := s.Portfolio.Refresh(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusBadGateway, "REFRESH_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, snap)
}

// sellHolding sells part or all of a held token directly from the
// portfolio view.
func (s *Server) sellHolding(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	var req struct {
		Percentage float64 `json:"percentage" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "percentage is required")
		return
	}
	if req.Percentage <= 0 || req.Percentage > 100 {
		respondError(c, http.StatusBadRequest, "INVALID_PERCENTAGE", "percentage must be in (0, 100]")
		return
	}

	ctx := c.Request.Context()
	user, err := s.DB.GetUser(ctx, userID)
	if err != nil || user == nil {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unknown user")
		return
	}
	if !user.ExchangeConnected {
		respondError(c, http.StatusPreconditionFailed, "EXCHANGE_NOT_CONNECTED", "connect an exchange account first")
		return
	}

	t, err := s.Trades.SellHolding(ctx, *user, strings.ToUpper(c.Param("token")), req.Percentage)
	if err != nil {
		s.respondActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, tradeView(t))
}

// listCycles returns the caller's cycles, newest first.
func (s *Server) listCycles(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	limit := queryInt(c, "limit", 50, 200)
	cycles, err := s.DB.ListCyclesByUser(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if cycles == nil {
		cycles = []db.Cycle{}
	}
	c.JSON(http.StatusOK, cycles)
}

// listTrades returns the caller's trade ledger, newest first.
func (s *Server) listTrades(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	limit := queryInt(c, "limit", 100, 500)
	trades, err := s.DB.ListTradesByUser(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if trades == nil {
		trades = []db.Trade{}
	}
	c.JSON(http.StatusOK, trades)
}

type createConnectionRequest struct {
	Name         string `json:"name" binding:"required,min=1"`
	ExchangeType string `json:"exchange_type" binding:"required,min=1"`
	APIKey       string `json:"api_key" binding:"required,min=1"`
	APISecret    string `json:"api_secret" binding:"required,min=1"`
}

// listConnections returns all connections for the current user.
// Encrypted credentials never leave the store.
func (s *Server) listConnections(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	conns, err := s.DB.ListConnectionsByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	out := make([]gin.H, 0, len(conns))
	for _, conn := range conns {
		out = append(out, gin.H{
			"id":            conn.ID,
			"name":          conn.Name,
			"exchange_type": conn.ExchangeType,
			"is_active":     conn.IsActive,
			"created_at":    conn.CreatedAt,
			"updated_at":    conn.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// createConnection verifies, encrypts and stores exchange credentials.
func (s *Server) createConnection(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	if s.Keys == nil {
		respondError(c, http.StatusInternalServerError, "CONFIG_ERROR", "key manager required for connection storage")
		return
	}

	ctx := c.Request.Context()
	if err := s.Gateways.Verify(ctx, req.ExchangeType, req.APIKey, req.APISecret); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_CREDENTIALS", err.Error())
		return
	}

	encKey, err := s.Keys.Encrypt(req.APIKey)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ENCRYPTION_FAILED", "failed to encrypt credentials")
		return
	}
	encSecret, err := s.Keys.Encrypt(req.APISecret)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ENCRYPTION_FAILED", "failed to encrypt credentials")
		return
	}

	now := time.Now()
	conn := db.Connection{
		ID:                 uuid.NewString(),
		UserID:             userID,
		ExchangeType:       req.ExchangeType,
		Name:               req.Name,
		APIKeyEncrypted:    encKey,
		APISecretEncrypted: encSecret,
		KeyVersion:         s.Keys.CurrentVersion(),
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.DB.CreateConnection(ctx, conn); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if err := s.DB.SetExchangeConnected(ctx, userID, req.ExchangeType, true); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":            conn.ID,
		"name":          conn.Name,
		"exchange_type": conn.ExchangeType,
		"is_active":     conn.IsActive,
	})
}

// deactivateConnection disables a connection and clears the user's link if
// no active connection remains.
func (s *Server) deactivateConnection(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}
	ctx := c.Request.Context()
	connID := c.Param("id")

	if err := s.DB.DeactivateConnection(ctx, connID, userID); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	s.Gateways.Invalidate(connID)

	active, err := s.DB.GetActiveConnection(ctx, userID)
	if err == nil && active == nil {
		if err := s.DB.SetExchangeConnected(ctx, userID, "", false); err != nil {
			respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

func tradeView(t *db.Trade) gin.H {
	if t == nil {
		return gin.H{}
	}
	return gin.H{
		"id":           t.ID,
		"signalId":     t.SignalID,
		"cycleId":      t.CycleID,
		"direction":    t.Direction,
		"token":        t.Token,
		"price":        t.Price,
		"amount":       t.Amount,
		"status":       t.Status,
		"autoExecuted": t.AutoExecuted,
		"createdAt":    t.CreatedAt,
	}
}

func queryInt(c *gin.Context, key string, def, max int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
