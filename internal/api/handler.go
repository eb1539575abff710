package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"studiogate/config"
	"studiogate/internal/account"
	"studiogate/internal/auth"
	"studiogate/internal/ledger"
	"studiogate/internal/lock"
	"studiogate/internal/provider"
	"studiogate/internal/quota"
)

// Handler serves the product and admin API
type Handler struct {
	accounts *account.Manager
	ledger   *ledger.Ledger
	gate     *quota.Gate
	tracker  *quota.Tracker
	media    *provider.MediaClient
	cfg      *config.Config
	log      *slog.Logger
}

// NewHandler creates an API handler
func NewHandler(accounts *account.Manager, l *ledger.Ledger, gate *quota.Gate, tracker *quota.Tracker, media *provider.MediaClient, cfg *config.Config, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		accounts: accounts,
		ledger:   l,
		gate:     gate,
		tracker:  tracker,
		media:    media,
		cfg:      cfg,
		log:      log,
	}
}

// Health reports service liveness
func (h *Handler) Health(c *gin.Context) {
	count, err := h.accounts.Store().Count()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "accounts": count})
}

// Register creates an account and returns a session token
func (h *Handler) Register(c *gin.Context) {
	var input account.AccountInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	acc, err := h.accounts.Register(input)
	if err != nil {
		if errors.Is(err, account.ErrDuplicateEmail) {
			c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
			return
		}
		h.serverError(c, err)
		return
	}

	token, err := h.issueToken(acc)
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": acc.Public(), "token": token})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Login verifies credentials and returns a session token
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	acc, err := h.accounts.Authenticate(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, account.ErrBadCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
			return
		}
		h.serverError(c, err)
		return
	}

	token, err := h.issueToken(acc)
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acc.Public(), "token": token})
}

// Me returns the caller's account
func (h *Handler) Me(c *gin.Context) {
	userID, _ := auth.UserID(c)
	acc, err := h.accounts.Get(userID)
	if err != nil {
		h.accountError(c, err)
		return
	}
	c.JSON(http.StatusOK, acc.Public())
}

// UpdateMe applies profile edits to the caller's account
func (h *Handler) UpdateMe(c *gin.Context) {
	userID, _ := auth.UserID(c)

	var upd account.ProfileUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	acc, err := h.accounts.UpdateProfile(userID, upd)
	if err != nil {
		h.accountError(c, err)
		return
	}
	c.JSON(http.StatusOK, acc.Public())
}

// Credits returns the caller's balance, applying a pending monthly reset
func (h *Handler) Credits(c *gin.Context) {
	userID, _ := auth.UserID(c)
	balance, err := h.ledger.GetBalance(userID)
	if err != nil {
		h.accountError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// CreditStats returns the caller's usage summary
func (h *Handler) CreditStats(c *gin.Context) {
	userID, _ := auth.UserID(c)
	stats, err := h.ledger.UsageStats(userID)
	if err != nil {
		h.accountError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type generateRequest struct {
	Prompt string `json:"prompt" binding:"required"`
	Model  string `json:"model"`
}

// GenerateImage runs a fixed-cost image generation
func (h *Handler) GenerateImage(c *gin.Context) {
	h.generateMedia(c, provider.KindImage, h.cfg.Credits.ImageCost)
}

// GenerateVideo runs a fixed-cost video generation
func (h *Handler) GenerateVideo(c *gin.Context) {
	h.generateMedia(c, provider.KindVideo, h.cfg.Credits.VideoCost)
}

// generateMedia is the fixed-cost billing path: pre-flight sufficiency check
// before anything is invoked, deduction only after the provider delivered a
// result. A failed generation is free.
func (h *Handler) generateMedia(c *gin.Context, kind string, cost int64) {
	userID, _ := auth.UserID(c)

	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rejection, err := h.gate.Check(userID, cost)
	if err != nil {
		h.accountError(c, err)
		return
	}
	if rejection != nil {
		c.JSON(http.StatusPaymentRequired, rejection)
		return
	}

	start := time.Now()
	result, err := h.media.Generate(c.Request.Context(), kind, req.Model, req.Prompt)
	if err != nil {
		h.logRequest(userID, kind, req.Model, 0, start, http.StatusBadGateway)
		c.JSON(http.StatusBadGateway, gin.H{"error": "generation failed", "detail": err.Error()})
		return
	}

	res, err := h.ledger.Deduct(userID, cost, kind+":"+req.Model)
	if err != nil {
		h.serverError(c, err)
		return
	}
	if !res.OK {
		// The result was already delivered; never claw it back. The balance
		// drained between the gate check and now, so charge nothing.
		h.log.Warn("post-delivery deduction failed",
			"account", userID,
			"kind", kind,
			"cost", cost,
			"balance", res.Balance,
		)
	}

	h.logRequest(userID, kind, req.Model, cost, start, http.StatusOK)
	c.JSON(http.StatusOK, gin.H{
		"result":  result,
		"credits": gin.H{"amount_consumed": cost, "new_balance": res.Balance},
	})
}

type grantRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// Grant adds credits to an account (admin only)
func (h *Handler) Grant(c *gin.Context) {
	adminID, _ := auth.UserID(c)
	targetID := c.Param("id")

	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.ledger.Grant(targetID, req.Amount, adminID)
	if err != nil {
		if errors.Is(err, ledger.ErrUnauthorized) {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin privileges required"})
			return
		}
		h.accountError(c, err)
		return
	}
	if !res.OK {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": res.Balance})
}

// AccountStats returns the usage summary for any account (admin only)
func (h *Handler) AccountStats(c *gin.Context) {
	stats, err := h.ledger.UsageStats(c.Param("id"))
	if err != nil {
		h.accountError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Overview lists all accounts' balances and usage (admin only)
func (h *Handler) Overview(c *gin.Context) {
	entries, err := h.ledger.Overview()
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// ListAccounts returns all accounts (admin only)
func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.accounts.List()
	if err != nil {
		h.serverError(c, err)
		return
	}
	out := make([]account.Account, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.Public())
	}
	c.JSON(http.StatusOK, out)
}

// GetAccount returns one account (admin only)
func (h *Handler) GetAccount(c *gin.Context) {
	acc, err := h.accounts.Get(c.Param("id"))
	if err != nil {
		h.accountError(c, err)
		return
	}
	c.JSON(http.StatusOK, acc.Public())
}

// DeleteAccount removes an account (admin only)
func (h *Handler) DeleteAccount(c *gin.Context) {
	removed, err := h.accounts.Delete(c.Param("id"))
	if err != nil {
		h.serverError(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// UsageStats returns overall proxy traffic statistics (admin only)
func (h *Handler) UsageStats(c *gin.Context) {
	stats, err := h.tracker.GetStats()
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ModelUsageStats returns per-model traffic statistics (admin only)
func (h *Handler) ModelUsageStats(c *gin.Context) {
	stats, err := h.tracker.GetModelStats()
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// AccountUsageStats returns the per-account breakdown of traffic statistics
// across all accounts (admin only)
func (h *Handler) AccountUsageStats(c *gin.Context) {
	stats, err := h.tracker.GetAccountStats()
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) issueToken(acc *account.Account) (string, error) {
	ttl := time.Duration(h.cfg.Auth.TokenTTLHours) * time.Hour
	return auth.GenerateToken(h.cfg.Auth.JWTSecret, acc.ID, acc.Email, acc.IsAdmin, ttl)
}

// accountError maps store lookup failures onto HTTP responses
func (h *Handler) accountError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, account.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
	case errors.Is(err, lock.ErrTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "account busy, retry shortly"})
	default:
		h.serverError(c, err)
	}
}

func (h *Handler) serverError(c *gin.Context, err error) {
	h.log.Error("request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func (h *Handler) logRequest(userID, kind, model string, credits int64, start time.Time, status int) {
	if h.tracker == nil {
		return
	}
	latency := int(time.Since(start).Milliseconds())
	if err := h.tracker.LogRequest(userID, kind, model, credits, 0, 0, latency, status); err != nil {
		h.log.Warn("request log write failed", "error", err)
	}
}
