package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"studiogate/internal/auth"
	"studiogate/internal/ledger"
	"studiogate/internal/pricing"
	"studiogate/internal/provider"
	"studiogate/internal/quota"
)

// Handler proxies chat completions to the upstream completion provider and
// reconciles token-metered usage against the credit ledger.
type Handler struct {
	ledger  *ledger.Ledger
	pricing *pricing.Table
	tracker *quota.Tracker
	retry   *provider.RetryingClient
	baseURL string
	apiKey  string
	log     *slog.Logger
}

// NewHandler creates a proxy handler
func NewHandler(l *ledger.Ledger, table *pricing.Table, tracker *quota.Tracker, retry *provider.RetryingClient, baseURL, apiKey string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		ledger:  l,
		pricing: table,
		tracker: tracker,
		retry:   retry,
		baseURL: baseURL,
		apiKey:  apiKey,
		log:     log,
	}
}

// ChatCompletionRequest is the OpenAI-style request shape; message content
// passes through untouched.
type ChatCompletionRequest struct {
	Model       string                   `json:"model" binding:"required"`
	Messages    []map[string]interface{} `json:"messages" binding:"required"`
	Stream      bool                     `json:"stream"`
	Temperature float64                  `json:"temperature,omitempty"`
	MaxTokens   int                      `json:"max_tokens,omitempty"`
}

// HandleChatCompletions handles the chat completions endpoint. Variable-cost
// requests skip the pre-flight gate: the true cost is only known once the
// provider reports usage, and failed attempts are free.
func (h *Handler) HandleChatCompletions(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "authentication required", "type": "authentication_error"}})
		return
	}

	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "type": "invalid_request_error"}})
		return
	}

	if req.Stream {
		h.handleStream(c, userID, req)
	} else {
		h.handleNonStream(c, userID, req)
	}
}

func (h *Handler) handleNonStream(c *gin.Context, userID string, req ChatCompletionRequest) {
	start := time.Now()

	resp, err := h.callUpstream(c, req)
	if err != nil {
		h.writeUpstreamError(c, err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"message": "upstream read failed", "type": "api_error"}})
		return
	}

	var completion map[string]interface{}
	if err := json.Unmarshal(body, &completion); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"message": "invalid upstream response", "type": "api_error"}})
		return
	}

	var usage struct {
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	_ = json.Unmarshal(body, &usage)

	cost := h.pricing.CreditCost(req.Model, usage.Usage.TotalTokens)
	res, err := h.ledger.Deduct(userID, cost, "chat:"+req.Model)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": "billing failed", "type": "api_error"}})
		return
	}

	// The completed response carries the updated balance so the UI can
	// refresh without another round trip.
	completion["credits"] = gin.H{
		"amount_consumed": cost,
		"new_balance":     res.Balance,
	}

	h.logRequest(userID, req.Model, cost, usage.Usage.PromptTokens, usage.Usage.CompletionTokens, start, http.StatusOK)
	c.JSON(http.StatusOK, completion)
}

func (h *Handler) handleStream(c *gin.Context, userID string, req ChatCompletionRequest) {
	start := time.Now()

	resp, err := h.callUpstream(c, req)
	if err != nil {
		h.writeUpstreamError(c, err)
		return
	}
	defer resp.Body.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	model := req.Model
	rec := NewReconciler(func(units int64) (int64, ledger.Result, error) {
		cost := h.pricing.CreditCost(model, units)
		res, err := h.ledger.Deduct(userID, cost, "chat:"+model)
		return cost, res, err
	})

	result, err := rec.Relay(c.Request.Context(), resp.Body, c.Writer)
	if err != nil && !errors.Is(err, io.EOF) {
		h.log.Warn("stream relay ended early",
			"account", userID,
			"model", model,
			"outcome", result.Outcome.String(),
			"error", err,
		)
	}

	status := http.StatusOK
	switch result.Outcome {
	case OutcomeDeducted, OutcomeUnpaid:
		// Delivered streams log as successes; unpaid ones carry zero credits.
	default:
		status = 0 // aborted/errored streams are logged with no status
	}
	h.logRequest(userID, model, result.Consumed, 0, result.Units, start, status)
}

// callUpstream performs the provider call. Connection establishment goes
// through the retrying client for both modes; once a streaming body is open
// it cannot be retried.
func (h *Handler) callUpstream(c *gin.Context, req ChatCompletionRequest) (*http.Response, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"model":       req.Model,
		"messages":    req.Messages,
		"stream":      req.Stream,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	return h.retry.Do(c.Request.Context(), func() (*http.Request, error) {
		r, err := http.NewRequest(http.MethodPost, h.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Authorization", "Bearer "+h.apiKey)
		return r, nil
	})
}

func (h *Handler) writeUpstreamError(c *gin.Context, err error) {
	var se *provider.StatusError
	if errors.As(err, &se) {
		c.JSON(se.StatusCode, gin.H{"error": gin.H{"message": fmt.Sprintf("upstream error: %s", se.Body), "type": "api_error"}})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"message": err.Error(), "type": "api_error"}})
}

func (h *Handler) logRequest(userID, model string, credits, tokensIn, tokensOut int64, start time.Time, status int) {
	if h.tracker == nil {
		return
	}
	latency := int(time.Since(start).Milliseconds())
	if err := h.tracker.LogRequest(userID, "chat", model, credits, tokensIn, tokensOut, latency, status); err != nil {
		h.log.Warn("request log write failed", "error", err)
	}
}
