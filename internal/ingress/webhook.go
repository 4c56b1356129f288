package ingress

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/payguard/payguard/internal/logging"
)

// SignatureHeader carries the backend's hex HMAC-SHA256 over the raw body.
const SignatureHeader = "X-Payout-Signature"

const maxWebhookBody = 1 << 20 // 1 MiB

// InFlight bounds concurrently executing governance cycles across push and
// pull ingress. Acquire is non-blocking for push (503 on saturation) and
// blocking for pull.
type InFlight struct {
	slots chan struct{}
}

// NewInFlight creates a limiter admitting up to n concurrent cycles.
func NewInFlight(n int) *InFlight {
	if n <= 0 {
		n = 1
	}
	return &InFlight{slots: make(chan struct{}, n)}
}

// TryAcquire takes a slot if one is free.
func (l *InFlight) TryAcquire() bool {
	select {
	case l.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *InFlight) Acquire(ctx context.Context) bool {
	select {
	case l.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Release frees a slot taken by TryAcquire or Acquire.
func (l *InFlight) Release() {
	<-l.slots
}

// WebhookHandler terminates the backend's push ingress.
type WebhookHandler struct {
	submit   Submitter
	secret   string
	inflight *InFlight
}

// NewWebhookHandler builds the push ingress handler. secret is the shared
// HMAC key configured at the payment backend.
func NewWebhookHandler(submit Submitter, secret string, inflight *InFlight) *WebhookHandler {
	return &WebhookHandler{submit: submit, secret: secret, inflight: inflight}
}

// RegisterRoutes sets up the webhook endpoint.
func (h *WebhookHandler) RegisterRoutes(r *gin.Engine) {
	r.POST("/webhooks/payments", h.HandleEvent)
}

// HandleEvent handles POST /webhooks/payments.
func (h *WebhookHandler) HandleEvent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "unreadable body",
		})
		return
	}

	// Unverified bodies never reach the parser, let alone the engine.
	if !VerifySignature(body, c.GetHeader(SignatureHeader), h.secret) {
		logging.L(c.Request.Context()).Warn("webhook signature verification failed",
			"remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "signature verification failed",
		})
		return
	}

	eventType, intent, err := parseEvent(body, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	// Non-queued lifecycle events are acknowledged and dropped.
	if intent.PayoutID == "" {
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "event": eventType})
		return
	}

	if !h.inflight.TryAcquire() {
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "overloaded",
			"message": "too many intents in flight",
		})
		return
	}
	defer h.inflight.Release()

	res, err := h.submit.Evaluate(c.Request.Context(), intent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"event": eventType, "result": res})
}
