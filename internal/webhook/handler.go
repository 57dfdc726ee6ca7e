package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"depositguard/internal/logger"
	"depositguard/internal/processor"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	signatureHeader = "X-Processor-Signature"
	maxBodyBytes    = 64 * 1024
	dedupTTL        = 48 * time.Hour
)

type Handler struct {
	reconciler *Reconciler
	redis      *redis.Client
	secret     []byte
}

func NewHandler(reconciler *Reconciler, redisClient *redis.Client, secret string) *Handler {
	return &Handler{
		reconciler: reconciler,
		redis:      redisClient,
		secret:     []byte(secret),
	}
}

// Receive godoc
// @Summary      Processor webhook endpoint
// @Description  Verifies the HMAC signature, deduplicates by event id, and reconciles booking state.
// @Tags         webhooks
// @Accept       json
// @Produce      json
// @Param        X-Processor-Signature  header    string  true  "Hex HMAC-SHA256 of the raw body"
// @Success      200  {object}  api.MessageResponse
// @Failure      400  {object}  gin.H
// @Failure      401  {object}  gin.H
// @Router       /webhooks/processor [post]
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	if !h.verifySignature(body, c.GetHeader(signatureHeader)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	var ev processor.WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}
	if ev.ID == "" || ev.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing event id or type"})
		return
	}

	// SETNX keyed by the processor's event id. A duplicate delivery gets a
	// 200 so the processor stops retrying.
	fresh, err := h.redis.SetNX(c.Request.Context(), "webhook:seen:"+ev.ID, 1, dedupTTL).Result()
	if err != nil {
		// Redis down: fall through and rely on the reconciler's idempotency.
		logger.Error("Webhook dedup unavailable", "event_id", ev.ID, "error", err)
	} else if !fresh {
		c.JSON(http.StatusOK, gin.H{"message": "Already processed"})
		return
	}

	if err := h.reconciler.Apply(c.Request.Context(), ev); err != nil {
		if errors.Is(err, ErrUnknownEventType) {
			// Acknowledge types we do not handle; redelivery is pointless.
			c.JSON(http.StatusOK, gin.H{"message": "Ignored"})
			return
		}
		logger.Error("Webhook reconciliation failed", "event_id", ev.ID, "type", ev.Type, "error", err)
		// Non-2xx makes the processor redeliver; clear the dedup marker so
		// the retry is not swallowed.
		h.redis.Del(c.Request.Context(), "webhook:seen:"+ev.ID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Reconciliation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Processed"})
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	if len(h.secret) == 0 || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
