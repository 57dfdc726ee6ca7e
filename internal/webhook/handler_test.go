package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"depositguard/internal/booking"
)

const testWebhookSecret = "whsec_test"

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Dedup needs a live Redis; pointing at a closed port degrades to the
// reconciler's own idempotency, which is the behavior under test here.
func newTestHandler(repo booking.Repository) *Handler {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	return NewHandler(NewReconciler(repo), client, testWebhookSecret)
}

func performWebhook(h *Handler, body []byte, signature string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	router := gin.New()
	router.POST("/webhooks/processor", h.Receive)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestReceive_RejectsBadSignature(t *testing.T) {
	h := newTestHandler(new(MockBookingRepo))
	body := []byte(`{"id":"evt_1","type":"capture.succeeded","data":{}}`)

	t.Run("missing signature", func(t *testing.T) {
		w := performWebhook(h, body, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong signature", func(t *testing.T) {
		w := performWebhook(h, body, "deadbeef")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("signature over different body", func(t *testing.T) {
		w := performWebhook(h, body, sign([]byte(`{"id":"evt_2"}`)))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestReceive_RejectsBadPayload(t *testing.T) {
	h := newTestHandler(new(MockBookingRepo))

	t.Run("not json", func(t *testing.T) {
		body := []byte("not json")
		w := performWebhook(h, body, sign(body))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing event id", func(t *testing.T) {
		body := []byte(`{"type":"capture.succeeded","data":{}}`)
		w := performWebhook(h, body, sign(body))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestReceive_AcknowledgesUnknownEventType(t *testing.T) {
	h := newTestHandler(new(MockBookingRepo))
	body := []byte(`{"id":"evt_1","type":"payout.reversed","data":{}}`)

	w := performWebhook(h, body, sign(body))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReceive_AppliesCapture(t *testing.T) {
	repo := new(MockBookingRepo)
	repo.On("GetByAuthorizationID", mock.Anything, "auth_1").Return(pendingBooking(), nil)
	repo.On("MarkCaptured", mock.Anything, int64(1), "ch_1", mock.Anything).Return(nil)

	h := newTestHandler(repo)
	body := []byte(`{"id":"evt_1","type":"capture.succeeded","data":{"authorization_id":"auth_1","charge_id":"ch_1","amount":10000}}`)

	w := performWebhook(h, body, sign(body))

	assert.Equal(t, http.StatusOK, w.Code)
	repo.AssertExpectations(t)
}
