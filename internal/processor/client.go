package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrProcessorUnavailable = errors.New("payment processor unavailable")
	ErrProcessorDeclined    = errors.New("payment processor declined the operation")
)

// Client is the opaque payment processor capability. Every call takes an
// idempotency key derived from the booking and the intended action so that
// a retry after a timeout can never move money twice. Terminal outcomes
// arrive later through webhook notifications.
type Client interface {
	Authorize(ctx context.Context, amountCents int64, currency, customerRef, idempotencyKey string) (intentID string, err error)
	Transfer(ctx context.Context, amountCents int64, currency, payeeAccount, idempotencyKey string) (transferID string, err error)
	Refund(ctx context.Context, chargeID string, amountCents int64, idempotencyKey string) (refundID string, err error)
}

const requestTimeout = 10 * time.Second

type httpClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPClient(baseURL, apiKey string) Client {
	return &httpClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

type idResponse struct {
	ID string `json:"id"`
}

func (c *httpClient) Authorize(ctx context.Context, amountCents int64, currency, customerRef, idempotencyKey string) (string, error) {
	return c.post(ctx, "/v1/authorizations", idempotencyKey, map[string]interface{}{
		"amount":   amountCents,
		"currency": currency,
		"customer": customerRef,
	})
}

func (c *httpClient) Transfer(ctx context.Context, amountCents int64, currency, payeeAccount, idempotencyKey string) (string, error) {
	return c.post(ctx, "/v1/transfers", idempotencyKey, map[string]interface{}{
		"amount":      amountCents,
		"currency":    currency,
		"destination": payeeAccount,
	})
}

func (c *httpClient) Refund(ctx context.Context, chargeID string, amountCents int64, idempotencyKey string) (string, error) {
	return c.post(ctx, "/v1/refunds", idempotencyKey, map[string]interface{}{
		"charge": chargeID,
		"amount": amountCents,
	})
}

func (c *httpClient) post(ctx context.Context, path, idempotencyKey string, payload map[string]interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: status %d", ErrProcessorUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: status %d", ErrProcessorDeclined, resp.StatusCode)
	}

	var out idResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode processor response: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("processor response missing id")
	}

	return out.ID, nil
}
