// Package gateway is the client for the external payment provider. Both
// calls are treated as unreliable remote calls: transient failures are
// retried with capped exponential backoff, anything else surfaces as an
// error to the caller.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/BatmanBruc/bat-bot-funnel/types"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

type Client struct {
	baseURL  string
	apiKey   string
	currency string
	http     *http.Client
}

func NewClient(baseURL, apiKey, currency string) *Client {
	return &Client{
		baseURL:  baseURL,
		apiKey:   apiKey,
		currency: currency,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type createRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
	ExpiresIn   int64  `json:"expires_in_seconds"`
}

type createResponse struct {
	TransactionID string `json:"transaction_id"`
	QRPayload     string `json:"qr_payload"`
	Status        string `json:"status"`
	ExpiresAt     int64  `json:"expires_at"`
}

type queryResponse struct {
	Status string `json:"status"`
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(500 * time.Millisecond)
	b = retry.WithCappedDuration(5*time.Second, b)
	return retry.WithMaxRetries(4, b)
}

// Create opens a new payment request with the provider. The returned
// transaction starts in CREATED with the provider-assigned id.
func (c *Client) Create(ctx context.Context, userID int64, amountCents int64) (*types.PendingTransaction, error) {
	reference := uuid.New().String()
	body, err := json.Marshal(createRequest{
		AmountCents: amountCents,
		Currency:    c.currency,
		Reference:   reference,
		ExpiresIn:   30 * 60,
	})
	if err != nil {
		return nil, err
	}

	var out createResponse
	err = retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/charges", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("gateway create: status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return fmt.Errorf("gateway create: status %d: %s", resp.StatusCode, raw)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return nil, err
	}
	if out.TransactionID == "" {
		return nil, fmt.Errorf("gateway create: empty transaction id")
	}

	now := time.Now().UTC()
	expires := now.Add(30 * time.Minute)
	if out.ExpiresAt > 0 {
		expires = time.Unix(out.ExpiresAt, 0).UTC()
	}
	return &types.PendingTransaction{
		TransactionID: out.TransactionID,
		UserID:        userID,
		AmountCents:   amountCents,
		Status:        types.StatusCreated,
		QRPayload:     out.QRPayload,
		CreatedAt:     now,
		ExpiresAt:     expires,
	}, nil
}

// Query returns the provider's raw status string; the caller normalizes it.
func (c *Client) Query(ctx context.Context, transactionID string) (string, error) {
	var out queryResponse
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/charges/"+transactionID, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("gateway query: status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return fmt.Errorf("gateway query: status %d: %s", resp.StatusCode, raw)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return "", err
	}
	return out.Status, nil
}
