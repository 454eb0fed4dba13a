// Package payments implements the payment-gated self-service flow: a
// provider API client, a persistent record store, and a poller that
// fulfills paid orders.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const defaultBaseURL = "https://api.yookassa.ru/v3"

const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusCanceled  = "canceled"
)

// Payment is the provider's view of one payment.
type Payment struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

// Client talks to the payment provider API.
type Client struct {
	shopID    string
	secretKey string
	baseURL   string
	client    *http.Client
}

func NewClient(shopID, secretKey string) *Client {
	return &Client{
		shopID:    shopID,
		secretKey: secretKey,
		baseURL:   defaultBaseURL,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

type createRequest struct {
	Amount struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
	Capture      bool `json:"capture"`
	Confirmation struct {
		Type      string `json:"type"`
		ReturnURL string `json:"return_url"`
	} `json:"confirmation"`
	Description string `json:"description"`
}

// Create starts a redirect-confirmed payment. A fresh UUID is used as
// the idempotence key so a retried request cannot double-charge.
func (c *Client) Create(ctx context.Context, amount, currency, description, returnURL string) (*Payment, error) {
	var req createRequest
	req.Amount.Value = amount
	req.Amount.Currency = currency
	req.Capture = true
	req.Confirmation.Type = "redirect"
	req.Confirmation.ReturnURL = returnURL
	req.Description = description

	return c.do(ctx, http.MethodPost, "/payments", req, uuid.NewString())
}

// Get fetches the current state of a payment.
func (c *Client) Get(ctx context.Context, id string) (*Payment, error) {
	return c.do(ctx, http.MethodGet, "/payments/"+id, nil, "")
}

func (c *Client) do(ctx context.Context, method, path string, reqBody any, idempotenceKey string) (*Payment, error) {
	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("payments: marshaling request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("payments: creating request: %w", err)
	}
	req.SetBasicAuth(c.shopID, c.secretKey)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotenceKey != "" {
		req.Header.Set("Idempotence-Key", idempotenceKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payments: calling provider: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("payments: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payments: provider error: status %d, body: %s", resp.StatusCode, string(raw))
	}

	var p Payment
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("payments: parsing response: %w", err)
	}
	return &p, nil
}
