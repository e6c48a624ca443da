package psp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPClient is a thin REST wrapper around the external payment processor's
// HTTP API, the concrete Client implementation the Bridge wraps in
// production. Its shape (bearer-key auth, a bounded http.Client, a single
// do() helper) mirrors the reference JSON-RPC client the rest of this
// codebase's outbound integrations use.
type HTTPClient struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// HTTPClientConfig configures an HTTPClient.
type HTTPClientConfig struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

// NewHTTPClient constructs an HTTPClient targeting the PSP's REST API.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if secretKey == "" {
		return nil, fmt.Errorf("psp: secret key is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("psp: base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"), secretKey: secretKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path, idempotencyKey string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("psp: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("psp: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &CallError{Class: FailureUnknown, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &CallError{Class: FailureUnknown, Err: err}
	}
	if resp.StatusCode >= 500 {
		return &CallError{Class: FailureUnknown, Err: fmt.Errorf("psp: server error %d: %s", resp.StatusCode, data)}
	}
	if resp.StatusCode >= 400 {
		return &CallError{Class: FailureAPIError, Err: fmt.Errorf("psp: rejected %d: %s", resp.StatusCode, data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("psp: unmarshal response: %w", err)
	}
	return nil
}

// CapturePaymentIntent implements Client.
func (c *HTTPClient) CapturePaymentIntent(ctx context.Context, id, idempotencyKey string) (PaymentIntent, error) {
	var out PaymentIntent
	err := c.do(ctx, http.MethodPost, "/payment_intents/"+id+"/capture", idempotencyKey, nil, &out)
	return out, err
}

// CreateTransfer implements Client.
func (c *HTTPClient) CreateTransfer(ctx context.Context, req TransferRequest, idempotencyKey string) (Transfer, error) {
	var out Transfer
	err := c.do(ctx, http.MethodPost, "/transfers", idempotencyKey, req, &out)
	return out, err
}

// CreateRefund implements Client.
func (c *HTTPClient) CreateRefund(ctx context.Context, req RefundRequest, idempotencyKey string) (Refund, error) {
	var out Refund
	err := c.do(ctx, http.MethodPost, "/refunds", idempotencyKey, req, &out)
	return out, err
}

// CreateReversal implements Client.
func (c *HTTPClient) CreateReversal(ctx context.Context, transferID string, req ReversalRequest, idempotencyKey string) (Reversal, error) {
	var out Reversal
	err := c.do(ctx, http.MethodPost, "/transfers/"+transferID+"/reversals", idempotencyKey, req, &out)
	return out, err
}

// RetrieveBalance implements Client.
func (c *HTTPClient) RetrieveBalance(ctx context.Context) (Balance, error) {
	var out Balance
	err := c.do(ctx, http.MethodGet, "/balance", "", nil, &out)
	return out, err
}

// ListBalanceTransactions implements Client.
func (c *HTTPClient) ListBalanceTransactions(ctx context.Context, sinceUnix int64) ([]BalanceTransaction, error) {
	var out []BalanceTransaction
	path := "/balance_transactions?created_gte=" + strconv.FormatInt(sinceUnix, 10)
	err := c.do(ctx, http.MethodGet, path, "", nil, &out)
	return out, err
}
