// Package billing is the client for the credit ledger service. The ledger
// is the single authority on balance; the gateway never caches or pre-checks
// it, the debit call at setup time is the one admission decision.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

var ErrInsufficientBalance = errors.New("insufficient credit balance")

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

type creditRequest struct {
	UserID    string `json:"user_id"`
	AttemptID string `json:"attempt_id"`
	Amount    int    `json:"amount"`
}

// Debit spends one credit for an attempt. It fails closed: any error from
// the ledger means no token is minted and the caller does not proceed.
// A 402 maps to ErrInsufficientBalance so callers can show the upsell path.
func (c *Client) Debit(ctx context.Context, userID, attemptID string) error {
	resp, err := c.post(ctx, "/v1/credits/debit", creditRequest{UserID: userID, AttemptID: attemptID, Amount: 1})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusPaymentRequired:
		return ErrInsufficientBalance
	default:
		return fmt.Errorf("debit rejected: %s", readError(resp))
	}
}

// Restore returns one credit after a verified non-start failure. Best
// effort by contract: the caller logs a failure and moves on, it never
// retries, so a rare double failure loses a credit rather than risking a
// double restore.
func (c *Client) Restore(ctx context.Context, userID, attemptID string) error {
	resp, err := c.post(ctx, "/v1/credits/restore", creditRequest{UserID: userID, AttemptID: attemptID, Amount: 1})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("restore rejected: %s", readError(resp))
	}
	return nil
}

// Balance reads the current credit count. Absence reads as zero. Reads are
// safe to retry, so transient ledger errors get a short backoff.
func (c *Client) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/credits/balance?user_id="+userID, nil)
		if err != nil {
			return err
		}
		c.authorize(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			balance = 0
			return nil
		}
		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("ledger unavailable (status %d)", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("balance read rejected: %s", readError(resp))
		}

		var decoded struct {
			Balance int64 `json:"balance"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("decode balance: %w", err)
		}
		if decoded.Balance < 0 {
			decoded.Balance = 0
		}
		balance = decoded.Balance
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (c *Client) post(ctx context.Context, path string, payload creditRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func readError(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", resp.StatusCode, msg)
}
