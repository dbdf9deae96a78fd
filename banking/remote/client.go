package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"coopmarket/banking"
)

const maxResponseBody = 1 << 20 // 1 MiB

// Client implements banking.Provider against a live wallet API speaking JSON
// over HTTP with bearer authentication.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ banking.Provider = (*Client)(nil)

// NewClient constructs an HTTP provider client with sane defaults.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// GetBalance implements banking.Provider.
func (c *Client) GetBalance(ctx context.Context, walletID string) (banking.Balance, error) {
	var out banking.Balance
	path := "/wallets/" + url.PathEscape(walletID) + "/balance"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &out); err != nil {
		return banking.Balance{}, err
	}
	return out, nil
}

// SimulateTransfer implements banking.Provider.
func (c *Client) SimulateTransfer(ctx context.Context, req banking.TransferRequest) (banking.Quote, error) {
	var out banking.Quote
	if err := c.doRequest(ctx, http.MethodPost, "/transfers/simulate", req, &out); err != nil {
		return banking.Quote{}, err
	}
	return out, nil
}

// ExecuteTransfer implements banking.Provider.
func (c *Client) ExecuteTransfer(ctx context.Context, req banking.TransferRequest) (banking.TransferResult, error) {
	var out banking.TransferResult
	raw, err := c.doRequestRaw(ctx, http.MethodPost, "/transfers", req, &out)
	if err != nil {
		return banking.TransferResult{}, err
	}
	out.Raw = raw
	return out, nil
}

// ReleaseEscrow implements banking.Provider.
func (c *Client) ReleaseEscrow(ctx context.Context, req banking.ReleaseRequest) (banking.ReleaseResult, error) {
	var out banking.ReleaseResult
	raw, err := c.doRequestRaw(ctx, http.MethodPost, "/escrow/release", req, &out)
	if err != nil {
		return banking.ReleaseResult{}, err
	}
	out.Raw = raw
	return out, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload, out interface{}) error {
	_, err := c.doRequestRaw(ctx, method, path, payload, out)
	return err
}

func (c *Client) doRequestRaw(ctx context.Context, method, path string, payload, out interface{}) ([]byte, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("banking remote client not configured")
	}
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", banking.ErrNetwork, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", banking.ErrNetwork, err)
	}
	if err := mapStatus(resp.StatusCode, raw); err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("banking remote: decode response: %w", err)
		}
	}
	return raw, nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func mapStatus(status int, raw []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var detail apiError
	_ = json.Unmarshal(raw, &detail)
	msg := strings.TrimSpace(detail.Message)
	if msg == "" {
		msg = fmt.Sprintf("status %d", status)
	}
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", banking.ErrWalletNotFound, msg)
	case status == http.StatusPaymentRequired || strings.EqualFold(detail.Code, "INSUFFICIENT_BALANCE"):
		return fmt.Errorf("%w: %s", banking.ErrInsufficientBalance, msg)
	case status == http.StatusForbidden || strings.EqualFold(detail.Code, "WALLET_NOT_ACTIVATED"):
		return fmt.Errorf("%w: %s", banking.ErrWalletNotActivated, msg)
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: %s", banking.ErrValidation, msg)
	default:
		return fmt.Errorf("%w: %s", banking.ErrNetwork, msg)
	}
}
