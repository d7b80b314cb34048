package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samma/market-engine/internal/metrics"
)

// ClientOptions configures Client.
type ClientOptions struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration // per request; default 10s
	HTTPClient   *http.Client  // overrides Timeout when set
	Logger       *slog.Logger
}

// Client talks to the provider's REST API.
type Client struct {
	base   string
	id     string
	secret string
	client *http.Client
	logger *slog.Logger
}

// NewClient builds a Client from opts.
func NewClient(opts ClientOptions) *Client {
	to := opts.Timeout
	if to <= 0 {
		to = 10 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: to}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		id:     opts.ClientID,
		secret: opts.ClientSecret,
		client: hc,
		logger: logger,
	}
}

type amountJSON struct {
	Total    string `json:"total"`
	Currency string `json:"currency"`
}

// Authorize opens a payment and returns the buyer's approval URL.
func (c *Client) Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	body := map[string]any{
		"intent":         "sale",
		"invoice_number": req.PaymentID,
		"description":    req.Description,
		"amount":         amountJSON{Total: req.Amount.StringFixed(2), Currency: req.Currency},
		"redirect_urls": map[string]string{
			"return_url": req.ReturnURL,
			"cancel_url": req.CancelURL,
		},
	}
	var out Authorization
	if err := c.do(ctx, "authorize", http.MethodPost, "/v1/payments", body, &out); err != nil {
		return nil, err
	}
	if out.PaymentRef == "" {
		return nil, fmt.Errorf("%w: authorize response without payment id", ErrTerminal)
	}
	return &out, nil
}

// Lookup fetches the provider's state of a payment.
func (c *Client) Lookup(ctx context.Context, paymentRef string) (*PaymentStatus, error) {
	var out PaymentStatus
	path := "/v1/payments/" + url.PathEscape(paymentRef)
	if err := c.do(ctx, "lookup", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Payout sends money to a seller. The sender id doubles as the provider's
// idempotency key.
func (c *Client) Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	body := map[string]any{
		"sender_batch_header": map[string]string{
			"sender_batch_id": req.SenderID,
			"email_subject":   "You have a payment",
		},
		"items": []map[string]any{{
			"recipient_type": "EMAIL",
			"receiver":       req.Email,
			"note":           req.Note,
			"sender_item_id": req.SenderID,
			"amount":         map[string]string{"value": req.Amount.StringFixed(2), "currency": req.Currency},
		}},
	}
	var out PayoutResult
	if err := c.do(ctx, "payout", http.MethodPost, "/v1/payouts", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		switch {
		case errors.Is(err, ErrTransient):
			outcome = "transient"
		case err != nil:
			outcome = "terminal"
		}
		metrics.ProviderLatency.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	}()

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("%w: build %s request: %v", ErrTerminal, op, err)
	}
	req.SetBasicAuth(c.id, c.secret)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts, refused connections and cancelled contexts all leave the
		// remote outcome unknown.
		return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
	}
	defer resp.Body.Close()

	if err := Classify(resp.StatusCode); err != nil {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("provider request failed",
			"op", op, "status", resp.StatusCode, "body", strings.TrimSpace(string(msg)))
		return fmt.Errorf("%s: %w", op, err)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrTransient, op, err)
	}
	return nil
}
