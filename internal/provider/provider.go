// Package provider is the boundary to the external payment provider: it
// authorizes purchases, reports their status and pays sellers out.
//
// Every failure is classified as ErrTransient (safe to retry later; the
// payment stays pending) or ErrTerminal (the provider refused; the payment
// fails).
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

var (
	// ErrTransient marks failures that may succeed on retry: timeouts,
	// connection errors, 5xx and 429 responses.
	ErrTransient = errors.New("provider: transient failure")

	// ErrTerminal marks refusals that will not change on retry: declines and
	// other 4xx responses.
	ErrTerminal = errors.New("provider: request rejected")
)

// PaymentState is the provider's view of an authorized payment.
type PaymentState string

const (
	StateCreated   PaymentState = "created"
	StateApproved  PaymentState = "approved"
	StateCompleted PaymentState = "completed"
	StateFailed    PaymentState = "failed"
	StateExpired   PaymentState = "expired"
	StateCancelled PaymentState = "cancelled"
)

// Settled reports whether the buyer's funds were captured.
func (s PaymentState) Settled() bool {
	return s == StateApproved || s == StateCompleted
}

// Dead reports whether the payment can no longer complete.
func (s PaymentState) Dead() bool {
	return s == StateFailed || s == StateExpired || s == StateCancelled
}

// AuthorizeRequest asks the provider to open a payment the buyer approves.
type AuthorizeRequest struct {
	PaymentID   string // our id, echoed back as invoice number
	Amount      decimal.Decimal
	Currency    string
	Description string
	ReturnURL   string
	CancelURL   string
}

// Authorization is the provider's handle on an opened payment.
type Authorization struct {
	PaymentRef  string `json:"id"`
	ApprovalURL string `json:"approval_url"`
}

// PaymentStatus is the result of a provider lookup.
type PaymentStatus struct {
	PaymentRef string       `json:"id"`
	State      PaymentState `json:"state"`
	SaleID     string       `json:"sale_id"`
	PayerID    string       `json:"payer_id"`
}

// PayoutRequest sends a seller's share. SenderID must be stable per payment
// so that the provider drops a repeated request.
type PayoutRequest struct {
	SenderID string
	Email    string
	Amount   decimal.Decimal
	Currency string
	Note     string
}

// PayoutResult identifies an accepted payout.
type PayoutResult struct {
	BatchID string `json:"batch_id"`
	Status  string `json:"status"`
}

// Provider is implemented by Client and Sandbox.
type Provider interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error)
	Lookup(ctx context.Context, paymentRef string) (*PaymentStatus, error)
	Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
}

// Classify maps an HTTP status code to ErrTransient or ErrTerminal.
// 2xx returns nil.
func Classify(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return fmt.Errorf("%w: status %d", ErrTransient, status)
	default:
		return fmt.Errorf("%w: status %d", ErrTerminal, status)
	}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
