package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Sandbox is an in-process Provider for development. Payments stay created
// until Approve or Cancel is called; payouts always succeed and are
// deduplicated by sender id.
type Sandbox struct {
	mu         sync.Mutex
	approveURL string
	payments   map[string]*PaymentStatus
	payouts    map[string]*PayoutResult
}

// NewSandbox creates a sandbox whose approval links point at approveURL.
func NewSandbox(approveURL string) *Sandbox {
	return &Sandbox{
		approveURL: approveURL,
		payments:   make(map[string]*PaymentStatus),
		payouts:    make(map[string]*PayoutResult),
	}
}

func (s *Sandbox) Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrTerminal)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ref := "PAYID-" + uuid.New().String()
	s.payments[ref] = &PaymentStatus{PaymentRef: ref, State: StateCreated}
	return &Authorization{
		PaymentRef:  ref,
		ApprovalURL: fmt.Sprintf("%s?token=%s", s.approveURL, ref),
	}, nil
}

func (s *Sandbox) Lookup(ctx context.Context, paymentRef string) (*PaymentStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentRef]
	if !ok {
		return nil, fmt.Errorf("%w: unknown payment %s", ErrTerminal, paymentRef)
	}
	cp := *p
	return &cp, nil
}

func (s *Sandbox) Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if req.Email == "" {
		return nil, fmt.Errorf("%w: receiver email required", ErrTerminal)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.payouts[req.SenderID]; ok {
		cp := *prior
		return &cp, nil
	}
	res := &PayoutResult{BatchID: "BATCH-" + uuid.New().String(), Status: "SUCCESS"}
	s.payouts[req.SenderID] = res
	cp := *res
	return &cp, nil
}

// Approve marks a payment as paid by the buyer and returns the sale id.
func (s *Sandbox) Approve(paymentRef string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentRef]
	if !ok {
		return "", fmt.Errorf("%w: unknown payment %s", ErrTerminal, paymentRef)
	}
	if p.SaleID == "" {
		p.SaleID = "SALE-" + uuid.New().String()
		p.PayerID = "PAYER-" + uuid.New().String()[:8]
	}
	p.State = StateApproved
	return p.SaleID, nil
}

// Cancel marks a payment as abandoned by the buyer.
func (s *Sandbox) Cancel(paymentRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.payments[paymentRef]; ok {
		p.State = StateCancelled
	}
}

// Payouts returns how many distinct payouts were accepted.
func (s *Sandbox) Payouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payouts)
}
