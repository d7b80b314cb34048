// Package settlement moves purchases through their lifecycle:
//
//	Pending -> Completed -> PayoutPending -> PayoutCompleted
//	Pending -> Failed
//	Completed -> Refunded
//
// Every state change is a conditional store.Transition, so concurrent
// webhooks, sweeps and payout runs cannot apply the same step twice. The
// ledger rows for a step are written in the same unit of work as the state
// change itself.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/samma/market-engine/internal/audit"
	"github.com/samma/market-engine/internal/fees"
	"github.com/samma/market-engine/internal/metrics"
	"github.com/samma/market-engine/internal/model"
	"github.com/samma/market-engine/internal/notify"
	"github.com/samma/market-engine/internal/provider"
	"github.com/samma/market-engine/internal/store"
)

// maxTransitionAttempts bounds reload-and-retry after losing a race.
const maxTransitionAttempts = 3

// Store is the persistence the pipeline needs.
type Store interface {
	GetListing(ctx context.Context, id string) (*model.Listing, error)
	IncrementListingSales(ctx context.Context, id string) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	AddSellerRevenue(ctx context.Context, id string, amount decimal.Decimal) error

	CreatePayment(ctx context.Context, p *model.Payment) (*model.Payment, error)
	GetPayment(ctx context.Context, id string) (*model.Payment, error)
	GetPaymentByProviderRef(ctx context.Context, ref string) (*model.Payment, error)
	ListPayments(ctx context.Context, q store.PaymentQuery) ([]model.Payment, error)
	SetProviderRef(ctx context.Context, id, ref, approvalURL string) error
	TransitionPayment(ctx context.Context, id string, t store.Transition) (*model.Payment, error)
}

// Broadcaster is told about payment state changes. May be nil.
type Broadcaster interface {
	BroadcastPayment(p *model.Payment)
}

// Config tunes the pipeline. Zero values take the defaults noted.
type Config struct {
	Currency        string        // "USD"
	HoldingPeriod   time.Duration // 24h between completion and payout
	PendingWindow   time.Duration // 24h lookback of SweepPending
	AbandonAfter    time.Duration // 24h before a pending payment expires
	ProviderTimeout time.Duration // 15s per provider call
	ReturnURL       string
	CancelURL       string
	Clock           func() time.Time
}

func (c *Config) withDefaults() {
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.HoldingPeriod <= 0 {
		c.HoldingPeriod = 24 * time.Hour
	}
	if c.PendingWindow <= 0 {
		c.PendingWindow = 24 * time.Hour
	}
	if c.AbandonAfter <= 0 {
		c.AbandonAfter = 24 * time.Hour
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 15 * time.Second
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
}

// Pipeline runs settlement operations.
type Pipeline struct {
	store    Store
	provider provider.Provider
	notifier notify.Notifier
	audit    *audit.Recorder
	bcast    Broadcaster
	cfg      Config
	logger   *slog.Logger
}

// New creates a pipeline. notifier and bcast may be nil.
func New(s Store, p provider.Provider, n notify.Notifier, rec *audit.Recorder, bcast Broadcaster, cfg Config, logger *slog.Logger) *Pipeline {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    s,
		provider: p,
		notifier: n,
		audit:    rec,
		bcast:    bcast,
		cfg:      cfg,
		logger:   logger,
	}
}

// HoldingPeriod returns the configured payout holding window.
func (p *Pipeline) HoldingPeriod() time.Duration { return p.cfg.HoldingPeriod }

// State derives the settlement state of pay at the current time.
func (p *Pipeline) State(pay *model.Payment) model.SettlementState {
	return pay.State(p.cfg.Clock(), p.cfg.HoldingPeriod)
}

// CreateRequest starts a purchase.
type CreateRequest struct {
	BuyerID   string
	ListingID string
	// IdempotencyKey identifies retries of the same request. Defaults to
	// "<buyer>:<listing>".
	IdempotencyKey string
}

// Result is the outcome of Create.
type Result struct {
	Payment     *model.Payment
	ApprovalURL string
	Replayed    bool // an earlier request with the same key created Payment
}

// Create validates the purchase, records a pending payment with its fee
// split and asks the provider to authorize it.
//
// A transient provider failure leaves the payment pending without a
// provider reference and returns ErrProviderUnavailable together with the
// result. A terminal failure fails the payment and returns ErrPaymentDeclined.
func (p *Pipeline) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	listing, err := p.store.GetListing(ctx, req.ListingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s does not exist", ErrListingUnavailable, req.ListingID)
	}
	if err != nil {
		return nil, fmt.Errorf("load listing: %w", err)
	}
	if !listing.Rankable() {
		return nil, fmt.Errorf("%w: %s is inactive or unapproved", ErrListingUnavailable, listing.ID)
	}
	if listing.SellerID == req.BuyerID {
		return nil, ErrSelfPurchase
	}

	split, err := fees.Calculate(listing.Price, listing.BidPercentage)
	if err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = req.BuyerID + ":" + listing.ID
	}
	now := p.cfg.Clock()
	pay := &model.Payment{
		ID:             uuid.New().String(),
		BuyerID:        req.BuyerID,
		SellerID:       listing.SellerID,
		ListingID:      listing.ID,
		Amount:         split.Amount,
		PlatformFee:    split.PlatformFee,
		SellerAmount:   split.SellerAmount,
		Currency:       p.cfg.Currency,
		IdempotencyKey: key,
		Status:         model.PaymentPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := p.store.CreatePayment(ctx, pay)
	if errors.Is(err, store.ErrDuplicatePayment) {
		if created.IdempotencyKey != key || created.Status != model.PaymentPending {
			return nil, fmt.Errorf("%w: payment %s is %s", ErrDuplicatePurchase, created.ID, created.Status)
		}
		if created.ProviderPaymentID == "" {
			res, err := p.authorize(ctx, created, listing.Title)
			if res != nil {
				res.Replayed = true
			}
			return res, err
		}
		return &Result{Payment: created, ApprovalURL: created.ApprovalURL, Replayed: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	metrics.PaymentTransitions.WithLabelValues(string(model.StatePending)).Inc()
	p.logger.Info("payment created",
		"payment_id", created.ID, "listing_id", created.ListingID, "buyer_id", created.BuyerID,
		"amount", created.Amount.String(), "platform_fee", created.PlatformFee.String())

	return p.authorize(ctx, created, listing.Title)
}

func (p *Pipeline) authorize(ctx context.Context, pay *model.Payment, title string) (*Result, error) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	defer cancel()

	auth, err := p.provider.Authorize(actx, provider.AuthorizeRequest{
		PaymentID:   pay.ID,
		Amount:      pay.Amount,
		Currency:    pay.Currency,
		Description: "Purchase of " + title,
		ReturnURL:   p.cfg.ReturnURL,
		CancelURL:   p.cfg.CancelURL,
	})
	if provider.IsTransient(err) {
		p.logger.Warn("payment authorization deferred", "payment_id", pay.ID, "err", err)
		return &Result{Payment: pay}, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	if err != nil {
		failed, ferr := p.fail(ctx, pay, "Authorization rejected: "+err.Error())
		if ferr != nil {
			p.logger.Error("failing declined payment", "payment_id", pay.ID, "err", ferr)
			failed = pay
		}
		return &Result{Payment: failed}, fmt.Errorf("%w: %w", ErrPaymentDeclined, err)
	}

	err = p.store.SetProviderRef(ctx, pay.ID, auth.PaymentRef, auth.ApprovalURL)
	if errors.Is(err, store.ErrStaleState) {
		return p.recordedAuthorization(ctx, pay.ID, auth.PaymentRef)
	}
	if err != nil {
		return nil, fmt.Errorf("record provider reference for %s: %w", pay.ID, err)
	}
	pay.ProviderPaymentID = auth.PaymentRef
	pay.ApprovalURL = auth.ApprovalURL
	return &Result{Payment: pay, ApprovalURL: auth.ApprovalURL}, nil
}

// recordedAuthorization answers an authorize call that lost the race to
// attach its provider reference: the reference already stored is the one
// the buyer must approve, and the dropped one is never used.
func (p *Pipeline) recordedAuthorization(ctx context.Context, id, dropped string) (*Result, error) {
	current, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.ProviderPaymentID == "" {
		return &Result{Payment: current}, fmt.Errorf("%w: payment %s is %s", ErrConsistency, current.ID, p.State(current))
	}
	p.logger.Warn("provider reference already recorded",
		"payment_id", id, "provider_ref", current.ProviderPaymentID, "dropped_ref", dropped)
	return &Result{Payment: current, ApprovalURL: current.ApprovalURL}, nil
}

// Get returns a payment with its ledger.
func (p *Pipeline) Get(ctx context.Context, id string) (*model.Payment, error) {
	pay, err := p.store.GetPayment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	return pay, err
}

func (p *Pipeline) byProviderRef(ctx context.Context, ref string) (*model.Payment, error) {
	pay, err := p.store.GetPaymentByProviderRef(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: provider reference %s", ErrPaymentNotFound, ref)
	}
	return pay, err
}

// Confirm records the provider's confirmation that the buyer paid. It is
// idempotent: confirming a completed payment returns it unchanged. Confirming
// a failed or refunded payment is audited as a consistency error and the
// payment is returned unchanged without an error.
func (p *Pipeline) Confirm(ctx context.Context, providerRef, saleID, payerID string) (*model.Payment, error) {
	pay, err := p.byProviderRef(ctx, providerRef)
	if err != nil {
		return nil, err
	}
	return p.confirm(ctx, pay, saleID, payerID)
}

func (p *Pipeline) confirm(ctx context.Context, pay *model.Payment, saleID, payerID string) (*model.Payment, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		switch pay.Status {
		case model.PaymentCompleted:
			return pay, nil
		case model.PaymentFailed, model.PaymentRefunded:
			p.consistency(ctx, pay, "confirm", fmt.Sprintf("provider confirmed sale %s for a %s payment", saleID, pay.Status))
			return pay, nil
		}

		now := p.cfg.Clock()
		updated, err := p.store.TransitionPayment(ctx, pay.ID, store.Transition{
			From:                model.PaymentPending,
			To:                  model.PaymentCompleted,
			MarkPlatformFeePaid: true,
			CompletedAt:         &now,
			ProviderSaleID:      saleID,
			ProviderPayerID:     payerID,
			At:                  now,
			Append: []model.Transaction{
				ledgerEntry(model.TxPurchase, pay.Amount, saleID, model.PaymentCompleted, "Payment approved by provider"),
				ledgerEntry(model.TxPlatformFee, pay.PlatformFee, saleID, model.PaymentCompleted, "Platform fee collected"),
			},
		})
		if errors.Is(err, store.ErrStaleState) {
			if pay, err = p.store.GetPayment(ctx, pay.ID); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("complete payment %s: %w", pay.ID, err)
		}

		p.afterPurchase(ctx, updated)
		return updated, nil
	}
	return pay, fmt.Errorf("complete payment %s: %w", pay.ID, store.ErrStaleState)
}

// afterPurchase applies the side effects of a completed purchase. None of
// them can undo the completion, so failures are logged only.
func (p *Pipeline) afterPurchase(ctx context.Context, pay *model.Payment) {
	metrics.PaymentTransitions.WithLabelValues(string(model.StateCompleted)).Inc()
	metrics.PaymentVolume.WithLabelValues("platform_fee").Add(pay.PlatformFee.InexactFloat64())
	metrics.PaymentVolume.WithLabelValues("seller").Add(pay.SellerAmount.InexactFloat64())
	p.logger.Info("payment completed", "payment_id", pay.ID, "listing_id", pay.ListingID, "sale_id", pay.ProviderSaleID)

	if err := p.store.IncrementListingSales(ctx, pay.ListingID); err != nil {
		p.logger.Error("increment listing sales", "listing_id", pay.ListingID, "err", err)
	}
	if err := p.store.AddSellerRevenue(ctx, pay.SellerID, pay.Amount); err != nil {
		p.logger.Warn("add seller revenue", "seller_id", pay.SellerID, "err", err)
	}

	title := pay.ListingID
	if l, err := p.store.GetListing(ctx, pay.ListingID); err == nil {
		title = l.Title
	}
	data := map[string]string{
		"game_id":    pay.ListingID,
		"payment_id": pay.ID,
		"amount":     pay.Amount.StringFixed(2),
	}
	p.notify(ctx, &model.Notification{
		UserID:  pay.SellerID,
		Type:    model.NotifySale,
		Title:   "New sale: " + title,
		Message: fmt.Sprintf("Your game %s was purchased.", title),
		Data:    data,
	})
	p.notify(ctx, &model.Notification{
		UserID:  pay.BuyerID,
		Type:    model.NotifyPurchase,
		Title:   "Purchase complete: " + title,
		Message: fmt.Sprintf("You purchased %s for $%s.", title, pay.Amount.StringFixed(2)),
		Data:    data,
	})
	p.broadcast(pay)
}

// Fail records the provider's report that a pending payment was declined,
// cancelled or expired. Failing a failed payment is a no-op; failing a
// completed or refunded one is audited and returns ErrConsistency.
func (p *Pipeline) Fail(ctx context.Context, providerRef, reason string) (*model.Payment, error) {
	pay, err := p.byProviderRef(ctx, providerRef)
	if err != nil {
		return nil, err
	}
	return p.fail(ctx, pay, reason)
}

func (p *Pipeline) fail(ctx context.Context, pay *model.Payment, reason string) (*model.Payment, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		switch pay.Status {
		case model.PaymentFailed:
			return pay, nil
		case model.PaymentCompleted, model.PaymentRefunded:
			p.consistency(ctx, pay, "fail", reason)
			return pay, fmt.Errorf("%w: payment %s is %s", ErrConsistency, pay.ID, pay.Status)
		}

		updated, err := p.store.TransitionPayment(ctx, pay.ID, store.Transition{
			From: model.PaymentPending,
			To:   model.PaymentFailed,
			At:   p.cfg.Clock(),
			Append: []model.Transaction{
				ledgerEntry(model.TxPurchase, pay.Amount, pay.ProviderPaymentID, model.PaymentFailed, reason),
			},
		})
		if errors.Is(err, store.ErrStaleState) {
			if pay, err = p.store.GetPayment(ctx, pay.ID); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fail payment %s: %w", pay.ID, err)
		}

		metrics.PaymentTransitions.WithLabelValues(string(model.StateFailed)).Inc()
		p.logger.Info("payment failed", "payment_id", pay.ID, "reason", reason)
		p.broadcast(updated)
		return updated, nil
	}
	return pay, fmt.Errorf("fail payment %s: %w", pay.ID, store.ErrStaleState)
}

// Refund marks a completed payment whose seller has not been paid out as
// refunded. The money itself is returned through the provider out of band.
// Callers must have checked that actorID may refund.
func (p *Pipeline) Refund(ctx context.Context, actorID, paymentID, reason string) (*model.Payment, error) {
	pay, err := p.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return p.refund(ctx, actorID, pay, reason)
}

// SystemActor is the audit actor for changes the provider initiates.
const SystemActor = "system"

// Reverse records the provider's report that a sale was reversed or
// refunded. A pending payment fails. A completed payment awaiting payout is
// refunded so the seller is never paid for it. Reversing a refunded payment
// is a no-op; reversing a failed or paid-out one is audited and returns
// ErrConsistency.
func (p *Pipeline) Reverse(ctx context.Context, providerRef, reason string) (*model.Payment, error) {
	pay, err := p.byProviderRef(ctx, providerRef)
	if err != nil {
		return nil, err
	}
	switch pay.Status {
	case model.PaymentPending:
		return p.fail(ctx, pay, reason)
	case model.PaymentRefunded:
		return pay, nil
	}
	return p.refund(ctx, SystemActor, pay, reason)
}

func (p *Pipeline) refund(ctx context.Context, actorID string, pay *model.Payment, reason string) (*model.Payment, error) {
	paymentID := pay.ID
	if pay.Status != model.PaymentCompleted || pay.SellerPaid {
		p.consistency(ctx, pay, "refund", "refund requires a completed payment awaiting payout")
		return pay, fmt.Errorf("%w: payment %s is %s", ErrConsistency, pay.ID, p.State(pay))
	}

	updated, err := p.store.TransitionPayment(ctx, pay.ID, store.Transition{
		From:                model.PaymentCompleted,
		To:                  model.PaymentRefunded,
		RequireSellerUnpaid: true,
		At:                  p.cfg.Clock(),
		Append: []model.Transaction{
			ledgerEntry(model.TxRefund, pay.Amount, pay.ProviderSaleID, model.PaymentCompleted, reason),
		},
	})
	if errors.Is(err, store.ErrStaleState) {
		current, gerr := p.Get(ctx, paymentID)
		if gerr != nil {
			return nil, gerr
		}
		p.consistency(ctx, current, "refund", "payment changed while refunding")
		return current, fmt.Errorf("%w: payment %s is %s", ErrConsistency, current.ID, p.State(current))
	}
	if err != nil {
		return nil, fmt.Errorf("refund payment %s: %w", pay.ID, err)
	}

	metrics.PaymentTransitions.WithLabelValues(string(model.StateRefunded)).Inc()
	if p.audit != nil {
		p.audit.Payment(ctx, actorID, updated, "refund", map[string]any{"reason": reason})
	}
	p.notify(ctx, &model.Notification{
		UserID:  updated.BuyerID,
		Type:    model.NotifyPurchase,
		Title:   "Payment refunded",
		Message: fmt.Sprintf("Your payment of $%s has been refunded.", updated.Amount.StringFixed(2)),
		Data:    map[string]string{"payment_id": updated.ID, "game_id": updated.ListingID},
	})
	p.broadcast(updated)
	return updated, nil
}

func (p *Pipeline) consistency(ctx context.Context, pay *model.Payment, op, detail string) {
	metrics.ConsistencyErrors.Inc()
	if p.audit != nil {
		p.audit.Consistency(ctx, pay, op, detail)
		return
	}
	p.logger.Warn("settlement consistency error", "payment_id", pay.ID, "op", op, "detail", detail)
}

func (p *Pipeline) notify(ctx context.Context, n *model.Notification) {
	if p.notifier == nil {
		return
	}
	notify.Prepare(n)
	if err := p.notifier.Notify(ctx, n); err != nil {
		p.logger.Warn("notification not delivered", "user_id", n.UserID, "type", n.Type, "err", err)
	}
}

func (p *Pipeline) broadcast(pay *model.Payment) {
	if p.bcast != nil {
		p.bcast.BroadcastPayment(pay)
	}
}

func ledgerEntry(typ model.TransactionType, amount decimal.Decimal, ref string, status model.PaymentStatus, notes string) model.Transaction {
	return model.Transaction{
		ID:          uuid.New().String(),
		Type:        typ,
		Amount:      amount,
		ExternalRef: ref,
		Status:      status,
		Notes:       notes,
	}
}
