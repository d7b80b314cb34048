package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/samma/market-engine/internal/metrics"
	"github.com/samma/market-engine/internal/model"
	"github.com/samma/market-engine/internal/provider"
	"github.com/samma/market-engine/internal/store"
)

// SweepReport summarises one SweepPending run.
type SweepReport struct {
	Checked    int
	Authorized int
	Completed  int
	Failed     int
	Deferred   int
	Errors     int
}

// SweepPending reconciles recent pending payments with the provider.
// Payments that never reached the provider are authorized again once their
// own Create call has timed out; the rest are looked up and completed or
// failed according to the provider's state. Cancellation is checked between
// payments.
func (p *Pipeline) SweepPending(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := p.cfg.Clock()
	pending, err := p.store.ListPayments(ctx, store.PaymentQuery{
		Status:       model.PaymentPending,
		CreatedAfter: now.Add(-p.cfg.PendingWindow),
	})
	if err != nil {
		return rep, fmt.Errorf("list pending payments: %w", err)
	}

	for i := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		pay := &pending[i]
		rep.Checked++

		if pay.ProviderPaymentID == "" {
			// Create may still be waiting on the provider.
			if pay.CreatedAt.After(now.Add(-p.cfg.ProviderTimeout)) {
				rep.Deferred++
				continue
			}
			p.retryAuthorize(ctx, pay, &rep)
			continue
		}

		lctx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
		status, err := p.provider.Lookup(lctx, pay.ProviderPaymentID)
		cancel()
		switch {
		case provider.IsTransient(err):
			rep.Deferred++
			continue
		case err != nil:
			rep.Errors++
			p.recordError(ctx, pay, "lookup_error", err)
			continue
		}

		switch {
		case status.State.Settled():
			if _, err := p.confirm(ctx, pay, status.SaleID, status.PayerID); err != nil {
				rep.Errors++
				p.recordError(ctx, pay, "confirm_error", err)
				continue
			}
			rep.Completed++
		case status.State.Dead():
			if _, err := p.fail(ctx, pay, "Payment "+string(status.State)); err != nil {
				rep.Errors++
				continue
			}
			rep.Failed++
		}
	}

	p.logger.Info("pending payments swept",
		"checked", rep.Checked, "authorized", rep.Authorized, "completed", rep.Completed,
		"failed", rep.Failed, "deferred", rep.Deferred, "errors", rep.Errors)
	return rep, nil
}

func (p *Pipeline) retryAuthorize(ctx context.Context, pay *model.Payment, rep *SweepReport) {
	title := pay.ListingID
	if l, err := p.store.GetListing(ctx, pay.ListingID); err == nil {
		title = l.Title
	}
	_, err := p.authorize(ctx, pay, title)
	switch {
	case err == nil:
		rep.Authorized++
	case errors.Is(err, ErrProviderUnavailable):
		rep.Deferred++
	case errors.Is(err, ErrPaymentDeclined):
		rep.Failed++
	default:
		rep.Errors++
		p.recordError(ctx, pay, "authorize_error", err)
	}
}

// PayoutReport summarises one SettlePayouts run.
type PayoutReport struct {
	Eligible int
	Paid     int
	Errors   int
}

// SettlePayouts pays sellers for completed payments whose holding period has
// elapsed. The provider receives a sender id that is stable per payment, and
// the seller-paid flag is set by a conditional transition, so a payment is
// paid out at most once even when runs overlap. Failures are audited and the
// payment is left for the next run. Cancellation is checked between payments.
func (p *Pipeline) SettlePayouts(ctx context.Context) (PayoutReport, error) {
	var rep PayoutReport
	unpaid := false
	due, err := p.store.ListPayments(ctx, store.PaymentQuery{
		Status:          model.PaymentCompleted,
		SellerPaid:      &unpaid,
		CompletedBefore: p.cfg.Clock().Add(-p.cfg.HoldingPeriod),
	})
	if err != nil {
		return rep, fmt.Errorf("list payouts due: %w", err)
	}

	for i := range due {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Eligible++
		if err := p.payout(ctx, &due[i]); err != nil {
			rep.Errors++
			p.recordError(ctx, &due[i], "payout_error", err)
			continue
		}
		rep.Paid++
	}

	p.logger.Info("seller payouts settled", "eligible", rep.Eligible, "paid", rep.Paid, "errors", rep.Errors)
	return rep, nil
}

// PayoutSenderID is the provider idempotency key for a payment's payout.
func PayoutSenderID(paymentID string) string {
	return "payout-" + paymentID
}

func (p *Pipeline) payout(ctx context.Context, pay *model.Payment) error {
	seller, err := p.store.GetAccount(ctx, pay.SellerID)
	if err != nil {
		return fmt.Errorf("load seller %s: %w", pay.SellerID, err)
	}
	if seller.PayPalEmail == "" {
		return fmt.Errorf("seller %s has no payout email", pay.SellerID)
	}
	title := pay.ListingID
	if l, err := p.store.GetListing(ctx, pay.ListingID); err == nil {
		title = l.Title
	}

	pctx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	res, err := p.provider.Payout(pctx, provider.PayoutRequest{
		SenderID: PayoutSenderID(pay.ID),
		Email:    seller.PayPalEmail,
		Amount:   pay.SellerAmount,
		Currency: pay.Currency,
		Note:     "Payment for game: " + title,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("provider payout: %w", err)
	}

	updated, err := p.store.TransitionPayment(ctx, pay.ID, store.Transition{
		From:                model.PaymentCompleted,
		To:                  model.PaymentCompleted,
		RequireSellerUnpaid: true,
		MarkSellerPaid:      true,
		At:                  p.cfg.Clock(),
		Append: []model.Transaction{
			ledgerEntry(model.TxSellerPayment, pay.SellerAmount, res.BatchID, model.PaymentCompleted, "Seller payment processed"),
		},
	})
	if errors.Is(err, store.ErrStaleState) {
		// Another run recorded it first, or the payment was refunded while
		// the payout was in flight.
		current, gerr := p.store.GetPayment(ctx, pay.ID)
		if gerr == nil && current.SellerPaid {
			return nil
		}
		if gerr == nil {
			p.consistency(ctx, current, "payout", "payout "+res.BatchID+" sent for a "+string(current.Status)+" payment")
		}
		return fmt.Errorf("record payout: %w", err)
	}
	if err != nil {
		return fmt.Errorf("record payout: %w", err)
	}

	metrics.PaymentTransitions.WithLabelValues(string(model.StatePayoutCompleted)).Inc()
	p.logger.Info("seller paid", "payment_id", pay.ID, "seller_id", pay.SellerID, "batch_id", res.BatchID)
	p.notify(ctx, &model.Notification{
		UserID:  pay.SellerID,
		Type:    model.NotifySale,
		Title:   "Payment Received",
		Message: fmt.Sprintf("You received payment of $%s for %s", pay.SellerAmount.StringFixed(2), title),
		Data: map[string]string{
			"payment_id": pay.ID,
			"amount":     pay.SellerAmount.StringFixed(2),
		},
	})
	p.broadcast(updated)
	return nil
}

// ExpireAbandoned fails pending payments older than the abandonment window.
// Returns the number of payments failed.
func (p *Pipeline) ExpireAbandoned(ctx context.Context) (int, error) {
	stale, err := p.store.ListPayments(ctx, store.PaymentQuery{
		Status:        model.PaymentPending,
		CreatedBefore: p.cfg.Clock().Add(-p.cfg.AbandonAfter),
	})
	if err != nil {
		return 0, fmt.Errorf("list abandoned payments: %w", err)
	}

	expired := 0
	for i := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		updated, err := p.fail(ctx, &stale[i], "Payment abandoned")
		if err != nil {
			p.logger.Warn("expire abandoned payment", "payment_id", stale[i].ID, "err", err)
			continue
		}
		if updated.Status == model.PaymentFailed {
			expired++
		}
	}
	if expired > 0 {
		p.logger.Info("abandoned payments expired", "count", expired)
	}
	return expired, nil
}

func (p *Pipeline) recordError(ctx context.Context, pay *model.Payment, event string, err error) {
	p.logger.Error("settlement step failed", "payment_id", pay.ID, "event", event, "err", err)
	if p.audit != nil {
		p.audit.Payment(ctx, "", pay, event, map[string]any{"error": err.Error()})
	}
}
