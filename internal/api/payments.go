package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/samma/market-engine/internal/access"
	"github.com/samma/market-engine/internal/model"
	"github.com/samma/market-engine/internal/settlement"
	"github.com/samma/market-engine/internal/store"
)

// CreatePaymentRequest is the JSON body for POST /payments.
type CreatePaymentRequest struct {
	ListingID string `json:"game_id"`
}

// CreatePaymentResponse is returned from POST /payments.
type CreatePaymentResponse struct {
	PaymentID   string         `json:"payment_id"`
	ApprovalURL string         `json:"approval_url,omitempty"`
	Payment     *model.Payment `json:"payment"`
}

// PaymentView is a payment with its derived settlement state.
type PaymentView struct {
	*model.Payment
	SettlementState model.SettlementState `json:"settlement_state"`
}

func (s *Service) view(p *model.Payment) PaymentView {
	return PaymentView{Payment: p, SettlementState: s.payments.State(p)}
}

// CreatePayment handles POST /api/v1/payments
// Responds 201 for a new payment and 200 when the Idempotency-Key replays an
// earlier request. A provider outage yields 503 with the pending payment id.
func (s *Service) CreatePayment(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	if err := access.Check(actor, access.Resource{Kind: access.KindPayment}, access.Create); err != nil {
		s.fail(w, r, err)
		return
	}

	var req CreatePaymentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ListingID == "" {
		writeError(w, "game_id is required", http.StatusBadRequest)
		return
	}

	res, err := s.payments.Create(r.Context(), settlement.CreateRequest{
		BuyerID:        actor.ID,
		ListingID:      req.ListingID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if errors.Is(err, settlement.ErrProviderUnavailable) && res != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":      err.Error(),
			"payment_id": res.Payment.ID,
		})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, CreatePaymentResponse{
		PaymentID:   res.Payment.ID,
		ApprovalURL: res.ApprovalURL,
		Payment:     res.Payment,
	})
}

// ListPayments handles GET /api/v1/payments
// Returns the caller's payments, newest first; ?role=buyer|seller, ?status,
// ?start_date and ?end_date (YYYY-MM-DD or RFC 3339).
func (s *Service) ListPayments(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	if actor.Anonymous() {
		s.fail(w, r, access.ErrUnauthenticated)
		return
	}

	q := r.URL.Query()
	pq := store.PaymentQuery{UserID: actor.ID, Role: q.Get("role")}
	if pq.Role != "" && pq.Role != "buyer" && pq.Role != "seller" {
		writeError(w, "role must be buyer or seller", http.StatusBadRequest)
		return
	}
	if st := q.Get("status"); st != "" {
		pq.Status = model.PaymentStatus(st)
		if !pq.Status.Valid() {
			writeError(w, "unknown status: "+st, http.StatusBadRequest)
			return
		}
	}
	var err error
	if pq.CreatedAfter, err = parseDate(q.Get("start_date"), false); err != nil {
		writeError(w, "start_date: "+err.Error(), http.StatusBadRequest)
		return
	}
	if pq.CreatedBefore, err = parseDate(q.Get("end_date"), true); err != nil {
		writeError(w, "end_date: "+err.Error(), http.StatusBadRequest)
		return
	}

	payments, err := s.store.ListPayments(r.Context(), pq)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]PaymentView, len(payments))
	for i := range payments {
		views[i] = s.view(&payments[i])
	}
	writeJSON(w, http.StatusOK, views)
}

// parseDate accepts a date or an RFC 3339 timestamp. A bare end date covers
// the whole day.
func parseDate(v string, endOfDay bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// PaymentStatistics handles GET /api/v1/payments/statistics
func (s *Service) PaymentStatistics(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	if actor.Anonymous() {
		s.fail(w, r, access.ErrUnauthenticated)
		return
	}
	st, err := s.payments.Statistics(r.Context(), actor.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) loadPayment(r *http.Request, action access.Action) (*model.Payment, error) {
	p, err := s.payments.Get(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		return nil, err
	}
	if err := access.Check(ActorFrom(r.Context()), access.PaymentResource(p), action); err != nil {
		return nil, err
	}
	return p, nil
}

// GetPayment handles GET /api/v1/payments/{paymentID}
// Includes the payment's ledger.
func (s *Service) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.loadPayment(r, access.Read)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(p))
}

// RefundRequest is the JSON body for POST /payments/{paymentID}/refund.
type RefundRequest struct {
	Reason string `json:"reason"`
}

// RefundPayment handles POST /api/v1/payments/{paymentID}/refund (staff only).
func (s *Service) RefundPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.loadPayment(r, access.Refund)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req RefundRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "Refunded by staff"
	}

	refunded, err := s.payments.Refund(r.Context(), ActorFrom(r.Context()).ID, p.ID, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(refunded))
}

// WebhookEvent is the provider's event notification.
type WebhookEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID            string `json:"id"`
		ParentPayment string `json:"parent_payment"`
		PayerID       string `json:"payer_id"`
	} `json:"resource"`
}

const (
	eventSaleCompleted = "PAYMENT.SALE.COMPLETED"
	eventSaleDenied    = "PAYMENT.SALE.DENIED"
	eventSaleReversed  = "PAYMENT.SALE.REVERSED"
	eventSaleRefunded  = "PAYMENT.SALE.REFUNDED"
)

// WebhookSignatureHeader carries the hex HMAC-SHA256 of a webhook body.
const WebhookSignatureHeader = "X-Webhook-Signature"

// Webhook handles POST /api/v1/payments/webhook
// Completed sales confirm the payment; denials fail it; reversals and
// provider refunds refund it before payout. Events that conflict with the
// payment's state are audited by the pipeline and acknowledged.
func (s *Service) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(s.hookKey) > 0 && !validSignature(s.hookKey, body, r.Header.Get(WebhookSignatureHeader)) {
		s.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		writeError(w, "invalid webhook signature", http.StatusUnauthorized)
		return
	}
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ref := ev.Resource.ParentPayment

	switch ev.EventType {
	case eventSaleCompleted:
		_, err = s.payments.Confirm(r.Context(), ref, ev.Resource.ID, ev.Resource.PayerID)
	case eventSaleDenied:
		_, err = s.payments.Fail(r.Context(), ref, "Provider event "+ev.EventType)
	case eventSaleReversed, eventSaleRefunded:
		_, err = s.payments.Reverse(r.Context(), ref, "Provider event "+ev.EventType)
	default:
		s.logger.Debug("webhook event ignored", "event_id", ev.ID, "event_type", ev.EventType)
	}
	if err != nil && !errors.Is(err, settlement.ErrConsistency) {
		s.fail(w, r, err)
		return
	}

	s.logger.Info("webhook processed", "event_id", ev.ID, "event_type", ev.EventType, "payment_ref", ref)
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// validSignature reports whether sig is the hex HMAC-SHA256 of body under key.
func validSignature(key, body []byte, sig string) bool {
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
