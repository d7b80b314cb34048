// Package api provides the HTTP handlers for listings, comments, payments,
// notifications and accounts, plus the WebSocket hub that pushes score and
// payment updates.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/samma/market-engine/internal/access"
	"github.com/samma/market-engine/internal/notify"
	"github.com/samma/market-engine/internal/provider"
	"github.com/samma/market-engine/internal/ranking"
	"github.com/samma/market-engine/internal/settlement"
	"github.com/samma/market-engine/internal/store"
	"github.com/samma/market-engine/internal/validate"
)

// Service handles marketplace HTTP requests.
type Service struct {
	store    store.Store
	ranking  *ranking.Engine
	payments *settlement.Pipeline
	notifier notify.Notifier
	hub      *WSHub
	sandbox  *provider.Sandbox
	secret   []byte
	hookKey  []byte
	logger   *slog.Logger
	now      func() time.Time
}

// Options configures a Service. Notifier, Hub and Sandbox may be nil.
type Options struct {
	Store     store.Store
	Ranking   *ranking.Engine
	Payments  *settlement.Pipeline
	Notifier  notify.Notifier
	Hub       *WSHub
	Sandbox   *provider.Sandbox
	JWTSecret string
	// WebhookSecret, when set, requires provider webhooks to carry an
	// HMAC-SHA256 of the body in WebhookSignatureHeader.
	WebhookSecret string
	Logger        *slog.Logger
}

// NewService creates a new API service.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    opts.Store,
		ranking:  opts.Ranking,
		payments: opts.Payments,
		notifier: opts.Notifier,
		hub:      opts.Hub,
		sandbox:  opts.Sandbox,
		secret:   []byte(opts.JWTSecret),
		hookKey:  []byte(opts.WebhookSecret),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Routes registers the API on r under /api/v1, and the sandbox approval
// endpoints under /sandbox when a sandbox provider is configured.
func (s *Service) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(s.secret))

		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Get("/listings", s.ListListings)
		r.Post("/listings", s.CreateListing)
		r.Get("/listings/{listingID}", s.GetListing)
		r.Patch("/listings/{listingID}", s.UpdateListing)
		r.Get("/listings/{listingID}/comments", s.ListComments)
		r.Post("/listings/{listingID}/comments", s.CreateComment)

		r.Post("/payments", s.CreatePayment)
		r.Get("/payments", s.ListPayments)
		r.Get("/payments/statistics", s.PaymentStatistics)
		r.Post("/payments/webhook", s.Webhook)
		r.Get("/payments/{paymentID}", s.GetPayment)
		r.Post("/payments/{paymentID}/refund", s.RefundPayment)

		r.Get("/notifications", s.ListNotifications)
		r.Get("/accounts/me", s.GetAccount)
		r.Put("/accounts/me", s.UpdateAccount)
	})

	if s.sandbox != nil {
		r.Get("/sandbox/approve", s.SandboxApprove)
		r.Get("/sandbox/cancel", s.SandboxCancel)
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, access.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, access.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, settlement.ErrPaymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrDuplicatePurchase),
		errors.Is(err, settlement.ErrConsistency),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, validate.ErrInvalidListing),
		errors.Is(err, validate.ErrInvalidComment),
		errors.Is(err, validate.ErrReadOnlyField),
		settlement.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrPaymentDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, settlement.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Internal errors are logged and
// not echoed to the client.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
