package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/mail"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/samma/market-engine/internal/access"
	"github.com/samma/market-engine/internal/model"
	"github.com/samma/market-engine/internal/store"
)

// ListNotifications handles GET /api/v1/notifications
// Returns the caller's notifications, newest first; ?limit (default 50).
func (s *Service) ListNotifications(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	if err := access.Check(actor, access.AccountResource(actor.ID), access.Read); err != nil {
		s.fail(w, r, err)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	notes, err := s.store.ListNotifications(r.Context(), actor.ID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if notes == nil {
		notes = []model.Notification{}
	}
	writeJSON(w, http.StatusOK, notes)
}

func (s *Service) account(r *http.Request, actor access.Actor) (*model.Account, error) {
	a, err := s.store.GetAccount(r.Context(), actor.ID)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Account{ID: actor.ID, IsStaff: actor.Staff, TotalSales: decimal.Zero, CreatedAt: s.now()}, nil
	}
	return a, err
}

// GetAccount handles GET /api/v1/accounts/me
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	if err := access.Check(actor, access.AccountResource(actor.ID), access.Read); err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.account(r, actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// UpdateAccountRequest is the JSON body for PUT /accounts/me.
type UpdateAccountRequest struct {
	Username    *string `json:"username"`
	Email       *string `json:"email"`
	PayPalEmail *string `json:"paypal_email"`
}

// UpdateAccount handles PUT /api/v1/accounts/me
// Sets profile fields and the payout address. Staff status and revenue are
// not client-writable.
func (s *Service) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	if err := access.Check(actor, access.AccountResource(actor.ID), access.Update); err != nil {
		s.fail(w, r, err)
		return
	}

	var req UpdateAccountRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	for _, addr := range []*string{req.Email, req.PayPalEmail} {
		if addr != nil && *addr != "" {
			if _, err := mail.ParseAddress(*addr); err != nil {
				writeError(w, "invalid email address: "+*addr, http.StatusBadRequest)
				return
			}
		}
	}

	a, err := s.account(r, actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Username != nil {
		a.Username = *req.Username
	}
	if req.Email != nil {
		a.Email = *req.Email
	}
	if req.PayPalEmail != nil {
		a.PayPalEmail = *req.PayPalEmail
	}
	if err := s.store.UpsertAccount(r.Context(), a); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
