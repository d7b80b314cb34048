package api

import (
	"net/http"
)

// SandboxApprove handles GET /sandbox/approve?token={ref}
// Stands in for the provider's approval page during development: marks the
// payment approved at the sandbox and confirms it, as the webhook would.
func (s *Service) SandboxApprove(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("token")
	if _, err := s.sandbox.Approve(ref); err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	status, err := s.sandbox.Lookup(r.Context(), ref)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.payments.Confirm(r.Context(), ref, status.SaleID, status.PayerID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(p))
}

// SandboxCancel handles GET /sandbox/cancel?token={ref}
func (s *Service) SandboxCancel(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("token")
	s.sandbox.Cancel(ref)
	p, err := s.payments.Fail(r.Context(), ref, "Payment cancelled by buyer")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(p))
}
