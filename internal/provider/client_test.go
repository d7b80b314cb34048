package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/samma/market-engine/internal/provider"
)

func newClient(t *testing.T, h http.HandlerFunc, timeout time.Duration) *provider.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return provider.NewClient(provider.ClientOptions{
		BaseURL:      srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
		Timeout:      timeout,
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{200, nil},
		{201, nil},
		{400, provider.ErrTerminal},
		{402, provider.ErrTerminal},
		{404, provider.ErrTerminal},
		{408, provider.ErrTransient},
		{429, provider.ErrTransient},
		{500, provider.ErrTransient},
		{503, provider.ErrTransient},
	}
	for _, tt := range tests {
		err := provider.Classify(tt.status)
		if tt.want == nil && err != nil {
			t.Errorf("Classify(%d) = %v, want nil", tt.status, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("Classify(%d) = %v, want %v", tt.status, err, tt.want)
		}
	}
}

func TestAuthorize_Success(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/payments" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if id, secret, ok := r.BasicAuth(); !ok || id != "id" || secret != "secret" {
			t.Error("missing client credentials")
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		amount := body["amount"].(map[string]any)
		if amount["total"] != "19.99" {
			t.Errorf("expected total 19.99, got %v", amount["total"])
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "PAY-1", "approval_url": "https://approve/PAY-1"})
	}, time.Second)

	auth, err := c.Authorize(context.Background(), provider.AuthorizeRequest{
		PaymentID: "p1", Amount: decimal.RequireFromString("19.99"), Currency: "USD",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if auth.PaymentRef != "PAY-1" || auth.ApprovalURL != "https://approve/PAY-1" {
		t.Errorf("unexpected authorization: %+v", auth)
	}
}

func TestAuthorize_DeclineIsTerminal(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"name":"INSTRUMENT_DECLINED"}`, http.StatusUnprocessableEntity)
	}, time.Second)

	_, err := c.Authorize(context.Background(), provider.AuthorizeRequest{Amount: decimal.NewFromInt(1)})
	if !errors.Is(err, provider.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestLookup_ServerErrorIsTransient(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, time.Second)

	_, err := c.Lookup(context.Background(), "PAY-1")
	if !provider.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestLookup_TimeoutIsTransient(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}, 50*time.Millisecond)

	_, err := c.Lookup(context.Background(), "PAY-1")
	if !provider.IsTransient(err) {
		t.Fatalf("expected transient error on timeout, got %v", err)
	}
}

func TestLookup_DecodesState(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payments/PAY-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"id": "PAY-1", "state": "approved", "sale_id": "SALE-9", "payer_id": "P1",
		})
	}, time.Second)

	st, err := c.Lookup(context.Background(), "PAY-1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.State.Settled() || st.SaleID != "SALE-9" {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestPayout_SendsStableSenderID(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Header struct {
				SenderBatchID string `json:"sender_batch_id"`
			} `json:"sender_batch_header"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Header.SenderBatchID != "payout-p1" {
			t.Errorf("sender_batch_id = %q", body.Header.SenderBatchID)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"batch_id": "B1", "status": "PENDING"})
	}, time.Second)

	res, err := c.Payout(context.Background(), provider.PayoutRequest{
		SenderID: "payout-p1", Email: "s@example.com", Amount: decimal.RequireFromString("17.99"), Currency: "USD",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.BatchID != "B1" {
		t.Errorf("batch id = %q", res.BatchID)
	}
}

func TestSandbox_PayoutDeduplicatesBySenderID(t *testing.T) {
	sb := provider.NewSandbox("http://localhost/approve")
	req := provider.PayoutRequest{SenderID: "payout-p1", Email: "s@example.com", Amount: decimal.NewFromInt(5)}

	first, err := sb.Payout(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := sb.Payout(context.Background(), req)
	if first.BatchID != second.BatchID || sb.Payouts() != 1 {
		t.Fatalf("expected one payout, got %d (%s vs %s)", sb.Payouts(), first.BatchID, second.BatchID)
	}
}

func TestSandbox_ApproveThenLookup(t *testing.T) {
	ctx := context.Background()
	sb := provider.NewSandbox("http://localhost/approve")
	auth, err := sb.Authorize(ctx, provider.AuthorizeRequest{Amount: decimal.NewFromInt(5)})
	if err != nil {
		t.Fatal(err)
	}

	st, _ := sb.Lookup(ctx, auth.PaymentRef)
	if st.State != provider.StateCreated {
		t.Fatalf("state = %s, want created", st.State)
	}
	sale, _ := sb.Approve(auth.PaymentRef)
	st, _ = sb.Lookup(ctx, auth.PaymentRef)
	if !st.State.Settled() || st.SaleID != sale {
		t.Errorf("unexpected status after approve: %+v", st)
	}
}
