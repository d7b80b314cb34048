package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/samma/market-engine/internal/audit"
	"github.com/samma/market-engine/internal/model"
	"github.com/samma/market-engine/internal/provider"
	"github.com/samma/market-engine/internal/settlement"
	"github.com/samma/market-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// --- fakes ---

type fakeProvider struct {
	mu        sync.Mutex
	authErr   error
	lookup    map[string]*provider.PaymentStatus
	lookupErr error
	payoutErr error
	payouts   map[string]int // sender id -> calls
	refs      int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		lookup:  make(map[string]*provider.PaymentStatus),
		payouts: make(map[string]int),
	}
}

func (f *fakeProvider) Authorize(_ context.Context, req provider.AuthorizeRequest) (*provider.Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authErr != nil {
		return nil, f.authErr
	}
	f.refs++
	ref := fmt.Sprintf("PAY-%d", f.refs)
	f.lookup[ref] = &provider.PaymentStatus{PaymentRef: ref, State: provider.StateCreated}
	return &provider.Authorization{PaymentRef: ref, ApprovalURL: "https://approve/" + ref}, nil
}

func (f *fakeProvider) Lookup(_ context.Context, ref string) (*provider.PaymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	st, ok := f.lookup[ref]
	if !ok {
		return nil, fmt.Errorf("%w: unknown %s", provider.ErrTerminal, ref)
	}
	cp := *st
	return &cp, nil
}

func (f *fakeProvider) Payout(_ context.Context, req provider.PayoutRequest) (*provider.PayoutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payoutErr != nil {
		return nil, f.payoutErr
	}
	f.payouts[req.SenderID]++
	return &provider.PayoutResult{BatchID: "BATCH-" + req.SenderID, Status: "SUCCESS"}, nil
}

func (f *fakeProvider) setState(ref string, state provider.PaymentState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookup[ref].State = state
	f.lookup[ref].SaleID = "SALE-" + ref
}

type inbox struct {
	mu    sync.Mutex
	notes []model.Notification
}

func (i *inbox) Notify(_ context.Context, n *model.Notification) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.notes = append(i.notes, *n)
	return nil
}

func (i *inbox) count(user string, typ model.NotificationType) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, note := range i.notes {
		if note.UserID == user && note.Type == typ {
			n++
		}
	}
	return n
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(dt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dt)
}

type env struct {
	ms    *store.MemoryStore
	prov  *fakeProvider
	inbox *inbox
	clock *clock
	p     *settlement.Pipeline
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		ms:    store.NewMemoryStore(),
		prov:  newFakeProvider(),
		inbox: &inbox{},
		clock: &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	e.p = settlement.New(e.ms, e.prov, e.inbox, audit.NewRecorder(e.ms, nil), nil,
		settlement.Config{Clock: e.clock.Now}, nil)

	ctx := context.Background()
	e.ms.UpsertAccount(ctx, &model.Account{ID: "seller", PayPalEmail: "seller@example.com"})
	e.ms.UpsertAccount(ctx, &model.Account{ID: "buyer"})
	e.seedListing(t, "game", "19.99", "5", true)
	return e
}

func (e *env) seedListing(t *testing.T, id, price, bid string, approved bool) {
	t.Helper()
	err := e.ms.CreateListing(context.Background(), &model.Listing{
		ID:            id,
		SellerID:      "seller",
		Title:         "Title " + id,
		Slug:          id,
		Price:         d(price),
		BidPercentage: d(bid),
		IsActive:      true,
		IsApproved:    approved,
		CreatedAt:     e.clock.Now(),
	})
	if err != nil {
		t.Fatalf("seed listing: %v", err)
	}
}

func (e *env) create(t *testing.T, buyer, listing string) *model.Payment {
	t.Helper()
	res, err := e.p.Create(context.Background(), settlement.CreateRequest{BuyerID: buyer, ListingID: listing})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return res.Payment
}

func (e *env) completed(t *testing.T) *model.Payment {
	t.Helper()
	pay := e.create(t, "buyer", "game")
	done, err := e.p.Confirm(context.Background(), pay.ProviderPaymentID, "SALE-1", "PAYER-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return done
}

func countTx(p *model.Payment, typ model.TransactionType) int {
	n := 0
	for _, tx := range p.Transactions {
		if tx.Type == typ {
			n++
		}
	}
	return n
}

// --- Create ---

func TestCreate_RecordsFeeSplitAndAuthorizes(t *testing.T) {
	e := newEnv(t)
	res, err := e.p.Create(context.Background(), settlement.CreateRequest{BuyerID: "buyer", ListingID: "game"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pay := res.Payment
	if !pay.Amount.Equal(d("19.99")) || !pay.PlatformFee.Equal(d("1.00")) || !pay.SellerAmount.Equal(d("18.99")) {
		t.Errorf("unexpected split: amount=%s fee=%s seller=%s", pay.Amount, pay.PlatformFee, pay.SellerAmount)
	}
	if pay.Status != model.PaymentPending || pay.SellerID != "seller" {
		t.Errorf("unexpected payment: %+v", pay)
	}
	if res.ApprovalURL == "" || pay.ProviderPaymentID == "" {
		t.Error("expected provider reference and approval url")
	}
	if res.Replayed {
		t.Error("first create must not be a replay")
	}
}

func TestCreate_SelfPurchase(t *testing.T) {
	e := newEnv(t)
	_, err := e.p.Create(context.Background(), settlement.CreateRequest{BuyerID: "seller", ListingID: "game"})
	if !errors.Is(err, settlement.ErrSelfPurchase) {
		t.Fatalf("expected ErrSelfPurchase, got %v", err)
	}
	all, _ := e.ms.ListPayments(context.Background(), store.PaymentQuery{})
	if len(all) != 0 {
		t.Errorf("self purchase created %d payments", len(all))
	}
}

func TestCreate_UnavailableListing(t *testing.T) {
	e := newEnv(t)
	e.seedListing(t, "unapproved", "5.00", "10", false)

	for _, id := range []string{"unapproved", "missing"} {
		_, err := e.p.Create(context.Background(), settlement.CreateRequest{BuyerID: "buyer", ListingID: id})
		if !errors.Is(err, settlement.ErrListingUnavailable) {
			t.Errorf("%s: expected ErrListingUnavailable, got %v", id, err)
		}
		if !settlement.IsValidation(err) {
			t.Errorf("%s: expected validation error", id)
		}
	}
}

func TestCreate_ReplayReturnsOriginal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first := e.create(t, "buyer", "game")

	res, err := e.p.Create(ctx, settlement.CreateRequest{BuyerID: "buyer", ListingID: "game"})
	if err != nil {
		t.Fatalf("replay: unexpected error: %v", err)
	}
	if !res.Replayed || res.Payment.ID != first.ID || res.ApprovalURL != first.ApprovalURL {
		t.Errorf("expected replay of %s, got %+v", first.ID, res)
	}

	_, err = e.p.Create(ctx, settlement.CreateRequest{BuyerID: "buyer", ListingID: "game", IdempotencyKey: "other"})
	if !errors.Is(err, settlement.ErrDuplicatePurchase) {
		t.Fatalf("different key: expected ErrDuplicatePurchase, got %v", err)
	}
}

func TestCreate_DuplicateAfterCompletion(t *testing.T) {
	e := newEnv(t)
	e.completed(t)

	_, err := e.p.Create(context.Background(), settlement.CreateRequest{BuyerID: "buyer", ListingID: "game"})
	if !errors.Is(err, settlement.ErrDuplicatePurchase) {
		t.Fatalf("expected ErrDuplicatePurchase, got %v", err)
	}
}

func TestCreate_ConcurrentSingleRow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.p.Create(ctx, settlement.CreateRequest{
				BuyerID: "buyer", ListingID: "game", IdempotencyKey: fmt.Sprintf("k%d", i),
			})
		}(i)
	}
	wg.Wait()

	all, _ := e.ms.ListPayments(ctx, store.PaymentQuery{UserID: "buyer", Role: "buyer"})
	if len(all) != 1 {
		t.Fatalf("expected 1 payment, got %d", len(all))
	}
}

func TestCreate_TransientProviderLeavesPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.prov.authErr = fmt.Errorf("%w: status 503", provider.ErrTransient)

	res, err := e.p.Create(ctx, settlement.CreateRequest{BuyerID: "buyer", ListingID: "game"})
	if !errors.Is(err, settlement.ErrProviderUnavailable) || !errors.Is(err, provider.ErrTransient) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if res == nil || res.Payment.Status != model.PaymentPending || res.Payment.ProviderPaymentID != "" {
		t.Fatalf("expected pending payment without provider ref, got %+v", res)
	}

	// The sweep authorizes it once the provider recovers.
	e.prov.mu.Lock()
	e.prov.authErr = nil
	e.prov.mu.Unlock()
	e.clock.Advance(time.Minute)
	rep, err := e.p.SweepPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Authorized != 1 {
		t.Fatalf("expected 1 authorized, got %+v", rep)
	}
	pay, _ := e.p.Get(ctx, res.Payment.ID)
	if pay.ProviderPaymentID == "" || pay.Status != model.PaymentPending {
		t.Errorf("unexpected payment after sweep: %+v", pay)
	}
}

// slowProvider holds its first Authorize call until release is closed.
type slowProvider struct {
	*fakeProvider
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (s *slowProvider) Authorize(ctx context.Context, req provider.AuthorizeRequest) (*provider.Authorization, error) {
	if s.calls.Add(1) == 1 {
		close(s.entered)
		<-s.release
	}
	return s.fakeProvider.Authorize(ctx, req)
}

func TestCreate_SweepLeavesInFlightAuthorization(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	slow := &slowProvider{fakeProvider: e.prov, entered: make(chan struct{}), release: make(chan struct{})}
	p := settlement.New(e.ms, slow, e.inbox, audit.NewRecorder(e.ms, nil), nil,
		settlement.Config{Clock: e.clock.Now}, nil)

	type outcome struct {
		res *settlement.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.Create(ctx, settlement.CreateRequest{BuyerID: "buyer", ListingID: "game"})
		done <- outcome{res, err}
	}()
	<-slow.entered

	rep, err := p.SweepPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Authorized != 0 || rep.Deferred != 1 {
		t.Fatalf("sweep touched an in-flight authorization: %+v", rep)
	}

	close(slow.release)
	got := <-done
	if got.err != nil {
		t.Fatalf("create: %v", got.err)
	}
	if got.res.ApprovalURL == "" || got.res.Payment.ProviderPaymentID == "" {
		t.Errorf("create returned no approval: %+v", got.res)
	}
	if n := slow.calls.Load(); n != 1 {
		t.Errorf("provider authorize calls = %d, want 1", n)
	}
}

func TestCreate_LateAuthorizationReturnsRecordedReference(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	slow := &slowProvider{fakeProvider: e.prov, entered: make(chan struct{}), release: make(chan struct{})}
	p := settlement.New(e.ms, slow, e.inbox, audit.NewRecorder(e.ms, nil), nil,
		settlement.Config{Clock: e.clock.Now}, nil)

	type outcome struct {
		res *settlement.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.Create(ctx, settlement.CreateRequest{BuyerID: "buyer", ListingID: "game"})
		done <- outcome{res, err}
	}()
	<-slow.entered

	// Past the provider timeout the sweep authorizes the payment itself.
	e.clock.Advance(time.Minute)
	rep, err := p.SweepPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Authorized != 1 {
		t.Fatalf("expected the sweep to authorize, got %+v", rep)
	}

	close(slow.release)
	got := <-done
	if got.err != nil {
		t.Fatalf("late create must not fail: %v", got.err)
	}
	stored, _ := p.Get(ctx, got.res.Payment.ID)
	if got.res.Payment.ProviderPaymentID != stored.ProviderPaymentID || got.res.ApprovalURL != stored.ApprovalURL {
		t.Errorf("create returned ref %s (%s), stored %s (%s)",
			got.res.Payment.ProviderPaymentID, got.res.ApprovalURL, stored.ProviderPaymentID, stored.ApprovalURL)
	}
}

func TestCreate_TerminalProviderFailsPayment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.prov.authErr = fmt.Errorf("%w: status 422", provider.ErrTerminal)

	res, err := e.p.Create(ctx, settlement.CreateRequest{BuyerID: "buyer", ListingID: "game"})
	if !errors.Is(err, settlement.ErrPaymentDeclined) {
		t.Fatalf("expected ErrPaymentDeclined, got %v", err)
	}
	pay, _ := e.p.Get(ctx, res.Payment.ID)
	if pay.Status != model.PaymentFailed {
		t.Fatalf("expected failed payment, got %s", pay.Status)
	}
	if len(pay.Transactions) != 1 || pay.Transactions[0].Status != model.PaymentFailed {
		t.Errorf("expected one failed purchase row, got %+v", pay.Transactions)
	}

	// A failed payment does not block a new attempt.
	e.prov.authErr = nil
	if _, err := e.p.Create(ctx, settlement.CreateRequest{BuyerID: "buyer", ListingID: "game"}); err != nil {
		t.Fatalf("retry after decline: %v", err)
	}
}

func TestCreate_SplitConservesAmount(t *testing.T) {
	e := newEnv(t)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("g%d", i)
		price := decimal.New(rng.Int63n(999_999)+1, -2)
		bid := decimal.New(rng.Int63n(9501)+500, -2)
		e.seedListing(t, id, price.String(), bid.String(), true)

		pay := e.create(t, "buyer", id)
		if !pay.PlatformFee.Add(pay.SellerAmount).Equal(pay.Amount) {
			t.Fatalf("%s: %s + %s != %s", id, pay.PlatformFee, pay.SellerAmount, pay.Amount)
		}
	}
}

// --- Confirm / Fail ---

func TestConfirm_CompletesAndAppliesSideEffects(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pay := e.completed(t)

	if pay.Status != model.PaymentCompleted || !pay.PlatformFeePaid || pay.CompletedAt == nil {
		t.Fatalf("unexpected payment: %+v", pay)
	}
	if countTx(pay, model.TxPurchase) != 1 || countTx(pay, model.TxPlatformFee) != 1 {
		t.Errorf("unexpected ledger: %+v", pay.Transactions)
	}
	if pay.ProviderSaleID != "SALE-1" {
		t.Errorf("sale id = %q", pay.ProviderSaleID)
	}

	l, _ := e.ms.GetListing(ctx, "game")
	if l.TotalSales != 1 {
		t.Errorf("total_sales = %d, want 1", l.TotalSales)
	}
	seller, _ := e.ms.GetAccount(ctx, "seller")
	if !seller.TotalSales.Equal(d("19.99")) {
		t.Errorf("seller revenue = %s, want 19.99", seller.TotalSales)
	}
	if e.inbox.count("seller", model.NotifySale) != 1 || e.inbox.count("buyer", model.NotifyPurchase) != 1 {
		t.Errorf("unexpected notifications: %+v", e.inbox.notes)
	}
	if got := e.p.State(pay); got != model.StateCompleted {
		t.Errorf("state = %s, want Completed", got)
	}
}

func TestConfirm_Idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pay := e.completed(t)

	again, err := e.p.Confirm(ctx, pay.ProviderPaymentID, "SALE-1", "PAYER-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Transactions) != 2 {
		t.Errorf("duplicate confirm changed ledger: %d rows", len(again.Transactions))
	}
	l, _ := e.ms.GetListing(ctx, "game")
	if l.TotalSales != 1 {
		t.Errorf("total_sales = %d after duplicate confirm", l.TotalSales)
	}
}

func TestConfirm_ConcurrentAppliesOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pay := e.create(t, "buyer", "game")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.p.Confirm(ctx, pay.ProviderPaymentID, "SALE-1", "PAYER-1"); err != nil {
				t.Errorf("confirm: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := e.p.Get(ctx, pay.ID)
	if len(got.Transactions) != 2 {
		t.Errorf("expected 2 ledger rows, got %d", len(got.Transactions))
	}
	l, _ := e.ms.GetListing(ctx, "game")
	if l.TotalSales != 1 {
		t.Errorf("total_sales = %d, want 1", l.TotalSales)
	}
}

func TestConfirm_FailedPaymentIsAuditedNotReturned(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pay := e.create(t, "buyer", "game")
	if _, err := e.p.Fail(ctx, pay.ProviderPaymentID, "Payment cancelled"); err != nil {
		t.Fatal(err)
	}

	got, err := e.p.Confirm(ctx, pay.ProviderPaymentID, "SALE-1", "PAYER-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.Status != model.PaymentFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	entries, _ := e.ms.ListAuditEntries(ctx, pay.ID)
	if len(entries) != 1 || entries[0].Changes["event"] != "consistency_error" {
		t.Errorf("expected a consistency audit entry, got %+v", entries)
	}
}

func TestConfirm_UnknownReference(t *testing.T) {
	e := newEnv(t)
	_, err := e.p.Confirm(context.Background(), "PAY-nope", "S", "P")
	if !errors.Is(err, settlement.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestFail_CompletedPaymentIsConsistencyError(t *testing.T) {
	e := newEnv(t)
	pay := e.completed(t)

	_, err := e.p.Fail(context.Background(), pay.ProviderPaymentID, "Payment reversed")
	if !errors.Is(err, settlement.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
}

// --- Payouts ---

func TestSettlePayouts_RespectsHoldingPeriod(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.completed(t)

	rep, _ := e.p.SettlePayouts(ctx)
	if rep.Eligible != 0 {
		t.Fatalf("payout before holding period: %+v", rep)
	}

	e.clock.Advance(25 * time.Hour)
	rep, err := e.p.SettlePayouts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Paid != 1 {
		t.Fatalf("expected 1 payout, got %+v", rep)
	}

	rep, _ = e.p.SettlePayouts(ctx)
	if rep.Eligible != 0 {
		t.Errorf("second run found eligible payments: %+v", rep)
	}
}

func TestSettlePayouts_ConcurrentRunsPayOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pay := e.completed(t)
	e.clock.Advance(48 * time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.p.SettlePayouts(ctx)
		}()
	}
	wg.Wait()

	got, _ := e.p.Get(ctx, pay.ID)
	if !got.SellerPaid {
		t.Fatal("expected seller to be paid")
	}
	if n := countTx(got, model.TxSellerPayment); n != 1 {
		t.Fatalf("expected 1 seller_payment row, got %d", n)
	}
	e.prov.mu.Lock()
	defer e.prov.mu.Unlock()
	if len(e.prov.payouts) != 1 {
		t.Errorf("expected a single sender id, got %v", e.prov.payouts)
	}
	if _, ok := e.prov.payouts[settlement.PayoutSenderID(pay.ID)]; !ok {
		t.Errorf("sender id not derived from payment id: %v", e.prov.payouts)
	}
	if e.p.State(got) != model.StatePayoutCompleted {
		t.Errorf("state = %s", e.p.State(got))
	}
}

func TestSettlePayouts_FailureIsAuditedAndRetried(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pay := e.completed(t)
	e.clock.Advance(48 * time.Hour)
	e.prov.payoutErr = fmt.Errorf("%w: status 500", provider.ErrTransient)

	rep, _ := e.p.SettlePayouts(ctx)
	if rep.Errors != 1 || rep.Paid != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	got, _ := e.p.Get(ctx, pay.ID)
	if got.SellerPaid || e.p.State(got) != model.StatePayoutPending {
		t.Errorf("payment changed by failed payout: %+v", got)
	}
	entries, _ := e.ms.ListAuditEntries(ctx, pay.ID)
	if len(entries) == 0 {
		t.Error("expected payout failure in audit log")
	}

	e.prov.payoutErr = nil
	rep, _ = e.p.SettlePayouts(ctx)
	if rep.Paid != 1 {
		t.Errorf("retry did not pay: %+v", rep)
	}
}

func TestSettlePayouts_StopsOnCancel(t *testing.T) {
	e := newEnv(t)
	e.completed(t)
	e.clock.Advance(48 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.p.SettlePayouts(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// --- Refund ---

func TestRefund_CompletedUnpaid(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pay := e.completed(t)

	got, err := e.p.Refund(ctx, "staff", pay.ID, "Customer request")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.PaymentRefunded || countTx(got, model.TxRefund) != 1 {
		t.Errorf("unexpected refunded payment: %+v", got)
	}

	e.clock.Advance(48 * time.Hour)
	rep, _ := e.p.SettlePayouts(ctx)
	if rep.Eligible != 0 {
		t.Error("refunded payment must not be paid out")
	}
}

func TestRefund_AfterPayoutIsConsistencyError(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pay := e.completed(t)
	e.clock.Advance(48 * time.Hour)
	e.p.SettlePayouts(ctx)

	_, err := e.p.Refund(ctx, "staff", pay.ID, "too late")
	if !errors.Is(err, settlement.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
}

func TestReverse_CompletedUnpaidIsRefunded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pay := e.completed(t)

	got, err := e.p.Reverse(ctx, pay.ProviderPaymentID, "Provider event PAYMENT.SALE.REVERSED")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.PaymentRefunded || got.SellerPaid || countTx(got, model.TxRefund) != 1 {
		t.Errorf("unexpected reversed payment: %+v", got)
	}

	e.clock.Advance(48 * time.Hour)
	rep, _ := e.p.SettlePayouts(ctx)
	if rep.Eligible != 0 {
		t.Error("reversed payment must not be paid out")
	}
	e.prov.mu.Lock()
	defer e.prov.mu.Unlock()
	if len(e.prov.payouts) != 0 {
		t.Errorf("seller paid for a reversed sale: %v", e.prov.payouts)
	}
}

func TestReverse_RefundedIsNoOp(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pay := e.completed(t)

	for i := 0; i < 2; i++ {
		if _, err := e.p.Reverse(ctx, pay.ProviderPaymentID, "reversed"); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	got, _ := e.p.Get(ctx, pay.ID)
	if countTx(got, model.TxRefund) != 1 {
		t.Errorf("expected one refund entry, got %d", countTx(got, model.TxRefund))
	}
}

func TestReverse_PendingFails(t *testing.T) {
	e := newEnv(t)
	pay := e.create(t, "buyer", "game")

	got, err := e.p.Reverse(context.Background(), pay.ProviderPaymentID, "reversed")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.PaymentFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestReverse_AfterPayoutIsConsistencyError(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pay := e.completed(t)
	e.clock.Advance(48 * time.Hour)
	e.p.SettlePayouts(ctx)

	got, err := e.p.Reverse(ctx, pay.ProviderPaymentID, "reversed")
	if !errors.Is(err, settlement.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	if got.Status != model.PaymentCompleted || !got.SellerPaid {
		t.Errorf("paid-out payment changed: %s paid=%v", got.Status, got.SellerPaid)
	}
}

// --- Sweeps ---

func TestSweepPending_FollowsProviderState(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedListing(t, "g2", "5.00", "10", true)
	e.seedListing(t, "g3", "7.00", "10", true)

	approved := e.create(t, "buyer", "game")
	expired := e.create(t, "buyer", "g2")
	waiting := e.create(t, "buyer", "g3")
	e.prov.setState(approved.ProviderPaymentID, provider.StateApproved)
	e.prov.setState(expired.ProviderPaymentID, provider.StateExpired)

	rep, err := e.p.SweepPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Completed != 1 || rep.Failed != 1 || rep.Checked != 3 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	for id, want := range map[string]model.PaymentStatus{
		approved.ID: model.PaymentCompleted,
		expired.ID:  model.PaymentFailed,
		waiting.ID:  model.PaymentPending,
	} {
		got, _ := e.p.Get(ctx, id)
		if got.Status != want {
			t.Errorf("%s: status %s, want %s", id, got.Status, want)
		}
	}
}

func TestSweepPending_TransientLookupDefers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pay := e.create(t, "buyer", "game")
	e.prov.lookupErr = fmt.Errorf("%w: timeout", provider.ErrTransient)

	rep, _ := e.p.SweepPending(ctx)
	if rep.Deferred != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	got, _ := e.p.Get(ctx, pay.ID)
	if got.Status != model.PaymentPending {
		t.Errorf("status = %s", got.Status)
	}
	entries, _ := e.ms.ListAuditEntries(ctx, pay.ID)
	if len(entries) != 0 {
		t.Error("transient failures must not be audited")
	}
}

func TestExpireAbandoned(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	old := e.create(t, "buyer", "game")
	e.clock.Advance(25 * time.Hour)
	e.seedListing(t, "fresh", "5.00", "10", true)
	fresh := e.create(t, "buyer", "fresh")

	n, err := e.p.ExpireAbandoned(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}
	if got, _ := e.p.Get(ctx, old.ID); got.Status != model.PaymentFailed {
		t.Errorf("old payment status %s", got.Status)
	}
	if got, _ := e.p.Get(ctx, fresh.ID); got.Status != model.PaymentPending {
		t.Errorf("fresh payment status %s", got.Status)
	}
}

// --- Statistics ---

func TestStatistics(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.completed(t)
	e.seedListing(t, "g2", "10.00", "10", true)
	e.create(t, "buyer", "g2")

	st, err := e.p.Statistics(ctx, "buyer")
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalPayments != 1 || !st.TotalRevenue.Equal(d("19.99")) {
		t.Errorf("unexpected totals: %+v", st)
	}
	if !st.PaymentSuccessRate.Equal(d("50")) {
		t.Errorf("success rate = %s, want 50", st.PaymentSuccessRate)
	}
	if !st.AverageTransactionValue.Equal(d("19.99")) {
		t.Errorf("average = %s", st.AverageTransactionValue)
	}
	if st.StatusDistribution["completed"] != 1 || st.StatusDistribution["pending"] != 1 {
		t.Errorf("distribution = %v", st.StatusDistribution)
	}
	if st.DailyTransactions["2025-03-01"] != 1 {
		t.Errorf("daily = %v", st.DailyTransactions)
	}
}
