package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/samma/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex serialises writers, so CreatePayment and TransitionPayment
// are atomic in the same way the PostgreSQL implementation is.
type MemoryStore struct {
	mu            sync.RWMutex
	listings      map[string]*model.Listing
	comments      []model.Comment
	accounts      map[string]*model.Account
	payments      map[string]*model.Payment
	transactions  []model.Transaction
	notifications []model.Notification
	audit         []model.AuditEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[string]*model.Listing),
		accounts: make(map[string]*model.Account),
		payments: make(map[string]*model.Payment),
	}
}

// --- Listings ---

func (s *MemoryStore) CreateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[l.ID]; ok {
		return fmt.Errorf("listing %s: %w", l.ID, ErrConflict)
	}
	for _, existing := range s.listings {
		if existing.Slug == l.Slug {
			return fmt.Errorf("listing slug %q: %w", l.Slug, ErrConflict)
		}
	}

	c := cloneListing(l)
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	s.listings[l.ID] = c
	return nil
}

func (s *MemoryStore) GetListing(_ context.Context, id string) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	return cloneListing(l), nil
}

func (s *MemoryStore) ListListings(_ context.Context, q ListingQuery) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(q.Search)
	var out []model.Listing
	for _, l := range s.listings {
		switch {
		case q.RankableOnly && !l.Rankable():
			continue
		case q.SellerID != "" && l.SellerID != q.SellerID:
			continue
		case q.CategoryID != "" && l.CategoryID != q.CategoryID:
			continue
		case q.Tag != "" && !slices.Contains(l.Tags, q.Tag):
			continue
		case search != "" &&
			!strings.Contains(strings.ToLower(l.Title), search) &&
			!strings.Contains(strings.ToLower(l.Description), search):
			continue
		}
		out = append(out, *cloneListing(l))
	}

	sort.SliceStable(out, listingLess(out, q.OrderBy))
	return page(out, q.Offset, q.Limit), nil
}

func (s *MemoryStore) UpdateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.listings[l.ID]
	if !ok {
		return fmt.Errorf("listing %s: %w", l.ID, ErrNotFound)
	}
	for id, other := range s.listings {
		if id != l.ID && other.Slug == l.Slug {
			return fmt.Errorf("listing slug %q: %w", l.Slug, ErrConflict)
		}
	}

	existing.Title = l.Title
	existing.Slug = l.Slug
	existing.Description = l.Description
	existing.CategoryID = l.CategoryID
	existing.Tags = slices.Clone(l.Tags)
	existing.Price = l.Price
	existing.BidPercentage = l.BidPercentage
	existing.IsActive = l.IsActive
	existing.IsApproved = l.IsApproved
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateListingScore(_ context.Context, id string, score decimal.Decimal, from ScoreInputs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	if !l.BidPercentage.Equal(from.BidPercentage) || !l.Rating.Equal(from.Rating) {
		return fmt.Errorf("listing %s score inputs: %w", id, ErrStaleState)
	}
	l.AdScore = score
	return nil
}

func (s *MemoryStore) UpdateListingRating(_ context.Context, id string, rating decimal.Decimal, totalRatings int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	l.Rating = rating
	l.TotalRatings = totalRatings
	return nil
}

func (s *MemoryStore) IncrementListingSales(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	l.TotalSales++
	return nil
}

func (s *MemoryStore) DeactivateStaleListings(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, l := range s.listings {
		if l.IsActive && l.TotalSales == 0 && l.UpdatedAt.Before(before) {
			l.IsActive = false
			n++
		}
	}
	return n, nil
}

// --- Comments ---

func (s *MemoryStore) CreateComment(_ context.Context, c *model.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[c.ListingID]; !ok {
		return fmt.Errorf("listing %s: %w", c.ListingID, ErrNotFound)
	}
	cp := *c
	if c.Rating != nil {
		r := *c.Rating
		cp.Rating = &r
	}
	s.comments = append(s.comments, cp)
	return nil
}

func (s *MemoryStore) ListComments(_ context.Context, listingID string) ([]model.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Comment
	for _, c := range s.comments {
		if c.ListingID == listingID && c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) CommentStats(_ context.Context, listingID string) (CommentStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st CommentStats
	for _, c := range s.comments {
		if c.ListingID != listingID || !c.IsActive {
			continue
		}
		st.Count++
		if c.Rating != nil {
			st.RatingCount++
			st.RatingSum += *c.Rating
		}
	}
	return st, nil
}

// --- Accounts ---

func (s *MemoryStore) UpsertAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) AddSellerRevenue(_ context.Context, id string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	a.TotalSales = a.TotalSales.Add(amount)
	return nil
}

// --- Payments ---

func (s *MemoryStore) CreatePayment(_ context.Context, p *model.Payment) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.payments {
		if existing.BuyerID == p.BuyerID && existing.ListingID == p.ListingID &&
			existing.Status != model.PaymentFailed {
			return s.clonePayment(existing), ErrDuplicatePayment
		}
	}
	if p.ProviderPaymentID != "" {
		if _, ok := s.byProviderRef(p.ProviderPaymentID); ok {
			return nil, fmt.Errorf("provider ref %s: %w", p.ProviderPaymentID, ErrConflict)
		}
	}

	cp := *p
	cp.Transactions = nil
	s.payments[p.ID] = &cp
	return s.clonePayment(&cp), nil
}

func (s *MemoryStore) GetPayment(_ context.Context, id string) (*model.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return s.clonePayment(p), nil
}

func (s *MemoryStore) GetPaymentByProviderRef(_ context.Context, ref string) (*model.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.byProviderRef(ref)
	if !ok {
		return nil, fmt.Errorf("payment with provider ref %s: %w", ref, ErrNotFound)
	}
	return s.clonePayment(p), nil
}

func (s *MemoryStore) ListPayments(_ context.Context, q PaymentQuery) ([]model.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Payment
	for _, p := range s.payments {
		if matchPayment(p, q) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, 0, q.Limit), nil
}

func (s *MemoryStore) SetProviderRef(_ context.Context, id, ref, approvalURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if p.Status != model.PaymentPending || p.ProviderPaymentID != "" {
		return fmt.Errorf("payment %s: %w", id, ErrStaleState)
	}
	if other, ok := s.byProviderRef(ref); ok && other.ID != id {
		return fmt.Errorf("provider ref %s: %w", ref, ErrConflict)
	}
	p.ProviderPaymentID = ref
	p.ApprovalURL = approvalURL
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) TransitionPayment(_ context.Context, id string, t Transition) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if p.Status != t.From || (t.RequireSellerUnpaid && p.SellerPaid) {
		return nil, fmt.Errorf("payment %s is %s: %w", id, p.Status, ErrStaleState)
	}

	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	p.Status = t.To
	p.UpdatedAt = at
	if t.MarkPlatformFeePaid {
		p.PlatformFeePaid = true
	}
	if t.MarkSellerPaid {
		p.SellerPaid = true
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		p.CompletedAt = &ts
	}
	if t.ProviderSaleID != "" {
		p.ProviderSaleID = t.ProviderSaleID
	}
	if t.ProviderPayerID != "" {
		p.ProviderPayerID = t.ProviderPayerID
	}
	for _, tx := range t.Append {
		tx.PaymentID = id
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = at
		}
		s.transactions = append(s.transactions, tx)
	}
	return s.clonePayment(p), nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, paymentID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.transactionsOf(paymentID), nil
}

// --- Notifications ---

func (s *MemoryStore) InsertNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *n
	cp.Data = maps.Clone(n.Data)
	s.notifications = append(s.notifications, cp)
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, userID string, limit int) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Notification
	for i := len(s.notifications) - 1; i >= 0; i-- {
		if s.notifications[i].UserID == userID {
			out = append(out, s.notifications[i])
		}
	}
	return page(out, 0, limit), nil
}

func (s *MemoryStore) DeleteReadNotificationsBefore(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.notifications)
	s.notifications = slices.DeleteFunc(s.notifications, func(x model.Notification) bool {
		return x.IsRead && x.CreatedAt.Before(before)
	})
	return n - len(s.notifications), nil
}

// --- Audit ---

func (s *MemoryStore) InsertAuditEntry(_ context.Context, e *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	cp.Changes = maps.Clone(e.Changes)
	s.audit = append(s.audit, cp)
	return nil
}

func (s *MemoryStore) ListAuditEntries(_ context.Context, objectID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AuditEntry
	for _, e := range s.audit {
		if objectID == "" || e.ObjectID == objectID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteAuditEntriesBefore(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.audit)
	s.audit = slices.DeleteFunc(s.audit, func(e model.AuditEntry) bool {
		return e.CreatedAt.Before(before)
	})
	return n - len(s.audit), nil
}

// --- helpers (callers hold s.mu) ---

func (s *MemoryStore) byProviderRef(ref string) (*model.Payment, bool) {
	for _, p := range s.payments {
		if p.ProviderPaymentID == ref {
			return p, true
		}
	}
	return nil, false
}

func (s *MemoryStore) transactionsOf(paymentID string) []model.Transaction {
	var out []model.Transaction
	for _, tx := range s.transactions {
		if tx.PaymentID == paymentID {
			out = append(out, tx)
		}
	}
	return out
}

func (s *MemoryStore) clonePayment(p *model.Payment) *model.Payment {
	cp := *p
	if p.CompletedAt != nil {
		ts := *p.CompletedAt
		cp.CompletedAt = &ts
	}
	cp.Transactions = s.transactionsOf(p.ID)
	return &cp
}

func cloneListing(l *model.Listing) *model.Listing {
	cp := *l
	cp.Tags = slices.Clone(l.Tags)
	return &cp
}

func matchPayment(p *model.Payment, q PaymentQuery) bool {
	if q.UserID != "" {
		switch q.Role {
		case "buyer":
			if p.BuyerID != q.UserID {
				return false
			}
		case "seller":
			if p.SellerID != q.UserID {
				return false
			}
		default:
			if p.BuyerID != q.UserID && p.SellerID != q.UserID {
				return false
			}
		}
	}
	if q.Status != "" && p.Status != q.Status {
		return false
	}
	if !q.CreatedAfter.IsZero() && p.CreatedAt.Before(q.CreatedAfter) {
		return false
	}
	if !q.CreatedBefore.IsZero() && !p.CreatedAt.Before(q.CreatedBefore) {
		return false
	}
	if !q.CompletedBefore.IsZero() && (p.CompletedAt == nil || p.CompletedAt.After(q.CompletedBefore)) {
		return false
	}
	if q.SellerPaid != nil && p.SellerPaid != *q.SellerPaid {
		return false
	}
	return true
}

func listingLess(ls []model.Listing, orderBy string) func(i, j int) bool {
	switch orderBy {
	case "-created_at":
		return func(i, j int) bool { return ls[i].CreatedAt.After(ls[j].CreatedAt) }
	case "created_at":
		return func(i, j int) bool { return ls[i].CreatedAt.Before(ls[j].CreatedAt) }
	case "price":
		return func(i, j int) bool { return ls[i].Price.LessThan(ls[j].Price) }
	case "-price":
		return func(i, j int) bool { return ls[i].Price.GreaterThan(ls[j].Price) }
	case "-rating":
		return func(i, j int) bool { return ls[i].Rating.GreaterThan(ls[j].Rating) }
	case "-total_sales":
		return func(i, j int) bool { return ls[i].TotalSales > ls[j].TotalSales }
	default:
		return func(i, j int) bool {
			if !ls[i].AdScore.Equal(ls[j].AdScore) {
				return ls[i].AdScore.GreaterThan(ls[j].AdScore)
			}
			return ls[i].CreatedAt.After(ls[j].CreatedAt)
		}
	}
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
