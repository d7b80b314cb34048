// Package store defines the persistence interface for the marketplace engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for listings), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/samma/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a uniqueness constraint rejects a write.
	ErrConflict = errors.New("store: conflict")

	// ErrDuplicatePayment is returned by CreatePayment when the buyer already
	// holds a non-failed payment for the listing. The existing payment is
	// returned alongside the error.
	ErrDuplicatePayment = errors.New("store: non-failed payment already exists for buyer and listing")

	// ErrStaleState is returned by conditional writes (TransitionPayment,
	// SetProviderRef, UpdateListingScore) when the record no longer matches
	// the state the caller read.
	ErrStaleState = errors.New("store: record changed concurrently")
)

// ScoreInputs are the listing fields an ad score was computed from.
type ScoreInputs struct {
	BidPercentage decimal.Decimal
	Rating        decimal.Decimal
}

// ListingQuery selects listings. Zero values mean "no filter".
type ListingQuery struct {
	SellerID     string
	CategoryID   string
	Tag          string
	Search       string // case-insensitive match on title or description
	RankableOnly bool   // active and approved
	OrderBy      string // see ListingOrderings; default "-ad_score"
	Limit        int
	Offset       int
}

// ListingOrderings are the accepted values for ListingQuery.OrderBy.
var ListingOrderings = map[string]bool{
	"-ad_score":    true,
	"-created_at":  true,
	"created_at":   true,
	"price":        true,
	"-price":       true,
	"-rating":      true,
	"-total_sales": true,
}

// PaymentQuery selects payments. Zero values mean "no filter".
type PaymentQuery struct {
	UserID          string // buyer or seller, narrowed by Role
	Role            string // "buyer", "seller" or "" for either
	Status          model.PaymentStatus
	CreatedAfter    time.Time
	CreatedBefore   time.Time
	CompletedBefore time.Time
	SellerPaid      *bool
	Limit           int
}

// CommentStats summarises the active comments of one listing.
type CommentStats struct {
	Count       int // all active comments
	RatingCount int // active comments carrying a rating
	RatingSum   int
}

// Transition is an atomic conditional update of one payment. It applies only
// if the payment's status equals From (and, with RequireSellerUnpaid, the
// seller has not been paid yet). Append is written in the same unit of work.
type Transition struct {
	From                model.PaymentStatus
	To                  model.PaymentStatus
	RequireSellerUnpaid bool
	MarkPlatformFeePaid bool
	MarkSellerPaid      bool
	CompletedAt         *time.Time
	ProviderSaleID      string
	ProviderPayerID     string
	Append              []model.Transaction
	At                  time.Time
}

// ListingStore persists listings. AdScore, Rating and TotalSales are only
// changed through their dedicated methods.
type ListingStore interface {
	CreateListing(ctx context.Context, l *model.Listing) error
	GetListing(ctx context.Context, id string) (*model.Listing, error)
	ListListings(ctx context.Context, q ListingQuery) ([]model.Listing, error)

	// UpdateListing writes the seller-editable fields.
	UpdateListing(ctx context.Context, l *model.Listing) error

	// UpdateListingScore stores score only while the listing's bid and
	// rating still equal from; otherwise it returns ErrStaleState.
	UpdateListingScore(ctx context.Context, id string, score decimal.Decimal, from ScoreInputs) error
	UpdateListingRating(ctx context.Context, id string, rating decimal.Decimal, totalRatings int) error
	IncrementListingSales(ctx context.Context, id string) error

	// DeactivateStaleListings deactivates active listings without sales that
	// were last updated before the cutoff.
	DeactivateStaleListings(ctx context.Context, before time.Time) (int, error)
}

// CommentStore persists listing comments.
type CommentStore interface {
	CreateComment(ctx context.Context, c *model.Comment) error
	ListComments(ctx context.Context, listingID string) ([]model.Comment, error)
	CommentStats(ctx context.Context, listingID string) (CommentStats, error)
}

// AccountStore persists the account data the engine depends on.
type AccountStore interface {
	UpsertAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	AddSellerRevenue(ctx context.Context, id string, amount decimal.Decimal) error
}

// PaymentStore persists payments and their append-only ledger.
type PaymentStore interface {
	// CreatePayment inserts p unless the buyer already holds a non-failed
	// payment for the listing, in which case it returns that payment and
	// ErrDuplicatePayment. The check and insert are atomic.
	CreatePayment(ctx context.Context, p *model.Payment) (*model.Payment, error)

	GetPayment(ctx context.Context, id string) (*model.Payment, error)
	GetPaymentByProviderRef(ctx context.Context, ref string) (*model.Payment, error)
	ListPayments(ctx context.Context, q PaymentQuery) ([]model.Payment, error)

	// SetProviderRef attaches the provider's payment reference to a pending
	// payment that has none yet.
	SetProviderRef(ctx context.Context, id, ref, approvalURL string) error

	TransitionPayment(ctx context.Context, id string, t Transition) (*model.Payment, error)
	ListTransactions(ctx context.Context, paymentID string) ([]model.Transaction, error)
}

// NotificationStore persists in-app notifications.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n *model.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error)
	DeleteReadNotificationsBefore(ctx context.Context, before time.Time) (int, error)
}

// AuditStore persists the audit trail.
type AuditStore interface {
	InsertAuditEntry(ctx context.Context, e *model.AuditEntry) error
	ListAuditEntries(ctx context.Context, objectID string) ([]model.AuditEntry, error)
	DeleteAuditEntriesBefore(ctx context.Context, before time.Time) (int, error)
}

// Store is the full persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for listings.
type Store interface {
	ListingStore
	CommentStore
	AccountStore
	PaymentStore
	NotificationStore
	AuditStore
}
