// Package model defines the core domain types shared across the marketplace
// engine. All monetary values use shopspring/decimal, never float64 for money.
//
// JSON names follow the public API that existing clients already consume.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Listing is a game offered for sale by its seller.
// AdScore is derived by the ranking engine and is never accepted from clients.
type Listing struct {
	ID            string          `json:"id" db:"id"`
	SellerID      string          `json:"seller" db:"seller_id"`
	Title         string          `json:"title" db:"title"`
	Slug          string          `json:"slug" db:"slug"`
	Description   string          `json:"description" db:"description"`
	CategoryID    string          `json:"category,omitempty" db:"category_id"`
	Tags          []string        `json:"tags" db:"tags"`
	Price         decimal.Decimal `json:"price" db:"price"`
	BidPercentage decimal.Decimal `json:"bid_percentage" db:"bid_percentage"`
	Rating        decimal.Decimal `json:"rating" db:"rating"` // 0-10, one decimal
	TotalRatings  int             `json:"total_ratings" db:"total_ratings"`
	TotalSales    int             `json:"total_sales" db:"total_sales"`
	AdScore       decimal.Decimal `json:"ad_score" db:"ad_score"`
	IsActive      bool            `json:"is_active" db:"is_active"`
	IsApproved    bool            `json:"is_approved" db:"is_approved"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Rankable reports whether the listing takes part in ad ranking and can be bought.
func (l *Listing) Rankable() bool {
	return l.IsActive && l.IsApproved
}

// Comment is a user comment on a listing, optionally carrying a 1-10 rating.
type Comment struct {
	ID        string    `json:"id" db:"id"`
	ListingID string    `json:"game" db:"listing_id"`
	UserID    string    `json:"user" db:"user_id"`
	Content   string    `json:"content" db:"content"`
	Rating    *int      `json:"rating,omitempty" db:"rating"`
	ParentID  string    `json:"parent,omitempty" db:"parent_id"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Account is the slice of a user profile the engine needs: payout address,
// staff flag and cumulative seller revenue.
type Account struct {
	ID          string          `json:"id" db:"id"`
	Username    string          `json:"username" db:"username"`
	Email       string          `json:"email" db:"email"`
	PayPalEmail string          `json:"paypal_email" db:"paypal_email"`
	IsStaff     bool            `json:"is_staff" db:"is_staff"`
	TotalSales  decimal.Decimal `json:"total_sales" db:"total_sales"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// PaymentStatus is the persisted status of a Payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Valid reports whether s is one of the known statuses.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// SettlementState is the position of a payment in the settlement workflow.
// It is derived from status, the seller-paid flag and the holding window.
type SettlementState string

const (
	StatePending         SettlementState = "Pending"
	StateCompleted       SettlementState = "Completed"
	StatePayoutPending   SettlementState = "PayoutPending"
	StatePayoutCompleted SettlementState = "PayoutCompleted"
	StateFailed          SettlementState = "Failed"
	StateRefunded        SettlementState = "Refunded"
)

// Payment is a buyer's purchase of one listing. PlatformFee and SellerAmount
// are fixed at creation; PlatformFee + SellerAmount == Amount.
type Payment struct {
	ID                string          `json:"id" db:"id"`
	BuyerID           string          `json:"buyer" db:"buyer_id"`
	SellerID          string          `json:"seller" db:"seller_id"`
	ListingID         string          `json:"game" db:"listing_id"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	PlatformFee       decimal.Decimal `json:"platform_fee" db:"platform_fee"`
	SellerAmount      decimal.Decimal `json:"seller_amount" db:"seller_amount"`
	Currency          string          `json:"currency" db:"currency"`
	ProviderPaymentID string          `json:"paypal_payment_id" db:"provider_payment_id"`
	ProviderSaleID    string          `json:"paypal_transaction_id" db:"provider_sale_id"`
	ProviderPayerID   string          `json:"paypal_payer_id" db:"provider_payer_id"`
	ApprovalURL       string          `json:"approval_url,omitempty" db:"approval_url"`
	IdempotencyKey    string          `json:"-" db:"idempotency_key"`
	Status            PaymentStatus   `json:"status" db:"status"`
	PlatformFeePaid   bool            `json:"is_platform_fee_paid" db:"platform_fee_paid"`
	SellerPaid        bool            `json:"is_seller_paid" db:"seller_paid"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at" db:"completed_at"`
	Transactions      []Transaction   `json:"transactions,omitempty" db:"-"`
}

// State derives the settlement state at time now given the payout holding window.
func (p *Payment) State(now time.Time, holding time.Duration) SettlementState {
	switch p.Status {
	case PaymentPending:
		return StatePending
	case PaymentFailed:
		return StateFailed
	case PaymentRefunded:
		return StateRefunded
	}
	if p.SellerPaid {
		return StatePayoutCompleted
	}
	if p.CompletedAt != nil && !p.CompletedAt.Add(holding).After(now) {
		return StatePayoutPending
	}
	return StateCompleted
}

// TransactionType classifies ledger entries.
type TransactionType string

const (
	TxPurchase      TransactionType = "purchase"
	TxRefund        TransactionType = "refund"
	TxPlatformFee   TransactionType = "platform_fee"
	TxSellerPayment TransactionType = "seller_payment"
)

// Transaction is an immutable ledger entry owned by one Payment.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID          string          `json:"id" db:"id"`
	PaymentID   string          `json:"payment" db:"payment_id"`
	Type        TransactionType `json:"transaction_type" db:"transaction_type"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	ExternalRef string          `json:"paypal_transaction_id" db:"external_ref"`
	Status      PaymentStatus   `json:"status" db:"status"`
	Notes       string          `json:"notes" db:"notes"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// NotificationType classifies in-app notifications.
type NotificationType string

const (
	NotifyPurchase NotificationType = "purchase"
	NotifySale     NotificationType = "sale"
	NotifyComment  NotificationType = "comment"
	NotifyRating   NotificationType = "rating"
	NotifySystem   NotificationType = "system"
)

// Notification is a message addressed to one user.
type Notification struct {
	ID        string            `json:"id" db:"id"`
	UserID    string            `json:"user" db:"user_id"`
	Type      NotificationType  `json:"notification_type" db:"notification_type"`
	Title     string            `json:"title" db:"title"`
	Message   string            `json:"message" db:"message"`
	Data      map[string]string `json:"data" db:"data"`
	IsRead    bool              `json:"is_read" db:"is_read"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// AuditAction classifies audit log entries.
type AuditAction string

const (
	AuditCreate  AuditAction = "create"
	AuditUpdate  AuditAction = "update"
	AuditDelete  AuditAction = "delete"
	AuditPayment AuditAction = "payment"
	AuditOther   AuditAction = "other"
)

// AuditEntry records an operator-relevant event. Append-only.
type AuditEntry struct {
	ID         string         `json:"id" db:"id"`
	UserID     string         `json:"user,omitempty" db:"user_id"`
	Action     AuditAction    `json:"action" db:"action"`
	ModelName  string         `json:"model_name" db:"model_name"`
	ObjectID   string         `json:"object_id" db:"object_id"`
	ObjectRepr string         `json:"object_repr" db:"object_repr"`
	Changes    map[string]any `json:"changes" db:"changes"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// PaymentStatistics aggregates a user's payments as buyer or seller.
type PaymentStatistics struct {
	TotalPayments           int             `json:"total_payments"`
	TotalRevenue            decimal.Decimal `json:"total_revenue"`
	TotalPlatformFees       decimal.Decimal `json:"total_platform_fees"`
	TotalSellerEarnings     decimal.Decimal `json:"total_seller_earnings"`
	PaymentSuccessRate      decimal.Decimal `json:"payment_success_rate"`
	AverageTransactionValue decimal.Decimal `json:"average_transaction_value"`
	DailyTransactions       map[string]int  `json:"daily_transactions"`
	StatusDistribution      map[string]int  `json:"payment_status_distribution"`
}
