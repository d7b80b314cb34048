package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/samma/market-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Safe to run on every start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// --- Listings ---

const listingColumns = `id, seller_id, title, slug, description, category_id, tags,
	price::TEXT, bid_percentage::TEXT, rating::TEXT, total_ratings, total_sales,
	ad_score::TEXT, is_active, is_approved, created_at, updated_at`

var listingOrderSQL = map[string]string{
	"-ad_score":    "ad_score DESC, created_at DESC",
	"-created_at":  "created_at DESC",
	"created_at":   "created_at ASC",
	"price":        "price ASC, created_at DESC",
	"-price":       "price DESC, created_at DESC",
	"-rating":      "rating DESC, created_at DESC",
	"-total_sales": "total_sales DESC, created_at DESC",
}

func (s *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) error {
	updated := l.UpdatedAt
	if updated.IsZero() {
		updated = l.CreatedAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO listings (id, seller_id, title, slug, description, category_id, tags,
		                       price, bid_percentage, rating, total_ratings, total_sales,
		                       ad_score, is_active, is_approved, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12,
		         $13::NUMERIC, $14, $15, $16, $17)`,
		l.ID, l.SellerID, l.Title, l.Slug, l.Description, l.CategoryID, nonNilTags(l.Tags),
		l.Price.String(), l.BidPercentage.String(), l.Rating.String(), l.TotalRatings, l.TotalSales,
		l.AdScore.String(), l.IsActive, l.IsApproved, l.CreatedAt, updated,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("listing slug %q: %w", l.Slug, ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}
	return l, nil
}

func (s *PostgresStore) ListListings(ctx context.Context, q ListingQuery) ([]model.Listing, error) {
	where, args := "TRUE", []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		where += fmt.Sprintf(" AND "+cond, len(args))
	}
	if q.RankableOnly {
		where += " AND is_active AND is_approved"
	}
	if q.SellerID != "" {
		add("seller_id = $%d", q.SellerID)
	}
	if q.CategoryID != "" {
		add("category_id = $%d", q.CategoryID)
	}
	if q.Tag != "" {
		add("$%d = ANY(tags)", q.Tag)
	}
	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		n := len(args)
		where += fmt.Sprintf(" AND (title ILIKE $%d OR description ILIKE $%d)", n, n)
	}

	order, ok := listingOrderSQL[q.OrderBy]
	if !ok {
		order = listingOrderSQL["-ad_score"]
	}
	sql := `SELECT ` + listingColumns + ` FROM listings WHERE ` + where + ` ORDER BY ` + order
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) UpdateListing(ctx context.Context, l *model.Listing) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings
		 SET title = $2, slug = $3, description = $4, category_id = $5, tags = $6,
		     price = $7::NUMERIC, bid_percentage = $8::NUMERIC,
		     is_active = $9, is_approved = $10, updated_at = NOW()
		 WHERE id = $1`,
		l.ID, l.Title, l.Slug, l.Description, l.CategoryID, nonNilTags(l.Tags),
		l.Price.String(), l.BidPercentage.String(), l.IsActive, l.IsApproved,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("listing slug %q: %w", l.Slug, ErrConflict)
	}
	return affectedOne(tag, err, "listing", l.ID)
}

func (s *PostgresStore) UpdateListingScore(ctx context.Context, id string, score decimal.Decimal, from ScoreInputs) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET ad_score = $2::NUMERIC
		 WHERE id = $1 AND bid_percentage = $3::NUMERIC AND rating = $4::NUMERIC`,
		id, score.String(), from.BidPercentage.String(), from.Rating.String())
	if err != nil {
		return fmt.Errorf("update listing %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM listings WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("listing %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("listing %s score inputs: %w", id, ErrStaleState)
	}
	return nil
}

func (s *PostgresStore) UpdateListingRating(ctx context.Context, id string, rating decimal.Decimal, totalRatings int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET rating = $2::NUMERIC, total_ratings = $3 WHERE id = $1`,
		id, rating.String(), totalRatings)
	return affectedOne(tag, err, "listing", id)
}

func (s *PostgresStore) IncrementListingSales(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET total_sales = total_sales + 1 WHERE id = $1`, id)
	return affectedOne(tag, err, "listing", id)
}

func (s *PostgresStore) DeactivateStaleListings(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET is_active = FALSE
		 WHERE is_active AND total_sales = 0 AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("deactivate stale listings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Comments ---

func (s *PostgresStore) CreateComment(ctx context.Context, c *model.Comment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO comments (id, listing_id, user_id, content, rating, parent_id, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.ListingID, c.UserID, c.Content, c.Rating, c.ParentID, c.IsActive, c.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("listing %s: %w", c.ListingID, ErrNotFound)
	}
	return err
}

func (s *PostgresStore) ListComments(ctx context.Context, listingID string) ([]model.Comment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, listing_id, user_id, content, rating, parent_id, is_active, created_at
		 FROM comments WHERE listing_id = $1 AND is_active ORDER BY created_at`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []model.Comment
	for rows.Next() {
		var c model.Comment
		if err := rows.Scan(&c.ID, &c.ListingID, &c.UserID, &c.Content, &c.Rating,
			&c.ParentID, &c.IsActive, &c.CreatedAt); err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func (s *PostgresStore) CommentStats(ctx context.Context, listingID string) (CommentStats, error) {
	var st CommentStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(rating), COALESCE(SUM(rating), 0)
		 FROM comments WHERE listing_id = $1 AND is_active`, listingID).
		Scan(&st.Count, &st.RatingCount, &st.RatingSum)
	if err != nil {
		return CommentStats{}, fmt.Errorf("comment stats %s: %w", listingID, err)
	}
	return st, nil
}

// --- Accounts ---

func (s *PostgresStore) UpsertAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, username, email, paypal_email, is_staff, total_sales, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET username = EXCLUDED.username, email = EXCLUDED.email,
		     paypal_email = EXCLUDED.paypal_email, is_staff = EXCLUDED.is_staff`,
		a.ID, a.Username, a.Email, a.PayPalEmail, a.IsStaff, a.TotalSales.String(), a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var totalSales string
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, email, paypal_email, is_staff, total_sales::TEXT, created_at
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Username, &a.Email, &a.PayPalEmail, &a.IsStaff, &totalSales, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	a.TotalSales, _ = decimal.NewFromString(totalSales)
	return &a, nil
}

func (s *PostgresStore) AddSellerRevenue(ctx context.Context, id string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET total_sales = total_sales + $2::NUMERIC WHERE id = $1`, id, amount.String())
	return affectedOne(tag, err, "account", id)
}

// --- Payments ---

const paymentColumns = `id, buyer_id, seller_id, listing_id,
	amount::TEXT, platform_fee::TEXT, seller_amount::TEXT, currency,
	provider_payment_id, provider_sale_id, provider_payer_id, approval_url, idempotency_key,
	status, platform_fee_paid, seller_paid, created_at, updated_at, completed_at`

// CreatePayment relies on the partial unique index over (buyer_id, listing_id)
// for non-failed rows. A concurrent loser sees no inserted row and reads the
// winner back.
func (s *PostgresStore) CreatePayment(ctx context.Context, p *model.Payment) (*model.Payment, error) {
	for attempt := 0; attempt < 3; attempt++ {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO payments (id, buyer_id, seller_id, listing_id, amount, platform_fee, seller_amount,
			                       currency, provider_payment_id, approval_url, idempotency_key, status,
			                       created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12, $13, $13)
			 ON CONFLICT (buyer_id, listing_id) WHERE status <> 'failed' DO NOTHING`,
			p.ID, p.BuyerID, p.SellerID, p.ListingID,
			p.Amount.String(), p.PlatformFee.String(), p.SellerAmount.String(),
			p.Currency, p.ProviderPaymentID, p.ApprovalURL, p.IdempotencyKey, p.Status, p.CreatedAt,
		)
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("payment %s: %w", p.ID, ErrConflict)
		}
		if err != nil {
			return nil, fmt.Errorf("insert payment: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return s.GetPayment(ctx, p.ID)
		}

		row := s.pool.QueryRow(ctx,
			`SELECT `+paymentColumns+` FROM payments
			 WHERE buyer_id = $1 AND listing_id = $2 AND status <> 'failed'`, p.BuyerID, p.ListingID)
		existing, err := scanPayment(row)
		if errors.Is(err, pgx.ErrNoRows) {
			// The conflicting row failed in between; try the insert again.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read conflicting payment: %w", err)
		}
		return existing, ErrDuplicatePayment
	}
	return nil, fmt.Errorf("payment for buyer %s listing %s: %w", p.BuyerID, p.ListingID, ErrConflict)
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return s.loadPayment(ctx, row, "payment "+id)
}

func (s *PostgresStore) GetPaymentByProviderRef(ctx context.Context, ref string) (*model.Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider_payment_id = $1`, ref)
	return s.loadPayment(ctx, row, "payment with provider ref "+ref)
}

func (s *PostgresStore) loadPayment(ctx context.Context, row pgx.Row, what string) (*model.Payment, error) {
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", what, err)
	}
	p.Transactions, err = s.ListTransactions(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) ListPayments(ctx context.Context, q PaymentQuery) ([]model.Payment, error) {
	where, args := "TRUE", []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		where += fmt.Sprintf(" AND "+cond, len(args))
	}
	if q.UserID != "" {
		switch q.Role {
		case "buyer":
			add("buyer_id = $%d", q.UserID)
		case "seller":
			add("seller_id = $%d", q.UserID)
		default:
			args = append(args, q.UserID)
			n := len(args)
			where += fmt.Sprintf(" AND (buyer_id = $%d OR seller_id = $%d)", n, n)
		}
	}
	if q.Status != "" {
		add("status = $%d", string(q.Status))
	}
	if !q.CreatedAfter.IsZero() {
		add("created_at >= $%d", q.CreatedAfter)
	}
	if !q.CreatedBefore.IsZero() {
		add("created_at < $%d", q.CreatedBefore)
	}
	if !q.CompletedBefore.IsZero() {
		add("completed_at <= $%d", q.CompletedBefore)
	}
	if q.SellerPaid != nil {
		add("seller_paid = $%d", *q.SellerPaid)
	}

	sql := `SELECT ` + paymentColumns + ` FROM payments WHERE ` + where + ` ORDER BY created_at DESC`
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (s *PostgresStore) SetProviderRef(ctx context.Context, id, ref, approvalURL string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payments SET provider_payment_id = $2, approval_url = $3, updated_at = NOW()
		 WHERE id = $1 AND status = 'pending' AND provider_payment_id = ''`, id, ref, approvalURL)
	if isUniqueViolation(err) {
		return fmt.Errorf("provider ref %s: %w", ref, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("set provider ref %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.staleOrMissing(ctx, id)
	}
	return nil
}

// TransitionPayment applies t as a conditional UPDATE and appends the ledger
// rows inside one database transaction.
func (s *PostgresStore) TransitionPayment(ctx context.Context, id string, t Transition) (*model.Payment, error) {
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	err := runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE payments
			 SET status = $3,
			     platform_fee_paid = platform_fee_paid OR $4,
			     seller_paid = seller_paid OR $5,
			     completed_at = COALESCE($6, completed_at),
			     provider_sale_id = CASE WHEN $7 = '' THEN provider_sale_id ELSE $7 END,
			     provider_payer_id = CASE WHEN $8 = '' THEN provider_payer_id ELSE $8 END,
			     updated_at = $9
			 WHERE id = $1 AND status = $2 AND (NOT $10 OR NOT seller_paid)`,
			id, string(t.From), string(t.To), t.MarkPlatformFeePaid, t.MarkSellerPaid,
			t.CompletedAt, t.ProviderSaleID, t.ProviderPayerID, at, t.RequireSellerUnpaid,
		)
		if err != nil {
			return fmt.Errorf("update payment %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return s.staleOrMissing(ctx, id)
		}

		for _, e := range t.Append {
			created := e.CreatedAt
			if created.IsZero() {
				created = at
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO transactions (id, payment_id, transaction_type, amount, external_ref, status, notes, created_at)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)`,
				e.ID, id, string(e.Type), e.Amount.String(), e.ExternalRef, string(e.Status), e.Notes, created,
			); err != nil {
				return fmt.Errorf("insert %s transaction for payment %s: %w", e.Type, id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetPayment(ctx, id)
}

func (s *PostgresStore) ListTransactions(ctx context.Context, paymentID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, payment_id, transaction_type, amount::TEXT, external_ref, status, notes, created_at
		 FROM transactions WHERE payment_id = $1 ORDER BY seq`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", paymentID, err)
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amount string
		if err := rows.Scan(&t.ID, &t.PaymentID, &t.Type, &amount, &t.ExternalRef,
			&t.Status, &t.Notes, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amount)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) staleOrMissing(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM payments WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("payment %s is %s: %w", id, status, ErrStaleState)
}

// --- Notifications ---

func (s *PostgresStore) InsertNotification(ctx context.Context, n *model.Notification) error {
	data := n.Data
	if data == nil {
		data = map[string]string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, notification_type, title, message, data, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, data, n.IsRead, n.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, notification_type, title, message, data, is_read, created_at
		 FROM notifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message,
			&n.Data, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteReadNotificationsBefore(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM notifications WHERE is_read AND created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Audit ---

func (s *PostgresStore) InsertAuditEntry(ctx context.Context, e *model.AuditEntry) error {
	changes := e.Changes
	if changes == nil {
		changes = map[string]any{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, user_id, action, model_name, object_id, object_repr, changes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.UserID, string(e.Action), e.ModelName, e.ObjectID, e.ObjectRepr, changes, e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEntries(ctx context.Context, objectID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, action, model_name, object_id, object_repr, changes, created_at
		 FROM audit_log WHERE $1 = '' OR object_id = $1 ORDER BY created_at`, objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.ModelName, &e.ObjectID,
			&e.ObjectRepr, &e.Changes, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteAuditEntriesBefore(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_log WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- scanning helpers ---

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var price, bid, rating, score string
	if err := row.Scan(&l.ID, &l.SellerID, &l.Title, &l.Slug, &l.Description, &l.CategoryID, &l.Tags,
		&price, &bid, &rating, &l.TotalRatings, &l.TotalSales,
		&score, &l.IsActive, &l.IsApproved, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.Price, _ = decimal.NewFromString(price)
	l.BidPercentage, _ = decimal.NewFromString(bid)
	l.Rating, _ = decimal.NewFromString(rating)
	l.AdScore, _ = decimal.NewFromString(score)
	return &l, nil
}

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var p model.Payment
	var amount, fee, seller string
	if err := row.Scan(&p.ID, &p.BuyerID, &p.SellerID, &p.ListingID,
		&amount, &fee, &seller, &p.Currency,
		&p.ProviderPaymentID, &p.ProviderSaleID, &p.ProviderPayerID, &p.ApprovalURL, &p.IdempotencyKey,
		&p.Status, &p.PlatformFeePaid, &p.SellerPaid, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt); err != nil {
		return nil, err
	}
	p.Amount, _ = decimal.NewFromString(amount)
	p.PlatformFee, _ = decimal.NewFromString(fee)
	p.SellerAmount, _ = decimal.NewFromString(seller)
	return &p, nil
}

func runInTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func affectedOne(tag pgconn.CommandTag, err error, kind, id string) error {
	if err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
