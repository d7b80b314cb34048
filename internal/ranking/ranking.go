// Package ranking computes and persists listing ad scores and ratings.
//
// The ad score orders the marketplace's sponsored placement:
//
//	ad_score = bid_percentage*10 + rating + ln(comment_count+1)*2
//
// The bid term dominates, rating adds directly and comment volume contributes
// on a log scale. Only the logarithm is evaluated in float64; its result is
// converted to decimal and the sum is rounded to ScoreScale places, so the
// same inputs always produce the same stored value.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/shopspring/decimal"

	"github.com/samma/market-engine/internal/metrics"
	"github.com/samma/market-engine/internal/model"
	"github.com/samma/market-engine/internal/store"
)

var (
	// ScoreScale is the number of decimal places kept in a stored ad score.
	ScoreScale int32 = 4

	// RatingScale is the number of decimal places kept in a listing rating.
	RatingScale int32 = 1

	bidWeight     = decimal.NewFromInt(10)
	commentWeight = 2.0
)

// Score evaluates the ad score formula. commentCount below zero is treated as zero.
func Score(bidPercentage, rating decimal.Decimal, commentCount int) decimal.Decimal {
	if commentCount < 0 {
		commentCount = 0
	}
	volume := decimal.NewFromFloat(math.Log1p(float64(commentCount)) * commentWeight)
	return bidPercentage.Mul(bidWeight).Add(rating).Add(volume).Round(ScoreScale)
}

// Store is the persistence the engine needs.
type Store interface {
	GetListing(ctx context.Context, id string) (*model.Listing, error)
	ListListings(ctx context.Context, q store.ListingQuery) ([]model.Listing, error)
	UpdateListingScore(ctx context.Context, id string, score decimal.Decimal, from store.ScoreInputs) error
	UpdateListingRating(ctx context.Context, id string, rating decimal.Decimal, totalRatings int) error
	CreateComment(ctx context.Context, c *model.Comment) error
	CommentStats(ctx context.Context, listingID string) (store.CommentStats, error)
}

// Broadcaster is told about every stored score. May be nil.
type Broadcaster interface {
	BroadcastScore(listingID string, score decimal.Decimal)
}

// Engine recomputes derived listing fields after their inputs change.
type Engine struct {
	store  Store
	bcast  Broadcaster
	logger *slog.Logger
}

// NewEngine creates a ranking engine. bcast may be nil.
func NewEngine(s Store, bcast Broadcaster, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, bcast: bcast, logger: logger}
}

// Recompute reads the listing and its active comment count and stores the
// resulting score. It writes only the score field.
func (e *Engine) Recompute(ctx context.Context, listingID string) (decimal.Decimal, error) {
	l, err := e.store.GetListing(ctx, listingID)
	if err != nil {
		return decimal.Zero, err
	}
	return e.recompute(ctx, l)
}

// maxScoreAttempts bounds re-reads when a listing's bid or rating changes
// between reading it and storing its score.
const maxScoreAttempts = 3

func (e *Engine) recompute(ctx context.Context, l *model.Listing) (decimal.Decimal, error) {
	for attempt := 0; ; attempt++ {
		stats, err := e.store.CommentStats(ctx, l.ID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("comment stats for %s: %w", l.ID, err)
		}

		score := Score(l.BidPercentage, l.Rating, stats.Count)
		err = e.store.UpdateListingScore(ctx, l.ID, score, store.ScoreInputs{
			BidPercentage: l.BidPercentage,
			Rating:        l.Rating,
		})
		if errors.Is(err, store.ErrStaleState) && attempt+1 < maxScoreAttempts {
			if l, err = e.store.GetListing(ctx, l.ID); err != nil {
				return decimal.Zero, err
			}
			continue
		}
		if err != nil {
			return decimal.Zero, fmt.Errorf("store score for %s: %w", l.ID, err)
		}
		metrics.ScoreRecomputations.Inc()
		if e.bcast != nil && !score.Equal(l.AdScore) {
			e.bcast.BroadcastScore(l.ID, score)
		}
		return score, nil
	}
}

// RecomputeAll recomputes every active and approved listing. A failure on one
// listing is logged and does not stop the batch. Cancellation is checked
// between listings. Returns the number of listings updated.
func (e *Engine) RecomputeAll(ctx context.Context) (int, error) {
	listings, err := e.store.ListListings(ctx, store.ListingQuery{RankableOnly: true})
	if err != nil {
		return 0, fmt.Errorf("list rankable listings: %w", err)
	}

	updated := 0
	for i := range listings {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		if _, err := e.recompute(ctx, &listings[i]); err != nil {
			e.logger.Error("recompute ad score failed", "listing_id", listings[i].ID, "err", err)
			continue
		}
		updated++
	}
	e.logger.Info("ad scores recomputed", "listings", updated)
	return updated, nil
}

// RefreshRating averages all rating-bearing active comments, stores the
// rating and count, then recomputes the score.
func (e *Engine) RefreshRating(ctx context.Context, listingID string) (decimal.Decimal, error) {
	l, err := e.store.GetListing(ctx, listingID)
	if err != nil {
		return decimal.Zero, err
	}
	return e.refreshRating(ctx, l)
}

func (e *Engine) refreshRating(ctx context.Context, l *model.Listing) (decimal.Decimal, error) {
	stats, err := e.store.CommentStats(ctx, l.ID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("comment stats for %s: %w", l.ID, err)
	}

	rating := AverageRating(stats)
	if err := e.store.UpdateListingRating(ctx, l.ID, rating, stats.RatingCount); err != nil {
		return decimal.Zero, fmt.Errorf("store rating for %s: %w", l.ID, err)
	}
	l.Rating = rating
	l.TotalRatings = stats.RatingCount
	return e.recompute(ctx, l)
}

// AverageRating returns the mean rating rounded to RatingScale, or zero when
// no comment carries a rating.
func AverageRating(stats store.CommentStats) decimal.Decimal {
	if stats.RatingCount == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(stats.RatingSum)).
		DivRound(decimal.NewFromInt(int64(stats.RatingCount)), RatingScale)
}

// AddComment stores c and refreshes the listing it belongs to: the rating
// and score when c carries a rating, otherwise only the score.
func (e *Engine) AddComment(ctx context.Context, c *model.Comment) error {
	if err := e.store.CreateComment(ctx, c); err != nil {
		return err
	}
	var err error
	if c.Rating != nil {
		_, err = e.RefreshRating(ctx, c.ListingID)
	} else {
		_, err = e.Recompute(ctx, c.ListingID)
	}
	if err != nil {
		return fmt.Errorf("refresh listing %s after comment: %w", c.ListingID, err)
	}
	return nil
}

// RefreshAllRatings refreshes rating, rating count and score for every
// rankable listing. Returns the number of listings refreshed.
func (e *Engine) RefreshAllRatings(ctx context.Context) (int, error) {
	listings, err := e.store.ListListings(ctx, store.ListingQuery{RankableOnly: true})
	if err != nil {
		return 0, fmt.Errorf("list rankable listings: %w", err)
	}

	refreshed := 0
	for i := range listings {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}
		if _, err := e.refreshRating(ctx, &listings[i]); err != nil {
			e.logger.Error("refresh rating failed", "listing_id", listings[i].ID, "err", err)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}
