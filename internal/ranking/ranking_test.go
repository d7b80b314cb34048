package ranking_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/samma/market-engine/internal/model"
	"github.com/samma/market-engine/internal/ranking"
	"github.com/samma/market-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type recorder struct {
	mu     sync.Mutex
	scores map[string]decimal.Decimal
}

func (r *recorder) BroadcastScore(listingID string, score decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scores == nil {
		r.scores = make(map[string]decimal.Decimal)
	}
	r.scores[listingID] = score
}

func seed(t *testing.T, ms *store.MemoryStore, id, bid, rating string, approved bool) {
	t.Helper()
	err := ms.CreateListing(context.Background(), &model.Listing{
		ID:            id,
		SellerID:      "seller",
		Title:         id,
		Slug:          id,
		Price:         d("9.99"),
		BidPercentage: d(bid),
		Rating:        d(rating),
		IsActive:      true,
		IsApproved:    approved,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed listing: %v", err)
	}
}

func addComment(t *testing.T, e *ranking.Engine, id, listing string, rating *int) {
	t.Helper()
	err := e.AddComment(context.Background(), &model.Comment{
		ID: id, ListingID: listing, UserID: "u", Content: "nice", Rating: rating, IsActive: true,
	})
	if err != nil {
		t.Fatalf("add comment: %v", err)
	}
}

func TestScore_Formula(t *testing.T) {
	tests := []struct {
		bid, rating string
		comments    int
		want        string
	}{
		{"10", "8.0", 0, "108"},
		{"5", "0", 0, "50"},
		{"10", "8.0", 1, "109.3863"},   // 2*ln(2)
		{"25.5", "9.5", 9, "269.1052"}, // 2*ln(10)
		{"10", "8.0", -3, "108"},
	}
	for _, tt := range tests {
		got := ranking.Score(d(tt.bid), d(tt.rating), tt.comments)
		if !got.Equal(d(tt.want)) {
			t.Errorf("Score(%s, %s, %d) = %s, want %s", tt.bid, tt.rating, tt.comments, got, tt.want)
		}
	}
}

func TestScore_MonotonicInInputs(t *testing.T) {
	base := ranking.Score(d("10"), d("5"), 3)
	if !ranking.Score(d("11"), d("5"), 3).GreaterThan(base) {
		t.Error("higher bid should raise score")
	}
	if !ranking.Score(d("10"), d("6"), 3).GreaterThan(base) {
		t.Error("higher rating should raise score")
	}
	if !ranking.Score(d("10"), d("5"), 4).GreaterThan(base) {
		t.Error("more comments should raise score")
	}
}

func TestRecompute_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seed(t, ms, "g", "10", "8.0", true)
	e := ranking.NewEngine(ms, nil, nil)

	first, err := e.Recompute(ctx, "g")
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Recompute(ctx, "g")
	if err != nil {
		t.Fatal(err)
	}
	if !first.Equal(d("108")) || !second.Equal(first) {
		t.Fatalf("expected stable 108, got %s then %s", first, second)
	}

	l, _ := ms.GetListing(ctx, "g")
	if !l.AdScore.Equal(d("108")) {
		t.Errorf("stored score = %s, want 108", l.AdScore)
	}
	if !l.Rating.Equal(d("8.0")) || !l.BidPercentage.Equal(d("10")) {
		t.Error("recompute must not change inputs")
	}
}

func TestRecompute_MissingListing(t *testing.T) {
	e := ranking.NewEngine(store.NewMemoryStore(), nil, nil)
	if _, err := e.Recompute(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAddComment_RatingRefreshesRatingAndScore(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seed(t, ms, "g", "10", "0", true)
	rec := &recorder{}
	e := ranking.NewEngine(ms, rec, nil)

	seven, eight := 7, 8
	addComment(t, e, "c1", "g", &seven)
	addComment(t, e, "c2", "g", &eight)
	addComment(t, e, "c3", "g", nil)

	l, _ := ms.GetListing(ctx, "g")
	if !l.Rating.Equal(d("7.5")) {
		t.Errorf("rating = %s, want 7.5", l.Rating)
	}
	if l.TotalRatings != 2 {
		t.Errorf("total_ratings = %d, want 2", l.TotalRatings)
	}
	want := ranking.Score(d("10"), d("7.5"), 3)
	if !l.AdScore.Equal(want) {
		t.Errorf("ad_score = %s, want %s", l.AdScore, want)
	}
	if !rec.scores["g"].Equal(want) {
		t.Errorf("broadcast score = %s, want %s", rec.scores["g"], want)
	}
}

func TestAverageRating_RoundsToOneDecimal(t *testing.T) {
	got := ranking.AverageRating(store.CommentStats{RatingCount: 3, RatingSum: 20})
	if !got.Equal(d("6.7")) {
		t.Errorf("average = %s, want 6.7", got)
	}
	if !ranking.AverageRating(store.CommentStats{}).IsZero() {
		t.Error("no ratings should average to zero")
	}
}

func TestRecomputeAll_OnlyRankable(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seed(t, ms, "a", "10", "8.0", true)
	seed(t, ms, "b", "20", "1.0", true)
	seed(t, ms, "pending-review", "50", "9.0", false)
	e := ranking.NewEngine(ms, nil, nil)

	n, err := e.RecomputeAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("updated %d listings, want 2", n)
	}

	hidden, _ := ms.GetListing(ctx, "pending-review")
	if !hidden.AdScore.IsZero() {
		t.Errorf("unapproved listing was scored: %s", hidden.AdScore)
	}

	// Running again changes nothing.
	before, _ := ms.ListListings(ctx, store.ListingQuery{RankableOnly: true})
	e.RecomputeAll(ctx)
	after, _ := ms.ListListings(ctx, store.ListingQuery{RankableOnly: true})
	for i := range before {
		if before[i].ID != after[i].ID || !before[i].AdScore.Equal(after[i].AdScore) {
			t.Fatalf("second run changed ranking: %+v vs %+v", before[i], after[i])
		}
	}
}

// bidRaceStore changes a listing's bid right before the first score write,
// as a seller edit landing in the middle of a ranking batch would.
type bidRaceStore struct {
	*store.MemoryStore
	once sync.Once
	bid  decimal.Decimal
}

func (s *bidRaceStore) UpdateListingScore(ctx context.Context, id string, score decimal.Decimal, from store.ScoreInputs) error {
	s.once.Do(func() {
		l, _ := s.MemoryStore.GetListing(ctx, id)
		l.BidPercentage = s.bid
		s.MemoryStore.UpdateListing(ctx, l)
	})
	return s.MemoryStore.UpdateListingScore(ctx, id, score, from)
}

func TestRecomputeAll_KeepsConcurrentBidChange(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seed(t, ms, "a", "10", "8.0", true)
	e := ranking.NewEngine(&bidRaceStore{MemoryStore: ms, bid: d("50")}, nil, nil)

	if n, err := e.RecomputeAll(ctx); err != nil || n != 1 {
		t.Fatalf("RecomputeAll = %d, %v", n, err)
	}
	l, _ := ms.GetListing(ctx, "a")
	if want := ranking.Score(d("50"), d("8.0"), 0); !l.AdScore.Equal(want) {
		t.Errorf("ad_score = %s, want %s from the new bid", l.AdScore, want)
	}
}

func TestRecomputeAll_StopsOnCancel(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "a", "10", "8.0", true)
	e := ranking.NewEngine(ms, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.RecomputeAll(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRefreshAllRatings(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seed(t, ms, "a", "10", "3.0", true)
	nine := 9
	ms.CreateComment(ctx, &model.Comment{ID: "c", ListingID: "a", Rating: &nine, IsActive: true})
	e := ranking.NewEngine(ms, nil, nil)

	n, err := e.RefreshAllRatings(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RefreshAllRatings = %d, %v", n, err)
	}
	l, _ := ms.GetListing(ctx, "a")
	if !l.Rating.Equal(d("9")) || !l.AdScore.Equal(ranking.Score(d("10"), d("9"), 1)) {
		t.Errorf("unexpected listing after refresh: rating=%s score=%s", l.Rating, l.AdScore)
	}
}
