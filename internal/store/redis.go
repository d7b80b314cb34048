package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/samma/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for listings. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary. Payments are
// never cached.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateListing(ctx context.Context, l *model.Listing) error {
	if err := s.Store.CreateListing(ctx, l); err != nil {
		return err
	}
	s.cacheListing(ctx, l)
	return nil
}

func (s *CachedStore) UpdateListing(ctx context.Context, l *model.Listing) error {
	if err := s.Store.UpdateListing(ctx, l); err != nil {
		return err
	}
	s.invalidate(ctx, l.ID)
	return nil
}

func (s *CachedStore) UpdateListingScore(ctx context.Context, id string, score decimal.Decimal, from ScoreInputs) error {
	if err := s.Store.UpdateListingScore(ctx, id, score, from); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *CachedStore) UpdateListingRating(ctx context.Context, id string, rating decimal.Decimal, totalRatings int) error {
	if err := s.Store.UpdateListingRating(ctx, id, rating, totalRatings); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *CachedStore) IncrementListingSales(ctx context.Context, id string) error {
	if err := s.Store.IncrementListingSales(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

// DeactivateStaleListings touches an unknown set of rows, so every cached
// listing is dropped when anything changed.
func (s *CachedStore) DeactivateStaleListings(ctx context.Context, before time.Time) (int, error) {
	n, err := s.Store.DeactivateStaleListings(ctx, before)
	if err != nil || n == 0 {
		return n, err
	}
	iter := s.rdb.Scan(ctx, 0, listingKey("*"), 500).Iterator()
	for iter.Next(ctx) {
		s.rdb.Del(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		slog.Warn("listing cache flush failed", "err", err)
	}
	return n, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	data, err := s.rdb.Get(ctx, listingKey(id)).Bytes()
	if err == nil {
		var l model.Listing
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	// Cache miss: read from primary.
	l, err := s.Store.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheListing(ctx, l)
	return l, nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheListing(ctx context.Context, l *model.Listing) {
	if data, err := json.Marshal(l); err == nil {
		s.rdb.Set(ctx, listingKey(l.ID), data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, id string) {
	if err := s.rdb.Del(ctx, listingKey(id)).Err(); err != nil {
		slog.Warn("listing cache invalidation failed", "listing_id", id, "err", err)
	}
}

func listingKey(id string) string { return fmt.Sprintf("listing:%s", id) }
