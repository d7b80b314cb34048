package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/samma/market-engine/internal/access"
	"github.com/samma/market-engine/internal/model"
	"github.com/samma/market-engine/internal/notify"
	"github.com/samma/market-engine/internal/store"
	"github.com/samma/market-engine/internal/validate"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxBodyBytes    = 1 << 20
)

// ListListings handles GET /api/v1/listings
// Returns active, approved listings; ?category, ?tag, ?search, ?seller,
// ?ordering (default -ad_score), ?page and ?page_size.
func (s *Service) ListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ordering := q.Get("ordering")
	if ordering == "" {
		ordering = "-ad_score"
	}
	if !store.ListingOrderings[ordering] {
		writeError(w, "unsupported ordering: "+ordering, http.StatusBadRequest)
		return
	}
	limit, offset, err := pagination(q.Get("page"), q.Get("page_size"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	listings, err := s.store.ListListings(r.Context(), store.ListingQuery{
		SellerID:     q.Get("seller"),
		CategoryID:   q.Get("category"),
		Tag:          q.Get("tag"),
		Search:       q.Get("search"),
		RankableOnly: true,
		OrderBy:      ordering,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if listings == nil {
		listings = []model.Listing{}
	}
	writeJSON(w, http.StatusOK, listings)
}

func pagination(pageStr, sizeStr string) (limit, offset int, err error) {
	page, size := 1, defaultPageSize
	if pageStr != "" {
		if page, err = strconv.Atoi(pageStr); err != nil || page < 1 {
			return 0, 0, fmt.Errorf("page must be a positive integer")
		}
	}
	if sizeStr != "" {
		if size, err = strconv.Atoi(sizeStr); err != nil || size < 1 || size > maxPageSize {
			return 0, 0, fmt.Errorf("page_size must be between 1 and %d", maxPageSize)
		}
	}
	return size, (page - 1) * size, nil
}

// CreateListing handles POST /api/v1/listings
func (s *Service) CreateListing(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	if err := access.Check(actor, access.Resource{Kind: access.KindListing}, access.Create); err != nil {
		s.fail(w, r, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in, err := validate.DecodeListing(body)
	if err == nil {
		err = in.Create()
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	now := s.now()
	l := &model.Listing{
		ID:         uuid.New().String(),
		SellerID:   actor.ID,
		Tags:       []string{},
		Rating:     decimal.Zero,
		AdScore:    decimal.Zero,
		IsActive:   true,
		IsApproved: true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	in.Apply(l)
	l.Slug = validate.Slugify(l.Title)
	if l.Slug == "" {
		l.Slug = l.ID[:8]
	}

	ctx := r.Context()
	err = s.store.CreateListing(ctx, l)
	if errors.Is(err, store.ErrConflict) {
		l.Slug = l.Slug + "-" + l.ID[:8]
		err = s.store.CreateListing(ctx, l)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.ranking.Recompute(ctx, l.ID); err != nil {
		s.logger.Warn("initial score", "listing_id", l.ID, "err", err)
	}

	created, err := s.store.GetListing(ctx, l.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("listing created", "id", created.ID, "seller_id", created.SellerID, "slug", created.Slug)
	writeJSON(w, http.StatusCreated, created)
}

// loadListing fetches the listing named in the URL and checks action on it.
func (s *Service) loadListing(r *http.Request, action access.Action) (*model.Listing, error) {
	l, err := s.store.GetListing(r.Context(), chi.URLParam(r, "listingID"))
	if err != nil {
		return nil, err
	}
	if err := access.Check(ActorFrom(r.Context()), access.ListingResource(l), action); err != nil {
		// Hidden listings do not exist for those who may not see them.
		if action == access.Read {
			return nil, fmt.Errorf("listing %s: %w", l.ID, store.ErrNotFound)
		}
		return nil, err
	}
	return l, nil
}

// GetListing handles GET /api/v1/listings/{listingID}
func (s *Service) GetListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.loadListing(r, access.Read)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// UpdateListing handles PATCH /api/v1/listings/{listingID}
// Derived fields are rejected; a changed bid percentage rescores the listing.
func (s *Service) UpdateListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.loadListing(r, access.Update)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in, err := validate.DecodeListing(body)
	if err == nil {
		err = in.Update()
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	oldBid := l.BidPercentage
	in.Apply(l)
	ctx := r.Context()
	if err := s.store.UpdateListing(ctx, l); err != nil {
		s.fail(w, r, err)
		return
	}
	if !l.BidPercentage.Equal(oldBid) {
		if _, err := s.ranking.Recompute(ctx, l.ID); err != nil {
			s.logger.Warn("rescore after bid change", "listing_id", l.ID, "err", err)
		}
	}

	updated, err := s.store.GetListing(ctx, l.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ListComments handles GET /api/v1/listings/{listingID}/comments
func (s *Service) ListComments(w http.ResponseWriter, r *http.Request) {
	l, err := s.loadListing(r, access.Read)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	comments, err := s.store.ListComments(r.Context(), l.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if comments == nil {
		comments = []model.Comment{}
	}
	writeJSON(w, http.StatusOK, comments)
}

// CreateComment handles POST /api/v1/listings/{listingID}/comments
// A rating-bearing comment refreshes the listing's rating; either way the
// ad score is recomputed.
func (s *Service) CreateComment(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	if err := access.Check(actor, access.Resource{Kind: access.KindComment}, access.Create); err != nil {
		s.fail(w, r, err)
		return
	}
	l, err := s.loadListing(r, access.Read)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var in validate.CommentInput
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&in); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := in.Comment(); err != nil {
		s.fail(w, r, err)
		return
	}

	c := &model.Comment{
		ID:        uuid.New().String(),
		ListingID: l.ID,
		UserID:    actor.ID,
		Content:   in.Content,
		Rating:    in.Rating,
		ParentID:  in.ParentID,
		IsActive:  true,
		CreatedAt: s.now(),
	}
	if err := s.ranking.AddComment(r.Context(), c); err != nil {
		s.fail(w, r, err)
		return
	}

	if s.notifier != nil && l.SellerID != actor.ID {
		n := &model.Notification{
			UserID:  l.SellerID,
			Type:    model.NotifyComment,
			Title:   "New comment on " + l.Title,
			Message: in.Content,
			Data:    map[string]string{"game_id": l.ID, "comment_id": c.ID},
		}
		if c.Rating != nil {
			n.Type = model.NotifyRating
			n.Title = fmt.Sprintf("New %d/10 rating on %s", *c.Rating, l.Title)
		}
		notify.Prepare(n)
		if err := s.notifier.Notify(r.Context(), n); err != nil {
			s.logger.Warn("comment notification", "listing_id", l.ID, "err", err)
		}
	}

	writeJSON(w, http.StatusCreated, c)
}
