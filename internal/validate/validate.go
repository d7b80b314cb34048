// Package validate checks client input for listings and comments before it
// reaches the store.
//
// Derived fields (ad_score, rating, sales counters) and moderation flags are
// never accepted from clients; a body that names one is rejected outright.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/samma/market-engine/internal/fees"
	"github.com/samma/market-engine/internal/model"
)

const (
	MaxTitleLen   = 200
	MaxTagLen     = 50
	MaxCommentLen = 5000
	MinRating     = 1
	MaxRating     = 10
)

var (
	ErrInvalidListing = errors.New("validate: invalid listing")
	ErrInvalidComment = errors.New("validate: invalid comment")
	ErrReadOnlyField  = errors.New("validate: field cannot be set by clients")
)

var readOnlyFields = []string{
	"id", "seller", "slug", "ad_score", "rating", "total_ratings", "total_sales",
	"is_approved", "created_at", "updated_at",
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// ListingInput is a create or partial-update body. Nil fields are left
// unchanged on update.
type ListingInput struct {
	Title         *string          `json:"title"`
	Description   *string          `json:"description"`
	CategoryID    *string          `json:"category"`
	Tags          []string         `json:"tags"`
	Price         *decimal.Decimal `json:"price"`
	BidPercentage *decimal.Decimal `json:"bid_percentage"`
	IsActive      *bool            `json:"is_active"`
}

// DecodeListing parses a listing body, rejecting read-only and unknown fields.
func DecodeListing(body []byte) (*ListingInput, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidListing, err)
	}
	for _, f := range readOnlyFields {
		if _, ok := raw[f]; ok {
			return nil, fmt.Errorf("%w: %s", ErrReadOnlyField, f)
		}
	}

	var in ListingInput
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidListing, err)
	}
	return &in, nil
}

// Create checks a new listing. Title and price are required; the bid
// percentage defaults to the platform minimum.
func (in *ListingInput) Create() error {
	if in.Title == nil {
		return fmt.Errorf("%w: title is required", ErrInvalidListing)
	}
	if in.Price == nil {
		return fmt.Errorf("%w: price is required", ErrInvalidListing)
	}
	if in.BidPercentage == nil {
		bid := fees.MinBidPercentage
		in.BidPercentage = &bid
	}
	return in.Update()
}

// Update checks the fields present in a partial update.
func (in *ListingInput) Update() error {
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" || utf8.RuneCountInString(title) > MaxTitleLen {
			return fmt.Errorf("%w: title must be 1-%d characters", ErrInvalidListing, MaxTitleLen)
		}
		in.Title = &title
	}
	if in.Price != nil {
		if in.Price.IsNegative() || !in.Price.Equal(in.Price.Truncate(fees.CurrencyScale)) {
			return fmt.Errorf("%w: price %s must be non-negative with at most %d decimal places",
				ErrInvalidListing, in.Price, fees.CurrencyScale)
		}
	}
	if in.BidPercentage != nil {
		if err := fees.ValidateBidPercentage(*in.BidPercentage); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidListing, err)
		}
		if !in.BidPercentage.Equal(in.BidPercentage.Truncate(2)) {
			return fmt.Errorf("%w: bid_percentage %s has more than 2 decimal places", ErrInvalidListing, in.BidPercentage)
		}
	}
	for _, tag := range in.Tags {
		if tag == "" || len(tag) > MaxTagLen {
			return fmt.Errorf("%w: tag %q must be 1-%d characters", ErrInvalidListing, tag, MaxTagLen)
		}
	}
	return nil
}

// Apply copies the set fields onto l.
func (in *ListingInput) Apply(l *model.Listing) {
	if in.Title != nil {
		l.Title = *in.Title
	}
	if in.Description != nil {
		l.Description = *in.Description
	}
	if in.CategoryID != nil {
		l.CategoryID = *in.CategoryID
	}
	if in.Tags != nil {
		l.Tags = append([]string(nil), in.Tags...)
	}
	if in.Price != nil {
		l.Price = *in.Price
	}
	if in.BidPercentage != nil {
		l.BidPercentage = *in.BidPercentage
	}
	if in.IsActive != nil {
		l.IsActive = *in.IsActive
	}
}

// Slugify derives a URL slug from a title: lower case, runs of anything but
// ASCII letters and digits collapsed to a single hyphen.
func Slugify(title string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(title), "-"), "-")
}

// CommentInput is the body of a new comment.
type CommentInput struct {
	Content  string `json:"content"`
	Rating   *int   `json:"rating"`
	ParentID string `json:"parent"`
}

// Comment checks a new comment.
func (in *CommentInput) Comment() error {
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" || utf8.RuneCountInString(in.Content) > MaxCommentLen {
		return fmt.Errorf("%w: content must be 1-%d characters", ErrInvalidComment, MaxCommentLen)
	}
	if in.Rating != nil && (*in.Rating < MinRating || *in.Rating > MaxRating) {
		return fmt.Errorf("%w: rating %d outside %d-%d", ErrInvalidComment, *in.Rating, MinRating, MaxRating)
	}
	return nil
}
