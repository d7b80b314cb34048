// Package access decides whether an actor may perform an action on a
// resource. Check is pure: handlers load the resource, build an Actor from
// the request and ask.
package access

import (
	"errors"
	"fmt"

	"github.com/samma/market-engine/internal/model"
)

var (
	// ErrUnauthenticated is returned when an anonymous actor attempts an
	// action that needs an identity.
	ErrUnauthenticated = errors.New("access: authentication required")

	// ErrForbidden is returned when the actor is known but not allowed.
	ErrForbidden = errors.New("access: permission denied")
)

// Actor is the caller of an operation. The zero Actor is anonymous.
type Actor struct {
	ID    string
	Staff bool
}

// Anonymous reports whether the actor has no identity.
func (a Actor) Anonymous() bool { return a.ID == "" }

// Action is an operation on a resource.
type Action string

const (
	Read   Action = "read"
	Create Action = "create"
	Update Action = "update"
	Delete Action = "delete"
	Refund Action = "refund"
)

// Kind names a resource type.
type Kind string

const (
	KindListing      Kind = "listing"
	KindComment      Kind = "comment"
	KindPayment      Kind = "payment"
	KindNotification Kind = "notification"
	KindAccount      Kind = "account"
)

// Resource is the part of an object that permissions depend on.
type Resource struct {
	Kind Kind
	// OwnerID is the seller of a listing or payment, the author of a
	// comment, or the user a notification or account belongs to.
	OwnerID string
	// BuyerID is set for payments.
	BuyerID string
	// Public marks listings visible to everyone.
	Public bool
}

// ListingResource describes l. Only active and approved listings are public.
func ListingResource(l *model.Listing) Resource {
	return Resource{Kind: KindListing, OwnerID: l.SellerID, Public: l.Rankable()}
}

// CommentResource describes c.
func CommentResource(c *model.Comment) Resource {
	return Resource{Kind: KindComment, OwnerID: c.UserID, Public: c.IsActive}
}

// PaymentResource describes p.
func PaymentResource(p *model.Payment) Resource {
	return Resource{Kind: KindPayment, OwnerID: p.SellerID, BuyerID: p.BuyerID}
}

// AccountResource describes the account or notification inbox of userID.
func AccountResource(userID string) Resource {
	return Resource{Kind: KindAccount, OwnerID: userID}
}

// Check returns nil if actor may perform action on res, or an error wrapping
// ErrUnauthenticated or ErrForbidden.
//
//	listings, comments: public read; authenticated create; owner or staff modify
//	payments:           authenticated create; buyer, seller or staff read; staff refund
//	accounts, inboxes:  owner only
func Check(actor Actor, res Resource, action Action) error {
	if action == Read && res.Public && (res.Kind == KindListing || res.Kind == KindComment) {
		return nil
	}
	if actor.Anonymous() {
		return fmt.Errorf("%w: %s %s", ErrUnauthenticated, action, res.Kind)
	}

	switch res.Kind {
	case KindListing, KindComment:
		switch action {
		case Create:
			return nil
		case Read, Update, Delete:
			if actor.Staff || actor.ID == res.OwnerID {
				return nil
			}
		}

	case KindPayment:
		switch action {
		case Create:
			return nil
		case Read:
			if actor.Staff || actor.ID == res.OwnerID || actor.ID == res.BuyerID {
				return nil
			}
		case Refund:
			if actor.Staff {
				return nil
			}
		}

	case KindNotification, KindAccount:
		if action != Delete && actor.ID == res.OwnerID {
			return nil
		}
	}

	return fmt.Errorf("%w: %s may not %s %s", ErrForbidden, actor.ID, action, res.Kind)
}
