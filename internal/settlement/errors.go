package settlement

import (
	"errors"

	"github.com/samma/market-engine/internal/fees"
)

// Validation errors: the request can never succeed as sent.
var (
	ErrListingUnavailable = errors.New("settlement: listing is not available for purchase")
	ErrSelfPurchase       = errors.New("settlement: sellers cannot purchase their own listing")
	ErrDuplicatePurchase  = errors.New("settlement: buyer already has an active payment for this listing")
)

var (
	// ErrPaymentNotFound is returned for unknown payment ids or provider references.
	ErrPaymentNotFound = errors.New("settlement: payment not found")

	// ErrProviderUnavailable wraps provider.ErrTransient. The payment stays
	// pending and the sweep retries it.
	ErrProviderUnavailable = errors.New("settlement: payment provider unavailable, retry later")

	// ErrPaymentDeclined wraps provider.ErrTerminal. The payment has failed.
	ErrPaymentDeclined = errors.New("settlement: payment declined by provider")

	// ErrConsistency marks an operation that conflicts with the payment's
	// current state. Confirmations that hit it are audited and not returned.
	ErrConsistency = errors.New("settlement: operation conflicts with payment state")
)

// IsValidation reports whether err is a caller mistake (HTTP 4xx).
func IsValidation(err error) bool {
	return errors.Is(err, ErrListingUnavailable) ||
		errors.Is(err, ErrSelfPurchase) ||
		errors.Is(err, ErrDuplicatePurchase) ||
		errors.Is(err, fees.ErrInvalidAmount) ||
		errors.Is(err, fees.ErrInvalidBidPercentage)
}
