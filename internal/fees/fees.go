// Package fees splits a gross purchase amount into the platform's commission
// and the seller's share.
//
// All arithmetic is fixed-point (shopspring/decimal). The fee is rounded to the
// smallest currency unit and the seller amount is derived by subtraction, so
// PlatformFee + SellerAmount == Amount holds exactly for every valid input.
package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned when the gross amount is not positive or
	// carries more precision than the currency allows.
	ErrInvalidAmount = errors.New("fees: invalid amount")

	// ErrInvalidBidPercentage is returned when the bid percentage is outside
	// [MinBidPercentage, MaxBidPercentage].
	ErrInvalidBidPercentage = errors.New("fees: invalid bid percentage")

	// MinBidPercentage is the platform minimum commission.
	MinBidPercentage = decimal.NewFromInt(5)

	// MaxBidPercentage is the highest commission a seller may bid.
	MaxBidPercentage = decimal.NewFromInt(100)

	// CurrencyScale is the number of decimal places of the smallest currency unit.
	CurrencyScale int32 = 2

	hundred = decimal.NewFromInt(100)
)

// Split is the result of dividing a gross amount.
type Split struct {
	Amount       decimal.Decimal `json:"amount"`
	PlatformFee  decimal.Decimal `json:"platform_fee"`
	SellerAmount decimal.Decimal `json:"seller_amount"`
}

// Calculate computes the fee split for amount at the given bid percentage:
//
//	platform_fee  = round(amount * bid / 100, CurrencyScale)
//	seller_amount = amount - platform_fee
//
// Rounding is half away from zero.
func Calculate(amount, bidPercentage decimal.Decimal) (Split, error) {
	if err := ValidateAmount(amount); err != nil {
		return Split{}, err
	}
	if err := ValidateBidPercentage(bidPercentage); err != nil {
		return Split{}, err
	}

	fee := amount.Mul(bidPercentage).Div(hundred).Round(CurrencyScale)
	return Split{
		Amount:       amount,
		PlatformFee:  fee,
		SellerAmount: amount.Sub(fee),
	}, nil
}

// ValidateAmount checks that amount is a positive value expressible in the
// smallest currency unit.
func ValidateAmount(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: %s must be greater than zero", ErrInvalidAmount, amount)
	}
	if !amount.Equal(amount.Truncate(CurrencyScale)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, amount, CurrencyScale)
	}
	return nil
}

// ValidateBidPercentage checks the commission bounds.
func ValidateBidPercentage(bid decimal.Decimal) error {
	if bid.LessThan(MinBidPercentage) || bid.GreaterThan(MaxBidPercentage) {
		return fmt.Errorf("%w: %s (allowed %s-%s)", ErrInvalidBidPercentage, bid, MinBidPercentage, MaxBidPercentage)
	}
	return nil
}
