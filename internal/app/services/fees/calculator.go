// Package fees implements the platform's financial fee arithmetic. All
// amounts are integer minor currency units (cents); results must be
// bit-exact, so percentages are converted to basis points and all rounding
// happens in integer space.
package fees

import (
	"errors"
	"math"
)

// ErrInvalidAmount signals a violated fee math contract: a negative amount,
// a percentage outside [0,100], or a seller fee exceeding the item amount.
var ErrInvalidAmount = errors.New("invalid amount")

// DefaultPlatformPct and DefaultSellerPct are the configured default rates
// applied to auction settlements.
const (
	DefaultPlatformPct = 5.0
	DefaultSellerPct   = 1.0
)

// Fee computes round-half-up(amount * pct / 100) without fractional minor
// units. pct is converted to integer basis points before multiplying.
func Fee(amount int64, pct float64) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	if pct < 0 || pct > 100 || math.IsNaN(pct) {
		return 0, ErrInvalidAmount
	}
	bp := int64(math.Round(pct * 100)) // percentage -> basis points
	return (amount*bp + 5000) / 10000, nil
}

// Breakdown is the fee split of one item sale.
type Breakdown struct {
	ItemAmount   int64
	PlatformFee  int64
	SellerFee    int64
	SellerPayout int64
}

// Compute derives the full fee breakdown for an item amount. The invariant
// SellerPayout + SellerFee == ItemAmount always holds on success.
func Compute(item int64, platformPct, sellerPct float64) (Breakdown, error) {
	platformFee, err := Fee(item, platformPct)
	if err != nil {
		return Breakdown{}, err
	}
	sellerFee, err := Fee(item, sellerPct)
	if err != nil {
		return Breakdown{}, err
	}
	if sellerFee > item {
		return Breakdown{}, ErrInvalidAmount
	}
	return Breakdown{
		ItemAmount:   item,
		PlatformFee:  platformFee,
		SellerFee:    sellerFee,
		SellerPayout: item - sellerFee,
	}, nil
}

// BuyerTotal is the amount charged to the buyer at checkout.
func BuyerTotal(item, shipping, platformFee int64) (int64, error) {
	if item < 0 || shipping < 0 || platformFee < 0 {
		return 0, ErrInvalidAmount
	}
	return item + shipping + platformFee, nil
}
