package transaction

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the order lifecycle states of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ListingType distinguishes the sale path from the auction path.
type ListingType string

const (
	ListingSale    ListingType = "sale"
	ListingAuction ListingType = "auction"
)

// ErrInvalidTransition is returned when a lifecycle rule is violated.
var ErrInvalidTransition = errors.New("invalid order transition")

// ErrForbidden is returned when the caller is not authorized for a transition.
var ErrForbidden = errors.New("caller not authorized")

// ParseStatus validates a raw status string against the fixed vocabulary.
// Anything outside the six known values is a data error, not a new state.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPending, StatusPaid, StatusShipped, StatusDelivered, StatusCompleted, StatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("unknown transaction status %q", raw)
	}
}

// Transaction is the financial record of one sale. Money fields are integer
// minor units (cents). ShippingAmount and TotalAmount stay nil on the auction
// path until checkout sets them.
type Transaction struct {
	ID                string      `json:"id"`
	BuyerID           string      `json:"buyer_id"`
	SellerID          string      `json:"seller_id"`
	ListingID         string      `json:"listing_id"`
	AuctionID         string      `json:"auction_id,omitempty"` // set only on the auction path; settlement key
	ListingType       ListingType `json:"listing_type"`
	Status            Status      `json:"status"`
	Currency          string      `json:"currency"`
	ItemAmount        int64       `json:"item_amount"`
	PlatformFeeAmount int64       `json:"platform_fee_amount"`
	SellerFeeAmount   int64       `json:"seller_fee_amount"`
	SellerPayout      int64       `json:"seller_payout"`
	ShippingAmount    *int64      `json:"shipping_amount"`
	TotalAmount       *int64      `json:"total_amount"`
	TrackingNumber    string      `json:"tracking_number,omitempty"`
	CompletedAt       time.Time   `json:"completed_at"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// CanTransition reports whether the lifecycle permits moving to next from the
// current status. Cancelled is reachable from every state except completed.
func (t Transaction) CanTransition(next Status) bool {
	if next == StatusCancelled {
		return t.Status != StatusCompleted && t.Status != StatusCancelled
	}
	switch t.Status {
	case StatusPending:
		return next == StatusPaid
	case StatusPaid:
		return next == StatusShipped
	case StatusShipped:
		return next == StatusDelivered
	case StatusDelivered:
		return next == StatusCompleted
	default:
		return false
	}
}
