package auction

import "time"

// Status enumerates auction lifecycle states. Transitions only move forward:
// active auctions end as completed (winner) or expired (no bids); cancelled is
// reserved for administrative intervention.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Auction is a timed listing. Money fields are integer minor units.
// CurrentBid tracks the maximum bid placed so far, nil until the first bid.
type Auction struct {
	ID          string    `json:"id"`
	ItemID      string    `json:"item_id"`
	SellerID    string    `json:"seller_id"`
	Status      Status    `json:"status"`
	StartingBid int64     `json:"starting_bid"`
	CurrentBid  *int64    `json:"current_bid"`
	Currency    string    `json:"currency"`
	EndsAt      time.Time `json:"ends_at"`
	EndedAt     time.Time `json:"ended_at"`
	WinnerID    string    `json:"winner_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Ended reports whether the auction deadline has passed at the given instant.
func (a Auction) Ended(now time.Time) bool {
	return !a.EndsAt.After(now)
}

// Bid is a single offer placed on an auction.
type Bid struct {
	ID        string    `json:"id"`
	AuctionID string    `json:"auction_id"`
	BidderID  string    `json:"bidder_id"`
	Amount    int64     `json:"amount"`
	PlacedAt  time.Time `json:"placed_at"`
}
