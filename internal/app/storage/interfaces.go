package storage

import (
	"context"
	"errors"
	"time"

	"github.com/collectix/marketplace/internal/app/domain/auction"
	"github.com/collectix/marketplace/internal/app/domain/shipping"
	"github.com/collectix/marketplace/internal/app/domain/transaction"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict signals a concurrent competing write: a compare-and-swap whose
// expected state no longer holds, or a uniqueness violation. Safe to retry
// once after re-reading current state.
var ErrConflict = errors.New("conflict")

// StatusUpdate carries the optional field changes applied together with a
// transaction status transition.
type StatusUpdate struct {
	TrackingNumber *string
	ShippingAmount *int64
	TotalAmount    *int64
	CompletedAt    *time.Time
}

// TransactionStore persists transactions. Status transitions are conditional
// writes: the store only applies them when the current status matches from,
// returning ErrConflict otherwise.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx transaction.Transaction) (transaction.Transaction, error)
	GetTransaction(ctx context.Context, id string) (transaction.Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID string) ([]transaction.Transaction, error)
	TransitionTransaction(ctx context.Context, id string, from, to transaction.Status, update StatusUpdate) (transaction.Transaction, error)
}

// AuctionStore persists auctions and bids. SettleAuction applies the whole
// settlement outcome as one atomic unit: the auction status swap (conditional
// on the auction still being active) and, when the auction produced a winner,
// the insertion of exactly one settlement transaction. A second settlement of
// the same auction fails with ErrConflict.
type AuctionStore interface {
	CreateAuction(ctx context.Context, a auction.Auction) (auction.Auction, error)
	GetAuction(ctx context.Context, id string) (auction.Auction, error)
	// UpdateAuction writes a only if the stored status still equals from,
	// returning ErrConflict when a competing writer moved it first.
	UpdateAuction(ctx context.Context, a auction.Auction, from auction.Status) (auction.Auction, error)
	ListEndedActiveAuctions(ctx context.Context, now time.Time) ([]auction.Auction, error)

	CreateBid(ctx context.Context, bid auction.Bid, expectedCurrent *int64) (auction.Bid, error)
	ListBids(ctx context.Context, auctionID string) ([]auction.Bid, error)

	SettleAuction(ctx context.Context, a auction.Auction, tx *transaction.Transaction) (transaction.Transaction, error)
}

// LabelStore persists shipping labels and their status history. Labels are
// never deleted; UpdateLabel applies the label change and the optional
// history row in one atomic write.
type LabelStore interface {
	CreateLabel(ctx context.Context, label shipping.Label) (shipping.Label, error)
	GetLabel(ctx context.Context, id string) (shipping.Label, error)
	GetLabelByTransaction(ctx context.Context, transactionID string) (shipping.Label, error)
	GetLabelByOrderCode(ctx context.Context, orderCode string) (shipping.Label, error)
	UpdateLabel(ctx context.Context, label shipping.Label, history *shipping.StatusHistory) (shipping.Label, error)
	ListLabelHistory(ctx context.Context, labelID string) ([]shipping.StatusHistory, error)
	ListOpenLabels(ctx context.Context) ([]shipping.Label, error)
}

// ServicePointStore caches carrier pickup/drop-off points. The upsert key is
// (provider, provider_id); conflicting upserts overwrite all descriptive
// fields and bump updated_at.
type ServicePointStore interface {
	UpsertServicePoints(ctx context.Context, points []shipping.ServicePoint) error
	ListServicePointsByCountry(ctx context.Context, country string) ([]shipping.ServicePoint, error)
	ListServicePointsByPostalCode(ctx context.Context, country, postalCode string) ([]shipping.ServicePoint, error)
}
