// Package auctions manages timed listings and bid placement.
package auctions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/collectix/marketplace/internal/app/domain/auction"
	"github.com/collectix/marketplace/internal/app/domain/transaction"
	"github.com/collectix/marketplace/internal/app/storage"
	"github.com/collectix/marketplace/pkg/logger"
)

// ErrBidTooLow is returned when a bid does not beat the current maximum.
var ErrBidTooLow = errors.New("bid must exceed the current bid")

// ErrAuctionClosed is returned when bidding on an auction that is no longer
// active or whose deadline has passed.
var ErrAuctionClosed = errors.New("auction is closed")

// Service manages auction listings. Bid placement uses a conditional write on
// the auction's current bid, so two concurrent bids of the same amount cannot
// both land; the loser observes storage.ErrConflict and re-reads.
type Service struct {
	store storage.AuctionStore
	log   *logger.Logger
}

// New constructs the auction service.
func New(store storage.AuctionStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("auctions")
	}
	return &Service{store: store, log: log}
}

// CreateRequest describes a new auction listing.
type CreateRequest struct {
	ItemID      string
	SellerID    string
	StartingBid int64
	Currency    string
	EndsAt      time.Time
}

// Create opens a new auction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (auction.Auction, error) {
	if req.ItemID == "" || req.SellerID == "" {
		return auction.Auction{}, errors.New("item id and seller id are required")
	}
	if req.StartingBid <= 0 {
		return auction.Auction{}, fmt.Errorf("starting bid must be positive, got %d", req.StartingBid)
	}
	if !req.EndsAt.After(time.Now()) {
		return auction.Auction{}, errors.New("ends_at must be in the future")
	}

	a, err := s.store.CreateAuction(ctx, auction.Auction{
		ItemID:      req.ItemID,
		SellerID:    req.SellerID,
		Status:      auction.StatusActive,
		StartingBid: req.StartingBid,
		Currency:    strings.ToUpper(req.Currency),
		EndsAt:      req.EndsAt.UTC(),
	})
	if err != nil {
		return auction.Auction{}, fmt.Errorf("create auction: %w", err)
	}
	s.log.WithField("auction_id", a.ID).WithField("ends_at", a.EndsAt).Info("auction opened")
	return a, nil
}

// Get returns one auction.
func (s *Service) Get(ctx context.Context, id string) (auction.Auction, error) {
	return s.store.GetAuction(ctx, id)
}

// ListBids returns the bids of an auction ordered by placement time.
func (s *Service) ListBids(ctx context.Context, auctionID string) ([]auction.Bid, error) {
	return s.store.ListBids(ctx, auctionID)
}

// PlaceBid records a bid. The amount must strictly exceed the current bid,
// or the starting bid when none was placed yet, which also rules out ties.
func (s *Service) PlaceBid(ctx context.Context, bidderID, auctionID string, amount int64) (auction.Bid, error) {
	a, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return auction.Bid{}, err
	}
	if a.Status != auction.StatusActive || a.Ended(time.Now()) {
		return auction.Bid{}, ErrAuctionClosed
	}
	if bidderID == a.SellerID {
		return auction.Bid{}, fmt.Errorf("%w: sellers cannot bid on their own auction", transaction.ErrForbidden)
	}

	floor := a.StartingBid
	if a.CurrentBid != nil && *a.CurrentBid > floor {
		floor = *a.CurrentBid
	}
	if amount <= floor {
		return auction.Bid{}, fmt.Errorf("%w: %d <= %d", ErrBidTooLow, amount, floor)
	}

	bid, err := s.store.CreateBid(ctx, auction.Bid{
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		PlacedAt:  time.Now().UTC(),
	}, a.CurrentBid)
	if err != nil {
		return auction.Bid{}, err
	}
	s.log.WithField("auction_id", auctionID).
		WithField("amount", amount).
		Info("bid placed")
	return bid, nil
}

// Cancel withdraws an active auction. Administrative operation; settled
// auctions are immutable.
func (s *Service) Cancel(ctx context.Context, id string) (auction.Auction, error) {
	a, err := s.store.GetAuction(ctx, id)
	if err != nil {
		return auction.Auction{}, err
	}
	if a.Status != auction.StatusActive {
		return auction.Auction{}, fmt.Errorf("%w: auction is %s", storage.ErrConflict, a.Status)
	}

	a.Status = auction.StatusCancelled
	a.EndedAt = time.Now().UTC()
	// conditional on the auction still being active; a settlement that
	// landed between the read and this write wins
	updated, err := s.store.UpdateAuction(ctx, a, auction.StatusActive)
	if err != nil {
		return auction.Auction{}, err
	}
	s.log.WithField("auction_id", id).Warn("auction cancelled by administrator")
	return updated, nil
}
