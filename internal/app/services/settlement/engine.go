// Package settlement turns ended auctions into financially-correct
// transaction records.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/collectix/marketplace/internal/app/domain/auction"
	"github.com/collectix/marketplace/internal/app/domain/transaction"
	"github.com/collectix/marketplace/internal/app/metrics"
	"github.com/collectix/marketplace/internal/app/services/fees"
	"github.com/collectix/marketplace/internal/app/storage"
	"github.com/collectix/marketplace/internal/notify"
	"github.com/collectix/marketplace/pkg/logger"
)

// Engine settles ended auctions: it determines the winner, computes the fee
// breakdown and writes the auction outcome plus the settlement transaction
// as one atomic unit. Notifications are dispatched after the write and never
// roll it back.
type Engine struct {
	auctions    storage.AuctionStore
	sink        notify.Sink
	platformPct float64
	sellerPct   float64
	log         *logger.Logger
}

// New constructs a settlement engine with the default fee rates.
func New(auctions storage.AuctionStore, sink notify.Sink, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	if sink == nil {
		sink = notify.NewLogSink(log)
	}
	return &Engine{
		auctions:    auctions,
		sink:        sink,
		platformPct: fees.DefaultPlatformPct,
		sellerPct:   fees.DefaultSellerPct,
		log:         log,
	}
}

// WithRates overrides the configured fee percentages.
func (e *Engine) WithRates(platformPct, sellerPct float64) *Engine {
	e.platformPct = platformPct
	e.sellerPct = sellerPct
	return e
}

// SettleDue scans auctions whose deadline passed and settles each one.
// Conflicts mean another replica settled the auction first; they are skipped,
// not failed. Returns the number of auctions settled with a winner.
func (e *Engine) SettleDue(ctx context.Context, now time.Time) (int, error) {
	due, err := e.auctions.ListEndedActiveAuctions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list ended auctions: %w", err)
	}

	settled := 0
	for _, a := range due {
		tx, err := e.Settle(ctx, a, now)
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			e.log.WithError(err).WithField("auction_id", a.ID).Warn("auction settlement failed")
			continue
		}
		if tx.ID != "" {
			settled++
		}
	}
	return settled, nil
}

// Settle resolves one auction. Re-settling an already processed auction
// fails with storage.ErrConflict and leaves no trace, which makes the
// operation idempotent across replicas and reruns.
func (e *Engine) Settle(ctx context.Context, a auction.Auction, now time.Time) (transaction.Transaction, error) {
	if !a.Ended(now) {
		return transaction.Transaction{}, fmt.Errorf("auction %s has not ended", a.ID)
	}

	bids, err := e.auctions.ListBids(ctx, a.ID)
	if err != nil {
		return transaction.Transaction{}, fmt.Errorf("list bids: %w", err)
	}

	winner, found := winningBid(bids)
	a.EndedAt = now.UTC()

	if !found {
		a.Status = auction.StatusExpired
		if _, err := e.auctions.SettleAuction(ctx, a, nil); err != nil {
			return transaction.Transaction{}, err
		}
		metrics.SettlementProcessed("expired")
		e.sink.Notify(ctx, notify.Event{
			Kind:      notify.EventAuctionExpired,
			UserID:    a.SellerID,
			AuctionID: a.ID,
		})
		e.log.WithField("auction_id", a.ID).Info("auction expired without bids")
		return transaction.Transaction{}, nil
	}

	breakdown, err := fees.Compute(winner.Amount, e.platformPct, e.sellerPct)
	if err != nil {
		return transaction.Transaction{}, fmt.Errorf("fee breakdown: %w", err)
	}

	a.Status = auction.StatusCompleted
	a.WinnerID = winner.BidderID

	tx := transaction.Transaction{
		BuyerID:           winner.BidderID,
		SellerID:          a.SellerID,
		ListingID:         a.ItemID,
		AuctionID:         a.ID,
		ListingType:       transaction.ListingAuction,
		Status:            transaction.StatusPending,
		Currency:          a.Currency,
		ItemAmount:        breakdown.ItemAmount,
		PlatformFeeAmount: breakdown.PlatformFee,
		SellerFeeAmount:   breakdown.SellerFee,
		SellerPayout:      breakdown.SellerPayout,
	}

	created, err := e.auctions.SettleAuction(ctx, a, &tx)
	if err != nil {
		return transaction.Transaction{}, err
	}
	metrics.SettlementProcessed("completed")

	e.sink.Notify(ctx, notify.Event{
		Kind:          notify.EventAuctionWon,
		UserID:        winner.BidderID,
		TransactionID: created.ID,
		AuctionID:     a.ID,
		Amount:        created.ItemAmount,
		Currency:      created.Currency,
	})
	e.sink.Notify(ctx, notify.Event{
		Kind:          notify.EventItemSold,
		UserID:        a.SellerID,
		TransactionID: created.ID,
		AuctionID:     a.ID,
		Amount:        created.SellerPayout,
		Currency:      created.Currency,
	})

	e.log.WithField("auction_id", a.ID).
		WithField("transaction_id", created.ID).
		WithField("item_amount", created.ItemAmount).
		Info("auction settled")
	return created, nil
}

// winningBid picks the strictly highest bid; among equal maximum amounts the
// earliest-placed bid wins. Equal maxima cannot occur when bid validation is
// enforced, but source data is not trusted to be clean.
func winningBid(bids []auction.Bid) (auction.Bid, bool) {
	var best auction.Bid
	found := false
	for _, b := range bids {
		if !found || b.Amount > best.Amount ||
			(b.Amount == best.Amount && b.PlacedAt.Before(best.PlacedAt)) {
			best = b
			found = true
		}
	}
	return best, found
}
