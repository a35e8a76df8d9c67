package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/collectix/marketplace/internal/app/domain/auction"
	"github.com/collectix/marketplace/internal/app/domain/transaction"
	"github.com/collectix/marketplace/internal/app/storage"
	"github.com/collectix/marketplace/internal/app/storage/memory"
	"github.com/collectix/marketplace/internal/notify"
)

func seedAuction(t *testing.T, store *memory.Store, endsAt time.Time) auction.Auction {
	t.Helper()
	a, err := store.CreateAuction(context.Background(), auction.Auction{
		ItemID:      "item-1",
		SellerID:    "seller-1",
		Status:      auction.StatusActive,
		StartingBid: 5000,
		Currency:    "EUR",
		EndsAt:      endsAt,
	})
	if err != nil {
		t.Fatalf("create auction: %v", err)
	}
	return a
}

func placeBid(t *testing.T, store *memory.Store, auctionID, bidder string, amount int64, expected *int64, at time.Time) {
	t.Helper()
	_, err := store.CreateBid(context.Background(), auction.Bid{
		AuctionID: auctionID,
		BidderID:  bidder,
		Amount:    amount,
		PlacedAt:  at,
	}, expected)
	if err != nil {
		t.Fatalf("place bid %d by %s: %v", amount, bidder, err)
	}
}

func TestSettleDueCreatesTransaction(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := seedAuction(t, store, now.Add(-time.Minute))

	t1 := now.Add(-time.Hour)
	placeBid(t, store, a.ID, "bidder-1", 8000, nil, t1)
	prev := int64(8000)
	placeBid(t, store, a.ID, "bidder-2", 9550, &prev, t1.Add(time.Minute))

	var events []notify.Event
	sink := notify.SinkFunc(func(_ context.Context, e notify.Event) {
		events = append(events, e)
	})
	engine := New(store, sink, nil)

	settled, err := engine.SettleDue(context.Background(), now)
	if err != nil {
		t.Fatalf("settle due: %v", err)
	}
	if settled != 1 {
		t.Fatalf("settled = %d, want 1", settled)
	}

	got, err := store.GetAuction(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("get auction: %v", err)
	}
	if got.Status != auction.StatusCompleted {
		t.Errorf("auction status = %q, want completed", got.Status)
	}
	if got.WinnerID != "bidder-2" {
		t.Errorf("winner = %q, want bidder-2", got.WinnerID)
	}
	if got.EndedAt.IsZero() {
		t.Error("EndedAt not set")
	}

	txs, err := store.ListTransactionsByUser(context.Background(), "bidder-2")
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	tx := txs[0]
	if tx.Status != transaction.StatusPending {
		t.Errorf("status = %q, want pending", tx.Status)
	}
	if tx.ListingType != transaction.ListingAuction {
		t.Errorf("listing type = %q, want auction", tx.ListingType)
	}
	if tx.AuctionID != a.ID {
		t.Errorf("auction id = %q, want %q", tx.AuctionID, a.ID)
	}
	if tx.ItemAmount != 9550 {
		t.Errorf("item amount = %d, want 9550", tx.ItemAmount)
	}
	if tx.PlatformFeeAmount != 478 {
		t.Errorf("platform fee = %d, want 478", tx.PlatformFeeAmount)
	}
	if tx.SellerFeeAmount != 96 {
		t.Errorf("seller fee = %d, want 96", tx.SellerFeeAmount)
	}
	if tx.SellerPayout != 9454 {
		t.Errorf("seller payout = %d, want 9454", tx.SellerPayout)
	}
	if tx.ShippingAmount != nil || tx.TotalAmount != nil {
		t.Error("shipping and total must stay unset until checkout")
	}

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Kind != notify.EventAuctionWon || events[0].UserID != "bidder-2" {
		t.Errorf("first event = %+v, want auction.won for bidder-2", events[0])
	}
	if events[1].Kind != notify.EventItemSold || events[1].UserID != "seller-1" {
		t.Errorf("second event = %+v, want item.sold for seller-1", events[1])
	}
}

func TestSettleDueIdempotent(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := seedAuction(t, store, now.Add(-time.Minute))
	placeBid(t, store, a.ID, "bidder-1", 8000, nil, now.Add(-time.Hour))

	engine := New(store, nil, nil)

	if settled, err := engine.SettleDue(context.Background(), now); err != nil || settled != 1 {
		t.Fatalf("first run: settled=%d err=%v", settled, err)
	}
	if settled, err := engine.SettleDue(context.Background(), now); err != nil || settled != 0 {
		t.Fatalf("second run: settled=%d err=%v, want 0 nil", settled, err)
	}

	txs, err := store.ListTransactionsByUser(context.Background(), "bidder-1")
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("transactions after rerun = %d, want 1", len(txs))
	}
}

func TestSettleConflictOnResettle(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := seedAuction(t, store, now.Add(-time.Minute))
	placeBid(t, store, a.ID, "bidder-1", 8000, nil, now.Add(-time.Hour))

	engine := New(store, nil, nil)
	if _, err := engine.Settle(context.Background(), a, now); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if _, err := engine.Settle(context.Background(), a, now); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("second settle err = %v, want ErrConflict", err)
	}
}

func TestSettleExpiresWithoutBids(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := seedAuction(t, store, now.Add(-time.Minute))

	var events []notify.Event
	sink := notify.SinkFunc(func(_ context.Context, e notify.Event) {
		events = append(events, e)
	})
	engine := New(store, sink, nil)

	settled, err := engine.SettleDue(context.Background(), now)
	if err != nil {
		t.Fatalf("settle due: %v", err)
	}
	if settled != 0 {
		t.Fatalf("settled = %d, want 0 for expired auction", settled)
	}

	got, err := store.GetAuction(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("get auction: %v", err)
	}
	if got.Status != auction.StatusExpired {
		t.Errorf("status = %q, want expired", got.Status)
	}
	if got.WinnerID != "" {
		t.Errorf("winner = %q, want empty", got.WinnerID)
	}

	txs, err := store.ListTransactionsByUser(context.Background(), "seller-1")
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("transactions = %d, want none", len(txs))
	}
	if len(events) != 1 || events[0].Kind != notify.EventAuctionExpired {
		t.Fatalf("events = %+v, want single auction.expired", events)
	}
}

func TestSettleRejectsRunningAuction(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := seedAuction(t, store, now.Add(time.Hour))

	engine := New(store, nil, nil)
	if _, err := engine.Settle(context.Background(), a, now); err == nil {
		t.Fatal("expected error settling an auction before its deadline")
	}
}

func TestWinningBidTieBreak(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	bids := []auction.Bid{
		{BidderID: "late", Amount: 9000, PlacedAt: base.Add(2 * time.Minute)},
		{BidderID: "early", Amount: 9000, PlacedAt: base},
		{BidderID: "low", Amount: 8500, PlacedAt: base.Add(time.Minute)},
	}

	winner, found := winningBid(bids)
	if !found {
		t.Fatal("expected a winner")
	}
	if winner.BidderID != "early" {
		t.Errorf("winner = %q, want earliest among equal maxima", winner.BidderID)
	}

	if _, found := winningBid(nil); found {
		t.Error("empty bid list must not produce a winner")
	}
}
