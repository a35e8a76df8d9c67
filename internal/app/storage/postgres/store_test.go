package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/collectix/marketplace/internal/app/domain/auction"
	"github.com/collectix/marketplace/internal/app/domain/transaction"
	"github.com/collectix/marketplace/internal/app/storage"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	return New(db), mock, func() { db.Close() }
}

func transactionRows(tx transaction.Transaction) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "buyer_id", "seller_id", "listing_id", "auction_id", "listing_type",
		"status", "currency", "item_amount", "platform_fee_amount", "seller_fee_amount",
		"seller_payout_amount", "shipping_amount", "total_amount", "tracking_number",
		"completed_at", "created_at", "updated_at",
	})
	rows.AddRow(tx.ID, tx.BuyerID, tx.SellerID, tx.ListingID, nullable(tx.AuctionID),
		string(tx.ListingType), string(tx.Status), tx.Currency, tx.ItemAmount,
		tx.PlatformFeeAmount, tx.SellerFeeAmount, tx.SellerPayout,
		nullableInt(tx.ShippingAmount), nullableInt(tx.TotalAmount), tx.TrackingNumber,
		nullableTime(tx.CompletedAt), tx.CreatedAt, tx.UpdatedAt)
	return rows
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func TestCreateTransactionAssignsID(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	mock.ExpectExec("INSERT INTO market_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	created, err := store.CreateTransaction(context.Background(), transaction.Transaction{
		BuyerID:     "buyer-1",
		SellerID:    "seller-1",
		ListingID:   "listing-1",
		ListingType: transaction.ListingSale,
		Currency:    "EUR",
		ItemAmount:  10000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Error("expected generated id")
	}
	if created.Status != transaction.StatusPending {
		t.Errorf("status = %q, want pending", created.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetTransactionNotFound(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	mock.ExpectQuery("SELECT .* FROM market_transactions").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetTransaction(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTransitionTransactionConflict(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	// zero rows updated but the row exists: a competing writer won
	mock.ExpectExec("UPDATE market_transactions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	existing := transaction.Transaction{
		ID: "tx-1", BuyerID: "b", SellerID: "s", ListingID: "l",
		ListingType: transaction.ListingSale, Status: transaction.StatusPaid,
		Currency: "EUR", ItemAmount: 10000,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	mock.ExpectQuery("SELECT .* FROM market_transactions").
		WithArgs("tx-1").
		WillReturnRows(transactionRows(existing))

	_, err := store.TransitionTransaction(context.Background(), "tx-1",
		transaction.StatusPending, transaction.StatusPaid, storage.StatusUpdate{})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTransitionTransactionNotFound(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	mock.ExpectExec("UPDATE market_transactions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .* FROM market_transactions").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.TransitionTransaction(context.Background(), "missing",
		transaction.StatusPending, transaction.StatusPaid, storage.StatusUpdate{})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateBidCAS(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE market_auctions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO market_bids").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	current := int64(8000)
	bid, err := store.CreateBid(context.Background(), auction.Bid{
		AuctionID: "auc-1",
		BidderID:  "bidder-1",
		Amount:    9550,
	}, &current)
	if err != nil {
		t.Fatalf("create bid: %v", err)
	}
	if bid.ID == "" || bid.PlacedAt.IsZero() {
		t.Errorf("bid = %+v, want generated id and timestamp", bid)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateBidStaleCurrent(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE market_auctions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{
		"id", "item_id", "seller_id", "status", "starting_bid", "current_bid",
		"currency", "ends_at", "ended_at", "winner_id", "created_at", "updated_at",
	}).AddRow("auc-1", "item-1", "seller-1", "active", 5000, 9000, "EUR",
		time.Now().Add(time.Hour), nil, nil, time.Now(), time.Now())
	mock.ExpectQuery("SELECT .* FROM market_auctions").
		WithArgs("auc-1").
		WillReturnRows(rows)
	mock.ExpectRollback()

	current := int64(8000)
	_, err := store.CreateBid(context.Background(), auction.Bid{
		AuctionID: "auc-1",
		BidderID:  "bidder-1",
		Amount:    9550,
	}, &current)
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestUpdateAuctionStaleStatus(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	// zero rows updated but the auction exists: it already left the
	// status the caller saw
	mock.ExpectExec("UPDATE market_auctions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{
		"id", "item_id", "seller_id", "status", "starting_bid", "current_bid",
		"currency", "ends_at", "ended_at", "winner_id", "created_at", "updated_at",
	}).AddRow("auc-1", "item-1", "seller-1", "completed", 5000, 9550, "EUR",
		time.Now().Add(-time.Hour), time.Now(), "bidder-1", time.Now(), time.Now())
	mock.ExpectQuery("SELECT .* FROM market_auctions").
		WithArgs("auc-1").
		WillReturnRows(rows)

	_, err := store.UpdateAuction(context.Background(), auction.Auction{
		ID:      "auc-1",
		Status:  auction.StatusCancelled,
		EndedAt: time.Now().UTC(),
	}, auction.StatusActive)
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSettleAuctionAtomic(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE market_auctions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO market_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a := auction.Auction{
		ID:       "auc-1",
		Status:   auction.StatusCompleted,
		WinnerID: "bidder-1",
		EndedAt:  time.Now().UTC(),
	}
	tx := transaction.Transaction{
		BuyerID:     "bidder-1",
		SellerID:    "seller-1",
		ListingID:   "item-1",
		AuctionID:   "auc-1",
		ListingType: transaction.ListingAuction,
		Currency:    "EUR",
		ItemAmount:  9550,
	}
	created, err := store.SettleAuction(context.Background(), a, &tx)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if created.ID == "" || created.AuctionID != "auc-1" {
		t.Errorf("created = %+v", created)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSettleAuctionDuplicateTransaction(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE market_auctions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO market_transactions").
		WillReturnError(&pq.Error{Code: uniqueViolation})
	mock.ExpectRollback()

	_, err := store.SettleAuction(context.Background(), auction.Auction{
		ID:     "auc-1",
		Status: auction.StatusCompleted,
	}, &transaction.Transaction{AuctionID: "auc-1", ListingType: transaction.ListingAuction})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestMapErrUniqueViolation(t *testing.T) {
	err := mapErr(&pq.Error{Code: uniqueViolation})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if mapErr(nil) != nil {
		t.Fatal("mapErr(nil) should be nil")
	}
	other := errors.New("boom")
	if !errors.Is(mapErr(other), other) {
		t.Fatal("unrelated errors pass through")
	}
}
