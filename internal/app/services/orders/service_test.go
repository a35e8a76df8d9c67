package orders

import (
	"context"
	"errors"
	"testing"

	shipdomain "github.com/collectix/marketplace/internal/app/domain/shipping"
	"github.com/collectix/marketplace/internal/app/domain/transaction"
	"github.com/collectix/marketplace/internal/app/storage"
	"github.com/collectix/marketplace/internal/app/storage/memory"
	"github.com/collectix/marketplace/internal/notify"
)

type railCall struct {
	op            string
	transactionID string
	userID        string
	amount        int64
}

type recordingRail struct {
	calls []railCall
}

func (r *recordingRail) Payout(_ context.Context, transactionID, userID string, amount int64, _ string) error {
	r.calls = append(r.calls, railCall{"payout", transactionID, userID, amount})
	return nil
}

func (r *recordingRail) Refund(_ context.Context, transactionID, userID string, amount int64, _ string) error {
	r.calls = append(r.calls, railCall{"refund", transactionID, userID, amount})
	return nil
}

var (
	buyer  = Identity{UserID: "buyer-1"}
	seller = Identity{UserID: "seller-1"}
	admin  = Identity{UserID: "ops-1", Admin: true}
)

func seedOrder(t *testing.T, store *memory.Store, status transaction.Status) transaction.Transaction {
	t.Helper()
	shipping := int64(1000)
	total := int64(11500)
	tx, err := store.CreateTransaction(context.Background(), transaction.Transaction{
		BuyerID:           "buyer-1",
		SellerID:          "seller-1",
		ListingID:         "listing-1",
		ListingType:       transaction.ListingSale,
		Status:            status,
		Currency:          "EUR",
		ItemAmount:        10000,
		PlatformFeeAmount: 500,
		SellerFeeAmount:   100,
		SellerPayout:      9900,
		ShippingAmount:    &shipping,
		TotalAmount:       &total,
	})
	if err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	return tx
}

func TestCheckoutComputesAmounts(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil, nil, nil)

	tx, err := svc.Checkout(context.Background(), buyer, CheckoutRequest{
		SellerID:       "seller-1",
		ListingID:      "listing-1",
		Currency:       "eur",
		ItemAmount:     10000,
		ShippingAmount: 1000,
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if tx.PlatformFeeAmount != 500 || tx.SellerFeeAmount != 100 || tx.SellerPayout != 9900 {
		t.Errorf("fees = %d/%d/%d, want 500/100/9900",
			tx.PlatformFeeAmount, tx.SellerFeeAmount, tx.SellerPayout)
	}
	if tx.TotalAmount == nil || *tx.TotalAmount != 11500 {
		t.Errorf("total = %v, want 11500", tx.TotalAmount)
	}
	if tx.Currency != "EUR" {
		t.Errorf("currency = %q, want EUR", tx.Currency)
	}
	if tx.Status != transaction.StatusPending {
		t.Errorf("status = %q, want pending", tx.Status)
	}
}

func TestCheckoutRejectsSelfPurchase(t *testing.T) {
	svc := New(memory.New(), nil, nil, nil, nil)
	_, err := svc.Checkout(context.Background(), buyer, CheckoutRequest{
		SellerID:   "buyer-1",
		ListingID:  "listing-1",
		Currency:   "EUR",
		ItemAmount: 10000,
	})
	if !errors.Is(err, transaction.ErrInvalidTransition) {
		t.Fatalf("err = %v, want invalid transition", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	store := memory.New()
	rail := &recordingRail{}
	svc := New(store, rail, nil, nil, nil)
	tx := seedOrder(t, store, transaction.StatusPending)

	if _, err := svc.MarkPaid(context.Background(), buyer, tx.ID); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	shipped, err := svc.Ship(context.Background(), seller, tx.ID, "TRK-001")
	if err != nil {
		t.Fatalf("ship: %v", err)
	}
	if shipped.TrackingNumber != "TRK-001" {
		t.Errorf("tracking = %q, want TRK-001", shipped.TrackingNumber)
	}
	if _, err := svc.Deliver(context.Background(), buyer, tx.ID); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	completed, err := svc.Complete(context.Background(), buyer, tx.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != transaction.StatusCompleted {
		t.Errorf("status = %q, want completed", completed.Status)
	}
	if completed.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}

	if len(rail.calls) != 1 {
		t.Fatalf("rail calls = %d, want 1", len(rail.calls))
	}
	call := rail.calls[0]
	if call.op != "payout" || call.userID != "seller-1" || call.amount != 9900 {
		t.Errorf("payout call = %+v, want 9900 to seller-1", call)
	}
}

func TestShipAuthorization(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil, nil, nil)
	tx := seedOrder(t, store, transaction.StatusPaid)

	if _, err := svc.Ship(context.Background(), buyer, tx.ID, "TRK-001"); !errors.Is(err, transaction.ErrForbidden) {
		t.Fatalf("buyer ship err = %v, want forbidden", err)
	}
	if _, err := svc.Ship(context.Background(), admin, tx.ID, "TRK-001"); err != nil {
		t.Fatalf("admin ship: %v", err)
	}
}

func TestShipRequiresTracking(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil, nil, nil)
	tx := seedOrder(t, store, transaction.StatusPaid)

	if _, err := svc.Ship(context.Background(), seller, tx.ID, ""); !errors.Is(err, transaction.ErrInvalidTransition) {
		t.Fatalf("err = %v, want invalid transition", err)
	}
}

func TestCompleteBuyerOnly(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil, nil, nil)
	tx := seedOrder(t, store, transaction.StatusDelivered)

	if _, err := svc.Complete(context.Background(), seller, tx.ID); !errors.Is(err, transaction.ErrForbidden) {
		t.Fatalf("seller complete err = %v, want forbidden", err)
	}
	if _, err := svc.Complete(context.Background(), admin, tx.ID); !errors.Is(err, transaction.ErrForbidden) {
		t.Fatalf("admin complete err = %v, want forbidden", err)
	}
	if _, err := svc.Complete(context.Background(), buyer, tx.ID); err != nil {
		t.Fatalf("buyer complete: %v", err)
	}
}

func TestCancelCompletedRejected(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil, nil, nil)
	tx := seedOrder(t, store, transaction.StatusCompleted)

	_, err := svc.Cancel(context.Background(), buyer, tx.ID)
	if !errors.Is(err, transaction.ErrInvalidTransition) {
		t.Fatalf("err = %v, want invalid transition", err)
	}
	got, err := store.GetTransaction(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != transaction.StatusCompleted {
		t.Errorf("status changed to %q", got.Status)
	}
}

func TestCancelRefundExcludesPlatformFee(t *testing.T) {
	store := memory.New()
	rail := &recordingRail{}
	svc := New(store, rail, nil, nil, nil)
	tx := seedOrder(t, store, transaction.StatusPaid)

	cancelled, err := svc.Cancel(context.Background(), seller, tx.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != transaction.StatusCancelled {
		t.Errorf("status = %q, want cancelled", cancelled.Status)
	}

	if len(rail.calls) != 1 {
		t.Fatalf("rail calls = %d, want 1", len(rail.calls))
	}
	call := rail.calls[0]
	if call.op != "refund" || call.userID != "buyer-1" {
		t.Errorf("call = %+v, want refund to buyer-1", call)
	}
	// total 11500 minus the non-refundable platform fee 500
	if call.amount != 11000 {
		t.Errorf("refund amount = %d, want 11000", call.amount)
	}
}

func TestCancelPendingSkipsRefund(t *testing.T) {
	store := memory.New()
	rail := &recordingRail{}
	svc := New(store, rail, nil, nil, nil)
	tx := seedOrder(t, store, transaction.StatusPending)

	if _, err := svc.Cancel(context.Background(), buyer, tx.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(rail.calls) != 0 {
		t.Fatalf("rail calls = %d, want none before payment", len(rail.calls))
	}
}

func TestCancelStrangerForbidden(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil, nil, nil)
	tx := seedOrder(t, store, transaction.StatusPending)

	_, err := svc.Cancel(context.Background(), Identity{UserID: "someone-else"}, tx.ID)
	if !errors.Is(err, transaction.ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestSkipStateRejected(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil, nil, nil)
	tx := seedOrder(t, store, transaction.StatusPending)

	if _, err := svc.Ship(context.Background(), seller, tx.ID, "TRK-001"); !errors.Is(err, transaction.ErrInvalidTransition) {
		t.Fatalf("ship from pending err = %v, want invalid transition", err)
	}
	if _, err := svc.Deliver(context.Background(), buyer, tx.ID); !errors.Is(err, transaction.ErrInvalidTransition) {
		t.Fatalf("deliver from pending err = %v, want invalid transition", err)
	}
}

func TestGetVisibility(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil, nil, nil)
	tx := seedOrder(t, store, transaction.StatusPending)

	for _, id := range []Identity{buyer, seller, admin} {
		if _, err := svc.Get(context.Background(), id, tx.ID); err != nil {
			t.Errorf("get as %s: %v", id.UserID, err)
		}
	}
	if _, err := svc.Get(context.Background(), Identity{UserID: "stranger"}, tx.ID); !errors.Is(err, transaction.ErrForbidden) {
		t.Errorf("stranger get err = %v, want forbidden", err)
	}
	if _, err := svc.Get(context.Background(), admin, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing get err = %v, want not found", err)
	}
}

type staticLabels struct {
	label shipdomain.Label
	err   error
}

func (s staticLabels) LabelForTransaction(context.Context, string) (shipdomain.Label, error) {
	return s.label, s.err
}

func TestShipResolvesTrackingFromLabel(t *testing.T) {
	store := memory.New()
	labels := staticLabels{label: shipdomain.Label{TrackingNumber: "CARRIER-42"}}
	svc := New(store, nil, labels, nil, nil)
	tx := seedOrder(t, store, transaction.StatusPaid)

	shipped, err := svc.Ship(context.Background(), seller, tx.ID, "")
	if err != nil {
		t.Fatalf("ship: %v", err)
	}
	if shipped.TrackingNumber != "CARRIER-42" {
		t.Errorf("tracking = %q, want label tracking CARRIER-42", shipped.TrackingNumber)
	}
}

func TestShipNoLabelNoTracking(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, staticLabels{err: storage.ErrNotFound}, nil, nil)
	tx := seedOrder(t, store, transaction.StatusPaid)

	if _, err := svc.Ship(context.Background(), seller, tx.ID, ""); !errors.Is(err, transaction.ErrInvalidTransition) {
		t.Fatalf("err = %v, want invalid transition", err)
	}
}

func TestShippedEventTargetsBuyer(t *testing.T) {
	store := memory.New()
	var events []notify.Event
	sink := notify.SinkFunc(func(_ context.Context, e notify.Event) { events = append(events, e) })
	svc := New(store, nil, nil, sink, nil)
	tx := seedOrder(t, store, transaction.StatusPaid)

	if _, err := svc.Ship(context.Background(), seller, tx.ID, "TRK-001"); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if len(events) != 1 || events[0].Kind != notify.EventOrderShipped || events[0].UserID != "buyer-1" {
		t.Fatalf("events = %+v, want order.shipped to buyer-1", events)
	}
}
