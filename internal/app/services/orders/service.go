// Package orders drives the transaction lifecycle state machine and its
// role-based authorization.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/collectix/marketplace/internal/app/domain/shipping"
	"github.com/collectix/marketplace/internal/app/domain/transaction"
	"github.com/collectix/marketplace/internal/app/metrics"
	"github.com/collectix/marketplace/internal/app/services/fees"
	"github.com/collectix/marketplace/internal/app/storage"
	"github.com/collectix/marketplace/internal/notify"
	"github.com/collectix/marketplace/pkg/logger"
)

// Identity is the verified caller of an operation. The service never trusts
// client-supplied role claims; Admin is set by the authentication layer.
type Identity struct {
	UserID string
	Admin  bool
}

// PaymentRail releases seller payouts and processes refunds. Implementations
// must be idempotent per transaction id.
type PaymentRail interface {
	Payout(ctx context.Context, transactionID, userID string, amount int64, currency string) error
	Refund(ctx context.Context, transactionID, userID string, amount int64, currency string) error
}

// LabelSource resolves the shipping label attached to a transaction. The
// shipping orchestrator implements it; ship uses it to pick up a carrier
// tracking number when the caller did not supply one.
type LabelSource interface {
	LabelForTransaction(ctx context.Context, transactionID string) (shipping.Label, error)
}

// CheckoutRequest creates a sale-path transaction with all amounts fixed at
// creation time.
type CheckoutRequest struct {
	BuyerID        string
	SellerID       string
	ListingID      string
	Currency       string
	ItemAmount     int64
	ShippingAmount int64
}

// Service is the order lifecycle engine. All transitions are conditional
// writes on the current status so concurrent competing calls cannot both
// succeed.
type Service struct {
	store  storage.TransactionStore
	rail   PaymentRail
	labels LabelSource
	sink   notify.Sink
	log    *logger.Logger
}

// New constructs the order service. rail and labels may be nil: payouts then
// only get logged and ship requires an explicit tracking number.
func New(store storage.TransactionStore, rail PaymentRail, labels LabelSource, sink notify.Sink, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("orders")
	}
	if sink == nil {
		sink = notify.NewLogSink(log)
	}
	if rail == nil {
		rail = NewLogRail(log)
	}
	return &Service{store: store, rail: rail, labels: labels, sink: sink, log: log}
}

// Checkout creates a fixed-price sale transaction. Unlike the auction path,
// shipping and total are known up front and set immediately.
func (s *Service) Checkout(ctx context.Context, caller Identity, req CheckoutRequest) (transaction.Transaction, error) {
	if req.BuyerID == "" {
		req.BuyerID = caller.UserID
	}
	if req.BuyerID != caller.UserID && !caller.Admin {
		return transaction.Transaction{}, transaction.ErrForbidden
	}
	if req.BuyerID == req.SellerID {
		return transaction.Transaction{}, fmt.Errorf("%w: buyer and seller must differ", transaction.ErrInvalidTransition)
	}
	if req.SellerID == "" || req.ListingID == "" {
		return transaction.Transaction{}, errors.New("seller id and listing id are required")
	}
	if req.ShippingAmount < 0 {
		return transaction.Transaction{}, fees.ErrInvalidAmount
	}

	breakdown, err := fees.Compute(req.ItemAmount, fees.DefaultPlatformPct, fees.DefaultSellerPct)
	if err != nil {
		return transaction.Transaction{}, err
	}
	total, err := fees.BuyerTotal(req.ItemAmount, req.ShippingAmount, breakdown.PlatformFee)
	if err != nil {
		return transaction.Transaction{}, err
	}

	shippingAmt := req.ShippingAmount
	tx := transaction.Transaction{
		BuyerID:           req.BuyerID,
		SellerID:          req.SellerID,
		ListingID:         req.ListingID,
		ListingType:       transaction.ListingSale,
		Status:            transaction.StatusPending,
		Currency:          strings.ToUpper(req.Currency),
		ItemAmount:        breakdown.ItemAmount,
		PlatformFeeAmount: breakdown.PlatformFee,
		SellerFeeAmount:   breakdown.SellerFee,
		SellerPayout:      breakdown.SellerPayout,
		ShippingAmount:    &shippingAmt,
		TotalAmount:       &total,
	}

	created, err := s.store.CreateTransaction(ctx, tx)
	if err != nil {
		return transaction.Transaction{}, fmt.Errorf("create transaction: %w", err)
	}
	s.log.WithField("transaction_id", created.ID).
		WithField("total_amount", total).
		Info("sale checkout created")
	return created, nil
}

// Get returns a transaction to one of its parties or an admin.
func (s *Service) Get(ctx context.Context, caller Identity, id string) (transaction.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return transaction.Transaction{}, err
	}
	if !caller.Admin && caller.UserID != tx.BuyerID && caller.UserID != tx.SellerID {
		return transaction.Transaction{}, transaction.ErrForbidden
	}
	return tx, nil
}

// ListForUser lists transactions where the user is buyer or seller. Users may
// only list their own; admins may list anyone's.
func (s *Service) ListForUser(ctx context.Context, caller Identity, userID string) ([]transaction.Transaction, error) {
	if userID == "" {
		userID = caller.UserID
	}
	if userID != caller.UserID && !caller.Admin {
		return nil, transaction.ErrForbidden
	}
	return s.store.ListTransactionsByUser(ctx, userID)
}

// MarkPaid confirms payment: pending -> paid. Buyer or admin.
func (s *Service) MarkPaid(ctx context.Context, caller Identity, id string) (transaction.Transaction, error) {
	return s.transition(ctx, caller, id, transaction.StatusPaid, storage.StatusUpdate{}, func(tx transaction.Transaction) error {
		if !caller.Admin && caller.UserID != tx.BuyerID {
			return transaction.ErrForbidden
		}
		return nil
	})
}

// Ship moves paid -> shipped. Seller or admin only; a tracking number is
// required, either given by the caller or taken from the purchased label for
// this transaction.
func (s *Service) Ship(ctx context.Context, caller Identity, id, trackingNumber string) (transaction.Transaction, error) {
	if trackingNumber == "" && s.labels != nil {
		label, err := s.labels.LabelForTransaction(ctx, id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return transaction.Transaction{}, fmt.Errorf("resolve label: %w", err)
		}
		if err == nil {
			trackingNumber = label.TrackingNumber
		}
	}
	if trackingNumber == "" {
		return transaction.Transaction{}, fmt.Errorf("%w: tracking number required to ship", transaction.ErrInvalidTransition)
	}

	update := storage.StatusUpdate{TrackingNumber: &trackingNumber}
	tx, err := s.transition(ctx, caller, id, transaction.StatusShipped, update, func(tx transaction.Transaction) error {
		if !caller.Admin && caller.UserID != tx.SellerID {
			return transaction.ErrForbidden
		}
		return nil
	})
	if err != nil {
		return transaction.Transaction{}, err
	}

	s.sink.Notify(ctx, notify.Event{
		Kind:          notify.EventOrderShipped,
		UserID:        tx.BuyerID,
		TransactionID: tx.ID,
	})
	return tx, nil
}

// Deliver moves shipped -> delivered. Buyer or admin.
func (s *Service) Deliver(ctx context.Context, caller Identity, id string) (transaction.Transaction, error) {
	return s.transition(ctx, caller, id, transaction.StatusDelivered, storage.StatusUpdate{}, func(tx transaction.Transaction) error {
		if !caller.Admin && caller.UserID != tx.BuyerID {
			return transaction.ErrForbidden
		}
		return nil
	})
}

// Complete moves delivered -> completed and releases the seller payout.
// Buyer only.
func (s *Service) Complete(ctx context.Context, caller Identity, id string) (transaction.Transaction, error) {
	now := time.Now().UTC()
	update := storage.StatusUpdate{CompletedAt: &now}
	tx, err := s.transition(ctx, caller, id, transaction.StatusCompleted, update, func(tx transaction.Transaction) error {
		if caller.UserID != tx.BuyerID {
			return transaction.ErrForbidden
		}
		return nil
	})
	if err != nil {
		return transaction.Transaction{}, err
	}

	if err := s.rail.Payout(ctx, tx.ID, tx.SellerID, tx.SellerPayout, tx.Currency); err != nil {
		// Rail is idempotent per transaction id; retried out of band.
		s.log.WithError(err).WithField("transaction_id", tx.ID).Error("seller payout failed")
	}

	s.sink.Notify(ctx, notify.Event{
		Kind:          notify.EventOrderCompleted,
		UserID:        tx.SellerID,
		TransactionID: tx.ID,
		Amount:        tx.SellerPayout,
		Currency:      tx.Currency,
	})
	return tx, nil
}

// Cancel aborts an order. Buyer, seller or admin; blocked once completed.
// When payment had already been captured, the refund excludes the platform
// fee, which is non-refundable.
func (s *Service) Cancel(ctx context.Context, caller Identity, id string) (transaction.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return transaction.Transaction{}, err
	}
	if !caller.Admin && caller.UserID != tx.BuyerID && caller.UserID != tx.SellerID {
		return transaction.Transaction{}, transaction.ErrForbidden
	}
	if !tx.CanTransition(transaction.StatusCancelled) {
		return transaction.Transaction{}, fmt.Errorf("%w: %s -> cancelled", transaction.ErrInvalidTransition, tx.Status)
	}

	paid := tx.Status != transaction.StatusPending
	from := tx.Status

	updated, err := s.store.TransitionTransaction(ctx, id, from, transaction.StatusCancelled, storage.StatusUpdate{})
	if err != nil {
		return transaction.Transaction{}, err
	}
	metrics.TransitionApplied(string(from), string(transaction.StatusCancelled))

	if paid {
		if err := s.rail.Refund(ctx, updated.ID, updated.BuyerID, refundableAmount(updated), updated.Currency); err != nil {
			s.log.WithError(err).WithField("transaction_id", updated.ID).Error("refund failed")
		}
	}

	s.sink.Notify(ctx, notify.Event{
		Kind:          notify.EventOrderCancelled,
		UserID:        updated.BuyerID,
		TransactionID: updated.ID,
	})
	s.log.WithField("transaction_id", updated.ID).
		WithField("from", string(from)).
		Info("order cancelled")
	return updated, nil
}

// transition applies one guarded status change. authorize runs against the
// freshly read transaction; the write itself is compare-and-swapped on the
// status that was read, so a concurrent competing transition surfaces as
// storage.ErrConflict.
func (s *Service) transition(ctx context.Context, caller Identity, id string, to transaction.Status, update storage.StatusUpdate, authorize func(transaction.Transaction) error) (transaction.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return transaction.Transaction{}, err
	}
	if err := authorize(tx); err != nil {
		return transaction.Transaction{}, err
	}
	if !tx.CanTransition(to) {
		return transaction.Transaction{}, fmt.Errorf("%w: %s -> %s", transaction.ErrInvalidTransition, tx.Status, to)
	}

	updated, err := s.store.TransitionTransaction(ctx, id, tx.Status, to, update)
	if err != nil {
		return transaction.Transaction{}, err
	}
	metrics.TransitionApplied(string(tx.Status), string(to))
	s.log.WithField("transaction_id", id).
		WithField("from", string(tx.Status)).
		WithField("to", string(to)).
		Info("order transition applied")
	return updated, nil
}

// refundableAmount is the captured amount minus the platform fee. Before
// checkout fixes the total, the item amount is the only captured value.
func refundableAmount(tx transaction.Transaction) int64 {
	captured := tx.ItemAmount
	if tx.TotalAmount != nil {
		captured = *tx.TotalAmount
	}
	refund := captured - tx.PlatformFeeAmount
	if refund < 0 {
		return 0
	}
	return refund
}

// LogRail is a payment rail stub that records payout and refund intents in
// the structured log.
type LogRail struct {
	log *logger.Logger
}

// NewLogRail constructs a logging payment rail.
func NewLogRail(log *logger.Logger) LogRail {
	if log == nil {
		log = logger.NewDefault("payments")
	}
	return LogRail{log: log}
}

func (r LogRail) Payout(_ context.Context, transactionID, userID string, amount int64, currency string) error {
	r.log.WithField("transaction_id", transactionID).
		WithField("user_id", userID).
		WithField("amount", amount).
		WithField("currency", currency).
		Info("payout released")
	return nil
}

func (r LogRail) Refund(_ context.Context, transactionID, userID string, amount int64, currency string) error {
	r.log.WithField("transaction_id", transactionID).
		WithField("user_id", userID).
		WithField("amount", amount).
		WithField("currency", currency).
		Info("refund processed")
	return nil
}
