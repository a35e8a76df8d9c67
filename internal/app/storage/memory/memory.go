package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/collectix/marketplace/internal/app/domain/auction"
	"github.com/collectix/marketplace/internal/app/domain/shipping"
	"github.com/collectix/marketplace/internal/app/domain/transaction"
	"github.com/collectix/marketplace/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development. The same conditional-write semantics as the PostgreSQL store
// apply: status transitions and settlements fail with storage.ErrConflict
// when the expected state no longer holds.
type Store struct {
	mu           sync.RWMutex
	nextID       int64
	transactions map[string]transaction.Transaction
	txByAuction  map[string]string
	auctions     map[string]auction.Auction
	bids         map[string][]auction.Bid
	labels       map[string]shipping.Label
	labelByTx    map[string]string
	labelByOrder map[string]string
	history      map[string][]shipping.StatusHistory
	points       map[string]shipping.ServicePoint // keyed provider|provider_id
}

var _ storage.TransactionStore = (*Store)(nil)
var _ storage.AuctionStore = (*Store)(nil)
var _ storage.LabelStore = (*Store)(nil)
var _ storage.ServicePointStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:       1,
		transactions: make(map[string]transaction.Transaction),
		txByAuction:  make(map[string]string),
		auctions:     make(map[string]auction.Auction),
		bids:         make(map[string][]auction.Bid),
		labels:       make(map[string]shipping.Label),
		labelByTx:    make(map[string]string),
		labelByOrder: make(map[string]string),
		history:      make(map[string][]shipping.StatusHistory),
		points:       make(map[string]shipping.ServicePoint),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// TransactionStore implementation ---------------------------------------------

func (s *Store) CreateTransaction(_ context.Context, tx transaction.Transaction) (transaction.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createTransactionLocked(tx)
}

func (s *Store) createTransactionLocked(tx transaction.Transaction) (transaction.Transaction, error) {
	if tx.ID == "" {
		tx.ID = s.nextIDLocked()
	} else if _, exists := s.transactions[tx.ID]; exists {
		return transaction.Transaction{}, storage.ErrConflict
	}
	if tx.AuctionID != "" {
		if _, exists := s.txByAuction[tx.AuctionID]; exists {
			return transaction.Transaction{}, storage.ErrConflict
		}
	}
	if tx.Status == "" {
		tx.Status = transaction.StatusPending
	}

	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	s.transactions[tx.ID] = tx
	if tx.AuctionID != "" {
		s.txByAuction[tx.AuctionID] = tx.ID
	}
	return tx, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return transaction.Transaction{}, storage.ErrNotFound
	}
	return tx, nil
}

func (s *Store) ListTransactionsByUser(_ context.Context, userID string) ([]transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []transaction.Transaction
	for _, tx := range s.transactions {
		if userID == "" || tx.BuyerID == userID || tx.SellerID == userID {
			result = append(result, tx)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) TransitionTransaction(_ context.Context, id string, from, to transaction.Status, update storage.StatusUpdate) (transaction.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return transaction.Transaction{}, storage.ErrNotFound
	}
	if tx.Status != from {
		return transaction.Transaction{}, storage.ErrConflict
	}

	tx.Status = to
	if update.TrackingNumber != nil {
		tx.TrackingNumber = *update.TrackingNumber
	}
	if update.ShippingAmount != nil {
		v := *update.ShippingAmount
		tx.ShippingAmount = &v
	}
	if update.TotalAmount != nil {
		v := *update.TotalAmount
		tx.TotalAmount = &v
	}
	if update.CompletedAt != nil {
		tx.CompletedAt = update.CompletedAt.UTC()
	}
	tx.UpdatedAt = time.Now().UTC()

	s.transactions[id] = tx
	return tx, nil
}

// AuctionStore implementation --------------------------------------------------

func (s *Store) CreateAuction(_ context.Context, a auction.Auction) (auction.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = s.nextIDLocked()
	} else if _, exists := s.auctions[a.ID]; exists {
		return auction.Auction{}, storage.ErrConflict
	}
	if a.Status == "" {
		a.Status = auction.StatusActive
	}

	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	s.auctions[a.ID] = a
	return a, nil
}

func (s *Store) GetAuction(_ context.Context, id string) (auction.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[id]
	if !ok {
		return auction.Auction{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *Store) UpdateAuction(_ context.Context, a auction.Auction, from auction.Status) (auction.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.auctions[a.ID]
	if !ok {
		return auction.Auction{}, storage.ErrNotFound
	}
	if existing.Status != from {
		return auction.Auction{}, storage.ErrConflict
	}
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	s.auctions[a.ID] = a
	return a, nil
}

func (s *Store) ListEndedActiveAuctions(_ context.Context, now time.Time) ([]auction.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []auction.Auction
	for _, a := range s.auctions {
		if a.Status == auction.StatusActive && a.Ended(now) {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EndsAt.Before(result[j].EndsAt) })
	return result, nil
}

func (s *Store) CreateBid(_ context.Context, bid auction.Bid, expectedCurrent *int64) (auction.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[bid.AuctionID]
	if !ok {
		return auction.Bid{}, storage.ErrNotFound
	}
	if a.Status != auction.StatusActive {
		return auction.Bid{}, storage.ErrConflict
	}
	if !int64PtrEqual(a.CurrentBid, expectedCurrent) {
		return auction.Bid{}, storage.ErrConflict
	}

	if bid.ID == "" {
		bid.ID = s.nextIDLocked()
	}
	if bid.PlacedAt.IsZero() {
		bid.PlacedAt = time.Now().UTC()
	}

	amount := bid.Amount
	a.CurrentBid = &amount
	a.UpdatedAt = time.Now().UTC()
	s.auctions[a.ID] = a
	s.bids[a.ID] = append(s.bids[a.ID], bid)
	return bid, nil
}

func (s *Store) ListBids(_ context.Context, auctionID string) ([]auction.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bids := make([]auction.Bid, len(s.bids[auctionID]))
	copy(bids, s.bids[auctionID])
	sort.Slice(bids, func(i, j int) bool { return bids[i].PlacedAt.Before(bids[j].PlacedAt) })
	return bids, nil
}

func (s *Store) SettleAuction(_ context.Context, a auction.Auction, tx *transaction.Transaction) (transaction.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.auctions[a.ID]
	if !ok {
		return transaction.Transaction{}, storage.ErrNotFound
	}
	if existing.Status != auction.StatusActive {
		return transaction.Transaction{}, storage.ErrConflict
	}
	if _, settled := s.txByAuction[a.ID]; settled {
		return transaction.Transaction{}, storage.ErrConflict
	}

	var created transaction.Transaction
	if tx != nil {
		var err error
		created, err = s.createTransactionLocked(*tx)
		if err != nil {
			return transaction.Transaction{}, err
		}
	}

	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	s.auctions[a.ID] = a
	return created, nil
}

// LabelStore implementation ----------------------------------------------------

func (s *Store) CreateLabel(_ context.Context, label shipping.Label) (shipping.Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if label.OrderCode == "" {
		return shipping.Label{}, fmt.Errorf("order code is required")
	}
	if _, exists := s.labelByOrder[label.OrderCode]; exists {
		return shipping.Label{}, storage.ErrConflict
	}
	if label.TransactionID != "" {
		if _, exists := s.labelByTx[label.TransactionID]; exists {
			return shipping.Label{}, storage.ErrConflict
		}
	}
	if label.ID == "" {
		label.ID = s.nextIDLocked()
	}
	if label.Status == "" {
		label.Status = shipping.LabelPending
	}

	now := time.Now().UTC()
	label.CreatedAt = now
	label.UpdatedAt = now

	s.labels[label.ID] = label
	s.labelByOrder[label.OrderCode] = label.ID
	if label.TransactionID != "" {
		s.labelByTx[label.TransactionID] = label.ID
	}
	s.history[label.ID] = append(s.history[label.ID], shipping.StatusHistory{
		ID:        s.nextIDLocked(),
		LabelID:   label.ID,
		Status:    label.Status,
		CreatedAt: now,
	})
	return label, nil
}

func (s *Store) GetLabel(_ context.Context, id string) (shipping.Label, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	label, ok := s.labels[id]
	if !ok {
		return shipping.Label{}, storage.ErrNotFound
	}
	return label, nil
}

func (s *Store) GetLabelByTransaction(_ context.Context, transactionID string) (shipping.Label, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.labelByTx[transactionID]
	if !ok {
		return shipping.Label{}, storage.ErrNotFound
	}
	return s.labels[id], nil
}

func (s *Store) GetLabelByOrderCode(_ context.Context, orderCode string) (shipping.Label, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.labelByOrder[orderCode]
	if !ok {
		return shipping.Label{}, storage.ErrNotFound
	}
	return s.labels[id], nil
}

func (s *Store) UpdateLabel(_ context.Context, label shipping.Label, history *shipping.StatusHistory) (shipping.Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.labels[label.ID]
	if !ok {
		return shipping.Label{}, storage.ErrNotFound
	}
	label.OrderCode = existing.OrderCode
	label.TransactionID = existing.TransactionID
	label.CreatedAt = existing.CreatedAt
	label.UpdatedAt = time.Now().UTC()
	s.labels[label.ID] = label

	if history != nil {
		h := *history
		h.ID = s.nextIDLocked()
		h.LabelID = label.ID
		if h.CreatedAt.IsZero() {
			h.CreatedAt = label.UpdatedAt
		}
		s.history[label.ID] = append(s.history[label.ID], h)
	}
	return label, nil
}

func (s *Store) ListLabelHistory(_ context.Context, labelID string) ([]shipping.StatusHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]shipping.StatusHistory, len(s.history[labelID]))
	copy(rows, s.history[labelID])
	return rows, nil
}

func (s *Store) ListOpenLabels(_ context.Context) ([]shipping.Label, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []shipping.Label
	for _, label := range s.labels {
		if label.Status == shipping.LabelPending || label.Status == shipping.LabelPurchased {
			result = append(result, label)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// ServicePointStore implementation ---------------------------------------------

func pointKey(provider, providerID string) string {
	return provider + "|" + providerID
}

func (s *Store) UpsertServicePoints(_ context.Context, points []shipping.ServicePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, p := range points {
		key := pointKey(p.Provider, p.ProviderID)
		if existing, ok := s.points[key]; ok {
			p.ID = existing.ID
		} else if p.ID == "" {
			p.ID = s.nextIDLocked()
		}
		p.UpdatedAt = now
		s.points[key] = p
	}
	return nil
}

func (s *Store) ListServicePointsByCountry(_ context.Context, country string) ([]shipping.ServicePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []shipping.ServicePoint
	for _, p := range s.points {
		if country == "" || strings.EqualFold(p.Country, country) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) ListServicePointsByPostalCode(_ context.Context, country, postalCode string) ([]shipping.ServicePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []shipping.ServicePoint
	for _, p := range s.points {
		if strings.EqualFold(p.Country, country) && p.PostalCode == postalCode {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
