package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/collectix/marketplace/internal/app/domain/auction"
	"github.com/collectix/marketplace/internal/app/domain/shipping"
	"github.com/collectix/marketplace/internal/app/domain/transaction"
	"github.com/collectix/marketplace/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. Uniqueness
// and compare-and-swap invariants are enforced by the database, so the store
// is safe to use from multiple replicas.
type Store struct {
	db *sql.DB
}

var _ storage.TransactionStore = (*Store)(nil)
var _ storage.AuctionStore = (*Store)(nil)
var _ storage.LabelStore = (*Store)(nil)
var _ storage.ServicePointStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const uniqueViolation = "23505"

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return storage.ErrConflict
	}
	return err
}

// --- TransactionStore --------------------------------------------------------

func (s *Store) CreateTransaction(ctx context.Context, tx transaction.Transaction) (transaction.Transaction, error) {
	created, err := s.insertTransaction(ctx, s.db, tx)
	return created, mapErr(err)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) insertTransaction(ctx context.Context, db execer, tx transaction.Transaction) (transaction.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Status == "" {
		tx.Status = transaction.StatusPending
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	_, err := db.ExecContext(ctx, `
		INSERT INTO market_transactions
			(id, buyer_id, seller_id, listing_id, auction_id, listing_type, status, currency,
			 item_amount, platform_fee_amount, seller_fee_amount, seller_payout_amount,
			 shipping_amount, total_amount, tracking_number, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, tx.ID, tx.BuyerID, tx.SellerID, tx.ListingID, toNullString(tx.AuctionID), tx.ListingType,
		tx.Status, tx.Currency, tx.ItemAmount, tx.PlatformFeeAmount, tx.SellerFeeAmount,
		tx.SellerPayout, toNullInt(tx.ShippingAmount), toNullInt(tx.TotalAmount),
		tx.TrackingNumber, toNullTime(tx.CompletedAt), tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		return transaction.Transaction{}, err
	}
	return tx, nil
}

const transactionColumns = `
	id, buyer_id, seller_id, listing_id, auction_id, listing_type, status, currency,
	item_amount, platform_fee_amount, seller_fee_amount, seller_payout_amount,
	shipping_amount, total_amount, tracking_number, completed_at, created_at, updated_at`

func scanTransaction(row interface{ Scan(...interface{}) error }) (transaction.Transaction, error) {
	var (
		tx          transaction.Transaction
		auctionID   sql.NullString
		shippingAmt sql.NullInt64
		total       sql.NullInt64
		completedAt sql.NullTime
	)
	err := row.Scan(&tx.ID, &tx.BuyerID, &tx.SellerID, &tx.ListingID, &auctionID,
		&tx.ListingType, &tx.Status, &tx.Currency, &tx.ItemAmount, &tx.PlatformFeeAmount,
		&tx.SellerFeeAmount, &tx.SellerPayout, &shippingAmt, &total, &tx.TrackingNumber,
		&completedAt, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return transaction.Transaction{}, err
	}
	if auctionID.Valid {
		tx.AuctionID = auctionID.String
	}
	if shippingAmt.Valid {
		v := shippingAmt.Int64
		tx.ShippingAmount = &v
	}
	if total.Valid {
		v := total.Int64
		tx.TotalAmount = &v
	}
	if completedAt.Valid {
		tx.CompletedAt = completedAt.Time.UTC()
	}
	return tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (transaction.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM market_transactions
		WHERE id = $1
	`, id)

	tx, err := scanTransaction(row)
	return tx, mapErr(err)
}

func (s *Store) ListTransactionsByUser(ctx context.Context, userID string) ([]transaction.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM market_transactions
		WHERE $1 = '' OR buyer_id = $1 OR seller_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []transaction.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *Store) TransitionTransaction(ctx context.Context, id string, from, to transaction.Status, update storage.StatusUpdate) (transaction.Transaction, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE market_transactions
		SET status = $3,
		    tracking_number = COALESCE($4, tracking_number),
		    shipping_amount = COALESCE($5, shipping_amount),
		    total_amount = COALESCE($6, total_amount),
		    completed_at = COALESCE($7, completed_at),
		    updated_at = $8
		WHERE id = $1 AND status = $2
	`, id, from, to, update.TrackingNumber, update.ShippingAmount, update.TotalAmount,
		toNullTimePtr(update.CompletedAt), now)
	if err != nil {
		return transaction.Transaction{}, mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// Distinguish a missing row from a concurrent competing write.
		if _, err := s.GetTransaction(ctx, id); err != nil {
			return transaction.Transaction{}, err
		}
		return transaction.Transaction{}, storage.ErrConflict
	}
	return s.GetTransaction(ctx, id)
}

// --- AuctionStore ------------------------------------------------------------

const auctionColumns = `
	id, item_id, seller_id, status, starting_bid, current_bid, currency,
	ends_at, ended_at, winner_id, created_at, updated_at`

func scanAuction(row interface{ Scan(...interface{}) error }) (auction.Auction, error) {
	var (
		a          auction.Auction
		currentBid sql.NullInt64
		endedAt    sql.NullTime
		winnerID   sql.NullString
	)
	err := row.Scan(&a.ID, &a.ItemID, &a.SellerID, &a.Status, &a.StartingBid, &currentBid,
		&a.Currency, &a.EndsAt, &endedAt, &winnerID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return auction.Auction{}, err
	}
	if currentBid.Valid {
		v := currentBid.Int64
		a.CurrentBid = &v
	}
	if endedAt.Valid {
		a.EndedAt = endedAt.Time.UTC()
	}
	if winnerID.Valid {
		a.WinnerID = winnerID.String
	}
	return a, nil
}

func (s *Store) CreateAuction(ctx context.Context, a auction.Auction) (auction.Auction, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = auction.StatusActive
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_auctions
			(id, item_id, seller_id, status, starting_bid, current_bid, currency,
			 ends_at, ended_at, winner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, a.ID, a.ItemID, a.SellerID, a.Status, a.StartingBid, toNullInt(a.CurrentBid),
		a.Currency, a.EndsAt.UTC(), toNullTime(a.EndedAt), toNullString(a.WinnerID),
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return auction.Auction{}, mapErr(err)
	}
	return a, nil
}

func (s *Store) GetAuction(ctx context.Context, id string) (auction.Auction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+auctionColumns+`
		FROM market_auctions
		WHERE id = $1
	`, id)

	a, err := scanAuction(row)
	return a, mapErr(err)
}

func (s *Store) UpdateAuction(ctx context.Context, a auction.Auction, from auction.Status) (auction.Auction, error) {
	a.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE market_auctions
		SET status = $2, current_bid = $3, ended_at = $4, winner_id = $5, updated_at = $6
		WHERE id = $1 AND status = $7
	`, a.ID, a.Status, toNullInt(a.CurrentBid), toNullTime(a.EndedAt),
		toNullString(a.WinnerID), a.UpdatedAt, from)
	if err != nil {
		return auction.Auction{}, mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// Distinguish a missing row from a concurrent competing write.
		if _, err := s.GetAuction(ctx, a.ID); err != nil {
			return auction.Auction{}, err
		}
		return auction.Auction{}, storage.ErrConflict
	}
	return a, nil
}

func (s *Store) ListEndedActiveAuctions(ctx context.Context, now time.Time) ([]auction.Auction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auctionColumns+`
		FROM market_auctions
		WHERE status = 'active' AND ends_at <= $1
		ORDER BY ends_at
	`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auction.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) CreateBid(ctx context.Context, bid auction.Bid, expectedCurrent *int64) (auction.Bid, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auction.Bid{}, err
	}
	defer dbTx.Rollback()

	// CAS on current_bid keeps concurrent bids strictly ordered.
	result, err := dbTx.ExecContext(ctx, `
		UPDATE market_auctions
		SET current_bid = $2, updated_at = $3
		WHERE id = $1 AND status = 'active' AND current_bid IS NOT DISTINCT FROM $4
	`, bid.AuctionID, bid.Amount, time.Now().UTC(), expectedCurrent)
	if err != nil {
		return auction.Bid{}, mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, err := s.GetAuction(ctx, bid.AuctionID); err != nil {
			return auction.Bid{}, err
		}
		return auction.Bid{}, storage.ErrConflict
	}

	if bid.ID == "" {
		bid.ID = uuid.NewString()
	}
	if bid.PlacedAt.IsZero() {
		bid.PlacedAt = time.Now().UTC()
	}
	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO market_bids (id, auction_id, bidder_id, amount, placed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, bid.ID, bid.AuctionID, bid.BidderID, bid.Amount, bid.PlacedAt.UTC())
	if err != nil {
		return auction.Bid{}, mapErr(err)
	}

	if err := dbTx.Commit(); err != nil {
		return auction.Bid{}, err
	}
	return bid, nil
}

func (s *Store) ListBids(ctx context.Context, auctionID string) ([]auction.Bid, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, auction_id, bidder_id, amount, placed_at
		FROM market_bids
		WHERE auction_id = $1
		ORDER BY placed_at
	`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auction.Bid
	for rows.Next() {
		var bid auction.Bid
		if err := rows.Scan(&bid.ID, &bid.AuctionID, &bid.BidderID, &bid.Amount, &bid.PlacedAt); err != nil {
			return nil, err
		}
		result = append(result, bid)
	}
	return result, rows.Err()
}

// SettleAuction swaps the auction out of active and, when a winner exists,
// inserts the settlement transaction in the same database transaction. The
// partial unique index on auction_id backs the at-most-one-settlement
// invariant even across replicas.
func (s *Store) SettleAuction(ctx context.Context, a auction.Auction, tx *transaction.Transaction) (transaction.Transaction, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transaction.Transaction{}, err
	}
	defer dbTx.Rollback()

	result, err := dbTx.ExecContext(ctx, `
		UPDATE market_auctions
		SET status = $2, ended_at = $3, winner_id = $4, updated_at = $5
		WHERE id = $1 AND status = 'active'
	`, a.ID, a.Status, toNullTime(a.EndedAt), toNullString(a.WinnerID), time.Now().UTC())
	if err != nil {
		return transaction.Transaction{}, mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, err := s.GetAuction(ctx, a.ID); err != nil {
			return transaction.Transaction{}, err
		}
		return transaction.Transaction{}, storage.ErrConflict
	}

	var created transaction.Transaction
	if tx != nil {
		created, err = s.insertTransaction(ctx, dbTx, *tx)
		if err != nil {
			return transaction.Transaction{}, mapErr(err)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return transaction.Transaction{}, err
	}
	return created, nil
}

// --- LabelStore --------------------------------------------------------------

const labelColumns = `
	id, transaction_id, order_code, courier_id, service_type, quote_id,
	label_url, tracking_number, status, price_gross, price_net, price_vat,
	created_at, updated_at`

func scanLabel(row interface{ Scan(...interface{}) error }) (shipping.Label, error) {
	var (
		label shipping.Label
		txID  sql.NullString
	)
	err := row.Scan(&label.ID, &txID, &label.OrderCode, &label.CourierID, &label.ServiceType,
		&label.QuoteID, &label.LabelURL, &label.TrackingNumber, &label.Status,
		&label.Price.Gross, &label.Price.Net, &label.Price.VAT, &label.CreatedAt, &label.UpdatedAt)
	if err != nil {
		return shipping.Label{}, err
	}
	if txID.Valid {
		label.TransactionID = txID.String
	}
	return label, nil
}

func (s *Store) CreateLabel(ctx context.Context, label shipping.Label) (shipping.Label, error) {
	if label.OrderCode == "" {
		return shipping.Label{}, fmt.Errorf("order code is required")
	}
	if label.ID == "" {
		label.ID = uuid.NewString()
	}
	if label.Status == "" {
		label.Status = shipping.LabelPending
	}
	now := time.Now().UTC()
	label.CreatedAt = now
	label.UpdatedAt = now

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return shipping.Label{}, err
	}
	defer dbTx.Rollback()

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO market_shipping_labels
			(id, transaction_id, order_code, courier_id, service_type, quote_id,
			 label_url, tracking_number, status, price_gross, price_net, price_vat,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, label.ID, toNullString(label.TransactionID), label.OrderCode, label.CourierID,
		label.ServiceType, label.QuoteID, label.LabelURL, label.TrackingNumber, label.Status,
		label.Price.Gross, label.Price.Net, label.Price.VAT, label.CreatedAt, label.UpdatedAt)
	if err != nil {
		return shipping.Label{}, mapErr(err)
	}

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO market_label_status_history (id, label_id, status, note, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), label.ID, label.Status, "", now)
	if err != nil {
		return shipping.Label{}, mapErr(err)
	}

	if err := dbTx.Commit(); err != nil {
		return shipping.Label{}, err
	}
	return label, nil
}

func (s *Store) GetLabel(ctx context.Context, id string) (shipping.Label, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+labelColumns+`
		FROM market_shipping_labels
		WHERE id = $1
	`, id)

	label, err := scanLabel(row)
	return label, mapErr(err)
}

func (s *Store) GetLabelByTransaction(ctx context.Context, transactionID string) (shipping.Label, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+labelColumns+`
		FROM market_shipping_labels
		WHERE transaction_id = $1
	`, transactionID)

	label, err := scanLabel(row)
	return label, mapErr(err)
}

func (s *Store) GetLabelByOrderCode(ctx context.Context, orderCode string) (shipping.Label, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+labelColumns+`
		FROM market_shipping_labels
		WHERE order_code = $1
	`, orderCode)

	label, err := scanLabel(row)
	return label, mapErr(err)
}

func (s *Store) UpdateLabel(ctx context.Context, label shipping.Label, history *shipping.StatusHistory) (shipping.Label, error) {
	label.UpdatedAt = time.Now().UTC()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return shipping.Label{}, err
	}
	defer dbTx.Rollback()

	result, err := dbTx.ExecContext(ctx, `
		UPDATE market_shipping_labels
		SET courier_id = $2, service_type = $3, quote_id = $4, label_url = $5,
		    tracking_number = $6, status = $7, price_gross = $8, price_net = $9,
		    price_vat = $10, updated_at = $11
		WHERE id = $1
	`, label.ID, label.CourierID, label.ServiceType, label.QuoteID, label.LabelURL,
		label.TrackingNumber, label.Status, label.Price.Gross, label.Price.Net,
		label.Price.VAT, label.UpdatedAt)
	if err != nil {
		return shipping.Label{}, mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return shipping.Label{}, storage.ErrNotFound
	}

	if history != nil {
		_, err = dbTx.ExecContext(ctx, `
			INSERT INTO market_label_status_history (id, label_id, status, note, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, uuid.NewString(), label.ID, history.Status, history.Note, label.UpdatedAt)
		if err != nil {
			return shipping.Label{}, mapErr(err)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return shipping.Label{}, err
	}
	return label, nil
}

func (s *Store) ListLabelHistory(ctx context.Context, labelID string) ([]shipping.StatusHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label_id, status, note, created_at
		FROM market_label_status_history
		WHERE label_id = $1
		ORDER BY created_at
	`, labelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []shipping.StatusHistory
	for rows.Next() {
		var h shipping.StatusHistory
		if err := rows.Scan(&h.ID, &h.LabelID, &h.Status, &h.Note, &h.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

func (s *Store) ListOpenLabels(ctx context.Context) ([]shipping.Label, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+labelColumns+`
		FROM market_shipping_labels
		WHERE status IN ('pending','purchased')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []shipping.Label
	for rows.Next() {
		label, err := scanLabel(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, label)
	}
	return result, rows.Err()
}

// --- ServicePointStore -------------------------------------------------------

func (s *Store) UpsertServicePoints(ctx context.Context, points []shipping.ServicePoint) error {
	now := time.Now().UTC()
	for _, p := range points {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO market_service_points
				(id, provider, provider_id, name, street, city, postal_code, country,
				 latitude, longitude, point_type, opening_hours, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (provider, provider_id) DO UPDATE SET
				name = EXCLUDED.name, street = EXCLUDED.street, city = EXCLUDED.city,
				postal_code = EXCLUDED.postal_code, country = EXCLUDED.country,
				latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude,
				point_type = EXCLUDED.point_type, opening_hours = EXCLUDED.opening_hours,
				updated_at = EXCLUDED.updated_at
		`, p.ID, p.Provider, p.ProviderID, p.Name, p.Street, p.City, p.PostalCode,
			p.Country, p.Latitude, p.Longitude, p.Type, p.OpeningHours, now)
		if err != nil {
			return mapErr(err)
		}
	}
	return nil
}

const servicePointColumns = `
	id, provider, provider_id, name, street, city, postal_code, country,
	latitude, longitude, point_type, opening_hours, updated_at`

func scanServicePoint(row interface{ Scan(...interface{}) error }) (shipping.ServicePoint, error) {
	var p shipping.ServicePoint
	err := row.Scan(&p.ID, &p.Provider, &p.ProviderID, &p.Name, &p.Street, &p.City,
		&p.PostalCode, &p.Country, &p.Latitude, &p.Longitude, &p.Type, &p.OpeningHours,
		&p.UpdatedAt)
	return p, err
}

func (s *Store) ListServicePointsByCountry(ctx context.Context, country string) ([]shipping.ServicePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+servicePointColumns+`
		FROM market_service_points
		WHERE $1 = '' OR country = UPPER($1)
	`, country)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []shipping.ServicePoint
	for rows.Next() {
		p, err := scanServicePoint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) ListServicePointsByPostalCode(ctx context.Context, country, postalCode string) ([]shipping.ServicePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+servicePointColumns+`
		FROM market_service_points
		WHERE country = UPPER($1) AND postal_code = $2
	`, country, postalCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []shipping.ServicePoint
	for rows.Next() {
		p, err := scanServicePoint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// --- helpers -----------------------------------------------------------------

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func toNullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return toNullTime(*t)
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toNullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
