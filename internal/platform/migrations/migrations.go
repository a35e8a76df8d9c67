// Package migrations applies the marketplace schema. Statements are
// idempotent (CREATE ... IF NOT EXISTS) so Apply is safe to run on every
// startup and from multiple replicas.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS market_transactions (
		id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		listing_id TEXT NOT NULL,
		auction_id TEXT,
		listing_type TEXT NOT NULL,
		status TEXT NOT NULL,
		currency TEXT NOT NULL,
		item_amount BIGINT NOT NULL,
		platform_fee_amount BIGINT NOT NULL,
		seller_fee_amount BIGINT NOT NULL,
		seller_payout_amount BIGINT NOT NULL,
		shipping_amount BIGINT,
		total_amount BIGINT,
		tracking_number TEXT NOT NULL DEFAULT '',
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	// At most one settlement transaction per auction.
	`CREATE UNIQUE INDEX IF NOT EXISTS market_transactions_auction_id_key
		ON market_transactions (auction_id) WHERE auction_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS market_auctions (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		status TEXT NOT NULL,
		starting_bid BIGINT NOT NULL,
		current_bid BIGINT,
		currency TEXT NOT NULL,
		ends_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		winner_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS market_bids (
		id TEXT PRIMARY KEY,
		auction_id TEXT NOT NULL REFERENCES market_auctions (id),
		bidder_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		placed_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS market_shipping_labels (
		id TEXT PRIMARY KEY,
		transaction_id TEXT UNIQUE,
		order_code TEXT NOT NULL UNIQUE,
		courier_id TEXT NOT NULL DEFAULT '',
		service_type TEXT NOT NULL DEFAULT '',
		quote_id TEXT NOT NULL DEFAULT '',
		label_url TEXT NOT NULL DEFAULT '',
		tracking_number TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		price_gross DOUBLE PRECISION NOT NULL DEFAULT 0,
		price_net DOUBLE PRECISION NOT NULL DEFAULT 0,
		price_vat DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS market_label_status_history (
		id TEXT PRIMARY KEY,
		label_id TEXT NOT NULL REFERENCES market_shipping_labels (id),
		status TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS market_service_points (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		street TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		postal_code TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		point_type TEXT NOT NULL DEFAULT '',
		opening_hours TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (provider, provider_id)
	)`,
}

// Apply executes all schema statements in order.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
