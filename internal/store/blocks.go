package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"energy-bap/internal/models"

	"github.com/google/uuid"
)

// ReserveBlock atomically claims a block of qty kWh from an offer for a
// transaction. The whole check-then-claim runs inside one database
// transaction that locks the offer row, so concurrent reservations against
// the same offer serialize while different offers proceed in parallel.
//
// The call is idempotent per (offer, transaction): a retry returns the
// block already held without double-counting against the offer headroom.
// The returned bool reports whether a new claim was made.
func (s *Store) ReserveBlock(ctx context.Context, offerID string, qty float64, txID string) (*models.OfferBlock, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var offer models.CatalogOffer
	err = tx.GetContext(ctx, &offer,
		"SELECT * FROM catalog_offers WHERE id = $1 FOR UPDATE", offerID)
	if err == sql.ErrNoRows {
		return nil, false, fmt.Errorf("offer %s: %w", offerID, models.ErrNotFound)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock offer: %w", err)
	}

	// Retry after network ambiguity returns the block already held.
	var existing models.OfferBlock
	err = tx.GetContext(ctx, &existing, `
		SELECT * FROM offer_blocks
		WHERE offer_id = $1 AND transaction_id = $2 AND status IN ('reserved', 'sold')`,
		offerID, txID)
	if err == nil {
		return &existing, false, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	var held float64
	err = tx.GetContext(ctx, &held, `
		SELECT COALESCE(SUM(quantity_kwh), 0) FROM offer_blocks
		WHERE offer_id = $1 AND status IN ('reserved', 'sold')`, offerID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to sum held quantity: %w", err)
	}

	if held+qty > offer.MaxQuantityKWh {
		return nil, false, fmt.Errorf("offer %s: held=%.3f, requested=%.3f, max=%.3f: %w",
			offerID, held, qty, offer.MaxQuantityKWh, models.ErrInsufficientQuantity)
	}

	now := time.Now().UTC()
	block := &models.OfferBlock{
		ID:            uuid.New().String(),
		OfferID:       offer.ID,
		ItemID:        offer.ItemID,
		ProviderID:    offer.ProviderID,
		Status:        models.BlockStatusReserved,
		QuantityKWh:   qty,
		TransactionID: &txID,
		PriceValue:    offer.PriceValue,
		PriceCurrency: offer.PriceCurrency,
		ReservedAt:    &now,
	}

	// Claim a matching available block if one exists, otherwise carve a
	// fresh one. Available blocks do not count toward the held sum.
	err = tx.GetContext(ctx, block, `
		UPDATE offer_blocks
		SET status = 'reserved', transaction_id = $1, reserved_at = $2,
		    price_value = $3, price_currency = $4
		WHERE id = (
			SELECT id FROM offer_blocks
			WHERE offer_id = $5 AND status = 'available' AND quantity_kwh = $6
			LIMIT 1
		)
		RETURNING *`, txID, now, offer.PriceValue, offer.PriceCurrency, offerID, qty)
	if err == sql.ErrNoRows {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO offer_blocks (id, offer_id, item_id, provider_id, status, quantity_kwh,
				transaction_id, price_value, price_currency, reserved_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			block.ID, block.OfferID, block.ItemID, block.ProviderID, block.Status,
			block.QuantityKWh, txID, block.PriceValue, block.PriceCurrency, now)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert block: %w", err)
		}
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to claim available block: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return block, true, nil
}

// HeldBlock returns the live (reserved or sold) block a transaction holds
// against an offer, or nil when there is none
func (s *Store) HeldBlock(ctx context.Context, offerID, txID string) (*models.OfferBlock, error) {
	var block models.OfferBlock
	err := s.db.GetContext(ctx, &block, `
		SELECT * FROM offer_blocks
		WHERE offer_id = $1 AND transaction_id = $2 AND status IN ('reserved', 'sold')`,
		offerID, txID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &block, nil
}

// FinalizeBlock transitions a reserved block to sold and attaches the
// order. The state and owner guards are part of the UPDATE itself so a
// block another process already released or finalized is never stolen.
func (s *Store) FinalizeBlock(ctx context.Context, blockID, txID, orderID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offer_blocks
		SET status = 'sold', sold_at = NOW(), order_id = $1
		WHERE id = $2 AND status = 'reserved' AND transaction_id = $3`,
		orderID, blockID, txID)
	if err != nil {
		return fmt.Errorf("failed to finalize block: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("block %s: %w", blockID, models.ErrNotReserved)
	}
	return nil
}

// ReleaseBlock returns a reserved block to the pool, clearing its
// transaction association. The block becomes available again while its
// parent offer is still active and inside its window; otherwise it is
// marked released and stays terminal. Releasing a block that is not
// reserved is a no-op. The returned bool reports whether a release
// actually happened.
func (s *Store) ReleaseBlock(ctx context.Context, blockID string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var block models.OfferBlock
	err = tx.GetContext(ctx, &block,
		"SELECT * FROM offer_blocks WHERE id = $1 FOR UPDATE", blockID)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("block %s: %w", blockID, models.ErrNotFound)
	}
	if err != nil {
		return false, err
	}

	if block.Status != models.BlockStatusReserved {
		return false, tx.Commit()
	}

	var offerLive bool
	err = tx.GetContext(ctx, &offerLive, `
		SELECT EXISTS(
			SELECT 1 FROM catalog_offers
			WHERE id = $1 AND active = TRUE AND window_end > NOW()
		)`, block.OfferID)
	if err != nil {
		return false, err
	}

	status := models.BlockStatusAvailable
	if !offerLive {
		status = models.BlockStatusReleased
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE offer_blocks
		SET status = $1, transaction_id = NULL, order_id = NULL, reserved_at = NULL
		WHERE id = $2`, status, blockID)
	if err != nil {
		return false, fmt.Errorf("failed to release block: %w", err)
	}

	return true, tx.Commit()
}

// BlocksByTransaction retrieves the live blocks a transaction holds
func (s *Store) BlocksByTransaction(ctx context.Context, txID string) ([]models.OfferBlock, error) {
	var blocks []models.OfferBlock
	err := s.db.SelectContext(ctx, &blocks, `
		SELECT * FROM offer_blocks
		WHERE transaction_id = $1 AND status IN ('reserved', 'sold')
		ORDER BY reserved_at`, txID)
	return blocks, err
}

// BlocksByOffer retrieves every block of an offer, for reporting views
func (s *Store) BlocksByOffer(ctx context.Context, offerID string) ([]models.OfferBlock, error) {
	var blocks []models.OfferBlock
	err := s.db.SelectContext(ctx, &blocks,
		"SELECT * FROM offer_blocks WHERE offer_id = $1 ORDER BY reserved_at", offerID)
	return blocks, err
}

// HeldQuantity returns the reserved+sold quantity counted against an offer
func (s *Store) HeldQuantity(ctx context.Context, offerID string) (float64, error) {
	var held float64
	err := s.db.GetContext(ctx, &held, `
		SELECT COALESCE(SUM(quantity_kwh), 0) FROM offer_blocks
		WHERE offer_id = $1 AND status IN ('reserved', 'sold')`, offerID)
	return held, err
}
