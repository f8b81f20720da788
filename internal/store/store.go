package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"energy-bap/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetProvider retrieves a provider by ID
func (s *Store) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	var provider models.Provider
	err := s.db.GetContext(ctx, &provider, "SELECT * FROM providers WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("provider %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &provider, nil
}

// ApplyProviderStats bumps a provider's order counters and nudges its trust
// score after a transaction reaches a terminal state. Confirmed orders move
// the score toward 5.0, failures toward 0, both by delta.
func (s *Store) ApplyProviderStats(ctx context.Context, providerID string, confirmed bool, delta float64) error {
	var query string
	if confirmed {
		query = `UPDATE providers
			SET orders_confirmed = orders_confirmed + 1,
			    trust_score = LEAST(trust_score + $1, 5.0),
			    updated_at = NOW()
			WHERE id = $2`
	} else {
		query = `UPDATE providers
			SET orders_failed = orders_failed + 1,
			    trust_score = GREATEST(trust_score - $1, 0.0),
			    updated_at = NOW()
			WHERE id = $2`
	}
	_, err := s.db.ExecContext(ctx, query, delta, providerID)
	return err
}

// GetOffer retrieves a catalog offer by ID
func (s *Store) GetOffer(ctx context.Context, id string) (*models.CatalogOffer, error) {
	var offer models.CatalogOffer
	err := s.db.GetContext(ctx, &offer, "SELECT * FROM catalog_offers WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("offer %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

// ListActiveOffers retrieves all active offers, used for the Redis headroom
// mirror sync at startup and the catalog browse endpoint
func (s *Store) ListActiveOffers(ctx context.Context) ([]models.CatalogOffer, error) {
	var offers []models.CatalogOffer
	err := s.db.SelectContext(ctx, &offers,
		"SELECT * FROM catalog_offers WHERE active = TRUE ORDER BY created_at DESC")
	return offers, err
}

// UpsertDiscoveredCatalog persists the providers, items and offers carried
// by an on_search callback so later protocol legs resolve them locally.
func (s *Store) UpsertDiscoveredCatalog(ctx context.Context, result *models.DiscoverResult) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range result.Providers {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO providers (id, name, trust_score, orders_confirmed, orders_failed)
			VALUES ($1, $2, 2.5, 0, 0)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, updated_at = NOW()`,
			p.ID, p.Name)
		if err != nil {
			return fmt.Errorf("failed to upsert provider %s: %w", p.ID, err)
		}

		for _, item := range p.Items {
			windows, err := json.Marshal(item.ProductionWindows)
			if err != nil {
				return fmt.Errorf("failed to marshal production windows: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO catalog_items (id, provider_id, source_type, delivery_mode, total_quantity_kwh, meter_id, production_windows)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (id) DO UPDATE SET
					total_quantity_kwh = EXCLUDED.total_quantity_kwh,
					production_windows = EXCLUDED.production_windows`,
				item.ID, p.ID, item.SourceType, item.DeliveryMode, item.TotalQuantityKWh, item.MeterID, windows)
			if err != nil {
				return fmt.Errorf("failed to upsert item %s: %w", item.ID, err)
			}
		}

		for _, offer := range p.Offers {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO catalog_offers (id, item_id, provider_id, price_value, price_currency, max_quantity_kwh,
					window_start, window_end, pricing_model, settlement_type, active)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE)
				ON CONFLICT (id) DO UPDATE SET
					price_value = EXCLUDED.price_value,
					price_currency = EXCLUDED.price_currency,
					max_quantity_kwh = EXCLUDED.max_quantity_kwh,
					window_start = EXCLUDED.window_start,
					window_end = EXCLUDED.window_end,
					active = TRUE`,
				offer.ID, offer.ItemID, p.ID, offer.PriceValue, offer.PriceCurrency, offer.MaxQuantityKWh,
				offer.WindowStart, offer.WindowEnd, offer.PricingModel, offer.SettlementType)
			if err != nil {
				return fmt.Errorf("failed to upsert offer %s: %w", offer.ID, err)
			}
		}
	}

	return tx.Commit()
}
