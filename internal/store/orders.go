package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"energy-bap/internal/models"
)

// orderRow is the persisted shape of an order; items and quote are
// serialized only at this boundary
type orderRow struct {
	ID            string    `db:"id"`
	TransactionID string    `db:"transaction_id"`
	ProviderID    *string   `db:"provider_id"`
	OfferID       *string   `db:"offer_id"`
	Status        string    `db:"status"`
	TotalQuantity float64   `db:"total_quantity"`
	TotalPrice    float64   `db:"total_price"`
	Currency      string    `db:"currency"`
	Items         []byte    `db:"items"`
	Quote         []byte    `db:"quote"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r *orderRow) toModel() (*models.Order, error) {
	o := &models.Order{
		ID:            r.ID,
		TransactionID: r.TransactionID,
		ProviderID:    r.ProviderID,
		OfferID:       r.OfferID,
		Status:        r.Status,
		TotalQuantity: r.TotalQuantity,
		TotalPrice:    r.TotalPrice,
		Currency:      r.Currency,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(r.Items) > 0 {
		if err := json.Unmarshal(r.Items, &o.Items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order items: %w", err)
		}
	}
	if len(r.Quote) > 0 {
		if err := json.Unmarshal(r.Quote, &o.Quote); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order quote: %w", err)
		}
	}
	return o, nil
}

// CreateOrder persists a new order. The transaction_id unique constraint
// makes a duplicate insert for the same transaction fail loudly rather
// than producing two orders.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal order items: %w", err)
	}
	quote, err := json.Marshal(order.Quote)
	if err != nil {
		return fmt.Errorf("failed to marshal order quote: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, transaction_id, provider_id, offer_id, status,
			total_quantity, total_price, currency, items, quote)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		order.ID, order.TransactionID, order.ProviderID, order.OfferID, order.Status,
		order.TotalQuantity, order.TotalPrice, order.Currency, items, quote)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetOrderByTransaction retrieves the order a transaction produced, or nil
// when the transaction has not reached init yet
func (s *Store) GetOrderByTransaction(ctx context.Context, txID string) (*models.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM orders WHERE transaction_id = $1", txID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// UpdateOrderStatus updates an order's status
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	return err
}
