package store

import (
	"context"
	"fmt"

	"energy-bap/internal/models"
)

// RecordEventIfNew appends a protocol message to the event log unless the
// same (transaction_id, message_id, direction) was already recorded. The
// insert and the "new" determination are one atomic statement: two
// concurrent deliveries of the same message cannot both observe true.
func (s *Store) RecordEventIfNew(ctx context.Context, event *models.Event) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (transaction_id, message_id, direction, action, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (transaction_id, message_id, direction) DO NOTHING`,
		event.TransactionID, event.MessageID, event.Direction, event.Action, event.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ListEventsByTransaction returns every message observed for a transaction
// in arrival order, for audit and replay
func (s *Store) ListEventsByTransaction(ctx context.Context, txID string) ([]models.Event, error) {
	var events []models.Event
	err := s.db.SelectContext(ctx, &events, `
		SELECT * FROM events WHERE transaction_id = $1 ORDER BY created_at`, txID)
	return events, err
}
