package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"energy-bap/internal/models"
)

// transactionRow is the persisted shape of a transaction; the intent is
// serialized only at this boundary
type transactionRow struct {
	ID            string    `db:"id"`
	State         string    `db:"state"`
	BppID         *string   `db:"bpp_id"`
	BppURI        *string   `db:"bpp_uri"`
	Intent        []byte    `db:"intent"`
	TTLSeconds    int       `db:"ttl_seconds"`
	Deadline      time.Time `db:"deadline"`
	FailureReason *string   `db:"failure_reason"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r *transactionRow) toModel() (*models.Transaction, error) {
	t := &models.Transaction{
		ID:            r.ID,
		State:         r.State,
		BppID:         r.BppID,
		BppURI:        r.BppURI,
		TTLSeconds:    r.TTLSeconds,
		Deadline:      r.Deadline,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(r.Intent) > 0 {
		if err := json.Unmarshal(r.Intent, &t.Intent); err != nil {
			return nil, fmt.Errorf("failed to unmarshal intent: %w", err)
		}
	}
	return t, nil
}

// CreateTransaction persists a newly opened transaction
func (s *Store) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	intent, err := json.Marshal(t.Intent)
	if err != nil {
		return fmt.Errorf("failed to marshal intent: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, state, bpp_id, intent, ttl_seconds, deadline)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.State, t.BppID, intent, t.TTLSeconds, t.Deadline)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by ID
func (s *Store) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var row transactionRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM transactions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transaction %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// TransitionTransaction moves a transaction from one exact state to
// another. The WHERE clause carries the expected current state, so a
// concurrent transition makes this report false instead of clobbering:
// per-transaction states only ever advance.
func (s *Store) TransitionTransaction(ctx context.Context, id, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET state = $1, updated_at = NOW()
		WHERE id = $2 AND state = $3`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition transaction: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// TerminateTransaction moves any non-terminal transaction into a terminal
// failure state with a reason. Already-terminal transactions are left
// untouched and reported false.
func (s *Store) TerminateTransaction(ctx context.Context, id, to, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET state = $1, failure_reason = $2, updated_at = NOW()
		WHERE id = $3 AND state NOT IN ('CONFIRMED', 'FAILED', 'EXPIRED', 'CANCELLED')`,
		to, reason, id)
	if err != nil {
		return false, fmt.Errorf("failed to terminate transaction: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// SetTransactionBpp records the provider platform that answered first for
// a transaction; later answers do not overwrite it
func (s *Store) SetTransactionBpp(ctx context.Context, id, bppID, bppURI string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET bpp_id = $1, bpp_uri = $2, updated_at = NOW()
		WHERE id = $3 AND bpp_id IS NULL`, bppID, bppURI, id)
	return err
}

// ExtendTransactionDeadline pushes a live transaction's deadline forward.
// Deadlines only ever move later; an extension behind the current deadline
// or against a terminal transaction is ignored and reported false.
func (s *Store) ExtendTransactionDeadline(ctx context.Context, id string, deadline time.Time, ttlSeconds int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET deadline = $1, ttl_seconds = $2, updated_at = NOW()
		WHERE id = $3 AND deadline < $1
		  AND state NOT IN ('CONFIRMED', 'FAILED', 'EXPIRED', 'CANCELLED')`,
		deadline, ttlSeconds, id)
	if err != nil {
		return false, fmt.Errorf("failed to extend deadline: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ListExpiredTransactions returns non-terminal transactions whose deadline
// has passed, for the expiry sweep
func (s *Store) ListExpiredTransactions(ctx context.Context, now time.Time) ([]models.Transaction, error) {
	var rows []transactionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM transactions
		WHERE deadline < $1 AND state NOT IN ('CONFIRMED', 'FAILED', 'EXPIRED', 'CANCELLED')
		ORDER BY deadline`, now)
	if err != nil {
		return nil, err
	}

	out := make([]models.Transaction, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}
