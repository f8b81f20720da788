package service

import (
	"context"
	"fmt"
	"time"

	"energy-bap/internal/models"
	"energy-bap/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LedgerStore is the persistence surface the transaction ledger needs.
// TransitionTransaction must be conditional on the expected current state
// so concurrent writers cannot move a transaction backward.
type LedgerStore interface {
	CreateTransaction(ctx context.Context, t *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	TransitionTransaction(ctx context.Context, id, from, to string) (bool, error)
	TerminateTransaction(ctx context.Context, id, to, reason string) (bool, error)
	SetTransactionBpp(ctx context.Context, id, bppID, bppURI string) error
	ExtendTransactionDeadline(ctx context.Context, id string, deadline time.Time, ttlSeconds int) (bool, error)
	ListExpiredTransactions(ctx context.Context, now time.Time) ([]models.Transaction, error)
}

// Ledger is the single source of truth for a transaction's protocol state.
// States advance strictly forward through the machine in models; any
// out-of-sequence action is reported as ErrIllegalTransition, never
// silently corrected.
type Ledger struct {
	store      LedgerStore
	defaultTTL time.Duration
	logger     *zap.Logger
}

// NewLedger creates a new transaction ledger
func NewLedger(store LedgerStore, defaultTTL time.Duration) *Ledger {
	return &Ledger{
		store:      store,
		defaultTTL: defaultTTL,
		logger:     util.GetLogger(),
	}
}

// Open allocates a new transaction for a buyer intent. The intent's
// quantity and time window are validated up front; a malformed intent is
// rejected with ErrInvalidIntent.
func (l *Ledger) Open(ctx context.Context, intent models.Intent, ttl time.Duration) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Open")
	defer span.End()

	if intent.QuantityKWh <= 0 {
		return nil, fmt.Errorf("quantity %.3f: %w", intent.QuantityKWh, models.ErrInvalidIntent)
	}
	if !intent.WindowEnd.After(intent.WindowStart) {
		return nil, fmt.Errorf("window end %s not after start %s: %w",
			intent.WindowEnd.Format(time.RFC3339), intent.WindowStart.Format(time.RFC3339),
			models.ErrInvalidIntent)
	}
	if intent.MaxPrice < 0 {
		return nil, fmt.Errorf("max price %.3f: %w", intent.MaxPrice, models.ErrInvalidIntent)
	}

	if ttl <= 0 {
		ttl = l.defaultTTL
	}

	now := time.Now().UTC()
	t := &models.Transaction{
		ID:         uuid.New().String(),
		State:      models.StateInitiated,
		Intent:     intent,
		TTLSeconds: int(ttl.Seconds()),
		Deadline:   now.Add(ttl),
	}

	if err := l.store.CreateTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to open transaction: %w", err)
	}

	util.TransactionsOpenedTotal.Inc()
	l.logger.Info("Transaction opened",
		zap.String("transaction_id", t.ID),
		zap.Float64("quantity_kwh", intent.QuantityKWh),
		zap.Duration("ttl", ttl))
	return t, nil
}

// Get retrieves a transaction by ID
func (l *Ledger) Get(ctx context.Context, txID string) (*models.Transaction, error) {
	return l.store.GetTransaction(ctx, txID)
}

// RecordOutbound validates that an outbound action is legal from the
// transaction's current state and moves it into the matching in-flight
// state. status and cancel probe the current state without changing it.
func (l *Ledger) RecordOutbound(ctx context.Context, txID, action string) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.RecordOutbound")
	defer span.End()

	t, err := l.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	next, ok := nextOutbound(t.State, action)
	if !ok {
		util.IllegalTransitionsTotal.WithLabelValues(action).Inc()
		return nil, fmt.Errorf("action %s from state %s: %w", action, t.State, models.ErrIllegalTransition)
	}

	if next != t.State {
		moved, err := l.store.TransitionTransaction(ctx, txID, t.State, next)
		if err != nil {
			return nil, err
		}
		if !moved {
			// Someone advanced the transaction between our read and write.
			util.IllegalTransitionsTotal.WithLabelValues(action).Inc()
			return nil, fmt.Errorf("action %s raced a concurrent transition: %w", action, models.ErrIllegalTransition)
		}
		t.State = next
	}

	util.OutboundActionsTotal.WithLabelValues(action).Inc()
	l.logger.Info("Outbound action recorded",
		zap.String("transaction_id", txID),
		zap.String("action", action),
		zap.String("state", t.State))
	return t, nil
}

// ApplyInbound commits the state transition a callback produces. The
// returned bool reports whether this was the first application; a race
// where another delivery settled the same state first is a duplicate
// no-op, while a genuinely mismatched callback is ErrIllegalTransition.
func (l *Ledger) ApplyInbound(ctx context.Context, txID, action string) (bool, string, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.ApplyInbound")
	defer span.End()

	t, err := l.store.GetTransaction(ctx, txID)
	if err != nil {
		return false, "", err
	}

	next, ok := models.NextInboundState(t.State, action)
	if !ok {
		// A delivery that already settled this stage makes the repeat a
		// duplicate no-op, not a violation.
		if settled := settledStateFor(action); settled != "" && settled == t.State {
			return false, t.State, nil
		}
		util.IllegalTransitionsTotal.WithLabelValues(action).Inc()
		return false, "", fmt.Errorf("callback %s from state %s: %w", action, t.State, models.ErrIllegalTransition)
	}

	if next == t.State {
		// status probes settle nothing
		return true, next, nil
	}

	moved, err := l.store.TransitionTransaction(ctx, txID, t.State, next)
	if err != nil {
		return false, "", err
	}
	if !moved {
		current, err := l.store.GetTransaction(ctx, txID)
		if err != nil {
			return false, "", err
		}
		if current.State == next {
			return false, next, nil
		}
		util.IllegalTransitionsTotal.WithLabelValues(action).Inc()
		return false, "", fmt.Errorf("callback %s raced a concurrent transition: %w", action, models.ErrIllegalTransition)
	}

	l.logger.Info("Inbound callback applied",
		zap.String("transaction_id", txID),
		zap.String("action", action),
		zap.String("state", next))
	return true, next, nil
}

// Terminate moves any non-terminal transaction to a terminal failure
// state with a machine-readable reason. Reports false when the
// transaction was already terminal.
func (l *Ledger) Terminate(ctx context.Context, txID, state, reason string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Terminate")
	defer span.End()

	moved, err := l.store.TerminateTransaction(ctx, txID, state, reason)
	if err != nil {
		return false, err
	}
	if moved {
		util.TransactionsTerminalTotal.WithLabelValues(state).Inc()
		l.logger.Warn("Transaction terminated",
			zap.String("transaction_id", txID),
			zap.String("state", state),
			zap.String("reason", reason))
	}
	return moved, nil
}

// AttachBpp records the provider platform answering for the transaction
func (l *Ledger) AttachBpp(ctx context.Context, txID, bppID, bppURI string) error {
	if bppID == "" {
		return nil
	}
	return l.store.SetTransactionBpp(ctx, txID, bppID, bppURI)
}

// ExtendDeadline honors a provider-advertised response window by pushing
// the transaction's deadline to now+ttl. Deadlines only move forward, so a
// shorter advertised window never cuts an open transaction short.
func (l *Ledger) ExtendDeadline(ctx context.Context, txID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	deadline := time.Now().UTC().Add(ttl)
	extended, err := l.store.ExtendTransactionDeadline(ctx, txID, deadline, int(ttl.Seconds()))
	if err != nil {
		return false, err
	}
	if extended {
		l.logger.Info("Transaction deadline extended",
			zap.String("transaction_id", txID),
			zap.Duration("ttl", ttl))
	}
	return extended, nil
}

// ListExpired returns non-terminal transactions past their deadline
func (l *Ledger) ListExpired(ctx context.Context, now time.Time) ([]models.Transaction, error) {
	return l.store.ListExpiredTransactions(ctx, now)
}

// nextOutbound wraps the model transition table, additionally allowing a
// cancel probe from the cancellable states without a state change
func nextOutbound(current, action string) (string, bool) {
	if action == models.ActionCancel {
		if !models.CanCancel(current) {
			return "", false
		}
		return current, true
	}
	return models.NextOutboundState(current, action)
}

// settledStateFor maps a callback to the state it settles, used to
// recognize deliveries that arrive after the stage already settled
func settledStateFor(action string) string {
	switch action {
	case models.ActionOnDiscover:
		return models.StateDiscovered
	case models.ActionOnSelect:
		return models.StateSelected
	case models.ActionOnInit:
		return models.StateInitialized
	case models.ActionOnConfirm:
		return models.StateConfirmed
	case models.ActionOnCancel:
		return models.StateCancelled
	}
	return ""
}
