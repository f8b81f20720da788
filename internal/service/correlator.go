package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"energy-bap/internal/models"
	"energy-bap/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CorrelatorStore is the persistence surface the correlator needs beyond
// the ledger and reservation engine
type CorrelatorStore interface {
	RecordEventIfNew(ctx context.Context, event *models.Event) (bool, error)
	ListEventsByTransaction(ctx context.Context, txID string) ([]models.Event, error)
	UpsertDiscoveredCatalog(ctx context.Context, result *models.DiscoverResult) error
	ListActiveOffers(ctx context.Context) ([]models.CatalogOffer, error)
	BlocksByOffer(ctx context.Context, offerID string) ([]models.OfferBlock, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByTransaction(ctx context.Context, txID string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID, status string) error
}

// Publisher feeds transaction snapshots and reservation lifecycle events
// to the notification/UI collaborator
type Publisher interface {
	PublishTransactionSnapshot(ctx context.Context, event *models.TransactionSnapshot) error
	PublishBlocksReserved(ctx context.Context, event *models.BlocksReservedEvent) error
	PublishBlocksReleased(ctx context.Context, event *models.BlocksReleasedEvent) error
	PublishOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error
	PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error
}

// Dispatcher sends outbound protocol messages to provider platforms
type Dispatcher interface {
	Dispatch(ctx context.Context, t *models.Transaction, action, messageID, bppURI string, message json.RawMessage) error
}

// Correlator ties the ledger, reservation engine and event log into the
// protocol request/response cycle. It matches every asynchronous on_*
// callback to the outstanding request that caused it, deduplicates
// deliveries through the event log, and drives reservations forward or
// back as the transaction advances or fails.
type Correlator struct {
	ledger    *Ledger
	engine    *ReservationEngine
	store     CorrelatorStore
	publisher Publisher
	bpp       Dispatcher
	logger    *zap.Logger
}

// NewCorrelator creates a new protocol correlator
func NewCorrelator(
	ledger *Ledger,
	engine *ReservationEngine,
	store CorrelatorStore,
	publisher Publisher,
	bpp Dispatcher,
) *Correlator {
	return &Correlator{
		ledger:    ledger,
		engine:    engine,
		store:     store,
		publisher: publisher,
		bpp:       bpp,
		logger:    util.GetLogger(),
	}
}

// Open starts a new transaction for a buyer intent
func (c *Correlator) Open(ctx context.Context, intent models.Intent, ttl time.Duration) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "Correlator.Open")
	defer span.End()

	t, err := c.ledger.Open(ctx, intent, ttl)
	if err != nil {
		return nil, err
	}

	c.publishSnapshot(ctx, t.ID, t.State, nil)
	return t, nil
}

// SendAction drives one outbound protocol leg: the ledger validates and
// advances the state, the event log records the message for audit, and
// the transport dispatches it. An action illegal from the current state
// fails fast with ErrIllegalTransition before anything is sent.
func (c *Correlator) SendAction(ctx context.Context, txID, action string, message json.RawMessage) (string, error) {
	ctx, span := util.StartSpan(ctx, "Correlator.SendAction")
	defer span.End()

	t, err := c.ledger.RecordOutbound(ctx, txID, action)
	if err != nil {
		return "", err
	}

	messageID := uuid.New().String()
	if _, err := c.store.RecordEventIfNew(ctx, &models.Event{
		TransactionID: txID,
		MessageID:     messageID,
		Direction:     models.DirectionOutbound,
		Action:        action,
		Payload:       message,
	}); err != nil {
		c.logger.Error("Failed to record outbound event",
			zap.String("transaction_id", txID),
			zap.Error(err))
	}

	bppURI := ""
	if t.BppURI != nil {
		bppURI = *t.BppURI
	}

	if err := c.bpp.Dispatch(ctx, t, action, messageID, bppURI, message); err != nil {
		// The transaction stays in its in-flight state; the expiry sweep
		// reclaims it if no answer ever comes.
		c.logger.Error("Dispatch failed",
			zap.String("transaction_id", txID),
			zap.String("action", action),
			zap.Error(err))
		return messageID, fmt.Errorf("dispatch failed: %w", err)
	}

	c.publishSnapshot(ctx, txID, t.State, nil)
	return messageID, nil
}

// HandleCallback processes one inbound on_* delivery. The event log is
// the sole dedup gate: a replayed (transaction, message, direction) key
// returns immediately with no side effects.
func (c *Correlator) HandleCallback(ctx context.Context, cb *models.CallbackMessage) error {
	ctx, span := util.StartSpan(ctx, "Correlator.HandleCallback")
	defer span.End()

	cctx := cb.Context
	if cctx.TransactionID == "" || cctx.MessageID == "" || cctx.Action == "" {
		return fmt.Errorf("callback missing correlation fields: %w", models.ErrInvalidIntent)
	}

	t, err := c.ledger.Get(ctx, cctx.TransactionID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("failed to marshal callback: %w", err)
	}

	isNew, err := c.store.RecordEventIfNew(ctx, &models.Event{
		TransactionID: cctx.TransactionID,
		MessageID:     cctx.MessageID,
		Direction:     models.DirectionInbound,
		Action:        cctx.Action,
		Payload:       payload,
	})
	if err != nil {
		return err
	}
	if !isNew {
		util.DuplicateCallbacksTotal.Inc()
		util.CallbacksTotal.WithLabelValues(cctx.Action, "duplicate").Inc()
		c.logger.Info("Duplicate callback dropped",
			zap.String("transaction_id", cctx.TransactionID),
			zap.String("message_id", cctx.MessageID),
			zap.String("action", cctx.Action))
		return nil
	}

	// Reject out-of-sequence callbacks before any side effect runs. The
	// final ApplyInbound below still owns the authoritative transition.
	if _, ok := models.NextInboundState(t.State, cctx.Action); !ok {
		util.CallbacksTotal.WithLabelValues(cctx.Action, "illegal").Inc()
		return fmt.Errorf("callback %s from state %s: %w", cctx.Action, t.State, models.ErrIllegalTransition)
	}

	if cb.Error != nil {
		return c.failTransaction(ctx, t, models.ReasonProviderError,
			fmt.Errorf("provider error %s: %s", cb.Error.Code, cb.Error.Message))
	}

	// The context ttl is the provider's promised response window for the
	// next leg; honor it by moving the deadline forward.
	if cctx.TTL != "" {
		if ttl, err := models.ParseTTL(cctx.TTL); err != nil {
			c.logger.Warn("Ignoring unparseable context ttl",
				zap.String("transaction_id", cctx.TransactionID),
				zap.String("ttl", cctx.TTL))
		} else if _, err := c.ledger.ExtendDeadline(ctx, t.ID, ttl); err != nil {
			c.logger.Error("Failed to extend transaction deadline",
				zap.String("transaction_id", cctx.TransactionID),
				zap.Error(err))
		}
	}

	switch cctx.Action {
	case models.ActionOnDiscover:
		if err := c.handleOnDiscover(ctx, t, cb); err != nil {
			return err
		}
	case models.ActionOnSelect:
		if err := c.handleOnSelect(ctx, t, cb); err != nil {
			return err
		}
	case models.ActionOnInit:
		if err := c.handleOnInit(ctx, t, cb); err != nil {
			return err
		}
	case models.ActionOnConfirm:
		if err := c.handleOnConfirm(ctx, t); err != nil {
			return err
		}
	case models.ActionOnCancel:
		if err := c.releaseHeld(ctx, t.ID, "cancelled"); err != nil {
			return err
		}
	case models.ActionOnStatus:
		c.handleOnStatus(ctx, t, cb)
	default:
		util.CallbacksTotal.WithLabelValues(cctx.Action, "unknown").Inc()
		return fmt.Errorf("unknown callback action %s: %w", cctx.Action, models.ErrIllegalTransition)
	}

	first, newState, err := c.ledger.ApplyInbound(ctx, t.ID, cctx.Action)
	if err != nil {
		util.CallbacksTotal.WithLabelValues(cctx.Action, "illegal").Inc()
		// The transaction may have gone terminal while this callback's
		// side effects ran; nothing else reclaims blocks from a terminal
		// owner, so any reservation made above must be undone here.
		c.reclaimIfTerminal(ctx, t.ID)
		return err
	}
	if !first {
		// Lost the commit race to a concurrent delivery; side effects are
		// idempotent so this is a no-op.
		util.CallbacksTotal.WithLabelValues(cctx.Action, "duplicate").Inc()
		return nil
	}

	if models.IsTerminalState(newState) {
		util.TransactionsTerminalTotal.WithLabelValues(newState).Inc()
	}

	util.CallbacksTotal.WithLabelValues(cctx.Action, "ok").Inc()
	c.publishSnapshot(ctx, t.ID, newState, nil)
	return nil
}

func (c *Correlator) handleOnDiscover(ctx context.Context, t *models.Transaction, cb *models.CallbackMessage) error {
	if cb.Message.Catalog != nil {
		if err := c.store.UpsertDiscoveredCatalog(ctx, cb.Message.Catalog); err != nil {
			return fmt.Errorf("failed to store discovered catalog: %w", err)
		}
	}
	return c.ledger.AttachBpp(ctx, t.ID, cb.Context.BppID, cb.Context.BppURI)
}

// handleOnSelect reserves a block per selected item. If any item cannot
// be satisfied, every block reserved earlier in this same callback is
// released again and the transaction fails: a partial reservation across
// a multi-item select is never left standing.
func (c *Correlator) handleOnSelect(ctx context.Context, t *models.Transaction, cb *models.CallbackMessage) error {
	if cb.Message.Order == nil || len(cb.Message.Order.Items) == 0 {
		return c.failTransaction(ctx, t, models.ReasonProviderError,
			fmt.Errorf("on_select carried no items"))
	}

	reserved := make([]models.OfferBlock, 0, len(cb.Message.Order.Items))
	for _, item := range cb.Message.Order.Items {
		block, err := c.engine.Reserve(ctx, item.OfferID, item.QuantityKWh, t.ID)
		if err != nil {
			for i := range reserved {
				if rerr := c.engine.Release(ctx, &reserved[i], "select_rollback"); rerr != nil {
					c.logger.Error("Failed to roll back reservation",
						zap.String("block_id", reserved[i].ID),
						zap.Error(rerr))
				}
			}
			reason := models.ReasonProviderError
			if errors.Is(err, models.ErrInsufficientQuantity) {
				reason = models.ReasonInsufficientQuantity
			}
			return c.failTransaction(ctx, t, reason, err)
		}
		reserved = append(reserved, *block)
	}

	c.publish(ctx, func() error {
		return c.publisher.PublishBlocksReserved(ctx, &models.BlocksReservedEvent{
			BaseEvent:     newBaseEvent(models.EventTypeBlocksReserved),
			TransactionID: t.ID,
			Blocks:        reserved,
		})
	})
	return nil
}

func (c *Correlator) handleOnInit(ctx context.Context, t *models.Transaction, cb *models.CallbackMessage) error {
	existing, err := c.store.GetOrderByTransaction(ctx, t.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	blocks, err := c.engine.HeldBlocks(ctx, t.ID)
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return c.failTransaction(ctx, t, models.ReasonNotReserved,
			fmt.Errorf("on_init with no held blocks"))
	}

	order := &models.Order{
		ID:            uuid.New().String(),
		TransactionID: t.ID,
		ProviderID:    t.BppID,
		Status:        models.OrderStatusPending,
		Currency:      blocks[0].PriceCurrency,
	}
	order.OfferID = &blocks[0].OfferID
	for i := range blocks {
		order.TotalQuantity += blocks[i].QuantityKWh
		order.TotalPrice += blocks[i].PriceValue * blocks[i].QuantityKWh
		order.Items = append(order.Items, models.OrderItem{
			OfferID:     blocks[i].OfferID,
			QuantityKWh: blocks[i].QuantityKWh,
			PriceValue:  blocks[i].PriceValue,
			Currency:    blocks[i].PriceCurrency,
		})
	}
	if cb.Message.Order != nil {
		order.Quote = cb.Message.Order.Quote
	}

	if err := c.store.CreateOrder(ctx, order); err != nil {
		return err
	}

	c.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("transaction_id", t.ID),
		zap.Float64("total_price", order.TotalPrice))
	return nil
}

// handleOnConfirm finalizes every block the transaction holds. A block
// that is no longer reserved means a release or expiry won the race; the
// confirmation is surfaced as a failure, never silently absorbed.
func (c *Correlator) handleOnConfirm(ctx context.Context, t *models.Transaction) error {
	order, err := c.store.GetOrderByTransaction(ctx, t.ID)
	if err != nil {
		return err
	}
	if order == nil {
		return c.failTransaction(ctx, t, models.ReasonNotReserved,
			fmt.Errorf("on_confirm with no order"))
	}

	blocks, err := c.engine.HeldBlocks(ctx, t.ID)
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return c.failTransaction(ctx, t, models.ReasonNotReserved,
			fmt.Errorf("on_confirm with no held blocks: %w", models.ErrNotReserved))
	}

	var soldTotal float64
	var soldIDs []string
	for i := range blocks {
		if blocks[i].Status == models.BlockStatusSold {
			soldTotal += blocks[i].PriceValue * blocks[i].QuantityKWh
			soldIDs = append(soldIDs, blocks[i].ID)
			continue
		}
		if err := c.engine.Finalize(ctx, &blocks[i], t.ID, order.ID); err != nil {
			if len(soldIDs) > 0 {
				// Sold is final; these blocks stay consumed under the
				// failed transaction and need operator reconciliation.
				c.logger.Error("Confirmation failed partway, sold blocks stranded",
					zap.String("transaction_id", t.ID),
					zap.String("order_id", order.ID),
					zap.Strings("block_ids", soldIDs))
			}
			return c.failTransaction(ctx, t, models.ReasonNotReserved, err)
		}
		soldTotal += blocks[i].PriceValue * blocks[i].QuantityKWh
		soldIDs = append(soldIDs, blocks[i].ID)
	}

	if math.Abs(soldTotal-order.TotalPrice) > 1e-9 {
		c.logger.Warn("Order total diverges from block price snapshots",
			zap.String("order_id", order.ID),
			zap.Float64("order_total", order.TotalPrice),
			zap.Float64("block_total", soldTotal))
	}

	if err := c.store.UpdateOrderStatus(ctx, order.ID, models.OrderStatusConfirmed); err != nil {
		return err
	}

	providerID := ""
	if order.ProviderID != nil {
		providerID = *order.ProviderID
	}
	c.publish(ctx, func() error {
		return c.publisher.PublishOrderConfirmed(ctx, &models.OrderConfirmedEvent{
			BaseEvent:     newBaseEvent(models.EventTypeOrderConfirmed),
			TransactionID: t.ID,
			OrderID:       order.ID,
			ProviderID:    providerID,
			TotalQuantity: order.TotalQuantity,
			TotalPrice:    order.TotalPrice,
			Currency:      order.Currency,
		})
	})
	return nil
}

func (c *Correlator) handleOnStatus(ctx context.Context, t *models.Transaction, cb *models.CallbackMessage) {
	if cb.Message.Order == nil || cb.Message.Order.Status == "" {
		return
	}
	order, err := c.store.GetOrderByTransaction(ctx, t.ID)
	if err != nil || order == nil {
		return
	}
	if err := c.store.UpdateOrderStatus(ctx, order.ID, cb.Message.Order.Status); err != nil {
		c.logger.Error("Failed to update order status",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}

// failTransaction releases everything the transaction holds, terminates
// it with a machine-readable reason, and surfaces the original error
func (c *Correlator) failTransaction(ctx context.Context, t *models.Transaction, reason string, cause error) error {
	if err := c.releaseHeld(ctx, t.ID, "failed"); err != nil {
		c.logger.Error("Failed to release blocks during failure",
			zap.String("transaction_id", t.ID),
			zap.Error(err))
	}

	moved, err := c.ledger.Terminate(ctx, t.ID, models.StateFailed, reason)
	if err != nil {
		return err
	}
	if moved {
		c.publishSnapshot(ctx, t.ID, models.StateFailed, &reason)
		c.publish(ctx, func() error {
			providerID := ""
			if t.BppID != nil {
				providerID = *t.BppID
			}
			return c.publisher.PublishOrderFailed(ctx, &models.OrderFailedEvent{
				BaseEvent:     newBaseEvent(models.EventTypeOrderFailed),
				TransactionID: t.ID,
				ProviderID:    providerID,
				Reason:        reason,
			})
		})
	}

	return fmt.Errorf("transaction %s failed (%s): %w", t.ID, reason, cause)
}

// reclaimIfTerminal re-reads a transaction after a failed inbound commit
// and, when it ended terminal underneath the callback (expiry sweep,
// concurrent failure), returns its still-reserved blocks to the pool.
// Sold blocks are untouched.
func (c *Correlator) reclaimIfTerminal(ctx context.Context, txID string) {
	current, err := c.ledger.Get(ctx, txID)
	if err != nil {
		c.logger.Error("Failed to re-read transaction after commit race",
			zap.String("transaction_id", txID),
			zap.Error(err))
		return
	}
	if !models.IsTerminalState(current.State) {
		return
	}

	var reason string
	switch current.State {
	case models.StateExpired:
		reason = "expired"
	case models.StateCancelled:
		reason = "cancelled"
	case models.StateFailed:
		reason = "failed"
	default:
		return
	}

	if err := c.releaseHeld(ctx, txID, reason); err != nil {
		c.logger.Error("Failed to reclaim blocks from terminal transaction",
			zap.String("transaction_id", txID),
			zap.String("state", current.State),
			zap.Error(err))
	}
}

// releaseHeld returns every reserved block of a transaction to the pool
func (c *Correlator) releaseHeld(ctx context.Context, txID, reason string) error {
	blocks, err := c.engine.HeldBlocks(ctx, txID)
	if err != nil {
		return err
	}

	released := make([]string, 0, len(blocks))
	for i := range blocks {
		if blocks[i].Status != models.BlockStatusReserved {
			continue
		}
		if err := c.engine.Release(ctx, &blocks[i], reason); err != nil {
			return err
		}
		released = append(released, blocks[i].ID)
	}

	if len(released) > 0 {
		c.publish(ctx, func() error {
			return c.publisher.PublishBlocksReleased(ctx, &models.BlocksReleasedEvent{
				BaseEvent:     newBaseEvent(models.EventTypeBlocksReleased),
				TransactionID: txID,
				BlockIDs:      released,
				Reason:        reason,
			})
		})
	}
	return nil
}

// ExpireSweep expires every non-terminal transaction past its deadline,
// releasing its blocks. This is the only path that reclaims blocks from a
// transaction that never hears back; the event-log gate plus idempotent
// release and finalize keep it safe against a very late genuine callback
// running concurrently.
func (c *Correlator) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	ctx, span := util.StartSpan(ctx, "Correlator.ExpireSweep")
	defer span.End()

	util.ExpirySweepsTotal.Inc()

	expired, err := c.ledger.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range expired {
		if err := c.Expire(ctx, expired[i].ID); err != nil {
			c.logger.Error("Failed to expire transaction",
				zap.String("transaction_id", expired[i].ID),
				zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// Expire releases a transaction's blocks and moves it to EXPIRED. Blocks
// are released first so a confirm racing the sweep either finalizes
// before the release (and wins, the terminate then no-ops) or finds its
// blocks gone and fails with NotReserved.
func (c *Correlator) Expire(ctx context.Context, txID string) error {
	if err := c.releaseHeld(ctx, txID, "expired"); err != nil {
		return err
	}

	moved, err := c.ledger.Terminate(ctx, txID, models.StateExpired, models.ReasonExpired)
	if err != nil {
		return err
	}
	if moved {
		util.TransactionsExpiredTotal.Inc()
		reason := models.ReasonExpired
		c.publishSnapshot(ctx, txID, models.StateExpired, &reason)
	}
	return nil
}

// View assembles the reporting shape for one transaction: its state, the
// order it produced, the blocks it holds, and its message audit trail
func (c *Correlator) View(ctx context.Context, txID string) (*models.Transaction, *models.Order, []models.OfferBlock, []models.Event, error) {
	t, err := c.ledger.Get(ctx, txID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	order, err := c.store.GetOrderByTransaction(ctx, txID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	blocks, err := c.engine.HeldBlocks(ctx, txID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	events, err := c.store.ListEventsByTransaction(ctx, txID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return t, order, blocks, events, nil
}

// Offers lists the active catalog for browsing
func (c *Correlator) Offers(ctx context.Context) ([]models.CatalogOffer, error) {
	return c.store.ListActiveOffers(ctx)
}

// OfferBlocks lists an offer's blocks for reservation reporting
func (c *Correlator) OfferBlocks(ctx context.Context, offerID string) ([]models.OfferBlock, error) {
	return c.store.BlocksByOffer(ctx, offerID)
}

// publishSnapshot emits a TransactionSnapshot; publish failures are
// logged, never allowed to fail the protocol leg
func (c *Correlator) publishSnapshot(ctx context.Context, txID, state string, reason *string) {
	order, err := c.store.GetOrderByTransaction(ctx, txID)
	if err != nil {
		c.logger.Error("Failed to load order for snapshot",
			zap.String("transaction_id", txID),
			zap.Error(err))
	}

	c.publish(ctx, func() error {
		return c.publisher.PublishTransactionSnapshot(ctx, &models.TransactionSnapshot{
			BaseEvent:     newBaseEvent(models.EventTypeTransactionState),
			TransactionID: txID,
			State:         state,
			Order:         order,
			FailureReason: reason,
		})
	})
}

func (c *Correlator) publish(ctx context.Context, fn func() error) {
	if c.publisher == nil {
		return
	}
	if err := fn(); err != nil {
		c.logger.Error("Failed to publish event", zap.Error(err))
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}
