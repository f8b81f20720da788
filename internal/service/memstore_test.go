package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"energy-bap/internal/models"

	"github.com/google/uuid"
)

// memStore is an in-memory stand-in for the SQL store. One mutex covers
// every operation, giving it the same atomicity contract the database
// provides with row locks and conditional updates, so the engine and
// correlator can be exercised under real goroutine concurrency.
type memStore struct {
	mu     sync.Mutex
	offers map[string]*models.CatalogOffer
	blocks map[string]*models.OfferBlock
	txs    map[string]*models.Transaction
	orders map[string]*models.Order
	events map[string]*models.Event

	// afterRecordEvent and afterBlocksRead run outside the lock after a
	// new event lands / after a held-blocks read, letting tests
	// interleave concurrent work at those exact points
	afterRecordEvent func()
	afterBlocksRead  func()
}

func newMemStore() *memStore {
	return &memStore{
		offers: make(map[string]*models.CatalogOffer),
		blocks: make(map[string]*models.OfferBlock),
		txs:    make(map[string]*models.Transaction),
		orders: make(map[string]*models.Order),
		events: make(map[string]*models.Event),
	}
}

func (m *memStore) addOffer(id string, maxKWh, price float64) *models.CatalogOffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	offer := &models.CatalogOffer{
		ID:             id,
		ItemID:         "item-" + id,
		ProviderID:     "provider-1",
		PriceValue:     price,
		PriceCurrency:  "INR",
		MaxQuantityKWh: maxKWh,
		WindowStart:    time.Now().Add(-time.Hour),
		WindowEnd:      time.Now().Add(time.Hour),
		Active:         true,
	}
	m.offers[id] = offer
	return offer
}

// BlockStore

func (m *memStore) ReserveBlock(ctx context.Context, offerID string, qty float64, txID string) (*models.OfferBlock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[offerID]
	if !ok {
		return nil, false, fmt.Errorf("offer %s: %w", offerID, models.ErrNotFound)
	}

	for _, b := range m.blocks {
		if b.OfferID == offerID && b.TransactionID != nil && *b.TransactionID == txID &&
			(b.Status == models.BlockStatusReserved || b.Status == models.BlockStatusSold) {
			cp := *b
			return &cp, false, nil
		}
	}

	var held float64
	for _, b := range m.blocks {
		if b.OfferID == offerID &&
			(b.Status == models.BlockStatusReserved || b.Status == models.BlockStatusSold) {
			held += b.QuantityKWh
		}
	}
	if held+qty > offer.MaxQuantityKWh {
		return nil, false, fmt.Errorf("offer %s: %w", offerID, models.ErrInsufficientQuantity)
	}

	now := time.Now().UTC()
	tx := txID
	block := &models.OfferBlock{
		ID:            uuid.New().String(),
		OfferID:       offer.ID,
		ItemID:        offer.ItemID,
		ProviderID:    offer.ProviderID,
		Status:        models.BlockStatusReserved,
		QuantityKWh:   qty,
		TransactionID: &tx,
		PriceValue:    offer.PriceValue,
		PriceCurrency: offer.PriceCurrency,
		ReservedAt:    &now,
	}
	m.blocks[block.ID] = block
	cp := *block
	return &cp, true, nil
}

func (m *memStore) HeldBlock(ctx context.Context, offerID, txID string) (*models.OfferBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.blocks {
		if b.OfferID == offerID && b.TransactionID != nil && *b.TransactionID == txID &&
			(b.Status == models.BlockStatusReserved || b.Status == models.BlockStatusSold) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) FinalizeBlock(ctx context.Context, blockID, txID, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blocks[blockID]
	if !ok || b.Status != models.BlockStatusReserved || b.TransactionID == nil || *b.TransactionID != txID {
		return fmt.Errorf("block %s: %w", blockID, models.ErrNotReserved)
	}

	now := time.Now().UTC()
	b.Status = models.BlockStatusSold
	b.SoldAt = &now
	b.OrderID = &orderID
	return nil
}

func (m *memStore) ReleaseBlock(ctx context.Context, blockID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blocks[blockID]
	if !ok {
		return false, fmt.Errorf("block %s: %w", blockID, models.ErrNotFound)
	}
	if b.Status != models.BlockStatusReserved {
		return false, nil
	}

	offer := m.offers[b.OfferID]
	if offer != nil && offer.Active && offer.WindowEnd.After(time.Now()) {
		b.Status = models.BlockStatusAvailable
	} else {
		b.Status = models.BlockStatusReleased
	}
	b.TransactionID = nil
	b.OrderID = nil
	b.ReservedAt = nil
	return true, nil
}

func (m *memStore) BlocksByTransaction(ctx context.Context, txID string) ([]models.OfferBlock, error) {
	m.mu.Lock()
	var out []models.OfferBlock
	for _, b := range m.blocks {
		if b.TransactionID != nil && *b.TransactionID == txID &&
			(b.Status == models.BlockStatusReserved || b.Status == models.BlockStatusSold) {
			out = append(out, *b)
		}
	}
	hook := m.afterBlocksRead
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return out, nil
}

func (m *memStore) ListActiveOffers(ctx context.Context) ([]models.CatalogOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CatalogOffer
	for _, o := range m.offers {
		if o.Active {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memStore) HeldQuantity(ctx context.Context, offerID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var held float64
	for _, b := range m.blocks {
		if b.OfferID == offerID &&
			(b.Status == models.BlockStatusReserved || b.Status == models.BlockStatusSold) {
			held += b.QuantityKWh
		}
	}
	return held, nil
}

func (m *memStore) BlocksByOffer(ctx context.Context, offerID string) ([]models.OfferBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OfferBlock
	for _, b := range m.blocks {
		if b.OfferID == offerID {
			out = append(out, *b)
		}
	}
	return out, nil
}

// LedgerStore

func (m *memStore) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.txs[t.ID] = &cp
	return nil
}

func (m *memStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, models.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) TransitionTransaction(ctx context.Context, id, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok || t.State != from {
		return false, nil
	}
	t.State = to
	return true, nil
}

func (m *memStore) TerminateTransaction(ctx context.Context, id, to, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok || models.IsTerminalState(t.State) {
		return false, nil
	}
	t.State = to
	t.FailureReason = &reason
	return true, nil
}

func (m *memStore) SetTransactionBpp(ctx context.Context, id, bppID, bppURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok || t.BppID != nil {
		return nil
	}
	t.BppID = &bppID
	t.BppURI = &bppURI
	return nil
}

func (m *memStore) ExtendTransactionDeadline(ctx context.Context, id string, deadline time.Time, ttlSeconds int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok || models.IsTerminalState(t.State) || !deadline.After(t.Deadline) {
		return false, nil
	}
	t.Deadline = deadline
	t.TTLSeconds = ttlSeconds
	return true, nil
}

func (m *memStore) ListExpiredTransactions(ctx context.Context, now time.Time) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, t := range m.txs {
		if !models.IsTerminalState(t.State) && t.Deadline.Before(now) {
			out = append(out, *t)
		}
	}
	return out, nil
}

// CorrelatorStore

func eventKey(e *models.Event) string {
	return e.TransactionID + "|" + e.MessageID + "|" + e.Direction
}

func (m *memStore) RecordEventIfNew(ctx context.Context, event *models.Event) (bool, error) {
	m.mu.Lock()
	key := eventKey(event)
	if _, exists := m.events[key]; exists {
		m.mu.Unlock()
		return false, nil
	}
	cp := *event
	cp.CreatedAt = time.Now().UTC()
	m.events[key] = &cp
	hook := m.afterRecordEvent
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return true, nil
}

func (m *memStore) ListEventsByTransaction(ctx context.Context, txID string) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, e := range m.events {
		if e.TransactionID == txID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memStore) UpsertDiscoveredCatalog(ctx context.Context, result *models.DiscoverResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range result.Providers {
		for _, o := range p.Offers {
			m.offers[o.ID] = &models.CatalogOffer{
				ID:             o.ID,
				ItemID:         o.ItemID,
				ProviderID:     p.ID,
				PriceValue:     o.PriceValue,
				PriceCurrency:  o.PriceCurrency,
				MaxQuantityKWh: o.MaxQuantityKWh,
				WindowStart:    o.WindowStart,
				WindowEnd:      o.WindowEnd,
				Active:         true,
			}
		}
	}
	return nil
}

func (m *memStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[order.TransactionID]; exists {
		return fmt.Errorf("order for transaction %s already exists", order.TransactionID)
	}
	cp := *order
	m.orders[order.TransactionID] = &cp
	return nil
}

func (m *memStore) GetOrderByTransaction(ctx context.Context, txID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[txID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) UpdateOrderStatus(ctx context.Context, orderID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ID == orderID {
			o.Status = status
			return nil
		}
	}
	return fmt.Errorf("order %s: %w", orderID, models.ErrNotFound)
}

// fakePublisher records everything it is asked to publish

type fakePublisher struct {
	mu        sync.Mutex
	snapshots []models.TransactionSnapshot
	reserved  []models.BlocksReservedEvent
	released  []models.BlocksReleasedEvent
	confirmed []models.OrderConfirmedEvent
	failed    []models.OrderFailedEvent
}

func (f *fakePublisher) PublishTransactionSnapshot(ctx context.Context, e *models.TransactionSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, *e)
	return nil
}

func (f *fakePublisher) PublishBlocksReserved(ctx context.Context, e *models.BlocksReservedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserved = append(f.reserved, *e)
	return nil
}

func (f *fakePublisher) PublishBlocksReleased(ctx context.Context, e *models.BlocksReleasedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, *e)
	return nil
}

func (f *fakePublisher) PublishOrderConfirmed(ctx context.Context, e *models.OrderConfirmedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, *e)
	return nil
}

func (f *fakePublisher) PublishOrderFailed(ctx context.Context, e *models.OrderFailedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, *e)
	return nil
}

func (f *fakePublisher) lastSnapshotState() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snapshots) == 0 {
		return ""
	}
	return f.snapshots[len(f.snapshots)-1].State
}

// fakeDispatcher records outbound dispatches

type dispatched struct {
	TransactionID string
	Action        string
	MessageID     string
	BppURI        string
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []dispatched
	fail bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, t *models.Transaction, action, messageID, bppURI string, message json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("transport unavailable")
	}
	f.sent = append(f.sent, dispatched{
		TransactionID: t.ID,
		Action:        action,
		MessageID:     messageID,
		BppURI:        bppURI,
	})
	return nil
}

// fakeCache mimics the Redis headroom mirror

type fakeCache struct {
	mu   sync.Mutex
	max  map[string]float64
	held map[string]float64
	err  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		max:  make(map[string]float64),
		held: make(map[string]float64),
	}
}

func (f *fakeCache) ReserveHeadroom(ctx context.Context, offerID string, qty float64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return -1, f.err
	}
	max, ok := f.max[offerID]
	if !ok {
		return -1, nil
	}
	if f.held[offerID]+qty > max {
		return 0, nil
	}
	f.held[offerID] += qty
	return 1, nil
}

func (f *fakeCache) ReleaseHeadroom(ctx context.Context, offerID string, qty float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.held[offerID] -= qty
	if f.held[offerID] < 0 {
		f.held[offerID] = 0
	}
	return nil
}

func (f *fakeCache) InitOfferHeadroom(ctx context.Context, offerID string, maxKWh, heldKWh float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.max[offerID] = maxKWh
	f.held[offerID] = heldKWh
	return nil
}
