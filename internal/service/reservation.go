package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"energy-bap/internal/models"
	"energy-bap/internal/util"

	"go.uber.org/zap"
)

// BlockStore is the persistence surface the reservation engine needs. The
// atomicity contract lives here: ReserveBlock must run its headroom check
// and claim as one serialized step per offer.
type BlockStore interface {
	ReserveBlock(ctx context.Context, offerID string, qty float64, txID string) (*models.OfferBlock, bool, error)
	HeldBlock(ctx context.Context, offerID, txID string) (*models.OfferBlock, error)
	FinalizeBlock(ctx context.Context, blockID, txID, orderID string) error
	ReleaseBlock(ctx context.Context, blockID string) (bool, error)
	BlocksByTransaction(ctx context.Context, txID string) ([]models.OfferBlock, error)
	ListActiveOffers(ctx context.Context) ([]models.CatalogOffer, error)
	HeldQuantity(ctx context.Context, offerID string) (float64, error)
}

// HeadroomCache is the optional Redis mirror of per-offer quantity
// counters used to reject hopeless reservations before touching the
// database. A nil cache disables the fast path.
type HeadroomCache interface {
	ReserveHeadroom(ctx context.Context, offerID string, qty float64) (int, error)
	ReleaseHeadroom(ctx context.Context, offerID string, qty float64) error
	InitOfferHeadroom(ctx context.Context, offerID string, maxKWh, heldKWh float64) error
}

// Fast-path results, mirrored from the redisclient package so tests can
// fake the cache without importing it
const (
	headroomClaimed      = 1
	headroomInsufficient = 0
)

// ReservationEngine enforces exclusive, non-oversold allocation of finite
// offer quantity. Reservations against one offer serialize on that offer's
// row; different offers proceed fully in parallel.
type ReservationEngine struct {
	store  BlockStore
	cache  HeadroomCache
	logger *zap.Logger
}

// NewReservationEngine creates a new reservation engine
func NewReservationEngine(store BlockStore, cache HeadroomCache) *ReservationEngine {
	return &ReservationEngine{
		store:  store,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// Reserve claims a block of qty kWh from an offer for a transaction,
// snapshotting the offer's current unit price into the block. Idempotent
// per transaction: a retry returns the block already held. Returns
// ErrInsufficientQuantity when the offer lacks headroom; never partially
// reserves.
func (re *ReservationEngine) Reserve(ctx context.Context, offerID string, qty float64, txID string) (*models.OfferBlock, error) {
	ctx, span := util.StartSpan(ctx, "ReservationEngine.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if qty <= 0 {
		return nil, fmt.Errorf("quantity %.3f: %w", qty, models.ErrInvalidIntent)
	}

	if re.cache != nil {
		code, err := re.cache.ReserveHeadroom(ctx, offerID, qty)
		switch {
		case err != nil:
			// Redis down, the database path decides alone.
			re.logger.Warn("Headroom fast path unavailable, falling back to DB",
				zap.String("offer_id", offerID),
				zap.Error(err))
		case code == headroomInsufficient:
			// A retry may already hold a block; only then is the
			// rejection wrong.
			existing, err := re.store.HeldBlock(ctx, offerID, txID)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				return existing, nil
			}
			util.ReservationsRejectedTotal.WithLabelValues("insufficient_quantity").Inc()
			return nil, fmt.Errorf("offer %s: %w", offerID, models.ErrInsufficientQuantity)
		}
	}

	block, created, err := re.store.ReserveBlock(ctx, offerID, qty, txID)
	if err != nil {
		if re.cache != nil {
			// The fast path may have claimed headroom the DB refused.
			if cerr := re.cache.ReleaseHeadroom(ctx, offerID, qty); cerr != nil {
				re.logger.Warn("Failed to return headroom to cache",
					zap.String("offer_id", offerID),
					zap.Error(cerr))
			}
		}
		if errors.Is(err, models.ErrInsufficientQuantity) {
			util.ReservationsRejectedTotal.WithLabelValues("insufficient_quantity").Inc()
		}
		return nil, err
	}

	if !created && re.cache != nil {
		// Idempotent replay: the cache was charged twice for one block.
		if cerr := re.cache.ReleaseHeadroom(ctx, offerID, qty); cerr != nil {
			re.logger.Warn("Failed to return headroom to cache",
				zap.String("offer_id", offerID),
				zap.Error(cerr))
		}
	}

	if created {
		util.BlocksReservedTotal.Inc()
		re.logger.Info("Block reserved",
			zap.String("block_id", block.ID),
			zap.String("offer_id", offerID),
			zap.String("transaction_id", txID),
			zap.Float64("quantity_kwh", qty))
	}

	return block, nil
}

// Finalize transitions a reserved block to sold and attaches the order.
// Returns ErrNotReserved when the block is no longer reserved by the
// transaction, which means a release or expiry raced the confirmation.
func (re *ReservationEngine) Finalize(ctx context.Context, block *models.OfferBlock, txID, orderID string) error {
	ctx, span := util.StartSpan(ctx, "ReservationEngine.Finalize")
	defer span.End()

	if err := re.store.FinalizeBlock(ctx, block.ID, txID, orderID); err != nil {
		return err
	}

	util.BlocksSoldTotal.Inc()
	re.logger.Info("Block sold",
		zap.String("block_id", block.ID),
		zap.String("transaction_id", txID),
		zap.String("order_id", orderID))
	return nil
}

// Release returns a reserved block to the pool. Idempotent: releasing a
// block that is not reserved is a no-op, not an error.
func (re *ReservationEngine) Release(ctx context.Context, block *models.OfferBlock, reason string) error {
	ctx, span := util.StartSpan(ctx, "ReservationEngine.Release")
	defer span.End()

	released, err := re.store.ReleaseBlock(ctx, block.ID)
	if err != nil {
		return err
	}
	if !released {
		return nil
	}

	if re.cache != nil {
		if cerr := re.cache.ReleaseHeadroom(ctx, block.OfferID, block.QuantityKWh); cerr != nil {
			re.logger.Warn("Failed to return headroom to cache",
				zap.String("offer_id", block.OfferID),
				zap.Error(cerr))
		}
	}

	util.BlocksReleasedTotal.WithLabelValues(reason).Inc()
	re.logger.Info("Block released",
		zap.String("block_id", block.ID),
		zap.String("offer_id", block.OfferID),
		zap.String("reason", reason))
	return nil
}

// HeldBlocks returns the live blocks a transaction currently owns
func (re *ReservationEngine) HeldBlocks(ctx context.Context, txID string) ([]models.OfferBlock, error) {
	return re.store.BlocksByTransaction(ctx, txID)
}

// SyncHeadroom mirrors every active offer's quantity counters into the
// cache, run at startup so the fast path starts from database truth
func (re *ReservationEngine) SyncHeadroom(ctx context.Context) error {
	if re.cache == nil {
		return nil
	}

	re.logger.Info("Starting offer headroom sync")

	offers, err := re.store.ListActiveOffers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active offers: %w", err)
	}

	for i := range offers {
		held, err := re.store.HeldQuantity(ctx, offers[i].ID)
		if err != nil {
			re.logger.Error("Failed to read held quantity",
				zap.String("offer_id", offers[i].ID),
				zap.Error(err))
			continue
		}
		if err := re.cache.InitOfferHeadroom(ctx, offers[i].ID, offers[i].MaxQuantityKWh, held); err != nil {
			re.logger.Error("Failed to seed offer headroom",
				zap.String("offer_id", offers[i].ID),
				zap.Error(err))
		}
	}

	re.logger.Info("Offer headroom sync completed", zap.Int("count", len(offers)))
	return nil
}
