package worker

import (
	"context"
	"time"

	"energy-bap/internal/broker"
	"energy-bap/internal/models"
	"energy-bap/internal/service"
	"energy-bap/internal/util"

	"go.uber.org/zap"
)

// SweepLocker guards the expiry sweep so only one replica runs it per tick
type SweepLocker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// ExpiryWorker periodically expires transactions past their TTL. This is
// the only path that reclaims blocks from a transaction that never
// receives a response.
type ExpiryWorker struct {
	correlator *service.Correlator
	locker     SweepLocker
	interval   time.Duration
	logger     *zap.Logger
}

// NewExpiryWorker creates a new expiry worker
func NewExpiryWorker(correlator *service.Correlator, locker SweepLocker, interval time.Duration) *ExpiryWorker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ExpiryWorker{
		correlator: correlator,
		locker:     locker,
		interval:   interval,
		logger:     util.GetLogger(),
	}
}

// Start runs the sweep loop until the context is cancelled
func (w *ExpiryWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting expiry worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Expiry worker stopping")
			return ctx.Err()
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ExpiryWorker) sweep(ctx context.Context) {
	if w.locker != nil {
		acquired, err := w.locker.AcquireLock(ctx, "expiry-sweep", w.interval)
		if err != nil {
			w.logger.Warn("Sweep lock unavailable, sweeping anyway", zap.Error(err))
		} else if !acquired {
			return
		} else {
			defer func() {
				if err := w.locker.ReleaseLock(ctx, "expiry-sweep"); err != nil {
					w.logger.Warn("Failed to release sweep lock", zap.Error(err))
				}
			}()
		}
	}

	count, err := w.correlator.ExpireSweep(ctx, time.Now().UTC())
	if err != nil {
		w.logger.Error("Expiry sweep failed", zap.Error(err))
		return
	}
	if count > 0 {
		w.logger.Info("Expired transactions", zap.Int("count", count))
	}
}

// ProviderStatsStore mutates provider reputation after finalization
type ProviderStatsStore interface {
	ApplyProviderStats(ctx context.Context, providerID string, confirmed bool, delta float64) error
}

// trustDelta is the per-outcome trust score nudge
const trustDelta = 0.05

// StatsWorker consumes order outcome events and updates provider order
// counters and trust scores. Running it off the broker keeps reputation
// bookkeeping out of the confirmation path.
type StatsWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewStatsWorker creates a new provider statistics worker
func NewStatsWorker(consumer *broker.Consumer, store ProviderStatsStore) *StatsWorker {
	logger := util.GetLogger()
	eventHandler := broker.NewEventHandler()

	eventHandler.OnOrderConfirmed(func(ctx context.Context, event *models.OrderConfirmedEvent) error {
		if event.ProviderID == "" {
			return nil
		}
		if err := store.ApplyProviderStats(ctx, event.ProviderID, true, trustDelta); err != nil {
			logger.Error("Failed to apply confirmed stats",
				zap.String("provider_id", event.ProviderID),
				zap.Error(err))
			return err
		}
		return nil
	})

	eventHandler.OnOrderFailed(func(ctx context.Context, event *models.OrderFailedEvent) error {
		if event.ProviderID == "" {
			return nil
		}
		if err := store.ApplyProviderStats(ctx, event.ProviderID, false, trustDelta); err != nil {
			logger.Error("Failed to apply failed stats",
				zap.String("provider_id", event.ProviderID),
				zap.Error(err))
			return err
		}
		return nil
	})

	return &StatsWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       logger,
	}
}

// Start starts the stats worker
func (sw *StatsWorker) Start(ctx context.Context) error {
	sw.logger.Info("Starting provider stats worker")
	return sw.consumer.StartConsuming(ctx, sw.eventHandler.HandleMessage)
}

// Stop stops the stats worker
func (sw *StatsWorker) Stop() error {
	sw.logger.Info("Stopping provider stats worker")
	return sw.consumer.Close()
}
