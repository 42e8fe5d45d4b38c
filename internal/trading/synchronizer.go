package trading

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradedesk/internal/audit"
	"tradedesk/internal/broker"
	"tradedesk/internal/errors"
	"tradedesk/internal/logging"
	"tradedesk/internal/models"
	"tradedesk/internal/store"
	"tradedesk/internal/stream"
	"tradedesk/pkg/utils"
)

// SyncConfig controls the synchronizer.
type SyncConfig struct {
	Interval time.Duration
	Workers  int
	Retry    utils.RetryConfig
}

// DefaultSyncConfig returns sensible defaults.
func DefaultSyncConfig() SyncConfig {
	retry := utils.DefaultRetryConfig()
	retry.ShouldRetry = errors.IsTransient
	return SyncConfig{
		Interval: 5 * time.Second,
		Workers:  4,
		Retry:    retry,
	}
}

// SyncResult describes what one order sync changed.
type SyncResult struct {
	Order   *models.Order
	Changed bool
	Fills   []*FillResult
}

// SyncStats summarizes a SyncAll pass.
type SyncStats struct {
	Checked int
	Updated int
	Trades  int
	Failed  int
}

// Synchronizer pulls venue order status into the ledger and hands fill
// deltas to the reconciler.
type Synchronizer struct {
	store      store.Store
	venues     Venues
	ledger     *Ledger
	reconciler *Reconciler
	publisher  Publisher
	audit      *audit.Logger
	config     SyncConfig
	logger     zerolog.Logger
}

// NewSynchronizer creates a synchronizer. publisher and auditLog may be nil.
func NewSynchronizer(st store.Store, venues Venues, ledger *Ledger, reconciler *Reconciler,
	publisher Publisher, auditLog *audit.Logger, config SyncConfig, logger zerolog.Logger) *Synchronizer {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.Interval <= 0 {
		config.Interval = DefaultSyncConfig().Interval
	}
	if config.Retry.MaxAttempts < 1 {
		config.Retry = DefaultSyncConfig().Retry
	}
	return &Synchronizer{
		store:      st,
		venues:     venues,
		ledger:     ledger,
		reconciler: reconciler,
		publisher:  publisher,
		audit:      auditLog,
		config:     config,
		logger:     logging.WithComponent(logger, "synchronizer"),
	}
}

// SyncOrder reconciles one order with its venue while holding the order
// lock. Orders the venue can no longer change are returned as stored.
func (s *Synchronizer) SyncOrder(ctx context.Context, id string) (*SyncResult, error) {
	release, err := s.store.LockOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.syncLocked(ctx, id)
}

// syncLocked requires the caller to hold the order lock.
func (s *Synchronizer) syncLocked(ctx context.Context, id string) (*SyncResult, error) {
	var order *models.Order
	if err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.GetOrder(ctx, id)
		return err
	}); err != nil {
		return nil, err
	}
	if !order.NeedsSync() {
		return &SyncResult{Order: order}, nil
	}

	logger := logging.WithVenue(logging.WithOrderID(s.logger, order.ID), order.Venue)

	venue, err := s.venues.Venue(order.Venue)
	if err != nil {
		return &SyncResult{Order: order}, err
	}

	start := time.Now()
	status, err := utils.RetryWithResult(ctx, s.config.Retry, func() (*broker.Status, error) {
		return venue.FetchStatus(ctx, order.ExternalID)
	})
	logging.LogVenueCall(logger, order.Venue, "fetch_status", time.Since(start), err)
	if err != nil {
		return &SyncResult{Order: order}, errors.Wrapf(err, "fetching status for order %s", order.ID)
	}

	// Fallback pricing is network I/O, so resolve it before the transaction.
	var fallback decimal.Decimal
	if status.FilledQuantity.GreaterThan(order.FilledQuantity) &&
		!status.AverageFillPrice.IsPositive() && !status.CumulativeNotional.IsPositive() {
		fallback, err = s.venues.IndicativePrice(ctx, order.Symbol, order.AssetClass)
		if err != nil {
			logger.Warn().Err(err).Msg("venue reported fills without a price and no indicative price is available")
		}
	}

	result := &SyncResult{}
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		result.Order = current
		return s.apply(ctx, tx, current, status, fallback, result)
	})
	if err != nil {
		var recErr *errors.ReconciliationError
		if errors.As(err, &recErr) {
			logger.Error().Err(err).
				Str("venue_status", status.VenueStatus).
				Str("reported_filled", status.FilledQuantity.String()).
				Msg("venue report blocked, will retry on next sync")
			_ = s.audit.LogReconciliationFailed(ctx, order, err)
		}
		return &SyncResult{Order: order}, err
	}

	if result.Changed {
		logger.Info().
			Str("status", string(result.Order.Status)).
			Str("filled", result.Order.FilledQuantity.String()).
			Int("fills", len(result.Fills)).
			Msg("order synced")
		s.publish(ctx, result)
	}
	return result, nil
}

// apply writes the venue report into the ledger. Unchanged reports write
// nothing.
func (s *Synchronizer) apply(ctx context.Context, tx store.Tx, order *models.Order, status *broker.Status, fallback decimal.Decimal, result *SyncResult) error {
	if status.Status == models.OrderStatusUnknown {
		s.logger.Warn().Str("order_id", order.ID).Str("venue_status", status.VenueStatus).Msg("unrecognised venue status ignored")
		return nil
	}

	filled := status.FilledQuantity
	if filled.LessThan(order.FilledQuantity) || filled.GreaterThan(order.Quantity) {
		return s.ledger.RecordExecution(order, filled, order.FilledNotional, order.Commission)
	}

	if delta := filled.Sub(order.FilledQuantity); delta.IsPositive() {
		price, notional := deltaPrice(order, status, delta, fallback)
		if !price.IsPositive() {
			return errors.NewReconciliationError(order.ID, "no price for fill of "+delta.String(), errors.ErrPriceUnavailable)
		}

		commission := status.Commission.Sub(order.Commission)
		if commission.IsNegative() {
			commission = decimal.Zero
		}
		executedAt := status.UpdatedAt
		if executedAt.IsZero() {
			executedAt = time.Now().UTC()
		}

		var fee decimal.Decimal
		if order.Side == models.OrderSideBuy {
			fee = status.FeeQuantity.Sub(order.FeeQuantity)
			if fee.IsNegative() {
				fee = decimal.Zero
			}
		}

		fr, err := s.reconciler.ApplyFill(ctx, tx, order, Fill{
			Quantity:    delta,
			Price:       price,
			Commission:  commission,
			FeeQuantity: fee,
			ExecutedAt:  executedAt,
		})
		if err != nil {
			return err
		}
		result.Fills = append(result.Fills, fr)

		if err := s.ledger.RecordExecution(order, filled, notional, order.Commission.Add(commission)); err != nil {
			return err
		}
		order.FeeQuantity = order.FeeQuantity.Add(fee)
		result.Changed = true
	}

	advanced, err := s.ledger.Advance(order, status.Status)
	if err != nil {
		return err
	}
	if !advanced && !result.Changed {
		return nil
	}
	result.Changed = true
	return s.ledger.Save(ctx, tx, order)
}

// deltaPrice derives the price of the newly filled quantity from the change
// in cumulative notional and returns it with the new cumulative notional.
// Venues that only report an average price have their notional rebuilt from
// it; venues that report neither are priced at fallback.
func deltaPrice(order *models.Order, status *broker.Status, delta, fallback decimal.Decimal) (price, notional decimal.Decimal) {
	booked := order.FilledNotional
	if !booked.IsPositive() && order.FilledQuantity.IsPositive() {
		booked = order.AverageFillPrice.Mul(order.FilledQuantity)
	}

	switch {
	case status.CumulativeNotional.IsPositive():
		notional = status.CumulativeNotional
	case status.AverageFillPrice.IsPositive():
		notional = status.AverageFillPrice.Mul(status.FilledQuantity)
	default:
		return fallback, booked.Add(delta.Mul(fallback))
	}

	price = notional.Sub(booked).DivRound(delta, priceScale)
	if !price.IsPositive() {
		// The venue's notional went backwards; book at its average.
		price = notional.DivRound(status.FilledQuantity, priceScale)
		notional = booked.Add(delta.Mul(price))
	}
	return price, notional
}

func (s *Synchronizer) publish(ctx context.Context, result *SyncResult) {
	s.publisher.Publish(stream.NewOrderEvent(result.Order))
	for _, fr := range result.Fills {
		_ = s.audit.LogFill(ctx, fr.Trade)
		s.publisher.Publish(stream.NewPositionEvent(fr.Position))
		s.publisher.Publish(stream.NewPortfolioEvent(fr.Portfolio))
	}
}

// SyncAll syncs every order the venues may still change, with at most
// Workers venue calls in flight.
func (s *Synchronizer) SyncAll(ctx context.Context) (SyncStats, error) {
	var orders []models.Order
	if err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		orders, err = tx.ListOrders(ctx, store.OrderFilter{Syncable: true})
		return err
	}); err != nil {
		return SyncStats{}, errors.Wrap(err, "listing syncable orders")
	}

	var (
		mu    sync.Mutex
		stats = SyncStats{Checked: len(orders)}
		wg    sync.WaitGroup
		sem   = make(chan struct{}, s.config.Workers)
	)

	for _, o := range orders {
		select {
		case <-ctx.Done():
			wg.Wait()
			return stats, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := s.SyncOrder(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				s.logger.Warn().Err(err).Str("order_id", id).Msg("order sync failed")
				return
			}
			if res.Changed {
				stats.Updated++
			}
			stats.Trades += len(res.Fills)
		}(o.ID)
	}
	wg.Wait()

	if stats.Checked > 0 {
		s.logger.Debug().
			Int("checked", stats.Checked).
			Int("updated", stats.Updated).
			Int("trades", stats.Trades).
			Int("failed", stats.Failed).
			Msg("sync pass complete")
	}
	return stats, nil
}

// Run syncs on every interval until ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.config.Interval).Int("workers", s.config.Workers).Msg("synchronizer started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("synchronizer stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SyncAll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("sync pass failed")
			}
		}
	}
}
