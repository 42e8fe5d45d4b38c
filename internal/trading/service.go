package trading

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradedesk/internal/audit"
	"tradedesk/internal/errors"
	"tradedesk/internal/logging"
	"tradedesk/internal/models"
	"tradedesk/internal/store"
	"tradedesk/internal/stream"
	"tradedesk/pkg/utils"
)

// Deps are the collaborators of a Service.
type Deps struct {
	Store     store.Store
	Venues    Venues
	Publisher Publisher     // optional
	Audit     *audit.Logger // optional
	Sync      SyncConfig
	Logger    zerolog.Logger
}

// Service is the entry point for callers: it places, cancels and reads
// orders and reports positions and portfolios.
type Service struct {
	store      store.Store
	venues     Venues
	validator  *Validator
	ledger     *Ledger
	reconciler *Reconciler
	sync       *Synchronizer
	publisher  Publisher
	audit      *audit.Logger
	logger     zerolog.Logger
}

// NewService wires the validator, ledger, reconciler and synchronizer.
func NewService(deps Deps) *Service {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}
	ledger := NewLedger()
	reconciler := NewReconciler()
	return &Service{
		store:      deps.Store,
		venues:     deps.Venues,
		validator:  NewValidator(deps.Venues, deps.Venues.Supports, deps.Logger),
		ledger:     ledger,
		reconciler: reconciler,
		sync:       NewSynchronizer(deps.Store, deps.Venues, ledger, reconciler, publisher, deps.Audit, deps.Sync, deps.Logger),
		publisher:  publisher,
		audit:      deps.Audit,
		logger:     logging.WithComponent(deps.Logger, "orders"),
	}
}

// Synchronizer returns the service's synchronizer for background use.
func (s *Service) Synchronizer() *Synchronizer {
	return s.sync
}

// PlaceOrder validates req, records it and submits it to the routed venue.
// A venue failure leaves the order REJECTED and is returned together with
// the order.
func (s *Service) PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	req.Normalize()
	logger := logging.WithAccount(s.logger, req.AccountID)

	if err := s.store.View(ctx, func(tx store.Tx) error {
		return s.validator.Validate(ctx, tx, &req)
	}); err != nil {
		logger.Info().Err(err).Str("symbol", req.Symbol).Msg("order rejected by validation")
		return nil, err
	}

	venue, err := s.venues.Route(req.AssetClass)
	if err != nil {
		return nil, err
	}

	// The lock is taken before the row exists so a cancel cannot land
	// between the insert and the submit.
	id := utils.NewOrderID()
	release, err := s.store.LockOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	var order *models.Order
	if err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		order, err = s.ledger.Create(ctx, tx, id, &req, venue.Name())
		return err
	}); err != nil {
		return nil, err
	}

	logger = logging.WithVenue(logging.WithOrderID(logger, order.ID), venue.Name())
	s.publisher.Publish(stream.NewOrderEvent(order))

	start := time.Now()
	ack, submitErr := venue.Submit(ctx, order)
	logging.LogVenueCall(logger, venue.Name(), "submit", time.Since(start), submitErr)

	if submitErr != nil {
		if err := s.store.WithTx(ctx, func(tx store.Tx) error {
			return s.ledger.MarkRejected(ctx, tx, order, submitErr.Error())
		}); err != nil {
			logger.Error().Err(err).Msg("failed to record rejection")
			return order, err
		}
		_ = s.audit.LogOrderRejected(ctx, order)
		s.publisher.Publish(stream.NewOrderEvent(order))
		return order, submitErr
	}

	if err := s.store.WithTx(ctx, func(tx store.Tx) error {
		return s.ledger.MarkSubmitted(ctx, tx, order, ack)
	}); err != nil {
		// The venue holds a live order the ledger does not know about.
		logger.Error().Err(err).Str("external_id", ack.ExternalID).Msg("failed to record submission")
		return order, err
	}
	_ = s.audit.LogOrderPlaced(ctx, order)
	s.publisher.Publish(stream.NewOrderEvent(order))
	logger.Info().
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("quantity", order.Quantity.String()).
		Str("external_id", order.ExternalID).
		Msg("order submitted")

	if ack.HasFills() || (ack.Status != models.OrderStatusSubmitted && ack.Status != models.OrderStatusUnknown) {
		res, err := s.sync.syncLocked(ctx, order.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("immediate sync failed, leaving it to the synchronizer")
			return order, nil
		}
		order = res.Order
	}
	return order, nil
}

// CancelOrder cancels locally, then asks the venue to cancel. The local
// cancel stands even when the venue call fails; that error is returned
// with the cancelled order.
func (s *Service) CancelOrder(ctx context.Context, id string) (*models.Order, error) {
	release, err := s.store.LockOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	var order *models.Order
	if err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		return s.ledger.Cancel(ctx, tx, order)
	}); err != nil {
		return nil, err
	}
	s.publisher.Publish(stream.NewOrderEvent(order))

	logger := logging.WithVenue(logging.WithOrderID(s.logger, order.ID), order.Venue)

	var venueErr error
	if order.ExternalID != "" {
		venue, err := s.venues.Venue(order.Venue)
		if err == nil {
			start := time.Now()
			err = venue.Cancel(ctx, order.ExternalID)
			logging.LogVenueCall(logger, order.Venue, "cancel", time.Since(start), err)
		}
		venueErr = err
	}
	_ = s.audit.LogOrderCancelled(ctx, order, venueErr)

	if venueErr != nil {
		logger.Warn().Err(venueErr).Msg("venue cancel failed, order stays cancelled locally")
		return order, venueErr
	}
	logger.Info().Msg("order cancelled")
	return order, nil
}

// GetOrder syncs the order with its venue and returns it. A failed sync
// returns the stored order.
func (s *Service) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	res, err := s.sync.SyncOrder(ctx, id)
	if err != nil {
		if res != nil && res.Order != nil {
			s.logger.Warn().Err(err).Str("order_id", id).Msg("returning order without fresh venue status")
			return res.Order, nil
		}
		return nil, err
	}
	return res.Order, nil
}

// ListOrders returns orders newest first.
func (s *Service) ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error) {
	filter.Symbol = strings.ToUpper(strings.TrimSpace(filter.Symbol))
	filter.Limit = store.ClampLimit(filter.Limit)

	var orders []models.Order
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		orders, err = tx.ListOrders(ctx, filter)
		return err
	})
	return orders, err
}

// Trades returns executions newest first.
func (s *Service) Trades(ctx context.Context, filter store.TradeFilter) ([]models.Trade, error) {
	filter.Symbol = strings.ToUpper(strings.TrimSpace(filter.Symbol))
	filter.Limit = store.ClampLimit(filter.Limit)

	var trades []models.Trade
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		trades, err = tx.ListTrades(ctx, filter)
		return err
	})
	return trades, err
}

// Positions returns the account's open positions valued at indicative
// prices. An empty assetClass lists every class.
func (s *Service) Positions(ctx context.Context, accountID string, assetClass models.AssetClass) ([]models.PositionView, error) {
	var positions []models.Position
	if err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		positions, err = tx.ListPositions(ctx, store.PositionFilter{
			AccountID:  accountID,
			AssetClass: assetClass,
			OpenOnly:   true,
		})
		return err
	}); err != nil {
		return nil, err
	}
	return s.value(ctx, positions), nil
}

// Position returns the account's open position in symbol at its indicative
// price. An empty asset class matches the symbol in any class.
func (s *Service) Position(ctx context.Context, accountID, symbol string, assetClass models.AssetClass) (*models.PositionView, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var found *models.Position
	if err := s.store.View(ctx, func(tx store.Tx) error {
		positions, err := tx.ListPositions(ctx, store.PositionFilter{
			AccountID:  accountID,
			AssetClass: assetClass,
			OpenOnly:   true,
		})
		if err != nil {
			return err
		}
		for i := range positions {
			if positions[i].Symbol == symbol {
				found = &positions[i]
				return nil
			}
		}
		return errors.Wrapf(errors.ErrPositionNotFound, "no open position in %s", symbol)
	}); err != nil {
		return nil, err
	}
	view := s.value(ctx, []models.Position{*found})[0]
	return &view, nil
}

func (s *Service) value(ctx context.Context, positions []models.Position) []models.PositionView {
	views := make([]models.PositionView, 0, len(positions))
	for _, p := range positions {
		price, err := s.venues.IndicativePrice(ctx, p.Symbol, p.AssetClass)
		stale := err != nil || !price.IsPositive()
		if stale {
			s.logger.Debug().Err(err).Str("symbol", p.Symbol).Msg("valuing position at entry price")
			price = p.AverageEntryPrice
		}
		views = append(views, models.ValuePosition(p, price, stale))
	}
	return views
}

// Portfolio returns the account's portfolio valued at indicative prices.
func (s *Service) Portfolio(ctx context.Context, accountID string) (*models.PortfolioView, error) {
	var (
		portfolio *models.Portfolio
		positions []models.Position
	)
	if err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		if portfolio, err = tx.GetPortfolio(ctx, accountID); err != nil {
			return err
		}
		positions, err = tx.ListPositions(ctx, store.PositionFilter{AccountID: accountID, OpenOnly: true})
		return err
	}); err != nil {
		return nil, err
	}

	view := models.ValuePortfolio(*portfolio, s.value(ctx, positions))
	return &view, nil
}

// OpenAccount creates the account's portfolio with initialCash.
func (s *Service) OpenAccount(ctx context.Context, accountID string, initialCash decimal.Decimal) (*models.Portfolio, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, errors.NewValidationError(errors.ErrInvalidOrder, "account_id", accountID, "account is required")
	}
	if initialCash.IsNegative() {
		return nil, errors.NewValidationError(errors.ErrInvalidOrder, "initial_cash", initialCash, "initial cash cannot be negative")
	}

	now := time.Now().UTC()
	portfolio := &models.Portfolio{
		AccountID:   accountID,
		CashBalance: initialCash,
		BuyingPower: initialCash,
		TotalEquity: initialCash,
		RealizedPnL: decimal.Zero,
		DayPnL:      decimal.Zero,
		DayPnLDate:  now.Format("2006-01-02"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertPortfolio(ctx, portfolio)
	}); err != nil {
		return nil, err
	}

	_ = s.audit.LogAccountOpened(ctx, portfolio)
	s.publisher.Publish(stream.NewPortfolioEvent(portfolio))
	logger := logging.WithAccount(s.logger, accountID)
	logger.Info().Str("cash", initialCash.String()).Msg("account opened")
	return portfolio, nil
}
