package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradedesk/internal/errors"
	"tradedesk/internal/logging"
	"tradedesk/internal/models"
)

// PaperVenueName is the router name of the simulated venue.
const PaperVenueName = "paper"

// Paper venue statuses.
const (
	PaperOpen      = "OPEN"
	PaperPartial   = "PARTIAL"
	PaperComplete  = "COMPLETE"
	PaperCancelled = "CANCELLED"
	PaperRejected  = "REJECTED"
	PaperExpired   = "EXPIRED"
)

var paperStatuses = StatusMap{
	PaperOpen:      models.OrderStatusSubmitted,
	PaperPartial:   models.OrderStatusPartiallyFilled,
	PaperComplete:  models.OrderStatusFilled,
	PaperCancelled: models.OrderStatusCancelled,
	PaperRejected:  models.OrderStatusRejected,
	PaperExpired:   models.OrderStatusExpired,
}

// PaperVenue simulates an execution venue against a local price table.
// Market orders fill at the current price, marketable limit orders at their
// limit, and stop orders rest until UpdatePrice crosses their trigger.
type PaperVenue struct {
	name    string
	feeRate decimal.Decimal
	logger  zerolog.Logger

	mu      sync.Mutex
	prices  map[string]decimal.Decimal
	orders  map[string]*paperOrder
	counter int
}

type paperOrder struct {
	externalID string
	symbol     string
	side       models.OrderSide
	orderType  models.OrderType
	tif        models.TimeInForce
	quantity   decimal.Decimal
	limitPrice decimal.Decimal
	stopPrice  decimal.Decimal
	triggered  bool

	status     string
	filled     decimal.Decimal
	notional   decimal.Decimal
	commission decimal.Decimal
	updatedAt  time.Time
}

func (o *paperOrder) open() bool {
	return o.status == PaperOpen || o.status == PaperPartial
}

func (o *paperOrder) averagePrice() decimal.Decimal {
	if !o.filled.IsPositive() {
		return decimal.Zero
	}
	return o.notional.DivRound(o.filled, 8)
}

// PaperConfig holds configuration for the paper venue.
type PaperConfig struct {
	// Name lets several paper venues coexist in one router.
	Name    string
	FeeRate decimal.Decimal
	Prices  map[string]decimal.Decimal
}

// NewPaperVenue creates a simulated venue.
func NewPaperVenue(cfg PaperConfig, logger zerolog.Logger) *PaperVenue {
	name := cfg.Name
	if name == "" {
		name = PaperVenueName
	}
	p := &PaperVenue{
		name:    name,
		feeRate: cfg.FeeRate,
		logger:  logging.WithVenue(logger, name),
		prices:  make(map[string]decimal.Decimal),
		orders:  make(map[string]*paperOrder),
	}
	for sym, px := range cfg.Prices {
		p.prices[paperKey(sym)] = px
	}
	return p
}

// Name implements Venue.
func (p *PaperVenue) Name() string { return p.name }

func paperKey(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Submit simulates order placement.
func (p *PaperVenue) Submit(ctx context.Context, order *models.Order) (*Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewVenueError(p.name, "submit", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := paperKey(order.Symbol)
	if order.Type == models.OrderTypeMarket {
		if _, ok := p.prices[key]; !ok {
			return nil, errors.NewVenueRejection(p.name, "submit", "", "no market price for "+order.Symbol)
		}
	}

	p.counter++
	po := &paperOrder{
		externalID: fmt.Sprintf("PAPER_%d_%d", time.Now().Unix(), p.counter),
		symbol:     key,
		side:       order.Side,
		orderType:  order.Type,
		tif:        order.TimeInForce,
		quantity:   order.Quantity,
		limitPrice: order.LimitPrice,
		stopPrice:  order.StopPrice,
		status:     PaperOpen,
		updatedAt:  time.Now(),
	}
	p.orders[po.externalID] = po

	p.evaluate(po)
	if po.open() && (po.tif == models.TimeInForceIOC || po.tif == models.TimeInForceFOK) {
		po.status = PaperExpired
	}

	p.logger.Debug().
		Str("external_id", po.externalID).
		Str("symbol", po.symbol).
		Str("status", po.status).
		Msg("paper order placed")

	return &Ack{
		ExternalID:       po.externalID,
		VenueStatus:      po.status,
		Status:           paperStatuses.Translate(po.status, po.filled),
		FilledQuantity:   po.filled,
		AverageFillPrice: po.averagePrice(),
	}, nil
}

// evaluate fills po if the current price allows it. Must hold mu.
func (p *PaperVenue) evaluate(po *paperOrder) {
	if !po.open() {
		return
	}
	price, ok := p.prices[po.symbol]
	if !ok {
		return
	}

	if po.orderType == models.OrderTypeStop || po.orderType == models.OrderTypeStopLimit {
		if !po.triggered {
			if po.side == models.OrderSideBuy && price.GreaterThanOrEqual(po.stopPrice) ||
				po.side == models.OrderSideSell && price.LessThanOrEqual(po.stopPrice) {
				po.triggered = true
			} else {
				return
			}
		}
	}

	execPrice := price
	if po.orderType == models.OrderTypeLimit || po.orderType == models.OrderTypeStopLimit {
		if po.side == models.OrderSideBuy && price.GreaterThan(po.limitPrice) ||
			po.side == models.OrderSideSell && price.LessThan(po.limitPrice) {
			return
		}
		execPrice = po.limitPrice
	}

	p.fill(po, po.quantity.Sub(po.filled), execPrice)
}

// fill records an execution. Must hold mu.
func (p *PaperVenue) fill(po *paperOrder, qty, price decimal.Decimal) {
	po.filled = po.filled.Add(qty)
	po.notional = po.notional.Add(qty.Mul(price))
	po.commission = po.commission.Add(qty.Mul(price).Mul(p.feeRate).Round(8))
	po.updatedAt = time.Now()
	if po.filled.GreaterThanOrEqual(po.quantity) {
		po.status = PaperComplete
	} else {
		po.status = PaperPartial
	}
}

// Cancel simulates order cancellation.
func (p *PaperVenue) Cancel(ctx context.Context, externalID string) error {
	if err := ctx.Err(); err != nil {
		return errors.NewVenueError(p.name, "cancel", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	po, ok := p.orders[externalID]
	if !ok {
		return errors.NewVenueRejection(p.name, "cancel", "", "order not found: "+externalID)
	}
	if !po.open() {
		return errors.NewVenueRejection(p.name, "cancel", "", "cannot cancel order with status: "+po.status)
	}
	po.status = PaperCancelled
	po.updatedAt = time.Now()
	return nil
}

// FetchStatus returns the simulated order state.
func (p *PaperVenue) FetchStatus(ctx context.Context, externalID string) (*Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewVenueError(p.name, "fetch", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	po, ok := p.orders[externalID]
	if !ok {
		return nil, errors.NewVenueRejection(p.name, "fetch", "", "order not found: "+externalID)
	}
	return &Status{
		ExternalID:         externalID,
		VenueStatus:        po.status,
		Status:             paperStatuses.Translate(po.status, po.filled),
		FilledQuantity:     po.filled,
		AverageFillPrice:   po.averagePrice(),
		CumulativeNotional: po.notional,
		Commission:         po.commission,
		UpdatedAt:          po.updatedAt,
	}, nil
}

// Quote returns the simulated market price.
func (p *PaperVenue) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[paperKey(symbol)]
	if !ok {
		return decimal.Zero, errors.Wrapf(errors.ErrPriceUnavailable, "%s", symbol)
	}
	return price, nil
}

// UpdatePrice sets the market price for a symbol and fills any resting
// orders it makes executable.
func (p *PaperVenue) UpdatePrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := paperKey(symbol)
	p.prices[key] = price
	for _, po := range p.orders {
		if po.symbol == key {
			p.evaluate(po)
		}
	}
}

// Fill executes qty of an open order at price, as a partial fill would.
func (p *PaperVenue) Fill(externalID string, qty, price decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	po, ok := p.orders[externalID]
	if !ok {
		return fmt.Errorf("order not found: %s", externalID)
	}
	if !po.open() {
		return fmt.Errorf("cannot fill order with status: %s", po.status)
	}
	if po.filled.Add(qty).GreaterThan(po.quantity) {
		return fmt.Errorf("fill of %s exceeds remaining %s", qty, po.quantity.Sub(po.filled))
	}
	p.fill(po, qty, price)
	return nil
}

// SetVenueStatus forces the raw venue status of an order, e.g. to simulate
// an exchange-side expiry.
func (p *PaperVenue) SetVenueStatus(externalID, status string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	po, ok := p.orders[externalID]
	if !ok {
		return fmt.Errorf("order not found: %s", externalID)
	}
	po.status = status
	po.updatedAt = time.Now()
	return nil
}
