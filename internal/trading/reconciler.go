package trading

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/errors"
	"tradedesk/internal/models"
	"tradedesk/internal/store"
	"tradedesk/pkg/utils"
)

// priceScale is the number of decimal places kept on derived prices.
const priceScale = 10

// Reconciler turns fills into trades, positions and cash movements. It is
// the only writer of position quantity and portfolio cash.
type Reconciler struct {
	now func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{now: func() time.Time { return time.Now().UTC() }}
}

// FillResult is the state written by one ApplyFill call.
type FillResult struct {
	Trade     *models.Trade
	Position  *models.Position
	Portfolio *models.Portfolio
}

// ApplyFill books fill against order inside tx. Either every write happens
// or, on error, the caller's transaction rolls back all of them.
func (r *Reconciler) ApplyFill(ctx context.Context, tx store.Tx, order *models.Order, fill Fill) (*FillResult, error) {
	if !fill.Quantity.IsPositive() {
		return nil, errors.NewReconciliationError(order.ID, "fill quantity must be positive, got "+fill.Quantity.String(), nil)
	}
	if !fill.Price.IsPositive() {
		return nil, errors.NewReconciliationError(order.ID, "fill price must be positive, got "+fill.Price.String(), nil)
	}
	if fill.Commission.IsNegative() {
		fill.Commission = decimal.Zero
	}
	now := r.now()
	if fill.ExecutedAt.IsZero() {
		fill.ExecutedAt = now
	}

	portfolio, err := tx.GetPortfolio(ctx, order.AccountID)
	if err != nil {
		return nil, errors.NewReconciliationError(order.ID, "loading portfolio", err)
	}

	pos, err := r.loadPosition(ctx, tx, order, now)
	if err != nil {
		return nil, err
	}

	var realized decimal.Decimal
	switch order.Side {
	case models.OrderSideBuy:
		applyBuy(pos, fill, now)
	case models.OrderSideSell:
		realized, err = applySell(pos, order.ID, fill, now)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.NewReconciliationError(order.ID, "unknown side "+string(order.Side), nil)
	}
	pos.UpdatedAt = now

	notional := fill.Quantity.Mul(fill.Price)
	trade := &models.Trade{
		ID:         utils.NewTradeID(fill.ExecutedAt),
		OrderID:    order.ID,
		AccountID:  order.AccountID,
		Symbol:     order.Symbol,
		AssetClass: order.AssetClass,
		Side:       order.Side,
		Quantity:   fill.Quantity,
		Price:      fill.Price,
		Commission: fill.Commission,
		TotalValue: notional,
		ExecutedAt: fill.ExecutedAt,
	}

	if order.Side == models.OrderSideBuy {
		portfolio.CashBalance = portfolio.CashBalance.Sub(notional).Sub(fill.Commission)
	} else {
		portfolio.CashBalance = portfolio.CashBalance.Add(notional).Sub(fill.Commission)
	}
	portfolio.RealizedPnL = portfolio.RealizedPnL.Add(realized)
	day := fill.ExecutedAt.UTC().Format("2006-01-02")
	if portfolio.DayPnLDate != day {
		portfolio.DayPnL = decimal.Zero
		portfolio.DayPnLDate = day
	}
	portfolio.DayPnL = portfolio.DayPnL.Add(realized)
	portfolio.BuyingPower = portfolio.CashBalance
	portfolio.UpdatedAt = now

	if err := tx.SavePosition(ctx, pos); err != nil {
		return nil, errors.Wrap(err, "saving position")
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, errors.Wrap(err, "recording trade")
	}

	invested, err := openCostBasis(ctx, tx, order.AccountID)
	if err != nil {
		return nil, err
	}
	portfolio.TotalEquity = portfolio.CashBalance.Add(invested)
	if err := tx.SavePortfolio(ctx, portfolio); err != nil {
		return nil, errors.Wrap(err, "saving portfolio")
	}

	return &FillResult{Trade: trade, Position: pos, Portfolio: portfolio}, nil
}

func (r *Reconciler) loadPosition(ctx context.Context, tx store.Tx, order *models.Order, now time.Time) (*models.Position, error) {
	pos, err := tx.GetPosition(ctx, order.AccountID, order.Symbol, order.AssetClass)
	if err == nil {
		return pos, nil
	}
	if !errors.Is(err, errors.ErrPositionNotFound) {
		return nil, errors.Wrap(err, "loading position")
	}
	if order.Side == models.OrderSideSell {
		return nil, errors.NewReconciliationError(order.ID, "sell fill without a position", errors.ErrInsufficientPosition)
	}
	return &models.Position{
		AccountID:         order.AccountID,
		Symbol:            order.Symbol,
		AssetClass:        order.AssetClass,
		Quantity:          decimal.Zero,
		AverageEntryPrice: decimal.Zero,
		CostBasis:         decimal.Zero,
		RealizedPnL:       decimal.Zero,
		OpenedAt:          now,
	}, nil
}

// applyBuy accumulates cost basis, so the average only depends on the set
// of fills and not their order. A fee taken in the bought asset leaves the
// full notional in the cost basis but only the received quantity in the
// position.
func applyBuy(pos *models.Position, fill Fill, now time.Time) {
	if pos.Closed || !pos.Quantity.IsPositive() {
		pos.Closed = false
		pos.ClosedAt = time.Time{}
		pos.OpenedAt = now
		pos.CostBasis = decimal.Zero
	}
	received := fill.Quantity
	if fill.FeeQuantity.IsPositive() && fill.FeeQuantity.LessThan(fill.Quantity) {
		received = fill.Quantity.Sub(fill.FeeQuantity)
	}
	pos.CostBasis = pos.CostBasis.Add(fill.Quantity.Mul(fill.Price))
	pos.Quantity = pos.Quantity.Add(received)
	pos.AverageEntryPrice = pos.CostBasis.DivRound(pos.Quantity, priceScale)
}

func applySell(pos *models.Position, orderID string, fill Fill, now time.Time) (decimal.Decimal, error) {
	if pos.Quantity.LessThan(fill.Quantity) {
		return decimal.Zero, errors.NewReconciliationError(orderID, "sell fill "+fill.Quantity.String()+
			" exceeds position "+pos.Quantity.String(), errors.ErrInsufficientPosition)
	}
	// Realized P&L is measured against the exact cost basis released, so
	// a full round trip realizes exactly what it moved in cash.
	released := pos.CostBasis
	remaining := pos.Quantity.Sub(fill.Quantity)
	if remaining.IsPositive() {
		released = pos.CostBasis.Mul(fill.Quantity).DivRound(pos.Quantity, priceScale)
	}
	realized := fill.Quantity.Mul(fill.Price).Sub(released)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.Quantity = remaining
	pos.CostBasis = pos.CostBasis.Sub(released)

	if pos.Quantity.IsZero() {
		pos.AverageEntryPrice = decimal.Zero
		pos.CostBasis = decimal.Zero
		pos.Closed = true
		pos.ClosedAt = now
	}
	return realized, nil
}

func openCostBasis(ctx context.Context, tx store.Tx, accountID string) (decimal.Decimal, error) {
	positions, err := tx.ListPositions(ctx, store.PositionFilter{AccountID: accountID, OpenOnly: true})
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "listing positions")
	}
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.CostBasis)
	}
	return total, nil
}
