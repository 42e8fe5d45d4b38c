package trading

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/broker"
	"tradedesk/internal/errors"
	"tradedesk/internal/models"
	"tradedesk/internal/store"
)

// Ledger is the system of record for orders. Every status change goes
// through it so the state machine is enforced in one place.
type Ledger struct {
	now func() time.Time
}

// NewLedger creates a ledger.
func NewLedger() *Ledger {
	return &Ledger{now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts a PENDING order with the given ID for req routed to venue.
// Callers hold the order lock for id.
func (l *Ledger) Create(ctx context.Context, tx store.Tx, id string, req *OrderRequest, venue string) (*models.Order, error) {
	now := l.now()
	order := &models.Order{
		ID:             id,
		AccountID:      req.AccountID,
		Symbol:         req.Symbol,
		AssetClass:     req.AssetClass,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		FilledQuantity: decimal.Zero,
		FilledNotional: decimal.Zero,
		FeeQuantity:    decimal.Zero,
		LimitPrice:     req.LimitPrice,
		StopPrice:      req.StopPrice,
		Status:         models.OrderStatusPending,
		TimeInForce:    req.TimeInForce,
		Venue:          venue,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, errors.Wrap(err, "creating order")
	}
	return order, nil
}

// MarkSubmitted records the venue acknowledgement. Any fills reported with
// the ack are left for the synchronizer so they go through the reconciler.
func (l *Ledger) MarkSubmitted(ctx context.Context, tx store.Tx, order *models.Order, ack *broker.Ack) error {
	if err := l.transition(order, models.OrderStatusSubmitted, "submit"); err != nil {
		return err
	}
	order.ExternalID = ack.ExternalID
	order.SubmittedAt = order.UpdatedAt
	return l.save(ctx, tx, order)
}

// MarkRejected records a failed submission.
func (l *Ledger) MarkRejected(ctx context.Context, tx store.Tx, order *models.Order, reason string) error {
	if err := l.transition(order, models.OrderStatusRejected, "reject"); err != nil {
		return err
	}
	order.RejectionReason = reason
	return l.save(ctx, tx, order)
}

// Cancel moves a user-cancellable order to CANCELLED. Orders that never
// reached the venue are confirmed immediately.
func (l *Ledger) Cancel(ctx context.Context, tx store.Tx, order *models.Order) error {
	if !order.Status.IsCancellable() {
		return errors.NewOrderStateError(order.ID, string(order.Status), "cancel")
	}
	if err := l.transition(order, models.OrderStatusCancelled, "cancel"); err != nil {
		return err
	}
	order.CancelledAt = order.UpdatedAt
	order.CancelConfirmed = order.ExternalID == ""
	return l.save(ctx, tx, order)
}

// RecordExecution sets the cumulative execution figures reported by the
// venue. The average price is derived from the exact notional. Callers must
// have reconciled the delta first.
func (l *Ledger) RecordExecution(order *models.Order, filled, notional, commission decimal.Decimal) error {
	if filled.LessThan(order.FilledQuantity) {
		return errors.NewReconciliationError(order.ID, "filled quantity went backwards from "+
			order.FilledQuantity.String()+" to "+filled.String(), nil)
	}
	if filled.GreaterThan(order.Quantity) {
		return errors.NewReconciliationError(order.ID, "filled quantity "+filled.String()+
			" exceeds requested "+order.Quantity.String(), nil)
	}
	order.FilledQuantity = filled
	order.FilledNotional = notional
	order.AverageFillPrice = decimal.Zero
	if filled.IsPositive() {
		order.AverageFillPrice = notional.DivRound(filled, priceScale)
	}
	order.Commission = commission
	return nil
}

// Advance applies a venue-reported status. It returns whether the order
// changed. A locally cancelled order keeps its status; a terminal venue
// state only confirms the cancel.
func (l *Ledger) Advance(order *models.Order, reported models.OrderStatus) (bool, error) {
	if reported == models.OrderStatusUnknown {
		return false, nil
	}
	if reported == models.OrderStatusSubmitted && order.FilledQuantity.IsPositive() {
		reported = models.OrderStatusPartiallyFilled
	}
	if reported == models.OrderStatusFilled && !order.IsFullyFilled() {
		return false, errors.NewReconciliationError(order.ID, "venue reports filled with "+
			order.FilledQuantity.String()+" of "+order.Quantity.String(), nil)
	}

	if order.Status == models.OrderStatusCancelled {
		if reported.IsTerminal() && !order.CancelConfirmed {
			order.CancelConfirmed = true
			order.UpdatedAt = l.now()
			return true, nil
		}
		return false, nil
	}

	// PARTIALLY_FILLED -> PARTIALLY_FILLED is a fill, not a status change.
	if reported == order.Status {
		return false, nil
	}
	if err := l.transition(order, reported, "sync"); err != nil {
		return false, errors.NewReconciliationError(order.ID, "venue reports "+string(reported), err)
	}
	switch reported {
	case models.OrderStatusFilled:
		order.FilledAt = order.UpdatedAt
	case models.OrderStatusCancelled:
		order.CancelledAt = order.UpdatedAt
	}
	if reported.IsTerminal() {
		order.CancelConfirmed = reported == models.OrderStatusCancelled
	}
	return true, nil
}

// Save persists order with a fresh UpdatedAt.
func (l *Ledger) Save(ctx context.Context, tx store.Tx, order *models.Order) error {
	order.UpdatedAt = l.now()
	return l.save(ctx, tx, order)
}

func (l *Ledger) save(ctx context.Context, tx store.Tx, order *models.Order) error {
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return errors.Wrapf(err, "updating order %s", order.ID)
	}
	return nil
}

func (l *Ledger) transition(order *models.Order, next models.OrderStatus, action string) error {
	if order.Status.IsTerminal() || !order.Status.CanTransitionTo(next) {
		return errors.NewOrderStateError(order.ID, string(order.Status), action)
	}
	order.Status = next
	order.UpdatedAt = l.now()
	return nil
}
