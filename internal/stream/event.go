package stream

import (
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/models"
)

// EventType names a notification payload.
type EventType string

const (
	EventOrderUpdate     EventType = "order_update"
	EventPortfolioUpdate EventType = "portfolio_update"
	EventPositionUpdate  EventType = "position_update"
)

// Event is a notification for one account. Exactly one payload is set.
type Event struct {
	Type      EventType        `json:"type"`
	AccountID string           `json:"account_id"`
	Timestamp time.Time        `json:"timestamp"`
	Order     *OrderUpdate     `json:"order,omitempty"`
	Portfolio *PortfolioUpdate `json:"portfolio,omitempty"`
	Position  *PositionUpdate  `json:"position,omitempty"`
}

// OrderUpdate is the order_update payload.
type OrderUpdate struct {
	OrderID        string             `json:"order_id"`
	Status         models.OrderStatus `json:"status"`
	FilledQuantity decimal.Decimal    `json:"filled_quantity"`
}

// PortfolioUpdate is the portfolio_update payload.
type PortfolioUpdate struct {
	CashBalance decimal.Decimal `json:"cash_balance"`
	TotalEquity decimal.Decimal `json:"total_equity"`
	PnL         decimal.Decimal `json:"pnl"`
}

// PositionUpdate is the position_update payload.
type PositionUpdate struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// NewOrderEvent builds an order_update event.
func NewOrderEvent(o *models.Order) Event {
	return Event{
		Type:      EventOrderUpdate,
		AccountID: o.AccountID,
		Timestamp: time.Now(),
		Order: &OrderUpdate{
			OrderID:        o.ID,
			Status:         o.Status,
			FilledQuantity: o.FilledQuantity,
		},
	}
}

// NewPortfolioEvent builds a portfolio_update event. PnL is realized P&L.
func NewPortfolioEvent(p *models.Portfolio) Event {
	return Event{
		Type:      EventPortfolioUpdate,
		AccountID: p.AccountID,
		Timestamp: time.Now(),
		Portfolio: &PortfolioUpdate{
			CashBalance: p.CashBalance,
			TotalEquity: p.TotalEquity,
			PnL:         p.RealizedPnL,
		},
	}
}

// NewPositionEvent builds a position_update event.
func NewPositionEvent(p *models.Position) Event {
	return Event{
		Type:      EventPositionUpdate,
		AccountID: p.AccountID,
		Timestamp: time.Now(),
		Position: &PositionUpdate{
			Symbol:   p.Symbol,
			Quantity: p.Quantity,
			AvgPrice: p.AverageEntryPrice,
		},
	}
}
