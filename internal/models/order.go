package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusUnknown         OrderStatus = ""
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// transitions lists the states reachable from each non-terminal state.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusSubmitted,
		OrderStatusRejected,
		OrderStatusCancelled,
	},
	OrderStatusSubmitted: {
		OrderStatusPartiallyFilled,
		OrderStatusFilled,
		OrderStatusCancelled,
		OrderStatusRejected,
		OrderStatusExpired,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusPartiallyFilled,
		OrderStatusFilled,
		OrderStatusCancelled,
		OrderStatusExpired,
	},
}

// IsTerminal reports whether no further transitions are allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// IsCancellable reports whether a user may cancel an order in this state.
func (s OrderStatus) IsCancellable() bool {
	return s == OrderStatusPending || s == OrderStatusSubmitted
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusSubmitted, OrderStatusPartiallyFilled,
		OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order is the system of record for a single order. FilledNotional is the
// exact cumulative value of the fills and AverageFillPrice is derived from
// it. FeeQuantity is commission the venue took in the bought asset.
type Order struct {
	ID               string          `json:"id"`
	AccountID        string          `json:"account_id"`
	Symbol           string          `json:"symbol"`
	AssetClass       AssetClass      `json:"asset_class"`
	Side             OrderSide       `json:"side"`
	Type             OrderType       `json:"type"`
	Quantity         decimal.Decimal `json:"quantity"`
	FilledQuantity   decimal.Decimal `json:"filled_quantity"`
	AverageFillPrice decimal.Decimal `json:"average_fill_price"`
	FilledNotional   decimal.Decimal `json:"filled_notional"`
	LimitPrice       decimal.Decimal `json:"limit_price"`
	StopPrice        decimal.Decimal `json:"stop_price"`
	Status           OrderStatus     `json:"status"`
	TimeInForce      TimeInForce     `json:"time_in_force"`
	Venue            string          `json:"venue,omitempty"`
	ExternalID       string          `json:"external_id,omitempty"`
	Commission       decimal.Decimal `json:"commission"`
	FeeQuantity      decimal.Decimal `json:"fee_quantity"`
	RejectionReason  string          `json:"rejection_reason,omitempty"`
	// CancelConfirmed is set once the venue reports a terminal state for an
	// order that was cancelled locally.
	CancelConfirmed bool      `json:"cancel_confirmed"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	SubmittedAt     time.Time `json:"submitted_at,omitempty"`
	FilledAt        time.Time `json:"filled_at,omitempty"`
	CancelledAt     time.Time `json:"cancelled_at,omitempty"`
}

// RemainingQuantity returns the quantity still open at the venue.
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsFullyFilled reports whether the filled quantity equals the requested one.
func (o *Order) IsFullyFilled() bool {
	return o.FilledQuantity.Equal(o.Quantity)
}

// NeedsSync reports whether the venue may still change the order.
func (o *Order) NeedsSync() bool {
	if o.ExternalID == "" {
		return false
	}
	switch o.Status {
	case OrderStatusSubmitted, OrderStatusPartiallyFilled:
		return true
	case OrderStatusCancelled:
		return !o.CancelConfirmed
	}
	return false
}

// Notional returns quantity * price for the order at the given price.
func (o *Order) Notional(price decimal.Decimal) decimal.Decimal {
	return o.Quantity.Mul(price)
}
