// Package broker provides the execution venue adapters and the router that
// picks one per asset class.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/models"
)

// Venue is an execution venue. Implementations must be safe for concurrent
// use. Network failures surface as transient *errors.VenueError values and
// venue rejections as non-transient ones.
type Venue interface {
	Name() string
	Submit(ctx context.Context, order *models.Order) (*Ack, error)
	Cancel(ctx context.Context, externalID string) error
	FetchStatus(ctx context.Context, externalID string) (*Status, error)
}

// Quoter is implemented by venues that can return an indicative price.
type Quoter interface {
	Quote(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Closer is implemented by venues holding connections that need releasing.
type Closer interface {
	Close() error
}

// Ack is a venue's acknowledgement of a submitted order.
type Ack struct {
	ExternalID  string
	VenueStatus string
	Status      models.OrderStatus
	// Fill fields are set when the venue filled some or all of the order on
	// submission.
	FilledQuantity   decimal.Decimal
	AverageFillPrice decimal.Decimal
}

// HasFills reports whether the venue filled anything on submission.
func (a *Ack) HasFills() bool {
	return a.FilledQuantity.IsPositive()
}

// Status is a venue's current view of an order. The fill figures are
// cumulative. CumulativeNotional is zero when the venue only reports an
// average price, and UpdatedAt is zero when the venue gives no time.
type Status struct {
	ExternalID         string
	VenueStatus        string
	Status             models.OrderStatus
	FilledQuantity     decimal.Decimal
	AverageFillPrice   decimal.Decimal
	CumulativeNotional decimal.Decimal
	Commission         decimal.Decimal
	// FeeQuantity is commission taken in the bought asset rather than the
	// quote currency.
	FeeQuantity decimal.Decimal
	UpdatedAt   time.Time
}

// StatusMap translates venue status strings to order statuses.
type StatusMap map[string]models.OrderStatus

// Translate returns the order status for a venue status. Unknown statuses
// map to models.OrderStatusUnknown. An open status with fills becomes
// partially filled.
func (m StatusMap) Translate(venueStatus string, filled decimal.Decimal) models.OrderStatus {
	st, ok := m[venueStatus]
	if !ok {
		return models.OrderStatusUnknown
	}
	if st == models.OrderStatusSubmitted && filled.IsPositive() {
		return models.OrderStatusPartiallyFilled
	}
	return st
}
