// Package trading implements the order lifecycle: validation, the order
// ledger, venue status synchronization and fill reconciliation into
// positions and portfolios.
package trading

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/broker"
	"tradedesk/internal/models"
	"tradedesk/internal/stream"
)

// PriceSource provides indicative prices for validation, fallback fill
// pricing and valuation.
type PriceSource interface {
	IndicativePrice(ctx context.Context, symbol string, assetClass models.AssetClass) (decimal.Decimal, error)
}

// Venues resolves execution venues. It is satisfied by *broker.Router.
type Venues interface {
	PriceSource
	Route(assetClass models.AssetClass) (broker.Venue, error)
	Venue(name string) (broker.Venue, error)
	Supports(assetClass models.AssetClass) bool
}

// Publisher receives notifications after state changes commit. Publishing
// must not block or fail the caller.
type Publisher interface {
	Publish(ev stream.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(stream.Event) {}

// OrderRequest is an order intent from a caller.
type OrderRequest struct {
	AccountID   string             `json:"account_id"`
	Symbol      string             `json:"symbol"`
	AssetClass  models.AssetClass  `json:"asset_class"`
	Side        models.OrderSide   `json:"side"`
	Type        models.OrderType   `json:"type"`
	Quantity    decimal.Decimal    `json:"quantity"`
	LimitPrice  decimal.Decimal    `json:"limit_price"`
	StopPrice   decimal.Decimal    `json:"stop_price"`
	TimeInForce models.TimeInForce `json:"time_in_force"`
}

// Normalize trims and upper-cases the symbol and defaults time in force to
// DAY.
func (r *OrderRequest) Normalize() {
	r.AccountID = strings.TrimSpace(r.AccountID)
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.TimeInForce == "" {
		r.TimeInForce = models.TimeInForceDay
	}
}

// Fill is a single execution delta applied to an order.
type Fill struct {
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Commission decimal.Decimal
	// FeeQuantity is the part of a buy the venue kept as its fee.
	FeeQuantity decimal.Decimal
	ExecutedAt  time.Time
}
