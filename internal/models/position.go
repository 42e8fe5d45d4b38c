package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is an account's holding in one instrument.
type Position struct {
	AccountID         string          `json:"account_id"`
	Symbol            string          `json:"symbol"`
	AssetClass        AssetClass      `json:"asset_class"`
	Quantity          decimal.Decimal `json:"quantity"`
	AverageEntryPrice decimal.Decimal `json:"average_entry_price"`
	CostBasis         decimal.Decimal `json:"cost_basis"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	Closed            bool            `json:"closed"`
	OpenedAt          time.Time       `json:"opened_at"`
	ClosedAt          time.Time       `json:"closed_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsOpen reports whether the position holds a positive quantity.
func (p *Position) IsOpen() bool {
	return p.Quantity.IsPositive()
}

// PositionView is a position valued against a current market price.
// None of the derived fields are persisted.
type PositionView struct {
	Position
	CurrentPrice         decimal.Decimal `json:"current_price"`
	MarketValue          decimal.Decimal `json:"market_value"`
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
	// Stale is true when the market price could not be fetched and the
	// average entry price was used instead.
	Stale bool `json:"stale"`
}

// ValuePosition derives market value and unrealized P&L at price.
func ValuePosition(p Position, price decimal.Decimal, stale bool) PositionView {
	v := PositionView{
		Position:     p,
		CurrentPrice: price,
		Stale:        stale,
	}
	v.MarketValue = p.Quantity.Mul(price)
	v.UnrealizedPnL = price.Sub(p.AverageEntryPrice).Mul(p.Quantity)
	if cost := p.Quantity.Mul(p.AverageEntryPrice); cost.IsPositive() {
		v.UnrealizedPnLPercent = v.UnrealizedPnL.Div(cost).Mul(decimal.NewFromInt(100)).Round(4)
	}
	return v
}
