package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Portfolio holds an account's cash and aggregate P&L.
type Portfolio struct {
	AccountID   string          `json:"account_id"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	BuyingPower decimal.Decimal `json:"buying_power"`
	// TotalEquity is cash plus positions at cost, refreshed on every fill.
	TotalEquity decimal.Decimal `json:"total_equity"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	DayPnL      decimal.Decimal `json:"day_pnl"`
	DayPnLDate  string          `json:"day_pnl_date"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PortfolioView is a portfolio valued at current market prices.
type PortfolioView struct {
	Portfolio
	Positions     []PositionView  `json:"positions"`
	PositionValue decimal.Decimal `json:"position_value"`
	MarketEquity  decimal.Decimal `json:"market_equity"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	Stale         bool            `json:"stale"`
}

// ValuePortfolio aggregates valued positions into a portfolio view.
func ValuePortfolio(p Portfolio, positions []PositionView) PortfolioView {
	v := PortfolioView{
		Portfolio: p,
		Positions: positions,
	}
	for _, pos := range positions {
		v.PositionValue = v.PositionValue.Add(pos.MarketValue)
		v.UnrealizedPnL = v.UnrealizedPnL.Add(pos.UnrealizedPnL)
		if pos.Stale {
			v.Stale = true
		}
	}
	v.MarketEquity = p.CashBalance.Add(v.PositionValue)
	v.TotalPnL = p.RealizedPnL.Add(v.UnrealizedPnL)
	return v
}
