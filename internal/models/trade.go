package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is an immutable execution record produced by a fill delta.
type Trade struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	AccountID  string          `json:"account_id"`
	Symbol     string          `json:"symbol"`
	AssetClass AssetClass      `json:"asset_class"`
	Side       OrderSide       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	TotalValue decimal.Decimal `json:"total_value"`
	ExecutedAt time.Time       `json:"executed_at"`
}
