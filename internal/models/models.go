// Package models provides domain models for the order management core.
package models

import "strings"

// AssetClass represents the class of instrument an order trades.
type AssetClass string

const (
	AssetStock  AssetClass = "stock"
	AssetCrypto AssetClass = "crypto"
	AssetETF    AssetClass = "etf"
)

// Valid reports whether the asset class is one the system knows about.
func (a AssetClass) Valid() bool {
	switch a {
	case AssetStock, AssetCrypto, AssetETF:
		return true
	}
	return false
}

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Valid reports whether the side is buy or sell.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// Valid reports whether the order type is known.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	}
	return false
}

// NeedsLimitPrice reports whether orders of this type carry a limit price.
func (t OrderType) NeedsLimitPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

// NeedsStopPrice reports whether orders of this type carry a stop price.
func (t OrderType) NeedsStopPrice() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit
}

// TimeInForce governs how long an order remains eligible for execution.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc" // good till cancelled
	TimeInForceIOC TimeInForce = "ioc" // immediate or cancel
	TimeInForceFOK TimeInForce = "fok" // fill or kill
)

// Valid reports whether the time in force is known.
func (t TimeInForce) Valid() bool {
	switch t {
	case TimeInForceDay, TimeInForceGTC, TimeInForceIOC, TimeInForceFOK:
		return true
	}
	return false
}

// ParseAssetClass parses a user supplied asset class, case-insensitively.
func ParseAssetClass(s string) AssetClass {
	return AssetClass(strings.ToLower(strings.TrimSpace(s)))
}

// ParseOrderSide parses a user supplied side, case-insensitively.
func ParseOrderSide(s string) OrderSide {
	return OrderSide(strings.ToLower(strings.TrimSpace(s)))
}

// ParseOrderType parses a user supplied order type, case-insensitively.
func ParseOrderType(s string) OrderType {
	return OrderType(strings.ToLower(strings.TrimSpace(s)))
}

// ParseTimeInForce parses a user supplied time in force, case-insensitively.
func ParseTimeInForce(s string) TimeInForce {
	return TimeInForce(strings.ToLower(strings.TrimSpace(s)))
}
