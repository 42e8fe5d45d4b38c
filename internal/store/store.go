// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"tradedesk/internal/models"
)

// Store is the persistence boundary of the order management core.
type Store interface {
	// WithTx runs fn in a read-write transaction. The transaction commits
	// when fn returns nil and rolls back on error or panic.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn against a read-only handle.
	View(ctx context.Context, fn func(tx Tx) error) error
	// LockOrder blocks until the caller holds the per-order lock for id.
	// The returned release func must be called exactly once.
	LockOrder(ctx context.Context, id string) (release func(), err error)
	Close() error
}

// Tx is a transaction scope passed into the ledger and reconciler.
type Tx interface {
	// Orders
	InsertOrder(ctx context.Context, order *models.Order) error
	UpdateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error)

	// Positions
	GetPosition(ctx context.Context, accountID, symbol string, assetClass models.AssetClass) (*models.Position, error)
	SavePosition(ctx context.Context, position *models.Position) error
	ListPositions(ctx context.Context, filter PositionFilter) ([]models.Position, error)

	// Trades are append-only.
	InsertTrade(ctx context.Context, trade *models.Trade) error
	ListTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error)

	// Portfolios
	InsertPortfolio(ctx context.Context, portfolio *models.Portfolio) error
	GetPortfolio(ctx context.Context, accountID string) (*models.Portfolio, error)
	SavePortfolio(ctx context.Context, portfolio *models.Portfolio) error
}

// Listing limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// OrderFilter holds filters for listing orders.
type OrderFilter struct {
	AccountID string
	Symbol    string
	Statuses  []models.OrderStatus
	// Syncable selects orders the venue may still change.
	Syncable bool
	Limit    int
}

// PositionFilter holds filters for listing positions.
type PositionFilter struct {
	AccountID  string
	AssetClass models.AssetClass
	OpenOnly   bool
}

// TradeFilter holds filters for listing trades.
type TradeFilter struct {
	AccountID string
	OrderID   string
	Symbol    string
	Limit     int
}

// ClampLimit applies the default and maximum list sizes.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
