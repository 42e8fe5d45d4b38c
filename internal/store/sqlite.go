package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tradedesk/internal/errors"
	"tradedesk/internal/models"
)

// timeLayout is fixed width so stored timestamps sort lexically. Amounts are
// stored as TEXT through decimal.Decimal's Valuer and Scanner.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	locks *keyedMutex
}

// NewSQLiteStore opens (or creates) the database at dbPath. Write
// transactions begin IMMEDIATE so concurrent writers queue on the busy
// timeout instead of failing on lock upgrade.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:    db,
		locks: newKeyedMutex(),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS portfolios (
		account_id TEXT PRIMARY KEY,
		cash_balance TEXT NOT NULL,
		buying_power TEXT NOT NULL,
		total_equity TEXT NOT NULL,
		realized_pnl TEXT NOT NULL DEFAULT '0',
		day_pnl TEXT NOT NULL DEFAULT '0',
		day_pnl_date TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES portfolios(account_id),
		symbol TEXT NOT NULL,
		asset_class TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		quantity TEXT NOT NULL,
		filled_quantity TEXT NOT NULL DEFAULT '0',
		average_fill_price TEXT NOT NULL DEFAULT '0',
		filled_notional TEXT NOT NULL DEFAULT '0',
		limit_price TEXT NOT NULL DEFAULT '0',
		stop_price TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		time_in_force TEXT NOT NULL,
		venue TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL DEFAULT '',
		commission TEXT NOT NULL DEFAULT '0',
		fee_quantity TEXT NOT NULL DEFAULT '0',
		rejection_reason TEXT NOT NULL DEFAULT '',
		cancel_confirmed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		submitted_at TEXT NOT NULL DEFAULT '',
		filled_at TEXT NOT NULL DEFAULT '',
		cancelled_at TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS positions (
		account_id TEXT NOT NULL REFERENCES portfolios(account_id),
		symbol TEXT NOT NULL,
		asset_class TEXT NOT NULL,
		quantity TEXT NOT NULL,
		average_entry_price TEXT NOT NULL,
		cost_basis TEXT NOT NULL,
		realized_pnl TEXT NOT NULL,
		closed INTEGER NOT NULL DEFAULT 0,
		opened_at TEXT NOT NULL,
		closed_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (account_id, symbol, asset_class)
	);

	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		account_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		asset_class TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity TEXT NOT NULL,
		price TEXT NOT NULL,
		commission TEXT NOT NULL,
		total_value TEXT NOT NULL,
		executed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id);
	CREATE INDEX IF NOT EXISTS idx_trades_account ON trades(account_id, executed_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LockOrder implements Store.
func (s *SQLiteStore) LockOrder(ctx context.Context, id string) (func(), error) {
	return s.locks.Lock(ctx, id)
}

// WithTx implements Store.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&sqliteTx{q: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// View implements Store. Reads run directly on the pool so they never take
// the write lock.
func (s *SQLiteStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return fn(&sqliteTx{q: s.db, readOnly: true})
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type sqliteTx struct {
	q        queryer
	readOnly bool
}

var errReadOnly = errors.New("write attempted in read-only view")

func (t *sqliteTx) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if t.readOnly {
		return nil, errReadOnly
	}
	return t.q.ExecContext(ctx, query, args...)
}

// ============================================================================
// Orders
// ============================================================================

const orderColumns = `id, account_id, symbol, asset_class, side, type, quantity, filled_quantity,
	average_fill_price, filled_notional, limit_price, stop_price, status, time_in_force, venue,
	external_id, commission, fee_quantity, rejection_reason, cancel_confirmed, created_at,
	updated_at, submitted_at, filled_at, cancelled_at`

// InsertOrder saves a new order.
func (t *sqliteTx) InsertOrder(ctx context.Context, o *models.Order) error {
	_, err := t.exec(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.AccountID, o.Symbol, o.AssetClass, o.Side, o.Type, o.Quantity, o.FilledQuantity,
		o.AverageFillPrice, o.FilledNotional, o.LimitPrice, o.StopPrice, o.Status, o.TimeInForce,
		o.Venue, o.ExternalID, o.Commission, o.FeeQuantity, o.RejectionReason,
		boolToInt(o.CancelConfirmed), formatTime(o.CreatedAt),
		formatTime(o.UpdatedAt), formatTime(o.SubmittedAt), formatTime(o.FilledAt), formatTime(o.CancelledAt))
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// UpdateOrder writes every mutable order field.
func (t *sqliteTx) UpdateOrder(ctx context.Context, o *models.Order) error {
	res, err := t.exec(ctx, `UPDATE orders SET
		filled_quantity = ?, average_fill_price = ?, filled_notional = ?, status = ?, venue = ?,
		external_id = ?, commission = ?, fee_quantity = ?, rejection_reason = ?,
		cancel_confirmed = ?, updated_at = ?, submitted_at = ?, filled_at = ?, cancelled_at = ?
		WHERE id = ?`,
		o.FilledQuantity, o.AverageFillPrice, o.FilledNotional, o.Status, o.Venue,
		o.ExternalID, o.Commission, o.FeeQuantity, o.RejectionReason,
		boolToInt(o.CancelConfirmed), formatTime(o.UpdatedAt),
		formatTime(o.SubmittedAt), formatTime(o.FilledAt), formatTime(o.CancelledAt),
		o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrOrderNotFound, "order %s", o.ID)
	}
	return nil
}

// GetOrder retrieves an order by ID.
func (t *sqliteTx) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrOrderNotFound, "order %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// ListOrders retrieves orders newest first.
func (t *sqliteTx) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	args := []interface{}{}

	if filter.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, filter.AccountID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if len(filter.Statuses) > 0 {
		query += " AND status IN (?" + strings.Repeat(", ?", len(filter.Statuses)-1) + ")"
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.Syncable {
		query += ` AND external_id != '' AND (status IN (?, ?) OR (status = ? AND cancel_confirmed = 0))`
		args = append(args, models.OrderStatusSubmitted, models.OrderStatusPartiallyFilled, models.OrderStatusCancelled)
	}

	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(r rowScanner) (*models.Order, error) {
	var (
		o                                        models.Order
		confirmed                                int
		created, updated, submitted, filled, cxl string
	)
	err := r.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.AssetClass, &o.Side, &o.Type, &o.Quantity,
		&o.FilledQuantity, &o.AverageFillPrice, &o.FilledNotional, &o.LimitPrice, &o.StopPrice,
		&o.Status, &o.TimeInForce, &o.Venue, &o.ExternalID, &o.Commission, &o.FeeQuantity,
		&o.RejectionReason, &confirmed,
		&created, &updated, &submitted, &filled, &cxl)
	if err != nil {
		return nil, err
	}
	o.CancelConfirmed = confirmed != 0
	o.CreatedAt = parseTime(created)
	o.UpdatedAt = parseTime(updated)
	o.SubmittedAt = parseTime(submitted)
	o.FilledAt = parseTime(filled)
	o.CancelledAt = parseTime(cxl)
	return &o, nil
}

// ============================================================================
// Positions
// ============================================================================

const positionColumns = `account_id, symbol, asset_class, quantity, average_entry_price, cost_basis,
	realized_pnl, closed, opened_at, closed_at, updated_at`

// GetPosition returns ErrPositionNotFound when the account never held symbol.
func (t *sqliteTx) GetPosition(ctx context.Context, accountID, symbol string, assetClass models.AssetClass) (*models.Position, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE account_id = ? AND symbol = ? AND asset_class = ?`, accountID, symbol, assetClass)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrPositionNotFound, "%s %s", accountID, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return p, nil
}

// SavePosition inserts or replaces a position.
func (t *sqliteTx) SavePosition(ctx context.Context, p *models.Position) error {
	_, err := t.exec(ctx, `INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, symbol, asset_class) DO UPDATE SET
			quantity = excluded.quantity,
			average_entry_price = excluded.average_entry_price,
			cost_basis = excluded.cost_basis,
			realized_pnl = excluded.realized_pnl,
			closed = excluded.closed,
			opened_at = excluded.opened_at,
			closed_at = excluded.closed_at,
			updated_at = excluded.updated_at`,
		p.AccountID, p.Symbol, p.AssetClass, p.Quantity, p.AverageEntryPrice, p.CostBasis,
		p.RealizedPnL, boolToInt(p.Closed), formatTime(p.OpenedAt), formatTime(p.ClosedAt),
		formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// ListPositions lists positions ordered by symbol.
func (t *sqliteTx) ListPositions(ctx context.Context, filter PositionFilter) ([]models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE 1=1`
	args := []interface{}{}

	if filter.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, filter.AccountID)
	}
	if filter.AssetClass != "" {
		query += " AND asset_class = ?"
		args = append(args, filter.AssetClass)
	}
	if filter.OpenOnly {
		query += " AND closed = 0"
	}
	query += " ORDER BY symbol ASC, asset_class ASC"

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

func scanPosition(r rowScanner) (*models.Position, error) {
	var (
		p                         models.Position
		closed                    int
		opened, closedAt, updated string
	)
	err := r.Scan(&p.AccountID, &p.Symbol, &p.AssetClass, &p.Quantity, &p.AverageEntryPrice,
		&p.CostBasis, &p.RealizedPnL, &closed, &opened, &closedAt, &updated)
	if err != nil {
		return nil, err
	}
	p.Closed = closed != 0
	p.OpenedAt = parseTime(opened)
	p.ClosedAt = parseTime(closedAt)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

// ============================================================================
// Trades
// ============================================================================

const tradeColumns = `id, order_id, account_id, symbol, asset_class, side, quantity, price,
	commission, total_value, executed_at`

// InsertTrade appends a trade.
func (t *sqliteTx) InsertTrade(ctx context.Context, tr *models.Trade) error {
	_, err := t.exec(ctx, `INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.OrderID, tr.AccountID, tr.Symbol, tr.AssetClass, tr.Side, tr.Quantity, tr.Price,
		tr.Commission, tr.TotalValue, formatTime(tr.ExecutedAt))
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// ListTrades lists trades, most recent first.
func (t *sqliteTx) ListTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE 1=1`
	args := []interface{}{}

	if filter.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, filter.AccountID)
	}
	if filter.OrderID != "" {
		query += " AND order_id = ?"
		args = append(args, filter.OrderID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	query += " ORDER BY executed_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var (
			tr       models.Trade
			executed string
		)
		if err := rows.Scan(&tr.ID, &tr.OrderID, &tr.AccountID, &tr.Symbol, &tr.AssetClass, &tr.Side,
			&tr.Quantity, &tr.Price, &tr.Commission, &tr.TotalValue, &executed); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		tr.ExecutedAt = parseTime(executed)
		trades = append(trades, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}
	return trades, nil
}

// ============================================================================
// Portfolios
// ============================================================================

const portfolioColumns = `account_id, cash_balance, buying_power, total_equity, realized_pnl,
	day_pnl, day_pnl_date, created_at, updated_at`

// InsertPortfolio opens a new account.
func (t *sqliteTx) InsertPortfolio(ctx context.Context, p *models.Portfolio) error {
	if _, err := t.GetPortfolio(ctx, p.AccountID); err == nil {
		return errors.Wrapf(errors.ErrPortfolioExists, "account %s", p.AccountID)
	} else if !errors.Is(err, errors.ErrPortfolioNotFound) {
		return err
	}

	_, err := t.exec(ctx, `INSERT INTO portfolios (`+portfolioColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.AccountID, p.CashBalance, p.BuyingPower, p.TotalEquity, p.RealizedPnL, p.DayPnL,
		p.DayPnLDate, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert portfolio: %w", err)
	}
	return nil
}

// GetPortfolio retrieves an account's portfolio.
func (t *sqliteTx) GetPortfolio(ctx context.Context, accountID string) (*models.Portfolio, error) {
	var (
		p                models.Portfolio
		created, updated string
	)
	err := t.q.QueryRowContext(ctx, `SELECT `+portfolioColumns+` FROM portfolios WHERE account_id = ?`, accountID).
		Scan(&p.AccountID, &p.CashBalance, &p.BuyingPower, &p.TotalEquity, &p.RealizedPnL, &p.DayPnL,
			&p.DayPnLDate, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrPortfolioNotFound, "account %s", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

// SavePortfolio writes balances and P&L for an existing account.
func (t *sqliteTx) SavePortfolio(ctx context.Context, p *models.Portfolio) error {
	res, err := t.exec(ctx, `UPDATE portfolios SET
		cash_balance = ?, buying_power = ?, total_equity = ?, realized_pnl = ?,
		day_pnl = ?, day_pnl_date = ?, updated_at = ?
		WHERE account_id = ?`,
		p.CashBalance, p.BuyingPower, p.TotalEquity, p.RealizedPnL, p.DayPnL, p.DayPnLDate,
		formatTime(p.UpdatedAt), p.AccountID)
	if err != nil {
		return fmt.Errorf("failed to save portfolio: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrPortfolioNotFound, "account %s", p.AccountID)
	}
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
