package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/errors"
	"tradedesk/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tradedesk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedPortfolio(t *testing.T, s *SQLiteStore, accountID string, cash int64) {
	t.Helper()
	now := time.Now()
	err := s.WithTx(context.Background(), func(tx Tx) error {
		return tx.InsertPortfolio(context.Background(), &models.Portfolio{
			AccountID:   accountID,
			CashBalance: decimal.NewFromInt(cash),
			BuyingPower: decimal.NewFromInt(cash),
			TotalEquity: decimal.NewFromInt(cash),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	})
	require.NoError(t, err)
}

func testOrder(id, accountID string) *models.Order {
	now := time.Now()
	return &models.Order{
		ID:          id,
		AccountID:   accountID,
		Symbol:      "BTC/USDT",
		AssetClass:  models.AssetCrypto,
		Side:        models.OrderSideBuy,
		Type:        models.OrderTypeLimit,
		Quantity:    decimal.RequireFromString("0.015"),
		LimitPrice:  decimal.RequireFromString("64250.125"),
		Status:      models.OrderStatusPending,
		TimeInForce: models.TimeInForceGTC,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestOrderRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPortfolio(t, s, "acct-1", 100000)

	o := testOrder("ord-1", "acct-1")
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.InsertOrder(ctx, o) }))

	var got *models.Order
	require.NoError(t, s.View(ctx, func(tx Tx) error {
		var err error
		got, err = tx.GetOrder(ctx, "ord-1")
		return err
	}))
	assert.True(t, o.Quantity.Equal(got.Quantity))
	assert.True(t, o.LimitPrice.Equal(got.LimitPrice))
	assert.Equal(t, models.OrderStatusPending, got.Status)
	assert.Equal(t, models.AssetCrypto, got.AssetClass)
	assert.True(t, got.SubmittedAt.IsZero())
	assert.True(t, o.CreatedAt.Equal(got.CreatedAt))

	got.Status = models.OrderStatusSubmitted
	got.ExternalID = "EX-1"
	got.SubmittedAt = time.Now()
	got.CancelConfirmed = true
	got.FilledQuantity = decimal.RequireFromString("0.015")
	got.FilledNotional = decimal.RequireFromString("963.751875")
	got.FeeQuantity = decimal.RequireFromString("0.000015")
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.UpdateOrder(ctx, got) }))

	require.NoError(t, s.View(ctx, func(tx Tx) error {
		again, err := tx.GetOrder(ctx, "ord-1")
		require.NoError(t, err)
		assert.Equal(t, "EX-1", again.ExternalID)
		assert.True(t, again.CancelConfirmed)
		assert.False(t, again.SubmittedAt.IsZero())
		assert.Equal(t, "963.751875", again.FilledNotional.String())
		assert.Equal(t, "0.000015", again.FeeQuantity.String())
		return nil
	}))
}

func TestGetOrder_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.View(context.Background(), func(tx Tx) error {
		_, err := tx.GetOrder(context.Background(), "missing")
		return err
	})
	assert.ErrorIs(t, err, errors.ErrOrderNotFound)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPortfolio(t, s, "acct-1", 1000)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertOrder(ctx, testOrder("ord-1", "acct-1")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.View(ctx, func(tx Tx) error {
		_, err := tx.GetOrder(ctx, "ord-1")
		return err
	})
	assert.ErrorIs(t, err, errors.ErrOrderNotFound)
}

func TestWithTx_RollsBackOnPanic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPortfolio(t, s, "acct-1", 1000)

	assert.Panics(t, func() {
		_ = s.WithTx(ctx, func(tx Tx) error {
			_ = tx.InsertOrder(ctx, testOrder("ord-1", "acct-1"))
			panic("unexpected")
		})
	})

	err := s.View(ctx, func(tx Tx) error {
		_, err := tx.GetOrder(ctx, "ord-1")
		return err
	})
	assert.ErrorIs(t, err, errors.ErrOrderNotFound)
}

func TestView_RejectsWrites(t *testing.T) {
	s := newTestStore(t)
	seedPortfolio(t, s, "acct-1", 1000)
	err := s.View(context.Background(), func(tx Tx) error {
		return tx.InsertOrder(context.Background(), testOrder("ord-1", "acct-1"))
	})
	assert.Error(t, err)
}

func TestListOrders_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPortfolio(t, s, "acct-1", 1000)
	seedPortfolio(t, s, "acct-2", 1000)

	base := time.Now().Add(-time.Hour)
	seeds := []struct {
		id      string
		account string
		status  models.OrderStatus
		extID   string
		confirm bool
	}{
		{"o1", "acct-1", models.OrderStatusSubmitted, "x1", false},
		{"o2", "acct-1", models.OrderStatusPartiallyFilled, "x2", false},
		{"o3", "acct-1", models.OrderStatusCancelled, "x3", false},
		{"o4", "acct-1", models.OrderStatusCancelled, "x4", true},
		{"o5", "acct-1", models.OrderStatusFilled, "x5", false},
		{"o6", "acct-2", models.OrderStatusPending, "", false},
	}
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		for i, sp := range seeds {
			o := testOrder(sp.id, sp.account)
			o.Status = sp.status
			o.ExternalID = sp.extID
			o.CancelConfirmed = sp.confirm
			o.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			if err := tx.InsertOrder(ctx, o); err != nil {
				return err
			}
		}
		return nil
	}))

	ids := func(orders []models.Order) []string {
		out := make([]string, 0, len(orders))
		for _, o := range orders {
			out = append(out, o.ID)
		}
		return out
	}

	require.NoError(t, s.View(ctx, func(tx Tx) error {
		all, err := tx.ListOrders(ctx, OrderFilter{AccountID: "acct-1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"o5", "o4", "o3", "o2", "o1"}, ids(all))

		syncable, err := tx.ListOrders(ctx, OrderFilter{Syncable: true})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"o1", "o2", "o3"}, ids(syncable))

		cancelled, err := tx.ListOrders(ctx, OrderFilter{Statuses: []models.OrderStatus{models.OrderStatusCancelled}, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"o4"}, ids(cancelled))
		return nil
	}))
}

func TestPortfolio_InsertTwiceFails(t *testing.T) {
	s := newTestStore(t)
	seedPortfolio(t, s, "acct-1", 1000)
	err := s.WithTx(context.Background(), func(tx Tx) error {
		return tx.InsertPortfolio(context.Background(), &models.Portfolio{AccountID: "acct-1"})
	})
	assert.ErrorIs(t, err, errors.ErrPortfolioExists)
}

func TestPositionUpsertAndTrades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPortfolio(t, s, "acct-1", 1000)

	now := time.Now()
	pos := &models.Position{
		AccountID:         "acct-1",
		Symbol:            "INFY",
		AssetClass:        models.AssetStock,
		Quantity:          decimal.NewFromInt(10),
		AverageEntryPrice: decimal.NewFromInt(100),
		CostBasis:         decimal.NewFromInt(1000),
		OpenedAt:          now,
		UpdatedAt:         now,
	}
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertOrder(ctx, testOrder("ord-1", "acct-1")); err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, pos); err != nil {
			return err
		}
		return tx.InsertTrade(ctx, &models.Trade{
			ID: "t1", OrderID: "ord-1", AccountID: "acct-1", Symbol: "INFY",
			AssetClass: models.AssetStock, Side: models.OrderSideBuy,
			Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(100),
			TotalValue: decimal.NewFromInt(1000), ExecutedAt: now,
		})
	}))

	pos.Quantity = decimal.Zero
	pos.AverageEntryPrice = decimal.Zero
	pos.CostBasis = decimal.Zero
	pos.Closed = true
	pos.ClosedAt = now
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.SavePosition(ctx, pos) }))

	require.NoError(t, s.View(ctx, func(tx Tx) error {
		got, err := tx.GetPosition(ctx, "acct-1", "INFY", models.AssetStock)
		require.NoError(t, err)
		assert.True(t, got.Closed)
		assert.True(t, got.Quantity.IsZero())

		open, err := tx.ListPositions(ctx, PositionFilter{AccountID: "acct-1", OpenOnly: true})
		require.NoError(t, err)
		assert.Empty(t, open)

		_, err = tx.GetPosition(ctx, "acct-1", "INFY", models.AssetETF)
		assert.ErrorIs(t, err, errors.ErrPositionNotFound)

		trades, err := tx.ListTrades(ctx, TradeFilter{OrderID: "ord-1"})
		require.NoError(t, err)
		require.Len(t, trades, 1)
		assert.True(t, trades[0].TotalValue.Equal(decimal.NewFromInt(1000)))
		return nil
	}))
}

func TestLockOrder_Exclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := s.LockOrder(ctx, "ord-1")
			if err != nil {
				t.Error(err)
				return
			}
			defer release()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, s.locks.size())
}

func TestLockOrder_ContextCancelled(t *testing.T) {
	s := newTestStore(t)
	release, err := s.LockOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.LockOrder(ctx, "ord-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := s.LockOrder(context.Background(), "ord-2")
	require.NoError(t, err)
	other()
}

// Property: decimal amounts survive a save/load cycle exactly.
func TestProperty_PositionAmountsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPortfolio(t, s, "acct-1", 1000)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	var seq int64
	properties.Property("position amounts round-trip exactly", prop.ForAll(
		func(qtyUnits int64, priceCents int64) bool {
			seq++
			qty := decimal.New(qtyUnits, -6)
			price := decimal.New(priceCents, -2)
			pos := &models.Position{
				AccountID:         "acct-1",
				Symbol:            fmt.Sprintf("SYM%d", seq),
				AssetClass:        models.AssetCrypto,
				Quantity:          qty,
				AverageEntryPrice: price,
				CostBasis:         qty.Mul(price),
				OpenedAt:          time.Now(),
				UpdatedAt:         time.Now(),
			}
			if err := s.WithTx(ctx, func(tx Tx) error { return tx.SavePosition(ctx, pos) }); err != nil {
				t.Logf("save: %v", err)
				return false
			}
			var got *models.Position
			if err := s.View(ctx, func(tx Tx) error {
				var err error
				got, err = tx.GetPosition(ctx, pos.AccountID, pos.Symbol, pos.AssetClass)
				return err
			}); err != nil {
				t.Logf("get: %v", err)
				return false
			}
			return got.Quantity.Equal(qty) &&
				got.AverageEntryPrice.Equal(price) &&
				got.CostBasis.Equal(qty.Mul(price))
		},
		gen.Int64Range(1, 1_000_000_000),
		gen.Int64Range(1, 10_000_000),
	))

	properties.TestingRun(t)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, ClampLimit(0))
	assert.Equal(t, 10, ClampLimit(10))
	assert.Equal(t, MaxListLimit, ClampLimit(1000))
}
