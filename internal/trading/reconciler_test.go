package trading

import (
	"context"
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
	"tradedesk/internal/store"
	"tradedesk/pkg/utils"
)

// fillOrder inserts a SUBMITTED order and books one fill against it.
func fillOrder(t *testing.T, st store.Store, account string, side models.OrderSide, qty, price, commission string) (*FillResult, error) {
	t.Helper()
	ctx := context.Background()
	r := NewReconciler()
	ledger := NewLedger()

	var res *FillResult
	err := st.WithTx(ctx, func(tx store.Tx) error {
		o, err := ledger.Create(ctx, tx, utils.NewOrderID(), &OrderRequest{
			AccountID:   account,
			Symbol:      "INFY",
			AssetClass:  models.AssetStock,
			Side:        side,
			Type:        models.OrderTypeMarket,
			Quantity:    d(qty),
			TimeInForce: models.TimeInForceDay,
		}, "scripted")
		if err != nil {
			return err
		}
		res, err = r.ApplyFill(ctx, tx, o, Fill{Quantity: d(qty), Price: d(price), Commission: d(commission)})
		return err
	})
	return res, err
}

func TestReconciler_BuyBuySellScenario(t *testing.T) {
	h := newHarness(t)
	h.openAccount("alice", "10000")

	res, err := fillOrder(t, h.store, "alice", models.OrderSideBuy, "10", "100", "0")
	require.NoError(t, err)
	assert.True(t, res.Position.Quantity.Equal(d("10")))
	assert.True(t, res.Position.AverageEntryPrice.Equal(d("100")))
	assert.True(t, res.Portfolio.CashBalance.Equal(d("9000")))

	res, err = fillOrder(t, h.store, "alice", models.OrderSideBuy, "10", "120", "0")
	require.NoError(t, err)
	assert.True(t, res.Position.Quantity.Equal(d("20")))
	assert.True(t, res.Position.AverageEntryPrice.Equal(d("110")))
	assert.True(t, res.Portfolio.CashBalance.Equal(d("7800")))
	assert.True(t, res.Portfolio.TotalEquity.Equal(d("10000")), "equity at cost is unchanged by buys")

	res, err = fillOrder(t, h.store, "alice", models.OrderSideSell, "20", "130", "0")
	require.NoError(t, err)
	assert.True(t, res.Position.RealizedPnL.Equal(d("400")))
	assert.True(t, res.Position.Quantity.IsZero())
	assert.True(t, res.Position.AverageEntryPrice.IsZero())
	assert.True(t, res.Position.Closed)
	assert.False(t, res.Position.ClosedAt.IsZero())
	assert.True(t, res.Portfolio.CashBalance.Equal(d("10400")))
	assert.True(t, res.Portfolio.RealizedPnL.Equal(d("400")))
	assert.True(t, res.Portfolio.TotalEquity.Equal(d("10400")))

	stored := h.position("alice", "INFY")
	assert.True(t, stored.Closed)
	assert.True(t, stored.RealizedPnL.Equal(d("400")))
	assert.True(t, res.Trade.TotalValue.Equal(d("2600")))
}

func TestReconciler_CommissionMovesCash(t *testing.T) {
	h := newHarness(t)
	h.openAccount("alice", "1000")

	res, err := fillOrder(t, h.store, "alice", models.OrderSideBuy, "5", "100", "1.5")
	require.NoError(t, err)
	assert.True(t, res.Portfolio.CashBalance.Equal(d("498.5")))
	assert.True(t, res.Trade.Commission.Equal(d("1.5")))

	res, err = fillOrder(t, h.store, "alice", models.OrderSideSell, "2", "110", "0.5")
	require.NoError(t, err)
	assert.True(t, res.Portfolio.CashBalance.Equal(d("718")))
	assert.True(t, res.Position.RealizedPnL.Equal(d("20")))
	assert.True(t, res.Position.Quantity.Equal(d("3")))
	assert.True(t, res.Position.AverageEntryPrice.Equal(d("100")))
	assert.True(t, res.Position.CostBasis.Equal(d("300")))
}

func TestReconciler_OversellBlocksEverything(t *testing.T) {
	h := newHarness(t)
	h.openAccount("alice", "1000")
	_, err := fillOrder(t, h.store, "alice", models.OrderSideBuy, "3", "100", "0")
	require.NoError(t, err)

	_, err = fillOrder(t, h.store, "alice", models.OrderSideSell, "5", "100", "0")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrReconciliation)
	assert.ErrorIs(t, err, errors.ErrInsufficientPosition)

	assert.True(t, h.position("alice", "INFY").Quantity.Equal(d("3")))
	assert.True(t, h.portfolio("alice").CashBalance.Equal(d("700")))
	assert.Equal(t, 1, h.orderCount("alice"), "the rejected fill's order insert was rolled back too")
}

func TestReconciler_SellWithoutPosition(t *testing.T) {
	h := newHarness(t)
	h.openAccount("alice", "1000")

	_, err := fillOrder(t, h.store, "alice", models.OrderSideSell, "1", "100", "0")
	assert.ErrorIs(t, err, errors.ErrReconciliation)
}

func TestReconciler_RejectsNonPositiveFill(t *testing.T) {
	h := newHarness(t)
	h.openAccount("alice", "1000")

	_, err := fillOrder(t, h.store, "alice", models.OrderSideBuy, "0", "100", "0")
	assert.ErrorIs(t, err, errors.ErrReconciliation)
	_, err = fillOrder(t, h.store, "alice", models.OrderSideBuy, "1", "0", "0")
	assert.ErrorIs(t, err, errors.ErrReconciliation)
}

func TestReconciler_ReopensClosedPosition(t *testing.T) {
	h := newHarness(t)
	h.openAccount("alice", "10000")

	_, err := fillOrder(t, h.store, "alice", models.OrderSideBuy, "10", "100", "0")
	require.NoError(t, err)
	_, err = fillOrder(t, h.store, "alice", models.OrderSideSell, "10", "90", "0")
	require.NoError(t, err)

	res, err := fillOrder(t, h.store, "alice", models.OrderSideBuy, "4", "50", "0")
	require.NoError(t, err)
	assert.False(t, res.Position.Closed)
	assert.True(t, res.Position.ClosedAt.IsZero())
	assert.True(t, res.Position.AverageEntryPrice.Equal(d("50")))
	assert.True(t, res.Position.RealizedPnL.Equal(d("-100")), "realized P&L survives a reopen")
}

func TestReconciler_RealizedMatchesCashOnRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.openAccount("alice", "1000")

	_, err := fillOrder(t, h.store, "alice", models.OrderSideBuy, "1", "100", "0")
	require.NoError(t, err)
	res, err := fillOrder(t, h.store, "alice", models.OrderSideBuy, "2", "101", "0")
	require.NoError(t, err)
	assert.True(t, res.Position.CostBasis.Equal(d("302")))

	res, err = fillOrder(t, h.store, "alice", models.OrderSideSell, "1", "110", "0")
	require.NoError(t, err)
	res, err = fillOrder(t, h.store, "alice", models.OrderSideSell, "2", "110", "0")
	require.NoError(t, err)

	gain := res.Portfolio.CashBalance.Sub(d("1000"))
	assert.True(t, gain.Equal(d("28")), gain.String())
	assert.True(t, res.Position.RealizedPnL.Equal(gain), res.Position.RealizedPnL.String())
	assert.True(t, res.Portfolio.RealizedPnL.Equal(gain), res.Portfolio.RealizedPnL.String())
	assert.True(t, res.Portfolio.TotalEquity.Equal(d("1028")))
}

func TestReconciler_DayPnLUsesFillDate(t *testing.T) {
	h := newHarness(t)
	h.openAccount("alice", "10000")
	ctx := context.Background()

	_, err := fillOrder(t, h.store, "alice", models.OrderSideBuy, "1", "100", "0")
	require.NoError(t, err)

	executed := time.Date(2001, 1, 3, 2, 0, 0, 0, time.FixedZone("IST", 5*3600+1800))
	var res *FillResult
	require.NoError(t, h.store.WithTx(ctx, func(tx store.Tx) error {
		o, err := NewLedger().Create(ctx, tx, utils.NewOrderID(), &OrderRequest{
			AccountID:   "alice",
			Symbol:      "INFY",
			AssetClass:  models.AssetStock,
			Side:        models.OrderSideSell,
			Type:        models.OrderTypeMarket,
			Quantity:    d("1"),
			TimeInForce: models.TimeInForceDay,
		}, "scripted")
		if err != nil {
			return err
		}
		res, err = NewReconciler().ApplyFill(ctx, tx, o, Fill{Quantity: d("1"), Price: d("103"), ExecutedAt: executed})
		return err
	}))

	assert.Equal(t, "2001-01-02", res.Portfolio.DayPnLDate, "bucketed by the fill's UTC date")
	assert.True(t, res.Portfolio.DayPnL.Equal(d("3")))
	assert.True(t, res.Trade.ExecutedAt.Equal(executed))
}

func TestReconciler_DayPnLResetsOnNewDay(t *testing.T) {
	h := newHarness(t)
	h.openAccount("alice", "10000")
	ctx := context.Background()

	require.NoError(t, h.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPortfolio(ctx, "alice")
		if err != nil {
			return err
		}
		p.DayPnL = d("999")
		p.DayPnLDate = "2001-01-01"
		return tx.SavePortfolio(ctx, p)
	}))

	_, err := fillOrder(t, h.store, "alice", models.OrderSideBuy, "1", "100", "0")
	require.NoError(t, err)
	res, err := fillOrder(t, h.store, "alice", models.OrderSideSell, "1", "105", "0")
	require.NoError(t, err)

	assert.True(t, res.Portfolio.DayPnL.Equal(d("5")))
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), res.Portfolio.DayPnLDate)
}

type buyFill struct {
	Qty   int64
	Price int64
}

// Property: the average entry price after a sequence of buy fills is the
// quantity-weighted mean, whatever order the fills arrive in.
func TestProperty_BuyAverageIsCommutative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	fillGen := gopter.CombineGens(
		gen.Int64Range(1, 1000),
		gen.Int64Range(1, 100000),
	).Map(func(v []interface{}) buyFill {
		return buyFill{Qty: v[0].(int64), Price: v[1].(int64)}
	})

	properties.Property("reordered buys give the same weighted average", prop.ForAll(
		func(fills []buyFill, seed int64) bool {
			if len(fills) == 0 {
				return true
			}
			apply := func(order []buyFill) *models.Position {
				pos := &models.Position{}
				for _, f := range order {
					// Prices carry two decimals.
					applyBuy(pos, Fill{Quantity: decimal.NewFromInt(f.Qty), Price: decimal.New(f.Price, -2)}, time.Now())
				}
				return pos
			}

			forward := apply(fills)

			reversed := make([]buyFill, len(fills))
			for i, f := range fills {
				reversed[len(fills)-1-i] = f
			}
			rotated := append(append([]buyFill{}, fills[int(seed%int64(len(fills))):]...), fills[:int(seed%int64(len(fills)))]...)

			var notional, qty decimal.Decimal
			for _, f := range fills {
				notional = notional.Add(decimal.NewFromInt(f.Qty).Mul(decimal.New(f.Price, -2)))
				qty = qty.Add(decimal.NewFromInt(f.Qty))
			}
			want := notional.DivRound(qty, priceScale)

			for _, p := range []*models.Position{forward, apply(reversed), apply(rotated)} {
				if !p.AverageEntryPrice.Equal(want) || !p.Quantity.Equal(qty) || !p.CostBasis.Equal(notional) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(fillGen),
		gen.Int64Range(0, 1000),
	))

	properties.TestingRun(t)
}

// Property: selling the whole position always resets the average and
// closes it.
func TestProperty_FullSellCloses(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("full sell zeroes the position", prop.ForAll(
		func(buys []int64, sellPrice int64) bool {
			pos := &models.Position{}
			for i, q := range buys {
				applyBuy(pos, Fill{Quantity: decimal.NewFromInt(q), Price: decimal.NewFromInt(int64(100 + i))}, time.Now())
			}
			if !pos.Quantity.IsPositive() {
				return true
			}
			held := pos.Quantity
			cost := pos.CostBasis
			realized, err := applySell(pos, "o", Fill{Quantity: held, Price: decimal.NewFromInt(sellPrice)}, time.Now())
			if err != nil {
				return false
			}
			return pos.Quantity.IsZero() &&
				pos.AverageEntryPrice.IsZero() &&
				pos.CostBasis.IsZero() &&
				pos.Closed &&
				realized.Equal(held.Mul(decimal.NewFromInt(sellPrice)).Sub(cost))
		},
		gen.SliceOf(gen.Int64Range(1, 500)),
		gen.Int64Range(1, 1000),
	))

	properties.TestingRun(t)
}

// Property: once a position is fully sold, its realized P&L equals the cash
// it moved, however the buys and sells were split.
func TestProperty_RoundTripRealizesCashDelta(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("realized equals proceeds minus cost", prop.ForAll(
		func(buys []int64, sellChunks []int64, price int64) bool {
			pos := &models.Position{}
			cash := decimal.Zero
			for i, q := range buys {
				// Prices with repeating averages, e.g. 100, 100.33, 100.66.
				px := decimal.New(10000+int64(i)*33, -2)
				applyBuy(pos, Fill{Quantity: decimal.NewFromInt(q), Price: px}, time.Now())
				cash = cash.Sub(decimal.NewFromInt(q).Mul(px))
			}
			if !pos.Quantity.IsPositive() {
				return true
			}

			realized := decimal.Zero
			sell := func(qty decimal.Decimal, px decimal.Decimal) bool {
				r, err := applySell(pos, "o", Fill{Quantity: qty, Price: px}, time.Now())
				if err != nil {
					return false
				}
				realized = realized.Add(r)
				cash = cash.Add(qty.Mul(px))
				return true
			}
			for i, c := range sellChunks {
				qty := decimal.NewFromInt(c)
				if qty.GreaterThanOrEqual(pos.Quantity) {
					break
				}
				if !sell(qty, decimal.New(price+int64(i), -1)) {
					return false
				}
			}
			if !sell(pos.Quantity, decimal.New(price, -1)) {
				return false
			}
			return pos.Closed && realized.Equal(cash) && pos.RealizedPnL.Equal(cash)
		},
		gen.SliceOfN(4, gen.Int64Range(1, 50)),
		gen.SliceOf(gen.Int64Range(1, 40)),
		gen.Int64Range(1, 5000),
	))

	properties.TestingRun(t)
}
