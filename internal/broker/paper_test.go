package broker

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/errors"
	"tradedesk/internal/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newPaper(prices map[string]decimal.Decimal) *PaperVenue {
	return NewPaperVenue(PaperConfig{Prices: prices, FeeRate: d("0.001")}, zerolog.Nop())
}

func paperOrderReq(side models.OrderSide, typ models.OrderType, qty string) *models.Order {
	return &models.Order{
		ID:          "ord-1",
		Symbol:      "INFY",
		AssetClass:  models.AssetStock,
		Side:        side,
		Type:        typ,
		Quantity:    d(qty),
		TimeInForce: models.TimeInForceDay,
	}
}

func TestPaperVenue_MarketOrderFillsAtPrice(t *testing.T) {
	p := newPaper(map[string]decimal.Decimal{"INFY": d("100")})
	ack, err := p.Submit(context.Background(), paperOrderReq(models.OrderSideBuy, models.OrderTypeMarket, "10"))
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusFilled, ack.Status)
	assert.True(t, ack.FilledQuantity.Equal(d("10")))
	assert.True(t, ack.AverageFillPrice.Equal(d("100")))

	st, err := p.FetchStatus(context.Background(), ack.ExternalID)
	require.NoError(t, err)
	assert.True(t, st.Commission.Equal(d("1")))
}

func TestPaperVenue_MarketOrderWithoutPriceRejected(t *testing.T) {
	p := newPaper(nil)
	_, err := p.Submit(context.Background(), paperOrderReq(models.OrderSideBuy, models.OrderTypeMarket, "1"))
	require.Error(t, err)

	var ve *errors.VenueError
	require.True(t, errors.As(err, &ve))
	assert.False(t, ve.Transient)
}

func TestPaperVenue_LimitRestsUntilPriceCrosses(t *testing.T) {
	p := newPaper(map[string]decimal.Decimal{"INFY": d("105")})
	req := paperOrderReq(models.OrderSideBuy, models.OrderTypeLimit, "10")
	req.LimitPrice = d("100")

	ack, err := p.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusSubmitted, ack.Status)
	assert.False(t, ack.HasFills())

	p.UpdatePrice("INFY", d("99"))
	st, err := p.FetchStatus(context.Background(), ack.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, st.Status)
	assert.True(t, st.AverageFillPrice.Equal(d("100")))
}

func TestPaperVenue_StopTriggers(t *testing.T) {
	p := newPaper(map[string]decimal.Decimal{"INFY": d("100")})
	req := paperOrderReq(models.OrderSideSell, models.OrderTypeStop, "5")
	req.StopPrice = d("95")

	ack, err := p.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusSubmitted, ack.Status)

	p.UpdatePrice("INFY", d("94"))
	st, err := p.FetchStatus(context.Background(), ack.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, st.Status)
	assert.True(t, st.AverageFillPrice.Equal(d("94")))
}

func TestPaperVenue_IOCExpiresWhenNotMarketable(t *testing.T) {
	p := newPaper(map[string]decimal.Decimal{"INFY": d("105")})
	req := paperOrderReq(models.OrderSideBuy, models.OrderTypeLimit, "10")
	req.LimitPrice = d("100")
	req.TimeInForce = models.TimeInForceIOC

	ack, err := p.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusExpired, ack.Status)
}

func TestPaperVenue_PartialFillsAndCancel(t *testing.T) {
	p := newPaper(nil)
	req := paperOrderReq(models.OrderSideBuy, models.OrderTypeLimit, "10")
	req.LimitPrice = d("100")
	ack, err := p.Submit(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, p.Fill(ack.ExternalID, d("4"), d("100")))
	require.NoError(t, p.Fill(ack.ExternalID, d("2"), d("97")))
	assert.Error(t, p.Fill(ack.ExternalID, d("5"), d("97")))

	st, err := p.FetchStatus(context.Background(), ack.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPartiallyFilled, st.Status)
	assert.True(t, st.FilledQuantity.Equal(d("6")))
	assert.True(t, st.AverageFillPrice.Equal(d("99")))
	assert.True(t, st.CumulativeNotional.Equal(d("594")))

	require.NoError(t, p.Cancel(context.Background(), ack.ExternalID))
	assert.Error(t, p.Cancel(context.Background(), ack.ExternalID))

	st, err = p.FetchStatus(context.Background(), ack.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, st.Status)
}

func TestPaperVenue_NotionalIsExact(t *testing.T) {
	p := newPaper(nil)
	req := paperOrderReq(models.OrderSideBuy, models.OrderTypeLimit, "3")
	req.LimitPrice = d("101")
	ack, err := p.Submit(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, p.Fill(ack.ExternalID, d("1"), d("100")))
	require.NoError(t, p.Fill(ack.ExternalID, d("2"), d("101")))

	st, err := p.FetchStatus(context.Background(), ack.ExternalID)
	require.NoError(t, err)
	assert.True(t, st.AverageFillPrice.Equal(d("100.66666667")), "the average is rounded")
	assert.True(t, st.CumulativeNotional.Equal(d("302")), "the notional is not")
}

func TestStatusMaps(t *testing.T) {
	tests := []struct {
		name   string
		m      StatusMap
		status string
		filled string
		want   models.OrderStatus
	}{
		{"kite open", kiteStatuses, "OPEN", "0", models.OrderStatusSubmitted},
		{"kite open with fills", kiteStatuses, "OPEN", "3", models.OrderStatusPartiallyFilled},
		{"kite trigger pending", kiteStatuses, "TRIGGER PENDING", "0", models.OrderStatusSubmitted},
		{"kite complete", kiteStatuses, "COMPLETE", "10", models.OrderStatusFilled},
		{"kite cancelled", kiteStatuses, "CANCELLED", "2", models.OrderStatusCancelled},
		{"kite rejected", kiteStatuses, "REJECTED", "0", models.OrderStatusRejected},
		{"kite unknown", kiteStatuses, "LAPSED", "0", models.OrderStatusUnknown},
		{"binance new", binanceStatuses, "NEW", "0", models.OrderStatusSubmitted},
		{"binance partial", binanceStatuses, "PARTIALLY_FILLED", "1", models.OrderStatusPartiallyFilled},
		{"binance expired in match", binanceStatuses, "EXPIRED_IN_MATCH", "0", models.OrderStatusExpired},
		{"binance canceled", binanceStatuses, "CANCELED", "0", models.OrderStatusCancelled},
		{"binance unknown", binanceStatuses, "HALTED", "0", models.OrderStatusUnknown},
		{"paper partial", paperStatuses, PaperPartial, "1", models.OrderStatusPartiallyFilled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.m.Translate(tt.status, d(tt.filled)))
		})
	}
}
