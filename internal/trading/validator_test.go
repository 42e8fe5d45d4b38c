package trading

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/errors"
	"tradedesk/internal/models"
	"tradedesk/internal/store"
)

func (h *harness) validate(req OrderRequest) error {
	h.t.Helper()
	v := NewValidator(h.router, h.router.Supports, zerolog.Nop())
	req.Normalize()
	return h.store.View(context.Background(), func(tx store.Tx) error {
		return v.Validate(context.Background(), tx, &req)
	})
}

func TestValidator_Fields(t *testing.T) {
	h := newFundedHarness(t)

	limit := marketBuy("alice", "INFY", "1")
	limit.Type = models.OrderTypeLimit

	stop := marketBuy("alice", "INFY", "1")
	stop.Type = models.OrderTypeStop

	stopLimit := marketBuy("alice", "INFY", "1")
	stopLimit.Type = models.OrderTypeStopLimit
	stopLimit.StopPrice = d("99")

	noAccount := marketBuy("", "INFY", "1")
	noSymbol := marketBuy("alice", "  ", "1")
	zeroQty := marketBuy("alice", "INFY", "0")
	negQty := marketBuy("alice", "INFY", "-3")

	badSide := marketBuy("alice", "INFY", "1")
	badSide.Side = "hold"

	badTIF := marketBuy("alice", "INFY", "1")
	badTIF.TimeInForce = "forever"

	badClass := marketBuy("alice", "INFY", "1")
	badClass.AssetClass = "bond"

	tests := []struct {
		name string
		req  OrderRequest
		want error
	}{
		{"limit without price", limit, errors.ErrMissingPriceParameter},
		{"stop without price", stop, errors.ErrMissingPriceParameter},
		{"stop limit without limit", stopLimit, errors.ErrMissingPriceParameter},
		{"no account", noAccount, errors.ErrInvalidOrder},
		{"no symbol", noSymbol, errors.ErrInvalidOrder},
		{"zero quantity", zeroQty, errors.ErrInvalidOrder},
		{"negative quantity", negQty, errors.ErrInvalidOrder},
		{"bad side", badSide, errors.ErrInvalidOrder},
		{"bad time in force", badTIF, errors.ErrInvalidOrder},
		{"unsupported class", badClass, errors.ErrUnsupportedAssetType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.validate(tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			var ve *errors.ValidationError
			assert.True(t, errors.As(err, &ve))
		})
	}
}

func TestValidator_BuyingPower(t *testing.T) {
	h := newFundedHarness(t)

	assert.NoError(t, h.validate(marketBuy("alice", "INFY", "100")))

	err := h.validate(marketBuy("alice", "INFY", "101"))
	assert.ErrorIs(t, err, errors.ErrInsufficientBuyingPower)

	err = h.validate(marketBuy("bob", "INFY", "1"))
	assert.ErrorIs(t, err, errors.ErrPortfolioNotFound)
}

func TestValidator_LimitPriceStandsInForMissingQuote(t *testing.T) {
	h := newFundedHarness(t)

	market := marketBuy("alice", "TCS", "1")
	assert.ErrorIs(t, h.validate(market), errors.ErrPriceUnavailable)

	limit := marketBuy("alice", "TCS", "10")
	limit.Type = models.OrderTypeLimit
	limit.LimitPrice = d("1000")
	assert.NoError(t, h.validate(limit))

	limit.Quantity = d("11")
	assert.ErrorIs(t, h.validate(limit), errors.ErrInsufficientBuyingPower)
}

func TestValidator_SellNeedsPosition(t *testing.T) {
	h := newFundedHarness(t)

	assert.ErrorIs(t, h.validate(marketSell("alice", "INFY", "1")), errors.ErrInsufficientPosition)

	_, err := fillOrder(t, h.store, "alice", models.OrderSideBuy, "3", "100", "0")
	require.NoError(t, err)

	assert.NoError(t, h.validate(marketSell("alice", "INFY", "3")))
	assert.ErrorIs(t, h.validate(marketSell("alice", "INFY", "5")), errors.ErrInsufficientPosition)

	_, err = fillOrder(t, h.store, "alice", models.OrderSideSell, "3", "100", "0")
	require.NoError(t, err)
	assert.ErrorIs(t, h.validate(marketSell("alice", "INFY", "1")), errors.ErrInsufficientPosition, "closed positions cannot be sold")
}

func TestOrderRequest_Normalize(t *testing.T) {
	req := OrderRequest{AccountID: " alice ", Symbol: " infy "}
	req.Normalize()
	assert.Equal(t, "alice", req.AccountID)
	assert.Equal(t, "INFY", req.Symbol)
	assert.Equal(t, models.TimeInForceDay, req.TimeInForce)
}
