package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradedesk/internal/errors"
	"tradedesk/internal/logging"
	"tradedesk/internal/models"
)

// BinanceVenueName is the router name of the Binance spot adapter.
const BinanceVenueName = "binance"

const defaultBinanceURL = "https://api.binance.com"

// binanceStatuses is the exhaustive Binance spot order status map.
var binanceStatuses = StatusMap{
	"NEW":              models.OrderStatusSubmitted,
	"PENDING_NEW":      models.OrderStatusSubmitted,
	"PENDING_CANCEL":   models.OrderStatusSubmitted,
	"PARTIALLY_FILLED": models.OrderStatusPartiallyFilled,
	"FILLED":           models.OrderStatusFilled,
	"CANCELED":         models.OrderStatusCancelled,
	"REJECTED":         models.OrderStatusRejected,
	"EXPIRED":          models.OrderStatusExpired,
	"EXPIRED_IN_MATCH": models.OrderStatusExpired,
}

// BinanceConfig holds configuration for the Binance venue.
type BinanceConfig struct {
	APIKey     string
	SecretKey  string
	BaseURL    string
	RecvWindow time.Duration
	Timeout    time.Duration
}

// BinanceVenue routes crypto orders to the Binance spot REST API.
type BinanceVenue struct {
	apiKey     string
	secret     []byte
	baseURL    string
	recvWindow int64
	http       *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

// NewBinanceVenue creates a Binance spot adapter.
func NewBinanceVenue(cfg BinanceConfig, logger zerolog.Logger) (*BinanceVenue, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, errors.Wrap(errors.ErrConfigInvalid, "binance api and secret keys are required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBinanceURL
	}
	recv := cfg.RecvWindow
	if recv <= 0 {
		recv = 5 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BinanceVenue{
		apiKey:     cfg.APIKey,
		secret:     []byte(cfg.SecretKey),
		baseURL:    baseURL,
		recvWindow: recv.Milliseconds(),
		http:       &http.Client{Timeout: timeout},
		logger:     logging.WithVenue(logger, BinanceVenueName),
		now:        time.Now,
	}, nil
}

// Name implements Venue.
func (b *BinanceVenue) Name() string { return BinanceVenueName }

type binanceFill struct {
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
}

type binanceOrder struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	Status              string          `json:"status"`
	Side                string          `json:"side"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	UpdateTime          int64           `json:"updateTime"`
	TransactTime        int64           `json:"transactTime"`
	Fills               []binanceFill   `json:"fills"`
}

func (o *binanceOrder) averagePrice() decimal.Decimal {
	if !o.ExecutedQty.IsPositive() {
		return decimal.Zero
	}
	return o.CummulativeQuoteQty.DivRound(o.ExecutedQty, 8)
}

type binanceAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Submit places a spot order. The external ID carries the symbol because
// every later Binance call needs it.
func (b *BinanceVenue) Submit(ctx context.Context, order *models.Order) (*Ack, error) {
	symbol := NormalizeCryptoSymbol(order.Symbol)
	params, err := binanceOrderParams(order, symbol)
	if err != nil {
		return nil, err
	}

	var resp binanceOrder
	if err := b.signed(ctx, "submit", http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return nil, err
	}

	status := binanceStatuses.Translate(resp.Status, resp.ExecutedQty)
	if status == models.OrderStatusRejected {
		return nil, errors.NewVenueRejection(BinanceVenueName, "submit", resp.Status, "order rejected by exchange")
	}
	return &Ack{
		ExternalID:       binanceExternalID(symbol, resp.OrderID),
		VenueStatus:      resp.Status,
		Status:           status,
		FilledQuantity:   resp.ExecutedQty,
		AverageFillPrice: resp.averagePrice(),
	}, nil
}

// Cancel cancels an open order.
func (b *BinanceVenue) Cancel(ctx context.Context, externalID string) error {
	symbol, orderID, err := parseBinanceExternalID(externalID)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	return b.signed(ctx, "cancel", http.MethodDelete, "/api/v3/order", params, nil)
}

// FetchStatus queries the order and sums commission from its trades.
func (b *BinanceVenue) FetchStatus(ctx context.Context, externalID string) (*Status, error) {
	symbol, orderID, err := parseBinanceExternalID(externalID)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	var resp binanceOrder
	if err := b.signed(ctx, "fetch", http.MethodGet, "/api/v3/order", params, &resp); err != nil {
		return nil, err
	}

	st := &Status{
		ExternalID:         externalID,
		VenueStatus:        resp.Status,
		Status:             binanceStatuses.Translate(resp.Status, resp.ExecutedQty),
		FilledQuantity:     resp.ExecutedQty,
		AverageFillPrice:   resp.averagePrice(),
		CumulativeNotional: resp.CummulativeQuoteQty,
		UpdatedAt:          binanceTime(resp.UpdateTime),
	}

	if resp.ExecutedQty.IsPositive() {
		var fills []binanceFill
		if err := b.signed(ctx, "fetch", http.MethodGet, "/api/v3/myTrades", params, &fills); err != nil {
			return nil, err
		}
		quote, base := splitCommission(symbol, fills)
		st.Commission = quote
		if base.IsPositive() {
			if resp.Side == "BUY" {
				st.FeeQuantity = base
			} else {
				b.logger.Warn().
					Str("external_id", externalID).
					Str("fee", base.String()).
					Msg("base asset commission on a sell is not booked")
			}
		}
	}
	return st, nil
}

// Quote returns the latest ticker price.
func (b *BinanceVenue) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", NormalizeCryptoSymbol(symbol))

	var resp struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	if err := b.do(ctx, "quote", http.MethodGet, "/api/v3/ticker/price", params, false, &resp); err != nil {
		return decimal.Zero, err
	}
	if !resp.Price.IsPositive() {
		return decimal.Zero, errors.Wrapf(errors.ErrPriceUnavailable, "%s", symbol)
	}
	return resp.Price, nil
}

// Close releases idle connections.
func (b *BinanceVenue) Close() error {
	b.http.CloseIdleConnections()
	return nil
}

func (b *BinanceVenue) signed(ctx context.Context, op, method, path string, params url.Values, out interface{}) error {
	return b.do(ctx, op, method, path, params, true, out)
}

func (b *BinanceVenue) do(ctx context.Context, op, method, path string, params url.Values, sign bool, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	if sign {
		params.Set("recvWindow", strconv.FormatInt(b.recvWindow, 10))
		params.Set("timestamp", strconv.FormatInt(b.now().UnixMilli(), 10))
	}
	query := params.Encode()
	if sign {
		// The signature covers the query exactly as sent and goes last.
		query += "&signature=" + b.sign(query)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path+"?"+query, nil)
	if err != nil {
		return errors.NewVenueError(BinanceVenueName, op, err)
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	start := time.Now()
	resp, err := b.http.Do(req)
	if err != nil {
		logging.LogVenueCall(b.logger, BinanceVenueName, op, time.Since(start), err)
		ve := errors.NewVenueError(BinanceVenueName, op, err)
		// Transport failures are transient unless the caller gave up.
		ve.Transient = ve.Transient || ctx.Err() == nil
		return ve
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errors.VenueError{Venue: BinanceVenueName, Op: op, Transient: true, Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := binanceAPIError{}
		_ = json.Unmarshal(body, &apiErr)
		transient := resp.StatusCode >= http.StatusInternalServerError ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusTeapot
		ve := &errors.VenueError{
			Venue:     BinanceVenueName,
			Op:        op,
			Code:      strconv.Itoa(apiErr.Code),
			Message:   apiErr.Msg,
			Transient: transient,
		}
		if apiErr.Msg == "" {
			ve.Message = resp.Status
		}
		logging.LogVenueCall(b.logger, BinanceVenueName, op, time.Since(start), ve)
		return ve
	}
	logging.LogVenueCall(b.logger, BinanceVenueName, op, time.Since(start), nil)

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &errors.VenueError{Venue: BinanceVenueName, Op: op, Message: "malformed response", Err: err}
	}
	return nil
}

func (b *BinanceVenue) sign(payload string) string {
	mac := hmac.New(sha256.New, b.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func binanceOrderParams(order *models.Order, symbol string) (url.Values, error) {
	reject := func(msg string) (url.Values, error) {
		return nil, errors.NewVenueRejection(BinanceVenueName, "submit", "", msg)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("quantity", order.Quantity.String())
	params.Set("newClientOrderId", order.ID)
	params.Set("newOrderRespType", "FULL")

	switch order.Side {
	case models.OrderSideBuy:
		params.Set("side", "BUY")
	case models.OrderSideSell:
		params.Set("side", "SELL")
	default:
		return reject("unknown side " + string(order.Side))
	}

	withTIF := false
	switch order.Type {
	case models.OrderTypeMarket:
		params.Set("type", "MARKET")
	case models.OrderTypeLimit:
		params.Set("type", "LIMIT")
		params.Set("price", order.LimitPrice.String())
		withTIF = true
	case models.OrderTypeStop:
		params.Set("type", "STOP_LOSS")
		params.Set("stopPrice", order.StopPrice.String())
	case models.OrderTypeStopLimit:
		params.Set("type", "STOP_LOSS_LIMIT")
		params.Set("price", order.LimitPrice.String())
		params.Set("stopPrice", order.StopPrice.String())
		withTIF = true
	default:
		return reject("unknown order type " + string(order.Type))
	}

	if withTIF {
		switch order.TimeInForce {
		case models.TimeInForceDay, models.TimeInForceGTC, "":
			params.Set("timeInForce", "GTC")
		case models.TimeInForceIOC:
			params.Set("timeInForce", "IOC")
		case models.TimeInForceFOK:
			params.Set("timeInForce", "FOK")
		default:
			return reject("unknown time in force " + string(order.TimeInForce))
		}
	}
	return params, nil
}

// splitCommission sums commission charged in the quote asset and in the base
// asset. Binance takes a buy's fee out of the bought asset unless it is paid
// in BNB. Fees paid in other assets touch neither cash nor the position.
func splitCommission(symbol string, fills []binanceFill) (quote, base decimal.Decimal) {
	quote, base = decimal.Zero, decimal.Zero
	for _, f := range fills {
		switch {
		case f.CommissionAsset == "" || f.CommissionAsset == symbol:
		case strings.HasSuffix(symbol, f.CommissionAsset):
			quote = quote.Add(f.Commission)
		case strings.HasPrefix(symbol, f.CommissionAsset):
			base = base.Add(f.Commission)
		}
	}
	return quote, base
}

// binanceTime converts a millisecond timestamp, leaving zero for absent ones.
func binanceTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// NormalizeCryptoSymbol maps BTC/USDT, btc-usdt and BTCUSDT to BTCUSDT.
func NormalizeCryptoSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	return strings.ReplaceAll(s, "-", "")
}

func binanceExternalID(symbol string, orderID int64) string {
	return fmt.Sprintf("%s:%d", symbol, orderID)
}

func parseBinanceExternalID(externalID string) (symbol, orderID string, err error) {
	parts := strings.SplitN(externalID, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.NewVenueRejection(BinanceVenueName, "parse", "", "malformed external id "+externalID)
	}
	return parts[0], parts[1], nil
}
