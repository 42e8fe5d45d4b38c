package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"tradedesk/internal/errors"
	"tradedesk/internal/logging"
	"tradedesk/internal/models"
)

// ZerodhaVenueName is the router name of the Kite Connect adapter.
const ZerodhaVenueName = "zerodha"

// kiteStatuses is the exhaustive Kite order status map.
var kiteStatuses = StatusMap{
	"OPEN":                      models.OrderStatusSubmitted,
	"TRIGGER PENDING":           models.OrderStatusSubmitted,
	"AMO REQ RECEIVED":          models.OrderStatusSubmitted,
	"OPEN PENDING":              models.OrderStatusSubmitted,
	"VALIDATION PENDING":        models.OrderStatusSubmitted,
	"PUT ORDER REQ RECEIVED":    models.OrderStatusSubmitted,
	"MODIFY PENDING":            models.OrderStatusSubmitted,
	"MODIFY VALIDATION PENDING": models.OrderStatusSubmitted,
	"MODIFIED":                  models.OrderStatusSubmitted,
	"CANCEL PENDING":            models.OrderStatusSubmitted,
	"COMPLETE":                  models.OrderStatusFilled,
	"CANCELLED":                 models.OrderStatusCancelled,
	"REJECTED":                  models.OrderStatusRejected,
}

// ZerodhaVenue routes equity and ETF orders to Zerodha through Kite Connect.
type ZerodhaVenue struct {
	client   *kiteconnect.Client
	exchange string
	product  string
	logger   zerolog.Logger
}

// ZerodhaConfig holds configuration for the Zerodha venue.
type ZerodhaConfig struct {
	APIKey      string
	AccessToken string
	// TokenPath is read for a saved session when AccessToken is empty.
	TokenPath string
	Exchange  string
	Product   string
	BaseURI   string
	Timeout   time.Duration
}

// sessionData represents persisted session data.
type sessionData struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// NewZerodhaVenue creates a Kite Connect adapter.
func NewZerodhaVenue(cfg ZerodhaConfig, logger zerolog.Logger) (*ZerodhaVenue, error) {
	if cfg.APIKey == "" {
		return nil, errors.Wrap(errors.ErrConfigInvalid, "zerodha api key is required")
	}

	token := cfg.AccessToken
	if token == "" && cfg.TokenPath != "" {
		s, err := loadSession(cfg.TokenPath)
		if err != nil {
			return nil, err
		}
		token = s.AccessToken
	}
	if token == "" {
		return nil, errors.Wrap(errors.ErrConfigInvalid, "zerodha access token is required")
	}

	client := kiteconnect.New(cfg.APIKey)
	client.SetAccessToken(token)
	if cfg.BaseURI != "" {
		client.SetBaseURI(cfg.BaseURI)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client.SetHTTPClient(&http.Client{Timeout: timeout})

	exchange := cfg.Exchange
	if exchange == "" {
		exchange = kiteconnect.ExchangeNSE
	}
	product := cfg.Product
	if product == "" {
		product = kiteconnect.ProductCNC
	}

	return &ZerodhaVenue{
		client:   client,
		exchange: exchange,
		product:  product,
		logger:   logging.WithVenue(logger, ZerodhaVenueName),
	}, nil
}

func loadSession(path string) (*sessionData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read zerodha session: %w", err)
	}
	var s sessionData
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse zerodha session: %w", err)
	}
	if !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt) {
		return nil, errors.Wrap(errors.ErrConfigInvalid, "zerodha session expired")
	}
	return &s, nil
}

// Name implements Venue.
func (z *ZerodhaVenue) Name() string { return ZerodhaVenueName }

// Submit places a regular order.
func (z *ZerodhaVenue) Submit(ctx context.Context, order *models.Order) (*Ack, error) {
	params, err := z.orderParams(order)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewVenueError(ZerodhaVenueName, "submit", err)
	}

	start := time.Now()
	resp, err := z.client.PlaceOrder(kiteconnect.VarietyRegular, params)
	logging.LogVenueCall(z.logger, ZerodhaVenueName, "submit", time.Since(start), err)
	if err != nil {
		return nil, classifyKiteError("submit", err)
	}

	// Kite acknowledges with an ID only; fills arrive through FetchStatus.
	return &Ack{
		ExternalID:  resp.OrderID,
		VenueStatus: "PUT ORDER REQ RECEIVED",
		Status:      models.OrderStatusSubmitted,
	}, nil
}

// Cancel cancels a regular order.
func (z *ZerodhaVenue) Cancel(ctx context.Context, externalID string) error {
	if err := ctx.Err(); err != nil {
		return errors.NewVenueError(ZerodhaVenueName, "cancel", err)
	}
	start := time.Now()
	_, err := z.client.CancelOrder(kiteconnect.VarietyRegular, externalID, nil)
	logging.LogVenueCall(z.logger, ZerodhaVenueName, "cancel", time.Since(start), err)
	if err != nil {
		return classifyKiteError("cancel", err)
	}
	return nil
}

// FetchStatus reads the latest entry of the order's history.
func (z *ZerodhaVenue) FetchStatus(ctx context.Context, externalID string) (*Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewVenueError(ZerodhaVenueName, "fetch", err)
	}
	start := time.Now()
	history, err := z.client.GetOrderHistory(externalID)
	logging.LogVenueCall(z.logger, ZerodhaVenueName, "fetch", time.Since(start), err)
	if err != nil {
		return nil, classifyKiteError("fetch", err)
	}
	if len(history) == 0 {
		return nil, errors.NewVenueRejection(ZerodhaVenueName, "fetch", "", "empty order history for "+externalID)
	}

	latest := history[len(history)-1]
	filled := decimal.NewFromFloat(latest.FilledQuantity)
	return &Status{
		ExternalID:       externalID,
		VenueStatus:      latest.Status,
		Status:           kiteStatuses.Translate(latest.Status, filled),
		FilledQuantity:   filled,
		AverageFillPrice: decimal.NewFromFloat(latest.AveragePrice),
		UpdatedAt:        latest.OrderTimestamp.Time,
	}, nil
}

// Quote returns the last traded price.
func (z *ZerodhaVenue) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, errors.NewVenueError(ZerodhaVenueName, "quote", err)
	}
	instrument := z.instrument(symbol)
	quotes, err := z.client.GetQuote(instrument)
	if err != nil {
		return decimal.Zero, classifyKiteError("quote", err)
	}
	q, ok := quotes[instrument]
	if !ok || q.LastPrice <= 0 {
		return decimal.Zero, errors.Wrapf(errors.ErrPriceUnavailable, "%s", instrument)
	}
	return decimal.NewFromFloat(q.LastPrice), nil
}

func (z *ZerodhaVenue) instrument(symbol string) string {
	if strings.Contains(symbol, ":") {
		return symbol
	}
	return z.exchange + ":" + symbol
}

func (z *ZerodhaVenue) orderParams(order *models.Order) (kiteconnect.OrderParams, error) {
	reject := func(msg string) (kiteconnect.OrderParams, error) {
		return kiteconnect.OrderParams{}, errors.NewVenueRejection(ZerodhaVenueName, "submit", "", msg)
	}

	if !order.Quantity.IsInteger() {
		return reject("fractional quantity not supported: " + order.Quantity.String())
	}

	params := kiteconnect.OrderParams{
		Exchange:      z.exchange,
		Tradingsymbol: order.Symbol,
		Product:       z.product,
		Quantity:      int(order.Quantity.IntPart()),
		Tag:           kiteTag(order.ID),
	}

	switch order.Side {
	case models.OrderSideBuy:
		params.TransactionType = kiteconnect.TransactionTypeBuy
	case models.OrderSideSell:
		params.TransactionType = kiteconnect.TransactionTypeSell
	default:
		return reject("unknown side " + string(order.Side))
	}

	switch order.Type {
	case models.OrderTypeMarket:
		params.OrderType = kiteconnect.OrderTypeMarket
	case models.OrderTypeLimit:
		params.OrderType = kiteconnect.OrderTypeLimit
		params.Price, _ = order.LimitPrice.Float64()
	case models.OrderTypeStop:
		params.OrderType = kiteconnect.OrderTypeSLM
		params.TriggerPrice, _ = order.StopPrice.Float64()
	case models.OrderTypeStopLimit:
		params.OrderType = kiteconnect.OrderTypeSL
		params.Price, _ = order.LimitPrice.Float64()
		params.TriggerPrice, _ = order.StopPrice.Float64()
	default:
		return reject("unknown order type " + string(order.Type))
	}

	switch order.TimeInForce {
	case models.TimeInForceDay, "":
		params.Validity = kiteconnect.ValidityDay
	case models.TimeInForceIOC:
		params.Validity = kiteconnect.ValidityIOC
	default:
		return reject("time in force " + string(order.TimeInForce) + " not supported")
	}

	return params, nil
}

// kiteTag fits an order ID into Kite's 20 character tag.
func kiteTag(id string) string {
	tag := strings.ReplaceAll(id, "-", "")
	if len(tag) > 20 {
		tag = tag[:20]
	}
	return tag
}

func classifyKiteError(op string, err error) *errors.VenueError {
	var kerr kiteconnect.Error
	if errors.As(err, &kerr) {
		ve := &errors.VenueError{
			Venue:   ZerodhaVenueName,
			Op:      op,
			Code:    kerr.ErrorType,
			Message: kerr.Message,
		}
		switch {
		case kerr.ErrorType == kiteconnect.NetworkError,
			kerr.ErrorType == kiteconnect.DataError,
			kerr.Code == http.StatusTooManyRequests,
			kerr.Code >= http.StatusInternalServerError:
			ve.Transient = true
		}
		return ve
	}
	return errors.NewVenueError(ZerodhaVenueName, op, err)
}
