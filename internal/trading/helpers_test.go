package trading

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/broker"
	"tradedesk/internal/errors"
	"tradedesk/internal/models"
	"tradedesk/internal/resilience"
	"tradedesk/internal/store"
	"tradedesk/internal/stream"
	"tradedesk/pkg/utils"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// scriptedVenue reports whatever the test tells it to.
type scriptedVenue struct {
	mu        sync.Mutex
	n         int
	statuses  map[string]*broker.Status
	prices    map[string]decimal.Decimal
	submitErr error
	cancelErr error
	// fillOnSubmit fills market orders at the quoted price on submission.
	fillOnSubmit bool
	fetches      int
	cancels      int
}

func newScriptedVenue() *scriptedVenue {
	return &scriptedVenue{
		statuses: make(map[string]*broker.Status),
		prices:   make(map[string]decimal.Decimal),
	}
}

func (v *scriptedVenue) Name() string { return "scripted" }

func (v *scriptedVenue) Submit(ctx context.Context, o *models.Order) (*broker.Ack, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.submitErr != nil {
		return nil, v.submitErr
	}
	v.n++
	id := fmt.Sprintf("EXT-%d", v.n)
	st := &broker.Status{ExternalID: id, VenueStatus: "NEW", Status: models.OrderStatusSubmitted}
	if px, ok := v.prices[o.Symbol]; ok && v.fillOnSubmit && o.Type == models.OrderTypeMarket {
		st.VenueStatus = "FILLED"
		st.Status = models.OrderStatusFilled
		st.FilledQuantity = o.Quantity
		st.AverageFillPrice = px
	}
	v.statuses[id] = st
	return &broker.Ack{
		ExternalID:       id,
		VenueStatus:      st.VenueStatus,
		Status:           st.Status,
		FilledQuantity:   st.FilledQuantity,
		AverageFillPrice: st.AverageFillPrice,
	}, nil
}

func (v *scriptedVenue) Cancel(ctx context.Context, externalID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancels++
	return v.cancelErr
}

func (v *scriptedVenue) FetchStatus(ctx context.Context, externalID string) (*broker.Status, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fetches++
	st, ok := v.statuses[externalID]
	if !ok {
		return nil, errors.NewVenueRejection("scripted", "fetch", "", "unknown order "+externalID)
	}
	cp := *st
	return &cp, nil
}

func (v *scriptedVenue) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	px, ok := v.prices[symbol]
	if !ok {
		return decimal.Zero, errors.Wrapf(errors.ErrPriceUnavailable, "%s", symbol)
	}
	return px, nil
}

func (v *scriptedVenue) setPrice(symbol, price string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[symbol] = d(price)
}

// report sets the cumulative venue view of an order.
func (v *scriptedVenue) report(externalID string, status models.OrderStatus, filled, avg, commission string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.statuses[externalID] = &broker.Status{
		ExternalID:       externalID,
		VenueStatus:      string(status),
		Status:           status,
		FilledQuantity:   d(filled),
		AverageFillPrice: d(avg),
		Commission:       d(commission),
		UpdatedAt:        time.Now().UTC(),
	}
}

// reportNotional is report for venues that publish the cumulative notional.
// The average is rounded the way such venues round it.
func (v *scriptedVenue) reportNotional(externalID string, status models.OrderStatus, filled, notional, commission string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.statuses[externalID] = &broker.Status{
		ExternalID:         externalID,
		VenueStatus:        string(status),
		Status:             status,
		FilledQuantity:     d(filled),
		AverageFillPrice:   d(notional).DivRound(d(filled), 8),
		CumulativeNotional: d(notional),
		Commission:         d(commission),
		UpdatedAt:          time.Now().UTC(),
	}
}

func (v *scriptedVenue) fetchCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fetches
}

// recorder is a Publisher that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) Publish(ev stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(t stream.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	t      *testing.T
	store  *store.SQLiteStore
	venue  *scriptedVenue
	router *broker.Router
	svc    *Service
	events *recorder
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tradedesk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testSyncConfig() SyncConfig {
	return SyncConfig{
		Interval: 10 * time.Millisecond,
		Workers:  2,
		Retry:    utils.RetryConfig{MaxAttempts: 1, ShouldRetry: errors.IsTransient},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := newTestStore(t)
	venue := newScriptedVenue()
	router := broker.NewRouter(map[models.AssetClass]string{
		models.AssetStock:  venue.Name(),
		models.AssetETF:    venue.Name(),
		models.AssetCrypto: venue.Name(),
	}, resilience.CircuitBreakerConfig{
		FailureThreshold: 100,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		IsFailure:        errors.IsTransient,
	}, zerolog.Nop(), venue)

	events := &recorder{}
	svc := NewService(Deps{
		Store:     st,
		Venues:    router,
		Publisher: events,
		Sync:      testSyncConfig(),
		Logger:    zerolog.Nop(),
	})
	return &harness{t: t, store: st, venue: venue, router: router, svc: svc, events: events}
}

func (h *harness) openAccount(id, cash string) {
	h.t.Helper()
	_, err := h.svc.OpenAccount(context.Background(), id, d(cash))
	require.NoError(h.t, err)
}

func (h *harness) order(id string) *models.Order {
	h.t.Helper()
	var o *models.Order
	require.NoError(h.t, h.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		o, err = tx.GetOrder(context.Background(), id)
		return err
	}))
	return o
}

func (h *harness) portfolio(account string) *models.Portfolio {
	h.t.Helper()
	var p *models.Portfolio
	require.NoError(h.t, h.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		p, err = tx.GetPortfolio(context.Background(), account)
		return err
	}))
	return p
}

func (h *harness) position(account, symbol string) *models.Position {
	h.t.Helper()
	var p *models.Position
	require.NoError(h.t, h.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		p, err = tx.GetPosition(context.Background(), account, symbol, models.AssetStock)
		return err
	}))
	return p
}

func (h *harness) trades(orderID string) []models.Trade {
	h.t.Helper()
	var trades []models.Trade
	require.NoError(h.t, h.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		trades, err = tx.ListTrades(context.Background(), store.TradeFilter{OrderID: orderID})
		return err
	}))
	return trades
}

func (h *harness) orderCount(account string) int {
	h.t.Helper()
	orders, err := h.svc.ListOrders(context.Background(), store.OrderFilter{AccountID: account, Limit: store.MaxListLimit})
	require.NoError(h.t, err)
	return len(orders)
}

func marketBuy(account, symbol, qty string) OrderRequest {
	return OrderRequest{
		AccountID:  account,
		Symbol:     symbol,
		AssetClass: models.AssetStock,
		Side:       models.OrderSideBuy,
		Type:       models.OrderTypeMarket,
		Quantity:   d(qty),
	}
}

func marketSell(account, symbol, qty string) OrderRequest {
	req := marketBuy(account, symbol, qty)
	req.Side = models.OrderSideSell
	return req
}

// placeResting places a market order that the scripted venue leaves open.
func (h *harness) placeResting(req OrderRequest) *models.Order {
	h.t.Helper()
	o, err := h.svc.PlaceOrder(context.Background(), req)
	require.NoError(h.t, err)
	require.Equal(h.t, models.OrderStatusSubmitted, o.Status)
	return o
}
