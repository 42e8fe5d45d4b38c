package broker

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradedesk/internal/errors"
	"tradedesk/internal/models"
	"tradedesk/internal/resilience"
)

// DefaultRoutes sends equities and ETFs to the broker and crypto to the
// exchange.
func DefaultRoutes() map[models.AssetClass]string {
	return map[models.AssetClass]string{
		models.AssetStock:  ZerodhaVenueName,
		models.AssetETF:    ZerodhaVenueName,
		models.AssetCrypto: BinanceVenueName,
	}
}

// Router selects a venue per asset class. Every venue it hands out is
// wrapped in its own circuit breaker.
type Router struct {
	venues map[string]*guardedVenue
	routes map[models.AssetClass]string
	logger zerolog.Logger
}

// NewRouter builds a router over venues. Routes naming a venue that was not
// supplied are dropped, so their asset classes become unsupported.
func NewRouter(routes map[models.AssetClass]string, breaker resilience.CircuitBreakerConfig, logger zerolog.Logger, venues ...Venue) *Router {
	r := &Router{
		venues: make(map[string]*guardedVenue, len(venues)),
		routes: make(map[models.AssetClass]string, len(routes)),
		logger: logger,
	}
	for _, v := range venues {
		r.venues[v.Name()] = &guardedVenue{
			inner:   v,
			breaker: resilience.NewCircuitBreaker(v.Name(), breaker, logger),
		}
	}
	for class, name := range routes {
		if _, ok := r.venues[name]; !ok {
			logger.Warn().Str("asset_class", string(class)).Str("venue", name).Msg("route names an unconfigured venue")
			continue
		}
		r.routes[class] = name
	}
	return r
}

// Route returns the venue that trades assetClass.
func (r *Router) Route(assetClass models.AssetClass) (Venue, error) {
	name, ok := r.routes[assetClass]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnsupportedAssetType, "no venue for %q", assetClass)
	}
	return r.venues[name], nil
}

// Supports reports whether any venue trades assetClass.
func (r *Router) Supports(assetClass models.AssetClass) bool {
	_, ok := r.routes[assetClass]
	return ok
}

// Venue returns a venue by name.
func (r *Router) Venue(name string) (Venue, error) {
	v, ok := r.venues[name]
	if !ok {
		return nil, errors.Wrapf(errors.ErrVenueUnavailable, "venue %q not configured", name)
	}
	return v, nil
}

// IndicativePrice asks the routed venue for a quote.
func (r *Router) IndicativePrice(ctx context.Context, symbol string, assetClass models.AssetClass) (decimal.Decimal, error) {
	v, err := r.Route(assetClass)
	if err != nil {
		return decimal.Zero, err
	}
	return v.(*guardedVenue).Quote(ctx, symbol)
}

// Throttle limits calls to the named venue. A nil limiter removes the limit.
func (r *Router) Throttle(name string, limiter *resilience.RateLimiter) error {
	v, ok := r.venues[name]
	if !ok {
		return errors.Wrapf(errors.ErrVenueUnavailable, "venue %q not configured", name)
	}
	v.limiter = limiter
	return nil
}

// Stats returns breaker statistics for every venue, ordered by name.
func (r *Router) Stats() []resilience.CircuitBreakerStats {
	stats := make([]resilience.CircuitBreakerStats, 0, len(r.venues))
	for _, v := range r.venues {
		stats = append(stats, v.breaker.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Close releases venue connections.
func (r *Router) Close() error {
	var first error
	for name, v := range r.venues {
		c, ok := v.inner.(Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			r.logger.Error().Err(err).Str("venue", name).Msg("failed to close venue")
			if first == nil {
				first = fmt.Errorf("close %s: %w", name, err)
			}
		}
	}
	return first
}

type guardedVenue struct {
	inner   Venue
	breaker *resilience.CircuitBreaker
	limiter *resilience.RateLimiter
}

func (g *guardedVenue) wait(ctx context.Context, op string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return errors.NewVenueError(g.inner.Name(), op, err)
	}
	return nil
}

func (g *guardedVenue) Name() string { return g.inner.Name() }

func (g *guardedVenue) Submit(ctx context.Context, order *models.Order) (*Ack, error) {
	if err := g.wait(ctx, "submit"); err != nil {
		return nil, err
	}
	ack, err := resilience.ExecuteWithResult(g.breaker, ctx, func(ctx context.Context) (*Ack, error) {
		return g.inner.Submit(ctx, order)
	})
	return ack, g.wrap("submit", err)
}

func (g *guardedVenue) Cancel(ctx context.Context, externalID string) error {
	if err := g.wait(ctx, "cancel"); err != nil {
		return err
	}
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.Cancel(ctx, externalID)
	})
	return g.wrap("cancel", err)
}

func (g *guardedVenue) FetchStatus(ctx context.Context, externalID string) (*Status, error) {
	if err := g.wait(ctx, "fetch"); err != nil {
		return nil, err
	}
	st, err := resilience.ExecuteWithResult(g.breaker, ctx, func(ctx context.Context) (*Status, error) {
		return g.inner.FetchStatus(ctx, externalID)
	})
	return st, g.wrap("fetch", err)
}

func (g *guardedVenue) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q, ok := g.inner.(Quoter)
	if !ok {
		return decimal.Zero, errors.Wrapf(errors.ErrPriceUnavailable, "%s does not quote", g.inner.Name())
	}
	if err := g.wait(ctx, "quote"); err != nil {
		return decimal.Zero, err
	}
	return resilience.ExecuteWithResult(g.breaker, ctx, func(ctx context.Context) (decimal.Decimal, error) {
		return q.Quote(ctx, symbol)
	})
}

// wrap turns breaker refusals into transient venue errors so callers see a
// single error type from every venue call.
func (g *guardedVenue) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *errors.VenueError
	if errors.As(err, &ve) {
		return err
	}
	return errors.NewVenueError(g.inner.Name(), op, err)
}
