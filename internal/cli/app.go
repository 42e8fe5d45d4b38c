package cli

import (
	"github.com/rs/zerolog"

	"tradedesk/internal/audit"
	"tradedesk/internal/broker"
	"tradedesk/internal/config"
	"tradedesk/internal/errors"
	"tradedesk/internal/store"
	"tradedesk/internal/stream"
	"tradedesk/internal/trading"
)

// App holds the application dependencies.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Store   *store.SQLiteStore
	Router  *broker.Router
	Hub     *stream.Hub
	Audit   *audit.Logger
	Service *trading.Service
}

// NewApp builds every component from cfg. Callers must Close the app.
func NewApp(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}

	venues, err := buildVenues(cfg, logger)
	if err != nil {
		return nil, err
	}
	app.Router = broker.NewRouter(cfg.RouteTable(), cfg.BreakerSettings(), logger, venues...)
	for _, v := range venues {
		if limiter := cfg.VenueRateLimiter(v.Name()); limiter != nil {
			_ = app.Router.Throttle(v.Name(), limiter)
		}
	}

	app.Store, err = store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		app.Close()
		return nil, errors.Wrap(err, "opening store")
	}
	logger.Debug().Str("path", cfg.Store.Path).Msg("SQLite store initialized")

	app.Audit, err = audit.NewLogger(cfg.AuditLogConfig())
	if err != nil {
		app.Close()
		return nil, errors.Wrap(err, "opening audit log")
	}

	app.Hub = stream.NewHub(logger)

	syncCfg := trading.DefaultSyncConfig()
	syncCfg.Interval = cfg.Sync.Interval
	syncCfg.Workers = cfg.Sync.Workers
	syncCfg.Retry = cfg.RetryConfig()

	app.Service = trading.NewService(trading.Deps{
		Store:     app.Store,
		Venues:    app.Router,
		Publisher: app.Hub,
		Audit:     app.Audit,
		Sync:      syncCfg,
		Logger:    logger,
	})
	return app, nil
}

// buildVenues creates the venues the route table needs. Live venues without
// credentials are skipped with a warning; their asset classes become
// unsupported.
func buildVenues(cfg *config.Config, logger zerolog.Logger) ([]broker.Venue, error) {
	needed := make(map[string]bool)
	for _, name := range cfg.RouteTable() {
		needed[name] = true
	}

	var venues []broker.Venue
	if needed[broker.PaperVenueName] {
		venues = append(venues, broker.NewPaperVenue(broker.PaperConfig{
			FeeRate: cfg.PaperFeeRate(),
			Prices:  cfg.PaperPrices(),
		}, logger))
		logger.Debug().Msg("paper venue initialized")
	}

	if needed[broker.ZerodhaVenueName] {
		z := cfg.Venues.Zerodha
		if z.APIKey == "" {
			logger.Warn().Msg("zerodha api key not set, equity routes disabled")
		} else {
			v, err := broker.NewZerodhaVenue(broker.ZerodhaConfig{
				APIKey:      z.APIKey,
				AccessToken: z.AccessToken,
				TokenPath:   z.TokenPath,
				Exchange:    z.Exchange,
				Product:     z.Product,
				BaseURI:     z.BaseURI,
				Timeout:     z.Timeout,
			}, logger)
			if err != nil {
				return nil, err
			}
			venues = append(venues, v)
			logger.Debug().Msg("Zerodha venue initialized")
		}
	}

	if needed[broker.BinanceVenueName] {
		b := cfg.Venues.Binance
		if b.APIKey == "" || b.SecretKey == "" {
			logger.Warn().Msg("binance keys not set, crypto routes disabled")
		} else {
			v, err := broker.NewBinanceVenue(broker.BinanceConfig{
				APIKey:     b.APIKey,
				SecretKey:  b.SecretKey,
				BaseURL:    b.BaseURL,
				RecvWindow: b.RecvWindow,
				Timeout:    b.Timeout,
			}, logger)
			if err != nil {
				return nil, err
			}
			venues = append(venues, v)
			logger.Debug().Msg("Binance venue initialized")
		}
	}
	return venues, nil
}

// Close releases the store, venue connections, hub and audit log.
func (a *App) Close() {
	if a.Hub != nil {
		a.Hub.Stop()
	}
	if a.Router != nil {
		if err := a.Router.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close venues")
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close store")
		}
	}
	if err := a.Audit.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("failed to close audit log")
	}
}
