package trading

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradedesk/internal/errors"
	"tradedesk/internal/models"
	"tradedesk/internal/store"
)

// Validator approves or rejects order requests against account state.
// It never writes.
type Validator struct {
	prices   PriceSource
	supports func(models.AssetClass) bool
	logger   zerolog.Logger
}

// NewValidator creates a validator. supports reports whether an asset
// class has a routed venue.
func NewValidator(prices PriceSource, supports func(models.AssetClass) bool, logger zerolog.Logger) *Validator {
	return &Validator{
		prices:   prices,
		supports: supports,
		logger:   logger.With().Str("component", "validator").Logger(),
	}
}

// Validate checks req against the account's portfolio and positions read
// through tx. Failures are *errors.ValidationError.
func (v *Validator) Validate(ctx context.Context, tx store.Tx, req *OrderRequest) error {
	if err := v.checkFields(req); err != nil {
		return err
	}

	switch req.Side {
	case models.OrderSideBuy:
		return v.checkBuyingPower(ctx, tx, req)
	case models.OrderSideSell:
		return v.checkPosition(ctx, tx, req)
	}
	return nil
}

func (v *Validator) checkFields(req *OrderRequest) error {
	if req.AccountID == "" {
		return errors.NewValidationError(errors.ErrInvalidOrder, "account_id", req.AccountID, "account is required")
	}
	if req.Symbol == "" {
		return errors.NewValidationError(errors.ErrInvalidOrder, "symbol", req.Symbol, "symbol is required")
	}
	if !req.Side.Valid() {
		return errors.NewValidationError(errors.ErrInvalidOrder, "side", req.Side, "side must be buy or sell")
	}
	if !req.Type.Valid() {
		return errors.NewValidationError(errors.ErrInvalidOrder, "type", req.Type, "unknown order type")
	}
	if !req.TimeInForce.Valid() {
		return errors.NewValidationError(errors.ErrInvalidOrder, "time_in_force", req.TimeInForce, "unknown time in force")
	}
	if !req.Quantity.IsPositive() {
		return errors.NewValidationError(errors.ErrInvalidOrder, "quantity", req.Quantity, "quantity must be positive")
	}

	if !req.AssetClass.Valid() || v.supports == nil || !v.supports(req.AssetClass) {
		return errors.NewValidationError(errors.ErrUnsupportedAssetType, "asset_class", req.AssetClass, "no venue handles this asset class")
	}

	if req.Type.NeedsLimitPrice() && !req.LimitPrice.IsPositive() {
		return errors.NewValidationError(errors.ErrMissingPriceParameter, "limit_price", req.LimitPrice,
			string(req.Type)+" orders require a positive limit price")
	}
	if req.Type.NeedsStopPrice() && !req.StopPrice.IsPositive() {
		return errors.NewValidationError(errors.ErrMissingPriceParameter, "stop_price", req.StopPrice,
			string(req.Type)+" orders require a positive stop price")
	}
	return nil
}

func (v *Validator) checkBuyingPower(ctx context.Context, tx store.Tx, req *OrderRequest) error {
	portfolio, err := tx.GetPortfolio(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, errors.ErrPortfolioNotFound) {
			return errors.NewValidationError(errors.ErrPortfolioNotFound, "account_id", req.AccountID, "account has no portfolio")
		}
		return err
	}

	price, err := v.referencePrice(ctx, req)
	if err != nil {
		return err
	}

	required := req.Quantity.Mul(price)
	if required.GreaterThan(portfolio.CashBalance) {
		return errors.NewValidationError(errors.ErrInsufficientBuyingPower, "quantity", req.Quantity,
			"order value "+required.String()+" exceeds cash balance "+portfolio.CashBalance.String())
	}
	return nil
}

// referencePrice is the indicative price, falling back to the limit price
// when the market-data source has nothing for the symbol.
func (v *Validator) referencePrice(ctx context.Context, req *OrderRequest) (decimal.Decimal, error) {
	price, err := v.prices.IndicativePrice(ctx, req.Symbol, req.AssetClass)
	if err == nil && price.IsPositive() {
		return price, nil
	}
	if req.Type.NeedsLimitPrice() {
		v.logger.Debug().Err(err).Str("symbol", req.Symbol).Msg("no indicative price, using limit price")
		return req.LimitPrice, nil
	}
	msg := "no indicative price available"
	if err != nil {
		msg = err.Error()
	}
	return decimal.Zero, errors.NewValidationError(errors.ErrPriceUnavailable, "symbol", req.Symbol, msg)
}

func (v *Validator) checkPosition(ctx context.Context, tx store.Tx, req *OrderRequest) error {
	pos, err := tx.GetPosition(ctx, req.AccountID, req.Symbol, req.AssetClass)
	if err != nil {
		if errors.Is(err, errors.ErrPositionNotFound) {
			return errors.NewValidationError(errors.ErrInsufficientPosition, "symbol", req.Symbol, "no open position")
		}
		return err
	}
	if !pos.IsOpen() || pos.Quantity.LessThan(req.Quantity) {
		return errors.NewValidationError(errors.ErrInsufficientPosition, "quantity", req.Quantity,
			"position holds "+pos.Quantity.String())
	}
	return nil
}
