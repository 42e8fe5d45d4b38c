package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"tradedesk/internal/audit"
	"tradedesk/internal/errors"
	"tradedesk/internal/models"
	"tradedesk/internal/store"
	"tradedesk/internal/trading"
	"tradedesk/pkg/utils"
)

const commandTimeout = 30 * time.Second

// commandContext bounds a command and tags the audit events it causes with
// a request ID.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := audit.WithRequestID(cmd.Context(), uuid.NewString())
	return context.WithTimeout(ctx, commandTimeout)
}

// orderIDArg rejects arguments that cannot be order IDs, such as a venue's
// external ID pasted by mistake.
func orderIDArg(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if !utils.IsOrderID(id) {
		return "", errors.Wrapf(errors.ErrOrderNotFound, "%q is not an order id", raw)
	}
	return id, nil
}

func newOrderCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Place, cancel and inspect orders",
	}
	cmd.AddCommand(newOrderPlaceCmd(app))
	cmd.AddCommand(newOrderCancelCmd(app))
	cmd.AddCommand(newOrderGetCmd(app))
	cmd.AddCommand(newOrderListCmd(app))
	return cmd
}

func newOrderPlaceCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "place <buy|sell> <symbol> <quantity>",
		Short: "Place an order",
		Long: `Validate an order against the account, record it and submit it to the
venue routed for its asset class.

Market orders need an indicative price from the venue. Limit and stop-limit
orders fall back to their limit price when no quote is available.`,
		Example: `  tradedesk order place buy INFY 10 --account alice
  tradedesk order place sell BTCUSDT 0.01 --account alice --class crypto --type limit --limit 65000
  tradedesk order place buy TCS 5 --account alice --type stop_limit --stop 3400 --limit 3410 --tif gtc`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			qty, err := decimal.NewFromString(args[2])
			if err != nil {
				output.Error("Invalid quantity: %s", args[2])
				return fmt.Errorf("invalid quantity %q: %w", args[2], err)
			}

			account, _ := cmd.Flags().GetString("account")
			class, _ := cmd.Flags().GetString("class")
			orderType, _ := cmd.Flags().GetString("type")
			tif, _ := cmd.Flags().GetString("tif")

			req := trading.OrderRequest{
				AccountID:   account,
				Symbol:      args[1],
				AssetClass:  models.ParseAssetClass(class),
				Side:        models.ParseOrderSide(args[0]),
				Type:        models.ParseOrderType(orderType),
				Quantity:    qty,
				TimeInForce: models.ParseTimeInForce(tif),
			}
			if req.LimitPrice, err = decimalFlag(cmd, "limit"); err != nil {
				return err
			}
			if req.StopPrice, err = decimalFlag(cmd, "stop"); err != nil {
				return err
			}

			if app.Config.IsPaperMode() && !output.IsJSON() {
				output.Warning("PAPER TRADING MODE")
			}

			order, err := app.Service.PlaceOrder(ctx, req)
			if err != nil {
				if order != nil {
					output.Error("Order %s rejected: %v", order.ID, err)
				} else {
					output.Error("Order failed: %v", err)
				}
				return err
			}

			if output.IsJSON() {
				return output.JSON(order)
			}
			output.Success("✓ Order placed")
			printOrder(output, order)
			output.Println()
			output.Dim("Use 'tradedesk order get %s' to refresh its status", order.ID)
			return nil
		},
	}

	cmd.Flags().StringP("account", "a", "", "Account ID")
	cmd.Flags().StringP("class", "c", string(models.AssetStock), "Asset class (stock, etf, crypto)")
	cmd.Flags().StringP("type", "t", string(models.OrderTypeMarket), "Order type (market, limit, stop, stop_limit)")
	cmd.Flags().String("limit", "", "Limit price")
	cmd.Flags().String("stop", "", "Stop price")
	cmd.Flags().String("tif", string(models.TimeInForceDay), "Time in force (day, gtc, ioc, fok)")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func decimalFlag(cmd *cobra.Command, name string) (decimal.Decimal, error) {
	raw, _ := cmd.Flags().GetString(name)
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --%s %q: %w", name, raw, err)
	}
	return d, nil
}

func newOrderCancelCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel an order",
		Long: `Cancel an order locally and at its venue. The local cancel stands even
when the venue cannot be reached; fills the venue reports afterwards are
still booked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			id, err := orderIDArg(args[0])
			if err != nil {
				output.Error("Cancel failed: %v", err)
				return err
			}
			order, err := app.Service.CancelOrder(ctx, id)
			if order == nil {
				output.Error("Cancel failed: %v", err)
				return err
			}

			if output.IsJSON() {
				if jerr := output.JSON(order); jerr != nil {
					return jerr
				}
				return err
			}
			if err != nil {
				output.Warning("Order cancelled locally, venue cancel failed: %v", err)
				printOrder(output, order)
				return err
			}
			output.Success("✓ Order cancelled")
			printOrder(output, order)
			return nil
		},
	}
}

func newOrderGetCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "get <order-id>",
		Short: "Show an order, refreshed from its venue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			id, err := orderIDArg(args[0])
			if err != nil {
				output.Error("Failed to get order: %v", err)
				return err
			}
			order, err := app.Service.GetOrder(ctx, id)
			if err != nil {
				output.Error("Failed to get order: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(order)
			}
			printOrder(output, order)
			return nil
		},
	}
}

func newOrderListCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			account, _ := cmd.Flags().GetString("account")
			symbol, _ := cmd.Flags().GetString("symbol")
			statuses, _ := cmd.Flags().GetStringSlice("status")
			limit, _ := cmd.Flags().GetInt("limit")

			filter := store.OrderFilter{AccountID: account, Symbol: symbol, Limit: limit}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, models.OrderStatus(strings.ToLower(strings.TrimSpace(s))))
			}

			orders, err := app.Service.ListOrders(ctx, filter)
			if err != nil {
				output.Error("Failed to list orders: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(orders)
			}
			if len(orders) == 0 {
				output.Dim("No orders")
				return nil
			}

			table := NewTable(output, "ID", "ACCOUNT", "SYMBOL", "SIDE", "TYPE", "FILLED", "AVG PRICE", "STATUS", "CREATED")
			for i := range orders {
				o := &orders[i]
				table.AddRow(
					ShortID(o.ID),
					o.AccountID,
					o.Symbol,
					output.FormatSide(o.Side),
					string(o.Type),
					FormatFill(o),
					FormatPrice(o.AverageFillPrice),
					output.FormatStatus(o.Status),
					FormatTime(o.CreatedAt),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringP("account", "a", "", "Filter by account")
	cmd.Flags().StringP("symbol", "s", "", "Filter by symbol")
	cmd.Flags().StringSlice("status", nil, "Filter by status (repeatable)")
	cmd.Flags().IntP("limit", "n", store.DefaultListLimit, "Maximum orders to show")
	return cmd
}

func newTradesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List executions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			account, _ := cmd.Flags().GetString("account")
			symbol, _ := cmd.Flags().GetString("symbol")
			orderID, _ := cmd.Flags().GetString("order")
			limit, _ := cmd.Flags().GetInt("limit")

			trades, err := app.Service.Trades(ctx, store.TradeFilter{
				AccountID: account,
				OrderID:   orderID,
				Symbol:    symbol,
				Limit:     limit,
			})
			if err != nil {
				output.Error("Failed to list trades: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(trades)
			}
			if len(trades) == 0 {
				output.Dim("No trades")
				return nil
			}

			table := NewTable(output, "TRADE", "ORDER", "SYMBOL", "SIDE", "QTY", "PRICE", "VALUE", "FEES", "EXECUTED")
			for _, t := range trades {
				table.AddRow(
					ShortID(t.ID),
					ShortID(t.OrderID),
					t.Symbol,
					output.FormatSide(t.Side),
					utils.FormatQuantity(t.Quantity),
					utils.FormatMoney(t.Price),
					utils.FormatMoney(t.TotalValue),
					utils.FormatMoney(t.Commission),
					FormatTime(t.ExecutedAt),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringP("account", "a", "", "Filter by account")
	cmd.Flags().StringP("symbol", "s", "", "Filter by symbol")
	cmd.Flags().String("order", "", "Filter by order ID")
	cmd.Flags().IntP("limit", "n", store.DefaultListLimit, "Maximum trades to show")
	return cmd
}

func printOrder(output *Output, o *models.Order) {
	output.Printf("  Order ID:    %s\n", o.ID)
	output.Printf("  Account:     %s\n", o.AccountID)
	output.Printf("  Symbol:      %s (%s)\n", o.Symbol, o.AssetClass)
	output.Printf("  Side:        %s\n", output.FormatSide(o.Side))
	output.Printf("  Type:        %s %s\n", o.Type, strings.ToUpper(string(o.TimeInForce)))
	if o.LimitPrice.IsPositive() {
		output.Printf("  Limit:       %s\n", utils.FormatMoney(o.LimitPrice))
	}
	if o.StopPrice.IsPositive() {
		output.Printf("  Stop:        %s\n", utils.FormatMoney(o.StopPrice))
	}
	output.Printf("  Filled:      %s @ %s\n", FormatFill(o), FormatPrice(o.AverageFillPrice))
	if o.Commission.IsPositive() {
		output.Printf("  Commission:  %s\n", utils.FormatMoney(o.Commission))
	}
	output.Printf("  Status:      %s\n", output.FormatStatus(o.Status))
	if o.Venue != "" {
		output.Printf("  Venue:       %s %s\n", o.Venue, output.DimText(o.ExternalID))
	}
	if o.RejectionReason != "" {
		output.Printf("  Reason:      %s\n", output.Red(o.RejectionReason))
	}
	if o.Status == models.OrderStatusCancelled && !o.CancelConfirmed {
		output.Printf("  %s\n", output.Yellow("awaiting venue confirmation"))
	}
	output.Printf("  Created:     %s\n", FormatTime(o.CreatedAt))
}
