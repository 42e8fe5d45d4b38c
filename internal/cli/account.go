package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"tradedesk/internal/models"
	"tradedesk/pkg/utils"
)

func newAccountCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
	}

	open := &cobra.Command{
		Use:   "open <account-id>",
		Short: "Open an account with starting cash",
		Example: `  tradedesk account open alice --cash 100000
  tradedesk account open bob   # uses venues.paper.initial_cash`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			cash := app.Config.InitialCash()
			if raw, _ := cmd.Flags().GetString("cash"); raw != "" {
				var err error
				if cash, err = decimal.NewFromString(raw); err != nil {
					output.Error("Invalid cash amount: %s", raw)
					return fmt.Errorf("invalid cash %q: %w", raw, err)
				}
			}

			portfolio, err := app.Service.OpenAccount(ctx, args[0], cash)
			if err != nil {
				output.Error("Failed to open account: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(portfolio)
			}
			output.Success("✓ Account %s opened with %s", portfolio.AccountID, utils.FormatMoney(portfolio.CashBalance))
			return nil
		},
	}
	open.Flags().String("cash", "", "Starting cash (default from config)")
	cmd.AddCommand(open)

	return cmd
}

func newPositionsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "positions <account-id>",
		Short: "Show open positions at current prices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			class, _ := cmd.Flags().GetString("class")
			symbol, _ := cmd.Flags().GetString("symbol")
			if symbol != "" {
				position, err := app.Service.Position(ctx, args[0], symbol, models.ParseAssetClass(class))
				if err != nil {
					output.Error("Failed to get position: %v", err)
					return err
				}
				if output.IsJSON() {
					return output.JSON(position)
				}
				renderPositions(output, []models.PositionView{*position})
				return nil
			}

			positions, err := app.Service.Positions(ctx, args[0], models.ParseAssetClass(class))
			if err != nil {
				output.Error("Failed to get positions: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(positions)
			}
			if len(positions) == 0 {
				output.Dim("No open positions")
				return nil
			}
			renderPositions(output, positions)
			return nil
		},
	}
	cmd.Flags().StringP("class", "c", "", "Filter by asset class (stock, etf, crypto)")
	cmd.Flags().StringP("symbol", "s", "", "Show a single position")
	return cmd
}

func renderPositions(output *Output, positions []models.PositionView) {
	table := NewTable(output, "SYMBOL", "CLASS", "QTY", "AVG PRICE", "LTP", "VALUE", "P&L", "P&L %")
	stale := false
	for _, p := range positions {
		ltp := utils.FormatMoney(p.CurrentPrice)
		if p.Stale {
			ltp += "*"
			stale = true
		}
		table.AddRow(
			p.Symbol,
			string(p.AssetClass),
			utils.FormatQuantity(p.Quantity),
			utils.FormatMoney(p.AverageEntryPrice),
			ltp,
			utils.FormatMoney(p.MarketValue),
			output.PnL(p.UnrealizedPnL),
			output.Percent(p.UnrealizedPnLPercent),
		)
	}
	table.Render()
	if stale {
		output.Dim("* no market price, valued at entry price")
	}
}

func newPortfolioCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "portfolio <account-id>",
		Short: "Show cash, equity and P&L",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			p, err := app.Service.Portfolio(ctx, args[0])
			if err != nil {
				output.Error("Failed to get portfolio: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(p)
			}

			output.Bold("Portfolio %s", p.AccountID)
			output.Printf("  Cash:            %s\n", utils.FormatMoney(p.CashBalance))
			output.Printf("  Buying Power:    %s\n", utils.FormatMoney(p.BuyingPower))
			output.Printf("  Equity (cost):   %s\n", utils.FormatMoney(p.TotalEquity))
			output.Printf("  Equity (market): %s\n", utils.FormatMoney(p.MarketEquity))
			output.Printf("  Realized P&L:    %s\n", output.PnL(p.RealizedPnL))
			output.Printf("  Unrealized P&L:  %s\n", output.PnL(p.UnrealizedPnL))
			output.Printf("  Day P&L:         %s %s\n", output.PnL(p.DayPnL), output.DimText(p.DayPnLDate))
			output.Printf("  Total P&L:       %s\n", output.PnL(p.TotalPnL))
			output.Println()

			if len(p.Positions) == 0 {
				output.Dim("No open positions")
				return nil
			}
			renderPositions(output, p.Positions)
			return nil
		},
	}
}
