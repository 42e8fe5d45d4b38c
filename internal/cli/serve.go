package cli

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"tradedesk/internal/stream"
	"tradedesk/pkg/utils"
)

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep open orders in sync with their venues",
		Long: `Run the synchronizer until interrupted. Every interval it polls the venues
for orders that may still change, books new fills into positions and
portfolios and publishes the resulting events.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app.Hub.Start(ctx)
			events := app.Hub.Subscribe(stream.AllAccounts)
			done := make(chan struct{})
			go func() {
				defer close(done)
				printEvents(ctx, output, events)
			}()

			if !output.IsJSON() {
				output.Info("Syncing every %s with %d workers (Ctrl+C to stop)", app.Config.Sync.Interval, app.Config.Sync.Workers)
				if app.Config.IsPaperMode() {
					output.Warning("PAPER TRADING MODE")
				}
			}

			err := app.Service.Synchronizer().Run(ctx)
			app.Hub.Unsubscribe(stream.AllAccounts, events)
			<-done

			if breakers := app.Router.Stats(); len(breakers) > 0 && !output.IsJSON() {
				output.Println()
				output.Bold("Venue breakers")
				for _, b := range breakers {
					output.Printf("  %-10s %-10s requests=%d failures=%d\n", b.Name, b.State, b.TotalRequests, b.TotalFailures)
				}
			}
			return err
		},
	}
	return cmd
}

// printEvents writes hub events until the channel closes or ctx ends.
func printEvents(ctx context.Context, output *Output, events <-chan stream.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if output.IsJSON() {
				_ = output.JSON(ev)
				continue
			}
			output.Printf("%s %s %s %s\n", output.DimText(FormatTime(ev.Timestamp)), output.Cyan(string(ev.Type)), ev.AccountID, describeEvent(ev))
		}
	}
}

func describeEvent(ev stream.Event) string {
	switch {
	case ev.Order != nil:
		return ShortID(ev.Order.OrderID) + " " + strings.ToUpper(string(ev.Order.Status)) + " filled=" + utils.FormatQuantity(ev.Order.FilledQuantity)
	case ev.Position != nil:
		return ev.Position.Symbol + " qty=" + utils.FormatQuantity(ev.Position.Quantity) + " avg=" + utils.FormatMoney(ev.Position.AvgPrice)
	case ev.Portfolio != nil:
		return "cash=" + utils.FormatMoney(ev.Portfolio.CashBalance) + " pnl=" + utils.FormatPnL(ev.Portfolio.PnL)
	}
	return ""
}

func newSyncCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [order-id]",
		Short: "Sync one order, or every open order once",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if len(args) == 1 {
				id, err := orderIDArg(args[0])
				if err != nil {
					output.Error("Sync failed: %v", err)
					return err
				}
				res, err := app.Service.Synchronizer().SyncOrder(ctx, id)
				if err != nil {
					output.Error("Sync failed: %v", err)
					return err
				}
				if output.IsJSON() {
					return output.JSON(res)
				}
				if res.Changed {
					output.Success("✓ Order updated, %d new fill(s)", len(res.Fills))
				} else {
					output.Dim("No change")
				}
				printOrder(output, res.Order)
				return nil
			}

			stats, err := app.Service.Synchronizer().SyncAll(ctx)
			if err != nil {
				output.Error("Sync failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(stats)
			}
			output.Printf("  Checked: %d\n", stats.Checked)
			output.Printf("  Updated: %d\n", stats.Updated)
			output.Printf("  Trades:  %d\n", stats.Trades)
			if stats.Failed > 0 {
				output.Printf("  Failed:  %s\n", output.Red(strconv.Itoa(stats.Failed)))
			}
			return nil
		},
	}
}
