// Package cli provides the command-line interface for the order desk.
package cli

import (
	"github.com/spf13/cobra"

	"tradedesk/internal/config"
	"tradedesk/internal/logging"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-06-01"
)

// skipApp marks commands that run without config, store or venues.
const skipApp = "skip-app"

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	cmd, _ := newRootCmd()
	return cmd
}

// newRootCmd also returns the App the commands share. Dependencies are built
// once flags are parsed.
func newRootCmd() (*cobra.Command, *App) {
	app := &App{}

	rootCmd := &cobra.Command{
		Use:   "tradedesk",
		Short: "Order desk for equities and crypto",
		Long: `tradedesk places orders with Zerodha (equities, ETFs) and Binance (crypto),
keeps the order ledger in SQLite and reconciles venue fills into positions
and portfolios.

Run 'tradedesk serve' to keep orders in sync in the background.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipApp] == "true" {
				return nil
			}

			configDir, _ := cmd.Flags().GetString("config")
			if configDir == "" {
				configDir = config.DefaultConfigDir()
			}
			cfg, err := config.Load(configDir)
			if err != nil {
				return err
			}

			logCfg := cfg.LogConfig()
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logCfg.Level = "debug"
			}
			logger := logging.NewLoggerWithConfig(logCfg)

			built, err := NewApp(cfg, logger)
			if err != nil {
				return err
			}
			*app = *built
			logger.Debug().Str("mode", cfg.Trading.Mode).Str("config_dir", configDir).Msg("application initialized")
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/tradedesk)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newSyncCmd(app))
	rootCmd.AddCommand(newOrderCmd(app))
	rootCmd.AddCommand(newTradesCmd(app))
	rootCmd.AddCommand(newAccountCmd(app))
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newPortfolioCmd(app))

	return rootCmd, app
}

// Execute runs the root command and releases whatever it built.
func Execute() error {
	rootCmd, app := newRootCmd()
	defer func() {
		if app.Service != nil {
			app.Close()
		}
	}()
	return rootCmd.Execute()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipApp: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("tradedesk v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}
