// Package cli provides the command-line interface for the engine.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"kabu-trader/internal/broker"
	"kabu-trader/internal/config"
	"kabu-trader/internal/logging"
	"kabu-trader/internal/notify"
	"kabu-trader/internal/security"
	"kabu-trader/internal/store"
	"kabu-trader/internal/trading"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-15"
)

// App holds the application dependencies. Everything past Config and
// Logger is opened on first use so that commands like version and
// paper work without a database.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Store    *store.SQLiteStore
	Broker   *broker.Client
	Audit    *security.AuditLogger
	Notifier *notify.MultiNotifier
	Engine   *trading.Engine
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "kabu-trader",
		Short: "Bracket order engine for the kabu station API",
		Long: `kabu-trader submits batches of equity orders to a kabu station
compatible broker and manages each one until it is flat: entry, take-profit
and stop-loss (OCO), end-of-day close, and batch finalisation.

Run 'kabu-trader serve' to start the worker loop and the local HTTP bridge.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/kabu-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newAccountCmd(app))
	rootCmd.AddCommand(newSubmitCmd(app))
	rootCmd.AddCommand(newCloseCmd(app))
	rootCmd.AddCommand(newCancelCmd(app))
	rootCmd.AddCommand(newClearCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newLookupCmd(app))
	rootCmd.AddCommand(newEventsCmd(app))
	rootCmd.AddCommand(newTickCmd(app))
	rootCmd.AddCommand(newPaperCmd(app))

	return rootCmd
}

// load reads the configuration and sets up logging.
func (a *App) load(cmd *cobra.Command) error {
	dir, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	a.Config = cfg

	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Logging.Level = "debug"
	}
	// One-shot commands keep stdout clean for their own output.
	if cmd.Name() != "serve" && cmd.Name() != "paper" {
		cfg.Logging.Console = false
	}
	a.Logger = logging.NewLoggerWithConfig(cfg.Logging)
	return nil
}

// engine opens the store, broker client and engine once.
func (a *App) engine() (*trading.Engine, error) {
	if a.Engine != nil {
		return a.Engine, nil
	}
	cfg := a.Config

	if cfg.Security.AuditEnabled {
		audit, err := security.NewAuditLogger(security.DefaultAuditConfig(cfg.Security.AuditPath))
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Audit log unavailable")
		} else {
			a.Audit = audit
		}
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path, store.Options{
		RetryAttempts:     cfg.Store.RetryAttempts,
		RetryInitialDelay: cfg.Store.RetryInitialDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.Store = st

	a.Broker = broker.NewClient(broker.Config{
		Timeout:            cfg.Broker.Timeout,
		RatePerSecond:      cfg.Broker.RatePerSecond,
		Burst:              cfg.Broker.Burst,
		BreakerMaxFailures: cfg.Broker.BreakerMaxFailures,
		BreakerTimeout:     cfg.Broker.BreakerTimeout,
	}, a.Logger, a.Audit)

	a.Notifier = notify.NewMultiNotifier(cfg.Notifications)
	a.Notifier.AddChannel(notify.NewLogNotifier(a.Logger))

	eng, err := trading.New(trading.Options{
		Store:    a.Store,
		Broker:   a.Broker,
		Cipher:   security.NewPasswordCipher(cfg.Security.MasterPassword),
		Audit:    a.Audit,
		Notifier: a.Notifier,
		Hub:      notify.NewHub(0),
		Logger:   a.Logger,
		Config:   cfg.Engine,
		Location: cfg.Location(),
	})
	if err != nil {
		return nil, err
	}
	a.Engine = eng
	return eng, nil
}

// Close releases whatever engine() opened.
func (a *App) Close() error {
	var firstErr error
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			firstErr = err
		}
		a.Store = nil
	}
	if a.Audit != nil {
		if err := a.Audit.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.Audit = nil
	}
	a.Engine = nil
	return firstErr
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("kabu-trader v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			shown := *app.Config
			shown.Security.MasterPassword = security.MaskCredential(shown.Security.MasterPassword)
			if output.IsJSON() {
				return output.JSON(shown)
			}
			showConfig(output, &shown)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			if output.IsJSON() {
				output.JSON(map[string]string{"path": dir})
			} else {
				output.Println(dir)
			}
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Engine")
	output.Printf("  Interval:        %s\n", cfg.Engine.Interval)
	output.Printf("  EOD close:       %s (force=%v)\n", cfg.Engine.EODCloseTime, cfg.Engine.EODForceClose)
	output.Printf("  Timezone:        %s\n", cfg.Engine.Timezone)
	output.Println()

	output.Bold("Broker")
	output.Printf("  Base URL:        %s\n", cfg.Broker.BaseURL)
	output.Printf("  Timeout:         %s\n", cfg.Broker.Timeout)
	output.Printf("  Rate limit:      %.1f/s burst %d\n", cfg.Broker.RatePerSecond, cfg.Broker.Burst)
	output.Println()

	output.Bold("Storage")
	output.Printf("  Database:        %s\n", cfg.Store.Path)
	output.Printf("  Log file:        %s\n", cfg.Logging.FilePath)
	output.Println()

	output.Bold("Bridge")
	output.Printf("  Enabled:         %v\n", cfg.API.Enabled)
	output.Printf("  Listen:          %s\n", cfg.API.Listen)
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:         %v\n", cfg.Notifications.Enabled)
	output.Printf("  Level:           %s\n", cfg.Notifications.Level)
	output.Printf("  Webhook:         %v\n", cfg.Notifications.Webhook.Enabled)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
