package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"kabu-trader/internal/api"
	"kabu-trader/internal/notify"
)

func newServeCmd(app *App) *cobra.Command {
	var (
		noAPI bool
		bell  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker loop and the local HTTP bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := app.engine()
			if err != nil {
				return err
			}

			terminal := notify.NewTerminalNotifier(cmd.ErrOrStderr())
			terminal.SetColorEnabled(!color.NoColor)
			terminal.SetBellEnabled(bell)
			app.Notifier.AddChannel(terminal)

			logger := app.Logger.With().Str("component", "serve").Logger()
			logger.Info().
				Str("db", app.Config.Store.Path).
				Strs("channels", app.Notifier.Channels()).
				Msg("Starting engine")

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return eng.Run(gctx)
			})
			if app.Config.API.Enabled && !noAPI {
				srv := api.NewServer(eng, app.Config.API, app.Logger)
				g.Go(func() error {
					return srv.Run(gctx)
				})
			}

			err = g.Wait()
			if err != nil && err != context.Canceled {
				logger.Error().Err(err).Msg("Engine stopped with error")
				return err
			}
			logger.Info().Msg("Engine stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not start the HTTP bridge")
	cmd.Flags().BoolVar(&bell, "bell", false, "ring the terminal bell on new errors")
	return cmd
}
