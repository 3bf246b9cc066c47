package cli

import (
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"kabu-trader/internal/models"
	"kabu-trader/internal/notify"
	"kabu-trader/internal/security"
	"kabu-trader/pkg/utils"
)

func newStatusCmd(app *App) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show every item with its order legs",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			eng, err := app.engine()
			if err != nil {
				return err
			}
			update, err := eng.Status(cmd.Context())
			if err != nil {
				return err
			}
			if !all {
				update.Cards = activeCards(update.Cards)
			}
			if output.IsJSON() {
				return output.JSON(update)
			}
			renderStatus(output, update)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include closed and cancelled items")
	return cmd
}

// activeCards drops items that are finished without error.
func activeCards(cards []notify.Card) []notify.Card {
	out := cards[:0:0]
	for _, c := range cards {
		if c.Status == models.ItemClosed || c.Status == models.ItemCancelled {
			continue
		}
		out = append(out, c)
	}
	return out
}

func renderStatus(output *Output, update notify.StatusUpdate) {
	if len(update.Cards) == 0 {
		output.Dim("No items")
		return
	}
	table := NewTable(output, cardHeaders...)
	notional := decimal.Zero
	for _, c := range update.Cards {
		table.AddRow(cardRow(output, c)...)
		notional = notional.Add(c.Notional)
	}
	table.Render()
	output.Println()
	output.Dim("%d item(s), filled notional %s", len(update.Cards), utils.FormatYen(notional))
	if update.Message != "" {
		output.Dim("Last tick: %s", update.Message)
	}
	for _, feed := range update.Stale {
		output.Warning("Broker data is stale: %s", feed)
	}
}

func newLookupCmd(app *App) *cobra.Command {
	var exchange string

	cmd := &cobra.Command{
		Use:   "lookup <code>",
		Short: "Look up a symbol's name and last price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ex, err := models.ParseExchange(exchange)
			if err != nil {
				return err
			}
			code := security.NormalizeSymbol(args[0])
			if err := security.ValidateSymbol(code); err != nil {
				return err
			}
			eng, err := app.engine()
			if err != nil {
				return err
			}
			info, err := eng.LookupSymbol(cmd.Context(), code, ex)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(info)
			}
			price := "-"
			if info.HasPrice {
				price = utils.FormatYen(info.Price)
			}
			output.Printf("%s  %s  %s\n", FormatSymbol(info.Code, info.Exchange), info.Name, price)
			return nil
		},
	}

	cmd.Flags().StringVarP(&exchange, "exchange", "x", "", "exchange code or name (default SOR)")
	return cmd
}

func newEventsCmd(app *App) *cobra.Command {
	var (
		jobID int64
		limit int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the event log, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			eng, err := app.engine()
			if err != nil {
				return err
			}
			events, err := eng.Events(cmd.Context(), jobID, limit)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(events)
			}
			if len(events) == 0 {
				output.Dim("No events")
				return nil
			}
			table := NewTable(output, "TIME", "JOB", "LEVEL", "TYPE", "MESSAGE")
			for _, ev := range events {
				level := string(ev.Level)
				switch ev.Level {
				case models.LevelError:
					level = output.ColoredString(ColorRed, level)
				case models.LevelWarn:
					level = output.ColoredString(ColorYellow, level)
				}
				table.AddRow(FormatDateTime(ev.CreatedAt.In(app.Config.Location())), utils.FormatQuantity(int(ev.JobID)), level, ev.Type, ev.Message)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().Int64Var(&jobID, "job", 0, "only events of this job")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum events")
	return cmd
}

func newTickCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one pass of the worker pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			eng, err := app.engine()
			if err != nil {
				return err
			}
			// Errors already on record stay quiet on this pass.
			if err := eng.Prime(cmd.Context()); err != nil {
				app.Logger.Warn().Err(err).Msg("Failed to prime error tracker")
			}
			report, err := eng.Tick(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(report)
			}
			for _, s := range report.Steps {
				if s.Err != "" {
					output.Error("%-10s %s  %s", s.Name, FormatDuration(s.Duration), s.Err)
					continue
				}
				output.Printf("%-10s %s\n", s.Name, FormatDuration(s.Duration))
			}
			if report.Toast != "" {
				output.Warning("%s", report.Toast)
			}
			return nil
		},
	}
}
