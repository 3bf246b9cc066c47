package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	apperrors "kabu-trader/internal/errors"
	"kabu-trader/internal/models"
	"kabu-trader/internal/trading"
)

// scheduledLayouts are accepted by --scheduled-at, in the market zone.
var scheduledLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02T15:04"}

// parseScheduledAt reads an absolute start time; zone-less forms are
// taken in loc.
func parseScheduledAt(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range scheduledLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --scheduled-at %q (want YYYY-MM-DD HH:MM)", s)
}

// readSubmission accepts either a bare JSON array of legs or a full
// submission object.
func readSubmission(r io.Reader) (trading.Submission, error) {
	var sub trading.Submission
	data, err := io.ReadAll(r)
	if err != nil {
		return sub, fmt.Errorf("reading legs: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return sub, fmt.Errorf("legs file is empty")
	}

	if data[0] == '[' {
		err = json.Unmarshal(data, &sub.Legs)
	} else {
		err = json.Unmarshal(data, &sub)
	}
	if err != nil {
		return sub, fmt.Errorf("parsing legs: %w", err)
	}
	return sub, nil
}

func newSubmitCmd(app *App) *cobra.Command {
	var (
		file        string
		name        string
		scheduledAt string
		eodClose    string
		noForce     bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a batch of order legs",
		Long: `Submit a batch of order legs from a JSON file ("-" reads stdin).

The file holds either an array of legs or an object with "name", "legs",
"run_mode", "scheduled_at", "eod_close_time" and "eod_force_close".
Each leg carries symbol, exchange, product (cash|margin), side (buy|sell),
qty, entry_type (market|limit), entry_price, tp_offset and sl_offset.`,
		Example: `  kabu-trader submit --file legs.json
  kabu-trader submit --file legs.json --scheduled-at "2026-10-16 09:00"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			var in io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("opening legs file: %w", err)
				}
				defer f.Close()
				in = f
			}
			sub, err := readSubmission(in)
			if err != nil {
				return err
			}

			if name != "" {
				sub.Name = name
			}
			if scheduledAt != "" {
				at, err := parseScheduledAt(scheduledAt, app.Config.Location())
				if err != nil {
					return err
				}
				sub.RunMode = models.RunScheduled
				sub.ScheduledAt = &at
			}
			if eodClose != "" {
				sub.EODCloseTime = eodClose
			}
			if noForce {
				force := false
				sub.EODForceClose = &force
			}

			eng, err := app.engine()
			if err != nil {
				return err
			}
			job, err := eng.SubmitOrders(cmd.Context(), sub)
			if err != nil {
				var verrs apperrors.ValidationErrors
				if apperrors.As(err, &verrs) && !output.IsJSON() {
					output.Error("Submission rejected:")
					for _, v := range verrs {
						output.Printf("  - %s\n", v.Error())
					}
				}
				return err
			}

			if output.IsJSON() {
				return output.JSON(job)
			}
			output.Success("Batch %s created (job %d, %d legs)", job.Code, job.ID, len(sub.Legs))
			if job.ScheduledAt != nil {
				output.Dim("Starts at %s", FormatDateTime(*job.ScheduledAt))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "legs JSON file, or - for stdin")
	cmd.Flags().StringVar(&name, "name", "", "batch name")
	cmd.Flags().StringVar(&scheduledAt, "scheduled-at", "", "start time for a scheduled batch")
	cmd.Flags().StringVar(&eodClose, "eod-close", "", "end-of-day close time HH:MM")
	cmd.Flags().BoolVar(&noForce, "no-eod-force", false, "do not force-close open positions at end of day")
	cmd.MarkFlagRequired("file")
	return cmd
}

func parseItemArg(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid item id %q", arg)
	}
	return id, nil
}

func newCloseCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "close <item>",
		Short: "Cancel an item's exits and close it at market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			id, err := parseItemArg(args[0])
			if err != nil {
				return err
			}
			eng, err := app.engine()
			if err != nil {
				return err
			}
			if err := eng.ManualClose(cmd.Context(), id); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]int64{"item_id": id})
			}
			output.Success("Close order sent for item %d", id)
			return nil
		},
	}
}

func newCancelCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <item>",
		Short: "Cancel a scheduled item before its batch starts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			id, err := parseItemArg(args[0])
			if err != nil {
				return err
			}
			eng, err := app.engine()
			if err != nil {
				return err
			}
			if err := eng.CancelScheduled(cmd.Context(), id); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]int64{"item_id": id})
			}
			output.Success("Item %d cancelled", id)
			return nil
		},
	}
}

func newClearCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Cancel every item that has not started yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			eng, err := app.engine()
			if err != nil {
				return err
			}
			n, err := eng.ClearOrders(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]int{"cancelled": n})
			}
			if n == 0 {
				output.Dim("Nothing to clear")
				return nil
			}
			output.Success("Cleared %d pending item(s)", n)
			return nil
		},
	}
}
