package cli

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"kabu-trader/internal/broker"
	"kabu-trader/internal/security"
)

// parseQuotes reads SYMBOL=VALUE pairs.
func parseQuotes(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		sym, val, ok := strings.Cut(p, "=")
		sym = security.NormalizeSymbol(sym)
		if !ok || sym == "" || strings.TrimSpace(val) == "" {
			return nil, fmt.Errorf("expected SYMBOL=VALUE, got %q", p)
		}
		out[sym] = strings.TrimSpace(val)
	}
	return out, nil
}

func newPaperCmd(app *App) *cobra.Command {
	var (
		listen      string
		prefix      string
		password    string
		prices      []string
		names       []string
		manualFills bool
		walk        time.Duration
		walkStep    float64
	)

	cmd := &cobra.Command{
		Use:   "paper",
		Short: "Run a local simulated broker API",
		Long: `Run an in-memory broker that speaks the same REST API as the real
terminal, for rehearsing batches without a live account. Point the account
base URL at it, e.g. http://127.0.0.1:18080/kabusapi.

Marketable orders fill at the quoted price. With --walk, every quoted
price moves by up to --walk-step ticks at each interval so exits trigger.`,
		Example: `  kabu-trader paper --price 7203=2500 --price 6758=3100 --walk 2s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			logger := app.Logger.With().Str("component", "paper").Logger()

			quoted, err := parseQuotes(prices)
			if err != nil {
				return err
			}
			labels, err := parseQuotes(names)
			if err != nil {
				return err
			}

			paper := broker.NewPaperServer(broker.PaperConfig{
				Password:    password,
				Prefix:      prefix,
				ManualFills: manualFills,
			})
			for sym, name := range labels {
				paper.SetSymbol(sym, name)
			}
			current := make(map[string]decimal.Decimal, len(quoted))
			for sym, raw := range quoted {
				p, err := decimal.NewFromString(raw)
				if err != nil || !p.IsPositive() {
					return fmt.Errorf("invalid price for %s: %q", sym, raw)
				}
				paper.SetPrice(sym, p)
				current[sym] = p
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if walk > 0 && len(current) > 0 {
				go randomWalk(ctx, paper, current, walk, walkStep)
			}

			srv := &http.Server{
				Addr:              listen,
				Handler:           paper.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe()
			}()

			if !output.IsJSON() {
				output.Success("Paper broker listening on http://%s%s", listen, prefix)
				output.Dim("%d symbol(s) quoted; Ctrl+C to stop", len(current))
			}
			logger.Info().Str("listen", listen).Str("prefix", prefix).Bool("manual_fills", manualFills).Msg("Paper broker started")

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			logger.Info().Int("orders", len(paper.Received())).Msg("Paper broker stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:18080", "listen address")
	cmd.Flags().StringVar(&prefix, "prefix", "/kabusapi", "API path prefix")
	cmd.Flags().StringVar(&password, "password", "", "accepted API password (empty accepts any)")
	cmd.Flags().StringArrayVar(&prices, "price", nil, "initial quote, SYMBOL=PRICE (repeatable)")
	cmd.Flags().StringArrayVar(&names, "name", nil, "symbol name, SYMBOL=NAME (repeatable)")
	cmd.Flags().BoolVar(&manualFills, "manual-fills", false, "never fill orders automatically")
	cmd.Flags().DurationVar(&walk, "walk", 0, "move quoted prices at this interval (0 disables)")
	cmd.Flags().Float64Var(&walkStep, "walk-step", 3, "largest price move per interval")
	return cmd
}

// randomWalk nudges every quoted price until ctx ends. Prices stay at 1
// or above.
func randomWalk(ctx context.Context, paper *broker.PaperServer, prices map[string]decimal.Decimal, every time.Duration, step float64) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	one := decimal.NewFromInt(1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for sym, p := range prices {
				move := decimal.NewFromFloat((rng.Float64()*2 - 1) * step).Round(0)
				next := p.Add(move)
				if next.LessThan(one) {
					next = one
				}
				prices[sym] = next
				paper.SetPrice(sym, next)
			}
		}
	}
}
