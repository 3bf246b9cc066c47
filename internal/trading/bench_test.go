package trading

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"kabu-trader/internal/config"
	"kabu-trader/internal/models"
)

// BenchmarkTick_Steady measures a pass over bracketed items that have
// nothing left to do but watch their exits.
func BenchmarkTick_Steady(b *testing.B) {
	for _, n := range []int{5, 25} {
		b.Run(fmt.Sprintf("items=%d", n), func(b *testing.B) {
			h := newHarness(b, config.EngineConfig{}, nil)
			ctx := context.Background()

			legs := make([]models.OrderLeg, n)
			for i := range legs {
				sym := fmt.Sprintf("%04d", 1301+i)
				h.paper.SetPrice(sym, decimal.NewFromInt(1000))
				legs[i] = leg(sym, models.ProductCash, models.SideBuy, 100)
			}
			if _, err := h.engine.SubmitOrders(ctx, Submission{Legs: legs}); err != nil {
				b.Fatalf("SubmitOrders: %v", err)
			}
			for i := 0; i < 3; i++ {
				if _, err := h.engine.Tick(ctx); err != nil {
					b.Fatalf("Tick: %v", err)
				}
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				report, err := h.engine.Tick(ctx)
				if err != nil {
					b.Fatalf("Tick: %v", err)
				}
				if report.Failed() {
					b.Fatalf("tick failed: %+v", report.Steps)
				}
			}
		})
	}
}
