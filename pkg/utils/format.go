package utils

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatYen formats an amount with thousands separators and the yen sign.
func FormatYen(amount decimal.Decimal) string {
	negative := amount.IsNegative()
	s := amount.Abs().StringFixed(0)
	if amount.Abs().Sub(amount.Abs().Truncate(0)).IsPositive() {
		s = amount.Abs().StringFixed(1)
	}
	intPart, frac, _ := strings.Cut(s, ".")
	result := "¥" + groupThousands(intPart)
	if frac != "" {
		result += "." + frac
	}
	if negative {
		result = "-" + result
	}
	return result
}

func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	var b strings.Builder
	head := n % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatPrice renders a price without trailing zeros, or "-" when unset.
func FormatPrice(p decimal.Decimal) string {
	if p.IsZero() {
		return "-"
	}
	return p.String()
}

// FormatQuantity formats a share count.
func FormatQuantity(qty int) string {
	return groupThousands(fmt.Sprintf("%d", qty))
}
