// Package units converts between decimal strings and fixed-point integers.
package units

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseUnits parses a decimal string into an integer scaled by
// 10^decimals. "1.5" with 8 decimals is 150000000. Digits beyond the
// allowed precision are an error rather than silently truncated.
func ParseUnits(s string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("negative decimals %d", decimals)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > decimals {
		return nil, fmt.Errorf("%q has more than %d decimals", s, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	n, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || strings.ContainsAny(whole+frac, "+-") {
		return nil, fmt.Errorf("%q is not a decimal number", s)
	}
	if neg {
		n.Neg(n)
	}
	return n, nil
}

// FormatUnits renders n scaled down by 10^decimals, without trailing zeros.
func FormatUnits(n *big.Int, decimals int) string {
	if n == nil {
		return "0"
	}
	abs := new(big.Int).Abs(n)
	digits := abs.String()
	sign := ""
	if n.Sign() < 0 {
		sign = "-"
	}
	if decimals <= 0 {
		return sign + digits
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	if frac == "" {
		return sign + whole
	}
	return sign + whole + "." + frac
}
