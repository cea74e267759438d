package main

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// usdcDecimals is the number of fractional digits carried by the settlement
// token. All persisted and planned amounts are integer base units.
const usdcDecimals = 6

var usdcUnit = int64(1_000_000)

// parseUSDC converts a decimal amount string such as "19.80" into integer
// base units. At most six fractional digits are accepted and negative
// amounts are rejected.
func parseUSDC(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("amount required")
	}
	if strings.HasPrefix(trimmed, "-") {
		return 0, fmt.Errorf("amount must not be negative")
	}
	wholePart := trimmed
	fracPart := ""
	if idx := strings.IndexByte(trimmed, '.'); idx >= 0 {
		wholePart = trimmed[:idx]
		fracPart = trimmed[idx+1:]
	}
	if wholePart == "" {
		wholePart = "0"
	}
	if len(fracPart) > usdcDecimals {
		return 0, fmt.Errorf("amount %q exceeds %d decimal places", value, usdcDecimals)
	}
	// Digits only: ParseInt alone would admit a leading "+".
	if !isDigits(wholePart) || (fracPart != "" && !isDigits(fracPart)) {
		return 0, fmt.Errorf("invalid amount %q", value)
	}
	whole, err := strconv.ParseInt(wholePart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	frac := int64(0)
	if fracPart != "" {
		frac, err = strconv.ParseInt(fracPart+strings.Repeat("0", usdcDecimals-len(fracPart)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q: %w", value, err)
		}
	}
	if whole > (1<<62)/usdcUnit {
		return 0, fmt.Errorf("amount %q out of range", value)
	}
	return whole*usdcUnit + frac, nil
}

// formatUSDC renders base units back into a decimal string with at least two
// and at most six fractional digits.
func formatUSDC(units int64) string {
	sign := ""
	if units < 0 {
		sign = "-"
		units = -units
	}
	frac := strconv.FormatInt(units%usdcUnit, 10)
	frac = strings.Repeat("0", usdcDecimals-len(frac)) + frac
	for len(frac) > 2 && frac[len(frac)-1] == '0' {
		frac = frac[:len(frac)-1]
	}
	return fmt.Sprintf("%s%d.%s", sign, units/usdcUnit, frac)
}

func formatUSDCBig(units *big.Int) string {
	if units == nil {
		return "0.00"
	}
	return formatUSDC(units.Int64())
}

func bigUSDC(units int64) *big.Int {
	return big.NewInt(units)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
