// Package core provides the entity types shared by the storage worker and
// its clients, plus money parsing and formatting.
//
// Amounts are kept as integer minor units (cents) everywhere: in the store,
// on the wire and in memory. Decimal strings only appear at the edges
// (CLI flags, import files) and go through ParseDecimalToCents.
package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ParseDecimalToCents converts a decimal string to cents with proper rounding.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators and an
// optional leading minus sign for refunds, and performs half-up rounding
// (away from zero) on the third decimal place. Zero is a valid amount.
//
// Examples:
//
//	ParseDecimalToCents("12.34")  -> 1234, nil
//	ParseDecimalToCents("12,34")  -> 1234, nil
//	ParseDecimalToCents("12.345") -> 1235, nil
//	ParseDecimalToCents("-0.5")   -> -50, nil
func ParseDecimalToCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	negative := false
	if strings.HasPrefix(s, "-") {
		negative = true
		s = s[1:]
	}
	if s == "" || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidAmount
	}
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if intPart == "" {
		intPart = "0"
	}
	for _, r := range intPart + fracPart {
		if !unicode.IsDigit(r) {
			return 0, ErrInvalidAmount
		}
	}
	iv, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	// Prevent overflow when multiplying by 100
	const maxSafeInt64 = (1<<63 - 1) / 100
	if iv > maxSafeInt64-1 {
		return 0, ErrInvalidAmount
	}
	var fracCents int64
	if len(fracPart) > 0 {
		fracCents = int64(fracPart[0]-'0') * 10
		if len(fracPart) > 1 {
			fracCents += int64(fracPart[1] - '0')
			if len(fracPart) > 2 && fracPart[2] >= '5' {
				fracCents++
			}
		}
	}
	cents := iv*100 + fracCents
	if negative {
		cents = -cents
	}
	return cents, nil
}

// String formats the amount with two decimals, e.g. "12.34" or "-0.50".
func (m Money) String() string {
	sign := ""
	c := m.Cents
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

// Major returns the value in major units for display purposes only.
// Use cents for calculations to avoid floating-point precision issues.
func (m Money) Major() float64 {
	return float64(m.Cents) / 100.0
}

// MarshalJSON encodes the amount as a bare integer of minor units.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Cents)
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var cents int64
	if err := json.Unmarshal(data, &cents); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	m.Cents = cents
	return nil
}
