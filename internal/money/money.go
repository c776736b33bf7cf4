// Package money converts integer minor-unit amounts for display.
// Settlement arithmetic never leaves int64 minor units.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimal lists ISO 4217 currencies without a minor unit.
var zeroDecimal = map[string]bool{
	"JPY": true, "KRW": true, "VND": true, "CLP": true, "ISK": true, "UGX": true, "XAF": true, "XOF": true,
}

// Exponent returns the number of minor-unit digits for currency.
func Exponent(currency string) int32 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// Decimal converts minor units to a decimal major-unit amount.
func Decimal(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -Exponent(currency))
}

// Format renders minor units as "12.34 USD".
func Format(minor int64, currency string) string {
	exp := Exponent(currency)
	return Decimal(minor, currency).StringFixed(exp) + " " + strings.ToUpper(currency)
}

// ParseMinor converts a major-unit string ("12.34") to minor units.
// Amounts with more precision than the currency allows are rejected.
func ParseMinor(major, currency string) (int64, bool) {
	d, err := decimal.NewFromString(major)
	if err != nil {
		return 0, false
	}
	scaled := d.Shift(Exponent(currency))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, false
	}
	return scaled.IntPart(), true
}
