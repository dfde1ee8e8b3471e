// Package money holds the decimal arithmetic for escrow amounts: bounds,
// currency precision, minor-unit conversion and the platform fee split.
//
// Amounts are shopspring decimals in currency units (dollars, not cents).
// Processor APIs take integer minor units; ToMinorUnits converts exactly
// and refuses values that would lose precision.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
)

// DefaultCurrency is used when a request leaves the currency empty.
const DefaultCurrency = "USD"

var (
	// MinAmount and MaxAmount bound a single escrow, inclusive.
	MinAmount = decimal.NewFromInt(1)
	MaxAmount = decimal.NewFromInt(10000)

	// DefaultFeeRate is the platform's cut of a released escrow.
	DefaultFeeRate = decimal.RequireFromString("0.05")
)

// exponents maps ISO 4217 codes to the number of minor-unit digits.
// Only currencies the processor settles in are listed.
var exponents = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"CAD": 2,
	"AUD": 2,
	"CHF": 2,
	"SEK": 2,
	"NZD": 2,
	"SGD": 2,
	"JPY": 0,
	"KRW": 0,
}

// NormalizeCurrency upper-cases code, applies the default for an empty
// value and rejects codes without a known minor unit.
func NormalizeCurrency(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" {
		c = DefaultCurrency
	}
	if _, ok := exponents[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, code)
	}
	return c, nil
}

// Exponent returns the minor-unit digits of a currency.
func Exponent(currency string) (int32, error) {
	exp, ok := exponents[strings.ToUpper(currency)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
	}
	return exp, nil
}

// Parse reads a decimal amount from its string form.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, s)
	}
	return d, nil
}

// Validate checks amount is within [MinAmount, MaxAmount] and carries no
// more decimals than the currency's minor unit.
func Validate(amount decimal.Decimal, currency string) error {
	exp, err := Exponent(currency)
	if err != nil {
		return err
	}
	if amount.LessThan(MinAmount) || amount.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: %s must be between %s and %s", ErrInvalidAmount, amount, MinAmount, MaxAmount)
	}
	if !amount.Equal(amount.Truncate(exp)) {
		return fmt.Errorf("%w: %s has more than %d decimal places for %s", ErrInvalidAmount, amount, exp, currency)
	}
	return nil
}

// ToMinorUnits converts an amount to integer minor units (cents for USD).
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	exp, err := Exponent(currency)
	if err != nil {
		return 0, err
	}
	shifted := amount.Shift(exp)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: %s is not representable in %s minor units", ErrInvalidAmount, amount, currency)
	}
	return shifted.IntPart(), nil
}

// FromMinorUnits converts integer minor units back to currency units.
func FromMinorUnits(units int64, currency string) (decimal.Decimal, error) {
	exp, err := Exponent(currency)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(units, -exp), nil
}

// Fee computes round(amount * rate) to the currency's minor unit.
// Ties round away from zero.
func Fee(amount, rate decimal.Decimal, currency string) (decimal.Decimal, error) {
	exp, err := Exponent(currency)
	if err != nil {
		return decimal.Zero, err
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("fee rate %s outside [0, 1)", rate)
	}
	return amount.Mul(rate).Round(exp), nil
}

// Split divides a released amount into the platform fee and the payee's
// payout. fee + payout always equals amount exactly.
func Split(amount, rate decimal.Decimal, currency string) (fee, payout decimal.Decimal, err error) {
	fee, err = Fee(amount, rate, currency)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	payout = amount.Sub(fee)
	if !payout.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: payout of %s after fee %s is not positive", ErrInvalidAmount, amount, fee)
	}
	return fee, payout, nil
}
