// Package weight normalizes material weights to fixed-precision kilograms.
//
// Every weight that reaches the stock ledger goes through Normalize first;
// the ledger itself never does arithmetic on raw floating input.
package weight

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits every stored weight carries.
const Places = 3

// Unit enumerates the units accepted at intake.
type Unit string

const (
	UnitKG    Unit = "kg"
	UnitTon   Unit = "ton"
	UnitMT    Unit = "mt"
	UnitPiece Unit = "pcs"
	UnitMeter Unit = "m"
	UnitFeet  Unit = "ft"
)

// IsValid reports whether the unit is a known intake unit.
func (u Unit) IsValid() bool {
	switch u {
	case UnitKG, UnitTon, UnitMT, UnitPiece, UnitMeter, UnitFeet:
		return true
	default:
		return false
	}
}

// IsWeightBearing reports whether values in this unit convert to kilograms.
func (u Unit) IsWeightBearing() bool {
	switch u {
	case UnitKG, UnitTon, UnitMT:
		return true
	default:
		return false
	}
}

// ErrInvalidInput indicates the value could not parse as a non-negative number
// or the unit is unknown.
var ErrInvalidInput = errors.New("weight: invalid input")

var thousand = decimal.NewFromInt(1000)

// Quantize rounds a value to the canonical 3 fractional digits (half up).
func Quantize(v decimal.Decimal) decimal.Decimal {
	return v.Round(Places)
}

// Normalize converts a raw value/unit pair into canonical kilograms.
// Ton and metric-ton values are multiplied by 1000; kilograms pass through;
// piece and length units pass through unconverted.
func Normalize(value string, unit Unit) (decimal.Decimal, error) {
	if !unit.IsValid() {
		return decimal.Zero, fmt.Errorf("%w: unknown unit %q", ErrInvalidInput, unit)
	}
	v, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", ErrInvalidInput, value)
	}
	return NormalizeDecimal(v, unit)
}

// NormalizeDecimal is Normalize for values already parsed as decimals.
func NormalizeDecimal(v decimal.Decimal, unit Unit) (decimal.Decimal, error) {
	if !unit.IsValid() {
		return decimal.Zero, fmt.Errorf("%w: unknown unit %q", ErrInvalidInput, unit)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative weight %s", ErrInvalidInput, v)
	}
	v = Quantize(v)
	if unit == UnitTon || unit == UnitMT {
		return Quantize(v.Mul(thousand)), nil
	}
	return v, nil
}

// KgToTons converts kilograms to metric tons, quantized.
func KgToTons(kg decimal.Decimal) decimal.Decimal {
	return Quantize(kg.Div(thousand))
}

// TonsToKg converts metric tons to kilograms, quantized.
func TonsToKg(tons decimal.Decimal) decimal.Decimal {
	return Quantize(tons.Mul(thousand))
}
