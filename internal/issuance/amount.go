package issuance

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrNegativeAmount is returned for supplies below zero.
	ErrNegativeAmount = errors.New("amount must not be negative")
	// ErrFractionalBaseUnits is returned when the supply has more fractional
	// digits than the mint decimals allow.
	ErrFractionalBaseUnits = errors.New("amount is not a whole number of base units")
	// ErrAmountOverflow is returned when base units exceed the u64 token amount.
	ErrAmountOverflow = errors.New("amount exceeds the maximum token supply")
)

var maxBaseUnits = new(big.Int).SetUint64(math.MaxUint64)

// decimalPattern admits base-10 literals only. big.Rat alone would also take
// hex, octal, binary and fraction forms.
var decimalPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

const (
	maxAmountText = 96
	maxExponent   = 40
)

// Amount is an exact, non-negative decimal quantity of whole tokens. It is
// decoded from the literal JSON text so no float rounding ever happens.
type Amount struct {
	value *big.Rat
}

// ParseAmount accepts plain decimals and exponent notation such as "1000",
// "12.5" or "1e6".
func ParseAmount(text string) (Amount, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Amount{}, errors.New("amount is empty")
	}
	if len(text) > maxAmountText || !decimalPattern.MatchString(text) {
		return Amount{}, fmt.Errorf("amount %q is not a decimal number", text)
	}
	if idx := strings.IndexAny(text, "eE"); idx >= 0 {
		exp, err := strconv.Atoi(text[idx+1:])
		if err != nil || exp > maxExponent || exp < -maxExponent {
			return Amount{}, fmt.Errorf("amount %q has an unsupported exponent", text)
		}
	}
	r, ok := new(big.Rat).SetString(text)
	if !ok {
		return Amount{}, fmt.Errorf("amount %q is not a decimal number", text)
	}
	if r.Sign() < 0 {
		return Amount{}, ErrNegativeAmount
	}
	return Amount{value: r}, nil
}

// MustAmount parses text and panics on error. Intended for constants and tests.
func MustAmount(text string) Amount {
	a, err := ParseAmount(text)
	if err != nil {
		panic(err)
	}
	return a
}

// IsZero reports whether the amount is unset or zero.
func (a Amount) IsZero() bool {
	return a.value == nil || a.value.Sign() == 0
}

// IsSet reports whether the amount was provided.
func (a Amount) IsSet() bool {
	return a.value != nil
}

// BaseUnits returns amount × 10^decimals as an exact integer.
func (a Amount) BaseUnits(decimals uint8) (uint64, error) {
	if a.value == nil {
		return 0, nil
	}
	if a.value.Sign() < 0 {
		return 0, ErrNegativeAmount
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(a.value, new(big.Rat).SetInt(scale))
	if !scaled.IsInt() {
		return 0, fmt.Errorf("%w: %s with %d decimals", ErrFractionalBaseUnits, a.String(), decimals)
	}
	units := scaled.Num()
	if units.Cmp(maxBaseUnits) > 0 {
		return 0, fmt.Errorf("%w: %s with %d decimals", ErrAmountOverflow, a.String(), decimals)
	}
	return units.Uint64(), nil
}

// String renders the amount in plain decimal notation.
func (a Amount) String() string {
	if a.value == nil {
		return "0"
	}
	if a.value.IsInt() {
		return a.value.Num().String()
	}
	// denominators of parsed decimals are products of 2 and 5, so the
	// expansion terminates within this many digits
	digits := len(a.value.Denom().String()) * 4
	return strings.TrimRight(strings.TrimRight(a.value.FloatString(digits), "0"), ".")
}

// MarshalJSON emits the amount as a JSON number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a JSON number or a JSON string holding a number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = Amount{}
		return nil
	}
	text := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
	}
	parsed, err := ParseAmount(text)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
