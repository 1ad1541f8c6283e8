// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package amount

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// FractionalBase is the number of fractional units that make up one
	// whole unit of currency.  All arithmetic is performed on integers so
	// no precision is ever lost.
	FractionalBase = 1e8

	// FractionalBaseDigits is the number of decimal digits covered by
	// FractionalBase.
	FractionalBaseDigits = 8

	// MaxValue is the largest whole-unit value an Amount may hold.  The
	// bound keeps additions of any two valid amounts away from uint64
	// overflow.
	MaxValue = uint64(1) << 52

	// MaxCurrencyLen is the longest accepted currency code.
	MaxCurrencyLen = 12
)

var (
	// ErrCurrencyMismatch is returned when performing arithmetic on two
	// amounts with different currency codes.
	ErrCurrencyMismatch = errors.New("amount: currency mismatch")

	// ErrOverflow is returned when an arithmetic result exceeds MaxValue.
	ErrOverflow = errors.New("amount: value overflow")

	// ErrNegative is returned when a subtraction would produce a negative
	// result.  Negative amounts are unrepresentable on purpose.
	ErrNegative = errors.New("amount: negative result")

	// ErrInvalid is returned when parsing a malformed amount string.
	ErrInvalid = errors.New("amount: invalid amount string")
)

// Amount is an exact monetary value tagged with a currency code.  The zero
// value is not usable; construct amounts with New or Parse.
type Amount struct {
	// Currency is the case-sensitive currency code, e.g. "KUDOS".
	Currency string

	// Value is the number of whole currency units.
	Value uint64

	// Fraction is the number of fractional units, always less than
	// FractionalBase.
	Fraction uint32
}

// New returns a normalized amount for the given currency.  Fractions in
// excess of FractionalBase are carried into the value.
func New(currency string, value uint64, fraction uint32) Amount {
	a := Amount{
		Currency: currency,
		Value:    value + uint64(fraction)/FractionalBase,
		Fraction: fraction % FractionalBase,
	}
	return a
}

// Zero returns the zero amount of the given currency.
func Zero(currency string) Amount {
	return Amount{Currency: currency}
}

// Parse decodes an amount of the form "CUR:X" or "CUR:X.Y".
func Parse(s string) (Amount, error) {
	cur, rest, ok := strings.Cut(s, ":")
	if !ok || cur == "" || len(cur) > MaxCurrencyLen {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	whole, frac, hasFrac := strings.Cut(rest, ".")
	value, err := strconv.ParseUint(whole, 10, 64)
	if err != nil || value > MaxValue {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	var fraction uint32
	if hasFrac {
		if frac == "" || len(frac) > FractionalBaseDigits {
			return Amount{}, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
		f, err := strconv.ParseUint(frac, 10, 32)
		if err != nil {
			return Amount{}, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
		for i := len(frac); i < FractionalBaseDigits; i++ {
			f *= 10
		}
		fraction = uint32(f)
	}
	return Amount{Currency: cur, Value: value, Fraction: fraction}, nil
}

// MustParse is like Parse but panics on malformed input.  It is intended for
// hard-coded constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the amount in the same "CUR:X.Y" form accepted by Parse.
// Trailing zeros of the fractional part are omitted.
func (a Amount) String() string {
	if a.Fraction == 0 {
		return fmt.Sprintf("%s:%d", a.Currency, a.Value)
	}
	frac := strconv.FormatUint(uint64(a.Fraction)+FractionalBase, 10)[1:]
	frac = strings.TrimRight(frac, "0")
	return fmt.Sprintf("%s:%d.%s", a.Currency, a.Value, frac)
}

// IsZero reports whether the amount has neither value nor fraction.
func (a Amount) IsZero() bool {
	return a.Value == 0 && a.Fraction == 0
}

// checkCurrency returns ErrCurrencyMismatch unless both amounts share a
// currency code.
func (a Amount) checkCurrency(b Amount) error {
	if a.Currency != b.Currency {
		return fmt.Errorf("%w: %q vs %q", ErrCurrencyMismatch,
			a.Currency, b.Currency)
	}
	return nil
}

// Add returns a+b.  It fails with ErrCurrencyMismatch or ErrOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	if err := a.checkCurrency(b); err != nil {
		return Amount{}, err
	}
	sum := New(a.Currency, a.Value+b.Value, 0)
	sum.Value += (uint64(a.Fraction) + uint64(b.Fraction)) / FractionalBase
	sum.Fraction = (a.Fraction + b.Fraction) % FractionalBase
	if sum.Value > MaxValue {
		return Amount{}, ErrOverflow
	}
	return sum, nil
}

// Sub returns a-b.  It fails with ErrCurrencyMismatch or, when b exceeds a,
// ErrNegative.  Money is never silently lost to clamping.
func (a Amount) Sub(b Amount) (Amount, error) {
	if err := a.checkCurrency(b); err != nil {
		return Amount{}, err
	}
	if a.Cmp(b) < 0 {
		return Amount{}, ErrNegative
	}
	value := a.Value - b.Value
	var fraction uint32
	if a.Fraction >= b.Fraction {
		fraction = a.Fraction - b.Fraction
	} else {
		value--
		fraction = FractionalBase + a.Fraction - b.Fraction
	}
	return Amount{Currency: a.Currency, Value: value, Fraction: fraction}, nil
}

// SubSaturating returns a-b, or the zero amount of a's currency when b
// exceeds a.  Callers that must not lose value use Sub instead.
func (a Amount) SubSaturating(b Amount) (Amount, error) {
	if err := a.checkCurrency(b); err != nil {
		return Amount{}, err
	}
	if a.Cmp(b) < 0 {
		return Zero(a.Currency), nil
	}
	return a.Sub(b)
}

// Cmp compares two amounts, returning -1, 0 or 1.  Comparing amounts of
// different currencies is a programming error and panics.
func (a Amount) Cmp(b Amount) int {
	if a.Currency != b.Currency {
		panic(fmt.Sprintf("amount: comparing %q with %q", a.Currency,
			b.Currency))
	}
	switch {
	case a.Value < b.Value:
		return -1
	case a.Value > b.Value:
		return 1
	case a.Fraction < b.Fraction:
		return -1
	case a.Fraction > b.Fraction:
		return 1
	}
	return 0
}

// Sum adds all passed amounts to the given start value.
func Sum(start Amount, rest ...Amount) (Amount, error) {
	total := start
	var err error
	for _, a := range rest {
		total, err = total.Add(a)
		if err != nil {
			return Amount{}, err
		}
	}
	return total, nil
}

// MarshalJSON encodes the amount as its canonical string form.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON decodes an amount from its canonical string form.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, data)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
