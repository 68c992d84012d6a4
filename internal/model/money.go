package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Cents is a monetary amount in the currency's minor unit. It marshals to a
// JSON number with exactly two decimals (999 -> 9.99).
type Cents int64

// String renders the amount with two decimals.
func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// MarshalJSON implements json.Marshaler.
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts a JSON number or numeric string in major units and
// rounds it to the nearest cent.
func (c *Cents) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if string(data) == "null" || len(data) == 0 {
		*c = 0
		return nil
	}
	parsed, err := ParseCents(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MaxAmount bounds parsed amounts in major units. Anything larger is far
// beyond what a payment provider accepts and would not fit in Cents.
const MaxAmount = 1_000_000_000

// ParseCents parses a decimal amount in major units ("9.99") into Cents.
func ParseCents(s string) (Cents, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %q is not a valid amount", ErrValidation, s)
	}
	if math.Abs(f) > MaxAmount {
		return 0, fmt.Errorf("%w: amount %q exceeds %d", ErrValidation, s, MaxAmount)
	}
	return Cents(math.Round(f * 100)), nil
}

var _ json.Marshaler = Cents(0)
