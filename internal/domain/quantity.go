package domain

import (
	"fmt"
	"strconv"
)

// QuantityScale is the number of Quantity steps in one whole unit.
const QuantityScale = 1000

// Quantity is a fixed-point count with three decimal places, so that both
// "3 each" and "1.250 kg" are exact.
type Quantity int64

// Units returns a Quantity of n whole units.
func Units(n int64) Quantity {
	return Quantity(n * QuantityScale)
}

func (q Quantity) IsPositive() bool {
	return q > 0
}

// Whole reports whether q has no fractional part.
func (q Quantity) Whole() bool {
	return q%QuantityScale == 0
}

func (q Quantity) String() string {
	if q.Whole() {
		return strconv.FormatInt(int64(q)/QuantityScale, 10)
	}
	sign := ""
	v := int64(q)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%03d", sign, v/QuantityScale, v%QuantityScale)
}

// Money is an amount in the currency's minor unit (cents, paise).
type Money int64

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}
