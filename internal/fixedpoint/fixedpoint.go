// Package fixedpoint provides overflow-checked integer arithmetic for pool
// and optimizer math. Every operation either returns an exact result under
// the requested rounding or an error; nothing wraps.
package fixedpoint

import (
	"errors"
	"math/bits"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow     = errors.New("fixedpoint: overflow")
	ErrDivideByZero = errors.New("fixedpoint: divide by zero")
)

// MulDivFloor returns floor(a*b/c) using a 128-bit intermediate.
func MulDivFloor(a, b, c uint64) (uint64, error) {
	q, _, err := mulDiv(a, b, c)
	return q, err
}

// MulDivCeil returns ceil(a*b/c) using a 128-bit intermediate.
func MulDivCeil(a, b, c uint64) (uint64, error) {
	q, rem, err := mulDiv(a, b, c)
	if err != nil {
		return 0, err
	}
	if rem != 0 {
		if q == ^uint64(0) {
			return 0, ErrOverflow
		}
		q++
	}
	return q, nil
}

func mulDiv(a, b, c uint64) (uint64, uint64, error) {
	if c == 0 {
		return 0, 0, ErrDivideByZero
	}
	hi, lo := bits.Mul64(a, b)
	// bits.Div64 panics when the quotient does not fit in 64 bits.
	if hi >= c {
		return 0, 0, ErrOverflow
	}
	q, rem := bits.Div64(hi, lo, c)
	return q, rem, nil
}

// Product returns a*b as a 256-bit integer. The product of two 64-bit values
// always fits.
func Product(a, b uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
}

// MulDiv256 returns a*b/c rounded down, or up when roundUp is set. The
// intermediate product is 512 bits wide; only the quotient must fit in 256.
func MulDiv256(a, b, c *uint256.Int, roundUp bool) (*uint256.Int, error) {
	if c.IsZero() {
		return nil, ErrDivideByZero
	}
	q, overflow := new(uint256.Int).MulDivOverflow(a, b, c)
	if overflow {
		return nil, ErrOverflow
	}
	if roundUp {
		rem := new(uint256.Int).MulMod(a, b, c)
		if !rem.IsZero() {
			if _, of := q.AddOverflow(q, uint256.NewInt(1)); of {
				return nil, ErrOverflow
			}
		}
	}
	return q, nil
}

// Add returns a+b or ErrOverflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Mul returns a*b or ErrOverflow.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sqrt returns floor(sqrt(x)).
func Sqrt(x *uint256.Int) *uint256.Int {
	return new(uint256.Int).Sqrt(x)
}

// ToUint64 narrows x, failing rather than truncating.
func ToUint64(x *uint256.Int) (uint64, error) {
	if !x.IsUint64() {
		return 0, ErrOverflow
	}
	return x.Uint64(), nil
}

// AbsDiff returns |a-b|.
func AbsDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
