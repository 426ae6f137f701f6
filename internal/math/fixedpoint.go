package math

import (
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
)

// Prices are fixed-point with 18 fractional decimal digits ("wad").
// Amounts are int64 in the asset's smallest unit.
const (
	WadDecimals = 18
	// SqrtPriceShift is the binary exponent of the venue's square-root
	// price representation (Q64.96). price = sqrtPrice² / 2^(2·96).
	SqrtPriceShift = 96
)

var (
	// Wad is 10^18 as a big.Int, shared read-only.
	Wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(WadDecimals), nil)

	wadU256 = uint256.MustFromBig(Wad)
)

// ErrOverflow is returned when a result does not fit in int64.
var ErrOverflow = fmt.Errorf("fixed-point overflow")

// Int128 pool for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.DivMod(numerator, denom, remainder)

	result := quotient.Int64()

	switch roundingMode {
	case RoundHalfEven:
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)

		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			if result%2 != 0 {
				result++
			}
		}
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	case RoundDown:
		// Truncation is the default of DivMod for non-negative operands.
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

// CheckedMul returns a*b, failing instead of wrapping on int64 overflow.
func CheckedMul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	result := a * b
	if result/b != a {
		return 0, fmt.Errorf("%w: %d * %d", ErrOverflow, a, b)
	}
	return result, nil
}

// FeeOnAmount computes amount * bps / 10_000, rounded down.
// Fees always round in favor of the fee recipient's counterparty.
func FeeOnAmount(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	numerator := MultiplyInt128(amount, bps)
	result := DivideInt128(numerator, 10_000, RoundDown)
	putInt128(numerator)
	return result
}

// PriceFromSqrtX96 converts the venue's Q64.96 square-root price into a wad
// price: price = sqrtPrice² / 2^192 × 10^18. The square of a 160-bit value
// exceeds 256 bits, so the intermediate runs through big.Int.
func PriceFromSqrtX96(sqrtPriceX96 *uint256.Int) (*uint256.Int, error) {
	if sqrtPriceX96 == nil || sqrtPriceX96.IsZero() {
		return nil, fmt.Errorf("zero sqrt price")
	}

	s := sqrtPriceX96.ToBig()
	p := new(big.Int).Mul(s, s)
	p.Mul(p, Wad)
	p.Rsh(p, 2*SqrtPriceShift)

	price, overflow := uint256.FromBig(p)
	if overflow {
		return nil, fmt.Errorf("%w: sqrt price %s", ErrOverflow, sqrtPriceX96)
	}
	return price, nil
}

// ValueAtPrice returns amount × price / 10^18: the value of `amount` units of
// the priced asset, expressed in the quote asset's smallest unit.
func ValueAtPrice(amount int64, price *uint256.Int) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("negative amount: %d", amount)
	}
	if price == nil || price.IsZero() {
		return 0, nil
	}

	v := new(big.Int).Mul(big.NewInt(amount), price.ToBig())
	v.Div(v, Wad)

	if !v.IsInt64() {
		return 0, fmt.Errorf("%w: %d at price %s", ErrOverflow, amount, price)
	}
	return v.Int64(), nil
}

// ScaleByPriceRatio returns amount × num / den: linear re-pricing of a
// holding between two wad prices.
func ScaleByPriceRatio(amount int64, num, den *uint256.Int) (int64, error) {
	if den == nil || den.IsZero() {
		return 0, fmt.Errorf("zero denominator price")
	}
	if amount < 0 {
		return 0, fmt.Errorf("negative amount: %d", amount)
	}

	v := new(big.Int).Mul(big.NewInt(amount), num.ToBig())
	v.Div(v, den.ToBig())

	if !v.IsInt64() {
		return 0, fmt.Errorf("%w: %d scaled by %s/%s", ErrOverflow, amount, num, den)
	}
	return v.Int64(), nil
}

// WadFromUnits builds a wad price from an integer ratio quote/base, mainly
// used by tests and the in-memory venue.
func WadFromUnits(quote, base int64) *uint256.Int {
	if base <= 0 || quote < 0 {
		return uint256.NewInt(0)
	}
	v := new(big.Int).Mul(big.NewInt(quote), Wad)
	v.Div(v, big.NewInt(base))
	price, _ := uint256.FromBig(v)
	return price
}

// MaxInt64 is re-exported for bound checks in callers that already import
// this package.
const MaxInt64 = math.MaxInt64
