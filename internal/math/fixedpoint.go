package math

import (
	"math/big"
	"sync"
)

// Fixed-point scales used across the engine.
const (
	// PriceScale is the internal price precision (6 decimals). Oracle wire
	// values arrive at 18 decimals and are normalized by the oracle adapter.
	PriceScale int64 = 1_000_000

	// RateScale is the cumulative funding rate precision (1e18, matching the
	// on-chain representation).
	RateScale int64 = 1_000_000_000_000_000_000

	// BpsDenominator converts basis points to a fraction.
	BpsDenominator int64 = 10_000

	// SecondsPerYear is the borrowing-fee accrual base.
	SecondsPerYear int64 = 365 * 24 * 3600
)

var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// MulDiv computes a * b / denom exactly via a big.Int intermediate,
// truncating toward zero. Multiplication happens before division so small
// products are not prematurely truncated.
func MulDiv(a, b, denom int64) int64 {
	num := getBig()
	num.Mul(big.NewInt(a), big.NewInt(b))
	num.Quo(num, big.NewInt(denom))
	out := num.Int64()
	putBig(num)
	return out
}

// MulMulDiv computes a * b * c / denom with a single trailing division.
func MulMulDiv(a, b, c, denom int64) int64 {
	num := getBig()
	num.Mul(big.NewInt(a), big.NewInt(b))
	num.Mul(num, big.NewInt(c))
	num.Quo(num, big.NewInt(denom))
	out := num.Int64()
	putBig(num)
	return out
}

// WeightedAvg computes (wa*a + wb*b) / (wa + wb) for merging entry prices and
// entry funding rates. Weights must be non-negative with wa+wb > 0.
func WeightedAvg(wa, a, wb, b int64) int64 {
	term1 := getBig()
	term1.Mul(big.NewInt(wa), big.NewInt(a))
	term2 := getBig()
	term2.Mul(big.NewInt(wb), big.NewInt(b))
	term1.Add(term1, term2)
	term1.Quo(term1, big.NewInt(wa+wb))
	out := term1.Int64()
	putBig(term1)
	putBig(term2)
	return out
}

// Abs returns |v|.
func Abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Sign returns +1, -1, or 0.
func Sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
