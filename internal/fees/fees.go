// Package fees computes the engine's open, close, funding, and borrowing
// fees. All functions are pure; all outputs are non-negative quote amounts.
// Callers are responsible for subtracting fees from margin and rejecting
// when a fee meets or exceeds the available collateral.
package fees

import (
	"errors"

	fpmath "CipherSettle/internal/math"
)

// ErrFeeExceedsCollateral is returned by callers when a computed fee would
// consume the entire collateral backing a trade or position.
var ErrFeeExceedsCollateral = errors.New("fee exceeds collateral")

// Params holds per-engine fee parameters, loaded from the market config.
type Params struct {
	OpenFeeBps      int64 `yaml:"open_fee_bps"`
	CloseFeeBps     int64 `yaml:"close_fee_bps"`
	BorrowAnnualBps int64 `yaml:"borrow_annual_bps"`
}

// OpenFee charges openFeeBps on the trade notional.
func (p Params) OpenFee(notional int64) int64 {
	return fpmath.MulDiv(notional, p.OpenFeeBps, fpmath.BpsDenominator)
}

// CloseFee charges closeFeeBps on the closed notional.
func (p Params) CloseFee(notional int64) int64 {
	return fpmath.MulDiv(notional, p.CloseFeeBps, fpmath.BpsDenominator)
}

// FundingFee charges the accrued funding between a position's entry cumulative
// rate and the current cumulative rate. Only the disadvantaged side pays:
// when the signed charge would favor the payer it is clamped to zero rather
// than paid out. The advantaged side's gain is not realized in this engine.
//
// size is the signed position size (positive long, negative short); rates are
// 1e18-scaled cumulative funding rates.
func FundingFee(size, entryRate, currentRate int64) int64 {
	notional := fpmath.Abs(size)
	raw := fpmath.MulDiv(notional, currentRate-entryRate, fpmath.RateScale)
	charge := fpmath.Sign(size) * raw
	if charge < 0 {
		return 0
	}
	return charge
}

// BorrowingFee charges time-proportional interest on notional exposure:
// notional * annualRateBps * elapsedSeconds / secondsPerYear / 10_000.
// All multiplications happen before the single division so short intervals
// and small positions do not truncate to zero prematurely.
func (p Params) BorrowingFee(notional, lastUpdate, now int64) int64 {
	elapsed := now - lastUpdate
	if elapsed <= 0 {
		return 0
	}
	return fpmath.MulMulDiv(notional, p.BorrowAnnualBps, elapsed,
		fpmath.SecondsPerYear*fpmath.BpsDenominator)
}
