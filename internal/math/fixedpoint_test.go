package math

import (
	"math"
	"testing"
)

func TestMulDivExact(t *testing.T) {
	cases := []struct {
		a, b, denom, want int64
	}{
		{1000, 10, 10_000, 1},
		{1_000_000, 500, 10_000, 50_000},
		{7, 3, 2, 10},  // 21/2 truncates toward zero
		{-7, 3, 2, -10},
		{0, 123, 456, 0},
	}
	for _, c := range cases {
		if got := MulDiv(c.a, c.b, c.denom); got != c.want {
			t.Errorf("MulDiv(%d, %d, %d) = %d, want %d", c.a, c.b, c.denom, got, c.want)
		}
	}
}

func TestMulDivNoIntermediateOverflow(t *testing.T) {
	// a*b overflows int64 but the quotient fits.
	a := int64(math.MaxInt64 / 2)
	got := MulDiv(a, 4, 2)
	want := a * 2
	if got != want {
		t.Fatalf("MulDiv overflow case = %d, want %d", got, want)
	}
}

func TestMulMulDivOrdering(t *testing.T) {
	// Divide-first would truncate to zero; multiply-first must not.
	// 100 * 500 * 3600 / (SecondsPerYear * 10_000).
	got := MulMulDiv(100_000_000, 500, 3600, SecondsPerYear*BpsDenominator)
	if got == 0 {
		t.Fatal("MulMulDiv truncated to zero; multiplication must precede division")
	}
	want := int64(570) // floor(100e6*500*3600 / (31_536_000*10_000))
	if got != want {
		t.Fatalf("MulMulDiv = %d, want %d", got, want)
	}
}

func TestWeightedAvg(t *testing.T) {
	// Equal weights average the values.
	if got := WeightedAvg(100, 50, 100, 150); got != 100 {
		t.Fatalf("WeightedAvg equal weights = %d, want 100", got)
	}
	// All weight on one side returns that side.
	if got := WeightedAvg(100, 42, 0, 999); got != 42 {
		t.Fatalf("WeightedAvg one-sided = %d, want 42", got)
	}
	// 3:1 weighting.
	if got := WeightedAvg(300, 100, 100, 200); got != 125 {
		t.Fatalf("WeightedAvg 3:1 = %d, want 125", got)
	}
}

func TestAbsSign(t *testing.T) {
	if Abs(-5) != 5 || Abs(5) != 5 || Abs(0) != 0 {
		t.Fatal("Abs wrong")
	}
	if Sign(-5) != -1 || Sign(5) != 1 || Sign(0) != 0 {
		t.Fatal("Sign wrong")
	}
}
