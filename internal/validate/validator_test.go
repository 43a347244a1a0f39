package validate

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CipherSettle/internal/intent"
	"CipherSettle/internal/state"
	"CipherSettle/internal/testutil"
)

func newValidator(oracle *testutil.FakeOracle) *Validator {
	return New(DefaultLimits(), oracle, zerolog.Nop())
}

func validTrade() *intent.Trade {
	return &intent.Trade{
		ID:          uuid.New(),
		Trader:      testutil.Addr(1),
		Asset:       intent.AssetBTC,
		Quantity:    1000,
		Margin:      200, // 5x
		Side:        intent.SideLong,
		SubmittedAt: time.Now().Unix(),
	}
}

func TestTradeAccepted(t *testing.T) {
	v := newValidator(testutil.NewFakeOracle())
	assert.NoError(t, v.Trade(context.Background(), validTrade(), time.Now().Unix()))
}

func TestTradeLeverageBoundary(t *testing.T) {
	v := newValidator(testutil.NewFakeOracle())
	now := time.Now().Unix()

	// Exactly 10x passes.
	tr := validTrade()
	tr.Quantity = 2000
	tr.Margin = 200
	assert.NoError(t, v.Trade(context.Background(), tr, now))

	// One quote unit over 10x fails.
	tr = validTrade()
	tr.Quantity = 2001
	tr.Margin = 200
	err := v.Trade(context.Background(), tr, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leverage above 10x")

	// Below 1x fails.
	tr = validTrade()
	tr.Quantity = 199
	tr.Margin = 200
	err = v.Trade(context.Background(), tr, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leverage below 1x")
}

func TestTradeAccumulatesAllReasons(t *testing.T) {
	v := newValidator(testutil.NewFakeOracle())

	tr := &intent.Trade{
		Asset:       intent.AssetID(200),
		Quantity:    -5,
		Margin:      0,
		SubmittedAt: time.Now().Unix() - 1000,
	}
	err := v.Trade(context.Background(), tr, time.Now().Unix())
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	// zero address, bad asset, bad qty, bad margin, stale: all reported.
	assert.GreaterOrEqual(t, len(verr.Reasons), 5)
}

func TestTradeStaleness(t *testing.T) {
	v := newValidator(testutil.NewFakeOracle())
	now := time.Now().Unix()

	tr := validTrade()
	tr.SubmittedAt = now - 120 // exactly at the window
	assert.NoError(t, v.Trade(context.Background(), tr, now))

	tr.SubmittedAt = now - 121
	err := v.Trade(context.Background(), tr, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale")
}

func TestTradePausedMarket(t *testing.T) {
	oracle := testutil.NewFakeOracle()
	oracle.SetPaused(intent.AssetBTC, true)
	v := newValidator(oracle)

	err := v.Trade(context.Background(), validTrade(), time.Now().Unix())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paused")
}

func TestPausedCheckFailsOpen(t *testing.T) {
	oracle := testutil.NewFakeOracle()
	oracle.FailAll = true
	v := newValidator(oracle)

	// Oracle down: the paused check is skipped, not treated as paused.
	assert.NoError(t, v.Trade(context.Background(), validTrade(), time.Now().Unix()))
}

func TestCloseValidation(t *testing.T) {
	v := newValidator(testutil.NewFakeOracle())
	now := time.Now().Unix()

	open := &state.Position{Trader: testutil.Addr(1), Asset: intent.AssetBTC, Size: 1000}
	lookup := func(trader intent.Address, asset intent.AssetID) *state.Position {
		if trader == open.Trader && asset == open.Asset {
			return open
		}
		return nil
	}

	c := &intent.Close{
		ID:          uuid.New(),
		Trader:      testutil.Addr(1),
		Asset:       intent.AssetBTC,
		Percent:     50,
		SubmittedAt: now,
	}
	assert.NoError(t, v.Close(context.Background(), c, now, lookup))

	// Percent out of range.
	for _, pct := range []int64{0, -1, 101} {
		bad := *c
		bad.Percent = pct
		err := v.Close(context.Background(), &bad, now, lookup)
		require.Error(t, err, "percent=%d", pct)
	}

	// No open position.
	bad := *c
	bad.Trader = testutil.Addr(9)
	err := v.Close(context.Background(), &bad, now, lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no open position")
}
