package settle

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CipherSettle/internal/batch"
	"CipherSettle/internal/fees"
	"CipherSettle/internal/intent"
	"CipherSettle/internal/ledger"
	fpmath "CipherSettle/internal/math"
	"CipherSettle/internal/state"
	"CipherSettle/internal/testutil"
)

var testFees = fees.Params{OpenFeeBps: 10, CloseFeeBps: 10, BorrowAnnualBps: 500}

const price100 = 100 * fpmath.PriceScale

type fixture struct {
	led    *ledger.Ledger
	store  *state.PositionStore
	oracle *testutil.FakeOracle
	client *testutil.FakeSettlementClient
	sink   *testutil.FakeFeeSink
	trades *batch.Aggregator[batch.TradeRecord]
	closes *batch.Aggregator[batch.CloseRecord]
	orch   *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		led:    ledger.New(),
		store:  state.NewPositionStore(),
		oracle: testutil.NewFakeOracle(),
		client: &testutil.FakeSettlementClient{},
		sink:   &testutil.FakeFeeSink{},
		trades: batch.NewAggregator[batch.TradeRecord](),
		closes: batch.NewAggregator[batch.CloseRecord](),
	}
	f.oracle.SetPrice(intent.AssetBTC, price100)
	f.orch = NewOrchestrator(f.led, f.store, testFees, f.oracle, f.client, f.sink,
		f.trades, f.closes, Config{SubmitTimeout: time.Second}, zerolog.Nop(), nil)
	return f
}

// fund credits the trader and locks the gross margin, mirroring what the
// engine does at submission time.
func (f *fixture) fund(t *testing.T, trader intent.Address, credit, lock int64) {
	t.Helper()
	f.led.Credit(trader, credit)
	require.NoError(t, f.led.Lock(trader, lock))
}

func (f *fixture) enqueueTrade(trader intent.Address, qty int64, side intent.Side, margin int64) batch.TradeRecord {
	openFee := testFees.OpenFee(qty)
	rec := batch.TradeRecord{
		Trade: &intent.Trade{
			ID:          uuid.New(),
			Trader:      trader,
			Asset:       intent.AssetBTC,
			Quantity:    qty,
			Margin:      margin,
			Side:        side,
			SubmittedAt: time.Now().Unix(),
		},
		OpenFee:   openFee,
		NetMargin: margin - openFee,
	}
	f.trades.Enqueue(rec)
	return rec
}

func TestSettleTradesOpensPosition(t *testing.T) {
	f := newFixture(t)
	alice := testutil.Addr(1)
	f.fund(t, alice, 50_000, 20_000)
	f.enqueueTrade(alice, 100_000, intent.SideLong, 20_000)

	res, err := f.orch.SettleTrades(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Records)
	assert.Equal(t, 0, res.Dropped)
	assert.NotEmpty(t, res.TxID)
	assert.NotEqual(t, res.OldRoot, res.NewRoot)

	// Position: +100k notional backed by net margin 19_900 at the oracle price.
	pos := f.store.Get(alice, intent.AssetBTC)
	require.NotNil(t, pos)
	assert.Equal(t, int64(100_000), pos.Size)
	assert.Equal(t, int64(19_900), pos.Margin)
	assert.Equal(t, int64(price100), pos.EntryPrice)

	// Ledger: the 100-unit open fee left the locked bucket entirely.
	b := f.led.Get(alice)
	assert.Equal(t, int64(30_000), b.Available)
	assert.Equal(t, int64(19_900), b.Locked)
	assert.Equal(t, int64(49_900), b.Total)

	// Fees reached the sink; the submission carried the signed delta.
	assert.Equal(t, int64(100), f.sink.Collected())
	require.Equal(t, 1, f.client.Count())
	sub := f.client.Last()
	assert.Equal(t, []int64{100_000}, sub.NetQtyDeltas)
	assert.Equal(t, []int64{19_900}, sub.NetMarginDeltas)

	assert.Equal(t, StateIdle, f.orch.CurrentState())
	assert.False(t, f.trades.InProgress())
}

func TestSettleTradesNothingPending(t *testing.T) {
	f := newFixture(t)
	res, err := f.orch.SettleTrades(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestSettleTradesRollbackRestoresExactState(t *testing.T) {
	f := newFixture(t)
	alice := testutil.Addr(1)
	f.fund(t, alice, 50_000, 20_000)
	f.enqueueTrade(alice, 100_000, intent.SideLong, 20_000)

	balanceBefore := f.led.Get(alice)
	rootBefore := f.store.RootHex()

	f.client.SetFail(true)
	_, err := f.orch.SettleTrades(context.Background())

	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, uint64(1), subErr.BatchID)

	// Balances and root bit-identical to before the attempt.
	assert.Equal(t, balanceBefore, f.led.Get(alice))
	assert.Equal(t, rootBefore, f.store.RootHex())
	assert.Nil(t, f.store.Get(alice, intent.AssetBTC))

	// Batch requeued at the front; a later attempt succeeds.
	assert.Equal(t, 1, f.trades.Len())
	assert.False(t, f.orch.Halted())

	f.client.SetFail(false)
	res, err := f.orch.SettleTrades(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Records)
}

func TestSettleTradesSubmitTimeout(t *testing.T) {
	f := newFixture(t)
	f.orch.cfg.SubmitTimeout = 50 * time.Millisecond
	f.client.Block = make(chan struct{}) // never closed: submission hangs

	alice := testutil.Addr(1)
	f.fund(t, alice, 50_000, 20_000)
	f.enqueueTrade(alice, 100_000, intent.SideLong, 20_000)

	rootBefore := f.store.RootHex()
	_, err := f.orch.SettleTrades(context.Background())

	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.ErrorIs(t, subErr.Cause, context.DeadlineExceeded)
	assert.Equal(t, rootBefore, f.store.RootHex())
	assert.Equal(t, 1, f.trades.Len())
}

func TestSettleTradesMergeIncreasesPosition(t *testing.T) {
	f := newFixture(t)
	alice := testutil.Addr(1)
	now := time.Now().Unix()

	// Existing long 100k @ 100 with margin already locked.
	f.fund(t, alice, 100_000, 19_900)
	_, err := f.store.Upsert(&state.Position{
		Trader: alice, Asset: intent.AssetBTC,
		Size: 100_000, Margin: 19_900,
		EntryPrice: price100, LastBorrowUpdate: now,
	})
	require.NoError(t, err)

	// Increase by 50k at 120: entry becomes the notional-weighted average.
	f.oracle.SetPrice(intent.AssetBTC, 120*fpmath.PriceScale)
	f.fund(t, alice, 0, 10_000)
	f.enqueueTrade(alice, 50_000, intent.SideLong, 10_000)

	_, err = f.orch.SettleTrades(context.Background())
	require.NoError(t, err)

	pos := f.store.Get(alice, intent.AssetBTC)
	require.NotNil(t, pos)
	assert.Equal(t, int64(150_000), pos.Size)
	// (100k*100 + 50k*120) / 150k = 106.66... at 1e6 price scale.
	want := fpmath.WeightedAvg(100_000, price100, 50_000, 120*fpmath.PriceScale)
	assert.Equal(t, want, pos.EntryPrice)
	// 19_900 + (10_000 - 50 open fee) = 29_850.
	assert.Equal(t, int64(29_850), pos.Margin)
}

func TestSettleTradesChargesAccruedFundingOnMerge(t *testing.T) {
	f := newFixture(t)
	alice := testutil.Addr(1)
	now := time.Now().Unix()

	f.fund(t, alice, 100_000, 19_900)
	_, err := f.store.Upsert(&state.Position{
		Trader: alice, Asset: intent.AssetBTC,
		Size: 100_000, Margin: 19_900,
		EntryPrice: price100, EntryFundingRate: 0, LastBorrowUpdate: now,
	})
	require.NoError(t, err)

	// Cumulative rate moved +0.1% since entry: longs owe 100 on 100k.
	f.oracle.SetRate(intent.AssetBTC, fpmath.RateScale/1000)

	f.fund(t, alice, 0, 10_000)
	f.enqueueTrade(alice, 50_000, intent.SideLong, 10_000)

	lockedBefore := f.led.Get(alice).Locked
	_, err = f.orch.SettleTrades(context.Background())
	require.NoError(t, err)

	pos := f.store.Get(alice, intent.AssetBTC)
	require.NotNil(t, pos)
	// Margin absorbs the 100-unit funding charge on top of the 50 open fee.
	assert.Equal(t, int64(29_750), pos.Margin)
	assert.Equal(t, f.oracle.Rates[intent.AssetBTC], pos.EntryFundingRate)
	// 150 total fees left the locked bucket.
	assert.Equal(t, lockedBefore-150, f.led.Get(alice).Locked)
}

func TestSettleTradesNettingOutRemovesPosition(t *testing.T) {
	f := newFixture(t)
	alice := testutil.Addr(1)
	now := time.Now().Unix()

	f.fund(t, alice, 100_000, 19_900)
	_, err := f.store.Upsert(&state.Position{
		Trader: alice, Asset: intent.AssetBTC,
		Size: 100_000, Margin: 19_900,
		EntryPrice: price100, LastBorrowUpdate: now,
	})
	require.NoError(t, err)

	// Equal and opposite trade nets the position to zero.
	f.fund(t, alice, 0, 20_000)
	f.enqueueTrade(alice, 100_000, intent.SideShort, 20_000)

	_, err = f.orch.SettleTrades(context.Background())
	require.NoError(t, err)

	assert.Nil(t, f.store.Get(alice, intent.AssetBTC))
	b := f.led.Get(alice)
	// All collateral released; only the 100 open fee is gone.
	assert.Equal(t, int64(0), b.Locked)
	assert.Equal(t, int64(99_900), b.Total)
}

func TestSettleTradesDropsFailingTradeKeepsRest(t *testing.T) {
	f := newFixture(t)
	alice, bob := testutil.Addr(1), testutil.Addr(2)
	f.fund(t, alice, 50_000, 20_000)
	f.enqueueTrade(alice, 100_000, intent.SideLong, 20_000)

	// Bob's trade is queued but his margin was never locked (simulating a
	// consistency slip): the fee settle fails and his trade drops while
	// Alice's settles.
	f.led.Credit(bob, 50_000)
	f.enqueueTrade(bob, 100_000, intent.SideLong, 20_000)

	res, err := f.orch.SettleTrades(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Records)
	assert.Equal(t, 1, res.Dropped)

	assert.NotNil(t, f.store.Get(alice, intent.AssetBTC))
	assert.Nil(t, f.store.Get(bob, intent.AssetBTC))
}

func TestHaltedRejectsSettlement(t *testing.T) {
	f := newFixture(t)
	f.orch.halted.Store(true)

	alice := testutil.Addr(1)
	f.fund(t, alice, 50_000, 20_000)
	f.enqueueTrade(alice, 100_000, intent.SideLong, 20_000)

	_, err := f.orch.SettleTrades(context.Background())
	assert.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, 1, f.trades.Len())
}

func TestVerifyIntegrityHaltsOnDivergence(t *testing.T) {
	f := newFixture(t)
	alice := testutil.Addr(1)
	_, err := f.store.Upsert(&state.Position{
		Trader: alice, Asset: intent.AssetBTC, Size: 100, Margin: 10, EntryPrice: price100,
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.VerifyIntegrity())
	assert.False(t, f.orch.Halted())

	// Mutating the live position without an Upsert desyncs set and tree.
	f.store.Get(alice, intent.AssetBTC).Margin = 999

	assert.Error(t, f.orch.VerifyIntegrity())
	assert.True(t, f.orch.Halted())
}
