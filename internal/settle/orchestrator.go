// Package settle drives batches end-to-end: checkpoint, fee collection,
// ledger and store mutation, external submission, and commit-or-rollback.
// The orchestrator is the only component that mutates the ledger and the
// position store, and it does so while holding its pipeline's in-progress
// flag, so mutation is fully serialized.
package settle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"CipherSettle/internal/batch"
	"CipherSettle/internal/external"
	"CipherSettle/internal/fees"
	"CipherSettle/internal/intent"
	"CipherSettle/internal/ledger"
	fpmath "CipherSettle/internal/math"
	"CipherSettle/internal/observability"
	"CipherSettle/internal/state"
)

// State is the orchestrator's position in the settlement state machine.
type State int32

const (
	StateIdle State = iota
	StateCollecting
	StateSubmitting
	StateCommitting
	StateRollingBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCollecting:
		return "Collecting"
	case StateSubmitting:
		return "Submitting"
	case StateCommitting:
		return "Committing"
	case StateRollingBack:
		return "RollingBack"
	default:
		return "Unknown"
	}
}

// ErrHalted is returned once an integrity failure has stopped settlements.
// It indicates a latent consistency bug and requires manual resolution.
var ErrHalted = errors.New("settlements halted after integrity failure")

// SubmissionError wraps a failed on-chain submission. The batch was rolled
// back and requeued; the next trigger retries it.
type SubmissionError struct {
	BatchID uint64
	Cause   error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("batch %d submission failed: %v", e.BatchID, e.Cause)
}

func (e *SubmissionError) Unwrap() error { return e.Cause }

// Config tunes the orchestrator.
type Config struct {
	// SubmitTimeout bounds an in-flight submission; expiry forces rollback
	// so a stuck chain endpoint cannot block the batch forever.
	SubmitTimeout time.Duration
}

// BatchResult summarizes a committed batch.
type BatchResult struct {
	BatchID uint64
	Records int
	Dropped int
	TxID    string
	OldRoot string
	NewRoot string
	Fees    int64
}

// Orchestrator owns both pipelines: trades and closes share the ledger,
// store, and fee parameters but keep separate queues and cadences.
type Orchestrator struct {
	ledger  *ledger.Ledger
	store   *state.PositionStore
	fees    fees.Params
	oracle  external.Oracle
	client  external.SettlementClient
	feeSink external.FeeSink
	trades  *batch.Aggregator[batch.TradeRecord]
	closes  *batch.Aggregator[batch.CloseRecord]
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics

	state  atomic.Int32
	halted atomic.Bool

	tradesSettled atomic.Int64
	closesSettled atomic.Int64
	batchesDone   atomic.Int64
	lastTxID      atomic.Value // string
}

func NewOrchestrator(
	led *ledger.Ledger,
	store *state.PositionStore,
	feeParams fees.Params,
	oracle external.Oracle,
	client external.SettlementClient,
	feeSink external.FeeSink,
	trades *batch.Aggregator[batch.TradeRecord],
	closes *batch.Aggregator[batch.CloseRecord],
	cfg Config,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Orchestrator {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	return &Orchestrator{
		ledger:  led,
		store:   store,
		fees:    feeParams,
		oracle:  oracle,
		client:  client,
		feeSink: feeSink,
		trades:  trades,
		closes:  closes,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
	}
}

// CurrentState returns the state machine position.
func (o *Orchestrator) CurrentState() State {
	return State(o.state.Load())
}

// Halted reports whether settlements are stopped.
func (o *Orchestrator) Halted() bool {
	return o.halted.Load()
}

// Stats counters.
func (o *Orchestrator) TradesSettled() int64 { return o.tradesSettled.Load() }
func (o *Orchestrator) ClosesSettled() int64 { return o.closesSettled.Load() }
func (o *Orchestrator) BatchesDone() int64   { return o.batchesDone.Load() }

// LastTxID returns the transaction id of the most recent committed batch.
func (o *Orchestrator) LastTxID() string {
	if v := o.lastTxID.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

// SettleTrades runs one trade batch through the full state machine.
// Returns (nil, nil) when there was nothing to do or a settlement was
// already in progress; concurrent starts are no-ops, not queued.
func (o *Orchestrator) SettleTrades(ctx context.Context) (*BatchResult, error) {
	if o.halted.Load() {
		return nil, ErrHalted
	}

	b, ok := o.trades.TryBegin()
	if !ok {
		return nil, nil
	}
	defer o.trades.Finish()
	defer o.setState(StateIdle)

	start := time.Now()
	now := time.Now().Unix()

	o.setState(StateCollecting)
	cp := o.store.Checkpoint()
	ledgerSnap := o.ledger.Snapshot()
	oldRoot := o.store.RootHex()

	applied := make([]batch.TradeRecord, 0, len(b.Records))
	for _, rec := range b.Records {
		if err := o.applyTrade(ctx, rec, now); err != nil {
			// Per-trade failure inside the batch: the trade's own partial
			// work was already undone; release its submission-time margin
			// reservation and drop it from the batch.
			if unlockErr := o.ledger.Unlock(rec.Trade.Trader, rec.Trade.Margin); unlockErr != nil {
				o.log.Error().Err(unlockErr).Str("trade", rec.Trade.ID.String()).
					Msg("failed to release margin of dropped trade")
			}
			o.log.Warn().Err(err).
				Str("trade", rec.Trade.ID.String()).
				Str("trader", rec.Trade.Trader.Hex()).
				Msg("trade dropped at settlement")
			continue
		}
		applied = append(applied, rec)
	}

	if len(applied) == 0 {
		o.batchesDone.Add(1)
		return &BatchResult{BatchID: b.ID, Dropped: len(b.Records), OldRoot: oldRoot, NewRoot: o.store.RootHex()}, nil
	}

	o.setState(StateSubmitting)
	deltas := batch.NetDeltas(applied)
	sub := o.buildSubmission(b.ID, deltas, oldRoot, o.store.RootHex())

	submitCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
	txID, err := o.client.SubmitBatch(submitCtx, sub)
	cancel()

	if err != nil {
		if rbErr := o.rollback(cp, ledgerSnap, "trades"); rbErr != nil {
			return nil, rbErr
		}
		o.trades.Requeue(b)
		o.observe("trades", "rollback", start)
		o.log.Error().Err(err).Uint64("batch_id", b.ID).Int("records", len(b.Records)).
			Msg("trade batch rolled back and requeued")
		return nil, &SubmissionError{BatchID: b.ID, Cause: err}
	}

	o.setState(StateCommitting)
	var totalFees int64
	for _, d := range deltas {
		totalFees += d.Fees
	}
	o.commit(ctx, "trades", totalFees)
	o.tradesSettled.Add(int64(len(applied)))
	o.lastTxID.Store(txID)
	o.observe("trades", "commit", start)
	if o.metrics != nil {
		o.metrics.TradesSettled.Add(float64(len(applied)))
		o.metrics.LastBatchID.Set(float64(b.ID))
		o.metrics.StoreLeaves.Set(float64(o.store.Len()))
	}

	o.log.Info().Uint64("batch_id", b.ID).Int("records", len(applied)).
		Int("dropped", len(b.Records)-len(applied)).
		Str("tx_id", txID).Str("new_root", sub.NewRoots[0]).
		Msg("trade batch committed")

	return &BatchResult{
		BatchID: b.ID,
		Records: len(applied),
		Dropped: len(b.Records) - len(applied),
		TxID:    txID,
		OldRoot: oldRoot,
		NewRoot: o.store.RootHex(),
		Fees:    totalFees,
	}, nil
}

// applyTrade performs the per-trade compound mutation: settle the open fee
// from locked margin, settle accrued funding and borrowing on an existing
// position, then upsert the merged position. Earlier steps are undone in
// reverse order when a later step fails, leaving ledger and store exactly
// as they were before the call.
func (o *Orchestrator) applyTrade(ctx context.Context, rec batch.TradeRecord, now int64) error {
	t := rec.Trade

	price, err := o.oracle.CurrentPrice(ctx, t.Asset)
	if err != nil {
		return fmt.Errorf("price query: %w", err)
	}
	rate, err := o.oracle.CurrentFundingRate(ctx, t.Asset)
	if err != nil {
		return fmt.Errorf("funding rate query: %w", err)
	}

	var undo []func()
	fail := func(cause error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return cause
	}

	// Step 1: open fee out of the margin reserved at submission.
	feeRcpt, err := o.ledger.SettleFee(t.Trader, rec.OpenFee)
	if err != nil {
		return err
	}
	undo = append(undo, func() { o.ledger.UndoSettleFee(feeRcpt, rec.OpenFee) })

	// Step 2: accrued funding and borrowing when merging onto an open position.
	prev := o.store.Get(t.Trader, t.Asset)
	var accrual int64
	if prev != nil {
		funding := fees.FundingFee(prev.Size, prev.EntryFundingRate, rate)
		borrow := o.fees.BorrowingFee(prev.Notional(), prev.LastBorrowUpdate, now)
		accrual = funding + borrow
		if accrual >= prev.Margin+rec.NetMargin {
			return fail(fmt.Errorf("%w: accrued fees %d vs collateral %d",
				fees.ErrFeeExceedsCollateral, accrual, prev.Margin+rec.NetMargin))
		}
		if accrual > 0 {
			accRcpt, err := o.ledger.SettleFee(t.Trader, accrual)
			if err != nil {
				return fail(err)
			}
			undo = append(undo, func() { o.ledger.UndoSettleFee(accRcpt, accrual) })
		}
	}

	// Step 3: merge and commit the position leaf.
	merged := mergePosition(prev, t.SignedQuantity(), rec.NetMargin-accrual, price, rate, now)
	if merged.Size == 0 {
		// Trade fully nets the position out: remove the leaf and release
		// the remaining collateral.
		if err := o.ledger.Unlock(t.Trader, merged.Margin); err != nil {
			return fail(err)
		}
		o.store.Remove(t.Trader, t.Asset)
		return nil
	}

	if _, err := o.store.Upsert(merged); err != nil {
		return fail(err)
	}
	return nil
}

// mergePosition folds a signed trade into an existing position (or creates
// one). Funding and borrowing were settled to now by the caller, so the
// entry funding rate and borrow clock reset to the current values.
// Reductions keep the old entry price; realized PnL belongs to the close
// pipeline, not here.
func mergePosition(prev *state.Position, signedQty, marginDelta, price, rate, now int64) *state.Position {
	if prev == nil {
		return &state.Position{
			Size:             signedQty,
			Margin:           marginDelta,
			EntryPrice:       price,
			EntryFundingRate: rate,
			LastBorrowUpdate: now,
		}
	}

	merged := prev.Clone()
	newSize := prev.Size + signedQty
	switch {
	case newSize == 0:
		merged.Size = 0
	case fpmath.Sign(newSize) != prev.SideSign():
		// Flip: the surviving exposure is new, entered at the current price.
		merged.EntryPrice = price
	case fpmath.Abs(newSize) > prev.Notional():
		// Increase: notional-weighted average entry.
		merged.EntryPrice = fpmath.WeightedAvg(prev.Notional(), prev.EntryPrice, fpmath.Abs(signedQty), price)
	}
	merged.Size = newSize
	merged.Margin = prev.Margin + marginDelta
	merged.EntryFundingRate = rate
	merged.LastBorrowUpdate = now
	return merged
}

// buildSubmission flattens per-asset deltas into the on-chain call, sorted
// by asset id for a deterministic wire order. The engine keeps one
// commitment tree, so each asset entry carries the same pre/post root.
func (o *Orchestrator) buildSubmission(batchID uint64, deltas map[intent.AssetID]*batch.AssetDelta, oldRoot, newRoot string) external.BatchSubmission {
	assets := make([]intent.AssetID, 0, len(deltas))
	for a := range deltas {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })

	sub := external.BatchSubmission{BatchID: batchID}
	for _, a := range assets {
		d := deltas[a]
		sub.AssetIDs = append(sub.AssetIDs, a)
		sub.OldRoots = append(sub.OldRoots, oldRoot)
		sub.NewRoots = append(sub.NewRoots, newRoot)
		sub.NetQtyDeltas = append(sub.NetQtyDeltas, d.NetQuantity)
		sub.NetMarginDeltas = append(sub.NetMarginDeltas, d.NetMargin)
	}
	return sub
}

// rollback restores the pre-batch ledger and store. A store restore
// mismatch is fatal for this checkpoint: settlements halt until manually
// resolved.
func (o *Orchestrator) rollback(cp *state.Checkpoint, ledgerSnap map[intent.Address]ledger.Balance, pipeline string) error {
	o.setState(StateRollingBack)
	o.ledger.Restore(ledgerSnap)
	if err := o.store.Restore(cp); err != nil {
		o.halted.Store(true)
		if o.metrics != nil {
			o.metrics.IntegrityErrors.Inc()
			o.metrics.SettlementsHalted.Set(1)
		}
		o.log.Error().Err(err).Str("pipeline", pipeline).
			Msg("checkpoint restore failed, halting settlements")
		return err
	}
	if o.metrics != nil {
		o.metrics.BatchesRolledBack.WithLabelValues(pipeline).Inc()
	}
	return nil
}

// commit transfers collected fees to the protocol sink and advances
// counters. A sink failure does not unwind the committed batch; the
// transfer is logged for out-of-band retry.
func (o *Orchestrator) commit(ctx context.Context, pipeline string, totalFees int64) {
	if totalFees > 0 {
		if err := o.feeSink.Transfer(ctx, totalFees); err != nil {
			o.log.Warn().Err(err).Int64("fees", totalFees).
				Msg("fee sink transfer failed, fees remain collected locally")
		} else if o.metrics != nil {
			o.metrics.FeesCollected.Add(float64(totalFees))
		}
	}
	o.batchesDone.Add(1)
	if o.metrics != nil {
		o.metrics.BatchesSettled.WithLabelValues(pipeline).Inc()
	}
}

func (o *Orchestrator) observe(pipeline, outcome string, start time.Time) {
	if o.metrics != nil {
		o.metrics.SettleDuration.WithLabelValues(pipeline, outcome).Observe(time.Since(start).Seconds())
	}
}

// VerifyIntegrity runs the store's from-scratch rebuild check and halts
// settlements on divergence.
func (o *Orchestrator) VerifyIntegrity() error {
	if err := o.store.VerifyIntegrity(); err != nil {
		o.halted.Store(true)
		if o.metrics != nil {
			o.metrics.IntegrityErrors.Inc()
			o.metrics.SettlementsHalted.Set(1)
		}
		return err
	}
	return nil
}
