package settle

import (
	"context"
	"fmt"
	"time"

	"CipherSettle/internal/batch"
	"CipherSettle/internal/intent"
	fpmath "CipherSettle/internal/math"
	"CipherSettle/internal/state"
)

// closeOutcome is one applied close, kept for delta aggregation.
type closeOutcome struct {
	asset          intent.AssetID
	closedNotional int64 // signed, matching the closed side
	marginRelease  int64
	closeFee       int64
}

// SettleCloses runs one close batch through the same state machine as
// trades: checkpoint, apply, submit, commit-or-rollback. On submission
// failure every ledger mutation is undone, including collected close fees —
// the close pipeline refunds fees on rollback just like the trade pipeline
// (one consistent policy; see DESIGN.md).
func (o *Orchestrator) SettleCloses(ctx context.Context) (*BatchResult, error) {
	if o.halted.Load() {
		return nil, ErrHalted
	}

	b, ok := o.closes.TryBegin()
	if !ok {
		return nil, nil
	}
	defer o.closes.Finish()
	defer o.setState(StateIdle)

	start := time.Now()

	o.setState(StateCollecting)
	cp := o.store.Checkpoint()
	ledgerSnap := o.ledger.Snapshot()
	oldRoot := o.store.RootHex()

	outcomes := make([]closeOutcome, 0, len(b.Records))
	applied := 0
	for _, rec := range b.Records {
		out, err := o.applyClose(ctx, rec.Close)
		if err != nil {
			o.log.Warn().Err(err).
				Str("close", rec.Close.ID.String()).
				Str("trader", rec.Close.Trader.Hex()).
				Msg("close dropped at settlement")
			continue
		}
		outcomes = append(outcomes, out)
		applied++
	}

	if applied == 0 {
		o.batchesDone.Add(1)
		return &BatchResult{BatchID: b.ID, Dropped: len(b.Records), OldRoot: oldRoot, NewRoot: o.store.RootHex()}, nil
	}

	o.setState(StateSubmitting)
	deltas := closeDeltas(outcomes)
	sub := o.buildSubmission(b.ID, deltas, oldRoot, o.store.RootHex())

	submitCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
	txID, err := o.client.SubmitBatch(submitCtx, sub)
	cancel()

	if err != nil {
		if rbErr := o.rollback(cp, ledgerSnap, "closes"); rbErr != nil {
			return nil, rbErr
		}
		o.closes.Requeue(b)
		o.observe("closes", "rollback", start)
		o.log.Error().Err(err).Uint64("batch_id", b.ID).Int("records", len(b.Records)).
			Msg("close batch rolled back and requeued")
		return nil, &SubmissionError{BatchID: b.ID, Cause: err}
	}

	o.setState(StateCommitting)
	var totalFees int64
	for _, d := range deltas {
		totalFees += d.Fees
	}
	o.commit(ctx, "closes", totalFees)
	o.closesSettled.Add(int64(applied))
	o.lastTxID.Store(txID)
	o.observe("closes", "commit", start)
	if o.metrics != nil {
		o.metrics.ClosesSettled.Add(float64(applied))
		o.metrics.LastBatchID.Set(float64(b.ID))
		o.metrics.StoreLeaves.Set(float64(o.store.Len()))
	}

	o.log.Info().Uint64("batch_id", b.ID).Int("records", applied).
		Int("dropped", len(b.Records)-applied).
		Str("tx_id", txID).
		Msg("close batch committed")

	return &BatchResult{
		BatchID: b.ID,
		Records: applied,
		Dropped: len(b.Records) - applied,
		TxID:    txID,
		OldRoot: oldRoot,
		NewRoot: o.store.RootHex(),
		Fees:    totalFees,
	}, nil
}

// applyClose performs the per-close compound mutation: unlock the released
// margin, credit the net payout (PnL minus closing fee), and shrink or
// delete the position. Each step is individually reversible; earlier steps
// are undone when a later one fails.
func (o *Orchestrator) applyClose(ctx context.Context, c *intent.Close) (closeOutcome, error) {
	pos := o.store.Get(c.Trader, c.Asset)
	if pos == nil || pos.Size == 0 {
		return closeOutcome{}, fmt.Errorf("close %s/%s: %w", c.Trader.Hex(), c.Asset, state.ErrPositionNotFound)
	}

	price, err := o.oracle.CurrentPrice(ctx, c.Asset)
	if err != nil {
		return closeOutcome{}, fmt.Errorf("price query: %w", err)
	}

	var closedNotional, marginRelease int64
	if c.IsFullClose() {
		closedNotional = pos.Notional()
		marginRelease = pos.Margin
	} else {
		closedNotional = fpmath.MulDiv(pos.Notional(), c.Percent, 100)
		marginRelease = fpmath.MulDiv(pos.Margin, c.Percent, 100)
	}
	if closedNotional == 0 {
		return closeOutcome{}, fmt.Errorf("close %s/%s: closed notional rounds to zero", c.Trader.Hex(), c.Asset)
	}

	pnl := UnrealizedPnL(pos.SideSign(), closedNotional, pos.EntryPrice, price)
	closeFee := o.fees.CloseFee(closedNotional)

	var undo []func()
	fail := func(cause error) (closeOutcome, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return closeOutcome{}, cause
	}

	// Step 1: release the margin backing the closed portion.
	if err := o.ledger.Unlock(c.Trader, marginRelease); err != nil {
		return closeOutcome{}, err
	}
	undo = append(undo, func() {
		if lockErr := o.ledger.Lock(c.Trader, marginRelease); lockErr != nil {
			panic(fmt.Sprintf("FATAL: close undo relock failed for %s: %v", c.Trader.Hex(), lockErr))
		}
	})

	// Step 2: settle the net payout. A loss plus fee is debited from the
	// just-released margin; a profit net of fee is credited.
	payout := pnl - closeFee
	if payout >= 0 {
		o.ledger.Credit(c.Trader, payout)
		undo = append(undo, func() {
			if _, debitErr := o.ledger.Debit(c.Trader, payout); debitErr != nil {
				panic(fmt.Sprintf("FATAL: close undo payout reversal failed for %s: %v", c.Trader.Hex(), debitErr))
			}
		})
	} else {
		loss := -payout
		rcpt, debitErr := o.ledger.Debit(c.Trader, loss)
		if debitErr != nil {
			return fail(fmt.Errorf("close loss %d uncollectable: %w", loss, debitErr))
		}
		undo = append(undo, func() { o.ledger.UndoDebit(rcpt) })
	}

	// Step 3: delete (full close) or shrink (partial close) the position.
	if c.IsFullClose() || closedNotional == pos.Notional() {
		o.store.Remove(c.Trader, c.Asset)
	} else {
		shrunk := pos.Clone()
		shrunk.Size -= pos.SideSign() * closedNotional
		shrunk.Margin -= marginRelease
		if _, err := o.store.Upsert(shrunk); err != nil {
			return fail(err)
		}
	}

	return closeOutcome{
		asset:          c.Asset,
		closedNotional: pos.SideSign() * closedNotional,
		marginRelease:  marginRelease,
		closeFee:       closeFee,
	}, nil
}

// UnrealizedPnL computes the PnL of closing closedNotional at price against
// an entry price, for a position of the given side. Size is notional, so
// pnl = sideSign * closedNotional * (price - entry) / entry.
func UnrealizedPnL(sideSign, closedNotional, entryPrice, price int64) int64 {
	return sideSign * fpmath.MulDiv(closedNotional, price-entryPrice, entryPrice)
}

// closeDeltas folds applied closes into per-asset aggregates. Quantity and
// margin deltas are negative: closes reduce on-chain exposure.
func closeDeltas(outcomes []closeOutcome) map[intent.AssetID]*batch.AssetDelta {
	deltas := make(map[intent.AssetID]*batch.AssetDelta)
	for _, out := range outcomes {
		d := deltas[out.asset]
		if d == nil {
			d = &batch.AssetDelta{}
			deltas[out.asset] = d
		}
		d.NetQuantity -= out.closedNotional
		d.NetMargin -= out.marginRelease
		d.Fees += out.closeFee
	}
	return deltas
}
