// Package engine is the facade over the whole settlement pipeline: it takes
// encrypted intent envelopes from ingestion, runs decrypt/verify/validate,
// reserves collateral, queues records for the aggregators, and drives the
// orchestrator on behalf of the schedulers. One mutex serializes every state
// mutation, so the ledger and store never see concurrent writers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"CipherSettle/internal/batch"
	"CipherSettle/internal/external"
	"CipherSettle/internal/fees"
	"CipherSettle/internal/intent"
	"CipherSettle/internal/ledger"
	"CipherSettle/internal/observability"
	"CipherSettle/internal/settle"
	"CipherSettle/internal/state"
	"CipherSettle/internal/validate"
)

var (
	// ErrDecryptionFailed marks an envelope whose ciphertext could not be
	// opened. Always a rejection, never a crash.
	ErrDecryptionFailed = errors.New("intent decryption failed")

	// ErrSignatureMismatch marks a plaintext whose signature does not verify
	// against the envelope sender.
	ErrSignatureMismatch = errors.New("intent signature mismatch")

	// ErrSenderMismatch marks a payload whose trader differs from the
	// envelope sender that signed it.
	ErrSenderMismatch = errors.New("payload trader does not match envelope sender")

	// ErrDuplicateIntent marks a replayed intent id.
	ErrDuplicateIntent = errors.New("duplicate intent id")

	// ErrWrongKind marks an envelope submitted on the wrong subject.
	ErrWrongKind = errors.New("unexpected intent kind")
)

// Stats is a point-in-time view of the engine for operators and tests.
type Stats struct {
	PendingTrades int
	PendingCloses int
	Processed     int64
	Batches       int64
	InProgress    bool
	Halted        bool
	Root          string
}

// Engine wires the submission path to the settlement pipeline.
type Engine struct {
	mu sync.Mutex

	decrypter external.Decrypter
	verifier  external.Verifier
	validator *validate.Validator
	feeParams fees.Params

	led    *ledger.Ledger
	store  *state.PositionStore
	trades *batch.Aggregator[batch.TradeRecord]
	closes *batch.Aggregator[batch.CloseRecord]
	orch   *settle.Orchestrator

	dedup   *intentLRU
	log     zerolog.Logger
	metrics *observability.Metrics
}

func New(
	decrypter external.Decrypter,
	verifier external.Verifier,
	validator *validate.Validator,
	feeParams fees.Params,
	led *ledger.Ledger,
	store *state.PositionStore,
	trades *batch.Aggregator[batch.TradeRecord],
	closes *batch.Aggregator[batch.CloseRecord],
	orch *settle.Orchestrator,
	dedupCapacity int,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Engine {
	return &Engine{
		decrypter: decrypter,
		verifier:  verifier,
		validator: validator,
		feeParams: feeParams,
		led:       led,
		store:     store,
		trades:    trades,
		closes:    closes,
		orch:      orch,
		dedup:     newIntentLRU(dedupCapacity),
		log:       log,
		metrics:   metrics,
	}
}

// open runs the shared envelope stages: decode, decrypt, verify. The
// returned plaintext is the signed payload.
func (e *Engine) open(data []byte, want intent.Kind) (*intent.Envelope, []byte, error) {
	env, err := intent.DecodeEnvelope(data)
	if err != nil {
		return nil, nil, err
	}
	if env.Kind != want {
		return nil, nil, fmt.Errorf("%w: got %q on %q subject", ErrWrongKind, env.Kind, want)
	}

	plaintext, err := e.decrypter.Decrypt(env.EncapsulatedKey, env.Ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if !e.verifier.Verify(env.Signature, plaintext, env.Sender) {
		return nil, nil, ErrSignatureMismatch
	}
	return env, plaintext, nil
}

// SubmitEncryptedIntent processes one encrypted trade envelope end to end:
// decrypt, verify, validate, reserve the gross margin, enqueue. Any returned
// error is a final rejection of this envelope.
func (e *Engine) SubmitEncryptedIntent(ctx context.Context, data []byte) error {
	env, plaintext, err := e.open(data, intent.KindTrade)
	if err != nil {
		return e.reject("trade", rejectReason(err), err)
	}

	t, err := intent.DecodeTrade(plaintext)
	if err != nil {
		return e.reject("trade", "malformed", err)
	}
	if t.Trader != env.Sender {
		return e.reject("trade", "sender_mismatch",
			fmt.Errorf("%w: payload %s, envelope %s", ErrSenderMismatch, t.Trader.Hex(), env.Sender.Hex()))
	}

	if err := e.validator.Trade(ctx, t, time.Now().Unix()); err != nil {
		return e.reject("trade", "validation", err)
	}

	openFee := e.feeParams.OpenFee(t.Quantity)
	if openFee >= t.Margin {
		return e.reject("trade", "fee_exceeds_collateral",
			fmt.Errorf("%w: open fee %d vs margin %d", fees.ErrFeeExceedsCollateral, openFee, t.Margin))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dedup.seen(t.ID) {
		return e.reject("trade", "duplicate", fmt.Errorf("%w: %s", ErrDuplicateIntent, t.ID))
	}

	// Reserve the full margin now; the open fee converts out of it at
	// settlement so the fee cannot be double-spent while the trade pends.
	if err := e.led.Lock(t.Trader, t.Margin); err != nil {
		return e.reject("trade", "insufficient_funds", err)
	}

	e.dedup.record(t.ID)
	e.trades.Enqueue(batch.TradeRecord{
		Trade:     t,
		OpenFee:   openFee,
		NetMargin: t.Margin - openFee,
	})
	e.accept("trade", e.trades.Len())

	e.log.Debug().Str("intent", t.ID.String()).Str("trader", t.Trader.Hex()).
		Stringer("asset", t.Asset).Int64("quantity", t.Quantity).Int64("margin", t.Margin).
		Msg("trade intent queued")
	return nil
}

// SubmitCloseIntent processes one encrypted close envelope. Closes reserve
// nothing at submission; PnL and fees depend on the settlement-time price.
func (e *Engine) SubmitCloseIntent(ctx context.Context, data []byte) error {
	env, plaintext, err := e.open(data, intent.KindClose)
	if err != nil {
		return e.reject("close", rejectReason(err), err)
	}

	c, err := intent.DecodeClose(plaintext)
	if err != nil {
		return e.reject("close", "malformed", err)
	}
	if c.Trader != env.Sender {
		return e.reject("close", "sender_mismatch",
			fmt.Errorf("%w: payload %s, envelope %s", ErrSenderMismatch, c.Trader.Hex(), env.Sender.Hex()))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validator.Close(ctx, c, time.Now().Unix(), e.store.Get); err != nil {
		return e.reject("close", "validation", err)
	}
	if e.dedup.seen(c.ID) {
		return e.reject("close", "duplicate", fmt.Errorf("%w: %s", ErrDuplicateIntent, c.ID))
	}

	e.dedup.record(c.ID)
	e.closes.Enqueue(batch.CloseRecord{Close: c})
	e.accept("close", e.closes.Len())

	e.log.Debug().Str("intent", c.ID.String()).Str("trader", c.Trader.Hex()).
		Stringer("asset", c.Asset).Int64("percent", c.Percent).
		Msg("close intent queued")
	return nil
}

func (e *Engine) accept(kind string, depth int) {
	if e.metrics != nil {
		e.metrics.IntentsAccepted.WithLabelValues(kind).Inc()
		e.metrics.QueueDepth.WithLabelValues(kind).Set(float64(depth))
	}
}

func (e *Engine) reject(kind, reason string, err error) error {
	if e.metrics != nil {
		e.metrics.IntentsRejected.WithLabelValues(kind, reason).Inc()
	}
	e.log.Warn().Err(err).Str("kind", kind).Str("reason", reason).Msg("intent rejected")
	return err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrDecryptionFailed):
		return "decrypt"
	case errors.Is(err, ErrSignatureMismatch):
		return "signature"
	case errors.Is(err, ErrWrongKind):
		return "wrong_kind"
	default:
		return "malformed"
	}
}

// TradeSink adapts the trade submission path for ingestion. Rejections are
// final (acked upstream); only a cancelled context asks for redelivery.
func (e *Engine) TradeSink() func(ctx context.Context, data []byte) error {
	return func(ctx context.Context, data []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.SubmitEncryptedIntent(ctx, data)
		return nil
	}
}

// CloseSink adapts the close submission path for ingestion.
func (e *Engine) CloseSink() func(ctx context.Context, data []byte) error {
	return func(ctx context.Context, data []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.SubmitCloseIntent(ctx, data)
		return nil
	}
}

// SettleTrades runs one trade settlement attempt under the engine mutex.
// (nil, nil) means nothing to do.
func (e *Engine) SettleTrades(ctx context.Context) (*settle.BatchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.orch.SettleTrades(ctx)
	e.updateQueueDepth()
	return res, err
}

// SettleCloses runs one close settlement attempt under the engine mutex.
func (e *Engine) SettleCloses(ctx context.Context) (*settle.BatchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.orch.SettleCloses(ctx)
	e.updateQueueDepth()
	return res, err
}

// ForceSettlement triggers both pipelines immediately, trades first.
// Returns the trade batch result; a trade-pipeline error short-circuits.
func (e *Engine) ForceSettlement(ctx context.Context) (*settle.BatchResult, error) {
	res, err := e.SettleTrades(ctx)
	if err != nil {
		return res, err
	}
	if _, err := e.SettleCloses(ctx); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) updateQueueDepth() {
	if e.metrics != nil {
		e.metrics.QueueDepth.WithLabelValues("trade").Set(float64(e.trades.Len()))
		e.metrics.QueueDepth.WithLabelValues("close").Set(float64(e.closes.Len()))
	}
}

// PendingTrades returns the trade queue depth, for size-threshold triggers.
func (e *Engine) PendingTrades() int { return e.trades.Len() }

// PendingCloses returns the close queue depth.
func (e *Engine) PendingCloses() int { return e.closes.Len() }

// Stats snapshots the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		PendingTrades: e.trades.Len(),
		PendingCloses: e.closes.Len(),
		Processed:     e.orch.TradesSettled() + e.orch.ClosesSettled(),
		Batches:       e.orch.BatchesDone(),
		InProgress:    e.trades.InProgress() || e.closes.InProgress(),
		Halted:        e.orch.Halted(),
		Root:          e.store.RootHex(),
	}
}

// VerifyIntegrity re-checks the commitment store under the engine mutex.
func (e *Engine) VerifyIntegrity() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orch.VerifyIntegrity()
}
