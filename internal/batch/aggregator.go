// Package batch accumulates validated trade and close records between
// settlements and computes per-asset net deltas. A single in-progress flag
// serializes settlement attempts: concurrent starts are rejected, not queued.
package batch

import (
	"sync"

	"CipherSettle/internal/intent"
)

// TradeRecord is a validated trade queued for settlement. OpenFee and
// NetMargin (margin minus open fee, what actually gets locked on-chain)
// are computed at submission time so the aggregator's deltas are stable.
type TradeRecord struct {
	Trade     *intent.Trade
	OpenFee   int64
	NetMargin int64
}

// CloseRecord is a validated close queued for the close pipeline. PnL and
// fees depend on the settlement-time price, so only the intent is carried.
type CloseRecord struct {
	Close *intent.Close
}

// AssetDelta is the per-asset aggregate over one batch: net signed quantity,
// net post-fee margin, and the fees accumulated for auditing. Discarded
// after settlement or merged back into pending on rollback.
type AssetDelta struct {
	NetQuantity int64
	NetMargin   int64
	Fees        int64
}

// Batch is an ordered slice of records with a monotonically increasing id.
type Batch[T any] struct {
	ID      uint64
	Records []T
}

// Aggregator holds the pending queue for one pipeline. The trade and close
// pipelines each own an instance with their own batching cadence.
type Aggregator[T any] struct {
	mu         sync.Mutex
	queue      []T
	inProgress bool
	nextID     uint64
}

func NewAggregator[T any]() *Aggregator[T] {
	return &Aggregator[T]{nextID: 1}
}

// Enqueue appends a validated record to the pending queue.
func (a *Aggregator[T]) Enqueue(rec T) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(a.queue, rec)
}

// Len returns the pending queue depth.
func (a *Aggregator[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// InProgress reports whether a settlement attempt holds the flag.
func (a *Aggregator[T]) InProgress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inProgress
}

// TryBegin atomically claims the in-progress flag and drains the queue into
// an immutable batch. Returns ok=false when a settlement is already running
// or the queue is empty; the caller must not retry, the next trigger will.
func (a *Aggregator[T]) TryBegin() (*Batch[T], bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inProgress || len(a.queue) == 0 {
		return nil, false
	}

	b := &Batch[T]{ID: a.nextID, Records: a.queue}
	a.nextID++
	a.queue = nil
	a.inProgress = true
	return b, true
}

// Finish releases the in-progress flag after a success or a rollback.
func (a *Aggregator[T]) Finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inProgress = false
}

// Requeue pushes a failed batch back to the FRONT of the pending queue so
// its records retry in their original relative order, ahead of anything
// submitted while the batch was in flight.
func (a *Aggregator[T]) Requeue(b *Batch[T]) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(append(make([]T, 0, len(b.Records)+len(a.queue)), b.Records...), a.queue...)
}

// NetDeltas folds a trade batch into per-asset aggregates: signed quantity
// (+long/-short), post-fee margin, and fees tracked separately.
func NetDeltas(records []TradeRecord) map[intent.AssetID]*AssetDelta {
	deltas := make(map[intent.AssetID]*AssetDelta)
	for _, rec := range records {
		d := deltas[rec.Trade.Asset]
		if d == nil {
			d = &AssetDelta{}
			deltas[rec.Trade.Asset] = d
		}
		d.NetQuantity += rec.Trade.SignedQuantity()
		d.NetMargin += rec.NetMargin
		d.Fees += rec.OpenFee
	}
	return deltas
}
