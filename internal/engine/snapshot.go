package engine

import (
	"fmt"
	"time"

	"CipherSettle/internal/intent"
	"CipherSettle/internal/ledger"
	"CipherSettle/internal/persistence"
	"CipherSettle/internal/state"
)

// CreateSnapshot captures the full engine state for persistence. Taken under
// the engine mutex so it never observes a half-applied batch.
func (e *Engine) CreateSnapshot() *persistence.SnapshotData {
	e.mu.Lock()
	defer e.mu.Unlock()

	balances := e.led.Snapshot()
	indexed, next := e.store.ExportIndexed()

	snap := &persistence.SnapshotData{
		Balances:      make(map[string]persistence.BalanceSnap, len(balances)),
		Positions:     make([]persistence.PositionSnap, 0, len(indexed)),
		Root:          e.store.RootHex(),
		NextLeafIndex: next,
		BatchesDone:   e.orch.BatchesDone(),
		CreatedAt:     time.Now().UTC(),
	}

	for trader, b := range balances {
		snap.Balances[trader.Hex()] = persistence.BalanceSnap{
			Available: b.Available,
			Locked:    b.Locked,
			Total:     b.Total,
		}
	}

	for _, it := range indexed {
		p := it.Position
		snap.Positions = append(snap.Positions, persistence.PositionSnap{
			Trader:           p.Trader.Hex(),
			Asset:            uint8(p.Asset),
			Size:             p.Size,
			Margin:           p.Margin,
			EntryPrice:       p.EntryPrice,
			EntryFundingRate: p.EntryFundingRate,
			LastBorrowUpdate: p.LastBorrowUpdate,
			LeafIndex:        it.LeafIndex,
		})
	}
	return snap
}

// RestoreSnapshot loads a persisted snapshot into the live ledger and store
// and verifies the rebuilt commitment root against the stored one. Called at
// startup before any intents are accepted.
func (e *Engine) RestoreSnapshot(snap *persistence.SnapshotData) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	balances := make(map[intent.Address]ledger.Balance, len(snap.Balances))
	for hexAddr, b := range snap.Balances {
		trader, err := intent.ParseAddress(hexAddr)
		if err != nil {
			return fmt.Errorf("snapshot balance key: %w", err)
		}
		balances[trader] = ledger.Balance{Available: b.Available, Locked: b.Locked, Total: b.Total}
	}

	indexed := make([]state.IndexedPosition, 0, len(snap.Positions))
	for _, ps := range snap.Positions {
		trader, err := intent.ParseAddress(ps.Trader)
		if err != nil {
			return fmt.Errorf("snapshot position trader: %w", err)
		}
		indexed = append(indexed, state.IndexedPosition{
			Position: &state.Position{
				Trader:           trader,
				Asset:            intent.AssetID(ps.Asset),
				Size:             ps.Size,
				Margin:           ps.Margin,
				EntryPrice:       ps.EntryPrice,
				EntryFundingRate: ps.EntryFundingRate,
				LastBorrowUpdate: ps.LastBorrowUpdate,
			},
			LeafIndex: ps.LeafIndex,
		})
	}

	e.led.Restore(balances)
	e.store.LoadIndexed(indexed, snap.NextLeafIndex)

	if got := e.store.RootHex(); got != snap.Root {
		return fmt.Errorf("%w: snapshot root %s, rebuilt root %s",
			state.ErrIntegrityCheckFail, snap.Root, got)
	}
	if err := e.led.ValidateAllInvariants(); err != nil {
		return err
	}

	e.log.Info().Int("balances", len(balances)).Int("positions", len(indexed)).
		Str("root", snap.Root).Time("taken_at", snap.CreatedAt).
		Msg("state restored from snapshot")
	return nil
}
