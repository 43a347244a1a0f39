// Package persistence stores engine state in Postgres: periodic full-state
// snapshots for restart recovery, and an append-only history of committed
// batches for audit.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotData is the serialized engine state at a point in time. Balances
// key on hex trader addresses; positions carry every field that feeds the
// commitment leaf, so a restore rebuilds the identical root.
type SnapshotData struct {
	Balances      map[string]BalanceSnap `json:"balances"`
	Positions     []PositionSnap         `json:"positions"`
	Root          string                 `json:"root"`
	NextLeafIndex uint32                 `json:"next_leaf_index"`
	BatchesDone   int64                  `json:"batches_done"`
	CreatedAt     time.Time              `json:"created_at"`
}

// BalanceSnap is one trader's serialized collateral buckets.
type BalanceSnap struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
	Total     int64 `json:"total"`
}

// PositionSnap is one serialized open position. LeafIndex pins the position
// to its commitment tree slot so the rebuilt root is bit-identical.
type PositionSnap struct {
	Trader           string `json:"trader"`
	Asset            uint8  `json:"asset"`
	Size             int64  `json:"size"`
	Margin           int64  `json:"margin"`
	EntryPrice       int64  `json:"entry_price"`
	EntryFundingRate int64  `json:"entry_funding_rate"`
	LastBorrowUpdate int64  `json:"last_borrow_update"`
	LeafIndex        uint32 `json:"leaf_index"`
}

// SnapshotStore reads and writes snapshots.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save persists a snapshot. The stored root lets recovery verify the rebuilt
// commitment tree against what was live when the snapshot was taken.
func (s *SnapshotStore) Save(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settle.snapshots (snapshot_id, root, data, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), snap.Root, data, len(data), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LoadLatest returns the most recent snapshot, or nil on a cold start.
func (s *SnapshotStore) LoadLatest(ctx context.Context) (*SnapshotData, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data FROM settle.snapshots
		ORDER BY created_at DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Prune deletes all but the newest keep snapshots.
func (s *SnapshotStore) Prune(ctx context.Context, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM settle.snapshots
		WHERE snapshot_id NOT IN (
			SELECT snapshot_id FROM settle.snapshots
			ORDER BY created_at DESC
			LIMIT $1
		)
	`, keep)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}
