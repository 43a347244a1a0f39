package persistence

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CipherSettle/internal/testutil"
)

// These tests need a reachable test Postgres (TEST_POSTGRES_DSN) and
// INTEGRATION_TEST=1.

func setup(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, EnsureSchema(ctx, db))

	// A previously aborted run may have left rows behind.
	_, err := db.ExecContext(ctx, "TRUNCATE settle.snapshots, settle.batch_history")
	require.NoError(t, err)
	return db, cleanup
}

func testSnapshot(root string) *SnapshotData {
	return &SnapshotData{
		Balances: map[string]BalanceSnap{
			"0x0000000000000000000000000000000000000001": {Available: 100, Locked: 50, Total: 150},
		},
		Positions: []PositionSnap{
			{Trader: "0x0000000000000000000000000000000000000001", Asset: 0, Size: 1000, Margin: 200, EntryPrice: 100_000_000, LeafIndex: 0},
		},
		Root:          root,
		NextLeafIndex: 1,
		BatchesDone:   3,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestSnapshotSaveLoadPrune(t *testing.T) {
	db, cleanup := setup(t)
	defer cleanup()
	store := NewSnapshotStore(db)
	ctx := context.Background()

	// Cold start.
	snap, err := store.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)

	first := testSnapshot("0xaaaa")
	require.NoError(t, store.Save(ctx, first))

	second := testSnapshot("0xbbbb")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	require.NoError(t, store.Save(ctx, second))

	got, err := store.LoadLatest(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "0xbbbb", got.Root)
	assert.Equal(t, uint32(1), got.NextLeafIndex)
	assert.Equal(t, first.Balances, got.Balances)

	// Prune keeps only the newest.
	require.NoError(t, store.Prune(ctx, 1))
	got, err = store.LoadLatest(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "0xbbbb", got.Root)
}

func TestHistoryWriterFlushesAndDeduplicates(t *testing.T) {
	db, cleanup := setup(t)
	defer cleanup()

	ch := make(chan BatchRow, 16)
	writer := NewHistoryWriter(db, ch, 4, 50*time.Millisecond, zerolog.Nop(), nil)

	done := make(chan error, 1)
	go func() { done <- writer.Run(context.Background()) }()

	row := BatchRow{
		BatchID: 7, Pipeline: "trades", TxID: "0xtx000001",
		OldRoot: "0xaaaa", NewRoot: "0xbbbb",
		Records: 3, Dropped: 1, Fees: 42, SettledAt: time.Now().UTC(),
	}
	ch <- row
	ch <- row // same (batch_id, pipeline): ON CONFLICT drops it
	row2 := row
	row2.Pipeline = "closes"
	ch <- row2

	close(ch)
	require.NoError(t, <-done) // closing the channel forces the final flush

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM settle.batch_history").Scan(&count))
	assert.Equal(t, 2, count)

	var fees int64
	require.NoError(t, db.QueryRow(
		"SELECT fees FROM settle.batch_history WHERE batch_id = 7 AND pipeline = 'trades'").Scan(&fees))
	assert.Equal(t, int64(42), fees)
}
