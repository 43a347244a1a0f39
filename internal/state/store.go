package state

import (
	"errors"
	"fmt"
	"sort"

	"CipherSettle/internal/intent"
	"CipherSettle/internal/merkle"
)

var (
	ErrPositionNotFound   = errors.New("position not found")
	ErrIntegrityCheckFail = errors.New("integrity check failed")
)

// PositionStore pairs the authoritative position set with its Merkle
// commitment. Every mutation keeps the two consistent: the tree root is
// always a deterministic function of the current position set.
type PositionStore struct {
	positions map[merkle.Key]*Position
	tree      *merkle.Tree
}

func NewPositionStore() *PositionStore {
	return &PositionStore{
		positions: make(map[merkle.Key]*Position),
		tree:      merkle.NewTree(),
	}
}

// Get returns the live position for (trader, asset), or nil.
func (s *PositionStore) Get(trader intent.Address, asset intent.AssetID) *Position {
	return s.positions[merkle.Key{Trader: trader, Asset: uint8(asset)}]
}

// All returns the live positions (shared pointers; callers must not mutate
// outside the orchestrator's exclusive section).
func (s *PositionStore) All() []*Position {
	out := make([]*Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}

// Len returns the number of open positions.
func (s *PositionStore) Len() int {
	return len(s.positions)
}

// Upsert writes the position and its leaf, returning the new root.
func (s *PositionStore) Upsert(p *Position) ([32]byte, error) {
	key := p.Key()
	root, err := s.tree.Upsert(key, p.Leaf())
	if err != nil {
		return [32]byte{}, fmt.Errorf("upsert %s/%s: %w", p.Trader.Hex(), p.Asset, err)
	}
	s.positions[key] = p
	return root, nil
}

// Remove deletes the position and zeroes its leaf. Returns false when the
// pair had no open position.
func (s *PositionStore) Remove(trader intent.Address, asset intent.AssetID) bool {
	key := merkle.Key{Trader: trader, Asset: uint8(asset)}
	if _, ok := s.positions[key]; !ok {
		return false
	}
	delete(s.positions, key)
	return s.tree.Remove(key)
}

// Root returns the commitment root.
func (s *PositionStore) Root() [32]byte {
	return s.tree.Root()
}

// RootHex returns the fixed-width hex root for on-chain comparison.
func (s *PositionStore) RootHex() string {
	return s.tree.RootHex()
}

// Prove builds an inclusion proof for the pair's leaf.
func (s *PositionStore) Prove(trader intent.Address, asset intent.AssetID) (*merkle.Proof, error) {
	key := merkle.Key{Trader: trader, Asset: uint8(asset)}
	if _, ok := s.positions[key]; !ok {
		return nil, fmt.Errorf("prove %s/%s: %w", trader.Hex(), asset, ErrPositionNotFound)
	}
	return s.tree.Prove(key)
}

// Checkpoint captures the tree state and a deep copy of the position set.
// The checkpoint is owned by the settlement orchestrator for one batch.
type Checkpoint struct {
	Tree      merkle.Checkpoint
	Positions map[merkle.Key]*Position
}

func (s *PositionStore) Checkpoint() *Checkpoint {
	positions := make(map[merkle.Key]*Position, len(s.positions))
	for k, v := range s.positions {
		positions[k] = v.Clone()
	}
	return &Checkpoint{
		Tree:      s.tree.Checkpoint(),
		Positions: positions,
	}
}

// Restore discards all mutations since the checkpoint: the position set is
// replaced by the captured copy and the tree is rebuilt deterministically
// from it, reapplying the captured key->index map. The restored root is
// bit-identical to the captured one or the restore fails.
func (s *PositionStore) Restore(cp *Checkpoint) error {
	s.positions = make(map[merkle.Key]*Position, len(cp.Positions))
	for k, v := range cp.Positions {
		s.positions[k] = v.Clone()
	}

	err := s.tree.Restore(cp.Tree, func(key merkle.Key) ([32]byte, bool) {
		p, ok := s.positions[key]
		if !ok {
			return [32]byte{}, false
		}
		return p.Leaf(), true
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrityCheckFail, err)
	}
	return nil
}

// IndexedPosition pairs a position with its tree leaf index for export.
type IndexedPosition struct {
	Position  *Position
	LeafIndex uint32
}

// ExportIndexed returns deep copies of the live positions with their leaf
// indices, plus the tree's next free index. Removed positions leave consumed
// slots behind; carrying the indices lets a restore rebuild the identical
// commitment, holes included.
func (s *PositionStore) ExportIndexed() ([]IndexedPosition, uint32) {
	idx := s.tree.IndexSnapshot()
	out := make([]IndexedPosition, 0, len(s.positions))
	for k, p := range s.positions {
		out = append(out, IndexedPosition{Position: p.Clone(), LeafIndex: idx[k]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeafIndex < out[j].LeafIndex })
	return out, s.tree.NextIndex()
}

// LoadIndexed replaces the store contents, reassigning each position its
// recorded leaf index. Callers verify the resulting root against the
// expected commitment.
func (s *PositionStore) LoadIndexed(items []IndexedPosition, next uint32) {
	s.positions = make(map[merkle.Key]*Position, len(items))
	index := make(map[merkle.Key]uint32, len(items))
	for _, it := range items {
		key := it.Position.Key()
		s.positions[key] = it.Position.Clone()
		index[key] = it.LeafIndex
	}

	s.tree = merkle.Rebuild(index, next, func(key merkle.Key) ([32]byte, bool) {
		p, ok := s.positions[key]
		if !ok {
			return [32]byte{}, false
		}
		return p.Leaf(), true
	})
}

// VerifyIntegrity rebuilds a fresh tree from the authoritative position set
// under the live index assignment and compares roots. A divergence means a
// latent consistency bug, not a transient condition; callers halt new
// settlements until it is resolved. Not for the hot path.
func (s *PositionStore) VerifyIntegrity() error {
	rebuilt := merkle.Rebuild(s.tree.IndexSnapshot(), s.tree.NextIndex(),
		func(key merkle.Key) ([32]byte, bool) {
			p, ok := s.positions[key]
			if !ok {
				return [32]byte{}, false
			}
			return p.Leaf(), true
		})

	if rebuilt.Root() != s.tree.Root() {
		return fmt.Errorf("%w: live root %x, rebuilt root %x",
			ErrIntegrityCheckFail, s.tree.Root(), rebuilt.Root())
	}
	return nil
}
