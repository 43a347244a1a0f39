// Package merkle implements the fixed-depth incremental binary Merkle tree
// used as the position commitment. Leaves are keyed by (trader, asset);
// the zero leaf represents an absent or removed position. The tree never
// compacts: removed leaves keep their index slot so roots stay a pure
// function of the leaf assignment.
package merkle

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// Depth 20 supports ~10^6 leaves.
const Depth = 20

var (
	ErrNotFound = errors.New("no leaf for key")
	ErrTreeFull = errors.New("merkle tree is full")
)

// Key identifies a position leaf.
type Key struct {
	Trader [20]byte
	Asset  uint8
}

// ZeroLeaf marks an absent position.
var ZeroLeaf [32]byte

// Tree is the incremental commitment tree. Interior nodes are stored
// sparsely; untouched subtrees hash to precomputed zero-subtree digests.
type Tree struct {
	levels [Depth + 1]map[uint32][32]byte
	zero   [Depth + 1][32]byte
	index  map[Key]uint32
	next   uint32
}

func NewTree() *Tree {
	t := &Tree{
		index: make(map[Key]uint32),
	}
	for i := range t.levels {
		t.levels[i] = make(map[uint32][32]byte)
	}
	t.zero[0] = ZeroLeaf
	for i := 1; i <= Depth; i++ {
		t.zero[i] = hashPair(t.zero[i-1], t.zero[i-1])
	}
	return t
}

func hashPair(left, right [32]byte) [32]byte {
	h := blake3.New()
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (t *Tree) node(level int, idx uint32) [32]byte {
	if v, ok := t.levels[level][idx]; ok {
		return v
	}
	return t.zero[level]
}

func (t *Tree) setLeaf(idx uint32, leaf [32]byte) {
	t.levels[0][idx] = leaf
	for level := 0; level < Depth; level++ {
		sibling := t.node(level, idx^1)
		var parent [32]byte
		if idx&1 == 0 {
			parent = hashPair(t.node(level, idx), sibling)
		} else {
			parent = hashPair(sibling, t.node(level, idx))
		}
		idx >>= 1
		t.levels[level+1][idx] = parent
	}
}

// Upsert writes the leaf for key, inserting at the next free index on first
// use, and returns the new root. The leaf update is atomic per call: the
// root reflects either the old or the new leaf, never a partial path.
func (t *Tree) Upsert(key Key, leaf [32]byte) ([32]byte, error) {
	idx, ok := t.index[key]
	if !ok {
		if t.next >= 1<<Depth {
			return [32]byte{}, ErrTreeFull
		}
		idx = t.next
		t.next++
		t.index[key] = idx
	}
	t.setLeaf(idx, leaf)
	return t.Root(), nil
}

// Remove zeroes the leaf for key and drops the key mapping. The index slot
// stays consumed. Returns false when the key was never present.
func (t *Tree) Remove(key Key) bool {
	idx, ok := t.index[key]
	if !ok {
		return false
	}
	t.setLeaf(idx, ZeroLeaf)
	delete(t.index, key)
	return true
}

// Has reports whether a live leaf exists for key.
func (t *Tree) Has(key Key) bool {
	_, ok := t.index[key]
	return ok
}

// Size returns the number of live leaves.
func (t *Tree) Size() int {
	return len(t.index)
}

// Root returns the current commitment root.
func (t *Tree) Root() [32]byte {
	return t.node(Depth, 0)
}

// RootHex returns the root as fixed-width hex for on-chain comparison.
func (t *Tree) RootHex() string {
	root := t.Root()
	return "0x" + hex.EncodeToString(root[:])
}

// Proof is an inclusion proof: the leaf, its sibling path bottom-up, and
// the path bits (true = current node is the right child at that level).
type Proof struct {
	Key      Key
	Index    uint32
	Leaf     [32]byte
	Siblings [Depth][32]byte
	PathBits [Depth]bool
}

// Prove builds the inclusion proof for key.
func (t *Tree) Prove(key Key) (*Proof, error) {
	idx, ok := t.index[key]
	if !ok {
		return nil, fmt.Errorf("prove %x/%d: %w", key.Trader, key.Asset, ErrNotFound)
	}

	p := &Proof{Key: key, Index: idx, Leaf: t.node(0, idx)}
	for level := 0; level < Depth; level++ {
		p.Siblings[level] = t.node(level, idx^1)
		p.PathBits[level] = idx&1 == 1
		idx >>= 1
	}
	return p, nil
}

// VerifyProof recomputes the root from a proof and compares.
func VerifyProof(root [32]byte, p *Proof) bool {
	acc := p.Leaf
	for level := 0; level < Depth; level++ {
		if p.PathBits[level] {
			acc = hashPair(p.Siblings[level], acc)
		} else {
			acc = hashPair(acc, p.Siblings[level])
		}
	}
	return acc == root
}

// Checkpoint is an immutable snapshot of the root and the key->index map,
// owned by the settlement orchestrator for the duration of one batch.
type Checkpoint struct {
	Root  [32]byte
	Index map[Key]uint32
	Next  uint32
}

// Checkpoint captures the current root and leaf assignment.
func (t *Tree) Checkpoint() Checkpoint {
	idx := make(map[Key]uint32, len(t.index))
	for k, v := range t.index {
		idx[k] = v
	}
	return Checkpoint{Root: t.Root(), Index: idx, Next: t.next}
}

// Restore rebuilds the tree deterministically from the authoritative
// position set (via leafFn) and reapplies the captured key->index map,
// discarding any mutations made since the checkpoint. The restored root
// must be bit-identical to the captured one; a mismatch means the
// authoritative set diverged from the commitment and is returned as an
// error rather than papered over.
func (t *Tree) Restore(cp Checkpoint, leafFn func(Key) ([32]byte, bool)) error {
	for i := range t.levels {
		t.levels[i] = make(map[uint32][32]byte)
	}
	t.index = make(map[Key]uint32, len(cp.Index))
	t.next = cp.Next

	for key, idx := range cp.Index {
		leaf, ok := leafFn(key)
		if !ok {
			continue
		}
		t.index[key] = idx
		t.setLeaf(idx, leaf)
	}

	if got := t.Root(); got != cp.Root {
		return fmt.Errorf("restored root %x does not match checkpoint root %x",
			got, cp.Root)
	}
	return nil
}

// Rebuild constructs a fresh tree from an index assignment and a leaf
// source. Used by integrity checks to compare against the live tree.
func Rebuild(index map[Key]uint32, next uint32, leafFn func(Key) ([32]byte, bool)) *Tree {
	t := NewTree()
	t.next = next
	for key, idx := range index {
		leaf, ok := leafFn(key)
		if !ok {
			continue
		}
		t.index[key] = idx
		t.setLeaf(idx, leaf)
	}
	return t
}

// IndexSnapshot returns a copy of the live key->index map.
func (t *Tree) IndexSnapshot() map[Key]uint32 {
	idx := make(map[Key]uint32, len(t.index))
	for k, v := range t.index {
		idx[k] = v
	}
	return idx
}

// NextIndex returns the next free leaf slot.
func (t *Tree) NextIndex() uint32 {
	return t.next
}
