package state

import (
	"github.com/zeebo/blake3"

	"CipherSettle/internal/intent"
	"CipherSettle/internal/merkle"
)

// Position is one trader's exposure in one market. Size is signed notional
// (positive long, negative short); Margin is the collateral currently
// backing it. One position exists per (trader, asset); a zero-size position
// is deleted rather than kept flat.
type Position struct {
	Trader           intent.Address
	Asset            intent.AssetID
	Size             int64
	Margin           int64
	EntryPrice       int64
	EntryFundingRate int64
	LastBorrowUpdate int64 // unix seconds
}

// Key returns the commitment-tree key for this position.
func (p *Position) Key() merkle.Key {
	return merkle.Key{Trader: p.Trader, Asset: uint8(p.Asset)}
}

// Notional returns the unsigned position magnitude.
func (p *Position) Notional() int64 {
	if p.Size < 0 {
		return -p.Size
	}
	return p.Size
}

// SideSign returns +1 for long, -1 for short, 0 when flat.
func (p *Position) SideSign() int64 {
	switch {
	case p.Size > 0:
		return 1
	case p.Size < 0:
		return -1
	default:
		return 0
	}
}

// CanonicalBytes is the deterministic serialization hashed into the leaf.
// Every Position field participates so any mutation changes the commitment.
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, p.Trader[:]...)
	buf = append(buf, byte(p.Asset))
	buf = appendInt64LE(buf, p.Size)
	buf = appendInt64LE(buf, p.Margin)
	buf = appendInt64LE(buf, p.EntryPrice)
	buf = appendInt64LE(buf, p.EntryFundingRate)
	buf = appendInt64LE(buf, p.LastBorrowUpdate)
	return buf
}

// Leaf hashes the position into its commitment leaf.
func (p *Position) Leaf() [32]byte {
	return blake3.Sum256(p.CanonicalBytes())
}

// Clone returns a copy for snapshots.
func (p *Position) Clone() *Position {
	cp := *p
	return &cp
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
