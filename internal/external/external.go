// Package external declares the engine's collaborators: decryption and
// signature verification, the price/market oracle, the on-chain settlement
// contract, and the protocol fee sink. The core consumes these as
// interfaces and never implements the cryptography or contracts itself.
package external

import (
	"context"

	"CipherSettle/internal/intent"
)

// Decrypter opens an HPKE-sealed payload. A failure is a rejected intent,
// never a crash.
type Decrypter interface {
	Decrypt(encapsulatedKey, ciphertext []byte) ([]byte, error)
}

// Verifier checks a detached signature over the plaintext payload against
// the expected signer.
type Verifier interface {
	Verify(signature, message []byte, signer intent.Address) bool
}

// Oracle provides prices, cumulative funding rates, and market status.
// Prices are 18-decimal fixed point on the wire; adapters normalize to the
// engine's internal price scale.
type Oracle interface {
	CurrentPrice(ctx context.Context, asset intent.AssetID) (int64, error)
	CurrentFundingRate(ctx context.Context, asset intent.AssetID) (int64, error)
	IsMarketPaused(ctx context.Context, asset intent.AssetID) (bool, error)
}

// BatchSubmission is the aggregate update sent to the settlement contract.
// The remote side applies it atomically across the whole batch.
type BatchSubmission struct {
	BatchID         uint64
	AssetIDs        []intent.AssetID
	OldRoots        []string
	NewRoots        []string
	NetQtyDeltas    []int64
	NetMarginDeltas []int64
}

// SettlementClient submits net exposure deltas on-chain. This is the single
// point of interaction with the unreliable external dependency.
type SettlementClient interface {
	SubmitBatch(ctx context.Context, sub BatchSubmission) (txID string, err error)
}

// FeeSink receives collected protocol fees.
type FeeSink interface {
	Transfer(ctx context.Context, amount int64) error
}
