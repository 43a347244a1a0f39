package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"CipherSettle/internal/external"
	"CipherSettle/internal/intent"
)

// FakeOracle serves fixed per-asset quotes.
type FakeOracle struct {
	mu      sync.Mutex
	Prices  map[intent.AssetID]int64
	Rates   map[intent.AssetID]int64
	Paused  map[intent.AssetID]bool
	FailAll bool
}

func NewFakeOracle() *FakeOracle {
	return &FakeOracle{
		Prices: make(map[intent.AssetID]int64),
		Rates:  make(map[intent.AssetID]int64),
		Paused: make(map[intent.AssetID]bool),
	}
}

func (o *FakeOracle) SetPrice(asset intent.AssetID, price int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Prices[asset] = price
}

func (o *FakeOracle) SetRate(asset intent.AssetID, rate int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Rates[asset] = rate
}

func (o *FakeOracle) SetPaused(asset intent.AssetID, paused bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Paused[asset] = paused
}

func (o *FakeOracle) CurrentPrice(_ context.Context, asset intent.AssetID) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.FailAll {
		return 0, errors.New("fake oracle down")
	}
	p, ok := o.Prices[asset]
	if !ok {
		return 0, fmt.Errorf("fake oracle: no price for %s", asset)
	}
	return p, nil
}

func (o *FakeOracle) CurrentFundingRate(_ context.Context, asset intent.AssetID) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.FailAll {
		return 0, errors.New("fake oracle down")
	}
	return o.Rates[asset], nil
}

func (o *FakeOracle) IsMarketPaused(_ context.Context, asset intent.AssetID) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.FailAll {
		return false, errors.New("fake oracle down")
	}
	return o.Paused[asset], nil
}

// FakeSettlementClient records submissions and can be switched to fail.
type FakeSettlementClient struct {
	mu          sync.Mutex
	Submissions []external.BatchSubmission
	Fail        bool
	Block       chan struct{} // when non-nil, SubmitBatch waits on it (timeout tests)
}

func (c *FakeSettlementClient) SetFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Fail = fail
}

func (c *FakeSettlementClient) SubmitBatch(ctx context.Context, sub external.BatchSubmission) (string, error) {
	c.mu.Lock()
	block := c.Block
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail {
		return "", errors.New("fake chain: submission rejected")
	}
	c.Submissions = append(c.Submissions, sub)
	return fmt.Sprintf("0xtx%06d", len(c.Submissions)), nil
}

func (c *FakeSettlementClient) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Submissions)
}

func (c *FakeSettlementClient) Last() external.BatchSubmission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Submissions[len(c.Submissions)-1]
}

// FakeFeeSink accumulates transferred fees.
type FakeFeeSink struct {
	mu    sync.Mutex
	Total int64
	Fail  bool
}

func (s *FakeFeeSink) Transfer(_ context.Context, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return errors.New("fake fee sink down")
	}
	s.Total += amount
	return nil
}

func (s *FakeFeeSink) Collected() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Total
}

// PlainDecrypter treats the ciphertext as plaintext, rejecting a magic
// marker so tests can exercise the decrypt-failure path.
type PlainDecrypter struct{}

func (PlainDecrypter) Decrypt(_, ciphertext []byte) ([]byte, error) {
	if string(ciphertext) == "GARBAGE" {
		return nil, errors.New("undecipherable")
	}
	return ciphertext, nil
}

// StaticVerifier accepts any signature equal to "ok".
type StaticVerifier struct{}

func (StaticVerifier) Verify(signature, _ []byte, _ intent.Address) bool {
	return string(signature) == "ok"
}

// Addr builds a deterministic test address from a single byte.
func Addr(b byte) intent.Address {
	var a intent.Address
	a[19] = b
	return a
}

// SealEnvelope wraps a payload into the wire envelope form used by the fake
// decrypter/verifier pair.
func SealEnvelope(t *testing.T, kind intent.Kind, sender intent.Address, payload any) []byte {
	t.Helper()
	plaintext, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, err := json.Marshal(intent.Envelope{
		Kind:            kind,
		Sender:          sender,
		EncapsulatedKey: []byte("key"),
		Ciphertext:      plaintext,
		Signature:       []byte("ok"),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}
