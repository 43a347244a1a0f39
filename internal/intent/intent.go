package intent

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Address identifies a trader (20-byte account address, hex-encoded on the wire).
type Address [20]byte

// ParseAddress decodes a 0x-prefixed or bare hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) != 40 {
		return a, fmt.Errorf("address must be 20 bytes of hex, got %d chars", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("invalid address hex: %w", err)
	}
	copy(a[:], raw)
	return a, nil
}

func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// AssetID indexes the fixed set of supported perp markets.
type AssetID uint8

const (
	AssetBTC AssetID = iota
	AssetETH
	AssetSOL
	AssetARB
	AssetDOGE

	AssetCount = 5
)

func (a AssetID) Valid() bool {
	return a < AssetCount
}

func (a AssetID) String() string {
	switch a {
	case AssetBTC:
		return "BTC-PERP"
	case AssetETH:
		return "ETH-PERP"
	case AssetSOL:
		return "SOL-PERP"
	case AssetARB:
		return "ARB-PERP"
	case AssetDOGE:
		return "DOGE-PERP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(a))
	}
}

// AssetBySymbol resolves a market symbol ("BTC-PERP" or bare "BTC") to its
// asset id. Used by the oracle feed to map NATS subjects back to assets.
func AssetBySymbol(sym string) (AssetID, bool) {
	sym = strings.TrimSuffix(strings.ToUpper(sym), "-PERP")
	switch sym {
	case "BTC":
		return AssetBTC, true
	case "ETH":
		return AssetETH, true
	case "SOL":
		return AssetSOL, true
	case "ARB":
		return AssetARB, true
	case "DOGE":
		return AssetDOGE, true
	default:
		return 0, false
	}
}

// Side is the direction of a trade.
type Side uint8

const (
	SideLong Side = iota
	SideShort
)

// Sign returns +1 for long, -1 for short.
func (s Side) Sign() int64 {
	if s == SideShort {
		return -1
	}
	return 1
}

func (s Side) String() string {
	if s == SideShort {
		return "short"
	}
	return "long"
}

// Trade is a decrypted, signature-verified open/increase request.
// Quantity is USD notional (always positive); direction lives in Side.
type Trade struct {
	ID          uuid.UUID `json:"id"`
	Trader      Address   `json:"trader"`
	Asset       AssetID   `json:"asset"`
	Quantity    int64     `json:"quantity"`
	Margin      int64     `json:"margin"`
	Side        Side      `json:"side"`
	SubmittedAt int64     `json:"submitted_at"` // unix seconds
}

// SignedQuantity folds the direction into the notional.
func (t *Trade) SignedQuantity() int64 {
	return t.Side.Sign() * t.Quantity
}

// Close is a decrypted, signature-verified position-reduction request.
// Percent is in (0, 100]; 100 closes the full position.
type Close struct {
	ID          uuid.UUID `json:"id"`
	Trader      Address   `json:"trader"`
	Asset       AssetID   `json:"asset"`
	Percent     int64     `json:"percent"`
	SubmittedAt int64     `json:"submitted_at"`
}

func (c *Close) IsFullClose() bool {
	return c.Percent == 100
}

// Kind tags the payload type inside an encrypted envelope.
type Kind string

const (
	KindTrade Kind = "trade"
	KindClose Kind = "close"
)

// Envelope is the wire form of a submitted intent: an HPKE-encapsulated key,
// the ciphertext, and a signature over the plaintext by the sender.
type Envelope struct {
	Kind            Kind    `json:"kind"`
	Sender          Address `json:"sender"`
	EncapsulatedKey []byte  `json:"encapsulated_key"`
	Ciphertext      []byte  `json:"ciphertext"`
	Signature       []byte  `json:"signature"`
}

// DecodeEnvelope parses the outer submission bytes.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	return &env, nil
}

// DecodeTrade parses a decrypted trade payload.
func DecodeTrade(plaintext []byte) (*Trade, error) {
	var t Trade
	if err := json.Unmarshal(plaintext, &t); err != nil {
		return nil, fmt.Errorf("malformed trade payload: %w", err)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return &t, nil
}

// DecodeClose parses a decrypted close payload.
func DecodeClose(plaintext []byte) (*Close, error) {
	var c Close
	if err := json.Unmarshal(plaintext, &c); err != nil {
		return nil, fmt.Errorf("malformed close payload: %w", err)
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return &c, nil
}
