// Package oracle implements the price/funding/market-status oracle over a
// NATS feed. An upstream publisher pushes per-asset updates; the feed caches
// the latest value per asset and serves reads from memory, so oracle queries
// on the settlement path never block on the network.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"CipherSettle/internal/intent"
	fpmath "CipherSettle/internal/math"
)

// SubjectPrefix is the wildcard root of the oracle feed. Updates arrive on
// cipher.oracle.<asset-symbol>.
const SubjectPrefix = "cipher.oracle"

// wireUpdate is the JSON payload published by the oracle bridge. Price is an
// 18-decimal fixed-point string (on-chain convention); funding rate is a
// 1e18-scaled cumulative rate.
type wireUpdate struct {
	Asset       string `json:"asset"`
	Price       string `json:"price"`
	FundingRate int64  `json:"funding_rate"`
	Paused      bool   `json:"paused"`
	Timestamp   int64  `json:"timestamp"`
}

type assetQuote struct {
	price       int64 // internal scale
	fundingRate int64
	paused      bool
	updatedAt   time.Time
}

// ErrNoQuote is returned when no update has arrived yet for an asset.
type ErrNoQuote struct {
	Asset intent.AssetID
}

func (e *ErrNoQuote) Error() string {
	return fmt.Sprintf("no oracle quote for asset %s", e.Asset)
}

// Feed is the caching NATS oracle. It implements external.Oracle.
type Feed struct {
	mu     sync.RWMutex
	quotes map[intent.AssetID]*assetQuote

	maxAge time.Duration
	log    zerolog.Logger
	sub    *nats.Subscription
}

// NewFeed returns a feed with no quotes. maxAge bounds how old a cached
// quote may be before reads fail; zero disables the age check.
func NewFeed(maxAge time.Duration, log zerolog.Logger) *Feed {
	return &Feed{
		quotes: make(map[intent.AssetID]*assetQuote),
		maxAge: maxAge,
		log:    log,
	}
}

// Subscribe attaches the feed to the NATS connection. Core NATS (not
// JetStream): only the latest quote matters, replay is useless.
func (f *Feed) Subscribe(nc *nats.Conn) error {
	sub, err := nc.Subscribe(SubjectPrefix+".>", f.handle)
	if err != nil {
		return fmt.Errorf("subscribe oracle feed: %w", err)
	}
	f.sub = sub
	f.log.Info().Str("subject", SubjectPrefix+".>").Msg("oracle feed subscribed")
	return nil
}

// Stop unsubscribes from the feed.
func (f *Feed) Stop() {
	if f.sub != nil {
		f.sub.Unsubscribe()
	}
}

func (f *Feed) handle(msg *nats.Msg) {
	var upd wireUpdate
	if err := json.Unmarshal(msg.Data, &upd); err != nil {
		f.log.Warn().Err(err).Str("subject", msg.Subject).Msg("malformed oracle update dropped")
		return
	}

	asset, ok := intent.AssetBySymbol(upd.Asset)
	if !ok {
		f.log.Warn().Str("asset", upd.Asset).Msg("oracle update for unknown asset dropped")
		return
	}

	price, err := NormalizePrice(upd.Price)
	if err != nil {
		f.log.Warn().Err(err).Str("asset", upd.Asset).Msg("unparseable oracle price dropped")
		return
	}

	f.mu.Lock()
	f.quotes[asset] = &assetQuote{
		price:       price,
		fundingRate: upd.FundingRate,
		paused:      upd.Paused,
		updatedAt:   time.Now(),
	}
	f.mu.Unlock()
}

// NormalizePrice converts an 18-decimal wire price string to the engine's
// internal scale. 18-decimal values do not fit in int64 for realistic
// prices, so the conversion runs through arbitrary-precision decimals.
func NormalizePrice(wire string) (int64, error) {
	d, err := decimal.NewFromString(wire)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", wire, err)
	}
	if d.Sign() <= 0 {
		return 0, fmt.Errorf("price %q is not positive", wire)
	}
	// wire is price * 1e18; internal is price * PriceScale
	scaled := d.Shift(-18).Mul(decimal.NewFromInt(fpmath.PriceScale)).Round(0)
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("price %q overflows internal scale", wire)
	}
	v := scaled.IntPart()
	if v <= 0 {
		return 0, fmt.Errorf("price %q rounds to zero at internal scale", wire)
	}
	return v, nil
}

func (f *Feed) quote(asset intent.AssetID) (*assetQuote, error) {
	f.mu.RLock()
	q := f.quotes[asset]
	f.mu.RUnlock()
	if q == nil {
		return nil, &ErrNoQuote{Asset: asset}
	}
	if f.maxAge > 0 && time.Since(q.updatedAt) > f.maxAge {
		return nil, fmt.Errorf("oracle quote for %s is stale (age %s)", asset, time.Since(q.updatedAt).Truncate(time.Millisecond))
	}
	return q, nil
}

// CurrentPrice returns the latest cached price at internal scale.
func (f *Feed) CurrentPrice(ctx context.Context, asset intent.AssetID) (int64, error) {
	q, err := f.quote(asset)
	if err != nil {
		return 0, err
	}
	return q.price, nil
}

// CurrentFundingRate returns the latest cached cumulative funding rate.
func (f *Feed) CurrentFundingRate(ctx context.Context, asset intent.AssetID) (int64, error) {
	q, err := f.quote(asset)
	if err != nil {
		return 0, err
	}
	return q.fundingRate, nil
}

// IsMarketPaused returns the latest cached pause flag.
func (f *Feed) IsMarketPaused(ctx context.Context, asset intent.AssetID) (bool, error) {
	q, err := f.quote(asset)
	if err != nil {
		return false, err
	}
	return q.paused, nil
}

// Seed installs a quote directly, bypassing NATS. Used at startup to avoid a
// no-quote window and by tests.
func (f *Feed) Seed(asset intent.AssetID, price, fundingRate int64, paused bool) {
	f.mu.Lock()
	f.quotes[asset] = &assetQuote{
		price:       price,
		fundingRate: fundingRate,
		paused:      paused,
		updatedAt:   time.Now(),
	}
	f.mu.Unlock()
}
