// Package validate runs the stateless checks on decrypted trade and close
// payloads. All checks run and their errors accumulate; nothing fails fast.
package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"CipherSettle/internal/external"
	"CipherSettle/internal/intent"
	"CipherSettle/internal/state"
)

// Limits are the validation bounds, loaded from the market config.
type Limits struct {
	MinLeverageX     int64 `yaml:"min_leverage_x"`
	MaxLeverageX     int64 `yaml:"max_leverage_x"`
	StalenessWindowS int64 `yaml:"staleness_window_s"`
}

func DefaultLimits() Limits {
	return Limits{MinLeverageX: 1, MaxLeverageX: 10, StalenessWindowS: 120}
}

// ValidationError carries the accumulated rejection reasons for one payload.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Reasons, "; ")
}

// Validator checks payloads against the limits and the oracle's market
// status. It holds no mutable state.
type Validator struct {
	limits Limits
	oracle external.Oracle
	log    zerolog.Logger
}

func New(limits Limits, oracle external.Oracle, log zerolog.Logger) *Validator {
	return &Validator{limits: limits, oracle: oracle, log: log}
}

// Trade validates an open/increase payload. Returns nil on acceptance or a
// *ValidationError listing every failed check.
func (v *Validator) Trade(ctx context.Context, t *intent.Trade, now int64) error {
	var reasons []string

	if t.Trader.IsZero() {
		reasons = append(reasons, "trader address is zero")
	}
	if !t.Asset.Valid() {
		reasons = append(reasons, fmt.Sprintf("asset id %d out of range [0, %d)", t.Asset, intent.AssetCount))
	}
	if t.Quantity <= 0 {
		reasons = append(reasons, "quantity must be positive")
	}
	if t.Margin <= 0 {
		reasons = append(reasons, "margin must be positive")
	}

	if t.Quantity > 0 && t.Margin > 0 {
		// leverage = quantity/margin in [min, max], checked in integers so
		// the boundary is exact: 10.000001x fails, 10.0x passes.
		if t.Quantity < t.Margin*v.limits.MinLeverageX {
			reasons = append(reasons, fmt.Sprintf("leverage below %dx", v.limits.MinLeverageX))
		}
		if t.Quantity > t.Margin*v.limits.MaxLeverageX {
			reasons = append(reasons, fmt.Sprintf("leverage above %dx", v.limits.MaxLeverageX))
		}
	}

	if age := now - t.SubmittedAt; age > v.limits.StalenessWindowS {
		reasons = append(reasons, fmt.Sprintf("payload is stale: age %ds exceeds %ds", age, v.limits.StalenessWindowS))
	}

	if t.Asset.Valid() && v.marketPaused(ctx, t.Asset) {
		reasons = append(reasons, fmt.Sprintf("market %s is paused", t.Asset))
	}

	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}

// Close validates a position-reduction payload. lookup resolves the
// referenced position from the store.
func (v *Validator) Close(ctx context.Context, c *intent.Close, now int64, lookup func(intent.Address, intent.AssetID) *state.Position) error {
	var reasons []string

	if c.Trader.IsZero() {
		reasons = append(reasons, "trader address is zero")
	}
	if !c.Asset.Valid() {
		reasons = append(reasons, fmt.Sprintf("asset id %d out of range [0, %d)", c.Asset, intent.AssetCount))
	}
	if c.Percent <= 0 || c.Percent > 100 {
		reasons = append(reasons, fmt.Sprintf("close percent %d not in (0, 100]", c.Percent))
	}

	if age := now - c.SubmittedAt; age > v.limits.StalenessWindowS {
		reasons = append(reasons, fmt.Sprintf("payload is stale: age %ds exceeds %ds", age, v.limits.StalenessWindowS))
	}

	if !c.Trader.IsZero() && c.Asset.Valid() {
		pos := lookup(c.Trader, c.Asset)
		if pos == nil || pos.Size == 0 {
			reasons = append(reasons, fmt.Sprintf("no open position for %s/%s", c.Trader.Hex(), c.Asset))
		}
	}

	if c.Asset.Valid() && v.marketPaused(ctx, c.Asset) {
		reasons = append(reasons, fmt.Sprintf("market %s is paused", c.Asset))
	}

	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}

// marketPaused queries the oracle. A query failure is treated as NOT paused:
// the engine fails open so an oracle outage does not freeze submissions.
// This is a deliberate policy with a known risk profile — a paused market
// can accept intents while the oracle is down.
func (v *Validator) marketPaused(ctx context.Context, asset intent.AssetID) bool {
	paused, err := v.oracle.IsMarketPaused(ctx, asset)
	if err != nil {
		v.log.Warn().Err(err).Stringer("asset", asset).
			Msg("market status query failed, failing open (treating as not paused)")
		return false
	}
	return paused
}
