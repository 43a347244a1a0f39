package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, 64, cfg.TradeBatchSize)
	assert.Equal(t, 5*time.Second, cfg.SettleInterval)
	assert.Equal(t, 30*time.Second, cfg.SubmitTimeout)
	assert.Equal(t, ":9091", cfg.MetricsAddr)
	assert.Empty(t, cfg.ParamsPath)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CIPHER_NATS_URL", "nats://broker:4222")
	t.Setenv("CIPHER_TRADE_BATCH_SIZE", "128")
	t.Setenv("CIPHER_SETTLE_INTERVAL", "250ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "nats://broker:4222", cfg.NATSURL)
	assert.Equal(t, 128, cfg.TradeBatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.SettleInterval)
}

func TestLoadParamsDefaultsWithoutFile(t *testing.T) {
	p, err := LoadParams("")
	require.NoError(t, err)
	assert.Equal(t, DefaultParams(), p)
	assert.NoError(t, p.Validate())
}

func TestLoadParamsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
fees:
  open_fee_bps: 25
  borrow_annual_bps: 800
limits:
  max_leverage_x: 20
`), 0o600))

	p, err := LoadParams(path)
	require.NoError(t, err)

	assert.Equal(t, int64(25), p.Fees.OpenFeeBps)
	assert.Equal(t, int64(800), p.Fees.BorrowAnnualBps)
	assert.Equal(t, int64(20), p.Limits.MaxLeverageX)

	// Omitted fields keep the built-in defaults.
	def := DefaultParams()
	assert.Equal(t, def.Fees.CloseFeeBps, p.Fees.CloseFeeBps)
	assert.Equal(t, def.Limits.StalenessWindowS, p.Limits.StalenessWindowS)
}

func TestLoadParamsMissingFile(t *testing.T) {
	_, err := LoadParams(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadParamsRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
limits:
  min_leverage_x: 5
  max_leverage_x: 2
`), 0o600))

	_, err := LoadParams(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below min leverage")
}

func TestParamsValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"negative fee", func(p *Params) { p.Fees.OpenFeeBps = -1 }},
		{"min leverage zero", func(p *Params) { p.Limits.MinLeverageX = 0 }},
		{"max below min", func(p *Params) { p.Limits.MaxLeverageX = 0 }},
		{"staleness zero", func(p *Params) { p.Limits.StalenessWindowS = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultParams()
			tc.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}
