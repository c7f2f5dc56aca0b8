package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "kraken", cfg.Engine.Exchange)
	assert.Equal(t, []string{"BTC/USD", "ETH/USD"}, cfg.Engine.Pairs)
	assert.True(t, cfg.Engine.DryRun)
	assert.Equal(t, time.Minute, cfg.Engine.Interval)
	assert.Equal(t, 3, cfg.Regime.ConfirmScans)
	assert.Equal(t, 20*time.Minute, cfg.Regime.MinHold)
	assert.Equal(t, 0.4, cfg.Spread.RangeMaxPct)
	assert.Equal(t, 5.0, cfg.SmartGuard.StopLossPct)

	primary, ok := cfg.Exchanges["kraken"]
	require.True(t, ok)
	assert.True(t, primary.Primary)
	assert.Equal(t, 10.0, primary.MinOrderUsd)
	assert.Equal(t, MarkupNone, primary.MarkupMode)
	require.NoError(t, cfg.Validate())
}

func TestLoadFile_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
engine:
  exchange: kraken
  pairs: ["SOL/USD"]
  interval: 30s
  dry_run: false
exchanges:
  revolutx:
    markup_mode: dynamic
    min_order_usd: 5
    dust_thresholds:
      BTC: 0.0001
smart_guard:
  stop_loss_pct: 3
pair_overrides:
  SOL/USD:
    trail_distance_pct: 0.8
regime:
  min_signals_overrides:
    SOL/USD: 4
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"SOL/USD"}, cfg.Engine.Pairs)
	assert.Equal(t, 30*time.Second, cfg.Engine.Interval)
	assert.False(t, cfg.Engine.DryRun, "explicit false survives defaults")
	assert.Equal(t, 3.0, cfg.SmartGuard.StopLossPct)

	rx := cfg.Exchange("revolutx")
	assert.Equal(t, MarkupDynamic, rx.MarkupMode)
	assert.Equal(t, 5.0, rx.MinOrderUsd)
	assert.Equal(t, 0.2, rx.MarkupAlpha, "venue blocks are defaulted")
	assert.Equal(t, 0.0001, rx.DustThreshold("btc"))
	assert.Equal(t, rx.DefaultDust, rx.DustThreshold("ETH"))
	assert.True(t, cfg.Exchange("kraken").Primary)

	sg := cfg.SmartGuardFor("SOL/USD")
	assert.Equal(t, 0.8, sg.TrailDistancePct)
	assert.Equal(t, 3.0, sg.StopLossPct)
}

func TestLoadFile_ExplicitZeroKeepsValue(t *testing.T) {
	path := writeFile(t, "config.yaml", `
exchanges:
  kraken:
    primary: true
    min_order_usd: 0
    taker_fee_pct: 0
  revolutx:
    markup_mode: fixed
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	kr := cfg.Exchange("kraken")
	assert.Zero(t, kr.MinOrderUsd, "explicit zero survives defaults")
	assert.Zero(t, kr.TakerFeePct)
	assert.Equal(t, MarkupNone, kr.MarkupMode, "unset fields are still defaulted")

	rx := cfg.Exchange("revolutx")
	assert.Equal(t, 10.0, rx.MinOrderUsd)
	assert.Equal(t, 0.26, rx.TakerFeePct)
}

func TestLoadFile_PairKeysNormalized(t *testing.T) {
	path := writeFile(t, "config.yaml", `
engine:
  pairs: ["btc/usd"]
exchanges:
  kraken:
    dust_thresholds:
      xbt: 0.0002
pair_overrides:
  " btc/usd ":
    trail_distance_pct: 0.7
regime:
  min_signals_overrides:
    eth/usd: 3
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.True(t, cfg.HasPair("BTC/USD"))
	assert.Equal(t, 0.7, cfg.SmartGuardFor("BTC/USD").TrailDistancePct)
	assert.Equal(t, map[string]int{"ETH/USD": 3}, cfg.Regime.MinSignalsOverrides)
	assert.Equal(t, 0.0002, cfg.Exchange("kraken").DustThreshold("XBT"))

	dup := writeFile(t, "dup.yaml", `
pair_overrides:
  btc/usd:
    trail_distance_pct: 0.7
  BTC/USD:
    trail_distance_pct: 0.9
`)
	_, err = LoadFile(dup)
	assert.ErrorContains(t, err, "pair_overrides has BTC/USD more than once")
}

func TestLoadFile_JSON(t *testing.T) {
	path := writeFile(t, "config.json", `{"engine": {"pairs": ["BTC/USD"], "max_concurrent": 2}, "api": {"port": 9090}}`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Engine.MaxConcurrent)
	assert.Equal(t, 9090, cfg.API.Port)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadFile(writeFile(t, "bad.yaml", "engine: [unclosed"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ENGINE_PAIRS", "btc/usd, eth/usd ,")
	t.Setenv("TRADING_DRY_RUN", "false")
	t.Setenv("ENGINE_INTERVAL", "2m")
	t.Setenv("DB_PASSWORD", "s3cret")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("WEB_PORT", "not-a-number")

	cfg, err := LoadFile(writeFile(t, "config.yaml", "engine:\n  pairs: [\"DOT/USD\"]\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC/USD", "ETH/USD"}, cfg.Engine.Pairs)
	assert.False(t, cfg.Engine.DryRun)
	assert.Equal(t, 2*time.Minute, cfg.Engine.Interval)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 8080, cfg.API.Port, "unparseable values keep the current setting")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no pairs", func(c *Config) { c.Engine.Pairs = nil }},
		{"bad concurrency", func(c *Config) { c.Engine.MaxConcurrent = 0 }},
		{"bad markup mode", func(c *Config) {
			ex := c.Exchanges["kraken"]
			ex.MarkupMode = "sometimes"
			c.Exchanges["kraken"] = ex
		}},
		{"min signals out of range", func(c *Config) { c.Regime.MinSignalsOverrides = map[string]int{"BTC/USD": 11} }},
		{"auth without secret", func(c *Config) { c.API.AuthEnabled = true }},
		{"score above one", func(c *Config) { c.Scorer.MinScore = 1.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
