package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexarb/internal/pipeline"
	"dexarb/internal/protocol"
)

const sampleConfig = `
stream:
  endpoints:
    - url: wss://primary.example/ws
      description: primary
      priority: 1
    - url: wss://backup.example/ws
  retry:
    max_attempts: 3
    base_delay: 500ms
pools:
  - address: "0xC6962004f452bE9203591991D15f6b388e09E8D0"
    dex: uniswap_v3
    token0: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1"
    token1: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"
    fee: 500
filter:
  min_liquidity: "1000000000000000000000"
  max_price_impact: 0.02
features:
  camelot: false
backpressure:
  max_queue_size: 64
  drop_strategy: newest
metrics:
  listen: 127.0.0.1:9464
builder:
  tithe_recipient: "0x000000000000000000000000000000000000dEaD"
  tithe_bps: 100
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Stream.Endpoints, 2)
	assert.Equal(t, "primary", cfg.Stream.Endpoints[0].String())
	assert.Equal(t, "wss://backup.example/ws", cfg.Stream.Endpoints[1].String())
	assert.Equal(t, 3, cfg.Stream.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Stream.Retry.MaxDelay)

	require.Len(t, cfg.Pools, 1)
	assert.Equal(t, common.HexToAddress("0xC6962004f452bE9203591991D15f6b388e09E8D0"), cfg.Pools[0].Address)
	assert.Equal(t, uint32(500), cfg.Pools[0].Fee)

	want, _ := new(big.Int).SetString("1000000000000000000000", 10)
	assert.Equal(t, 0, want.Cmp(cfg.Filter.MinLiquidity))
	assert.True(t, decimal.RequireFromString("0.02").Equal(cfg.Filter.MaxPriceImpact))
	assert.True(t, decimal.RequireFromString("0.001").Equal(cfg.Filter.MinPriceDelta))

	assert.Equal(t, pipeline.DropNewest, cfg.Backpressure.DropStrategy)
	assert.Equal(t, common.HexToAddress("0x000000000000000000000000000000000000dEaD"), cfg.Builder.TitheRecipient)
	assert.Equal(t, uint64(protocol.ChainArbitrum), cfg.Manifest.ChainID)

	opts := cfg.PipelineOptions()
	assert.Equal(t, 64, opts.MaxQueueSize)
	assert.Equal(t, pipeline.DefaultWindow, opts.Window)

	reg := cfg.Registry()
	_, ok := reg.Get(protocol.Camelot)
	assert.False(t, ok, "disabled feature must not be registered")
	_, ok = reg.Get(protocol.UniswapV3)
	assert.True(t, ok)

	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Listen)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	bc := cfg.BuilderConfig(reg)
	assert.Equal(t, uint32(50), bc.SlippageBps)
	assert.Equal(t, uint16(100), bc.TitheBps)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DEXARB_BUILDER_SLIPPAGE_BPS", "75")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, uint32(75), cfg.Builder.SlippageBps)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad address":  "pools:\n  - address: \"0x1234\"\n",
		"bad integer":  "filter:\n  min_liquidity: \"lots\"\n",
		"missing url":  "stream:\n  endpoints:\n    - description: nameless\n",
		"bad slippage": "builder:\n  slippage_bps: 20000\n",
		"bad strategy": "backpressure:\n  drop_strategy: sometimes\n",
		"telegram":     "alerting:\n  telegram:\n    enabled: true\n",
		"metrics path": "metrics:\n  path: metrics\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 100}}
	assert.Equal(t, 100, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 7, cfg.ResolveMaxPoints(7))
}
