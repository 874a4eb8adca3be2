package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexarb/internal/builder"
	"dexarb/internal/config"
	"dexarb/internal/pipeline"
	"dexarb/internal/protocol"
	"dexarb/internal/stream"
)

var (
	weth  = common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1")
	usdc  = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
	poolA = common.HexToAddress("0xC6962004f452bE9203591991D15f6b388e09E8D0")
	poolB = common.HexToAddress("0x641C00A822e8b671738d32a431a4Fb6074E5c79d")
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := &config.Config{
		Manifest: config.ManifestConfig{Dir: t.TempDir(), ChainID: protocol.ChainArbitrum, MaxAge: time.Hour},
		Features: config.FeatureConfig{UniswapV2: true, UniswapV3: true, SushiSwap: true, Camelot: true, Aave: true},
		Builder:  config.BuilderConfig{SlippageBps: 50, TitheRecipient: common.HexToAddress("0x000000000000000000000000000000000000dEaD")},
	}
	return NewApp(cfg, zerolog.Nop())
}

func TestSeedManifest(t *testing.T) {
	a := newTestApp(t)
	m := a.manifest()
	require.NoError(t, m.Add(protocol.Pool{Address: poolB, Protocol: protocol.Camelot, Enabled: false}))

	a.Config.Pools = []config.PoolConfig{
		{Address: poolA, Dex: protocol.UniswapV3, Token0: weth, Token1: usdc, Fee: 500},
		{Address: poolB, Dex: protocol.Camelot},
	}
	addrs, err := a.seedManifest(m, a.Config.Registry())
	require.NoError(t, err)
	assert.Equal(t, []common.Address{poolA}, addrs, "manifest state wins for pools already present")

	p, ok, err := m.Get(poolA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(500), p.Fee)
	assert.Equal(t, uint64(protocol.ChainArbitrum), p.ChainID)
}

func TestSeedManifestUnknownDex(t *testing.T) {
	a := newTestApp(t)
	a.Config.Pools = []config.PoolConfig{{Address: poolA, Dex: "quickswap"}}
	_, err := a.seedManifest(a.manifest(), a.Config.Registry())
	assert.ErrorIs(t, err, protocol.ErrUnknownProtocol)
}

func TestPruneTickKeepsActivePools(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	m := protocol.OpenManifest(t.TempDir(), protocol.ChainArbitrum, protocol.WithClock(func() time.Time { return now }))
	require.NoError(t, m.Add(protocol.Pool{Address: poolA, Enabled: true}))
	require.NoError(t, m.Add(protocol.Pool{Address: poolB, Enabled: true}))

	now = now.Add(2 * time.Hour)
	act := &activity{}
	act.record(pipeline.FilteredEvent{PoolEvent: stream.PoolEvent{Pool: poolA}})

	tick := pruneTick(m, act, time.Hour, zerolog.Nop())
	require.NoError(t, tick(context.Background(), now))

	pools, err := m.List(false)
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, poolA, pools[0].Address)
	assert.Empty(t, act.take(), "activity is reset after each prune")
}

func TestManifestAddValidation(t *testing.T) {
	a := newTestApp(t)
	tests := []struct {
		name string
		opts ManifestAddOptions
		err  error
	}{
		{"unknown protocol", ManifestAddOptions{Address: poolA, Protocol: "quickswap"}, protocol.ErrUnknownProtocol},
		{"wrong chain", ManifestAddOptions{Address: poolA, Protocol: protocol.UniswapV2, Fee: 3000}, protocol.ErrChainMismatch},
		{"fee tier", ManifestAddOptions{Address: poolA, Protocol: protocol.UniswapV3, Fee: 200}, protocol.ErrUnsupportedFee},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, a.ManifestAdd(context.Background(), tt.opts), tt.err)
		})
	}

	assert.Error(t, a.ManifestAdd(context.Background(), ManifestAddOptions{Address: poolA, Protocol: protocol.AaveV3}))
	assert.Error(t, a.ManifestAdd(context.Background(), ManifestAddOptions{Address: poolA}))
}

func TestManifestLifecycle(t *testing.T) {
	a := newTestApp(t)
	require.NoError(t, a.ManifestAdd(context.Background(), ManifestAddOptions{
		Address: poolA, Token0: weth, Token1: usdc, Fee: 500, Protocol: protocol.UniswapV3,
	}))
	assert.ErrorIs(t, a.ManifestAdd(context.Background(), ManifestAddOptions{Address: poolA, Protocol: protocol.UniswapV3, Fee: 500}), protocol.ErrPoolExists)

	var out bytes.Buffer
	require.NoError(t, a.ManifestList(&out, true))
	assert.Contains(t, out.String(), poolA.Hex())
	assert.Contains(t, out.String(), "0x82aF..Bab1")

	require.NoError(t, a.ManifestSetEnabled(poolA, false))
	out.Reset()
	require.NoError(t, a.ManifestList(&out, true))
	assert.True(t, strings.HasPrefix(out.String(), "no pools"))

	require.NoError(t, a.ManifestRemove(poolA))
	assert.ErrorIs(t, a.ManifestRemove(poolA), protocol.ErrPoolNotFound)
}

func twoHopRequest(builderName string) string {
	return fmt.Sprintf(`{
  "builder": %q,
  "opportunity": {
    "id": "opp-1",
    "borrowToken": %q,
    "borrowAmount": "1000000",
    "path": [
      {"dex": %q, "pool": %q, "tokenIn": %q, "tokenOut": %q, "fee": 500},
      {"dex": %q, "pool": %q, "tokenIn": %q, "tokenOut": %q, "fee": 3000}
    ]
  },
  "simulation": {"initialAmount": "1", "hop1AmountOut": "1", "finalAmount": "0x3e8"}
}`,
		builderName, weth.Hex(),
		protocol.UniswapV3, poolA.Hex(), weth.Hex(), usdc.Hex(),
		protocol.UniswapV3, poolB.Hex(), usdc.Hex(), weth.Hex(),
	)
}

func TestBuildSelectsBuilder(t *testing.T) {
	a := newTestApp(t)
	var out bytes.Buffer
	require.NoError(t, a.Build(strings.NewReader(twoHopRequest("")), &out, BuildOptions{}))

	var resp struct {
		OpportunityID string `json:"opportunityId"`
		Builder       string `json:"builder"`
		GasEstimate   bool   `json:"gasEstimate"`
		Encoded       string `json:"encoded"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "opp-1", resp.OpportunityID)
	assert.Equal(t, builder.NameV3TwoHop, resp.Builder)
	assert.True(t, resp.GasEstimate)
	assert.True(t, strings.HasPrefix(resp.Encoded, "0x"))
	assert.Greater(t, len(resp.Encoded), 2)
}

func TestBuildOverrideAndErrors(t *testing.T) {
	a := newTestApp(t)

	var out bytes.Buffer
	err := a.Build(strings.NewReader(twoHopRequest("")), &out, BuildOptions{Builder: "warp-drive"})
	assert.ErrorContains(t, err, "unknown builder")

	err = a.Build(strings.NewReader(`{"bogus": true}`), &out, BuildOptions{})
	assert.ErrorContains(t, err, "decode build request")

	err = a.Build(strings.NewReader(twoHopRequest(builder.NameTriangular)), &out, BuildOptions{})
	assert.Error(t, err)
}
