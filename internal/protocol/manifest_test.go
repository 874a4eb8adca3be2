package protocol

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestManifest(t *testing.T, clock *fakeClock) *Manifest {
	t.Helper()
	return OpenManifest(t.TempDir(), ChainArbitrum, WithClock(clock.Now))
}

func TestManifestCreatedEmptyWhenAbsent(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := newTestManifest(t, clock)

	pools, err := m.List(false)
	require.NoError(t, err)
	assert.Empty(t, pools)

	raw, err := os.ReadFile(m.Path())
	require.NoError(t, err, "manifest file should be created on first access")

	var file manifestFile
	require.NoError(t, json.Unmarshal(raw, &file))
	assert.Equal(t, ChainArbitrum, file.ChainID)
	assert.Equal(t, manifestVersion, file.Version)
	assert.Empty(t, file.Pools)
}

func TestManifestAddUpdateRemovePersist(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	dir := t.TempDir()
	m := OpenManifest(dir, ChainArbitrum, WithClock(clock.Now))

	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	require.NoError(t, m.Add(Pool{
		Address:  addr,
		Token0:   common.HexToAddress("0x01"),
		Token1:   common.HexToAddress("0x02"),
		Fee:      3000,
		Protocol: Camelot,
		Enabled:  true,
	}))
	assert.ErrorIs(t, m.Add(Pool{Address: addr}), ErrPoolExists)

	clock.now = clock.now.Add(time.Hour)
	require.NoError(t, m.Update(addr, func(p *Pool) {
		tvl := 1_000_000.0
		p.TVL = &tvl
		p.Address = common.HexToAddress("0xdead")
	}))

	reopened := OpenManifest(dir, ChainArbitrum, WithClock(clock.Now))
	pool, ok, err := reopened.Get(addr)
	require.NoError(t, err)
	require.True(t, ok, "pool should survive a reload from disk")
	assert.Equal(t, addr, pool.Address, "update must not change the address")
	assert.True(t, clock.now.Equal(pool.LastUpdated))
	require.NotNil(t, pool.TVL)
	assert.InDelta(t, 1_000_000.0, *pool.TVL, 0)
	assert.Equal(t, ChainArbitrum, pool.ChainID)

	removed, err := reopened.Remove(addr)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = reopened.Remove(addr)
	require.NoError(t, err)
	assert.False(t, removed)

	assert.ErrorIs(t, reopened.Update(addr, func(*Pool) {}), ErrPoolNotFound)
}

func TestManifestRejectsForeignChain(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := newTestManifest(t, clock)
	err := m.Add(Pool{Address: common.HexToAddress("0x0b"), ChainID: ChainMainnet})
	assert.ErrorIs(t, err, ErrChainMismatch)
}

func TestManifestPruneInactive(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	m := newTestManifest(t, clock)

	stale := common.HexToAddress("0x0a")
	fresh := common.HexToAddress("0x0b")
	require.NoError(t, m.Add(Pool{Address: stale, Enabled: true}))

	clock.now = start.Add(6 * 24 * time.Hour)
	require.NoError(t, m.Add(Pool{Address: fresh, Enabled: true}))

	clock.now = start.Add(8 * 24 * time.Hour)
	removed, err := m.PruneInactive(0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, _ := m.Get(stale)
	assert.False(t, ok, "stale pool should be pruned")
	_, ok, _ = m.Get(fresh)
	assert.True(t, ok, "fresh pool should be retained")

	removed, err = m.PruneInactive(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestManifestListEnabledOnly(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := newTestManifest(t, clock)
	require.NoError(t, m.Add(Pool{Address: common.HexToAddress("0x02"), Enabled: true}))
	require.NoError(t, m.Add(Pool{Address: common.HexToAddress("0x01"), Enabled: false}))

	all, err := m.List(false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, common.HexToAddress("0x01"), all[0].Address, "pools should be ordered by address")

	enabled, err := m.List(true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, common.HexToAddress("0x02"), enabled[0].Address)
}
