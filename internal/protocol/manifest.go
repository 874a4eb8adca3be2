package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	manifestVersion = 1

	// DefaultPoolMaxAge is the prune threshold used when callers pass zero.
	DefaultPoolMaxAge = 7 * 24 * time.Hour
)

type manifestFile struct {
	Version     int       `json:"version"`
	ChainID     uint64    `json:"chainId"`
	LastUpdated time.Time `json:"lastUpdated"`
	Pools       []Pool    `json:"pools"`
}

// ManifestOption customises a Manifest.
type ManifestOption func(*Manifest)

// WithClock overrides the time source used to stamp LastUpdated.
func WithClock(now func() time.Time) ManifestOption {
	return func(m *Manifest) { m.now = now }
}

// Manifest is the per-chain dynamic pool list persisted as JSON. The file is
// loaded on first access, created empty when absent, and rewritten after
// every mutation.
type Manifest struct {
	path    string
	chainID uint64
	now     func() time.Time

	mu          sync.Mutex
	loaded      bool
	pools       map[common.Address]Pool
	lastUpdated time.Time
}

// OpenManifest returns the manifest for chainID stored under dir.
func OpenManifest(dir string, chainID uint64, opts ...ManifestOption) *Manifest {
	m := &Manifest{
		path:    filepath.Join(dir, fmt.Sprintf("pools_%d.json", chainID)),
		chainID: chainID,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the backing file path.
func (m *Manifest) Path() string {
	return m.path
}

// ChainID returns the chain the manifest tracks.
func (m *Manifest) ChainID() uint64 {
	return m.chainID
}

// Add inserts a new pool. Existing addresses are rejected with ErrPoolExists.
func (m *Manifest) Add(pool Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(); err != nil {
		return err
	}
	if pool.Address == (common.Address{}) {
		return fmt.Errorf("%w: pool address is required", ErrInvalidParams)
	}
	if pool.ChainID == 0 {
		pool.ChainID = m.chainID
	}
	if pool.ChainID != m.chainID {
		return fmt.Errorf("%w: pool %s is on chain %d, manifest tracks %d", ErrChainMismatch, pool.Address.Hex(), pool.ChainID, m.chainID)
	}
	if pool.Fee > MaxFee {
		return fmt.Errorf("%w: fee %d exceeds uint24", ErrInvalidParams, pool.Fee)
	}
	if _, ok := m.pools[pool.Address]; ok {
		return fmt.Errorf("%w: %s", ErrPoolExists, pool.Address.Hex())
	}

	pool.LastUpdated = m.now()
	m.pools[pool.Address] = pool
	return m.save()
}

// Update applies fn to the stored pool and persists the result. The address
// and chain id cannot be changed through fn.
func (m *Manifest) Update(addr common.Address, fn func(*Pool)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(); err != nil {
		return err
	}
	pool, ok := m.pools[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, addr.Hex())
	}

	fn(&pool)
	pool.Address = addr
	pool.ChainID = m.chainID
	if pool.Fee > MaxFee {
		return fmt.Errorf("%w: fee %d exceeds uint24", ErrInvalidParams, pool.Fee)
	}
	pool.LastUpdated = m.now()
	m.pools[addr] = pool
	return m.save()
}

// Remove deletes a pool; it reports whether the pool existed.
func (m *Manifest) Remove(addr common.Address) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(); err != nil {
		return false, err
	}
	if _, ok := m.pools[addr]; !ok {
		return false, nil
	}
	delete(m.pools, addr)
	return true, m.save()
}

// Get returns a pool by address.
func (m *Manifest) Get(addr common.Address) (Pool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(); err != nil {
		return Pool{}, false, err
	}
	pool, ok := m.pools[addr]
	return pool, ok, nil
}

// List returns pools ordered by address, optionally only enabled ones.
func (m *Manifest) List(enabledOnly bool) ([]Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(); err != nil {
		return nil, err
	}
	return m.sorted(enabledOnly), nil
}

// PruneInactive removes pools whose LastUpdated is older than maxAge and
// returns how many were removed. A non-positive maxAge means DefaultPoolMaxAge.
func (m *Manifest) PruneInactive(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultPoolMaxAge
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(); err != nil {
		return 0, err
	}

	now := m.now()
	removed := 0
	for addr, pool := range m.pools {
		if now.Sub(pool.LastUpdated) > maxAge {
			delete(m.pools, addr)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, m.save()
}

func (m *Manifest) sorted(enabledOnly bool) []Pool {
	out := make([]Pool, 0, len(m.pools))
	for _, pool := range m.pools {
		if enabledOnly && !pool.Enabled {
			continue
		}
		out = append(out, pool)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out
}

func (m *Manifest) load() error {
	if m.loaded {
		return nil
	}

	m.pools = make(map[common.Address]Pool)
	raw, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		m.loaded = true
		return m.save()
	}
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var file manifestFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode manifest %s: %w", m.path, err)
	}
	if file.ChainID != 0 && file.ChainID != m.chainID {
		return fmt.Errorf("%w: manifest %s is for chain %d", ErrChainMismatch, m.path, file.ChainID)
	}
	for _, pool := range file.Pools {
		if pool.ChainID == 0 {
			pool.ChainID = m.chainID
		}
		m.pools[pool.Address] = pool
	}
	m.lastUpdated = file.LastUpdated
	m.loaded = true
	return nil
}

func (m *Manifest) save() error {
	m.lastUpdated = m.now()
	file := manifestFile{
		Version:     manifestVersion,
		ChainID:     m.chainID,
		LastUpdated: m.lastUpdated,
		Pools:       m.sorted(false),
	}

	payload, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create manifest dir: %w", err)
		}
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}
