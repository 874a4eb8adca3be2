package protocol

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Registry is the catalogue of protocol metadata, indexed by name and chain id.
// It is read-mostly and safe to share across goroutines.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]Config
	byChain map[uint64]map[string]struct{}
}

// RegistryStats summarises registry contents.
type RegistryStats struct {
	Protocols int
	Chains    int
	ByType    map[Type]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]Config),
		byChain: make(map[uint64]map[string]struct{}),
	}
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds cfg, replacing any existing entry with the same name.
func (r *Registry) Register(cfg Config) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(cfg.Name)
	if prev, ok := r.byName[k]; ok {
		r.unindex(k, prev)
	}
	r.byName[k] = cfg.clone()
	for _, id := range cfg.ChainIDs {
		names, ok := r.byChain[id]
		if !ok {
			names = make(map[string]struct{})
			r.byChain[id] = names
		}
		names[k] = struct{}{}
	}
	return nil
}

// Unregister removes the protocol; it reports whether an entry existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(name)
	cfg, ok := r.byName[k]
	if !ok {
		return false
	}
	delete(r.byName, k)
	r.unindex(k, cfg)
	return true
}

func (r *Registry) unindex(k string, cfg Config) {
	for _, id := range cfg.ChainIDs {
		names := r.byChain[id]
		delete(names, k)
		if len(names) == 0 {
			delete(r.byChain, id)
		}
	}
}

// Get looks up a protocol by name, case-insensitively.
func (r *Registry) Get(name string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.byName[key(name)]
	if !ok {
		return Config{}, false
	}
	return cfg.clone(), true
}

// MustGet is Get returning ErrUnknownProtocol for missing names.
func (r *Registry) MustGet(name string) (Config, error) {
	cfg, ok := r.Get(name)
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
	}
	return cfg, nil
}

// GetByChain returns every protocol deployed on chainID, ordered by name.
func (r *Registry) GetByChain(chainID uint64) []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.byChain[chainID]
	out := make([]Config, 0, len(names))
	for k := range names {
		out = append(out, r.byName[k].clone())
	}
	sortConfigs(out)
	return out
}

// GetByType returns every protocol of family t, ordered by name.
func (r *Registry) GetByType(t Type) []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Config, 0)
	for _, cfg := range r.byName {
		if cfg.Type == t {
			out = append(out, cfg.clone())
		}
	}
	sortConfigs(out)
	return out
}

// Supports is a pure capability lookup.
func (r *Registry) Supports(name, feature string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.byName[key(name)]
	return ok && cfg.HasFeature(feature)
}

// List returns all registered protocols ordered by name.
func (r *Registry) List() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Config, 0, len(r.byName))
	for _, cfg := range r.byName {
		out = append(out, cfg.clone())
	}
	sortConfigs(out)
	return out
}

// Stats returns counts by family and chain.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		Protocols: len(r.byName),
		Chains:    len(r.byChain),
		ByType:    make(map[Type]int),
	}
	for _, cfg := range r.byName {
		stats.ByType[cfg.Type]++
	}
	return stats
}

func sortConfigs(cfgs []Config) {
	sort.Slice(cfgs, func(i, j int) bool { return key(cfgs[i].Name) < key(cfgs[j].Name) })
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if !cfg.Type.Valid() {
		return fmt.Errorf("%w: %s has unknown type %q", ErrInvalidConfig, cfg.Name, cfg.Type)
	}
	if len(cfg.ChainIDs) == 0 {
		return fmt.Errorf("%w: %s lists no chain ids", ErrInvalidConfig, cfg.Name)
	}
	if cfg.Router == (common.Address{}) {
		return fmt.Errorf("%w: %s router address is required", ErrInvalidConfig, cfg.Name)
	}
	for _, fee := range cfg.FeeTiers {
		if fee > MaxFee {
			return fmt.Errorf("%w: %s fee tier %d exceeds uint24", ErrInvalidConfig, cfg.Name, fee)
		}
	}
	if cfg.Type == TypeConstantProduct {
		if err := checkConstantProductFees(cfg); err != nil {
			return err
		}
	}
	if cfg.Type == TypeConcentrated && cfg.Factory == (common.Address{}) {
		return fmt.Errorf("%w: %s factory address is required", ErrInvalidConfig, cfg.Name)
	}
	return nil
}
