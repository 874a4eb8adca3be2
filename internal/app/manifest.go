package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"dexarb/internal/protocol"
)

// ManifestAddOptions describe a pool to add to the manifest.
type ManifestAddOptions struct {
	Address   common.Address
	Token0    common.Address
	Token1    common.Address
	Fee       uint32
	Protocol  string
	TVL       *float64
	Volume24h *float64
	Disabled  bool
}

// ManifestList prints the manifest's pools.
func (a *App) ManifestList(w io.Writer, enabledOnly bool) error {
	m := a.manifest()
	pools, err := m.List(enabledOnly)
	if err != nil {
		return err
	}
	if len(pools) == 0 {
		fmt.Fprintf(w, "no pools in %s\n", m.Path())
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Pool\tProtocol\tToken0\tToken1\tFee\tTVL\tEnabled\tLast Updated (UTC)")
	for _, p := range pools {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%s\t%t\t%s\n",
			p.Address.Hex(),
			p.Protocol,
			shortAddress(p.Token0),
			shortAddress(p.Token1),
			p.Fee,
			formatOptional(p.TVL),
			p.Enabled,
			p.LastUpdated.UTC().Format(time.RFC3339),
		)
	}
	return writer.Flush()
}

// ManifestAdd validates opts against the registry and stores the pool. A
// zero address is resolved on chain from the token pair and fee.
func (a *App) ManifestAdd(ctx context.Context, opts ManifestAddOptions) error {
	if opts.Protocol == "" {
		return errors.New("protocol is required")
	}
	reg := a.Config.Registry()
	cfg, ok := reg.Get(opts.Protocol)
	if !ok {
		return fmt.Errorf("%w: %s", protocol.ErrUnknownProtocol, opts.Protocol)
	}
	if !cfg.OnChain(a.Config.Manifest.ChainID) {
		return fmt.Errorf("%w: %s is not deployed on chain %d", protocol.ErrChainMismatch, cfg.Name, a.Config.Manifest.ChainID)
	}
	if cfg.Type == protocol.TypeLending {
		return fmt.Errorf("%s is a lending protocol and has no pools", cfg.Name)
	}
	if len(cfg.FeeTiers) > 0 && !cfg.SupportsFeeTier(opts.Fee) {
		return fmt.Errorf("%w: %d for %s", protocol.ErrUnsupportedFee, opts.Fee, cfg.Name)
	}

	if opts.Address == (common.Address{}) {
		if opts.Token0 == (common.Address{}) || opts.Token1 == (common.Address{}) {
			return errors.New("address or both tokens are required")
		}
		info, err := a.resolvePool(ctx, cfg.Name, opts.Token0, opts.Token1, opts.Fee)
		if err != nil {
			return fmt.Errorf("resolve pool: %w", err)
		}
		opts.Address, opts.Token0, opts.Token1, opts.Fee = info.Address, info.Token0, info.Token1, info.Fee
	}

	err := a.manifest().Add(protocol.Pool{
		Address:   opts.Address,
		Token0:    opts.Token0,
		Token1:    opts.Token1,
		Fee:       opts.Fee,
		Protocol:  cfg.Name,
		TVL:       opts.TVL,
		Volume24h: opts.Volume24h,
		Enabled:   !opts.Disabled,
	})
	if err != nil {
		return err
	}
	a.Logger.Info().Str("pool", opts.Address.Hex()).Str("protocol", cfg.Name).Msg("pool added to manifest")
	return nil
}

// ManifestSetEnabled toggles a pool without removing it.
func (a *App) ManifestSetEnabled(addr common.Address, enabled bool) error {
	return a.manifest().Update(addr, func(p *protocol.Pool) { p.Enabled = enabled })
}

// ManifestRemove deletes a pool from the manifest.
func (a *App) ManifestRemove(addr common.Address) error {
	removed, err := a.manifest().Remove(addr)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: %s", protocol.ErrPoolNotFound, addr.Hex())
	}
	a.Logger.Info().Str("pool", addr.Hex()).Msg("pool removed from manifest")
	return nil
}

// ManifestPrune removes pools not updated within maxAge, defaulting to the
// configured manifest.max_age.
func (a *App) ManifestPrune(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = a.Config.Manifest.MaxAge
	}
	removed, err := a.manifest().PruneInactive(maxAge)
	if err != nil {
		return 0, err
	}
	a.Logger.Info().Int("removed", removed).Dur("max_age", maxAge).Msg("manifest pruned")
	return removed, nil
}

func shortAddress(addr common.Address) string {
	if addr == (common.Address{}) {
		return "-"
	}
	hex := addr.Hex()
	return hex[:6] + ".." + hex[len(hex)-4:]
}

func formatOptional(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
