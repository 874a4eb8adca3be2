package builder

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"dexarb/internal/protocol"
)

// dexType values understood by the executor contract.
const (
	DexTypeV2 uint8 = 0
	DexTypeV3 uint8 = 1
)

// resolvedHop is a validated hop with its registry metadata.
type resolvedHop struct {
	Hop
	cfg     protocol.Config
	dexType uint8
}

// plan is the shared outcome of validation and minOut computation.
type plan struct {
	hops        []resolvedHop
	borrowToken common.Address
	estimate    bool
	minOuts     []*big.Int
}

func (p plan) fee(i int) *big.Int {
	return new(big.Int).SetUint64(uint64(p.hops[i].Fee))
}

// validatePath checks addresses, fees, dex names and token continuity.
func validatePath(opp Opportunity, cfg Config) ([]resolvedHop, common.Address, error) {
	if len(opp.Path) == 0 {
		return nil, common.Address{}, fmt.Errorf("%w: path is empty", ErrHopCount)
	}

	borrow := opp.BorrowToken
	if borrow == (common.Address{}) {
		borrow = opp.Path[0].TokenIn
	}
	if borrow == (common.Address{}) {
		return nil, common.Address{}, fmt.Errorf("%w: borrow token is zero", ErrInvalidAddress)
	}
	if borrow != opp.Path[0].TokenIn {
		return nil, common.Address{}, fmt.Errorf("%w: borrow token %s is not the first hop input %s", ErrTokenContinuity, borrow.Hex(), opp.Path[0].TokenIn.Hex())
	}
	if cfg.TitheRecipient == (common.Address{}) {
		return nil, common.Address{}, fmt.Errorf("%w: tithe recipient is zero", ErrInvalidAddress)
	}
	if cfg.SlippageBps > bpsDenominator {
		return nil, common.Address{}, fmt.Errorf("%w: %d", ErrInvalidSlippage, cfg.SlippageBps)
	}
	if cfg.TitheBps > bpsDenominator {
		return nil, common.Address{}, fmt.Errorf("%w: %d", ErrInvalidTithe, cfg.TitheBps)
	}

	reg := cfg.registry()
	hops := make([]resolvedHop, len(opp.Path))
	for i, hop := range opp.Path {
		for name, addr := range map[string]common.Address{"pool": hop.Pool, "tokenIn": hop.TokenIn, "tokenOut": hop.TokenOut} {
			if addr == (common.Address{}) {
				return nil, common.Address{}, fmt.Errorf("%w: hop %d %s is zero", ErrInvalidAddress, i, name)
			}
		}
		if hop.TokenIn == hop.TokenOut {
			return nil, common.Address{}, fmt.Errorf("%w: hop %d swaps %s for itself", ErrTokenContinuity, i, hop.TokenIn.Hex())
		}
		if hop.Fee > protocol.MaxFee {
			return nil, common.Address{}, fmt.Errorf("%w: hop %d fee %d", ErrFeeOutOfRange, i, hop.Fee)
		}
		if i > 0 && opp.Path[i-1].TokenOut != hop.TokenIn {
			return nil, common.Address{}, fmt.Errorf("%w: hop %d output %s, hop %d input %s", ErrTokenContinuity, i-1, opp.Path[i-1].TokenOut.Hex(), i, hop.TokenIn.Hex())
		}

		pcfg, ok := reg.Get(hop.DexName)
		if !ok {
			return nil, common.Address{}, fmt.Errorf("%w: hop %d dex %q", ErrUnknownDex, i, hop.DexName)
		}
		dexType, err := dexTypeOf(pcfg)
		if err != nil {
			return nil, common.Address{}, fmt.Errorf("hop %d: %w", i, err)
		}
		hops[i] = resolvedHop{Hop: hop, cfg: pcfg, dexType: dexType}
	}
	return hops, borrow, nil
}

func dexTypeOf(cfg protocol.Config) (uint8, error) {
	switch cfg.Type {
	case protocol.TypeConstantProduct:
		return DexTypeV2, nil
	case protocol.TypeConcentrated:
		return DexTypeV3, nil
	default:
		return 0, fmt.Errorf("%w: %s is a %s protocol and cannot swap", ErrUnknownDex, cfg.Name, cfg.Type)
	}
}

// validateSimulation checks presence, sign and uint256 range of amounts.
func validateSimulation(sim SimulationResult, hops int) error {
	for name, v := range map[string]*big.Int{
		"initialAmount": sim.InitialAmount,
		"hop1AmountOut": sim.Hop1AmountOut,
		"finalAmount":   sim.FinalAmount,
	} {
		if err := checkAmount(name, v); err != nil {
			return err
		}
	}
	if len(sim.HopAmountsOut) > 0 && len(sim.HopAmountsOut) != hops {
		return fmt.Errorf("%w: %d hop amounts for %d hops", ErrInvalidSimulation, len(sim.HopAmountsOut), hops)
	}
	for i, v := range sim.HopAmountsOut {
		if err := checkAmount(fmt.Sprintf("hopAmountsOut[%d]", i), v); err != nil {
			return err
		}
	}
	if len(sim.HopAmountsOut) == 0 {
		return nil
	}
	// Per-hop amounts must agree with the summary amounts that drive
	// estimation detection and the profitability check.
	if sim.HopAmountsOut[0].Cmp(sim.Hop1AmountOut) != 0 {
		return fmt.Errorf("%w: hopAmountsOut[0] %s differs from hop1AmountOut %s", ErrInvalidSimulation, sim.HopAmountsOut[0], sim.Hop1AmountOut)
	}
	if last := hops - 1; last > 0 && sim.HopAmountsOut[last].Cmp(sim.FinalAmount) != 0 {
		return fmt.Errorf("%w: hopAmountsOut[%d] %s differs from finalAmount %s", ErrInvalidSimulation, last, sim.HopAmountsOut[last], sim.FinalAmount)
	}
	return nil
}

func checkAmount(name string, v *big.Int) error {
	if v == nil {
		return fmt.Errorf("%w: %s is missing", ErrInvalidSimulation, name)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("%w: %s is negative", ErrInvalidSimulation, name)
	}
	if v.BitLen() > 256 {
		return fmt.Errorf("%w: %s", ErrAmountOverflow, name)
	}
	return nil
}

// simulatedOut returns the simulated output of hop i.
func simulatedOut(sim SimulationResult, i, hops int) (*big.Int, bool) {
	if len(sim.HopAmountsOut) == hops {
		return sim.HopAmountsOut[i], true
	}
	switch i {
	case 0:
		return sim.Hop1AmountOut, true
	case hops - 1:
		return sim.FinalAmount, true
	default:
		return nil, false
	}
}

// MinOut applies slippage with truncating integer math:
// amount * (10000 - slippageBps) / 10000.
func MinOut(amount *big.Int, slippageBps uint32) (*big.Int, error) {
	if slippageBps > bpsDenominator {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlippage, slippageBps)
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must be non-negative", ErrInvalidSimulation)
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrAmountOverflow
	}
	scaled, overflow := new(uint256.Int).MulOverflow(v, uint256.NewInt(uint64(bpsDenominator-slippageBps)))
	if overflow {
		return nil, fmt.Errorf("%w: %s * %d", ErrAmountOverflow, amount, bpsDenominator-slippageBps)
	}
	return scaled.Div(scaled, uint256.NewInt(bpsDenominator)).ToBig(), nil
}

// prepare runs the shared algorithm: path and simulation validation,
// gas-estimation detection, per-hop minOut, the zero-minOut pool exception
// and the real-execution safety check.
func prepare(opp Opportunity, sim SimulationResult, cfg Config) (plan, error) {
	hops, borrow, err := validatePath(opp, cfg)
	if err != nil {
		return plan{}, err
	}
	if err := validateSimulation(sim, len(hops)); err != nil {
		return plan{}, err
	}

	p := plan{hops: hops, borrowToken: borrow, estimate: sim.IsGasEstimate()}
	p.minOuts = make([]*big.Int, len(hops))
	for i, hop := range hops {
		out, ok := simulatedOut(sim, i, len(hops))
		var minOut *big.Int
		switch {
		case p.estimate && !ok:
			minOut = big.NewInt(0)
		case p.estimate:
			minOut = new(big.Int).Set(out)
		case !ok:
			return plan{}, fmt.Errorf("%w: no simulated amount for hop %d", ErrInvalidSimulation, i)
		default:
			if minOut, err = MinOut(out, cfg.SlippageBps); err != nil {
				return plan{}, fmt.Errorf("hop %d: %w", i, err)
			}
			if minOut.Sign() == 0 {
				return plan{}, fmt.Errorf("%w: hop %d on %s", ErrZeroMinOut, i, hop.DexName)
			}
		}
		if minOut.Sign() == 0 && hop.cfg.HasFeature(protocol.FeatureRejectsZeroMinOut) {
			minOut = big.NewInt(1)
		}
		p.minOuts[i] = minOut
	}
	return p, nil
}

func requireHops(path []Hop, n int, name string) error {
	if len(path) != n {
		return fmt.Errorf("%w: %s needs %d hops, got %d", ErrHopCount, name, n, len(path))
	}
	return nil
}
