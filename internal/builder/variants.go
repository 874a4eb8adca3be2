package builder

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"dexarb/internal/protocol"
)

// Builder names.
const (
	NameAaveMultiHop = "aave-multi-hop"
	NameV3TwoHop     = "v3-two-hop"
	NameTriangular   = "triangular"
	NameCrossV3ToV2  = "cross-v3-v2"
	NameCrossV2ToV3  = "cross-v2-v3"
)

// HopParams is one encoded hop of a multi-hop flash loan.
type HopParams struct {
	Pool     common.Address
	TokenIn  common.Address
	TokenOut common.Address
	Fee      *big.Int
	DexType  uint8
	MinOut   *big.Int
}

// AaveMultiHopParams borrows from the lending pool and runs Hops in order.
type AaveMultiHopParams struct {
	BorrowToken    common.Address
	BorrowAmount   *big.Int
	Hops           []HopParams
	TitheRecipient common.Address
	TitheBps       uint16
}

var aaveMultiHopShape = []abi.ArgumentMarshaling{
	field("borrowToken", "address"),
	field("borrowAmount", "uint256"),
	{Name: "hops", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
		field("pool", "address"),
		field("tokenIn", "address"),
		field("tokenOut", "address"),
		field("fee", "uint24"),
		field("dexType", "uint8"),
		field("minOut", "uint256"),
	}},
	field("titheRecipient", "address"),
	field("titheBps", "uint16"),
}

// AaveMultiHop builds single-family paths of any length financed by a
// flash loan.
type AaveMultiHop struct{}

func (AaveMultiHop) Name() string { return NameAaveMultiHop }

func (AaveMultiHop) Build(opp Opportunity, sim SimulationResult, cfg Config) (*Result, error) {
	p, err := prepare(opp, sim, cfg)
	if err != nil {
		return nil, err
	}
	family := p.hops[0].cfg.Type
	for i, hop := range p.hops[1:] {
		if hop.cfg.Type != family {
			return nil, fmt.Errorf("%w: hop %d is %s, hop 0 is %s", ErrMixedProtocols, i+1, hop.cfg.Type, family)
		}
	}

	amount := opp.BorrowAmount
	if amount == nil {
		amount = sim.InitialAmount
	}
	if err := checkAmount("borrowAmount", amount); err != nil {
		return nil, err
	}

	hops := make([]HopParams, len(p.hops))
	for i, hop := range p.hops {
		hops[i] = HopParams{
			Pool:     hop.Pool,
			TokenIn:  hop.TokenIn,
			TokenOut: hop.TokenOut,
			Fee:      p.fee(i),
			DexType:  hop.dexType,
			MinOut:   p.minOuts[i],
		}
	}
	params := AaveMultiHopParams{
		BorrowToken:    p.borrowToken,
		BorrowAmount:   new(big.Int).Set(amount),
		Hops:           hops,
		TitheRecipient: cfg.TitheRecipient,
		TitheBps:       cfg.TitheBps,
	}
	return newResult(params, aaveMultiHopShape, p.borrowToken), nil
}

// TwoHopParams routes through two concentrated pools.
type TwoHopParams struct {
	TokenIntermediate common.Address
	Pool1             common.Address
	Pool2             common.Address
	FeeA              *big.Int
	FeeB              *big.Int
	AmountOutMinimum1 *big.Int
	AmountOutMinimum2 *big.Int
	TitheRecipient    common.Address
	TitheBps          uint16
}

var v3TwoHopShape = []abi.ArgumentMarshaling{
	field("tokenIntermediate", "address"),
	field("pool1", "address"),
	field("pool2", "address"),
	field("feeA", "uint24"),
	field("feeB", "uint24"),
	field("amountOutMinimum1", "uint256"),
	field("amountOutMinimum2", "uint256"),
	field("titheRecipient", "address"),
	field("titheBps", "uint16"),
}

// V3TwoHop builds two-hop paths where both pools are concentrated.
type V3TwoHop struct{}

func (V3TwoHop) Name() string { return NameV3TwoHop }

func (V3TwoHop) Build(opp Opportunity, sim SimulationResult, cfg Config) (*Result, error) {
	if err := requireHops(opp.Path, 2, NameV3TwoHop); err != nil {
		return nil, err
	}
	p, err := prepare(opp, sim, cfg)
	if err != nil {
		return nil, err
	}
	for i, hop := range p.hops {
		if hop.cfg.Type != protocol.TypeConcentrated {
			return nil, fmt.Errorf("%w: hop %d uses %s, %s needs concentrated pools", ErrMixedProtocols, i, hop.cfg.Name, NameV3TwoHop)
		}
	}
	params := TwoHopParams{
		TokenIntermediate: p.hops[0].TokenOut,
		Pool1:             p.hops[0].Pool,
		Pool2:             p.hops[1].Pool,
		FeeA:              p.fee(0),
		FeeB:              p.fee(1),
		AmountOutMinimum1: p.minOuts[0],
		AmountOutMinimum2: p.minOuts[1],
		TitheRecipient:    cfg.TitheRecipient,
		TitheBps:          cfg.TitheBps,
	}
	return newResult(params, v3TwoHopShape, p.borrowToken), nil
}

// TriangularParams routes A -> B -> C -> A.
type TriangularParams struct {
	TokenA                common.Address
	TokenB                common.Address
	TokenC                common.Address
	Pool1                 common.Address
	Pool2                 common.Address
	Pool3                 common.Address
	Fee1                  *big.Int
	Fee2                  *big.Int
	Fee3                  *big.Int
	DexType1              uint8
	DexType2              uint8
	DexType3              uint8
	AmountOutMinimum1     *big.Int
	AmountOutMinimum2     *big.Int
	AmountOutMinimumFinal *big.Int
	TitheRecipient        common.Address
	TitheBps              uint16
}

var triangularShape = []abi.ArgumentMarshaling{
	field("tokenA", "address"),
	field("tokenB", "address"),
	field("tokenC", "address"),
	field("pool1", "address"),
	field("pool2", "address"),
	field("pool3", "address"),
	field("fee1", "uint24"),
	field("fee2", "uint24"),
	field("fee3", "uint24"),
	field("dexType1", "uint8"),
	field("dexType2", "uint8"),
	field("dexType3", "uint8"),
	field("amountOutMinimum1", "uint256"),
	field("amountOutMinimum2", "uint256"),
	field("amountOutMinimumFinal", "uint256"),
	field("titheRecipient", "address"),
	field("titheBps", "uint16"),
}

// Triangular builds three-hop cyclic paths.
type Triangular struct{}

func (Triangular) Name() string { return NameTriangular }

func (Triangular) Build(opp Opportunity, sim SimulationResult, cfg Config) (*Result, error) {
	if err := requireHops(opp.Path, 3, NameTriangular); err != nil {
		return nil, err
	}
	if opp.Path[2].TokenOut != opp.Path[0].TokenIn {
		return nil, fmt.Errorf("%w: path ends in %s, starts with %s", ErrNotCyclic, opp.Path[2].TokenOut.Hex(), opp.Path[0].TokenIn.Hex())
	}
	p, err := prepare(opp, sim, cfg)
	if err != nil {
		return nil, err
	}
	if !p.estimate && sim.FinalAmount.Cmp(sim.InitialAmount) <= 0 {
		return nil, fmt.Errorf("%w: final %s, initial %s", ErrUnprofitable, sim.FinalAmount, sim.InitialAmount)
	}

	params := TriangularParams{
		TokenA:                p.hops[0].TokenIn,
		TokenB:                p.hops[1].TokenIn,
		TokenC:                p.hops[2].TokenIn,
		Pool1:                 p.hops[0].Pool,
		Pool2:                 p.hops[1].Pool,
		Pool3:                 p.hops[2].Pool,
		Fee1:                  p.fee(0),
		Fee2:                  p.fee(1),
		Fee3:                  p.fee(2),
		DexType1:              p.hops[0].dexType,
		DexType2:              p.hops[1].dexType,
		DexType3:              p.hops[2].dexType,
		AmountOutMinimum1:     p.minOuts[0],
		AmountOutMinimum2:     p.minOuts[1],
		AmountOutMinimumFinal: p.minOuts[2],
		TitheRecipient:        cfg.TitheRecipient,
		TitheBps:              cfg.TitheBps,
	}
	return newResult(params, triangularShape, p.borrowToken), nil
}

// CrossV3ToV2Params swaps on a concentrated pool then a constant-product pool.
type CrossV3ToV2Params struct {
	TokenIntermediate common.Address
	PoolV3            common.Address
	FeeV3             *big.Int
	PoolV2            common.Address
	AmountOutMinimum1 *big.Int
	AmountOutMinimum2 *big.Int
	TitheRecipient    common.Address
	TitheBps          uint16
}

var crossV3ToV2Shape = []abi.ArgumentMarshaling{
	field("tokenIntermediate", "address"),
	field("poolV3", "address"),
	field("feeV3", "uint24"),
	field("poolV2", "address"),
	field("amountOutMinimum1", "uint256"),
	field("amountOutMinimum2", "uint256"),
	field("titheRecipient", "address"),
	field("titheBps", "uint16"),
}

// CrossV3ToV2 builds concentrated -> constant-product two-hop paths.
type CrossV3ToV2 struct{}

func (CrossV3ToV2) Name() string { return NameCrossV3ToV2 }

func (CrossV3ToV2) Build(opp Opportunity, sim SimulationResult, cfg Config) (*Result, error) {
	p, err := prepareCross(opp, sim, cfg, NameCrossV3ToV2, protocol.TypeConcentrated, protocol.TypeConstantProduct)
	if err != nil {
		return nil, err
	}
	params := CrossV3ToV2Params{
		TokenIntermediate: p.hops[0].TokenOut,
		PoolV3:            p.hops[0].Pool,
		FeeV3:             p.fee(0),
		PoolV2:            p.hops[1].Pool,
		AmountOutMinimum1: p.minOuts[0],
		AmountOutMinimum2: p.minOuts[1],
		TitheRecipient:    cfg.TitheRecipient,
		TitheBps:          cfg.TitheBps,
	}
	return newResult(params, crossV3ToV2Shape, p.borrowToken), nil
}

// CrossV2ToV3Params swaps on a constant-product pool then a concentrated pool.
type CrossV2ToV3Params struct {
	TokenIntermediate common.Address
	PoolV2            common.Address
	PoolV3            common.Address
	FeeV3             *big.Int
	AmountOutMinimum1 *big.Int
	AmountOutMinimum2 *big.Int
	TitheRecipient    common.Address
	TitheBps          uint16
}

var crossV2ToV3Shape = []abi.ArgumentMarshaling{
	field("tokenIntermediate", "address"),
	field("poolV2", "address"),
	field("poolV3", "address"),
	field("feeV3", "uint24"),
	field("amountOutMinimum1", "uint256"),
	field("amountOutMinimum2", "uint256"),
	field("titheRecipient", "address"),
	field("titheBps", "uint16"),
}

// CrossV2ToV3 builds constant-product -> concentrated two-hop paths.
type CrossV2ToV3 struct{}

func (CrossV2ToV3) Name() string { return NameCrossV2ToV3 }

func (CrossV2ToV3) Build(opp Opportunity, sim SimulationResult, cfg Config) (*Result, error) {
	p, err := prepareCross(opp, sim, cfg, NameCrossV2ToV3, protocol.TypeConstantProduct, protocol.TypeConcentrated)
	if err != nil {
		return nil, err
	}
	params := CrossV2ToV3Params{
		TokenIntermediate: p.hops[0].TokenOut,
		PoolV2:            p.hops[0].Pool,
		PoolV3:            p.hops[1].Pool,
		FeeV3:             p.fee(1),
		AmountOutMinimum1: p.minOuts[0],
		AmountOutMinimum2: p.minOuts[1],
		TitheRecipient:    cfg.TitheRecipient,
		TitheBps:          cfg.TitheBps,
	}
	return newResult(params, crossV2ToV3Shape, p.borrowToken), nil
}

func prepareCross(opp Opportunity, sim SimulationResult, cfg Config, name string, first, second protocol.Type) (plan, error) {
	if err := requireHops(opp.Path, 2, name); err != nil {
		return plan{}, err
	}
	p, err := prepare(opp, sim, cfg)
	if err != nil {
		return plan{}, err
	}
	if p.hops[0].cfg.Type != first || p.hops[1].cfg.Type != second {
		return plan{}, fmt.Errorf("%w: %s expects %s then %s, got %s then %s",
			ErrRoutingOrder, name, first, second, p.hops[0].cfg.Type, p.hops[1].cfg.Type)
	}
	return p, nil
}

// Select picks the builder matching the path shape and dex mix.
func Select(opp Opportunity, reg *protocol.Registry) (Builder, error) {
	if reg == nil {
		reg = protocol.DefaultRegistry()
	}
	if len(opp.Path) == 0 {
		return nil, fmt.Errorf("%w: path is empty", ErrHopCount)
	}

	types := make([]protocol.Type, len(opp.Path))
	for i, hop := range opp.Path {
		cfg, ok := reg.Get(hop.DexName)
		if !ok {
			return nil, fmt.Errorf("%w: hop %d dex %q", ErrUnknownDex, i, hop.DexName)
		}
		types[i] = cfg.Type
	}

	if len(opp.Path) == 3 && opp.Path[2].TokenOut == opp.Path[0].TokenIn {
		return Triangular{}, nil
	}
	if len(opp.Path) == 2 {
		switch {
		case types[0] == protocol.TypeConcentrated && types[1] == protocol.TypeConcentrated:
			return V3TwoHop{}, nil
		case types[0] == protocol.TypeConcentrated && types[1] == protocol.TypeConstantProduct:
			return CrossV3ToV2{}, nil
		case types[0] == protocol.TypeConstantProduct && types[1] == protocol.TypeConcentrated:
			return CrossV2ToV3{}, nil
		}
	}
	for i, t := range types[1:] {
		if t != types[0] {
			return nil, fmt.Errorf("%w: hop %d is %s, hop 0 is %s", ErrMixedProtocols, i+1, t, types[0])
		}
	}
	return AaveMultiHop{}, nil
}

// Build selects a builder for opp and runs it.
func Build(opp Opportunity, sim SimulationResult, cfg Config) (*Result, error) {
	b, err := Select(opp, cfg.registry())
	if err != nil {
		return nil, err
	}
	return b.Build(opp, sim, cfg)
}

// Lookup returns the builder registered under name.
func Lookup(name string) (Builder, bool) {
	for _, b := range []Builder{AaveMultiHop{}, V3TwoHop{}, Triangular{}, CrossV3ToV2{}, CrossV2ToV3{}} {
		if b.Name() == name {
			return b, true
		}
	}
	return nil, false
}
