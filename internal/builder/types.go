package builder

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"dexarb/internal/protocol"
)

var (
	ErrHopCount          = errors.New("builder: wrong hop count")
	ErrNotCyclic         = errors.New("builder: path is not cyclic")
	ErrTokenContinuity   = errors.New("builder: hop tokens are not continuous")
	ErrInvalidAddress    = errors.New("builder: invalid address")
	ErrFeeOutOfRange     = errors.New("builder: fee outside uint24 range")
	ErrUnknownDex        = errors.New("builder: unknown dex")
	ErrRoutingOrder      = errors.New("builder: protocol order does not match builder")
	ErrMixedProtocols    = errors.New("builder: path mixes protocol families")
	ErrInvalidSlippage   = errors.New("builder: slippage bps outside [0, 10000]")
	ErrInvalidTithe      = errors.New("builder: tithe bps outside [0, 10000]")
	ErrInvalidSimulation = errors.New("builder: invalid simulation result")
	ErrAmountOverflow    = errors.New("builder: amount exceeds uint256")
	ErrZeroMinOut        = errors.New("builder: minimum output is zero outside gas estimation")
	ErrUnprofitable      = errors.New("builder: simulated final amount does not exceed initial amount")
)

const bpsDenominator = 10_000

// Hop is one swap in an arbitrage path.
type Hop struct {
	DexName  string
	Pool     common.Address
	TokenIn  common.Address
	TokenOut common.Address
	Fee      uint32
	Token0   *common.Address
	Token1   *common.Address
}

// Opportunity is an ordered path supplied by the strategy layer.
type Opportunity struct {
	ID   string
	Path []Hop
	// BorrowToken defaults to the first hop's TokenIn when zero.
	BorrowToken  common.Address
	BorrowAmount *big.Int
}

// SimulationResult carries simulated amounts in smallest token units.
// InitialAmount == 1 and Hop1AmountOut == 1 marks a gas-estimation run.
type SimulationResult struct {
	InitialAmount *big.Int
	Hop1AmountOut *big.Int
	FinalAmount   *big.Int
	// HopAmountsOut optionally lists the simulated output of every hop. When
	// set it must have one entry per hop.
	HopAmountsOut []*big.Int
}

// IsGasEstimate reports whether sim is the gas-estimation sentinel.
func (s SimulationResult) IsGasEstimate() bool {
	return isOne(s.InitialAmount) && isOne(s.Hop1AmountOut)
}

func isOne(v *big.Int) bool {
	return v != nil && v.IsInt64() && v.Int64() == 1
}

// Config holds the per-build policy.
type Config struct {
	SlippageBps    uint32
	TitheRecipient common.Address
	TitheBps       uint16
	// Registry resolves hop dex names. DefaultRegistry is used when nil.
	Registry *protocol.Registry
}

func (c Config) registry() *protocol.Registry {
	if c.Registry != nil {
		return c.Registry
	}
	return protocol.DefaultRegistry()
}

// Builder produces executor parameters for one path shape.
type Builder interface {
	Name() string
	Build(opp Opportunity, sim SimulationResult, cfg Config) (*Result, error)
}

// Result is the final parameter record with its ABI shape.
type Result struct {
	Params      any
	TypeString  string
	BorrowToken common.Address

	shape []abi.ArgumentMarshaling
}

// Encode ABI-encodes Params as a single tuple argument.
func (r *Result) Encode() ([]byte, error) {
	if r == nil || len(r.shape) == 0 {
		return nil, errors.New("builder: result has no shape")
	}
	typ, err := abi.NewType("tuple", "", r.shape)
	if err != nil {
		return nil, fmt.Errorf("build tuple type: %w", err)
	}
	packed, err := abi.Arguments{{Type: typ}}.Pack(r.Params)
	if err != nil {
		return nil, fmt.Errorf("pack params: %w", err)
	}
	return packed, nil
}

func newResult(params any, shape []abi.ArgumentMarshaling, borrow common.Address) *Result {
	return &Result{
		Params:      params,
		TypeString:  formatTuple(shape),
		BorrowToken: borrow,
		shape:       shape,
	}
}

// formatTuple renders components as "tuple(type name,...)".
func formatTuple(comps []abi.ArgumentMarshaling) string {
	parts := make([]string, len(comps))
	for i, c := range comps {
		typ := c.Type
		if strings.HasPrefix(typ, "tuple") {
			typ = formatTuple(c.Components) + strings.TrimPrefix(typ, "tuple")
		}
		parts[i] = typ + " " + c.Name
	}
	return "tuple(" + strings.Join(parts, ",") + ")"
}

func field(name, typ string) abi.ArgumentMarshaling {
	return abi.ArgumentMarshaling{Name: name, Type: typ}
}
