package app

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"

	"dexarb/internal/builder"
)

// BuildRequest is the JSON input of the build command. Amounts are decimal or
// 0x-prefixed hex strings in the token's smallest unit.
type BuildRequest struct {
	Builder     string          `json:"builder,omitempty"`
	Opportunity opportunityJSON `json:"opportunity"`
	Simulation  simulationJSON  `json:"simulation"`
}

type opportunityJSON struct {
	ID           string                `json:"id"`
	BorrowToken  common.Address        `json:"borrowToken"`
	BorrowAmount *math.HexOrDecimal256 `json:"borrowAmount,omitempty"`
	Path         []hopJSON             `json:"path"`
}

type hopJSON struct {
	Dex      string          `json:"dex"`
	Pool     common.Address  `json:"pool"`
	TokenIn  common.Address  `json:"tokenIn"`
	TokenOut common.Address  `json:"tokenOut"`
	Fee      uint32          `json:"fee"`
	Token0   *common.Address `json:"token0,omitempty"`
	Token1   *common.Address `json:"token1,omitempty"`
}

type simulationJSON struct {
	InitialAmount *math.HexOrDecimal256   `json:"initialAmount"`
	Hop1AmountOut *math.HexOrDecimal256   `json:"hop1AmountOut"`
	FinalAmount   *math.HexOrDecimal256   `json:"finalAmount"`
	HopAmountsOut []*math.HexOrDecimal256 `json:"hopAmountsOut,omitempty"`
}

// BuildResponse is the JSON output of the build command.
type BuildResponse struct {
	OpportunityID string         `json:"opportunityId,omitempty"`
	Builder       string         `json:"builder"`
	GasEstimate   bool           `json:"gasEstimate"`
	TypeString    string         `json:"typeString"`
	BorrowToken   common.Address `json:"borrowToken"`
	Params        any            `json:"params"`
	Encoded       hexutil.Bytes  `json:"encoded"`
}

func toBig(v *math.HexOrDecimal256) *big.Int {
	if v == nil {
		return nil
	}
	return (*big.Int)(v)
}

func (r BuildRequest) opportunity() builder.Opportunity {
	opp := builder.Opportunity{
		ID:           r.Opportunity.ID,
		BorrowToken:  r.Opportunity.BorrowToken,
		BorrowAmount: toBig(r.Opportunity.BorrowAmount),
		Path:         make([]builder.Hop, len(r.Opportunity.Path)),
	}
	for i, h := range r.Opportunity.Path {
		opp.Path[i] = builder.Hop{
			DexName:  h.Dex,
			Pool:     h.Pool,
			TokenIn:  h.TokenIn,
			TokenOut: h.TokenOut,
			Fee:      h.Fee,
			Token0:   h.Token0,
			Token1:   h.Token1,
		}
	}
	return opp
}

func (r BuildRequest) simulation() builder.SimulationResult {
	sim := builder.SimulationResult{
		InitialAmount: toBig(r.Simulation.InitialAmount),
		Hop1AmountOut: toBig(r.Simulation.Hop1AmountOut),
		FinalAmount:   toBig(r.Simulation.FinalAmount),
	}
	for _, v := range r.Simulation.HopAmountsOut {
		sim.HopAmountsOut = append(sim.HopAmountsOut, toBig(v))
	}
	return sim
}

// Build reads a BuildRequest from opts.InputPath ("-" for stdin), builds and
// encodes the executor parameters, and writes a BuildResponse to w.
func (a *App) Build(in io.Reader, w io.Writer, opts BuildOptions) error {
	if opts.InputPath != "" && opts.InputPath != "-" {
		file, err := os.Open(opts.InputPath)
		if err != nil {
			return err
		}
		defer file.Close()
		in = file
	}

	var req BuildRequest
	dec := json.NewDecoder(in)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return fmt.Errorf("decode build request: %w", err)
	}
	if opts.Builder != "" {
		req.Builder = opts.Builder
	}

	resp, err := a.build(req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func (a *App) build(req BuildRequest) (*BuildResponse, error) {
	reg := a.Config.Registry()
	cfg := a.Config.BuilderConfig(reg)
	opp := req.opportunity()
	sim := req.simulation()

	var b builder.Builder
	if req.Builder != "" {
		var ok bool
		if b, ok = builder.Lookup(req.Builder); !ok {
			return nil, fmt.Errorf("unknown builder %q", req.Builder)
		}
	} else {
		var err error
		if b, err = builder.Select(opp, reg); err != nil {
			return nil, err
		}
	}

	res, err := b.Build(opp, sim, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	encoded, err := res.Encode()
	if err != nil {
		return nil, err
	}

	a.Logger.Info().
		Str("opportunity", opp.ID).
		Str("builder", b.Name()).
		Bool("gas_estimate", sim.IsGasEstimate()).
		Int("bytes", len(encoded)).
		Msg("transaction parameters built")

	return &BuildResponse{
		OpportunityID: opp.ID,
		Builder:       b.Name(),
		GasEstimate:   sim.IsGasEstimate(),
		TypeString:    res.TypeString,
		BorrowToken:   res.BorrowToken,
		Params:        res.Params,
		Encoded:       encoded,
	}, nil
}
