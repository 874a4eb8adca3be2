package protocol

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Concentrated adapts Uniswap V3 style factory/quoter/router deployments.
type Concentrated struct {
	base
}

// NewConcentrated builds a V3-style adapter for cfg.
func NewConcentrated(cfg Config, opts AdapterOptions, logger zerolog.Logger) (*Concentrated, error) {
	b, err := newBase(cfg, TypeConcentrated, opts, logger)
	if err != nil {
		return nil, err
	}
	return &Concentrated{base: b}, nil
}

func (c *Concentrated) checkFee(fee uint32) error {
	if fee > MaxFee {
		return fmt.Errorf("%w: fee %d exceeds uint24", ErrInvalidParams, fee)
	}
	if len(c.cfg.FeeTiers) > 0 && !c.cfg.SupportsFeeTier(fee) {
		return fmt.Errorf("%w: %s does not list fee tier %d", ErrUnsupportedFee, c.cfg.Name, fee)
	}
	return nil
}

// GetPool resolves the pool for a pair and fee tier through the factory.
func (c *Concentrated) GetPool(ctx context.Context, token0, token1 common.Address, fee *uint32) (*PoolInfo, error) {
	if token0 == token1 {
		return nil, fmt.Errorf("%w: identical tokens", ErrInvalidParams)
	}
	if fee == nil {
		return nil, fmt.Errorf("%w: %s pool lookup requires a fee tier", ErrInvalidParams, c.cfg.Name)
	}
	if err := c.checkFee(*fee); err != nil {
		return nil, err
	}

	k := cacheKey(token0, token1, *fee)
	if info, ok := c.pools.Get(k); ok {
		return &info, nil
	}

	data, err := v3FactoryABI.Pack("getPool", k.token0, k.token1, new(big.Int).SetUint64(uint64(*fee)))
	if err != nil {
		return nil, fmt.Errorf("pack getPool: %w", err)
	}
	res, err := c.call(ctx, c.cfg.Factory, data)
	if err != nil {
		return nil, fmt.Errorf("%s: call getPool: %w", c.cfg.Name, err)
	}
	out, err := v3FactoryABI.Unpack("getPool", res)
	if err != nil {
		return nil, fmt.Errorf("unpack getPool: %w", err)
	}
	if len(out) != 1 {
		return nil, errors.New("unexpected getPool response")
	}
	pool, ok := out[0].(common.Address)
	if !ok {
		return nil, errors.New("failed to decode getPool output")
	}
	if pool == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s has no %d pool for %s/%s", ErrPoolNotFound, c.cfg.Name, *fee, k.token0.Hex(), k.token1.Hex())
	}

	info := PoolInfo{Address: pool, Token0: k.token0, Token1: k.token1, Fee: *fee, Protocol: c.cfg.Name}
	c.pools.Add(k, info)
	return &info, nil
}

// GetQuote asks the quoter for an exact-input single-pool quote. Without an
// explicit fee every configured tier is tried and the best output wins.
func (c *Concentrated) GetQuote(ctx context.Context, p QuoteParams) (*Quote, error) {
	if err := validateQuote(p); err != nil {
		return nil, err
	}
	if c.cfg.Quoter == nil {
		return nil, fmt.Errorf("%w: %s has no quoter configured", ErrUnsupported, c.cfg.Name)
	}

	tiers := c.cfg.FeeTiers
	if p.Fee != nil {
		if err := c.checkFee(*p.Fee); err != nil {
			return nil, err
		}
		tiers = []uint32{*p.Fee}
	}

	var (
		best    *big.Int
		bestFee uint32
		lastErr error
	)
	for _, fee := range tiers {
		out, err := c.quoteSingle(ctx, p.TokenIn, p.TokenOut, fee, p.AmountIn)
		if err != nil {
			lastErr = err
			c.logger.Debug().Err(err).Uint32("fee", fee).Msg("fee tier quote failed")
			continue
		}
		if best == nil || out.Cmp(best) > 0 {
			best, bestFee = out, fee
		}
	}
	if best == nil {
		if lastErr == nil {
			lastErr = fmt.Errorf("%w: %s has no fee tiers", ErrUnsupported, c.cfg.Name)
		}
		return nil, lastErr
	}
	if best.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s quote returned zero", ErrInsufficientLiquidity, c.cfg.Name)
	}

	return &Quote{
		AmountOut:   best,
		Path:        []common.Address{p.TokenIn, p.TokenOut},
		Fees:        []uint32{bestFee},
		GasEstimate: EstimateGas(1, false),
	}, nil
}

func (c *Concentrated) quoteSingle(ctx context.Context, tokenIn, tokenOut common.Address, fee uint32, amountIn *big.Int) (*big.Int, error) {
	data, err := v3QuoterABI.Pack("quoteExactInputSingle", tokenIn, tokenOut, new(big.Int).SetUint64(uint64(fee)), amountIn, big.NewInt(0))
	if err != nil {
		return nil, fmt.Errorf("pack quoteExactInputSingle: %w", err)
	}
	res, err := c.call(ctx, *c.cfg.Quoter, data)
	if err != nil {
		return nil, fmt.Errorf("%s: call quoter: %w", c.cfg.Name, err)
	}
	out, err := v3QuoterABI.Unpack("quoteExactInputSingle", res)
	if err != nil {
		return nil, fmt.Errorf("unpack quoteExactInputSingle: %w", err)
	}
	if len(out) != 1 {
		return nil, errors.New("unexpected quoter response")
	}
	amount, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode quoter output")
	}
	return amount, nil
}

type exactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

// ExecuteSwap encodes exactInputSingle and hands it to the submitter.
func (c *Concentrated) ExecuteSwap(ctx context.Context, p SwapParams) (common.Hash, error) {
	if err := ValidateSwapParams(p); err != nil {
		return common.Hash{}, err
	}
	if err := c.checkFee(p.Fee); err != nil {
		return common.Hash{}, err
	}
	if err := c.requireActive(ctx); err != nil {
		return common.Hash{}, err
	}

	params := exactInputSingleParams{
		TokenIn:           common.HexToAddress(strings.TrimSpace(p.TokenIn)),
		TokenOut:          common.HexToAddress(strings.TrimSpace(p.TokenOut)),
		Fee:               new(big.Int).SetUint64(uint64(p.Fee)),
		Recipient:         common.HexToAddress(strings.TrimSpace(p.Recipient)),
		Deadline:          deadlineOf(p),
		AmountIn:          p.AmountIn,
		AmountOutMinimum:  p.AmountOutMinimum,
		SqrtPriceLimitX96: big.NewInt(0),
	}
	data, err := v3RouterABI.Pack("exactInputSingle", params)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack exactInputSingle: %w", err)
	}
	return c.submit(ctx, data)
}

var _ Protocol = (*Concentrated)(nil)
