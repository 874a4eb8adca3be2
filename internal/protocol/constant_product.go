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

const feeDenominator = 1_000_000

// ConstantProduct adapts Uniswap V2 style pair/router deployments.
type ConstantProduct struct {
	base
}

// NewConstantProduct builds a V2-style adapter for cfg.
func NewConstantProduct(cfg Config, opts AdapterOptions, logger zerolog.Logger) (*ConstantProduct, error) {
	b, err := newBase(cfg, TypeConstantProduct, opts, logger)
	if err != nil {
		return nil, err
	}
	if err := checkConstantProductFees(cfg); err != nil {
		return nil, err
	}
	return &ConstantProduct{base: b}, nil
}

// checkConstantProductFees rejects tiers that would take the whole input.
func checkConstantProductFees(cfg Config) error {
	for _, fee := range cfg.FeeTiers {
		if fee >= feeDenominator {
			return fmt.Errorf("%w: %s fee tier %d must be below %d", ErrInvalidConfig, cfg.Name, fee, feeDenominator)
		}
	}
	return nil
}

func (c *ConstantProduct) fee() uint32 {
	if len(c.cfg.FeeTiers) > 0 {
		return c.cfg.FeeTiers[0]
	}
	return 3000
}

// GetAmountOut applies the constant-product formula with a fee expressed in
// hundredths of a basis point.
func GetAmountOut(amountIn, reserveIn, reserveOut *big.Int, fee uint32) *big.Int {
	if amountIn == nil || reserveIn == nil || reserveOut == nil {
		return big.NewInt(0)
	}
	if amountIn.Sign() <= 0 || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 || fee >= feeDenominator {
		return big.NewInt(0)
	}

	amountInWithFee := new(big.Int).Mul(amountIn, big.NewInt(int64(feeDenominator-int64(fee))))
	numerator := new(big.Int).Mul(amountInWithFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, big.NewInt(feeDenominator))
	denominator.Add(denominator, amountInWithFee)

	return numerator.Div(numerator, denominator)
}

// GetPool resolves the pair through the factory. fee is ignored.
func (c *ConstantProduct) GetPool(ctx context.Context, token0, token1 common.Address, _ *uint32) (*PoolInfo, error) {
	if token0 == token1 {
		return nil, fmt.Errorf("%w: identical tokens", ErrInvalidParams)
	}
	k := cacheKey(token0, token1, c.fee())
	if info, ok := c.pools.Get(k); ok {
		return &info, nil
	}

	data, err := v2FactoryABI.Pack("getPair", k.token0, k.token1)
	if err != nil {
		return nil, fmt.Errorf("pack getPair: %w", err)
	}
	res, err := c.call(ctx, c.cfg.Factory, data)
	if err != nil {
		return nil, fmt.Errorf("%s: call getPair: %w", c.cfg.Name, err)
	}
	out, err := v2FactoryABI.Unpack("getPair", res)
	if err != nil {
		return nil, fmt.Errorf("unpack getPair: %w", err)
	}
	if len(out) != 1 {
		return nil, errors.New("unexpected getPair response")
	}
	pair, ok := out[0].(common.Address)
	if !ok {
		return nil, errors.New("failed to decode getPair output")
	}
	if pair == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s has no pair for %s/%s", ErrPoolNotFound, c.cfg.Name, k.token0.Hex(), k.token1.Hex())
	}

	info := PoolInfo{Address: pair, Token0: k.token0, Token1: k.token1, Fee: c.fee(), Protocol: c.cfg.Name}
	c.pools.Add(k, info)
	return &info, nil
}

// Reserves reads getReserves from a pair.
func (c *ConstantProduct) Reserves(ctx context.Context, pair common.Address) (*big.Int, *big.Int, error) {
	data, err := PairABI.Pack("getReserves")
	if err != nil {
		return nil, nil, fmt.Errorf("pack getReserves: %w", err)
	}
	res, err := c.call(ctx, pair, data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: call getReserves: %w", c.cfg.Name, err)
	}
	out, err := PairABI.Unpack("getReserves", res)
	if err != nil {
		return nil, nil, fmt.Errorf("unpack getReserves: %w", err)
	}
	if len(out) < 2 {
		return nil, nil, fmt.Errorf("unexpected getReserves length: %d", len(out))
	}
	r0, ok0 := out[0].(*big.Int)
	r1, ok1 := out[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, errors.New("failed to decode reserves")
	}
	return r0, r1, nil
}

// GetQuote prices an exact-input swap against current reserves.
func (c *ConstantProduct) GetQuote(ctx context.Context, p QuoteParams) (*Quote, error) {
	if err := validateQuote(p); err != nil {
		return nil, err
	}
	pool, err := c.GetPool(ctx, p.TokenIn, p.TokenOut, nil)
	if err != nil {
		return nil, err
	}
	r0, r1, err := c.Reserves(ctx, pool.Address)
	if err != nil {
		return nil, err
	}

	reserveIn, reserveOut := r0, r1
	if p.TokenIn != pool.Token0 {
		reserveIn, reserveOut = r1, r0
	}
	out := GetAmountOut(p.AmountIn, reserveIn, reserveOut, pool.Fee)
	if out.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s pool %s", ErrInsufficientLiquidity, c.cfg.Name, pool.Address.Hex())
	}

	return &Quote{
		AmountOut:   out,
		Path:        []common.Address{p.TokenIn, p.TokenOut},
		Fees:        []uint32{pool.Fee},
		GasEstimate: EstimateGas(1, false),
	}, nil
}

// ExecuteSwap encodes swapExactTokensForTokens and hands it to the submitter.
func (c *ConstantProduct) ExecuteSwap(ctx context.Context, p SwapParams) (common.Hash, error) {
	if err := ValidateSwapParams(p); err != nil {
		return common.Hash{}, err
	}
	if err := c.requireActive(ctx); err != nil {
		return common.Hash{}, err
	}

	path := []common.Address{
		common.HexToAddress(strings.TrimSpace(p.TokenIn)),
		common.HexToAddress(strings.TrimSpace(p.TokenOut)),
	}
	data, err := v2RouterABI.Pack("swapExactTokensForTokens",
		p.AmountIn,
		p.AmountOutMinimum,
		path,
		common.HexToAddress(strings.TrimSpace(p.Recipient)),
		deadlineOf(p),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack swapExactTokensForTokens: %w", err)
	}
	return c.submit(ctx, data)
}

var _ Protocol = (*ConstantProduct)(nil)
