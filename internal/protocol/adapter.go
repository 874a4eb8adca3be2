package protocol

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// Gas figures used for quote estimates.
const (
	gasBase      uint64 = 100_000
	gasFlashLoan uint64 = 150_000
	gasPerSwap   uint64 = 120_000
	// gas buffer expressed as a percentage of the raw estimate
	gasBufferPct uint64 = 120

	defaultPoolCacheSize = 1024
)

// EstimateGas returns the buffered gas figure for a path of hops swaps,
// optionally financed by a flash loan.
func EstimateGas(hops int, flashLoan bool) uint64 {
	total := gasBase + gasPerSwap*uint64(hops)
	if flashLoan {
		total += gasFlashLoan
	}
	return total * gasBufferPct / 100
}

// ChainCaller is the read-only chain access adapters need. *ethclient.Client
// satisfies it.
type ChainCaller interface {
	ethereum.ContractCaller
	ChainID(ctx context.Context) (*big.Int, error)
}

// Submitter hands signed-elsewhere calldata to the external broadcast layer.
type Submitter interface {
	Submit(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error)
}

// QuoteParams requests an exact-input quote.
type QuoteParams struct {
	TokenIn  common.Address
	TokenOut common.Address
	AmountIn *big.Int
	Fee      *uint32
}

// Quote is an adapter's amount-out estimate.
type Quote struct {
	AmountOut   *big.Int
	Path        []common.Address
	Fees        []uint32
	GasEstimate uint64
}

// PoolInfo is the result of a pool lookup.
type PoolInfo struct {
	Address  common.Address
	Token0   common.Address
	Token1   common.Address
	Fee      uint32
	Protocol string
}

// SwapParams describes an exact-input swap. Addresses are carried as strings
// so that malformed input is rejected locally.
type SwapParams struct {
	TokenIn          string
	TokenOut         string
	Recipient        string
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
	Fee              uint32
	Deadline         time.Time
}

// Protocol is the uniform contract over one DEX family.
type Protocol interface {
	Metadata() Config
	SupportsFeature(feature string) bool
	IsActive(ctx context.Context) (bool, error)
	GetQuote(ctx context.Context, params QuoteParams) (*Quote, error)
	GetPool(ctx context.Context, token0, token1 common.Address, fee *uint32) (*PoolInfo, error)
	ExecuteSwap(ctx context.Context, params SwapParams) (common.Hash, error)
}

// ValidateSwapParams performs the synchronous checks shared by every adapter.
func ValidateSwapParams(p SwapParams) error {
	for _, field := range []struct {
		name  string
		value string
	}{
		{"tokenIn", p.TokenIn},
		{"tokenOut", p.TokenOut},
		{"recipient", p.Recipient},
	} {
		if !common.IsHexAddress(strings.TrimSpace(field.value)) {
			return fmt.Errorf("%w: %s %q is not a valid address", ErrInvalidParams, field.name, field.value)
		}
	}
	if p.AmountIn == nil || p.AmountIn.Sign() <= 0 {
		return fmt.Errorf("%w: amountIn must be greater than zero", ErrInvalidParams)
	}
	if p.AmountOutMinimum == nil || p.AmountOutMinimum.Sign() < 0 {
		return fmt.Errorf("%w: amountOutMinimum must be zero or greater", ErrInvalidParams)
	}
	return nil
}

// AdapterOptions are shared by every adapter constructor.
type AdapterOptions struct {
	ChainID   uint64
	Caller    ChainCaller
	Submitter Submitter
	CacheSize int
}

type poolCacheKey struct {
	token0 common.Address
	token1 common.Address
	fee    uint32
}

type base struct {
	cfg       Config
	chainID   uint64
	caller    ChainCaller
	submitter Submitter
	pools     *lru.Cache[poolCacheKey, PoolInfo]
	logger    zerolog.Logger
}

func newBase(cfg Config, want Type, opts AdapterOptions, logger zerolog.Logger) (base, error) {
	if cfg.Type != want {
		return base{}, fmt.Errorf("%w: %s is %s, adapter expects %s", ErrInvalidConfig, cfg.Name, cfg.Type, want)
	}
	if !cfg.OnChain(opts.ChainID) {
		return base{}, fmt.Errorf("%w: %s is not deployed on chain %d", ErrChainMismatch, cfg.Name, opts.ChainID)
	}
	size := opts.CacheSize
	if size <= 0 {
		size = defaultPoolCacheSize
	}
	cache, err := lru.New[poolCacheKey, PoolInfo](size)
	if err != nil {
		return base{}, fmt.Errorf("create pool cache: %w", err)
	}
	return base{
		cfg:       cfg.clone(),
		chainID:   opts.ChainID,
		caller:    opts.Caller,
		submitter: opts.Submitter,
		pools:     cache,
		logger:    logger.With().Str("component", "adapter").Str("protocol", cfg.Name).Logger(),
	}, nil
}

func (b *base) Metadata() Config {
	return b.cfg.clone()
}

func (b *base) SupportsFeature(feature string) bool {
	return b.cfg.HasFeature(feature)
}

// IsActive compares the configured chain id with the connected network.
func (b *base) IsActive(ctx context.Context) (bool, error) {
	if b.caller == nil {
		return false, fmt.Errorf("%s: chain caller not configured", b.cfg.Name)
	}
	id, err := b.caller.ChainID(ctx)
	if err != nil {
		return false, fmt.Errorf("%s: fetch chain id: %w", b.cfg.Name, err)
	}
	return id.IsUint64() && id.Uint64() == b.chainID, nil
}

func (b *base) requireActive(ctx context.Context) error {
	active, err := b.IsActive(ctx)
	if err != nil {
		return err
	}
	if !active {
		return fmt.Errorf("%w: %s on chain %d", ErrInactive, b.cfg.Name, b.chainID)
	}
	return nil
}

func (b *base) submit(ctx context.Context, data []byte) (common.Hash, error) {
	if b.submitter == nil {
		return common.Hash{}, ErrNoSubmitter
	}
	hash, err := b.submitter.Submit(ctx, b.cfg.Router, data, big.NewInt(0))
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: submit swap: %w", b.cfg.Name, err)
	}
	b.logger.Info().Str("tx", hash.Hex()).Msg("swap submitted")
	return hash, nil
}

func (b *base) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if b.caller == nil {
		return nil, fmt.Errorf("%s: chain caller not configured", b.cfg.Name)
	}
	return b.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// sortTokens orders a pair the way pool contracts do (token0 < token1).
func sortTokens(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) < 0 {
		return a, b
	}
	return b, a
}

func cacheKey(a, b common.Address, fee uint32) poolCacheKey {
	t0, t1 := sortTokens(a, b)
	return poolCacheKey{token0: t0, token1: t1, fee: fee}
}

func validateQuote(p QuoteParams) error {
	if p.AmountIn == nil || p.AmountIn.Sign() <= 0 {
		return fmt.Errorf("%w: amountIn must be greater than zero", ErrInvalidParams)
	}
	if p.TokenIn == p.TokenOut {
		return fmt.Errorf("%w: tokenIn and tokenOut are identical", ErrInvalidParams)
	}
	return nil
}

func deadlineOf(p SwapParams) *big.Int {
	deadline := p.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(2 * time.Minute)
	}
	return big.NewInt(deadline.Unix())
}
