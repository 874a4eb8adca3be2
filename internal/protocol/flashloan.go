package protocol

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// DefaultFlashLoanPremiumBps is the lending fee charged on a flash loan.
const DefaultFlashLoanPremiumBps = 9

// FlashLoan adapts a lending pool that only provides flash loans. Swap-style
// operations fail with descriptive errors.
type FlashLoan struct {
	base
	premiumBps int64
}

// NewFlashLoan builds a lending adapter for cfg.
func NewFlashLoan(cfg Config, opts AdapterOptions, logger zerolog.Logger) (*FlashLoan, error) {
	b, err := newBase(cfg, TypeLending, opts, logger)
	if err != nil {
		return nil, err
	}
	return &FlashLoan{base: b, premiumBps: DefaultFlashLoanPremiumBps}, nil
}

// Premium returns the fee owed on top of amount when the loan is repaid.
func (f *FlashLoan) Premium(amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, big.NewInt(f.premiumBps))
	return fee.Div(fee, big.NewInt(10_000))
}

func (f *FlashLoan) GetQuote(context.Context, QuoteParams) (*Quote, error) {
	return nil, fmt.Errorf("%w: %s is a lending protocol and does not quote swaps", ErrUnsupported, f.cfg.Name)
}

func (f *FlashLoan) GetPool(context.Context, common.Address, common.Address, *uint32) (*PoolInfo, error) {
	return nil, fmt.Errorf("%w: %s is a lending protocol and has no trading pools", ErrUnsupported, f.cfg.Name)
}

// ExecuteSwap always fails: flash-loan providers do not swap.
func (f *FlashLoan) ExecuteSwap(context.Context, SwapParams) (common.Hash, error) {
	return common.Hash{}, fmt.Errorf("%w: %s does not support swaps", ErrSwapUnsupported, f.cfg.Name)
}

// NewAdapter builds the adapter matching cfg.Type.
func NewAdapter(cfg Config, opts AdapterOptions, logger zerolog.Logger) (Protocol, error) {
	switch cfg.Type {
	case TypeConstantProduct:
		return NewConstantProduct(cfg, opts, logger)
	case TypeConcentrated:
		return NewConcentrated(cfg, opts, logger)
	case TypeLending:
		return NewFlashLoan(cfg, opts, logger)
	default:
		return nil, fmt.Errorf("%w: %s has unknown type %q", ErrInvalidConfig, cfg.Name, cfg.Type)
	}
}

var _ Protocol = (*FlashLoan)(nil)
