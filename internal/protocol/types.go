package protocol

import (
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Type classifies a DEX protocol family.
type Type string

const (
	TypeConstantProduct Type = "constant-product"
	TypeConcentrated    Type = "concentrated-liquidity"
	TypeLending         Type = "lending"
)

// Valid reports whether t is a known protocol family.
func (t Type) Valid() bool {
	switch t {
	case TypeConstantProduct, TypeConcentrated, TypeLending:
		return true
	default:
		return false
	}
}

// Capability strings carried in Config.Features.
const (
	FeatureSwap                  = "swap"
	FeatureQuote                 = "quote"
	FeatureMultiHop              = "multi-hop"
	FeatureFlashLoan             = "flash-loan"
	FeatureFlashSwap             = "flash-swap"
	FeatureConcentratedLiquidity = "concentrated-liquidity"
	// FeatureRejectsZeroMinOut marks pools that revert on a literal zero minimum output.
	FeatureRejectsZeroMinOut = "rejects-zero-min-out"
)

// MaxFee is the largest value representable as uint24.
const MaxFee uint32 = 1<<24 - 1

var (
	ErrUnknownProtocol       = errors.New("protocol: unknown protocol")
	ErrInvalidConfig         = errors.New("protocol: invalid config")
	ErrInvalidParams         = errors.New("protocol: invalid swap params")
	ErrSwapUnsupported       = errors.New("protocol: swaps not supported")
	ErrUnsupported           = errors.New("protocol: operation not supported")
	ErrUnsupportedFee        = errors.New("protocol: unsupported fee tier")
	ErrPoolNotFound          = errors.New("protocol: pool not found")
	ErrPoolExists            = errors.New("protocol: pool already exists")
	ErrChainMismatch         = errors.New("protocol: chain id mismatch")
	ErrInactive              = errors.New("protocol: adapter not active on connected chain")
	ErrNoSubmitter           = errors.New("protocol: no transaction submitter configured")
	ErrInsufficientLiquidity = errors.New("protocol: insufficient liquidity")
)

// Config is the static metadata describing one DEX protocol deployment.
type Config struct {
	Name     string
	Type     Type
	Version  string
	ChainIDs []uint64
	Router   common.Address
	Factory  common.Address
	Quoter   *common.Address
	// FeeTiers are expressed in hundredths of a basis point (3000 = 0.30%).
	FeeTiers []uint32
	Features []string
}

// HasFeature reports whether the config lists feature (case-insensitive).
func (c Config) HasFeature(feature string) bool {
	for _, f := range c.Features {
		if strings.EqualFold(f, feature) {
			return true
		}
	}
	return false
}

// OnChain reports whether the protocol is deployed on chainID.
func (c Config) OnChain(chainID uint64) bool {
	for _, id := range c.ChainIDs {
		if id == chainID {
			return true
		}
	}
	return false
}

// SupportsFeeTier reports whether fee is one of the configured tiers.
func (c Config) SupportsFeeTier(fee uint32) bool {
	for _, tier := range c.FeeTiers {
		if tier == fee {
			return true
		}
	}
	return false
}

func (c Config) clone() Config {
	out := c
	out.ChainIDs = append([]uint64(nil), c.ChainIDs...)
	out.FeeTiers = append([]uint32(nil), c.FeeTiers...)
	out.Features = append([]string(nil), c.Features...)
	if c.Quoter != nil {
		q := *c.Quoter
		out.Quoter = &q
	}
	return out
}

// Pool is a dynamic manifest entry describing a live pool instance.
type Pool struct {
	Address     common.Address `json:"address"`
	Token0      common.Address `json:"token0"`
	Token1      common.Address `json:"token1"`
	Fee         uint32         `json:"fee"`
	Protocol    string         `json:"protocol"`
	ChainID     uint64         `json:"chainId"`
	TVL         *float64       `json:"tvl,omitempty"`
	Volume24h   *float64       `json:"volume24h,omitempty"`
	LastUpdated time.Time      `json:"lastUpdated"`
	Enabled     bool           `json:"enabled"`
}
