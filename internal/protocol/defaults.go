package protocol

import "github.com/ethereum/go-ethereum/common"

// Chain ids of the networks the default catalogue covers.
const (
	ChainMainnet  uint64 = 1
	ChainArbitrum uint64 = 42161
)

// Canonical names of the default protocols.
const (
	UniswapV2 = "uniswap-v2"
	SushiSwap = "sushiswap"
	Camelot   = "camelot"
	UniswapV3 = "uniswap-v3"
	AaveV3    = "aave-v3"
)

var uniswapV3Quoter = common.HexToAddress("0xb27308f9F90D607463bb33eA1BeBb41C27CE5AB6")

// DefaultConfigs returns the built-in protocol catalogue.
func DefaultConfigs() []Config {
	return []Config{
		{
			Name:     UniswapV2,
			Type:     TypeConstantProduct,
			Version:  "v2",
			ChainIDs: []uint64{ChainMainnet},
			Router:   common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"),
			Factory:  common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"),
			FeeTiers: []uint32{3000},
			Features: []string{FeatureSwap, FeatureQuote, FeatureMultiHop, FeatureFlashSwap},
		},
		{
			Name:     SushiSwap,
			Type:     TypeConstantProduct,
			Version:  "v2",
			ChainIDs: []uint64{ChainMainnet},
			Router:   common.HexToAddress("0xd9e1cE17f2641f24aE83637ab66a2cca9C378B9F"),
			Factory:  common.HexToAddress("0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac"),
			FeeTiers: []uint32{3000},
			Features: []string{FeatureSwap, FeatureQuote, FeatureMultiHop, FeatureFlashSwap},
		},
		{
			Name:     Camelot,
			Type:     TypeConstantProduct,
			Version:  "v2",
			ChainIDs: []uint64{ChainArbitrum},
			Router:   common.HexToAddress("0xc873fEcbd354f5A56E00E710B90EF4201db2448d"),
			Factory:  common.HexToAddress("0x6EcCab422D763aC031210895C81787E87B43A652"),
			FeeTiers: []uint32{3000},
			Features: []string{FeatureSwap, FeatureQuote, FeatureMultiHop, FeatureRejectsZeroMinOut},
		},
		{
			Name:     UniswapV3,
			Type:     TypeConcentrated,
			Version:  "v3",
			ChainIDs: []uint64{ChainMainnet, ChainArbitrum},
			Router:   common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564"),
			Factory:  common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984"),
			Quoter:   &uniswapV3Quoter,
			FeeTiers: []uint32{100, 500, 3000, 10000},
			Features: []string{FeatureSwap, FeatureQuote, FeatureMultiHop, FeatureFlashSwap, FeatureConcentratedLiquidity},
		},
		{
			Name:     AaveV3,
			Type:     TypeLending,
			Version:  "v3",
			ChainIDs: []uint64{ChainArbitrum},
			Router:   common.HexToAddress("0x794a61358D6845594F94dc1DB02A252b5b4814aD"),
			Factory:  common.HexToAddress("0xa97684ead0e402dC232d5A977953DF7ECBaB3CDb"),
			Features: []string{FeatureFlashLoan},
		},
	}
}

// DefaultRegistry builds a registry pre-populated with DefaultConfigs.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, cfg := range DefaultConfigs() {
		if err := r.Register(cfg); err != nil {
			panic("invalid default protocol config: " + err.Error())
		}
	}
	return r
}

// EnabledRegistry builds a registry containing only the default protocols whose
// name maps to true in enabled. Names missing from the map are kept.
func EnabledRegistry(enabled map[string]bool) *Registry {
	r := NewRegistry()
	for _, cfg := range DefaultConfigs() {
		if on, ok := enabled[cfg.Name]; ok && !on {
			continue
		}
		if err := r.Register(cfg); err != nil {
			panic("invalid default protocol config: " + err.Error())
		}
	}
	return r
}
