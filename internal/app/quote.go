package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"dexarb/internal/protocol"
)

// ChainDialer opens read-only chain access for protocol adapters.
type ChainDialer func(ctx context.Context, url string) (protocol.ChainCaller, func(), error)

func dialEthclient(ctx context.Context, url string) (protocol.ChainCaller, func(), error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return client, client.Close, nil
}

// QuoteOptions configure the quote command.
type QuoteOptions struct {
	Protocol string
	TokenIn  common.Address
	TokenOut common.Address
	AmountIn *big.Int
	Fee      *uint32
}

// adapter builds the named protocol adapter against the highest-priority
// stream endpoint.
func (a *App) adapter(ctx context.Context, name string) (protocol.Protocol, func(), error) {
	cfg, ok := a.Config.Registry().Get(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", protocol.ErrUnknownProtocol, name)
	}
	if len(a.Config.Stream.Endpoints) == 0 {
		return nil, nil, errors.New("stream.endpoints must list at least one endpoint")
	}
	endpoints := append(a.Config.Stream.Endpoints[:0:0], a.Config.Stream.Endpoints...)
	sort.SliceStable(endpoints, func(i, j int) bool { return endpoints[i].Priority < endpoints[j].Priority })

	dial := a.dialChain
	if dial == nil {
		dial = dialEthclient
	}
	caller, closeFn, err := dial(ctx, endpoints[0].URL)
	if err != nil {
		return nil, nil, err
	}
	adapter, err := protocol.NewAdapter(cfg, protocol.AdapterOptions{
		ChainID: a.Config.Manifest.ChainID,
		Caller:  caller,
	}, a.Logger)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return adapter, closeFn, nil
}

// Quote prints an exact-input quote from a protocol adapter.
func (a *App) Quote(ctx context.Context, w io.Writer, opts QuoteOptions) error {
	if opts.AmountIn == nil || opts.AmountIn.Sign() <= 0 {
		return errors.New("amount must be greater than zero")
	}
	adapter, closeFn, err := a.adapter(ctx, opts.Protocol)
	if err != nil {
		return err
	}
	defer closeFn()

	quote, err := adapter.GetQuote(ctx, protocol.QuoteParams{
		TokenIn:  opts.TokenIn,
		TokenOut: opts.TokenOut,
		AmountIn: opts.AmountIn,
		Fee:      opts.Fee,
	})
	if err != nil {
		return err
	}

	hops := make([]string, len(quote.Path))
	for i, addr := range quote.Path {
		hops[i] = addr.Hex()
	}
	fmt.Fprintf(w, "protocol:   %s\n", adapter.Metadata().Name)
	fmt.Fprintf(w, "amount in:  %s\n", opts.AmountIn)
	fmt.Fprintf(w, "amount out: %s\n", quote.AmountOut)
	fmt.Fprintf(w, "path:       %s\n", strings.Join(hops, " -> "))
	fmt.Fprintf(w, "fees:       %v\n", quote.Fees)
	fmt.Fprintf(w, "gas:        %d\n", quote.GasEstimate)
	return nil
}

// resolvePool looks up the pool address for a token pair on chain.
func (a *App) resolvePool(ctx context.Context, name string, token0, token1 common.Address, fee uint32) (*protocol.PoolInfo, error) {
	adapter, closeFn, err := a.adapter(ctx, name)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var feeArg *uint32
	if fee > 0 {
		feeArg = &fee
	}
	return adapter.GetPool(ctx, token0, token1, feeArg)
}
