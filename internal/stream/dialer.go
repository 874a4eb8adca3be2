package stream

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"
)

// Conn is a live streaming connection. *ethclient.Client satisfies it.
type Conn interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// Dialer opens a Conn to an endpoint. A returned Conn is ready for use.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Conn, error)
}

// RPCDialer dials websocket endpoints through go-ethereum's rpc client.
type RPCDialer struct {
	HandshakeTimeout time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
}

// Dial connects and waits for the node to answer eth_chainId before
// returning the connection.
func (d RPCDialer) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: timeout,
		ReadBufferSize:   d.ReadBufferSize,
		WriteBufferSize:  d.WriteBufferSize,
	}
	rc, err := rpc.DialOptions(dialCtx, ep.URL, rpc.WithWebsocketDialer(ws))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep, err)
	}

	client := ethclient.NewClient(rc)
	if _, err := client.ChainID(dialCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("ready check %s: %w", ep, err)
	}
	return client, nil
}
