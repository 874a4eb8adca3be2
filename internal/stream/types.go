package stream

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrAllEndpointsFailed is delivered on Manager.Err once every endpoint
	// has exhausted its retries in a single loop.
	ErrAllEndpointsFailed = errors.New("stream: all endpoints failed")
	// ErrNotConnected is returned by SubscribeToPool while no connection is
	// live. The pool is still recorded and subscribed after the next connect.
	ErrNotConnected = errors.New("stream: not connected")
	ErrShutdown     = errors.New("stream: manager shut down")
	ErrNoEndpoints  = errors.New("stream: no endpoints configured")
)

// Endpoint is a streaming RPC url ranked by Priority, lowest first.
type Endpoint struct {
	URL         string `mapstructure:"url"`
	Description string `mapstructure:"description"`
	Priority    int    `mapstructure:"priority"`
}

func (e Endpoint) String() string {
	if e.Description != "" {
		return e.Description
	}
	return e.URL
}

// Status is the connection state owned by the Manager.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// EventType names the pair event a PoolEvent was decoded from.
type EventType string

const (
	EventSync EventType = "Sync"
	EventSwap EventType = "Swap"
	EventMint EventType = "Mint"
	EventBurn EventType = "Burn"
)

// PoolEvent is one decoded pool log. Fields not carried by the event kind
// are nil or zero.
type PoolEvent struct {
	Type        EventType
	Pool        common.Address
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	Timestamp   time.Time // local receipt time

	// Sync
	Reserve0 *big.Int
	Reserve1 *big.Int

	// Swap
	Amount0In  *big.Int
	Amount1In  *big.Int
	Amount0Out *big.Int
	Amount1Out *big.Int

	// Mint and Burn
	Amount0 *big.Int
	Amount1 *big.Int

	Sender    common.Address
	Recipient common.Address
}

// RetryPolicy controls reconnect attempts per endpoint.
type RetryPolicy struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

// DefaultRetryPolicy returns five attempts per endpoint starting at one
// second and doubling up to thirty seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Validate reports configuration errors in the policy.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry: max_attempts must be at least 1")
	}
	if p.BaseDelay < 0 {
		return errors.New("retry: base_delay must not be negative")
	}
	if p.MaxDelay < p.BaseDelay {
		return errors.New("retry: max_delay must be >= base_delay")
	}
	if p.BackoffMultiplier < 1 {
		return errors.New("retry: backoff_multiplier must be >= 1")
	}
	return nil
}

// Backoff returns min(BaseDelay * BackoffMultiplier^attempt, MaxDelay).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
