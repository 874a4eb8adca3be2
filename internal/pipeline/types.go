package pipeline

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"dexarb/internal/stream"
)

// Priority orders retained events for emission.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// DropStrategy selects what happens when the queue is full.
type DropStrategy string

const (
	// DropOldest evicts the oldest low-priority entry, or the incoming
	// event when no low-priority entry is queued.
	DropOldest DropStrategy = "oldest"
	// DropNewest discards the incoming event.
	DropNewest DropStrategy = "newest"
	// DropNone lets the queue grow past its capacity.
	DropNone DropStrategy = "none"
)

// Valid reports whether s is a known strategy.
func (s DropStrategy) Valid() bool {
	switch s {
	case DropOldest, DropNewest, DropNone:
		return true
	default:
		return false
	}
}

// FilteredEvent is a retained PoolEvent with its pipeline annotations.
type FilteredEvent struct {
	stream.PoolEvent
	Priority Priority
	// PriceDelta is the relative deviation from the pool's trailing average
	// price, nil when the pool has no history or the event carries no price.
	PriceDelta *decimal.Decimal
	// LiquidityChange is set for Mint (positive) and Burn (negative) events.
	LiquidityChange *big.Int
	ReceivedAt      time.Time
}

// PricePoint is one observation in a pool's sliding price window.
type PricePoint struct {
	Timestamp time.Time
	Reserve0  *big.Int
	Reserve1  *big.Int
	Price     decimal.Decimal
}

// DropNotice describes an event discarded by backpressure.
type DropNotice struct {
	Event     FilteredEvent
	Strategy  DropStrategy
	Reason    string
	QueueSize int
}

// Metrics is a point-in-time view of pipeline counters.
type Metrics struct {
	EventsReceived uint64
	// EventsFiltered counts events rejected by the filter.
	EventsFiltered uint64
	// EventsRetained counts events that passed the filter.
	EventsRetained  uint64
	EventsEmitted   uint64
	EventsDropped   uint64
	EventsDebounced uint64
	AverageLatency  time.Duration
	// Throughput is events received per second over the last second.
	Throughput decimal.Decimal
	QueueSize  int
	At         time.Time
}
