package storage

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"dexarb/internal/pipeline"
)

// EventRecord is a persisted filtered pool event.
type EventRecord struct {
	ID              int64
	Pool            common.Address
	EventType       string
	BlockNumber     uint64
	TxHash          common.Hash
	LogIndex        uint
	Priority        string
	Reserve0        *big.Int
	Reserve1        *big.Int
	Price           *decimal.Decimal
	PriceDelta      *decimal.Decimal
	LiquidityChange *big.Int
	EventTime       time.Time
	ReceivedAt      time.Time
	CreatedAt       time.Time
}

// MetricsRecord is a persisted pipeline metrics snapshot.
type MetricsRecord struct {
	At              time.Time
	EventsReceived  uint64
	EventsFiltered  uint64
	EventsRetained  uint64
	EventsEmitted   uint64
	EventsDropped   uint64
	EventsDebounced uint64
	AverageLatency  time.Duration
	Throughput      decimal.Decimal
	QueueSize       int
}

// EventRecordFrom converts a pipeline event into its storage form.
func EventRecordFrom(fe pipeline.FilteredEvent) EventRecord {
	rec := EventRecord{
		Pool:            fe.Pool,
		EventType:       string(fe.Type),
		BlockNumber:     fe.BlockNumber,
		TxHash:          fe.TxHash,
		LogIndex:        fe.LogIndex,
		Priority:        fe.Priority.String(),
		Reserve0:        fe.Reserve0,
		Reserve1:        fe.Reserve1,
		PriceDelta:      fe.PriceDelta,
		LiquidityChange: fe.LiquidityChange,
		EventTime:       fe.Timestamp,
		ReceivedAt:      fe.ReceivedAt,
	}
	if fe.Reserve0 != nil && fe.Reserve1 != nil && fe.Reserve0.Sign() > 0 {
		price := decimal.NewFromBigInt(fe.Reserve1, 0).DivRound(decimal.NewFromBigInt(fe.Reserve0, 0), 18)
		rec.Price = &price
	}
	return rec
}

// MetricsRecordFrom converts a pipeline snapshot into its storage form.
func MetricsRecordFrom(m pipeline.Metrics) MetricsRecord {
	return MetricsRecord{
		At:              m.At,
		EventsReceived:  m.EventsReceived,
		EventsFiltered:  m.EventsFiltered,
		EventsRetained:  m.EventsRetained,
		EventsEmitted:   m.EventsEmitted,
		EventsDropped:   m.EventsDropped,
		EventsDebounced: m.EventsDebounced,
		AverageLatency:  m.AverageLatency,
		Throughput:      m.Throughput,
		QueueSize:       m.QueueSize,
	}
}
