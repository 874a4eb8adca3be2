package pipeline

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexarb/internal/stream"
)

var (
	poolA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	poolB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func syncEvent(pool common.Address, r0, r1 int64) stream.PoolEvent {
	return stream.PoolEvent{Type: stream.EventSync, Pool: pool, Reserve0: big.NewInt(r0), Reserve1: big.NewInt(r1)}
}

func swapEvent(pool common.Address, out0, out1 int64) stream.PoolEvent {
	return stream.PoolEvent{
		Type:       stream.EventSwap,
		Pool:       pool,
		Amount0In:  big.NewInt(0),
		Amount1In:  big.NewInt(0),
		Amount0Out: big.NewInt(out0),
		Amount1Out: big.NewInt(out1),
	}
}

func newTestPipeline(t *testing.T, opts Options) (*Pipeline, *testClock) {
	t.Helper()
	clock := newTestClock()
	opts.Now = clock.Now
	return New(opts, zerolog.Nop(), nil), clock
}

func TestLiquidityFilter(t *testing.T) {
	p, _ := newTestPipeline(t, Options{MinLiquidity: big.NewInt(1_000)})

	p.Process(syncEvent(poolA, 100, 200))
	assert.Equal(t, 0, p.QueueLen(), "low liquidity sync should be dropped")

	p.Process(syncEvent(poolB, 600, 600))
	assert.Equal(t, 1, p.QueueLen())

	snap := p.Snapshot()
	assert.Equal(t, uint64(2), snap.EventsReceived)
	assert.Equal(t, uint64(1), snap.EventsFiltered)
	assert.Equal(t, uint64(1), snap.EventsRetained)
	assert.Equal(t, uint64(0), snap.EventsDropped)
}

func TestBelowMinimumLiquidityCountsAsFiltered(t *testing.T) {
	p, _ := newTestPipeline(t, Options{MinLiquidity: big.NewInt(1_000)})

	p.Process(syncEvent(poolA, 100, 200))

	snap := p.Snapshot()
	assert.Equal(t, uint64(1), snap.EventsReceived)
	assert.Equal(t, uint64(1), snap.EventsFiltered)
	assert.Equal(t, uint64(0), snap.EventsRetained)
	assert.Equal(t, uint64(0), snap.EventsEmitted)
	assert.Equal(t, 0, snap.QueueSize)
}

func TestPriorityAssignment(t *testing.T) {
	p, _ := newTestPipeline(t, Options{MinLiquidity: big.NewInt(1_000), MaxQueueSize: 10})

	p.Process(syncEvent(poolA, 1_000, 1_000))
	p.Process(syncEvent(poolA, 1_000, 1_010))
	p.Process(syncEvent(poolA, 1_000, 2_000))
	p.Process(swapEvent(poolB, 101, 0))
	p.Process(swapEvent(poolB, 0, 100))

	var got []Priority
	var deltas []*decimal.Decimal
	for {
		fe, ok := p.dequeue()
		if !ok {
			break
		}
		got = append(got, fe.Priority)
		deltas = append(deltas, fe.PriceDelta)
	}

	// dequeue pulls high entries first, then the front of the queue
	require.Len(t, got, 5)
	assert.Equal(t, []Priority{PriorityHigh, PriorityHigh, PriorityLow, PriorityMedium, PriorityLow}, got)
	assert.Nil(t, deltas[2], "first sync has no history")
	require.NotNil(t, deltas[3])
	assert.Equal(t, "0.01", deltas[3].String())
}

func TestMinPriceDeltaDrops(t *testing.T) {
	p, _ := newTestPipeline(t, Options{MinPriceDelta: decimal.RequireFromString("0.05")})

	p.Process(syncEvent(poolA, 1_000, 1_000))
	p.Process(syncEvent(poolA, 1_000, 1_010))
	assert.Equal(t, 1, p.QueueLen(), "a 1% move is below the 5% threshold")

	p.Process(syncEvent(poolA, 1_000, 1_200))
	assert.Equal(t, 2, p.QueueLen())
	assert.Len(t, p.PriceHistory(poolA), 3, "every sync updates the price window")
}

func TestBackpressureOldestDropsIncomingWithoutLow(t *testing.T) {
	p, _ := newTestPipeline(t, Options{MaxQueueSize: 2, DropStrategy: DropOldest, MinLiquidity: big.NewInt(100)})

	var notices []DropNotice
	p.OnDrop(func(n DropNotice) { notices = append(notices, n) })

	p.Process(swapEvent(poolA, 50, 0))
	p.Process(swapEvent(poolA, 60, 0))
	p.Process(swapEvent(poolA, 70, 0))

	assert.Equal(t, 2, p.QueueLen())
	require.Len(t, notices, 1)
	assert.Equal(t, "70", notices[0].Event.Amount0Out.String(), "the incoming event is dropped")
	assert.Equal(t, uint64(1), p.Snapshot().EventsDropped)
}

func TestBackpressureOldestEvictsLow(t *testing.T) {
	p, _ := newTestPipeline(t, Options{MaxQueueSize: 2, DropStrategy: DropOldest, MinLiquidity: big.NewInt(100)})

	var notices []DropNotice
	p.OnDrop(func(n DropNotice) { notices = append(notices, n) })

	p.Process(swapEvent(poolA, 1, 0))
	p.Process(swapEvent(poolA, 2, 0))
	p.Process(swapEvent(poolA, 50, 0))

	require.Len(t, notices, 1)
	assert.Equal(t, "1", notices[0].Event.Amount0Out.String(), "oldest low event is evicted")

	fe, ok := p.dequeue()
	require.True(t, ok)
	assert.Equal(t, PriorityHigh, fe.Priority)
	fe, ok = p.dequeue()
	require.True(t, ok)
	assert.Equal(t, "2", fe.Amount0Out.String())
}

func TestBackpressureNewestAndNone(t *testing.T) {
	newest, _ := newTestPipeline(t, Options{MaxQueueSize: 1, DropStrategy: DropNewest})
	newest.Process(swapEvent(poolA, 1, 0))
	newest.Process(swapEvent(poolA, 2, 0))
	assert.Equal(t, 1, newest.QueueLen())
	fe, _ := newest.dequeue()
	assert.Equal(t, "1", fe.Amount0Out.String())

	none, _ := newTestPipeline(t, Options{MaxQueueSize: 1, DropStrategy: DropNone})
	for i := 0; i < 5; i++ {
		none.Process(swapEvent(poolA, int64(i), 0))
	}
	assert.Equal(t, 5, none.QueueLen())
	assert.Equal(t, uint64(0), none.Snapshot().EventsDropped)
}

func TestDequeueOrder(t *testing.T) {
	p, _ := newTestPipeline(t, Options{MinLiquidity: big.NewInt(100)})
	p.Process(swapEvent(poolA, 1, 0))
	p.Process(swapEvent(poolA, 2, 0))
	p.Process(swapEvent(poolA, 500, 0))

	var order []string
	for {
		fe, ok := p.dequeue()
		if !ok {
			break
		}
		order = append(order, fe.Amount0Out.String())
	}
	assert.Equal(t, []string{"500", "1", "2"}, order)
}

func TestWindowPruning(t *testing.T) {
	p, clock := newTestPipeline(t, Options{Window: time.Minute})

	p.Process(syncEvent(poolA, 1_000, 1_000))
	clock.Advance(30 * time.Second)
	p.Process(syncEvent(poolA, 1_000, 1_001))
	clock.Advance(31 * time.Second)
	p.Process(syncEvent(poolA, 1_000, 1_002))

	history := p.PriceHistory(poolA)
	require.Len(t, history, 2)
	assert.Equal(t, "1.001", history[0].Price.String())
	assert.Equal(t, "1.002", history[1].Price.String())
}

func TestTrailingAverageUsesLastTen(t *testing.T) {
	h := newPriceHistory(time.Hour)
	start := time.Now()
	for i := 0; i < 15; i++ {
		price := decimal.NewFromInt(1)
		if i >= 5 {
			price = decimal.NewFromInt(3)
		}
		h.add(poolA, PricePoint{Timestamp: start.Add(time.Duration(i) * time.Second), Price: price})
	}
	avg, ok := h.trailingAverage(poolA)
	require.True(t, ok)
	assert.Equal(t, "3", avg.String())
}

func TestLiquidityChange(t *testing.T) {
	p, _ := newTestPipeline(t, Options{})
	p.Process(stream.PoolEvent{Type: stream.EventMint, Pool: poolA, Amount0: big.NewInt(5), Amount1: big.NewInt(7)})
	p.Process(stream.PoolEvent{Type: stream.EventBurn, Pool: poolA, Amount0: big.NewInt(2), Amount1: big.NewInt(3)})

	mint, _ := p.dequeue()
	burn, _ := p.dequeue()
	assert.Equal(t, "12", mint.LiquidityChange.String())
	assert.Equal(t, "-5", burn.LiquidityChange.String())
	assert.Equal(t, PriorityLow, mint.Priority)
}

func TestDebounceReplacesQueuedSync(t *testing.T) {
	p, clock := newTestPipeline(t, Options{DebounceWindow: 100 * time.Millisecond})

	p.Process(syncEvent(poolA, 1_000, 1_000))
	clock.Advance(50 * time.Millisecond)
	p.Process(syncEvent(poolA, 1_000, 1_100))
	assert.Equal(t, 1, p.QueueLen())

	clock.Advance(200 * time.Millisecond)
	p.Process(syncEvent(poolA, 1_000, 1_300))
	assert.Equal(t, 2, p.QueueLen())

	assert.Equal(t, "1100", p.queue[0].Reserve1.String(), "queued sync carries the latest reserves")
	assert.Equal(t, PriorityMedium, p.queue[0].Priority)
	assert.Equal(t, uint64(1), p.Snapshot().EventsDebounced)
}

func TestEmitAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	clock := newTestClock()
	p := New(Options{Now: clock.Now, MetricsInterval: 5 * time.Millisecond}, zerolog.Nop(), reg)

	for i := 0; i < 3; i++ {
		evt := swapEvent(poolA, int64(i), 0)
		evt.Timestamp = clock.Now().Add(-10 * time.Millisecond)
		p.Process(evt)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	p.Start(ctx)

	for i := 0; i < 3; i++ {
		select {
		case fe := <-p.Events():
			assert.Equal(t, poolA, fe.Pool)
		case <-time.After(time.Second):
			t.Fatal("expected emitted event")
		}
	}

	select {
	case m := <-p.Metrics():
		assert.Equal(t, uint64(3), m.EventsReceived)
	case <-time.After(time.Second):
		t.Fatal("expected metrics broadcast")
	}

	snap := p.Snapshot()
	assert.Equal(t, uint64(3), snap.EventsEmitted)
	assert.Equal(t, 10*time.Millisecond, snap.AverageLatency)
	assert.Equal(t, "3", snap.Throughput.String())
	assert.Equal(t, 0, snap.QueueSize)

	assert.InDelta(t, 3, testutil.ToFloat64(p.prom.events.WithLabelValues(stageReceived)), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(p.prom.events.WithLabelValues(stageEmitted)), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(p.prom.queueSize), 0)

	p.Stop()
	p.Stop()
	_, open := <-p.Events()
	assert.False(t, open)
}

func TestThroughputWindow(t *testing.T) {
	p, clock := newTestPipeline(t, Options{})
	p.Process(swapEvent(poolA, 1, 0))
	clock.Advance(1500 * time.Millisecond)
	p.Process(swapEvent(poolA, 1, 0))
	assert.Equal(t, "1", p.Snapshot().Throughput.String())
}

func TestOptionsValidate(t *testing.T) {
	assert.Error(t, Options{DropStrategy: "lifo"}.Validate())
	assert.Error(t, Options{MinLiquidity: big.NewInt(-1)}.Validate())
	assert.NoError(t, Options{DropStrategy: DropNone}.Validate())
}
