package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dexarb/internal/stream"
)

const (
	DefaultMaxQueueSize    = 1000
	DefaultWindow          = 60 * time.Second
	DefaultEmitInterval    = time.Millisecond
	DefaultMetricsInterval = 5 * time.Second

	defaultOutputBuffer = 256
	throughputWindow    = time.Second
)

var highPriorityDelta = decimal.RequireFromString("0.02")

// Options configures a Pipeline. Zero values take the defaults above.
type Options struct {
	MinLiquidity   *big.Int
	MaxPriceImpact decimal.Decimal
	MinPriceDelta  decimal.Decimal

	MaxQueueSize   int
	DropStrategy   DropStrategy
	DebounceWindow time.Duration

	Window          time.Duration
	EmitInterval    time.Duration
	MetricsInterval time.Duration
	OutputBuffer    int

	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.MinLiquidity == nil {
		o.MinLiquidity = big.NewInt(0)
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = DefaultMaxQueueSize
	}
	if o.DropStrategy == "" {
		o.DropStrategy = DropOldest
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.EmitInterval <= 0 {
		o.EmitInterval = DefaultEmitInterval
	}
	if o.MetricsInterval <= 0 {
		o.MetricsInterval = DefaultMetricsInterval
	}
	if o.OutputBuffer <= 0 {
		o.OutputBuffer = defaultOutputBuffer
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Validate reports option errors not covered by defaults.
func (o Options) Validate() error {
	if o.DropStrategy != "" && !o.DropStrategy.Valid() {
		return fmt.Errorf("pipeline: unknown drop strategy %q", o.DropStrategy)
	}
	if o.MinLiquidity != nil && o.MinLiquidity.Sign() < 0 {
		return errors.New("pipeline: min liquidity must not be negative")
	}
	if o.MinPriceDelta.IsNegative() {
		return errors.New("pipeline: min price delta must not be negative")
	}
	if o.DebounceWindow < 0 {
		return errors.New("pipeline: debounce window must not be negative")
	}
	return nil
}

// Pipeline filters, prioritises and queues pool events, then emits them in
// priority order on Events.
type Pipeline struct {
	opts   Options
	logger zerolog.Logger
	prom   *promMetrics

	swapThreshold *big.Int

	mu           sync.Mutex
	queue        []FilteredEvent
	history      *priceHistory
	counts       Metrics
	latencyTotal time.Duration
	recent       []time.Time
	dropHandlers []func(DropNotice)

	wake    chan struct{}
	events  chan FilteredEvent
	metrics chan Metrics

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a pipeline. Collectors are registered on reg when it is not nil.
func New(opts Options, logger zerolog.Logger, reg prometheus.Registerer) *Pipeline {
	opts.applyDefaults()
	return &Pipeline{
		opts:          opts,
		logger:        logger.With().Str("component", "pipeline").Logger(),
		prom:          newPromMetrics(reg),
		swapThreshold: new(big.Int).Quo(opts.MinLiquidity, big.NewInt(10)),
		history:       newPriceHistory(opts.Window),
		wake:          make(chan struct{}, 1),
		events:        make(chan FilteredEvent, opts.OutputBuffer),
		metrics:       make(chan Metrics, 1),
	}
}

// Events returns the emission channel. It is closed after Stop.
func (p *Pipeline) Events() <-chan FilteredEvent { return p.events }

// Metrics returns the periodic snapshot channel. It is closed after Stop.
func (p *Pipeline) Metrics() <-chan Metrics { return p.metrics }

// OnDrop registers a handler called for every backpressure drop.
func (p *Pipeline) OnDrop(handler func(DropNotice)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropHandlers = append(p.dropHandlers, handler)
}

// Process runs evt through the filter and enqueues it when retained. It is
// safe for concurrent use.
func (p *Pipeline) Process(evt stream.PoolEvent) {
	now := p.opts.Now()
	p.prom.events.WithLabelValues(stageReceived).Inc()

	var latency time.Duration
	if !evt.Timestamp.IsZero() {
		latency = now.Sub(evt.Timestamp)
		if latency < 0 {
			latency = 0
		}
		p.prom.latency.Observe(latency.Seconds())
	}

	p.mu.Lock()
	p.counts.EventsReceived++
	p.latencyTotal += latency
	p.recent = append(p.recent, now)
	p.pruneRecentLocked(now)

	fe, ok := p.filterLocked(evt, now)
	if !ok {
		p.counts.EventsFiltered++
		p.mu.Unlock()
		p.prom.events.WithLabelValues(stageFiltered).Inc()
		return
	}
	p.counts.EventsRetained++
	p.prom.events.WithLabelValues(stageRetained).Inc()

	if p.debounceLocked(fe) {
		p.counts.EventsDebounced++
		p.mu.Unlock()
		p.prom.events.WithLabelValues(stageDebounced).Inc()
		return
	}

	notice, dropped := p.enqueueLocked(fe)
	size := len(p.queue)
	var handlers []func(DropNotice)
	if dropped {
		p.counts.EventsDropped++
		handlers = make([]func(DropNotice), len(p.dropHandlers))
		copy(handlers, p.dropHandlers)
	}
	p.mu.Unlock()

	p.prom.queueSize.Set(float64(size))
	if dropped {
		p.prom.events.WithLabelValues(stageDropped).Inc()
		p.logger.Warn().
			Str("pool", notice.Event.Pool.Hex()).
			Str("event", string(notice.Event.Type)).
			Stringer("priority", notice.Event.Priority).
			Str("reason", notice.Reason).
			Int("queue_size", notice.QueueSize).
			Msg("backpressure: event dropped")
		for _, h := range handlers {
			h(notice)
		}
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// filterLocked applies the liquidity and price-delta rules and assigns a
// priority. The pool's price window is updated for every event carrying
// reserves.
func (p *Pipeline) filterLocked(evt stream.PoolEvent, now time.Time) (FilteredEvent, bool) {
	fe := FilteredEvent{PoolEvent: evt, ReceivedAt: now}

	if evt.Type == stream.EventSync && evt.Reserve0 != nil && evt.Reserve1 != nil {
		liquidity := new(big.Int).Add(evt.Reserve0, evt.Reserve1)
		price, hasPrice := priceOf(evt.Reserve0, evt.Reserve1)
		if hasPrice {
			if avg, ok := p.history.trailingAverage(evt.Pool); ok && !avg.IsZero() {
				delta := price.Sub(avg).Div(avg)
				fe.PriceDelta = &delta
			}
			p.history.add(evt.Pool, PricePoint{
				Timestamp: now,
				Reserve0:  new(big.Int).Set(evt.Reserve0),
				Reserve1:  new(big.Int).Set(evt.Reserve1),
				Price:     price,
			})
		}
		if liquidity.Cmp(p.opts.MinLiquidity) < 0 {
			return FilteredEvent{}, false
		}
	}

	if fe.PriceDelta != nil && fe.PriceDelta.Abs().LessThan(p.opts.MinPriceDelta) {
		return FilteredEvent{}, false
	}

	switch evt.Type {
	case stream.EventMint:
		fe.LiquidityChange = sumAmounts(evt.Amount0, evt.Amount1)
	case stream.EventBurn:
		fe.LiquidityChange = sumAmounts(evt.Amount0, evt.Amount1)
		fe.LiquidityChange.Neg(fe.LiquidityChange)
	}

	fe.Priority = p.priorityOf(fe)

	if fe.PriceDelta != nil && p.opts.MaxPriceImpact.IsPositive() && fe.PriceDelta.Abs().GreaterThan(p.opts.MaxPriceImpact) {
		p.logger.Warn().
			Str("pool", evt.Pool.Hex()).
			Str("delta", fe.PriceDelta.String()).
			Str("max_price_impact", p.opts.MaxPriceImpact.String()).
			Msg("price move exceeds max price impact")
	}
	return fe, true
}

func (p *Pipeline) priorityOf(fe FilteredEvent) Priority {
	if fe.PriceDelta != nil && fe.PriceDelta.Abs().GreaterThan(highPriorityDelta) {
		return PriorityHigh
	}
	if fe.Type == stream.EventSwap {
		out := maxAmount(fe.Amount0Out, fe.Amount1Out)
		if out != nil && out.Cmp(p.swapThreshold) > 0 {
			return PriorityHigh
		}
	}
	if fe.Type == stream.EventSync && fe.PriceDelta != nil {
		return PriorityMedium
	}
	return PriorityLow
}

// debounceLocked replaces a queued Sync for the same pool received within
// the debounce window. It reports whether fe was absorbed.
func (p *Pipeline) debounceLocked(fe FilteredEvent) bool {
	if p.opts.DebounceWindow <= 0 || fe.Type != stream.EventSync {
		return false
	}
	for i := len(p.queue) - 1; i >= 0; i-- {
		queued := p.queue[i]
		if queued.Type != stream.EventSync || queued.Pool != fe.Pool {
			continue
		}
		if fe.ReceivedAt.Sub(queued.ReceivedAt) > p.opts.DebounceWindow {
			return false
		}
		if queued.Priority > fe.Priority {
			fe.Priority = queued.Priority
		}
		p.queue[i] = fe
		return true
	}
	return false
}

// enqueueLocked appends fe subject to the drop strategy and returns the
// notice for whichever event was discarded.
func (p *Pipeline) enqueueLocked(fe FilteredEvent) (DropNotice, bool) {
	if len(p.queue) < p.opts.MaxQueueSize || p.opts.DropStrategy == DropNone {
		p.queue = append(p.queue, fe)
		return DropNotice{}, false
	}

	switch p.opts.DropStrategy {
	case DropOldest:
		for i, queued := range p.queue {
			if queued.Priority != PriorityLow {
				continue
			}
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.queue = append(p.queue, fe)
			return DropNotice{Event: queued, Strategy: DropOldest, Reason: "evicted oldest low-priority event", QueueSize: len(p.queue)}, true
		}
		return DropNotice{Event: fe, Strategy: DropOldest, Reason: "queue full and no low-priority event to evict", QueueSize: len(p.queue)}, true
	default:
		return DropNotice{Event: fe, Strategy: DropNewest, Reason: "queue full", QueueSize: len(p.queue)}, true
	}
}

// dequeue removes the first high-priority event, or the front of the queue.
func (p *Pipeline) dequeue() (FilteredEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return FilteredEvent{}, false
	}
	idx := 0
	for i, fe := range p.queue {
		if fe.Priority == PriorityHigh {
			idx = i
			break
		}
	}
	fe := p.queue[idx]
	p.queue = append(p.queue[:idx], p.queue[idx+1:]...)
	p.prom.queueSize.Set(float64(len(p.queue)))
	return fe, true
}

// QueueLen returns the number of queued events.
func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// PriceHistory returns a copy of the pool's current price window.
func (p *Pipeline) PriceHistory(pool common.Address) []PricePoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history.snapshot(pool)
}

// Snapshot returns current counters.
func (p *Pipeline) Snapshot() Metrics {
	now := p.opts.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneRecentLocked(now)

	m := p.counts
	if m.EventsReceived > 0 {
		m.AverageLatency = p.latencyTotal / time.Duration(m.EventsReceived)
	}
	m.Throughput = decimal.NewFromInt(int64(len(p.recent))).Div(decimal.NewFromFloat(throughputWindow.Seconds()))
	m.QueueSize = len(p.queue)
	m.At = now
	return m
}

func (p *Pipeline) pruneRecentLocked(now time.Time) {
	cutoff := now.Add(-throughputWindow)
	keep := 0
	for keep < len(p.recent) && !p.recent[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		p.recent = append(p.recent[:0], p.recent[keep:]...)
	}
}

// Start launches the drain and metrics goroutines. Calling it again has
// no effect.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.cancel = cancel
		p.mu.Unlock()

		p.wg.Add(2)
		go p.drain(runCtx)
		go p.broadcast(runCtx)
		p.logger.Info().
			Int("max_queue_size", p.opts.MaxQueueSize).
			Str("drop_strategy", string(p.opts.DropStrategy)).
			Dur("window", p.opts.Window).
			Msg("pipeline started")
	})
}

// Stop cancels the goroutines, waits for them and closes the output
// channels. It is idempotent.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		cancel := p.cancel
		p.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		p.wg.Wait()
		close(p.events)
		close(p.metrics)
		p.logger.Info().Msg("pipeline stopped")
	})
}

func (p *Pipeline) drain(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.EmitInterval)
	defer ticker.Stop()

	for {
		fe, ok := p.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				continue
			}
		}

		select {
		case p.events <- fe:
		case <-ctx.Done():
			return
		}
		p.mu.Lock()
		p.counts.EventsEmitted++
		p.mu.Unlock()
		p.prom.events.WithLabelValues(stageEmitted).Inc()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) broadcast(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := p.Snapshot()
			select {
			case p.metrics <- snap:
			default:
			}
			p.logger.Debug().
				Uint64("received", snap.EventsReceived).
				Uint64("filtered", snap.EventsFiltered).
				Uint64("retained", snap.EventsRetained).
				Uint64("emitted", snap.EventsEmitted).
				Uint64("dropped", snap.EventsDropped).
				Dur("avg_latency", snap.AverageLatency).
				Str("throughput", snap.Throughput.StringFixed(1)).
				Int("queue_size", snap.QueueSize).
				Msg("pipeline metrics")
		}
	}
}

func sumAmounts(a, b *big.Int) *big.Int {
	out := new(big.Int)
	if a != nil {
		out.Add(out, a)
	}
	if b != nil {
		out.Add(out, b)
	}
	return out
}

func maxAmount(a, b *big.Int) *big.Int {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.Cmp(b) >= 0:
		return a
	default:
		return b
	}
}
