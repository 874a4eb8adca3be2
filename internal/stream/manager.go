package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

const defaultLogBuffer = 256

// Options configures a Manager.
type Options struct {
	Endpoints []Endpoint
	Retry     RetryPolicy
	// LogBuffer sizes the per-connection log channel.
	LogBuffer int
}

// Manager keeps at most one live streaming connection, fails over between
// endpoints and delivers decoded pool events to registered handlers.
type Manager struct {
	endpoints []Endpoint
	retry     RetryPolicy
	dialer    Dialer
	logger    zerolog.Logger
	logBuffer int

	mu             sync.Mutex
	status         Status
	active         int
	started        bool
	closed         bool
	conn           *liveConn
	pools          map[common.Address]struct{}
	eventHandlers  []func(PoolEvent)
	statusHandlers []func(old, new Status)

	decodeErrors atomic.Uint64

	// sleep waits between dials; it reports false when ctx ends first.
	sleep func(ctx context.Context, d time.Duration) bool

	cancel    context.CancelFunc
	errCh     chan error
	done      chan struct{}
	closeOnce sync.Once
}

// liveConn groups a connection with its per-pool subscriptions. Every
// subscription writes into logs so per-pool order is kept.
type liveConn struct {
	conn     Conn
	endpoint Endpoint
	ctx      context.Context
	cancel   context.CancelFunc
	logs     chan types.Log
	failures chan error
	subs     map[common.Address]ethereum.Subscription
}

// NewManager validates opts and returns a disconnected manager. Endpoints
// are ranked by ascending Priority.
func NewManager(opts Options, dialer Dialer, logger zerolog.Logger) (*Manager, error) {
	if len(opts.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if dialer == nil {
		return nil, errors.New("stream: dialer is required")
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, err
	}
	for i, ep := range opts.Endpoints {
		if ep.URL == "" {
			return nil, fmt.Errorf("stream: endpoint %d has no url", i)
		}
	}

	endpoints := append([]Endpoint(nil), opts.Endpoints...)
	sort.SliceStable(endpoints, func(i, j int) bool { return endpoints[i].Priority < endpoints[j].Priority })

	buf := opts.LogBuffer
	if buf <= 0 {
		buf = defaultLogBuffer
	}

	return &Manager{
		endpoints: endpoints,
		retry:     opts.Retry,
		dialer:    dialer,
		logger:    logger.With().Str("component", "stream").Logger(),
		logBuffer: buf,
		pools:     make(map[common.Address]struct{}),
		errCh:     make(chan error, 1),
		done:      make(chan struct{}),
		sleep:     sleepContext,
	}, nil
}

// OnPoolEvent registers a handler for decoded events. Handlers run on the
// connection goroutine and must not block for long.
func (m *Manager) OnPoolEvent(handler func(PoolEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventHandlers = append(m.eventHandlers, handler)
}

// OnStatus registers a handler for status transitions.
func (m *Manager) OnStatus(handler func(old, new Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusHandlers = append(m.statusHandlers, handler)
}

// Err delivers ErrAllEndpointsFailed once when the manager gives up.
func (m *Manager) Err() <-chan error {
	return m.errCh
}

// Done is closed when the connection goroutine has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ActiveEndpoint returns the endpoint currently used or being tried.
func (m *Manager) ActiveEndpoint() Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoints[m.active]
}

// Subscriptions returns the pools in the subscription set, sorted.
func (m *Manager) Subscriptions() []common.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]common.Address, 0, len(m.pools))
	for addr := range m.pools {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// DecodeErrors counts logs that could not be decoded.
func (m *Manager) DecodeErrors() uint64 {
	return m.decodeErrors.Load()
}

// Connect starts the connection goroutine and returns immediately.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	go m.run(runCtx)
	return nil
}

// SubscribeToPool adds addr to the subscription set and subscribes on the
// live connection. Subscribing twice is a no-op.
func (m *Manager) SubscribeToPool(ctx context.Context, addr common.Address) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	m.pools[addr] = struct{}{}
	lc := m.conn
	if lc == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := lc.subs[addr]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	return m.subscribe(ctx, lc, addr)
}

// UnsubscribeFromPool removes addr from the set and releases its listener.
func (m *Manager) UnsubscribeFromPool(addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pools, addr)
	if m.conn == nil {
		return
	}
	if sub, ok := m.conn.subs[addr]; ok {
		sub.Unsubscribe()
		delete(m.conn.subs, addr)
	}
}

// UnsubscribeAll clears the subscription set.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools = make(map[common.Address]struct{})
	if m.conn == nil {
		return
	}
	for addr, sub := range m.conn.subs {
		sub.Unsubscribe()
		delete(m.conn.subs, addr)
	}
}

// Shutdown stops reconnecting, releases every subscription and closes the
// connection. It is safe to call from any state and more than once.
func (m *Manager) Shutdown() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		if m.cancel != nil {
			m.cancel()
		}
		started := m.started
		m.teardownLocked()
		m.mu.Unlock()

		m.setStatus(StatusDisconnected)
		if !started {
			close(m.done)
		}
		m.logger.Info().Msg("stream manager shut down")
	})
}

func (m *Manager) subscribe(ctx context.Context, lc *liveConn, addr common.Address) error {
	q := ethereum.FilterQuery{
		Addresses: []common.Address{addr},
		Topics:    [][]common.Hash{PoolTopics()},
	}
	sub, err := lc.conn.SubscribeFilterLogs(ctx, q, lc.logs)
	if err != nil {
		return fmt.Errorf("subscribe pool %s: %w", addr.Hex(), err)
	}

	m.mu.Lock()
	_, wanted := m.pools[addr]
	_, dup := lc.subs[addr]
	stale := m.conn != lc
	if stale || !wanted || dup {
		m.mu.Unlock()
		sub.Unsubscribe()
		if stale {
			return ErrNotConnected
		}
		return nil
	}
	lc.subs[addr] = sub
	m.mu.Unlock()

	go watchSubscription(lc, sub)
	m.logger.Debug().Str("pool", addr.Hex()).Msg("subscribed to pool")
	return nil
}

func watchSubscription(lc *liveConn, sub ethereum.Subscription) {
	select {
	case err, ok := <-sub.Err():
		if !ok || err == nil {
			return
		}
		select {
		case lc.failures <- err:
		default:
		}
	case <-lc.ctx.Done():
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	attempt := 0
	failedEndpoints := 0
	connectedOnce := false

	for {
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		ep := m.endpoints[m.active]
		m.mu.Unlock()

		if connectedOnce || attempt > 0 || failedEndpoints > 0 {
			m.setStatus(StatusReconnecting)
		} else {
			m.setStatus(StatusConnecting)
		}

		m.logger.Info().Str("endpoint", ep.String()).Int("attempt", attempt+1).Msg("connecting")
		conn, err := m.dialer.Dial(ctx, ep)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := m.retry.Backoff(attempt)
			attempt++
			if attempt >= m.retry.MaxAttempts {
				failedEndpoints++
				m.logger.Warn().Err(err).Str("endpoint", ep.String()).Int("attempts", attempt).Msg("endpoint exhausted")
				if failedEndpoints >= len(m.endpoints) {
					m.fail(err)
					return
				}
				m.mu.Lock()
				m.active = (m.active + 1) % len(m.endpoints)
				next := m.endpoints[m.active]
				m.mu.Unlock()
				attempt = 0
				m.logger.Info().Str("endpoint", next.String()).Msg("switching endpoint")
				continue
			}

			m.logger.Warn().Err(err).Str("endpoint", ep.String()).Int("attempt", attempt).Dur("delay", delay).Msg("connect failed, retrying")
			if !m.sleep(ctx, delay) {
				return
			}
			continue
		}

		lc, ok := m.adopt(ctx, conn, ep)
		if !ok {
			return
		}
		attempt = 0
		failedEndpoints = 0
		connectedOnce = true
		m.logger.Info().Str("endpoint", ep.String()).Msg("connected")
		m.resubscribe(lc)
		m.setStatus(StatusConnected)

		err = m.serve(lc)

		m.mu.Lock()
		if m.conn == lc {
			m.teardownLocked()
		}
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		m.logger.Warn().Err(err).Str("endpoint", ep.String()).Msg("connection lost")
		m.setStatus(StatusReconnecting)
		// The pause after a drop is not a dial attempt; the endpoint keeps
		// its full MaxAttempts budget.
		if !m.sleep(ctx, m.retry.Backoff(0)) {
			return
		}
	}
}

// adopt installs conn as the live connection unless the manager was shut
// down while dialing.
func (m *Manager) adopt(ctx context.Context, conn Conn, ep Endpoint) (*liveConn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || ctx.Err() != nil {
		conn.Close()
		return nil, false
	}
	connCtx, cancel := context.WithCancel(ctx)
	lc := &liveConn{
		conn:     conn,
		endpoint: ep,
		ctx:      connCtx,
		cancel:   cancel,
		logs:     make(chan types.Log, m.logBuffer),
		failures: make(chan error, 1),
		subs:     make(map[common.Address]ethereum.Subscription),
	}
	m.conn = lc
	return lc, true
}

func (m *Manager) resubscribe(lc *liveConn) {
	pools := m.Subscriptions()
	if len(pools) == 0 {
		return
	}
	restored := 0
	for _, addr := range pools {
		if err := m.subscribe(lc.ctx, lc, addr); err != nil {
			m.logger.Warn().Err(err).Str("pool", addr.Hex()).Msg("resubscribe failed")
			continue
		}
		restored++
	}
	m.logger.Info().Int("pools", restored).Int("requested", len(pools)).Msg("resubscribed pools after connect")
}

// serve dispatches logs until a subscription fails or the connection is
// cancelled.
func (m *Manager) serve(lc *liveConn) error {
	for {
		select {
		case <-lc.ctx.Done():
			return lc.ctx.Err()
		case err := <-lc.failures:
			return err
		case log := <-lc.logs:
			m.dispatch(log)
		}
	}
}

func (m *Manager) dispatch(log types.Log) {
	if log.Removed {
		m.logger.Debug().Str("pool", log.Address.Hex()).Str("tx", log.TxHash.Hex()).Msg("skipping removed log")
		return
	}
	evt, err := DecodeLog(log, time.Now())
	if err != nil {
		m.decodeErrors.Add(1)
		m.logger.Warn().Err(err).Str("pool", log.Address.Hex()).Str("tx", log.TxHash.Hex()).Msg("failed to decode pool log")
		return
	}

	m.mu.Lock()
	handlers := make([]func(PoolEvent), len(m.eventHandlers))
	copy(handlers, m.eventHandlers)
	m.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

// teardownLocked releases subscriptions and closes the live connection.
// Callers hold m.mu.
func (m *Manager) teardownLocked() {
	lc := m.conn
	if lc == nil {
		return
	}
	m.conn = nil
	for addr, sub := range lc.subs {
		sub.Unsubscribe()
		delete(lc.subs, addr)
	}
	lc.cancel()
	lc.conn.Close()
}

func (m *Manager) fail(cause error) {
	m.setStatus(StatusError)
	err := fmt.Errorf("%w after %d endpoints: %v", ErrAllEndpointsFailed, len(m.endpoints), cause)
	m.logger.Error().Err(err).Msg("giving up on streaming connection")
	select {
	case m.errCh <- err:
	default:
	}
}

func (m *Manager) setStatus(next Status) {
	m.mu.Lock()
	prev := m.status
	if prev == next || (m.closed && next != StatusDisconnected) {
		m.mu.Unlock()
		return
	}
	m.status = next
	handlers := make([]func(old, new Status), len(m.statusHandlers))
	copy(handlers, m.statusHandlers)
	m.mu.Unlock()

	m.logger.Debug().Stringer("from", prev).Stringer("to", next).Msg("status changed")
	for _, h := range handlers {
		h(prev, next)
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
