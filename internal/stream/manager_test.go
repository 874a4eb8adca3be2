package stream

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	errCh chan error
	once  sync.Once
}

func newFakeSub() *fakeSub { return &fakeSub{errCh: make(chan error, 1)} }

func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errCh) }) }
func (s *fakeSub) Err() <-chan error { return s.errCh }

type fakeConn struct {
	mu     sync.Mutex
	subs   map[common.Address]*fakeSub
	sinks  map[common.Address]chan<- types.Log
	calls  int
	closed int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		subs:  make(map[common.Address]*fakeSub),
		sinks: make(map[common.Address]chan<- types.Log),
	}
}

func (c *fakeConn) SubscribeFilterLogs(_ context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	sub := newFakeSub()
	addr := q.Addresses[0]
	c.subs[addr] = sub
	c.sinks[addr] = ch
	return sub, nil
}

func (c *fakeConn) ChainID(context.Context) (*big.Int, error) { return big.NewInt(42161), nil }

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

func (c *fakeConn) emit(addr common.Address, log types.Log) {
	c.mu.Lock()
	sink := c.sinks[addr]
	c.mu.Unlock()
	sink <- log
}

func (c *fakeConn) fail(addr common.Address, err error) {
	c.mu.Lock()
	sub := c.subs[addr]
	c.mu.Unlock()
	sub.errCh <- err
}

func (c *fakeConn) sub(addr common.Address) *fakeSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[addr]
}

func (c *fakeConn) subscribeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer fails for urls in failing and hands out queued conns otherwise.
type fakeDialer struct {
	mu      sync.Mutex
	failing map[string]bool
	conns   []*fakeConn
	dials   []string
}

func (d *fakeDialer) Dial(_ context.Context, ep Endpoint) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, ep.URL)
	if d.failing[ep.URL] || len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffMultiplier: 2}
}

func syncLog(t *testing.T, pool common.Address, r0, r1 int64) types.Log {
	t.Helper()
	ev := pairEvent(t, EventSync)
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(r0), big.NewInt(r1))
	require.NoError(t, err)
	return types.Log{Address: pool, Topics: []common.Hash{ev.ID}, Data: data, BlockNumber: 7}
}

// delayRecorder replaces the manager's sleep and records requested delays.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) sleep(ctx context.Context, d time.Duration) bool {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err() == nil
}

func (r *delayRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func slowRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2}
}

func TestBackoffResetsOnEndpointSwitch(t *testing.T) {
	dialer := &fakeDialer{failing: map[string]bool{"ws://primary": true, "ws://backup": true}}
	m, err := NewManager(Options{
		Endpoints: []Endpoint{{URL: "ws://primary"}, {URL: "ws://backup", Priority: 1}},
		Retry:     slowRetry(3),
	}, dialer, zerolog.Nop())
	require.NoError(t, err)
	rec := &delayRecorder{}
	m.sleep = rec.sleep

	require.NoError(t, m.Connect(context.Background()))
	select {
	case err := <-m.Err():
		assert.ErrorIs(t, err, ErrAllEndpointsFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("expected terminal error")
	}
	<-m.Done()

	assert.Equal(t, []string{"ws://primary", "ws://primary", "ws://primary", "ws://backup", "ws://backup", "ws://backup"}, dialer.dialed())
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond, 200 * time.Millisecond,
		100 * time.Millisecond, 200 * time.Millisecond,
	}, rec.recorded())
}

func TestBackoffResetsAfterConnection(t *testing.T) {
	first := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first}}
	m, err := NewManager(Options{Endpoints: []Endpoint{{URL: "ws://node"}}, Retry: slowRetry(3)}, dialer, zerolog.Nop())
	require.NoError(t, err)
	rec := &delayRecorder{}
	m.sleep = rec.sleep

	pool := common.HexToAddress("0x00000000000000000000000000000000000000c3")
	assert.ErrorIs(t, m.SubscribeToPool(context.Background(), pool), ErrNotConnected)

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return first.subscribeCalls() == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, rec.recorded())

	first.fail(pool, errors.New("websocket: close 1006"))

	select {
	case err := <-m.Err():
		assert.ErrorIs(t, err, ErrAllEndpointsFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("expected terminal error")
	}
	<-m.Done()

	assert.Equal(t, []string{"ws://node", "ws://node", "ws://node", "ws://node"}, dialer.dialed(),
		"a dropped endpoint keeps its full redial budget")
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		100 * time.Millisecond, 200 * time.Millisecond,
	}, rec.recorded())
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(4))
	assert.Equal(t, time.Second, p.Backoff(10_000))
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager(Options{Retry: fastRetry(1)}, &fakeDialer{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoEndpoints)

	_, err = NewManager(Options{Endpoints: []Endpoint{{URL: "ws://a"}}, Retry: RetryPolicy{}}, &fakeDialer{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestAllEndpointsFailAfterOneLoop(t *testing.T) {
	dialer := &fakeDialer{failing: map[string]bool{"ws://primary": true, "ws://backup": true}}
	m, err := NewManager(Options{
		Endpoints: []Endpoint{
			{URL: "ws://backup", Priority: 2},
			{URL: "ws://primary", Priority: 1},
		},
		Retry: fastRetry(2),
	}, dialer, zerolog.Nop())
	require.NoError(t, err)

	var mu sync.Mutex
	var transitions []Status
	m.OnStatus(func(_, next Status) {
		mu.Lock()
		transitions = append(transitions, next)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))

	select {
	case err := <-m.Err():
		assert.ErrorIs(t, err, ErrAllEndpointsFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("expected terminal error")
	}
	<-m.Done()

	assert.Equal(t, StatusError, m.Status())
	assert.Equal(t, []string{"ws://primary", "ws://primary", "ws://backup", "ws://backup"}, dialer.dialed())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, transitions)
	assert.Equal(t, StatusConnecting, transitions[0])
	assert.Equal(t, StatusError, transitions[len(transitions)-1])

	select {
	case <-m.Err():
		t.Fatal("terminal error must be delivered once")
	default:
	}
}

func TestFailoverDeliversEvents(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{failing: map[string]bool{"ws://primary": true}, conns: []*fakeConn{conn}}
	m, err := NewManager(Options{
		Endpoints: []Endpoint{{URL: "ws://primary", Priority: 0}, {URL: "ws://backup", Description: "backup", Priority: 1}},
		Retry:     fastRetry(2),
	}, dialer, zerolog.Nop())
	require.NoError(t, err)

	pool := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	assert.ErrorIs(t, m.SubscribeToPool(context.Background(), pool), ErrNotConnected)
	assert.Equal(t, []common.Address{pool}, m.Subscriptions())

	events := make(chan PoolEvent, 4)
	m.OnPoolEvent(func(e PoolEvent) { events <- e })

	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(m.Shutdown)

	require.Eventually(t, func() bool { return m.Status() == StatusConnected }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "ws://backup", m.ActiveEndpoint().URL)
	require.Eventually(t, func() bool { return conn.subscribeCalls() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.SubscribeToPool(context.Background(), pool))
	assert.Equal(t, 1, conn.subscribeCalls(), "subscribing twice is a no-op")

	conn.emit(pool, types.Log{Address: pool, Topics: []common.Hash{common.HexToHash("0xdead")}})
	removed := syncLog(t, pool, 1, 1)
	removed.Removed = true
	conn.emit(pool, removed)
	conn.emit(pool, syncLog(t, pool, 100, 250))

	select {
	case evt := <-events:
		assert.Equal(t, EventSync, evt.Type)
		assert.Equal(t, pool, evt.Pool)
		assert.Equal(t, "250", evt.Reserve1.String())
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
	assert.Equal(t, uint64(1), m.DecodeErrors())
	assert.Equal(t, StatusConnected, m.Status(), "a bad log must not drop the connection")
}

func TestReconnectResubscribes(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	m, err := NewManager(Options{Endpoints: []Endpoint{{URL: "ws://node"}}, Retry: fastRetry(3)}, dialer, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(m.Shutdown)

	require.Eventually(t, func() bool { return m.Status() == StatusConnected }, time.Second, time.Millisecond)
	pool := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	require.NoError(t, m.SubscribeToPool(context.Background(), pool))

	first.fail(pool, errors.New("websocket: close 1006"))

	require.Eventually(t, func() bool { return second.subscribeCalls() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, first.closeCount())
	require.Eventually(t, func() bool { return m.Status() == StatusConnected }, time.Second, time.Millisecond)
}

func TestShutdownIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	m, err := NewManager(Options{Endpoints: []Endpoint{{URL: "ws://node"}}, Retry: fastRetry(1)}, dialer, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return m.Status() == StatusConnected }, time.Second, time.Millisecond)

	pool := common.HexToAddress("0x00000000000000000000000000000000000000c3")
	require.NoError(t, m.SubscribeToPool(context.Background(), pool))

	m.Shutdown()
	m.Shutdown()

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("connection goroutine did not exit")
	}
	assert.Equal(t, 1, conn.closeCount())
	assert.Equal(t, StatusDisconnected, m.Status())
	assert.ErrorIs(t, m.SubscribeToPool(context.Background(), pool), ErrShutdown)
	assert.ErrorIs(t, m.Connect(context.Background()), ErrShutdown)
}

func TestShutdownBeforeConnect(t *testing.T) {
	m, err := NewManager(Options{Endpoints: []Endpoint{{URL: "ws://node"}}, Retry: fastRetry(1)}, &fakeDialer{}, zerolog.Nop())
	require.NoError(t, err)
	m.Shutdown()
	<-m.Done()
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestUnsubscribe(t *testing.T) {
	conn := newFakeConn()
	m, err := NewManager(Options{Endpoints: []Endpoint{{URL: "ws://node"}}, Retry: fastRetry(1)}, &fakeDialer{conns: []*fakeConn{conn}}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(m.Shutdown)
	require.Eventually(t, func() bool { return m.Status() == StatusConnected }, time.Second, time.Millisecond)

	a := common.HexToAddress("0x0a")
	b := common.HexToAddress("0x0b")
	require.NoError(t, m.SubscribeToPool(context.Background(), a))
	require.NoError(t, m.SubscribeToPool(context.Background(), b))

	m.UnsubscribeFromPool(a)
	assert.Equal(t, []common.Address{b}, m.Subscriptions())
	_, open := <-conn.sub(a).Err()
	assert.False(t, open, "listener should be released")

	m.UnsubscribeAll()
	assert.Empty(t, m.Subscriptions())
}
