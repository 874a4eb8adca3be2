package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/bottoken/sendMessage")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	delta := decimal.RequireFromString("0.0315")
	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{
		Kind:        KindHighPriority,
		At:          time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Pool:        common.HexToAddress("0xC6962004f452bE9203591991D15f6b388e09E8D0"),
		EventType:   "Sync",
		BlockNumber: 42,
		PriceDelta:  &delta,
	}

	require.NoError(t, notifier.Notify(context.Background(), note))
	assert.Equal(t, "chat", received["chat_id"])
	assert.Contains(t, received["text"], "high-priority pool event")
	assert.Contains(t, received["text"], "Price delta: 3.150%")
	assert.Contains(t, received["text"], "block 42")
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	err := notifier.Notify(context.Background(), Notification{Kind: KindEndpointsFailed, At: time.Now()})
	assert.Error(t, err)
}

func TestTelegramNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	err := notifier.Notify(context.Background(), Notification{Kind: KindEndpointsFailed, At: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestRenderEndpointsFailed(t *testing.T) {
	text := renderMessage(Notification{
		Kind:     KindEndpointsFailed,
		At:       time.Now(),
		Endpoint: "wss://backup",
		Err:      errors.New("dial refused"),
	})
	assert.True(t, strings.HasPrefix(text, "[dexarb] all stream endpoints failed"))
	assert.Contains(t, text, "Endpoint: wss://backup")
	assert.Contains(t, text, "Error: dial refused")
	assert.NotContains(t, text, "Pool:")
}

type countingNotifier struct{ calls []Notification }

func (c *countingNotifier) Notify(_ context.Context, n Notification) error {
	c.calls = append(c.calls, n)
	return nil
}

func TestThrottled(t *testing.T) {
	inner := &countingNotifier{}
	throttled := NewThrottled(inner, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	throttled.now = func() time.Time { return now }

	poolA := common.HexToAddress("0x01")
	poolB := common.HexToAddress("0x02")
	ctx := context.Background()

	require.NoError(t, throttled.Notify(ctx, Notification{Kind: KindHighPriority, Pool: poolA}))
	require.NoError(t, throttled.Notify(ctx, Notification{Kind: KindHighPriority, Pool: poolA}))
	require.NoError(t, throttled.Notify(ctx, Notification{Kind: KindHighPriority, Pool: poolB}))
	require.NoError(t, throttled.Notify(ctx, Notification{Kind: KindEndpointsFailed}))
	require.NoError(t, throttled.Notify(ctx, Notification{Kind: KindEndpointsFailed}))
	assert.Len(t, inner.calls, 4)

	now = now.Add(time.Minute)
	require.NoError(t, throttled.Notify(ctx, Notification{Kind: KindHighPriority, Pool: poolA}))
	assert.Len(t, inner.calls, 5)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
