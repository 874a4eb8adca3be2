package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Kind classifies a notification.
type Kind string

const (
	// KindEndpointsFailed is sent once when every stream endpoint failed.
	KindEndpointsFailed Kind = "endpoints_failed"
	// KindHighPriority is sent for high-priority pool events.
	KindHighPriority Kind = "high_priority_event"
)

// Notification 封装告警上下文。
type Notification struct {
	Kind        Kind
	At          time.Time
	Pool        common.Address
	EventType   string
	BlockNumber uint64
	TxHash      common.Hash
	PriceDelta  *decimal.Decimal
	Endpoint    string
	Err         error
	Details     string
}

// Key groups notifications for cooldown purposes.
func (n Notification) Key() string {
	if n.Pool != (common.Address{}) {
		return string(n.Kind) + ":" + n.Pool.Hex()
	}
	return string(n.Kind)
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("kind", string(note.Kind)).
		Str("key", note.Key()).
		Msg("alert sent (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case KindEndpointsFailed:
		builder.WriteString("[dexarb] all stream endpoints failed\n")
	case KindHighPriority:
		builder.WriteString("[dexarb] high-priority pool event\n")
	default:
		builder.WriteString(fmt.Sprintf("[dexarb] %s\n", note.Kind))
	}
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	if note.Pool != (common.Address{}) {
		builder.WriteString(fmt.Sprintf("Pool: %s\n", note.Pool.Hex()))
	}
	if note.EventType != "" {
		builder.WriteString(fmt.Sprintf("Event: %s at block %d\n", note.EventType, note.BlockNumber))
	}
	if note.TxHash != (common.Hash{}) {
		builder.WriteString(fmt.Sprintf("Tx: %s\n", note.TxHash.Hex()))
	}
	if note.PriceDelta != nil {
		builder.WriteString(fmt.Sprintf("Price delta: %s%%\n", note.PriceDelta.Shift(2).StringFixed(3)))
	}
	if note.Endpoint != "" {
		builder.WriteString(fmt.Sprintf("Endpoint: %s\n", note.Endpoint))
	}
	if note.Err != nil {
		builder.WriteString(fmt.Sprintf("Error: %v\n", note.Err))
	}
	if note.Details != "" {
		builder.WriteString(note.Details)
	}
	return builder.String()
}

// Throttled suppresses repeats of the same notification key within a cooldown.
// Endpoint exhaustion is never throttled.
type Throttled struct {
	next     Notifier
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewThrottled wraps next with a per-key cooldown.
func NewThrottled(next Notifier, cooldown time.Duration) *Throttled {
	return &Throttled{next: next, cooldown: cooldown, now: time.Now, sent: make(map[string]time.Time)}
}

// Notify forwards note unless its key was sent within the cooldown.
func (t *Throttled) Notify(ctx context.Context, note Notification) error {
	if note.Kind != KindEndpointsFailed && t.cooldown > 0 {
		key := note.Key()
		now := t.now()
		t.mu.Lock()
		last, ok := t.sent[key]
		if ok && now.Sub(last) < t.cooldown {
			t.mu.Unlock()
			return nil
		}
		t.sent[key] = now
		t.mu.Unlock()
	}
	return t.next.Notify(ctx, note)
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Throttled)(nil)
	_ Notifier = NopNotifier{}
)
