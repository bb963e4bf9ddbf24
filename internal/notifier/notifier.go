package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/InfiniteCode-Org/market-checker/internal/model"
)

// Notification 封装一次市场解析的通知内容。
type Notification struct {
	MarketID        string
	Question        string
	Outcome         model.Outcome
	Trigger         string
	Price           *decimal.Decimal
	ConfirmationRef string
	ResolvedAt      time.Time
}

// Notifier 定义下游通知接口。Delivery is best-effort: failures are logged
// by the caller, never retried.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
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
		logger:   logger.With().Str("component", "notify_telegram").Logger(),
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
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().
		Str("market_id", note.MarketID).
		Str("outcome", string(note.Outcome)).
		Str("trigger", note.Trigger).
		Msg("通知已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Market Resolved]\n")
	builder.WriteString(fmt.Sprintf("Market: %s\n", note.MarketID))
	if note.Question != "" {
		builder.WriteString(fmt.Sprintf("Question: %s\n", note.Question))
	}
	builder.WriteString(fmt.Sprintf("Outcome: %s\n", strings.ToUpper(string(note.Outcome))))
	builder.WriteString(fmt.Sprintf("Trigger: %s\n", note.Trigger))
	if note.Price != nil {
		builder.WriteString(fmt.Sprintf("Price: %s\n", note.Price.String()))
	}
	if note.ConfirmationRef != "" {
		builder.WriteString(fmt.Sprintf("Tx: %s\n", note.ConfirmationRef))
	}
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.ResolvedAt.UTC().Format(time.RFC3339)))
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
