package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Incident 描述一次失败的评估周期。
type Incident struct {
	EvaluatedAt time.Time
	Stage       string
	Err         error
}

// OperatorNotifier reports incidents to whoever runs the service.
type OperatorNotifier interface {
	NotifyIncident(ctx context.Context, incident Incident) error
}

// TelegramNotifier 通过 Telegram Bot API 推送运维消息。
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
		logger:   logger.With().Str("component", "operator_telegram").Logger(),
	}
}

// NotifyIncident 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) NotifyIncident(ctx context.Context, incident Incident) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderIncident(incident),
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

	n.logger.Info().Time("evaluated_at", incident.EvaluatedAt).
		Str("stage", incident.Stage).
		Msg("运维通知已发送 (Telegram)")
	return nil
}

// MailOperator sends incidents as plain messages through a Channel.
type MailOperator struct {
	channel Channel
	to      string
	subject string
}

// NewMailOperator constructs a MailOperator addressed to to.
func NewMailOperator(channel Channel, to string) *MailOperator {
	return &MailOperator{channel: channel, to: to, subject: "Fuel Price Alerts - Error fetching data"}
}

// NotifyIncident implements OperatorNotifier.
func (m *MailOperator) NotifyIncident(ctx context.Context, incident Incident) error {
	text := renderIncident(incident)
	return m.channel.Send(ctx, Payload{
		To:      m.to,
		Subject: m.subject,
		Text:    text,
		HTML:    "<pre>" + htmlEscaper.Replace(text) + "</pre>",
	})
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&#34;", "'", "&#39;")

// Operators fans an incident out to every configured notifier.
type Operators []OperatorNotifier

// NotifyIncident implements OperatorNotifier; every notifier is attempted.
func (ops Operators) NotifyIncident(ctx context.Context, incident Incident) error {
	var errs []error
	for _, op := range ops {
		if err := op.NotifyIncident(ctx, incident); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func renderIncident(incident Incident) string {
	builder := strings.Builder{}
	builder.WriteString("[Fuel Price Alerts]\n")
	builder.WriteString(fmt.Sprintf("Cycle: %s UTC\n", incident.EvaluatedAt.UTC().Format(time.RFC3339)))
	if incident.Stage != "" {
		builder.WriteString(fmt.Sprintf("Stage: %s\n", incident.Stage))
	}
	if incident.Err != nil {
		builder.WriteString(fmt.Sprintf("Error: %s\n", incident.Err.Error()))
	}
	return builder.String()
}

var (
	_ OperatorNotifier = (*TelegramNotifier)(nil)
	_ OperatorNotifier = (*MailOperator)(nil)
	_ OperatorNotifier = Operators(nil)
)
