package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification carries the context of a start-now alert.
type Notification struct {
	CycleTS        time.Time
	Area           string
	PriceStatus    string
	GreenStatus    string
	PriceMilli     *int64
	CO2GramsPerKWh *float64
	Key            string
	Message        string
	Outcome        string
}

// Notifier delivers notifications to one channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
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

// Notify calls sendMessage.
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
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Time("cycle", note.CycleTS).
		Str("key", note.Key).
		Str("price_status", note.PriceStatus).
		Msg("alert sent (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Elspot %s]\n", note.Area))
	builder.WriteString(note.Message)
	builder.WriteString("\n")
	if note.PriceMilli != nil {
		builder.WriteString(fmt.Sprintf("Price: %.3f/kWh (%s)\n", float64(*note.PriceMilli)/1000, note.PriceStatus))
	}
	if note.CO2GramsPerKWh != nil {
		builder.WriteString(fmt.Sprintf("CO2: %.0f g/kWh (%s)\n", *note.CO2GramsPerKWh, note.GreenStatus))
	}
	builder.WriteString(fmt.Sprintf("Cycle: %s\n", note.CycleTS.Format("2006-01-02 15:04 MST")))
	if note.Outcome == "degraded" {
		builder.WriteString("Data: synthetic estimate\n")
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
