// Package notifications delivers run/trade outcomes to a Telegram chat.
// It subscribes to the internal event bus as an observer; the execution
// core never calls it directly, so a missing bot token degrades to a
// logged warning rather than affecting trade processing.
package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"rebalance_core/internal/events"
)

// TelegramNotifier posts TradeExecuted and WorkflowFailed events to the
// chat configured via TELEGRAM_BOT_TOKEN / TELEGRAM_CHAT_ID.
type TelegramNotifier struct {
	token  string
	chatID string
	client *http.Client
}

// NewTelegramNotifier reads credentials from the environment. If either is
// missing the notifier still constructs, warns once, and drops every send.
func NewTelegramNotifier() *TelegramNotifier {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	chatID := os.Getenv("TELEGRAM_CHAT_ID")
	if token == "" || chatID == "" {
		log.Warn().Msg("telegram credentials missing, notifications will be dropped")
	}
	return &TelegramNotifier{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// OnTradeExecuted implements events.TradeObserver.
func (n *TelegramNotifier) OnTradeExecuted(e events.TradeExecuted) {
	icon := "✅"
	if !e.Success {
		icon = "❌"
	}
	n.send(fmt.Sprintf("%s *%s* %s\nrun `%s`\n%s", icon, e.Symbol, e.TradeID, e.RunID, e.Message))
}

// OnWorkflowFailed implements events.WorkflowObserver.
func (n *TelegramNotifier) OnWorkflowFailed(e events.WorkflowFailed) {
	n.send(fmt.Sprintf("🚨 *%s failed* at %s\nrun `%s`\n%s\n%s",
		e.WorkflowType, e.FailureStep, e.RunID, e.Reason, e.ErrorDetails))
}

func (n *TelegramNotifier) send(text string) {
	if n.token == "" || n.chatID == "" {
		return
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.token)
	payload := map[string]string{
		"chat_id":    n.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Msg("telegram payload marshal failed")
		return
	}

	resp, err := n.client.Post(url, "application/json", bytes.NewBuffer(body))
	if err != nil {
		log.Warn().Err(err).Msg("telegram send failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Msg("telegram API returned non-OK status")
	}
}
