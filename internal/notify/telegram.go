package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender delivers notifications through the Bot API sendMessage
// call.
type TelegramSender struct {
	token   string
	chatID  string
	apiBase string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and
// chat ID.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:   token,
		chatID:  chatID,
		apiBase: telegramAPI,
		client:  &http.Client{Timeout: sendTimeout},
	}
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// Send posts an HTML message with the title in bold. Both parts are
// escaped since error texts often carry <, > and &.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	icon := "🔴"
	if isRecovery(title) {
		icon = "🟢"
	}
	return postJSON(ctx, t.client, t.Name(),
		fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.apiBase, "/"), t.token),
		telegramMessage{
			ChatID:                t.chatID,
			Text:                  fmt.Sprintf("%s <b>%s</b>\n%s", icon, html.EscapeString(title), html.EscapeString(message)),
			ParseMode:             "HTML",
			DisableWebPagePreview: true,
		})
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
