package notify

import (
	"context"
	"net/http"
	"time"
)

// Embed colours: red for failures, green for recoveries.
const (
	discordRed   = 0xE74C3C
	discordGreen = 0x2ECC71
)

// DiscordSender posts notifications to a Discord webhook as embeds.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: sendTimeout},
		now:        time.Now,
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// Send posts one embed. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	color := discordRed
	if isRecovery(title) {
		color = discordGreen
	}
	return postJSON(ctx, d.client, d.Name(), d.webhookURL, discordPayload{
		Username: "orderflow",
		Embeds: []discordEmbed{{
			Title:       title,
			Description: message,
			Color:       color,
			Timestamp:   d.now().UTC().Format(time.RFC3339),
		}},
	})
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
