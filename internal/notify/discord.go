package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// DiscordSender posts notifications to a Discord channel over the REST
// API. Channel config: {"token": botToken, "channelId": id}; an empty
// token falls back to the sender's default bot token.
type DiscordSender struct {
	defaultToken string
}

// NewDiscordSender creates the adapter with an optional default token.
func NewDiscordSender(defaultToken string) *DiscordSender {
	return &DiscordSender{defaultToken: defaultToken}
}

func (d *DiscordSender) Kind() string { return "discord" }

func (d *DiscordSender) Send(ctx context.Context, config map[string]any, text string) error {
	token, _ := config["token"].(string)
	if token == "" {
		token = d.defaultToken
	}
	channelID, _ := config["channelId"].(string)
	if token == "" || channelID == "" {
		return fmt.Errorf("discord channel config needs token and channelId")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	for _, chunk := range chunkDiscord(text) {
		if _, err := session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// chunkDiscord splits content at the 2000-character message cap,
// preferring newline breaks past the halfway point.
func chunkDiscord(content string) []string {
	const maxLen = 2000
	var chunks []string
	for len(content) > 0 {
		if len(content) <= maxLen {
			chunks = append(chunks, content)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, content[:cutAt])
		content = content[cutAt:]
	}
	return chunks
}
