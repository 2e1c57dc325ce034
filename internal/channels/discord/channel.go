// Package discord connects to Discord through the gateway API.
package discord

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/ember/internal/bus"
	"github.com/nextlevelbuilder/ember/internal/channels"
	"github.com/nextlevelbuilder/ember/internal/config"
	"github.com/nextlevelbuilder/ember/internal/providers"
)

// maxMessageLen is Discord's hard limit per message.
const maxMessageLen = 2000

// Channel receives message-create events over the Discord gateway and
// replies through the channel message API.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	client    *http.Client
	botUserID string
}

// New creates a Discord channel from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		session:     session,
		client:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Start opens the gateway connection and registers the message handler.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting discord channel")

	c.session.AddHandler(c.handleMessageCreate)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers a reply, split into multiple messages when it exceeds the
// 2000-character limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.ChatID == "" {
		return fmt.Errorf("empty chat id for discord send")
	}
	for _, chunk := range chunkMessage(msg.Content, maxMessageLen) {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

// chunkMessage splits content into pieces of at most maxLen bytes,
// preferring to break on a newline in the back half of each piece.
func chunkMessage(content string, maxLen int) []string {
	var chunks []string
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			cutAt := maxLen
			if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func (c *Channel) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}
	senderID := m.Author.ID
	if !c.IsAllowed(senderID) {
		return
	}

	content := m.Content

	var blocks []providers.ContentBlock
	for _, att := range m.Attachments {
		if block, ok := c.downloadAttachment(att); ok {
			blocks = append(blocks, block)
		}
	}

	if content == "" && len(blocks) == 0 {
		return
	}

	c.HandleMessage(senderID, m.ChannelID, content, blocks, map[string]interface{}{
		"username":   m.Author.Username,
		"guild_id":   m.GuildID,
		"message_id": m.ID,
	})
}

// downloadAttachment fetches an attachment from the CDN and wraps it as a
// content block typed by its content type.
func (c *Channel) downloadAttachment(att *discordgo.MessageAttachment) (providers.ContentBlock, bool) {
	if att == nil || att.URL == "" {
		return providers.ContentBlock{}, false
	}

	resp, err := c.client.Get(att.URL)
	if err != nil {
		slog.Warn("discord attachment download failed", "url", att.URL, "error", err)
		return providers.ContentBlock{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return providers.ContentBlock{}, false
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return providers.ContentBlock{}, false
	}

	mediaType := att.ContentType
	if mediaType == "" {
		mediaType = resp.Header.Get("Content-Type")
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	blockType := "document"
	if strings.HasPrefix(mediaType, "image/") {
		blockType = "image"
	}
	return providers.ContentBlock{
		Type:      blockType,
		Data:      base64.StdEncoding.EncodeToString(data),
		MediaType: mediaType,
	}, true
}
