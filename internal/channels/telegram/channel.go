// Package telegram connects to the Telegram Bot API over long polling.
package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/ember/internal/bus"
	"github.com/nextlevelbuilder/ember/internal/channels"
	"github.com/nextlevelbuilder/ember/internal/config"
	"github.com/nextlevelbuilder/ember/internal/providers"
)

// pollTimeout is the getUpdates long-poll window in seconds.
const pollTimeout = 30

// pollRetryDelay is how long the poll loop sleeps after a failed request.
const pollRetryDelay = 2 * time.Second

// Channel polls getUpdates and forwards user messages to the bus. Photos
// and documents are downloaded and attached as base64 content blocks.
type Channel struct {
	*channels.BaseChannel
	bot    *telego.Bot
	token  string
	client *http.Client
	offset int
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		bot:         bot,
		token:       cfg.Token,
		client:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Start launches the long-poll loop.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.SetRunning(true)
	slog.Info("starting telegram channel (long polling)")

	go c.pollLoop(pollCtx)
	return nil
}

// Stop cancels polling and waits for the loop to exit.
func (c *Channel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.SetRunning(false)
	return nil
}

// Send posts a plain-text reply to the chat.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}
	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), msg.Content)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func (c *Channel) pollLoop(ctx context.Context) {
	defer close(c.done)
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
			Offset:  c.offset,
			Timeout: pollTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("telegram poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollRetryDelay):
			}
			continue
		}
		c.processUpdates(ctx, updates)
	}
}

// processUpdates advances the poll offset past every update and handles
// the message-bearing ones. Edited messages are treated like new ones.
func (c *Channel) processUpdates(ctx context.Context, updates []telego.Update) {
	for _, update := range updates {
		if next := update.UpdateID + 1; next > c.offset {
			c.offset = next
		}
		msg := update.Message
		if msg == nil {
			msg = update.EditedMessage
		}
		if msg == nil {
			continue
		}
		c.handleMessage(ctx, msg)
	}
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !c.IsAllowed(senderID) {
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}

	var blocks []providers.ContentBlock

	// Highest-resolution photo variant is last.
	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		if block, ok := c.downloadBlock(ctx, photo.FileID, "image/jpeg"); ok {
			blocks = append(blocks, block)
		}
	}
	if msg.Document != nil {
		mediaType := msg.Document.MimeType
		if mediaType == "" {
			mediaType = "application/octet-stream"
		}
		if block, ok := c.downloadBlock(ctx, msg.Document.FileID, mediaType); ok {
			blocks = append(blocks, block)
		}
	}

	if content == "" && len(blocks) == 0 {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	c.HandleMessage(senderID, chatID, content, blocks, map[string]interface{}{
		"username":   msg.From.Username,
		"first_name": msg.From.FirstName,
		"message_id": msg.MessageID,
	})
}

// downloadBlock fetches a file by ID and wraps it as a content block.
// image/* media become image blocks, everything else a document.
func (c *Channel) downloadBlock(ctx context.Context, fileID, defaultType string) (providers.ContentBlock, bool) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		slog.Warn("telegram file lookup failed", "file_id", fileID, "error", err)
		return providers.ContentBlock{}, false
	}
	if file.FilePath == "" {
		return providers.ContentBlock{}, false
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return providers.ContentBlock{}, false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		slog.Warn("telegram file download failed", "file_id", fileID, "error", err)
		return providers.ContentBlock{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		slog.Warn("telegram file download failed", "file_id", fileID, "status", resp.StatusCode)
		return providers.ContentBlock{}, false
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return providers.ContentBlock{}, false
	}

	mediaType := resp.Header.Get("Content-Type")
	if mediaType == "" || (mediaType == "application/octet-stream" && defaultType != "") {
		mediaType = defaultType
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
