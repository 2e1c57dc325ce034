// Package feishu connects to Feishu (Lark) through the event webhook and
// replies over the Open API with a tenant access token.
package feishu

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/ember/internal/bus"
	"github.com/nextlevelbuilder/ember/internal/channels"
	"github.com/nextlevelbuilder/ember/internal/config"
	"github.com/nextlevelbuilder/ember/internal/providers"
)

const eventMessageReceive = "im.message.receive_v1"

// Channel serves the Feishu event webhook and forwards received messages
// to the bus.
type Channel struct {
	*channels.BaseChannel
	cfg    config.FeishuConfig
	client *client
	server *http.Server
}

// New creates a Feishu channel from config.
func New(cfg config.FeishuConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("feishu appId and appSecret are required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("feishu", msgBus, cfg.AllowFrom),
		cfg:         cfg,
		client:      newClient(cfg.AppID, cfg.AppSecret, ""),
	}, nil
}

// Start binds the webhook server on the configured port.
func (c *Channel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/feishu/webhook", c.handleWebhook)

	addr := fmt.Sprintf(":%d", c.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("feishu webhook listen on %s: %w", addr, err)
	}
	c.server = &http.Server{Handler: mux}

	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("feishu webhook server error", "error", err)
		}
	}()

	c.SetRunning(true)
	slog.Info("feishu webhook listening", "port", c.cfg.Port)
	return nil
}

// Stop shuts the webhook server down.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// Send delivers a text reply to the chat.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	return c.client.sendText(ctx, msg.ChatID, msg.Content)
}

type webhookEnvelope struct {
	Challenge string        `json:"challenge"`
	Header    webhookHeader `json:"header"`
	Event     webhookEvent  `json:"event"`
}

type webhookHeader struct {
	EventType string `json:"event_type"`
	Token     string `json:"token"`
}

type webhookEvent struct {
	Sender struct {
		SenderID struct {
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
	} `json:"sender"`
	Message struct {
		ChatID      string `json:"chat_id"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
	} `json:"message"`
}

func (c *Channel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	// URL verification handshake.
	if envelope.Challenge != "" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"challenge": envelope.Challenge})
		return
	}

	if c.cfg.VerificationToken != "" && envelope.Header.Token != c.cfg.VerificationToken {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	if envelope.Header.EventType != eventMessageReceive {
		w.WriteHeader(http.StatusOK)
		return
	}

	sender := envelope.Event.Sender.SenderID.OpenID
	if sender == "" || !c.IsAllowed(sender) {
		w.WriteHeader(http.StatusOK)
		return
	}

	message := envelope.Event.Message
	content := ""
	var blocks []providers.ContentBlock

	switch strings.ToLower(message.MessageType) {
	case "text":
		var parsed struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(message.Content), &parsed); err == nil {
			content = parsed.Text
		}
	case "image":
		var parsed struct {
			ImageKey string `json:"image_key"`
		}
		if err := json.Unmarshal([]byte(message.Content), &parsed); err == nil && parsed.ImageKey != "" {
			if block, ok := c.downloadImageBlock(r.Context(), parsed.ImageKey); ok {
				blocks = append(blocks, block)
			}
			content = "[image]"
		}
	}

	if content == "" && len(blocks) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	c.HandleMessage(sender, message.ChatID, content, blocks, map[string]interface{}{
		"message_type": message.MessageType,
	})
	w.WriteHeader(http.StatusOK)
}

func (c *Channel) downloadImageBlock(ctx context.Context, imageKey string) (providers.ContentBlock, bool) {
	data, mediaType, err := c.client.downloadImage(ctx, imageKey)
	if err != nil {
		slog.Warn("feishu image fetch failed", "image_key", imageKey, "error", err)
		return providers.ContentBlock{}, false
	}
	return providers.ContentBlock{
		Type:      "image",
		Data:      base64.StdEncoding.EncodeToString(data),
		MediaType: mediaType,
	}, true
}
