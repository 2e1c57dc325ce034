// Package slack connects to Slack through the Events API webhook and
// replies via chat.postMessage.
package slack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/ember/internal/bus"
	"github.com/nextlevelbuilder/ember/internal/channels"
	"github.com/nextlevelbuilder/ember/internal/config"
	"github.com/nextlevelbuilder/ember/internal/providers"
)

const signatureVersion = "v0"

// maxSignatureSkew is how far a request timestamp may drift from the local
// clock before the request is rejected as a possible replay.
const maxSignatureSkew = 300 * time.Second

// Channel serves the Slack Events API webhook and forwards message events
// to the bus. Outbound sends are paced to stay inside Slack's per-channel
// rate limit.
type Channel struct {
	*channels.BaseChannel
	cfg     config.SlackConfig
	apiURL  string
	client  *http.Client
	limiter *rate.Limiter
	server  *http.Server
}

// New creates a Slack channel from config.
func New(cfg config.SlackConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.BotToken == "" || cfg.SigningSecret == "" {
		return nil, fmt.Errorf("slack botToken and signingSecret are required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("slack", msgBus, cfg.AllowFrom),
		cfg:         cfg,
		apiURL:      "https://slack.com/api",
		client:      &http.Client{Timeout: 15 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(1), 5),
	}, nil
}

// Start binds the events webhook server on the configured port.
func (c *Channel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/slack/events", c.handleEvents)

	addr := fmt.Sprintf(":%d", c.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("slack events listen on %s: %w", addr, err)
	}
	c.server = &http.Server{Handler: mux}

	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("slack events server error", "error", err)
		}
	}()

	c.SetRunning(true)
	slog.Info("slack events listening", "port", c.cfg.Port)
	return nil
}

// Stop shuts the events server down.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// Send posts a reply through chat.postMessage, waiting on the rate
// limiter first.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{
		"channel": msg.ChatID,
		"text":    msg.Content,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.BotToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("slack send: status %d", resp.StatusCode)
	}

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("slack send decode: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("slack send error: %s", result.Error)
	}
	return nil
}

type eventPayload struct {
	Type      string     `json:"type"`
	Challenge string     `json:"challenge"`
	EventID   string     `json:"event_id"`
	Event     slackEvent `json:"event"`
}

type slackEvent struct {
	Type    string      `json:"type"`
	Subtype string      `json:"subtype"`
	BotID   string      `json:"bot_id"`
	User    string      `json:"user"`
	Text    string      `json:"text"`
	Channel string      `json:"channel"`
	Files   []slackFile `json:"files"`
}

type slackFile struct {
	Mimetype           string `json:"mimetype"`
	URLPrivate         string `json:"url_private"`
	URLPrivateDownload string `json:"url_private_download"`
}

func (c *Channel) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if !c.verifySignature(r.Header.Get("X-Slack-Request-Timestamp"), r.Header.Get("X-Slack-Signature"), body) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload eventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if payload.Type == "url_verification" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"challenge": payload.Challenge})
		return
	}
	if payload.Type != "event_callback" {
		w.WriteHeader(http.StatusOK)
		return
	}

	event := payload.Event
	// Subtyped events (edits, joins) and bot echoes are not user messages.
	if event.Type != "message" || event.Subtype != "" || event.BotID != "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if event.User != "" && !c.IsAllowed(event.User) {
		w.WriteHeader(http.StatusOK)
		return
	}

	blocks := c.downloadFiles(r.Context(), event.Files)
	if event.Text == "" && len(blocks) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	if event.Channel == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	c.HandleMessage(event.User, event.Channel, event.Text, blocks, map[string]interface{}{
		"event_id": payload.EventID,
	})
	w.WriteHeader(http.StatusOK)
}

// verifySignature checks the v0 HMAC-SHA256 request signature in constant
// time and bounds the timestamp skew.
func (c *Channel) verifySignature(ts, signature string, body []byte) bool {
	if ts == "" || signature == "" {
		return false
	}
	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := time.Since(time.Unix(tsInt, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSignatureSkew {
		return false
	}

	mac := hmac.New(sha256.New, []byte(c.cfg.SigningSecret))
	fmt.Fprintf(mac, "%s:%s:%s", signatureVersion, ts, body)
	expected := signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// downloadFiles fetches shared files with the bot token and wraps them as
// content blocks. Failures skip the file, never the message.
func (c *Channel) downloadFiles(ctx context.Context, files []slackFile) []providers.ContentBlock {
	var blocks []providers.ContentBlock
	for _, file := range files {
		url := file.URLPrivateDownload
		if url == "" {
			url = file.URLPrivate
		}
		if url == "" {
			continue
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			continue
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.BotToken)
		resp, err := c.client.Do(req)
		if err != nil {
			slog.Warn("slack file download failed", "error", err)
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 400 || readErr != nil {
			continue
		}

		mediaType := file.Mimetype
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
		blocks = append(blocks, providers.ContentBlock{
			Type:      blockType,
			Data:      base64.StdEncoding.EncodeToString(data),
			MediaType: mediaType,
		})
	}
	return blocks
}
