// Package webui serves a minimal browser chat client over WebSocket.
package webui

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/ember/internal/bus"
	"github.com/nextlevelbuilder/ember/internal/channels"
	"github.com/nextlevelbuilder/ember/internal/config"
)

//go:embed static/index.html
var staticFS embed.FS

// Channel accepts WebSocket clients on /ws and bridges them to the bus.
// Each client gets its own ID; outbound messages are routed back to the
// client whose ID matches the chat ID, or broadcast when none does.
type Channel struct {
	*channels.BaseChannel

	cfg      config.WebUIConfig
	host     string
	port     int
	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.Mutex
	clients map[string]*client
	nextID  int
}

// client serializes writes to one connection. gorilla/websocket permits
// only a single concurrent writer.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// New creates the web UI channel. The channel binds its own port when
// configured, otherwise it reuses the gateway port.
func New(cfg config.WebUIConfig, gwCfg config.GatewayConfig, msgBus *bus.MessageBus) *Channel {
	port := cfg.Port
	if port == 0 {
		port = gwCfg.Port
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("webui", msgBus, cfg.AllowFrom),
		cfg:         cfg,
		host:        gwCfg.Host,
		port:        port,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Start binds the HTTP server and begins accepting WebSocket clients.
func (c *Channel) Start(_ context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.handleWS)
	mux.HandleFunc("/", c.handleIndex)
	if c.cfg.StaticDir != "" {
		mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(c.cfg.StaticDir))))
	}

	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("webui listen on %s: %w", addr, err)
	}

	c.server = &http.Server{Handler: mux}
	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("webui server error", "error", err)
		}
	}()

	c.SetRunning(true)
	slog.Info("webui channel started", "addr", addr)
	return nil
}

// Stop closes all client connections and shuts the server down.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)

	c.mu.Lock()
	for id, cl := range c.clients {
		_ = cl.conn.Close()
		delete(c.clients, id)
	}
	c.mu.Unlock()

	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// Send routes an outbound message to the client whose ID matches the chat
// ID, or broadcasts it to every connected client.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	data, err := json.Marshal(map[string]string{
		"type":    "message",
		"content": msg.Content,
	})
	if err != nil {
		return fmt.Errorf("marshal webui message: %w", err)
	}

	c.mu.Lock()
	target := c.clients[msg.ChatID]
	var rest []*client
	if target == nil {
		rest = make([]*client, 0, len(c.clients))
		for _, cl := range c.clients {
			rest = append(rest, cl)
		}
	}
	c.mu.Unlock()

	if target != nil {
		return target.write(data)
	}
	for _, cl := range rest {
		if err := cl.write(data); err != nil {
			slog.Warn("webui broadcast failed", "error", err)
		}
	}
	return nil
}

func (c *Channel) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("webui upgrade failed", "error", err)
		return
	}

	// With an allow-list configured a client must present a permitted
	// token; without one any client may connect.
	token := r.URL.Query().Get("token")
	if len(c.cfg.AllowFrom) > 0 && (token == "" || !c.IsAllowed(token)) {
		_ = conn.Close()
		return
	}

	c.mu.Lock()
	c.nextID++
	clientID := token
	if clientID == "" {
		clientID = fmt.Sprintf("webui-%d", c.nextID)
	}
	c.clients[clientID] = &client{conn: conn}
	c.mu.Unlock()

	slog.Info("webui client connected", "client", clientID)
	c.readLoop(clientID, conn)

	c.mu.Lock()
	delete(c.clients, clientID)
	c.mu.Unlock()
	_ = conn.Close()
	slog.Info("webui client disconnected", "client", clientID)
}

// readLoop publishes client frames to the bus until the connection drops.
func (c *Channel) readLoop(clientID string, conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		content := parseInbound(message)
		if content == "" {
			continue
		}
		c.HandleMessage(clientID, clientID, content, nil, nil)
	}
}

// parseInbound extracts message text from a client frame. Frames are either
// JSON objects carrying a "content" field or plain text.
func parseInbound(data []byte) string {
	var frame struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &frame); err == nil {
		return strings.TrimSpace(frame.Content)
	}
	return strings.TrimSpace(string(data))
}

func (c *Channel) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if c.cfg.StaticDir != "" {
		page := filepath.Join(c.cfg.StaticDir, "index.html")
		if _, err := os.Stat(page); err == nil {
			http.ServeFile(w, r, page)
			return
		}
	}

	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "index not available", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}
