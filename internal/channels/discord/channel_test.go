package discord

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/ember/internal/bus"
	"github.com/nextlevelbuilder/ember/internal/channels"
)

func newTestChannel(allowFrom []string) (*Channel, *bus.MessageBus) {
	msgBus := bus.New()
	ch := &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus, allowFrom),
		client:      http.DefaultClient,
		botUserID:   "bot-self",
	}
	return ch, msgBus
}

func messageCreate(authorID, channelID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "m1",
			ChannelID: channelID,
			Content:   content,
			Author:    &discordgo.User{ID: authorID, Username: "tester"},
		},
	}
}

func expectNoInbound(t *testing.T, msgBus *bus.MessageBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if msg, ok := msgBus.ConsumeInbound(ctx); ok {
		t.Fatalf("unexpected inbound message: %+v", msg)
	}
}

func TestHandleMessageIgnoresSelfAndBots(t *testing.T) {
	ch, msgBus := newTestChannel(nil)

	ch.handleMessageCreate(nil, messageCreate("bot-self", "chan", "own echo"))

	botMsg := messageCreate("other-bot", "chan", "bot message")
	botMsg.Author.Bot = true
	ch.handleMessageCreate(nil, botMsg)

	expectNoInbound(t, msgBus)
}

func TestHandleMessageAllowList(t *testing.T) {
	ch, msgBus := newTestChannel([]string{"user-ok"})

	ch.handleMessageCreate(nil, messageCreate("user-bad", "chan", "nope"))
	ch.handleMessageCreate(nil, messageCreate("user-ok", "chan", "hello"))

	msg, ok := msgBus.ConsumeInbound(context.Background())
	if !ok || msg.SenderID != "user-ok" || msg.Content != "hello" {
		t.Fatalf("expected only the allowed message, got ok=%v msg=%+v", ok, msg)
	}
	expectNoInbound(t, msgBus)
}

func TestHandleMessageDownloadsAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("fake-png-bytes"))
	}))
	defer srv.Close()

	ch, msgBus := newTestChannel(nil)
	m := messageCreate("user-1", "chan", "see attached")
	m.Attachments = []*discordgo.MessageAttachment{{URL: srv.URL + "/pic.png", ContentType: "image/png"}}

	ch.handleMessageCreate(nil, m)

	msg, ok := msgBus.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("expected an inbound message")
	}
	if len(msg.Blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(msg.Blocks))
	}
	if msg.Blocks[0].Type != "image" || msg.Blocks[0].MediaType != "image/png" {
		t.Fatalf("unexpected block: %+v", msg.Blocks[0])
	}
	if msg.Blocks[0].Data == "" {
		t.Fatal("block data empty")
	}
}

func TestChunkMessage(t *testing.T) {
	t.Run("short content stays whole", func(t *testing.T) {
		chunks := chunkMessage("hello", 2000)
		if len(chunks) != 1 || chunks[0] != "hello" {
			t.Fatalf("chunks = %q", chunks)
		}
	})

	t.Run("long content splits under the limit", func(t *testing.T) {
		content := strings.Repeat("a", 4500)
		chunks := chunkMessage(content, 2000)
		if len(chunks) != 3 {
			t.Fatalf("got %d chunks, want 3", len(chunks))
		}
		var total int
		for _, chunk := range chunks {
			if len(chunk) > 2000 {
				t.Errorf("chunk length %d exceeds limit", len(chunk))
			}
			total += len(chunk)
		}
		if total != 4500 {
			t.Errorf("total length %d, want 4500", total)
		}
	})

	t.Run("prefers newline boundaries", func(t *testing.T) {
		content := strings.Repeat("b", 1500) + "\n" + strings.Repeat("c", 1000)
		chunks := chunkMessage(content, 2000)
		if len(chunks) != 2 {
			t.Fatalf("got %d chunks, want 2", len(chunks))
		}
		if !strings.HasSuffix(chunks[0], "\n") {
			t.Errorf("first chunk does not end at the newline boundary")
		}
		if chunks[1] != strings.Repeat("c", 1000) {
			t.Errorf("second chunk = %q...", chunks[1][:20])
		}
	})
}
