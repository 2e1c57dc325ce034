package sessions

import (
	"testing"

	"github.com/nextlevelbuilder/ember/internal/providers"
)

func TestWireMessagesPrependsSystem(t *testing.T) {
	conv := &Conversation{}
	conv.AddUser("hi")
	conv.AddAssistant("hello")

	msgs := conv.WireMessages("be helpful")
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be helpful" {
		t.Errorf("first = %+v, want system prompt", msgs[0])
	}
	if msgs[1].Role != "user" {
		t.Errorf("second role = %q, want user", msgs[1].Role)
	}
}

func TestWireMessagesIncludesSummaryTurn(t *testing.T) {
	conv := &Conversation{Summary: "earlier we discussed cats"}
	conv.AddUser("hi")

	msgs := conv.WireMessages("be helpful")
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[1].Role != "system" || msgs[1].Content != "# Summary\nearlier we discussed cats" {
		t.Errorf("summary turn = %+v", msgs[1])
	}
}

func TestToolTurnsRecordCallBookkeeping(t *testing.T) {
	conv := &Conversation{}
	conv.AddAssistantToolCalls("", []providers.ToolCall{
		{ID: "call_1", Name: "read_file", Arguments: map[string]interface{}{"path": "a.txt"}},
	})
	conv.AddToolResult("call_1", "read_file", "contents")

	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(conv.Messages))
	}
	if calls := conv.Messages[0].ToolCalls; len(calls) != 1 || calls[0].ID != "call_1" {
		t.Errorf("assistant turn = %+v", conv.Messages[0])
	}
	result := conv.Messages[1]
	if result.Role != "tool" || result.ToolCallID != "call_1" || result.ToolName != "read_file" || result.Content != "contents" {
		t.Errorf("tool turn = %+v", result)
	}
}

func TestAppendToLastUserPlainContent(t *testing.T) {
	conv := &Conversation{}
	conv.AddUser("summarize the report")
	conv.AppendToLastUser("[Document context]\nkey figures: 42")

	got := conv.Messages[0].Content
	want := "summarize the report\n\n[Document context]\nkey figures: 42"
	if got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestAppendToLastUserBlockContent(t *testing.T) {
	conv := &Conversation{}
	conv.AddUserBlocks("what is attached", []providers.ContentBlock{
		{Type: "document", Data: "QUJD", MediaType: "application/pdf"},
	})
	conv.AppendToLastUser("[Document context]\nnotes")

	blocks := conv.Messages[0].Blocks
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(blocks))
	}
	last := blocks[1]
	if last.Type != "text" || last.Text != "[Document context]\nnotes" {
		t.Errorf("appended block = %+v", last)
	}
}

func TestAppendToLastUserEmptyConversation(t *testing.T) {
	conv := &Conversation{}
	conv.AppendToLastUser("[Document context]\nnotes")
	if len(conv.Messages) != 0 {
		t.Errorf("messages = %d, want none", len(conv.Messages))
	}
}

func TestHistoryReturnsCopy(t *testing.T) {
	conv := &Conversation{}
	conv.AddUser("hi")

	h := conv.History()
	h[0].Content = "mutated"
	if conv.Messages[0].Content != "hi" {
		t.Error("History shares backing storage with the conversation")
	}
}
