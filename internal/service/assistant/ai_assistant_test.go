package assistant

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"turodesk/internal/models"
)

type stubChatModel struct {
	reply  string
	err    error
	prompt []*schema.Message
}

func (m *stubChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.prompt = input
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *stubChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func TestGenerateTitle(t *testing.T) {
	stub := &stubChatModel{reply: "\"Weekend in Lisbon\"\nextra line"}
	g := NewTitleGenerator(stub)
	title, err := g.GenerateTitle(context.Background(), []*models.Message{
		{Role: models.RoleUser, Content: "Plan a weekend in Lisbon"},
		{Role: models.RoleAssistant, Content: "Sure!"},
	})
	if err != nil {
		t.Fatalf("generate title: %v", err)
	}
	if title != "Weekend in Lisbon" {
		t.Fatalf("unexpected title %q", title)
	}
	if len(stub.prompt) != 2 || !strings.Contains(stub.prompt[1].Content, "User: Plan a weekend in Lisbon") {
		t.Fatalf("conversation missing from prompt: %+v", stub.prompt)
	}
}

func TestGenerateTitleDefaults(t *testing.T) {
	g := NewTitleGenerator(&stubChatModel{reply: "   "})
	title, err := g.GenerateTitle(context.Background(), nil)
	if err != nil || title != models.DefaultSessionTitle {
		t.Fatalf("empty conversation: %q %v", title, err)
	}
	title, err = g.GenerateTitle(context.Background(), []*models.Message{{Role: models.RoleUser, Content: "hi"}})
	if err != nil || title != models.DefaultSessionTitle {
		t.Fatalf("blank reply: %q %v", title, err)
	}
	if _, err := NewTitleGenerator(&stubChatModel{err: errors.New("boom")}).GenerateTitle(
		context.Background(), []*models.Message{{Role: models.RoleUser, Content: "hi"}}); err == nil {
		t.Fatalf("expected model error to surface")
	}
	long := strings.Repeat("word ", 30)
	if got := cleanTitle(long); len([]rune(got)) > maxTitleRunes {
		t.Fatalf("title not capped: %d runes", len([]rune(got)))
	}
}
