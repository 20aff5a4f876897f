package assistant

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"turodesk/internal/models"
)

const maxTitleRunes = 60

// TitleGenerator names a conversation from its first messages.
type TitleGenerator struct {
	chatModel model.BaseChatModel
}

func NewTitleGenerator(chatModel model.BaseChatModel) *TitleGenerator {
	return &TitleGenerator{chatModel: chatModel}
}

func (g *TitleGenerator) GenerateTitle(ctx context.Context, messages []*models.Message) (string, error) {
	if len(messages) == 0 {
		return models.DefaultSessionTitle, nil
	}
	systemPrompt := "You are a conversation title generator. " +
		"Based on the dialogue between the user and the AI, generate a concise and accurate title for the conversation. " +
		"The title should be at most six words and summarize the main topic of the conversation. " +
		"Answer in the language of the user. Output only the title; do not include any additional content."

	var conversation strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			fmt.Fprintf(&conversation, "User: %s\n", msg.Content)
		case models.RoleAssistant:
			fmt.Fprintf(&conversation, "Assistant: %s\n", msg.Content)
		}
	}
	resp, err := g.chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage("Please generate a clean title using following conversation messages:\n\n" + conversation.String()),
	})
	if err != nil {
		return "", fmt.Errorf("generate title failed: %w", err)
	}
	return cleanTitle(resp.Content), nil
}

// cleanTitle keeps the first line, strips quotes and markdown, and caps length.
func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimSpace(strings.Trim(title, "\"'`*#"))
	title = strings.TrimPrefix(title, "Title:")
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = strings.TrimSpace(string([]rune(title)[:maxTitleRunes]))
	}
	if title == "" {
		return models.DefaultSessionTitle
	}
	return title
}
