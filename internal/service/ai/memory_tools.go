package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"turodesk/internal/models"
	"turodesk/internal/service/memory"
)

const memoryDisabledReply = "Memory is disabled"

type memoryTools struct {
	mem *memory.Service
}

type upsertFactParams struct {
	Key     string   `json:"key"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

type deleteFactParams struct {
	Key string `json:"key"`
}

type listFactsParams struct{}

type searchMemoriesParams struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

type deleteConversationParams struct {
	Category string `json:"category,omitempty"`
}

type memoryHit struct {
	Content   string    `json:"content"`
	Score     float32   `json:"score"`
	Category  string    `json:"category"`
	Kind      string    `json:"kind,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryTools returns the tools that let the model maintain the user's
// long-term memory. With a nil service every tool answers that memory is off.
func MemoryTools(mem *memory.Service) []tool.BaseTool {
	t := &memoryTools{mem: mem}
	return []tool.BaseTool{
		utils.NewTool(&schema.ToolInfo{
			Name: "upsert_user_fact",
			Desc: "Update the single profile summary of the user with one clear fact " +
				"(for example \"The user's name is Arthur.\"). Use a short key such as name, language or theme.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"key":     {Desc: "Short fact key, e.g. name", Type: schema.String, Required: true},
				"content": {Desc: "The fact value or a sentence stating it", Type: schema.String, Required: true},
				"tags": {
					Desc:     "Optional tags",
					Type:     schema.Array,
					ElemInfo: &schema.ParameterInfo{Type: schema.String},
				},
			}),
		}, t.upsertFact),
		utils.NewTool(&schema.ToolInfo{
			Name: "delete_user_fact",
			Desc: "Remove one piece of information from the user's profile summary by key (e.g. name, language).",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"key": {Desc: "Fact key to remove", Type: schema.String, Required: true},
			}),
		}, t.deleteFact),
		utils.NewTool(&schema.ToolInfo{
			Name:        "list_user_facts",
			Desc:        "List the key map and the text of the user's profile summary.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{}),
		}, t.listFacts),
		utils.NewTool(&schema.ToolInfo{
			Name: "search_user_memories",
			Desc: "Search the user's long-term memories by semantic similarity. Use only when needed for the current " +
				"question and avoid bringing up personal information that was not asked for.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"query": {Desc: "What to look for", Type: schema.String, Required: true},
				"top_k": {Desc: "Number of results, 1 to 20, default 5", Type: schema.Integer},
			}),
		}, t.searchMemories),
		utils.NewTool(&schema.ToolInfo{
			Name: "delete_conversation_memories",
			Desc: "Delete stored memories of category conversation or chat to reduce noise. " +
				"Use when the user asks to clean up their memory history.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"category": {
					Desc: "Memory category, default conversation",
					Type: schema.String,
					Enum: []string{models.CategoryConversation, models.CategoryChat},
				},
			}),
		}, t.deleteConversation),
	}
}

func (t *memoryTools) userID(ctx context.Context) (string, error) {
	userID, _, ok := ToolSessionFromContext(ctx)
	if !ok {
		return "", errors.New("no user bound to this tool call")
	}
	return userID, nil
}

// failure turns user-level memory errors into replies the model can act on.
func failure(op string, err error) (string, error) {
	switch {
	case errors.Is(err, memory.ErrMemoryDisabled):
		return memoryDisabledReply, nil
	case errors.Is(err, memory.ErrInvalidKey):
		return "Invalid key: use a short word such as name or language.", nil
	}
	log.Printf("[ai] %s failed: %v", op, err)
	return "", fmt.Errorf("%s: %w", op, err)
}

func (t *memoryTools) upsertFact(ctx context.Context, p *upsertFactParams) (string, error) {
	if !t.mem.Enabled() {
		return memoryDisabledReply, nil
	}
	userID, err := t.userID(ctx)
	if err != nil {
		return "", err
	}
	summary, err := t.mem.UpdateProfileFromFact(ctx, userID, p.Key, p.Content, p.Tags)
	if err != nil {
		return failure("upsert_user_fact", err)
	}
	return "Profile updated: " + summary, nil
}

func (t *memoryTools) deleteFact(ctx context.Context, p *deleteFactParams) (string, error) {
	if !t.mem.Enabled() {
		return memoryDisabledReply, nil
	}
	userID, err := t.userID(ctx)
	if err != nil {
		return "", err
	}
	if _, err := t.mem.RemoveProfileFact(ctx, userID, p.Key); err != nil {
		return failure("delete_user_fact", err)
	}
	summary, err := t.mem.ProfileSummary(ctx, userID)
	if err != nil {
		return failure("delete_user_fact", err)
	}
	if summary == "" {
		return "Profile is empty.", nil
	}
	return "Profile updated: " + summary, nil
}

func (t *memoryTools) listFacts(ctx context.Context, _ *listFactsParams) (string, error) {
	if !t.mem.Enabled() {
		return memoryDisabledReply, nil
	}
	userID, err := t.userID(ctx)
	if err != nil {
		return "", err
	}
	summary, err := t.mem.ProfileSummary(ctx, userID)
	if err != nil {
		return failure("list_user_facts", err)
	}
	keys, err := t.mem.ProfileKeys(ctx, userID)
	if err != nil {
		return failure("list_user_facts", err)
	}
	out, err := json.Marshal(struct {
		Summary string            `json:"summary"`
		Keys    map[string]string `json:"keys"`
	}{summary, keys})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (t *memoryTools) searchMemories(ctx context.Context, p *searchMemoriesParams) (string, error) {
	if !t.mem.Enabled() {
		return memoryDisabledReply, nil
	}
	userID, err := t.userID(ctx)
	if err != nil {
		return "", err
	}
	docs, err := t.mem.Search(ctx, userID, p.Query, p.TopK)
	if err != nil {
		return failure("search_user_memories", err)
	}
	hits := make([]memoryHit, 0, len(docs))
	for _, d := range docs {
		hits = append(hits, memoryHit{
			Content:   d.Content,
			Score:     d.Score,
			Category:  d.Metadata.Category,
			Kind:      d.Metadata.Kind,
			CreatedAt: d.CreatedAt,
		})
	}
	out, err := json.Marshal(hits)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (t *memoryTools) deleteConversation(ctx context.Context, p *deleteConversationParams) (string, error) {
	if !t.mem.Enabled() {
		return memoryDisabledReply, nil
	}
	userID, err := t.userID(ctx)
	if err != nil {
		return "", err
	}
	category := p.Category
	switch category {
	case "":
		category = models.CategoryConversation
	case models.CategoryConversation, models.CategoryChat:
	default:
		return "Category must be conversation or chat.", nil
	}
	removed, err := t.mem.DeleteByCategory(ctx, userID, category)
	if err != nil {
		return failure("delete_conversation_memories", err)
	}
	return fmt.Sprintf("Removed %d memories of category %s", removed, category), nil
}
