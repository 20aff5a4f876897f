package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"

	"turodesk/internal/config"
	"turodesk/internal/models"
	"turodesk/internal/service/memory"
)

const agentMaxStep = 12

// Options selects the provider and collaborators of a Service.
type Options struct {
	Provider string
	Model    string
	APIKey   string
	Config   *config.Config
	Memory   *memory.Service
}

// Service runs chat turns against one provider/model, keeping per-session
// history so follow-up turns do not reload it.
type Service struct {
	chatModel model.ToolCallingChatModel
	agent     *react.Agent
	tools     []tool.BaseTool
	memory    *memory.Service
	timeZone  string
	country   string
	now       func() time.Time

	mu        sync.RWMutex
	histories map[string][]*models.Message
}

// NewService builds the chat model of opts.Provider and wraps it in a react
// agent with the memory and web search tools.
func NewService(ctx context.Context, opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	provCfg, ok := opts.Config.Providers[opts.Provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", opts.Provider)
	}
	chatModel, err := NewChatModel(ctx, opts.Provider, provCfg, opts.Model, opts.APIKey)
	if err != nil {
		return nil, err
	}
	tz := opts.Config.BasicConfig.TimeZone
	if tz == "" {
		tz = localTimeZone()
	}
	return NewServiceWithModel(ctx, chatModel, InitToolsChain(opts.Memory, opts.Config.BasicConfig.Country), opts.Memory, tz, opts.Config.BasicConfig.Country)
}

// NewServiceWithModel wires an existing chat model. With no tools the model
// is called directly instead of through the agent.
func NewServiceWithModel(ctx context.Context, chatModel model.ToolCallingChatModel, tools []tool.BaseTool, mem *memory.Service, timeZone, country string) (*Service, error) {
	var reactAgent *react.Agent
	if len(tools) > 0 {
		var err error
		reactAgent, err = react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
			MaxStep: agentMaxStep,
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
	}
	return &Service{
		chatModel: chatModel,
		agent:     reactAgent,
		tools:     tools,
		memory:    mem,
		timeZone:  timeZone,
		country:   country,
		now:       time.Now,
		histories: make(map[string][]*models.Message),
	}, nil
}

// Chat answers message in one completion.
func (s *Service) Chat(ctx context.Context, message *models.Message, prevHistory []*models.Message) (*models.Message, error) {
	input, err := s.prepare(ctx, message, prevHistory)
	if err != nil {
		return nil, err
	}
	ctx = WithToolSession(ctx, message.UserID, message.SessionID)

	var out *schema.Message
	if s.agent != nil {
		out, err = s.agent.Generate(ctx, input)
	} else {
		out, err = s.chatModel.Generate(ctx, input)
	}
	if err != nil {
		return nil, fmt.Errorf("generate ai reply failed: %w", err)
	}
	return s.finish(message, out.Content), nil
}

// StreamChat answers message while passing every content delta to onToken.
// An error from onToken aborts the stream.
func (s *Service) StreamChat(ctx context.Context, message *models.Message, prevHistory []*models.Message, onToken func(string) error) (*models.Message, error) {
	input, err := s.prepare(ctx, message, prevHistory)
	if err != nil {
		return nil, err
	}
	ctx = WithToolSession(ctx, message.UserID, message.SessionID)

	var streamReader *schema.StreamReader[*schema.Message]
	if s.agent != nil {
		streamReader, err = s.agent.Stream(ctx, input)
	} else {
		streamReader, err = s.chatModel.Stream(ctx, input)
	}
	if err != nil {
		return nil, fmt.Errorf("generate ai stream failed: %w", err)
	}
	defer streamReader.Close()

	var full strings.Builder
	for {
		chunk, err := streamReader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("receive ai stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if onToken != nil {
			if err := onToken(chunk.Content); err != nil {
				return nil, err
			}
		}
	}
	return s.finish(message, full.String()), nil
}

// ForgetSession drops the cached history of a session.
func (s *Service) ForgetSession(sessionID string) {
	s.mu.Lock()
	delete(s.histories, sessionID)
	s.mu.Unlock()
}

func (s *Service) prepare(ctx context.Context, message *models.Message, prevHistory []*models.Message) ([]*schema.Message, error) {
	if message == nil {
		return nil, errors.New("message cannot be nil")
	}
	if message.SessionID == "" {
		return nil, errors.New("session_id is required")
	}
	if strings.TrimSpace(message.Content) == "" {
		return nil, errors.New("message content cannot be empty")
	}
	// prime cache with db history when provided
	if len(prevHistory) > 0 {
		s.loadHistory(message.SessionID, prevHistory)
	}
	s.appendHistory(message.SessionID, message)

	var memoryBlock string
	if s.memory.Enabled() {
		block, err := s.memory.Retrieve(ctx, message.UserID, message.Content)
		if err != nil {
			log.Printf("[ai] memory retrieval failed for user %s: %v", message.UserID, err)
		}
		memoryBlock = block
	}
	system := schema.SystemMessage(SystemPrompt(s.now(), s.timeZone, s.country, memoryBlock))
	return append([]*schema.Message{system}, s.convertMessages(message.SessionID)...), nil
}

func (s *Service) finish(message *models.Message, content string) *models.Message {
	response := &models.Message{
		UserID:    message.UserID,
		SessionID: message.SessionID,
		Role:      models.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	s.appendHistory(message.SessionID, response)
	return response
}

func (s *Service) convertMessages(sessionID string) []*schema.Message {
	s.mu.RLock()
	history := s.histories[sessionID]
	s.mu.RUnlock()

	messages := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	return messages
}

func (s *Service) loadHistory(sessionID string, history []*models.Message) {
	cloned := make([]*models.Message, 0, len(history))
	for _, msg := range history {
		if msg == nil {
			continue
		}
		copyMsg := *msg
		cloned = append(cloned, &copyMsg)
	}
	s.mu.Lock()
	s.histories[sessionID] = cloned
	s.mu.Unlock()
}

func (s *Service) appendHistory(sessionID string, msg *models.Message) {
	if msg == nil {
		return
	}
	msgCopy := *msg
	s.mu.Lock()
	s.histories[sessionID] = append(s.histories[sessionID], &msgCopy)
	s.mu.Unlock()
}
