package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"turodesk/internal/config"
	"turodesk/internal/models"
	"turodesk/internal/redis"
	"turodesk/internal/service/ai"
	"turodesk/internal/service/assistant"
	"turodesk/internal/service/memory"
)

const queueLen = 64

// SessionStore is the persistence the manager needs; *assistant.Service
// implements it.
type SessionStore interface {
	CreateSession(ctx context.Context, userID, title string) (*models.Session, error)
	GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error)
	GetMessages(ctx context.Context, userID, sessionID string) ([]*models.Message, error)
	RenameSession(ctx context.Context, userID, sessionID, title string) (*models.Session, error)
	AppendExchange(ctx context.Context, userID, sessionID string, msgs ...*models.Message) ([]*models.Message, error)
	EnsureAIReady(ctx context.Context, userID, provider, fallback string) (string, error)
}

type SessionRequest struct {
	Context   context.Context
	UserID    string
	SessionID string
	Title     string
	Provider  string
	Model     string
	Message   *models.Message
}

type StreamRequest struct {
	SessionRequest
	// ChunkFn receives content deltas; nil asks for a single reply.
	ChunkFn func(string) error
}

type workerReturn struct {
	session   *models.Session
	userMsg   *models.Message
	aiMessage *models.Message
	title     string
	err       error
}

type sessionTask struct {
	req      SessionRequest
	resultCh chan workerReturn
}

type streamTask struct {
	req      StreamRequest
	resultCh chan workerReturn
}

// aiFactory and titleFactory build the per-user chat resources. Tests swap
// them for fakes.
var aiFactory = func(ctx context.Context, m *Manager, key resourceKey) (AICalling, error) {
	return ai.NewService(ctx, ai.Options{
		Provider: key.provider,
		Model:    key.model,
		APIKey:   key.apiKey,
		Config:   m.cfg,
		Memory:   m.memory,
	})
}

var titleFactory = func(ctx context.Context, m *Manager, key resourceKey) (AsCalling, error) {
	chatModel, err := ai.NewChatModel(ctx, key.provider, m.cfg.Providers[key.provider], key.model, key.apiKey)
	if err != nil {
		return nil, err
	}
	return assistant.NewTitleGenerator(chatModel), nil
}

// Manager runs chat turns on the worker pool, one at a time per session,
// and keeps per-user caches of history and chat resources.
type Manager struct {
	sessions   SessionStore
	memory     *memory.Service
	cfg        *config.Config
	dispatcher *Dispatcher
	cache      *stateRedis

	mu    sync.Mutex
	state map[string]*userState
}

// NewManager starts the dispatcher. cfg may be nil in tests; cacheClient may
// be nil when redis is not configured.
func NewManager(sessions SessionStore, mem *memory.Service, cfg *config.Config, dcfg DispatcherConfig, cacheClient *redis.Client) *Manager {
	if cfg == nil {
		cfg = &config.Config{}
	}
	m := &Manager{
		sessions: sessions,
		memory:   mem,
		cfg:      cfg,
		cache:    newStateCache(cacheClient),
		state:    make(map[string]*userState),
	}
	m.dispatcher = NewDispatcher(dcfg, m)
	m.cache.startListener(m.applyInvalidation)
	return m
}

// InitSession creates a session when req.SessionID is empty, otherwise
// loads an existing one and warms its history cache.
func (m *Manager) InitSession(req SessionRequest) (*models.Session, error) {
	if req.UserID == "" {
		return nil, errors.New("user id is required")
	}
	key := req.SessionID
	if key == "" {
		key = "new:" + req.UserID
	}
	resultCh := make(chan workerReturn, 1)
	if err := m.dispatcher.Submit(Job{Type: Init, key: key, initTask: &sessionTask{req: req, resultCh: resultCh}}); err != nil {
		return nil, err
	}
	ret, err := wait(req.Context, resultCh)
	if err != nil {
		return nil, err
	}
	return ret.session, ret.err
}

// Stream runs one chat turn and returns the stored assistant message and
// the title generated for the session, if any.
func (m *Manager) Stream(req StreamRequest) (*models.Message, string, error) {
	if req.UserID == "" || req.SessionID == "" {
		return nil, "", errors.New("user id and session id are required")
	}
	if req.Message == nil || strings.TrimSpace(req.Message.Content) == "" {
		return nil, "", errors.New("message content cannot be empty")
	}
	resultCh := make(chan workerReturn, 1)
	if err := m.dispatcher.Submit(Job{Type: Chat, key: req.SessionID, chatTask: &streamTask{req: req, resultCh: resultCh}}); err != nil {
		return nil, "", err
	}
	ret, err := wait(req.Context, resultCh)
	if err != nil {
		return nil, "", err
	}
	return ret.aiMessage, ret.title, ret.err
}

func wait(ctx context.Context, resultCh chan workerReturn) (workerReturn, error) {
	if ctx == nil {
		return <-resultCh, nil
	}
	select {
	case ret := <-resultCh:
		return ret, nil
	case <-ctx.Done():
		return workerReturn{}, ctx.Err()
	}
}

// Close stops accepting turns and shuts the worker pool down. Turns already
// running finish.
func (m *Manager) Close() {
	m.dispatcher.Close()
	m.cache.stopListener()
}

// Purge drops everything cached for a session and its queued turns.
func (m *Manager) Purge(userID, sessionID string) {
	m.dispatcher.CancelSession(sessionID)
	if state := m.peekState(userID); state != nil {
		state.purgeCache(sessionID)
	}
	m.cache.invalidateSession(sessionID)
	m.cache.publishInvalidation(invalidateMessage{UserID: userID, SessionID: sessionID, Scope: scopeSession})
}

// ResetUser forgets every cache of the user, e.g. on logout or after a
// provider key change.
func (m *Manager) ResetUser(userID string) {
	m.dropUser(userID)
	m.cache.publishInvalidation(invalidateMessage{UserID: userID, Scope: scopeUser})
}

func (m *Manager) dropUser(userID string) {
	m.mu.Lock()
	state, ok := m.state[userID]
	delete(m.state, userID)
	m.mu.Unlock()
	if ok {
		state.reset()
	}
}

func (m *Manager) applyInvalidation(msg invalidateMessage) {
	debugLog("[worker] invalidation %s user=%s session=%s", msg.Scope, msg.UserID, msg.SessionID)
	switch msg.Scope {
	case scopeUser:
		m.dropUser(msg.UserID)
	case scopeSession:
		if state := m.peekState(msg.UserID); state != nil {
			state.purgeCache(msg.SessionID)
		}
	}
}

func (m *Manager) getState(userID string) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.state[userID]
	if !ok {
		state = newUserState()
		m.state[userID] = state
	}
	return state
}

func (m *Manager) peekState(userID string) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[userID]
}

func (m *Manager) handleInit(task *sessionTask) {
	req := task.req
	ctx := contextOf(req.Context)
	state := m.getState(req.UserID)

	if req.SessionID == "" {
		se, err := m.sessions.CreateSession(ctx, req.UserID, req.Title)
		if err != nil {
			task.resultCh <- workerReturn{err: err}
			return
		}
		state.setSession(se)
		state.setHistory(se.ID, []*models.Message{})
		state.markReady(se.ID)
		task.resultCh <- workerReturn{session: se}
		return
	}

	se, _, err := m.loadSession(ctx, state, req.UserID, req.SessionID)
	task.resultCh <- workerReturn{session: se, err: err}
}

// loadSession returns the session and its history from the user cache,
// redis, or the database, in that order.
func (m *Manager) loadSession(ctx context.Context, state *userState, userID, sessionID string) (*models.Session, []*models.Message, error) {
	se := state.getSession(sessionID)
	if se == nil {
		var err error
		se, err = m.sessions.GetSession(ctx, userID, sessionID)
		if err != nil {
			return nil, nil, err
		}
		state.setSession(se)
	}
	if state.isReady(sessionID) {
		return se, state.getHistory(sessionID), nil
	}

	history, ok := m.cache.loadHistory(userID, sessionID)
	if !ok {
		var err error
		history, err = m.sessions.GetMessages(ctx, userID, sessionID)
		if err != nil {
			return nil, nil, err
		}
		m.cache.cacheHistory(userID, sessionID, history)
	}
	state.setHistory(sessionID, history)
	state.markReady(sessionID)
	return se, state.getHistory(sessionID), nil
}

func (m *Manager) handleChat(task *streamTask) {
	ret := m.runChat(task.req)
	task.resultCh <- ret
}

func (m *Manager) runChat(req StreamRequest) workerReturn {
	ctx := contextOf(req.Context)
	state := m.getState(req.UserID)

	se, history, err := m.loadSession(ctx, state, req.UserID, req.SessionID)
	if err != nil {
		return workerReturn{err: err}
	}
	res, err := m.ensureResources(ctx, state, req.SessionRequest)
	if err != nil {
		return workerReturn{err: err}
	}

	userMsg := &models.Message{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Role:      models.RoleUser,
		Content:   strings.TrimSpace(req.Message.Content),
		CreatedAt: time.Now().UTC(),
	}
	var reply *models.Message
	if req.ChunkFn != nil {
		reply, err = res.ai.StreamChat(ctx, userMsg, history, req.ChunkFn)
	} else {
		reply, err = res.ai.Chat(ctx, userMsg, history)
	}
	if err != nil {
		// the ai cache already holds the failed turn
		res.ai.ForgetSession(req.SessionID)
		return workerReturn{err: err}
	}

	stored, err := m.sessions.AppendExchange(ctx, req.UserID, req.SessionID, userMsg, reply)
	if err != nil {
		res.ai.ForgetSession(req.SessionID)
		return workerReturn{err: fmt.Errorf("save exchange: %w", err)}
	}
	if len(stored) == 2 {
		userMsg, reply = stored[0], stored[1]
	}
	updated := state.appendHistory(req.SessionID, userMsg, reply)
	m.cache.cacheHistory(req.UserID, req.SessionID, updated)

	var title string
	if len(history) == 0 && res.as != nil {
		// the user may have renamed the session since it was cached
		if fresh, err := m.sessions.GetSession(ctx, req.UserID, req.SessionID); err == nil {
			se = fresh
			state.setSession(fresh)
		}
		if se.Title == models.DefaultSessionTitle {
			title = m.nameSession(ctx, state, res.as, se, userMsg, reply)
		}
	}

	if m.memory.Enabled() {
		if err := m.memory.RecordExchange(ctx, req.UserID, req.SessionID, userMsg.Content, reply.Content); err != nil {
			log.Printf("[worker] record exchange for session %s failed: %v", req.SessionID, err)
		}
	}
	return workerReturn{userMsg: userMsg, aiMessage: reply, title: title}
}

// nameSession titles a session after its first exchange. Failures keep the
// default title.
func (m *Manager) nameSession(ctx context.Context, state *userState, as AsCalling, se *models.Session, msgs ...*models.Message) string {
	title, err := as.GenerateTitle(ctx, msgs)
	if err != nil {
		log.Printf("[worker] generate title for session %s failed: %v", se.ID, err)
		return ""
	}
	if title == "" || title == models.DefaultSessionTitle {
		return ""
	}
	renamed, err := m.sessions.RenameSession(ctx, se.UserID, se.ID, title)
	if err != nil {
		log.Printf("[worker] rename session %s failed: %v", se.ID, err)
		return ""
	}
	state.setSession(renamed)
	return renamed.Title
}

// ensureResources returns the chat resources for the requested provider and
// model, building them on first use or when the user's key changed.
func (m *Manager) ensureResources(ctx context.Context, state *userState, req SessionRequest) (*sessionResources, error) {
	provider := req.Provider
	if provider == "" {
		provider = m.cfg.BasicConfig.DefaultProvider
	}
	if provider == "" {
		provider = config.DefaultProvider
	}
	provCfg := m.cfg.Providers[provider]
	modelName := req.Model
	if modelName == "" {
		modelName = provCfg.Model
	}
	apiKey, err := m.sessions.EnsureAIReady(ctx, req.UserID, provider, provCfg.APIKey)
	if err != nil {
		return nil, err
	}

	key := resourceKey{provider: provider, model: modelName, apiKey: apiKey}
	if res := state.getResources(key); res != nil {
		return res, nil
	}
	aiSvc, err := aiFactory(ctx, m, key)
	if err != nil {
		return nil, err
	}
	asSvc, err := titleFactory(ctx, m, key)
	if err != nil {
		log.Printf("[worker] title generator for %s unavailable: %v", provider, err)
		asSvc = nil
	}
	res := &sessionResources{ai: aiSvc, as: asSvc}
	state.setResources(key, res)
	debugLog("[worker] resources ready for user %s: %s/%s", req.UserID, provider, modelName)
	return res, nil
}

func contextOf(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
