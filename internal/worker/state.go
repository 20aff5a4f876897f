package worker

import (
	"context"
	"sync"

	"turodesk/internal/models"
)

// AICalling answers chat turns; *ai.Service implements it.
type AICalling interface {
	Chat(ctx context.Context, message *models.Message, prevHistory []*models.Message) (*models.Message, error)
	StreamChat(ctx context.Context, message *models.Message, prevHistory []*models.Message, onToken func(string) error) (*models.Message, error)
	ForgetSession(sessionID string)
}

// AsCalling names sessions; *assistant.TitleGenerator implements it.
type AsCalling interface {
	GenerateTitle(ctx context.Context, messages []*models.Message) (string, error)
}

type resourceKey struct {
	provider string
	model    string
	apiKey   string
}

type sessionResources struct {
	ai AICalling
	as AsCalling
}

// userState caches what a user's sessions need between turns.
type userState struct {
	mu        sync.RWMutex
	ready     map[string]bool
	sessions  map[string]*models.Session
	history   map[string][]*models.Message
	resources map[resourceKey]*sessionResources
}

func newUserState() *userState {
	return &userState{
		ready:     make(map[string]bool),
		sessions:  make(map[string]*models.Session),
		history:   make(map[string][]*models.Message),
		resources: make(map[resourceKey]*sessionResources),
	}
}

func (s *userState) isReady(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready[sessionID]
}

func (s *userState) markReady(sessionID string) {
	s.mu.Lock()
	s.ready[sessionID] = true
	s.mu.Unlock()
}

func (s *userState) setSession(session *models.Session) {
	if session == nil {
		return
	}
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
}

func (s *userState) getSession(sessionID string) *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

func (s *userState) setHistory(sessionID string, history []*models.Message) {
	s.mu.Lock()
	s.history[sessionID] = history
	s.mu.Unlock()
}

func (s *userState) appendHistory(sessionID string, msgs ...*models.Message) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		if msg != nil {
			s.history[sessionID] = append(s.history[sessionID], msg)
		}
	}
	return s.history[sessionID]
}

// getHistory returns a copy, so callers may append freely.
func (s *userState) getHistory(sessionID string) []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.history[sessionID]
	out := make([]*models.Message, len(src))
	copy(out, src)
	return out
}

func (s *userState) purgeCache(sessionID string) {
	s.mu.Lock()
	delete(s.ready, sessionID)
	delete(s.sessions, sessionID)
	delete(s.history, sessionID)
	for _, res := range s.resources {
		if res.ai != nil {
			res.ai.ForgetSession(sessionID)
		}
	}
	s.mu.Unlock()
}

func (s *userState) reset() {
	s.mu.Lock()
	s.ready = make(map[string]bool)
	s.sessions = make(map[string]*models.Session)
	s.history = make(map[string][]*models.Message)
	s.resources = make(map[resourceKey]*sessionResources)
	s.mu.Unlock()
}

func (s *userState) setResources(key resourceKey, res *sessionResources) {
	if res == nil {
		return
	}
	s.mu.Lock()
	s.resources[key] = res
	s.mu.Unlock()
}

func (s *userState) getResources(key resourceKey) *sessionResources {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resources[key]
}
