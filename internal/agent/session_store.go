package agent

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/llm"
)

// SessionStore persists conversation transcripts.
type SessionStore interface {
	// GetOrCreate finds the session for a conversation or creates one.
	GetOrCreate(key domain.ConversationKey) *domain.Session

	// Get returns a session by ID, or nil if not found.
	Get(id string) *domain.Session

	// Append adds messages to a session in order.
	Append(sessionID string, msgs ...domain.Message)

	// History returns the message history for a session as engine messages.
	History(sessionID string) []llm.Message

	// List returns all session IDs.
	List() []string
}

// MemorySessionStore is an in-memory SessionStore implementation.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session       // id → session
	byConv   map[domain.ConversationID]string // conversation → session id
}

// NewMemorySessionStore creates an in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*domain.Session),
		byConv:   make(map[domain.ConversationID]string),
	}
}

func (s *MemorySessionStore) GetOrCreate(key domain.ConversationKey) *domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := key.ID()
	if id, ok := s.byConv[conv]; ok {
		if sess, ok := s.sessions[id]; ok {
			return sess
		}
	}

	now := time.Now()
	sess := &domain.Session{
		ID:           uuid.New().String(),
		Conversation: conv,
		Key:          key,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.sessions[sess.ID] = sess
	s.byConv[conv] = sess.ID
	return sess
}

func (s *MemorySessionStore) Get(id string) *domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

func (s *MemorySessionStore) Append(sessionID string, msgs ...domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.Messages = append(sess.Messages, msgs...)
		sess.UpdatedAt = time.Now()
	}
}

func (s *MemorySessionStore) History(sessionID string) []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	msgs := make([]llm.Message, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return msgs
}

func (s *MemorySessionStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
