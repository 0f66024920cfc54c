package storage

import (
	"context"
	"sync"

	"github.com/example/dispatch-hub/internal/models"
)

// MemoryStore implements every store interface in memory; used by tests
// and local runs without Postgres.
type MemoryStore struct {
	mu            sync.RWMutex
	trips         map[string]*models.Trip
	sessions      map[string]*models.DispatchSession
	conversations map[string]*models.Conversation
	messages      map[string][]*models.ChatMessage // by conversation id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:         make(map[string]*models.Trip),
		sessions:      make(map[string]*models.DispatchSession),
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.ChatMessage),
	}
}

func (m *MemoryStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateTrip(ctx context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; !ok {
		return ErrNotFound
	}
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) SaveSession(ctx context.Context, s *models.DispatchSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, s *models.DispatchSession) error {
	return m.SaveSession(ctx, s)
}

// GetSession returns the archived copy; not part of SessionStore, the
// engine keeps the live record itself.
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*models.DispatchSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ConversationByID(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ConversationByTrip(ctx context.Context, serviceType, tripID string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conversations {
		if c.ServiceType == serviceType && c.TripID == tripID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.conversations[c.ID] = &cp
	return nil
}

func (m *MemoryStore) CloseConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Closed = true
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	cp := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &cp)
	return nil
}

func (m *MemoryStore) MarkRead(ctx context.Context, conversationID, readerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID != readerID {
			msg.Read = true
		}
	}
	return nil
}

func (m *MemoryStore) UnreadCount(ctx context.Context, conversationID, participantID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID != participantID && !msg.Read {
			n++
		}
	}
	return n, nil
}
