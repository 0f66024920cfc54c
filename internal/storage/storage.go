// Package storage defines the persistence collaborators the hub writes
// through. The hub owns none of this data; it reads and mutates the
// minimal shape dispatch, trips and chat require.
package storage

import (
	"context"
	"errors"

	"github.com/example/dispatch-hub/internal/models"
)

var ErrNotFound = errors.New("not found")

// TripStore persists durable trip records.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	UpdateTrip(ctx context.Context, t *models.Trip) error
}

// SessionStore archives dispatch sessions; the live copy stays in the
// dispatch engine for its lifetime.
type SessionStore interface {
	SaveSession(ctx context.Context, s *models.DispatchSession) error
	UpdateSession(ctx context.Context, s *models.DispatchSession) error
}

// ChatStore persists conversations and their append-only messages.
type ChatStore interface {
	ConversationByID(ctx context.Context, id string) (*models.Conversation, error)
	ConversationByTrip(ctx context.Context, serviceType, tripID string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, c *models.Conversation) error
	CloseConversation(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, m *models.ChatMessage) error
	// MarkRead flags every message in the conversation not sent by the
	// reader as read.
	MarkRead(ctx context.Context, conversationID, readerID string) error
	UnreadCount(ctx context.Context, conversationID, participantID string) (int, error)
}
