// Package chat relays in-trip messages between a trip's participants.
// Delivery is live-push best effort; persistence is the durability
// fallback, there is no redelivery.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/dispatch-hub/internal/hub"
	"github.com/example/dispatch-hub/internal/models"
	"github.com/example/dispatch-hub/internal/protocol"
	"github.com/example/dispatch-hub/internal/storage"
)

var (
	ErrEmptyMessage       = errors.New("empty message body")
	ErrNotParticipant     = errors.New("actor is not a conversation participant")
	ErrConversationRef    = errors.New("conversation id or trip reference required")
	ErrConversationClosed = errors.New("conversation is closed")
)

// ConversationRef addresses either an existing conversation or the
// (service type, trip) pair the conversation belongs to.
type ConversationRef struct {
	ConversationID string
	ServiceType    string
	TripID         string
}

type Relay struct {
	store storage.ChatStore
	trips storage.TripStore
	conns *hub.ConnectionRegistry
	log   *slog.Logger
}

func NewRelay(store storage.ChatStore, trips storage.TripStore, conns *hub.ConnectionRegistry, log *slog.Logger) *Relay {
	return &Relay{store: store, trips: trips, conns: conns, log: log}
}

// Send persists the message and pushes it to every participant other
// than the sender that currently has a live connection. The
// conversation is created lazily from the trip's participants on the
// first message.
func (r *Relay) Send(ctx context.Context, ref ConversationRef, senderRole models.Role, senderID, text string) (*models.ChatMessage, error) {
	if text == "" {
		return nil, ErrEmptyMessage
	}

	conv, err := r.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if senderID != conv.CustomerID && senderID != conv.DriverID {
		return nil, ErrNotParticipant
	}
	if conv.Closed {
		return nil, ErrConversationClosed
	}

	msg := &models.ChatMessage{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		SenderRole:     senderRole,
		Body:           text,
		SentAt:         time.Now(),
	}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	frame := protocol.NewFrame(protocol.TypeChatMessageNew, protocol.ChatMessageNew{Message: *msg})
	for _, participant := range []string{conv.CustomerID, conv.DriverID} {
		if participant == senderID {
			continue
		}
		if !r.conns.Push(participant, frame) {
			r.log.Debug("participant unreachable, stored only", "conversation_id", conv.ID, "actor_id", participant)
		}
	}
	return msg, nil
}

// MarkRead flags the other participant's messages as read for the reader.
func (r *Relay) MarkRead(ctx context.Context, conversationID, readerID string, readerRole models.Role) error {
	conv, err := r.store.ConversationByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if readerID != conv.CustomerID && readerID != conv.DriverID {
		return ErrNotParticipant
	}
	return r.store.MarkRead(ctx, conversationID, readerID)
}

// CloseForTrip closes the trip's conversation if one exists; wired into
// trip completion.
func (r *Relay) CloseForTrip(ctx context.Context, serviceType, tripID string) error {
	conv, err := r.store.ConversationByTrip(ctx, serviceType, tripID)
	if err != nil {
		return err
	}
	return r.store.CloseConversation(ctx, conv.ID)
}

func (r *Relay) resolve(ctx context.Context, ref ConversationRef) (*models.Conversation, error) {
	if ref.ConversationID != "" {
		return r.store.ConversationByID(ctx, ref.ConversationID)
	}
	if ref.ServiceType == "" || ref.TripID == "" {
		return nil, ErrConversationRef
	}

	conv, err := r.store.ConversationByTrip(ctx, ref.ServiceType, ref.TripID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	// first message: look up the trip's participants and create lazily
	t, err := r.trips.GetTrip(ctx, ref.TripID)
	if err != nil {
		return nil, err
	}
	conv = &models.Conversation{
		ID:          uuid.NewString(),
		ServiceType: ref.ServiceType,
		TripID:      t.ID,
		CustomerID:  t.CustomerID,
		DriverID:    t.DriverID,
		CreatedAt:   time.Now(),
	}
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}
