package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/example/dispatch-hub/internal/hub"
	"github.com/example/dispatch-hub/internal/logging"
	"github.com/example/dispatch-hub/internal/models"
	"github.com/example/dispatch-hub/internal/protocol"
	"github.com/example/dispatch-hub/internal/storage"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (c *fakeConn) Send(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}
func (c *fakeConn) Ping() error      { return nil }
func (c *fakeConn) Close() error     { return nil }
func (c *fakeConn) Alive() bool      { return true }
func (c *fakeConn) MarkUnconfirmed() {}

func (c *fakeConn) count(frameType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if f.Type == frameType {
			n++
		}
	}
	return n
}

type relayFixture struct {
	relay    *Relay
	store    *storage.MemoryStore
	conns    *hub.ConnectionRegistry
	customer *fakeConn
	driver   *fakeConn
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	fx := &relayFixture{
		store:    storage.NewMemoryStore(),
		conns:    hub.NewConnectionRegistry(),
		customer: &fakeConn{},
		driver:   &fakeConn{},
	}
	fx.relay = NewRelay(fx.store, fx.store, fx.conns, logging.Discard())
	fx.conns.Register("cust-1", models.RoleCustomer, fx.customer)
	fx.conns.Register("d1", models.RoleDriver, fx.driver)

	if err := fx.store.CreateTrip(context.Background(), &models.Trip{
		ID:          "trip-1",
		CustomerID:  "cust-1",
		DriverID:    "d1",
		ServiceType: "ride",
		Status:      models.TripInProgress,
	}); err != nil {
		t.Fatal(err)
	}
	return fx
}

func tripRef() ConversationRef {
	return ConversationRef{ServiceType: "ride", TripID: "trip-1"}
}

func TestSendCreatesConversationLazily(t *testing.T) {
	fx := newRelayFixture(t)

	msg, err := fx.relay.Send(context.Background(), tripRef(), models.RoleCustomer, "cust-1", "on my way down")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	conv, err := fx.store.ConversationByTrip(context.Background(), "ride", "trip-1")
	if err != nil {
		t.Fatalf("conversation not created: %v", err)
	}
	if conv.CustomerID != "cust-1" || conv.DriverID != "d1" {
		t.Fatalf("participants = %s/%s", conv.CustomerID, conv.DriverID)
	}
	if msg.ConversationID != conv.ID {
		t.Fatal("message attached to a different conversation")
	}

	// second message reuses the same conversation
	if _, err := fx.relay.Send(context.Background(), tripRef(), models.RoleDriver, "d1", "two minutes"); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	again, _ := fx.store.ConversationByTrip(context.Background(), "ride", "trip-1")
	if again.ID != conv.ID {
		t.Fatal("second message created a duplicate conversation")
	}
}

func TestSendDeliversToOtherParticipantOnly(t *testing.T) {
	fx := newRelayFixture(t)

	if _, err := fx.relay.Send(context.Background(), tripRef(), models.RoleCustomer, "cust-1", "hello"); err != nil {
		t.Fatal(err)
	}
	if fx.driver.count(protocol.TypeChatMessageNew) != 1 {
		t.Fatal("driver did not receive the message")
	}
	if fx.customer.count(protocol.TypeChatMessageNew) != 0 {
		t.Fatal("message echoed back to the sender")
	}
}

func TestSendStoresWhenRecipientOffline(t *testing.T) {
	fx := newRelayFixture(t)
	fx.conns.Unregister("d1", fx.driver)

	msg, err := fx.relay.Send(context.Background(), tripRef(), models.RoleCustomer, "cust-1", "are you close?")
	if err != nil {
		t.Fatalf("Send to offline participant: %v", err)
	}
	n, err := fx.store.UnreadCount(context.Background(), msg.ConversationID, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("unread for offline driver = %d, want 1", n)
	}
}

func TestSendRejectsOutsiders(t *testing.T) {
	fx := newRelayFixture(t)

	_, err := fx.relay.Send(context.Background(), tripRef(), models.RoleCustomer, "stranger", "let me in")
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("err = %v, want ErrNotParticipant", err)
	}
	if fx.driver.count(protocol.TypeChatMessageNew) != 0 {
		t.Fatal("outsider message delivered")
	}
}

func TestSendRejectsEmptyBody(t *testing.T) {
	fx := newRelayFixture(t)
	if _, err := fx.relay.Send(context.Background(), tripRef(), models.RoleCustomer, "cust-1", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestSendRequiresRef(t *testing.T) {
	fx := newRelayFixture(t)
	_, err := fx.relay.Send(context.Background(), ConversationRef{}, models.RoleCustomer, "cust-1", "hi")
	if !errors.Is(err, ErrConversationRef) {
		t.Fatalf("err = %v, want ErrConversationRef", err)
	}
}

func TestMarkReadAffectsOnlyReader(t *testing.T) {
	fx := newRelayFixture(t)
	ctx := context.Background()

	// one message each way
	msg, err := fx.relay.Send(ctx, tripRef(), models.RoleCustomer, "cust-1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fx.relay.Send(ctx, tripRef(), models.RoleDriver, "d1", "hi"); err != nil {
		t.Fatal(err)
	}
	convID := msg.ConversationID

	if err := fx.relay.MarkRead(ctx, convID, "d1", models.RoleDriver); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	driverUnread, _ := fx.store.UnreadCount(ctx, convID, "d1")
	if driverUnread != 0 {
		t.Fatalf("driver unread = %d after mark_read, want 0", driverUnread)
	}
	customerUnread, _ := fx.store.UnreadCount(ctx, convID, "cust-1")
	if customerUnread != 1 {
		t.Fatalf("customer unread = %d, want 1 untouched", customerUnread)
	}
}

func TestMarkReadRejectsOutsiders(t *testing.T) {
	fx := newRelayFixture(t)
	msg, err := fx.relay.Send(context.Background(), tripRef(), models.RoleCustomer, "cust-1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.relay.MarkRead(context.Background(), msg.ConversationID, "stranger", models.RoleCustomer); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("err = %v, want ErrNotParticipant", err)
	}
}

func TestCloseForTrip(t *testing.T) {
	fx := newRelayFixture(t)
	ctx := context.Background()

	if _, err := fx.relay.Send(ctx, tripRef(), models.RoleCustomer, "cust-1", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := fx.relay.CloseForTrip(ctx, "ride", "trip-1"); err != nil {
		t.Fatalf("CloseForTrip: %v", err)
	}
	conv, err := fx.store.ConversationByTrip(ctx, "ride", "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	if !conv.Closed {
		t.Fatal("conversation not closed")
	}

	// closing a trip that never chatted reports not found
	if err := fx.relay.CloseForTrip(ctx, "ride", "trip-without-chat"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSendRejectsClosedConversation(t *testing.T) {
	fx := newRelayFixture(t)
	ctx := context.Background()

	msg, err := fx.relay.Send(ctx, tripRef(), models.RoleCustomer, "cust-1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.relay.CloseForTrip(ctx, "ride", "trip-1"); err != nil {
		t.Fatalf("CloseForTrip: %v", err)
	}

	if _, err := fx.relay.Send(ctx, tripRef(), models.RoleDriver, "d1", "too late"); !errors.Is(err, ErrConversationClosed) {
		t.Fatalf("err = %v, want ErrConversationClosed", err)
	}
	if fx.customer.count(protocol.TypeChatMessageNew) != 0 {
		t.Fatal("message delivered on a closed conversation")
	}
	n, err := fx.store.UnreadCount(ctx, msg.ConversationID, "cust-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("unread = %d, rejected message was stored", n)
	}
}
