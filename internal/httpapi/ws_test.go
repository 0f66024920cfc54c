package httpapi

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/dispatch-hub/internal/auth"
	"github.com/example/dispatch-hub/internal/models"
	"github.com/example/dispatch-hub/internal/protocol"
)

// tokenVerifier maps fixed tokens to identities so websocket tests can
// dial the real /ws endpoint without minting JWTs.
type tokenVerifier struct{}

func (tokenVerifier) Verify(token string) (auth.Identity, error) {
	switch token {
	case "customer-token":
		return auth.Identity{ActorID: "cust-1", Role: models.RoleCustomer}, nil
	case "driver-token":
		return auth.Identity{ActorID: "d1", Role: models.RoleDriver, Verified: true}, nil
	}
	return auth.Identity{}, auth.ErrInvalidToken
}

func dialWS(t *testing.T, fx *serverFixture, token string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(fx.srv)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestMalformedFrameAnsweredWithoutClosing(t *testing.T) {
	fx := newServerFixture(t)
	conn := dialWS(t, fx, "customer-token")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	f := readFrame(t, conn)
	if f.Type != protocol.TypeError {
		t.Fatalf("frame type = %q, want %q", f.Type, protocol.TypeError)
	}
	var p protocol.ErrorPayload
	if err := protocol.Decode(f, &p); err != nil {
		t.Fatal(err)
	}
	if p.Code != protocol.CodeBadFrame {
		t.Fatalf("error code = %q, want %q", p.Code, protocol.CodeBadFrame)
	}

	// the connection survives: a well-formed frame still gets handled
	if err := conn.WriteJSON(protocol.NewFrame(protocol.TypeCustomerSubscribe, protocol.SubscribeSession{
		SessionID: "sess-after-garbage",
	})); err != nil {
		t.Fatalf("write after garbage: %v", err)
	}
	f = readFrame(t, conn)
	if f.Type != protocol.TypeCustomerSubscribe+"_confirmed" {
		t.Fatalf("frame type = %q, want subscribe confirmed", f.Type)
	}
}

func TestWSRejectsBadToken(t *testing.T) {
	fx := newServerFixture(t)
	ts := httptest.NewServer(fx.srv)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=forged"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	f := readFrame(t, conn)
	if f.Type != protocol.TypeError {
		t.Fatalf("frame type = %q, want %q", f.Type, protocol.TypeError)
	}
	var p protocol.ErrorPayload
	if err := protocol.Decode(f, &p); err != nil {
		t.Fatal(err)
	}
	if p.Code != protocol.CodeUnauthorized {
		t.Fatalf("error code = %q, want %q", p.Code, protocol.CodeUnauthorized)
	}
}
