package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/example/dispatch-hub/internal/hub"
	"github.com/example/dispatch-hub/internal/models"
	"github.com/example/dispatch-hub/internal/observability"
	"github.com/example/dispatch-hub/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS upgrades the connection, verifies the bearer token passed as
// a query parameter and runs the read loop. Invalid tokens get an error
// frame before the close so clients can distinguish auth failure from a
// network drop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ident, err := s.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		_ = conn.WriteJSON(protocol.ErrorFrame(protocol.CodeUnauthorized, "invalid or missing token"))
		_ = conn.Close()
		return
	}

	c := hub.NewWSConn(conn)
	s.conns.Register(ident.ActorID, ident.Role, c)
	observability.ConnectionsActive.WithLabelValues(string(ident.Role)).Inc()
	s.logger.Info("actor connected", "actor_id", ident.ActorID, "role", ident.Role)

	entry := &hub.Entry{ActorID: ident.ActorID, Role: ident.Role, Conn: c}
	defer func() {
		_ = c.Close()
		s.cleanupEntry(entry)
		observability.ConnectionsActive.WithLabelValues(string(ident.Role)).Dec()
		s.logger.Info("actor disconnected", "actor_id", ident.ActorID, "role", ident.Role)
	}()

	// one read loop per connection: frames from the same actor are
	// handled strictly in order
	for {
		f, err := c.ReadFrame()
		if errors.Is(err, hub.ErrMalformedFrame) {
			// garbage input is answered, never punished with a close
			_ = c.Send(protocol.ErrorFrame(protocol.CodeBadFrame, "malformed frame"))
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("read loop ended", "actor_id", ident.ActorID, "error", err)
			}
			return
		}
		s.router.Dispatch(r.Context(), entry, f)
	}
}

// requireRole guards a handler against the wrong actor kind.
func requireRole(role models.Role, h hub.HandlerFunc) hub.HandlerFunc {
	return func(ctx context.Context, e *hub.Entry, f protocol.Frame) error {
		if e.Role != role {
			_ = e.Conn.Send(protocol.Failed(f.Type, protocol.CodeUnauthorized, "not permitted for role "+string(e.Role)))
			return nil
		}
		return h(ctx, e, f)
	}
}
