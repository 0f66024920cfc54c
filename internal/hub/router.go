package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/dispatch-hub/internal/observability"
	"github.com/example/dispatch-hub/internal/protocol"
)

// HandlerFunc processes one inbound frame from an authenticated actor.
// Replies and broadcasts go out through the registries; the returned
// error becomes an error frame to the sender only.
type HandlerFunc func(ctx context.Context, e *Entry, f protocol.Frame) error

// Router is a pure routing table from frame type to handler. Unknown
// types produce an explicit error reply, never a silent drop.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

func (r *Router) Handle(frameType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[frameType]; dup {
		panic(fmt.Sprintf("hub: duplicate handler for %s", frameType))
	}
	r.handlers[frameType] = h
}

// Dispatch routes one frame. Handler errors are surfaced to the sender
// as error frames; malformed or adversarial input never tears down the
// connection.
func (r *Router) Dispatch(ctx context.Context, e *Entry, f protocol.Frame) {
	observability.FramesInbound.WithLabelValues(f.Type).Inc()

	r.mu.RLock()
	h, ok := r.handlers[f.Type]
	r.mu.RUnlock()
	if !ok {
		_ = e.Conn.Send(protocol.ErrorFrame(protocol.CodeUnknownType, "unknown message type: "+f.Type))
		return
	}
	if err := h(ctx, e, f); err != nil {
		_ = e.Conn.Send(protocol.Failed(f.Type, protocol.CodeBadFrame, err.Error()))
	}
}
