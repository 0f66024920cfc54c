package httpapi

import (
	"context"
	"errors"

	"github.com/example/dispatch-hub/internal/chat"
	"github.com/example/dispatch-hub/internal/dispatch"
	"github.com/example/dispatch-hub/internal/hub"
	"github.com/example/dispatch-hub/internal/models"
	"github.com/example/dispatch-hub/internal/protocol"
	"github.com/example/dispatch-hub/internal/storage"
	"github.com/example/dispatch-hub/internal/trip"
)

// registerFrameHandlers builds the routing table. Adding an inbound
// type means adding a payload struct in protocol and an entry here.
func (s *Server) registerFrameHandlers() {
	s.router.Handle(protocol.TypeDriverGoOnline, requireRole(models.RoleDriver, s.onGoOnline))
	s.router.Handle(protocol.TypeDriverGoOffline, requireRole(models.RoleDriver, s.onGoOffline))
	s.router.Handle(protocol.TypeDriverUpdateLoc, requireRole(models.RoleDriver, s.onUpdateLocation))
	s.router.Handle(protocol.TypeDriverAcceptOffer, requireRole(models.RoleDriver, s.onAcceptOffer))
	s.router.Handle(protocol.TypeDriverRejectOffer, requireRole(models.RoleDriver, s.onRejectOffer))
	s.router.Handle(protocol.TypeCustomerSubscribe, requireRole(models.RoleCustomer, s.onSubscribeSession))
	s.router.Handle(protocol.TypeCustomerCancel, requireRole(models.RoleCustomer, s.onCancelDispatch))
	s.router.Handle(protocol.TypeDriverMarkArrived, requireRole(models.RoleDriver, s.onMarkArrived))
	s.router.Handle(protocol.TypeDriverStartTrip, requireRole(models.RoleDriver, s.onStartTrip))
	s.router.Handle(protocol.TypeDriverEndTrip, requireRole(models.RoleDriver, s.onEndTrip))
	s.router.Handle(protocol.TypeDriverTripLocation, requireRole(models.RoleDriver, s.onTripLocation))
	s.router.Handle(protocol.TypeChatSendMessage, s.onChatSend)
	s.router.Handle(protocol.TypeChatMarkRead, s.onChatMarkRead)
}

func (s *Server) onGoOnline(ctx context.Context, e *hub.Entry, f protocol.Frame) error {
	var p protocol.GoOnline
	if err := protocol.Decode(f, &p); err != nil {
		return err
	}
	d := models.Driver{ID: e.ActorID, Loc: p.Location, Rating: p.Rating, Online: true}
	s.geo.Upsert(d)
	if s.kafka != nil {
		_ = s.kafka.PublishLocation(d)
	}
	_ = e.Conn.Send(protocol.Confirmed(f.Type, map[string]string{"driver_id": e.ActorID}))
	return nil
}

func (s *Server) onGoOffline(ctx context.Context, e *hub.Entry, f protocol.Frame) error {
	s.geo.Offline(e.ActorID)
	s.engine.DriverDisconnected(e.ActorID)
	_ = e.Conn.Send(protocol.Confirmed(f.Type, map[string]string{"driver_id": e.ActorID}))
	return nil
}

func (s *Server) onUpdateLocation(ctx context.Context, e *hub.Entry, f protocol.Frame) error {
	var p protocol.UpdateLocation
	if err := protocol.Decode(f, &p); err != nil {
		return err
	}
	d := models.Driver{ID: e.ActorID, Loc: p.Location, Online: true}
	s.geo.Upsert(d)
	if s.kafka != nil {
		_ = s.kafka.PublishLocation(d)
	}
	return nil
}

func (s *Server) onAcceptOffer(ctx context.Context, e *hub.Entry, f protocol.Frame) error {
	var p protocol.AcceptOffer
	if err := protocol.Decode(f, &p); err != nil {
		return err
	}
	t, err := s.engine.Accept(ctx, p.SessionID, p.OfferID, e.ActorID)
	switch {
	case errors.Is(err, dispatch.ErrStale):
		// raced a timer or another transition; expected, stay silent
		return nil
	case err != nil:
		_ = e.Conn.Send(protocol.Failed(f.Type, protocol.CodeCollaborator, err.Error()))
		return nil
	}
	_ = e.Conn.Send(protocol.Confirmed(f.Type, t))
	return nil
}

func (s *Server) onRejectOffer(ctx context.Context, e *hub.Entry, f protocol.Frame) error {
	var p protocol.RejectOffer
	if err := protocol.Decode(f, &p); err != nil {
		return err
	}
	err := s.engine.Reject(ctx, p.SessionID, p.OfferID, e.ActorID, p.Reason)
	if err != nil && !errors.Is(err, dispatch.ErrStale) {
		_ = e.Conn.Send(protocol.Failed(f.Type, protocol.CodeCollaborator, err.Error()))
		return nil
	}
	_ = e.Conn.Send(protocol.Confirmed(f.Type, map[string]string{"session_id": p.SessionID}))
	return nil
}

func (s *Server) onSubscribeSession(ctx context.Context, e *hub.Entry, f protocol.Frame) error {
	var p protocol.SubscribeSession
	if err := protocol.Decode(f, &p); err != nil {
		return err
	}
	// a live session's broadcasts are for its requester only; sessions
	// already settled carry no such check (the subscribe may race the
	// terminal transition)
	if live, ok := s.engine.Session(p.SessionID); ok && live.CustomerID != e.ActorID {
		_ = e.Conn.Send(protocol.Failed(f.Type, protocol.CodeUnauthorized, "session belongs to another customer"))
		return nil
	}
	s.rooms.Subscribe(p.SessionID, e.Conn)
	_ = e.Conn.Send(protocol.Confirmed(f.Type, map[string]string{"session_id": p.SessionID}))
	return nil
}

func (s *Server) onCancelDispatch(ctx context.Context, e *hub.Entry, f protocol.Frame) error {
	var p protocol.CancelDispatch
	if err := protocol.Decode(f, &p); err != nil {
		return err
	}
	err := s.engine.Cancel(ctx, p.SessionID, e.ActorID)
	switch {
	case errors.Is(err, dispatch.ErrUnauthorized):
		_ = e.Conn.Send(protocol.Failed(f.Type, protocol.CodeUnauthorized, "session belongs to another customer"))
		return nil
	case err != nil && !errors.Is(err, dispatch.ErrStale):
		_ = e.Conn.Send(protocol.Failed(f.Type, protocol.CodeCollaborator, err.Error()))
		return nil
	}
	// a repeat cancel is confirmed again: idempotent from the caller's view
	_ = e.Conn.Send(protocol.Confirmed(f.Type, map[string]string{"session_id": p.SessionID}))
	return nil
}

func (s *Server) onMarkArrived(ctx context.Context, e *hub.Entry, f protocol.Frame) error {
	var p protocol.TripRef
	if err := protocol.Decode(f, &p); err != nil {
		return err
	}
	t, err := s.trips.MarkArrived(ctx, p.TripID, e.ActorID)
	if err != nil {
		s.sendTripError(e, f.Type, err)
		return nil
	}
	_ = e.Conn.Send(protocol.Confirmed(f.Type, t))
	return nil
}

func (s *Server) onStartTrip(ctx context.Context, e *hub.Entry, f protocol.Frame) error {
	var p protocol.TripRef
	if err := protocol.Decode(f, &p); err != nil {
		return err
	}
	t, err := s.trips.StartTrip(ctx, p.TripID, e.ActorID)
	if err != nil {
		s.sendTripError(e, f.Type, err)
		return nil
	}
	_ = e.Conn.Send(protocol.Confirmed(f.Type, t))
	return nil
}

func (s *Server) onEndTrip(ctx context.Context, e *hub.Entry, f protocol.Frame) error {
	var p protocol.TripRef
	if err := protocol.Decode(f, &p); err != nil {
		return err
	}
	t, err := s.trips.EndTrip(ctx, p.TripID, e.ActorID)
	if err != nil {
		s.sendTripError(e, f.Type, err)
		return nil
	}
	_ = e.Conn.Send(protocol.Confirmed(f.Type, t))
	return nil
}

func (s *Server) onTripLocation(ctx context.Context, e *hub.Entry, f protocol.Frame) error {
	var p protocol.TripLocation
	if err := protocol.Decode(f, &p); err != nil {
		return err
	}
	sample := models.LocationSample{Coord: p.Location, SpeedKmh: p.SpeedKmh, HeadingDegrees: p.HeadingDegrees}
	if err := s.trips.LocationUpdate(ctx, p.TripID, e.ActorID, sample); err != nil {
		s.sendTripError(e, f.Type, err)
	}
	return nil
}

func (s *Server) onChatSend(ctx context.Context, e *hub.Entry, f protocol.Frame) error {
	var p protocol.ChatSend
	if err := protocol.Decode(f, &p); err != nil {
		return err
	}
	ref := chat.ConversationRef{ConversationID: p.ConversationID, ServiceType: p.ServiceType, TripID: p.TripID}
	msg, err := s.chat.Send(ctx, ref, e.Role, e.ActorID, p.Text)
	switch {
	case errors.Is(err, chat.ErrNotParticipant):
		_ = e.Conn.Send(protocol.Failed(f.Type, protocol.CodeUnauthorized, err.Error()))
		return nil
	case errors.Is(err, storage.ErrNotFound):
		_ = e.Conn.Send(protocol.Failed(f.Type, protocol.CodeBadFrame, "conversation or trip not found"))
		return nil
	case errors.Is(err, chat.ErrConversationClosed):
		_ = e.Conn.Send(protocol.Failed(f.Type, protocol.CodeBadFrame, err.Error()))
		return nil
	case err != nil:
		return err
	}
	_ = e.Conn.Send(protocol.Confirmed(f.Type, msg))
	return nil
}

func (s *Server) onChatMarkRead(ctx context.Context, e *hub.Entry, f protocol.Frame) error {
	var p protocol.ChatMarkRead
	if err := protocol.Decode(f, &p); err != nil {
		return err
	}
	err := s.chat.MarkRead(ctx, p.ConversationID, e.ActorID, e.Role)
	switch {
	case errors.Is(err, chat.ErrNotParticipant):
		_ = e.Conn.Send(protocol.Failed(f.Type, protocol.CodeUnauthorized, err.Error()))
		return nil
	case errors.Is(err, storage.ErrNotFound):
		_ = e.Conn.Send(protocol.Failed(f.Type, protocol.CodeBadFrame, "conversation not found"))
		return nil
	case err != nil:
		return err
	}
	_ = e.Conn.Send(protocol.Confirmed(f.Type, map[string]string{"conversation_id": p.ConversationID}))
	return nil
}

// sendTripError maps coordinator failures onto the error taxonomy: the
// caller alone hears about them, nothing is broadcast.
func (s *Server) sendTripError(e *hub.Entry, frameType string, err error) {
	switch {
	case errors.Is(err, trip.ErrNotOwner):
		_ = e.Conn.Send(protocol.Failed(frameType, protocol.CodeUnauthorized, err.Error()))
	case errors.Is(err, trip.ErrInvalidStatus), errors.Is(err, storage.ErrNotFound):
		_ = e.Conn.Send(protocol.Failed(frameType, protocol.CodeBadFrame, err.Error()))
	default:
		_ = e.Conn.Send(protocol.Failed(frameType, protocol.CodeCollaborator, err.Error()))
	}
}
