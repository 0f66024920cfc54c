// Package protocol defines the wire frames exchanged over the hub's
// persistent connections. Every frame is {type, payload}; inbound
// payloads are decoded into the typed struct for their frame type so a
// new message type is a compile-time-checked change.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/dispatch-hub/internal/models"
)

// Inbound frame types.
const (
	TypeDriverGoOnline     = "driver:go_online"
	TypeDriverGoOffline    = "driver:go_offline"
	TypeDriverUpdateLoc    = "driver:update_location"
	TypeDriverAcceptOffer  = "driver:accept_offer"
	TypeDriverRejectOffer  = "driver:reject_offer"
	TypeCustomerSubscribe  = "customer:subscribe_session"
	TypeCustomerCancel     = "customer:cancel_dispatch"
	TypeDriverMarkArrived  = "driver:mark_arrived"
	TypeDriverStartTrip    = "driver:start_trip"
	TypeDriverEndTrip      = "driver:end_trip"
	TypeDriverTripLocation = "driver:trip_location_update"
	TypeChatSendMessage    = "chat:send_message"
	TypeChatMarkRead       = "chat:mark_read"
)

// Outbound frame types.
const (
	TypeError           = "error"
	TypeDriverRideOffer = "driver:ride_offer"
	TypeOfferCancelled  = "dispatch:offer_cancelled"
	TypeDriverAssigned  = "dispatch:driver_assigned"
	TypeOfferSent       = "dispatch:offer_sent"
	TypeNoDriversFound  = "dispatch:no_drivers_found"
	TypeRouteUpdate     = "ride:route_update"
	TypeETAUpdate       = "ride:eta_update"
	TypeDriverArrived   = "ride:driver_arriving"
	TypeTripStarted     = "ride:trip_started"
	TypeTripCompleted   = "ride:trip_completed"
	TypeFareFinalized   = "ride:fare_finalized"
	TypeChatMessageNew  = "chat:message_new"
)

// Error codes carried in error frames, one per taxonomy class.
const (
	CodeBadFrame     = "bad_frame"
	CodeUnknownType  = "unknown_type"
	CodeUnauthorized = "unauthorized"
	CodeCollaborator = "collaborator_unavailable"
)

type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a frame of the given type.
func NewFrame(frameType string, payload any) Frame {
	b, err := json.Marshal(payload)
	if err != nil {
		// payload types are our own structs; a marshal failure is a bug
		panic(fmt.Sprintf("protocol: marshal %s payload: %v", frameType, err))
	}
	return Frame{Type: frameType, Payload: b}
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func ErrorFrame(code, message string) Frame {
	return NewFrame(TypeError, ErrorPayload{Code: code, Message: message})
}

// Confirmed and Failed derive the reply type for an inbound frame.
func Confirmed(inboundType string, payload any) Frame {
	return NewFrame(inboundType+"_confirmed", payload)
}

func Failed(inboundType string, code, message string) Frame {
	return NewFrame(inboundType+"_failed", ErrorPayload{Code: code, Message: message})
}

// --- inbound payloads ---

type GoOnline struct {
	Location models.Coord `json:"location"`
	Rating   float64      `json:"rating,omitempty"`
}

type UpdateLocation struct {
	Location models.Coord `json:"location"`
}

type AcceptOffer struct {
	SessionID string `json:"session_id"`
	OfferID   string `json:"offer_id"`
}

type RejectOffer struct {
	SessionID string `json:"session_id"`
	OfferID   string `json:"offer_id"`
	Reason    string `json:"reason,omitempty"`
}

type SubscribeSession struct {
	SessionID string `json:"session_id"`
}

type CancelDispatch struct {
	SessionID string `json:"session_id"`
}

type TripRef struct {
	TripID string `json:"trip_id"`
}

type TripLocation struct {
	TripID         string       `json:"trip_id"`
	Location       models.Coord `json:"location"`
	SpeedKmh       float64      `json:"speed_kmh,omitempty"`
	HeadingDegrees float64      `json:"heading_degrees,omitempty"`
}

// ChatSend addresses either an existing conversation or the trip the
// conversation belongs to, in which case the relay resolves or creates it.
type ChatSend struct {
	ConversationID string `json:"conversation_id,omitempty"`
	ServiceType    string `json:"service_type,omitempty"`
	TripID         string `json:"trip_id,omitempty"`
	Text           string `json:"text"`
}

type ChatMarkRead struct {
	ConversationID string `json:"conversation_id"`
}

// --- outbound payloads ---

type RideOffer struct {
	OfferID           string       `json:"offer_id"`
	SessionID         string       `json:"session_id"`
	ServiceType       string       `json:"service_type"`
	Pickup            models.Place `json:"pickup_location"`
	Dropoff           models.Place `json:"destination_location"`
	EstimatedFare     float64      `json:"estimated_fare"`
	EstimatedDistance float64      `json:"estimated_distance_km"`
	ExpiresAt         time.Time    `json:"expires_at"`
}

type OfferSent struct {
	SessionID string `json:"session_id"`
	Position  int    `json:"position"` // 1-based offer cycle within the session
}

type DriverAssigned struct {
	SessionID  string       `json:"session_id"`
	TripID     string       `json:"trip_id"`
	DriverID   string       `json:"driver_id"`
	DriverLoc  models.Coord `json:"driver_location"`
	ETASeconds float64      `json:"eta_seconds,omitempty"`
}

type NoDriversFound struct {
	SessionID string `json:"session_id"`
	Attempted int    `json:"attempted"`
}

type OfferCancelled struct {
	SessionID string `json:"session_id"`
	OfferID   string `json:"offer_id"`
}

type RouteUpdate struct {
	TripID   string                `json:"trip_id"`
	Location models.Coord          `json:"location"`
	Sample   models.LocationSample `json:"sample"`
}

type ETAUpdate struct {
	TripID     string  `json:"trip_id"`
	ETASeconds float64 `json:"eta_seconds"`
}

type TripEvent struct {
	TripID     string            `json:"trip_id"`
	Status     models.TripStatus `json:"status"`
	ETASeconds float64           `json:"eta_seconds,omitempty"`
}

type FareFinalized struct {
	TripID     string  `json:"trip_id"`
	FareBefore float64 `json:"fare_before"`
	FareAfter  float64 `json:"fare_after"`
}

type ChatMessageNew struct {
	Message models.ChatMessage `json:"message"`
}

// Decode parses the payload of an inbound frame into dst.
func Decode(f Frame, dst any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("frame %s: missing payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("frame %s: %w", f.Type, err)
	}
	return nil
}
