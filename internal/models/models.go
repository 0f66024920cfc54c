package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Place is a coordinate plus the human-readable address shown to actors.
type Place struct {
	Coord   Coord  `json:"coord"`
	Address string `json:"address"`
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
)

type Driver struct {
	ID      string    `json:"id"`
	Loc     Coord     `json:"loc"`
	Rating  float64   `json:"rating"` // 0..5
	Online  bool      `json:"online"`
	Updated time.Time `json:"updated"`
}

// RideRequest is the shape a trip request enters dispatch with.
type RideRequest struct {
	CustomerID  string `json:"customer_id"`
	ServiceType string `json:"service_type"` // ride, food, parcel
	Pickup      Place  `json:"pickup"`
	Dropoff     Place  `json:"dropoff"`
}

type SessionStatus string

const (
	SessionPending       SessionStatus = "pending"
	SessionOffering      SessionStatus = "offering"
	SessionAccepted      SessionStatus = "accepted"
	SessionNoDriverFound SessionStatus = "no_driver_found"
	SessionCancelled     SessionStatus = "cancelled"
)

func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionAccepted, SessionNoDriverFound, SessionCancelled:
		return true
	}
	return false
}

// Offer is a time-bounded proposal of a trip to one specific driver.
// It exists only while outstanding.
type Offer struct {
	ID        string    `json:"id"`
	DriverID  string    `json:"driver_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DispatchSession is one outstanding request-to-driver matching process.
// At most one non-expired offer is outstanding at any time; a driver id
// appears in Rejected/Expired at most once.
type DispatchSession struct {
	ID             string              `json:"id"`
	CustomerID     string              `json:"customer_id"`
	ServiceType    string              `json:"service_type"`
	Pickup         Place               `json:"pickup"`
	Dropoff        Place               `json:"dropoff"`
	Candidates     []string            `json:"candidates"`
	Rejected       map[string]struct{} `json:"-"`
	Expired        map[string]struct{} `json:"-"`
	CurrentOffer   *Offer              `json:"current_offer,omitempty"`
	Status         SessionStatus       `json:"status"`
	AssignedDriver string              `json:"assigned_driver,omitempty"`
	EstimatedFare  float64             `json:"estimated_fare"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

type TripStatus string

const (
	TripMatched        TripStatus = "matched"
	TripDriverArriving TripStatus = "driver_arriving"
	TripInProgress     TripStatus = "in_progress"
	TripCompleted      TripStatus = "completed"
	TripCancelled      TripStatus = "cancelled"
)

func (s TripStatus) Terminal() bool { return s == TripCompleted || s == TripCancelled }

type Trip struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	CustomerID    string     `json:"customer_id"`
	DriverID      string     `json:"driver_id"`
	ServiceType   string     `json:"service_type"`
	Status        TripStatus `json:"status"`
	Pickup        Place      `json:"pickup"`
	Dropoff       Place      `json:"dropoff"`
	ETASeconds    float64    `json:"eta_seconds,omitempty"`
	EstimatedFare float64    `json:"estimated_fare"`
	FinalFare     float64    `json:"final_fare,omitempty"`
	PaymentRef    string     `json:"payment_ref,omitempty"` // upstream hold to capture on completion
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     time.Time  `json:"started_at,omitempty"`
	CompletedAt   time.Time  `json:"completed_at,omitempty"`
}

// Conversation maps 1:1 to a (service type, trip) pair and is created
// lazily on the first message.
type Conversation struct {
	ID          string    `json:"id"`
	ServiceType string    `json:"service_type"`
	TripID      string    `json:"trip_id"`
	CustomerID  string    `json:"customer_id"`
	DriverID    string    `json:"driver_id"`
	Closed      bool      `json:"closed"`
	CreatedAt   time.Time `json:"created_at"`
}

type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderRole     Role      `json:"sender_role"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sent_at"`
	Read           bool      `json:"read"`
}

// LocationSample is one inbound driver position report during a trip.
type LocationSample struct {
	Coord          Coord   `json:"coord"`
	SpeedKmh       float64 `json:"speed_kmh,omitempty"`
	HeadingDegrees float64 `json:"heading_degrees,omitempty"`
}
