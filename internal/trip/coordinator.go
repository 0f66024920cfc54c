// Package trip coordinates post-match trip state: arrival, start,
// in-trip location relay with throttled ETA recomputation, and
// completion with fare finalization.
package trip

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/dispatch-hub/internal/eta"
	"github.com/example/dispatch-hub/internal/fare"
	"github.com/example/dispatch-hub/internal/hub"
	"github.com/example/dispatch-hub/internal/models"
	"github.com/example/dispatch-hub/internal/protocol"
	"github.com/example/dispatch-hub/internal/storage"
)

var (
	// ErrNotOwner marks a transition attempted by a driver the trip is
	// not assigned to. No state mutates and nothing is broadcast.
	ErrNotOwner = errors.New("trip not owned by caller")

	ErrInvalidStatus = errors.New("transition not allowed from current status")
)

// ConversationCloser lets completion close the trip's chat without the
// coordinator knowing chat internals.
type ConversationCloser interface {
	CloseForTrip(ctx context.Context, serviceType, tripID string) error
}

// EventPublisher receives lifecycle events for the audit stream.
type EventPublisher interface {
	PublishTripEvent(tripID string, status models.TripStatus) error
}

type Coordinator struct {
	store storage.TripStore
	conns *hub.ConnectionRegistry
	rooms *hub.RoomRegistry
	log   *slog.Logger

	etaClient  eta.Client // optional
	etaOnStart bool
	throttle   time.Duration

	pricing      fare.Pricing
	fareFinalize bool
	payments     fare.PaymentCapturer // optional

	chat   ConversationCloser // optional
	events EventPublisher     // optional

	mu      sync.Mutex
	lastETA map[string]time.Time // trip id -> last recomputation
}

type Options struct {
	ETAClient    eta.Client
	ETAOnStart   bool
	ETAThrottle  time.Duration
	Pricing      fare.Pricing
	FareFinalize bool
	Payments     fare.PaymentCapturer
	Chat         ConversationCloser
	Events       EventPublisher
}

func NewCoordinator(store storage.TripStore, conns *hub.ConnectionRegistry, rooms *hub.RoomRegistry,
	opts Options, log *slog.Logger) *Coordinator {
	if opts.ETAThrottle <= 0 {
		opts.ETAThrottle = 15 * time.Second
	}
	return &Coordinator{
		store:        store,
		conns:        conns,
		rooms:        rooms,
		log:          log,
		etaClient:    opts.ETAClient,
		etaOnStart:   opts.ETAOnStart,
		throttle:     opts.ETAThrottle,
		pricing:      opts.Pricing,
		fareFinalize: opts.FareFinalize,
		payments:     opts.Payments,
		chat:         opts.Chat,
		events:       opts.Events,
	}
}

// CreateMatched persists the trip record for a freshly accepted session.
func (c *Coordinator) CreateMatched(ctx context.Context, s *models.DispatchSession, driver models.Driver) (*models.Trip, error) {
	now := time.Now()
	t := &models.Trip{
		ID:            uuid.NewString(),
		SessionID:     s.ID,
		CustomerID:    s.CustomerID,
		DriverID:      driver.ID,
		ServiceType:   s.ServiceType,
		Status:        models.TripMatched,
		Pickup:        s.Pickup,
		Dropoff:       s.Dropoff,
		EstimatedFare: s.EstimatedFare,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.CreateTrip(ctx, t); err != nil {
		return nil, err
	}
	c.publish(t.ID, models.TripMatched)
	return t, nil
}

// MarkArrived is driver-initiated: the assigned driver is at the pickup.
func (c *Coordinator) MarkArrived(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	t, err := c.owned(ctx, tripID, driverID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TripMatched {
		return nil, ErrInvalidStatus
	}
	t.Status = models.TripDriverArriving
	t.UpdatedAt = time.Now()
	if err := c.store.UpdateTrip(ctx, t); err != nil {
		return nil, err
	}
	c.notify(t, protocol.NewFrame(protocol.TypeDriverArrived, protocol.TripEvent{TripID: t.ID, Status: t.Status}))
	c.publish(t.ID, t.Status)
	return t, nil
}

// StartTrip moves the trip in progress and, when enabled, seeds the
// ETA to dropoff through the routing collaborator. A routing failure
// degrades to no ETA instead of failing the start.
func (c *Coordinator) StartTrip(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	t, err := c.owned(ctx, tripID, driverID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TripMatched && t.Status != models.TripDriverArriving {
		return nil, ErrInvalidStatus
	}
	t.Status = models.TripInProgress
	t.StartedAt = time.Now()
	t.UpdatedAt = t.StartedAt

	if c.etaOnStart && c.etaClient != nil {
		if sec, err := c.etaClient.EstimateSeconds(t.Pickup.Coord, t.Dropoff.Coord); err == nil {
			t.ETASeconds = sec
			c.markETA(t.ID)
		} else {
			c.log.Warn("initial eta unavailable", "trip_id", t.ID, "error", err)
		}
	}

	if err := c.store.UpdateTrip(ctx, t); err != nil {
		return nil, err
	}
	c.notify(t, protocol.NewFrame(protocol.TypeTripStarted, protocol.TripEvent{
		TripID: t.ID, Status: t.Status, ETASeconds: t.ETASeconds,
	}))
	c.publish(t.ID, t.Status)
	return t, nil
}

// LocationUpdate relays every in-trip driver position to the customer
// immediately; ETA recomputation is throttled to bound routing calls.
func (c *Coordinator) LocationUpdate(ctx context.Context, tripID, driverID string, sample models.LocationSample) error {
	t, err := c.owned(ctx, tripID, driverID)
	if err != nil {
		return err
	}
	if t.Status != models.TripInProgress && t.Status != models.TripDriverArriving {
		return ErrInvalidStatus
	}

	frame := protocol.NewFrame(protocol.TypeRouteUpdate, protocol.RouteUpdate{
		TripID: t.ID, Location: sample.Coord, Sample: sample,
	})
	c.rooms.Broadcast(t.SessionID, frame)
	c.conns.Push(t.CustomerID, frame)

	if c.etaClient != nil && c.etaDue(t.ID) {
		dest := t.Dropoff.Coord
		if t.Status == models.TripDriverArriving {
			dest = t.Pickup.Coord
		}
		sec, err := c.etaClient.EstimateSeconds(sample.Coord, dest)
		if err != nil {
			c.log.Debug("eta recompute failed", "trip_id", t.ID, "error", err)
			return nil
		}
		t.ETASeconds = sec
		t.UpdatedAt = time.Now()
		if err := c.store.UpdateTrip(ctx, t); err != nil {
			c.log.Error("eta persist failed", "trip_id", t.ID, "error", err)
		}
		etaFrame := protocol.NewFrame(protocol.TypeETAUpdate, protocol.ETAUpdate{TripID: t.ID, ETASeconds: sec})
		c.rooms.Broadcast(t.SessionID, etaFrame)
		c.conns.Push(t.CustomerID, etaFrame)
	}
	return nil
}

// EndTrip completes the trip, finalizes the fare when enabled, and
// closes the trip's conversation.
func (c *Coordinator) EndTrip(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	t, err := c.owned(ctx, tripID, driverID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TripInProgress {
		return nil, ErrInvalidStatus
	}
	t.Status = models.TripCompleted
	t.CompletedAt = time.Now()
	t.UpdatedAt = t.CompletedAt

	var before, after float64
	recalculated := false
	if c.fareFinalize {
		started := t.StartedAt
		if started.IsZero() {
			started = t.CreatedAt
		}
		before, after = c.pricing.Finalize(t, started, t.CompletedAt)
		t.FinalFare = after
		recalculated = true
	} else {
		t.FinalFare = t.EstimatedFare
	}

	if err := c.store.UpdateTrip(ctx, t); err != nil {
		return nil, err
	}

	c.notify(t, protocol.NewFrame(protocol.TypeTripCompleted, protocol.TripEvent{TripID: t.ID, Status: t.Status}))
	if recalculated {
		c.notify(t, protocol.NewFrame(protocol.TypeFareFinalized, protocol.FareFinalized{
			TripID: t.ID, FareBefore: before, FareAfter: after,
		}))
		if c.payments != nil && t.PaymentRef != "" {
			if err := c.payments.Capture(ctx, t.PaymentRef); err != nil {
				c.log.Error("payment capture failed", "trip_id", t.ID, "error", err)
			}
		}
	}

	if c.chat != nil {
		if err := c.chat.CloseForTrip(ctx, t.ServiceType, t.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			c.log.Warn("conversation close failed", "trip_id", t.ID, "error", err)
		}
	}

	c.publish(t.ID, t.Status)
	c.forgetETA(t.ID)
	return t, nil
}

func (c *Coordinator) owned(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	t, err := c.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t.DriverID != driverID {
		return nil, ErrNotOwner
	}
	return t, nil
}

func (c *Coordinator) notify(t *models.Trip, f protocol.Frame) {
	c.rooms.Broadcast(t.SessionID, f)
	c.conns.Push(t.CustomerID, f)
}

func (c *Coordinator) publish(tripID string, status models.TripStatus) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishTripEvent(tripID, status); err != nil {
		c.log.Warn("trip event publish failed", "trip_id", tripID, "error", err)
	}
}

func (c *Coordinator) etaDue(tripID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastETA == nil {
		c.lastETA = make(map[string]time.Time)
	}
	last, ok := c.lastETA[tripID]
	if ok && time.Since(last) < c.throttle {
		return false
	}
	c.lastETA[tripID] = time.Now()
	return true
}

func (c *Coordinator) markETA(tripID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastETA == nil {
		c.lastETA = make(map[string]time.Time)
	}
	c.lastETA[tripID] = time.Now()
}

func (c *Coordinator) forgetETA(tripID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lastETA, tripID)
}
