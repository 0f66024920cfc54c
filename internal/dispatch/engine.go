// Package dispatch implements the sequential matching protocol: one
// dispatch session per trip request, offers issued to one candidate at
// a time, accept/reject/expire transitions guarded per session.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/dispatch-hub/internal/fare"
	"github.com/example/dispatch-hub/internal/geo"
	"github.com/example/dispatch-hub/internal/hub"
	"github.com/example/dispatch-hub/internal/models"
	"github.com/example/dispatch-hub/internal/observability"
	"github.com/example/dispatch-hub/internal/protocol"
	"github.com/example/dispatch-hub/internal/storage"
)

var (
	// ErrStale marks a transition against an offer or session no longer
	// in the expected state. Races between client actions and timers
	// are expected, not exceptional; callers swallow this.
	ErrStale = errors.New("stale transition")

	ErrUnauthorized = errors.New("actor does not own this session")
)

// TripCreator turns an accepted session into a durable trip record.
type TripCreator interface {
	CreateMatched(ctx context.Context, s *models.DispatchSession, driver models.Driver) (*models.Trip, error)
}

// session pairs the record with its mutual-exclusion guard. Every
// mutating transition runs under mu; that is what makes exactly one of
// accept/reject/expire win for a given offer.
type session struct {
	mu         sync.Mutex
	rec        *models.DispatchSession
	candidates []Candidate
	attempts   int
	startedAt  time.Time
}

type Engine struct {
	conns   *hub.ConnectionRegistry
	rooms   *hub.RoomRegistry
	timers  *hub.OfferTimers
	store   storage.SessionStore
	trips   TripCreator
	ranker  Ranker
	pricing fare.Pricing

	offerTTL time.Duration
	log      *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

func NewEngine(conns *hub.ConnectionRegistry, rooms *hub.RoomRegistry, timers *hub.OfferTimers,
	store storage.SessionStore, trips TripCreator, ranker Ranker, pricing fare.Pricing,
	offerTTL time.Duration, log *slog.Logger) *Engine {
	return &Engine{
		conns:    conns,
		rooms:    rooms,
		timers:   timers,
		store:    store,
		trips:    trips,
		ranker:   ranker,
		pricing:  pricing,
		offerTTL: offerTTL,
		log:      log,
		sessions: make(map[string]*session),
	}
}

// Start creates a dispatch session for the request and issues the first
// offer. A request with no eligible candidates terminates immediately
// in no_driver_found.
func (e *Engine) Start(ctx context.Context, req models.RideRequest) (*models.DispatchSession, error) {
	now := time.Now()
	rec := &models.DispatchSession{
		ID:          uuid.NewString(),
		CustomerID:  req.CustomerID,
		ServiceType: req.ServiceType,
		Pickup:      req.Pickup,
		Dropoff:     req.Dropoff,
		Rejected:    make(map[string]struct{}),
		Expired:     make(map[string]struct{}),
		Status:      models.SessionPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	etaToDropoff := geo.Haversine(req.Pickup.Coord.Lat, req.Pickup.Coord.Lon,
		req.Dropoff.Coord.Lat, req.Dropoff.Coord.Lon) / 8.0
	rec.EstimatedFare = e.pricing.Quote(req.Pickup.Coord, req.Dropoff.Coord, etaToDropoff)

	ss := &session{rec: rec, startedAt: now}
	ss.candidates = e.ranker.Rank(req.Pickup.Coord)
	rec.Candidates = make([]string, 0, len(ss.candidates))
	for _, c := range ss.candidates {
		rec.Candidates = append(rec.Candidates, c.Driver.ID)
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	e.mu.Lock()
	e.sessions[rec.ID] = ss
	e.mu.Unlock()

	if err := e.store.SaveSession(ctx, rec); err != nil {
		e.mu.Lock()
		delete(e.sessions, rec.ID)
		e.mu.Unlock()
		return nil, err
	}

	rec.Status = models.SessionOffering
	e.persist(ctx, rec)
	e.offerNext(ctx, ss)
	cp := *rec
	return &cp, nil
}

// Candidates are consumed in rank order, skipping any driver already in
// the rejected or expired set.
func (ss *session) nextCandidate() (Candidate, bool) {
	for _, c := range ss.candidates {
		id := c.Driver.ID
		if _, ok := ss.rec.Rejected[id]; ok {
			continue
		}
		if _, ok := ss.rec.Expired[id]; ok {
			continue
		}
		return c, true
	}
	return Candidate{}, false
}

// offerNext issues an offer to the next candidate, or terminates the
// session in no_driver_found. Caller holds ss.mu. An unreachable
// candidate is recorded as expired and the loop recurses to the next
// one, so a silently dropped connection never stalls the session.
func (e *Engine) offerNext(ctx context.Context, ss *session) {
	rec := ss.rec
	for {
		cand, ok := ss.nextCandidate()
		if !ok {
			rec.Status = models.SessionNoDriverFound
			rec.CurrentOffer = nil
			rec.UpdatedAt = time.Now()
			e.persist(ctx, rec)
			e.finish(ss)
			observability.SessionsNoDriver.Inc()
			frame := protocol.NewFrame(protocol.TypeNoDriversFound, protocol.NoDriversFound{
				SessionID: rec.ID, Attempted: ss.attempts,
			})
			e.rooms.Broadcast(rec.ID, frame)
			e.conns.Push(rec.CustomerID, frame)
			e.log.Info("dispatch exhausted", "session_id", rec.ID, "attempted", ss.attempts)
			return
		}

		offer := &models.Offer{
			ID:        uuid.NewString(),
			DriverID:  cand.Driver.ID,
			ExpiresAt: time.Now().Add(e.offerTTL),
		}
		rec.CurrentOffer = offer
		ss.attempts++

		distKm := geo.Haversine(cand.Driver.Loc.Lat, cand.Driver.Loc.Lon,
			rec.Pickup.Coord.Lat, rec.Pickup.Coord.Lon) / 1000.0
		sent := e.conns.Push(cand.Driver.ID, protocol.NewFrame(protocol.TypeDriverRideOffer, protocol.RideOffer{
			OfferID:           offer.ID,
			SessionID:         rec.ID,
			ServiceType:       rec.ServiceType,
			Pickup:            rec.Pickup,
			Dropoff:           rec.Dropoff,
			EstimatedFare:     rec.EstimatedFare,
			EstimatedDistance: distKm,
			ExpiresAt:         offer.ExpiresAt,
		}))
		if !sent {
			rec.Expired[cand.Driver.ID] = struct{}{}
			rec.CurrentOffer = nil
			e.log.Debug("candidate unreachable, skipping", "session_id", rec.ID, "driver_id", cand.Driver.ID)
			continue
		}

		observability.OffersIssued.Inc()
		offerID := offer.ID
		e.timers.Schedule(rec.ID, cand.Driver.ID, e.offerTTL, func() {
			e.Expire(rec.ID, offerID)
		})
		e.rooms.Broadcast(rec.ID, protocol.NewFrame(protocol.TypeOfferSent, protocol.OfferSent{
			SessionID: rec.ID, Position: ss.attempts,
		}))
		e.log.Info("offer issued", "session_id", rec.ID, "driver_id", cand.Driver.ID, "offer_id", offer.ID)
		return
	}
}

// Accept settles the current offer in the driver's favor. Valid only if
// the offer id and driver id still match the session's current offer.
func (e *Engine) Accept(ctx context.Context, sessionID, offerID, driverID string) (*models.Trip, error) {
	ss, ok := e.session(sessionID)
	if !ok {
		return nil, ErrStale
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	rec := ss.rec
	if rec.Status != models.SessionOffering || !offerMatches(rec, offerID, driverID) {
		return nil, ErrStale
	}

	e.timers.Cancel(sessionID, driverID)
	cand := ss.candidateFor(driverID)

	rec.Status = models.SessionAccepted
	rec.AssignedDriver = driverID
	rec.CurrentOffer = nil
	rec.UpdatedAt = time.Now()
	observability.OffersAccepted.Inc()
	observability.SessionsMatched.Inc()

	trip, err := e.trips.CreateMatched(ctx, rec, cand.Driver)
	if err != nil {
		// offer settlement stands; the storage failure is surfaced to
		// the accepting driver and the session stays retrievable
		e.log.Error("trip creation failed", "session_id", rec.ID, "error", err)
		e.persist(ctx, rec)
		e.finish(ss)
		return nil, err
	}

	e.persist(ctx, rec)
	e.finish(ss)

	frame := protocol.NewFrame(protocol.TypeDriverAssigned, protocol.DriverAssigned{
		SessionID:  rec.ID,
		TripID:     trip.ID,
		DriverID:   driverID,
		DriverLoc:  cand.Driver.Loc,
		ETASeconds: cand.ETASeconds,
	})
	e.rooms.Broadcast(rec.ID, frame)
	e.conns.Push(rec.CustomerID, frame)
	e.log.Info("driver assigned", "session_id", rec.ID, "driver_id", driverID, "trip_id", trip.ID)
	return trip, nil
}

// Reject records the driver's refusal and advances to the next candidate.
func (e *Engine) Reject(ctx context.Context, sessionID, offerID, driverID, reason string) error {
	ss, ok := e.session(sessionID)
	if !ok {
		return ErrStale
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	rec := ss.rec
	if rec.Status != models.SessionOffering || !offerMatches(rec, offerID, driverID) {
		return ErrStale
	}

	e.timers.Cancel(sessionID, driverID)
	rec.Rejected[driverID] = struct{}{}
	rec.CurrentOffer = nil
	rec.UpdatedAt = time.Now()
	observability.OffersRejected.Inc()
	e.log.Info("offer rejected", "session_id", rec.ID, "driver_id", driverID, "reason", reason)

	e.offerNext(ctx, ss)
	return nil
}

// Expire fires from the offer timer. The offer id guard rejects a late
// timer racing an accept or reject that already cleared the offer.
func (e *Engine) Expire(sessionID, offerID string) {
	ss, ok := e.session(sessionID)
	if !ok {
		return
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	rec := ss.rec
	if rec.Status != models.SessionOffering || rec.CurrentOffer == nil || rec.CurrentOffer.ID != offerID {
		return
	}

	driverID := rec.CurrentOffer.DriverID
	rec.Expired[driverID] = struct{}{}
	rec.CurrentOffer = nil
	rec.UpdatedAt = time.Now()
	observability.OffersExpired.Inc()
	e.log.Info("offer expired", "session_id", rec.ID, "driver_id", driverID, "offer_id", offerID)

	e.offerNext(context.Background(), ss)
}

// Cancel terminates a pending or offering session on behalf of its
// requester. A second cancel, or a cancel after any terminal state, is
// a silent no-op.
func (e *Engine) Cancel(ctx context.Context, sessionID, actorID string) error {
	ss, ok := e.session(sessionID)
	if !ok {
		return ErrStale
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	rec := ss.rec
	if rec.CustomerID != actorID {
		return ErrUnauthorized
	}
	if rec.Status != models.SessionPending && rec.Status != models.SessionOffering {
		return ErrStale
	}

	if rec.CurrentOffer != nil {
		e.timers.Cancel(sessionID, rec.CurrentOffer.DriverID)
		e.conns.Push(rec.CurrentOffer.DriverID, protocol.NewFrame(protocol.TypeOfferCancelled, protocol.OfferCancelled{
			SessionID: rec.ID, OfferID: rec.CurrentOffer.ID,
		}))
		rec.CurrentOffer = nil
	}

	rec.Status = models.SessionCancelled
	rec.UpdatedAt = time.Now()
	e.persist(ctx, rec)
	e.finish(ss)
	e.log.Info("dispatch cancelled", "session_id", rec.ID)
	return nil
}

// DriverDisconnected treats any offer held by the departing driver as
// expired so the next candidate is offered within one scheduler tick.
// Part of the disconnect cleanup cascade.
func (e *Engine) DriverDisconnected(driverID string) {
	e.mu.RLock()
	held := make([]*session, 0, 1)
	for _, ss := range e.sessions {
		held = append(held, ss)
	}
	e.mu.RUnlock()

	for _, ss := range held {
		ss.mu.Lock()
		rec := ss.rec
		if rec.Status == models.SessionOffering && rec.CurrentOffer != nil && rec.CurrentOffer.DriverID == driverID {
			offerID := rec.CurrentOffer.ID
			e.timers.Cancel(rec.ID, driverID)
			rec.Expired[driverID] = struct{}{}
			rec.CurrentOffer = nil
			rec.UpdatedAt = time.Now()
			observability.OffersExpired.Inc()
			e.log.Info("offer holder disconnected", "session_id", rec.ID, "driver_id", driverID, "offer_id", offerID)
			e.offerNext(context.Background(), ss)
		}
		ss.mu.Unlock()
	}
}

// Session returns a copy of the live session record, if still active.
func (e *Engine) Session(sessionID string) (models.DispatchSession, bool) {
	ss, ok := e.session(sessionID)
	if !ok {
		return models.DispatchSession{}, false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	cp := *ss.rec
	return cp, true
}

func (e *Engine) session(id string) (*session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ss, ok := e.sessions[id]
	return ss, ok
}

// finish drops a terminal session from the live map. Caller holds ss.mu.
func (e *Engine) finish(ss *session) {
	e.mu.Lock()
	delete(e.sessions, ss.rec.ID)
	e.mu.Unlock()
	observability.DispatchLatency.Observe(time.Since(ss.startedAt).Seconds())
}

func (e *Engine) persist(ctx context.Context, rec *models.DispatchSession) {
	if err := e.store.UpdateSession(ctx, rec); err != nil {
		e.log.Error("session persist failed", "session_id", rec.ID, "error", err)
	}
}

func (ss *session) candidateFor(driverID string) Candidate {
	for _, c := range ss.candidates {
		if c.Driver.ID == driverID {
			return c
		}
	}
	return Candidate{Driver: models.Driver{ID: driverID}}
}

func offerMatches(rec *models.DispatchSession, offerID, driverID string) bool {
	o := rec.CurrentOffer
	if o == nil || o.DriverID != driverID {
		return false
	}
	// clients may omit the offer id on older app versions
	return offerID == "" || o.ID == offerID
}
