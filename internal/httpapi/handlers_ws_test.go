package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/dispatch-hub/internal/chat"
	"github.com/example/dispatch-hub/internal/config"
	"github.com/example/dispatch-hub/internal/dispatch"
	"github.com/example/dispatch-hub/internal/eta"
	"github.com/example/dispatch-hub/internal/fare"
	"github.com/example/dispatch-hub/internal/geo"
	"github.com/example/dispatch-hub/internal/hub"
	"github.com/example/dispatch-hub/internal/logging"
	"github.com/example/dispatch-hub/internal/models"
	"github.com/example/dispatch-hub/internal/protocol"
	"github.com/example/dispatch-hub/internal/storage"
	"github.com/example/dispatch-hub/internal/trip"
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

func (c *fakeConn) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		out = append(out, f.Type)
	}
	return out
}

func (c *fakeConn) hasType(frameType string) bool {
	for _, t := range c.sentTypes() {
		if t == frameType {
			return true
		}
	}
	return false
}

type serverFixture struct {
	srv   *Server
	store *storage.MemoryStore
	geo   *geo.Index
	conns *hub.ConnectionRegistry
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	cfg := config.HubConfig{
		HeartbeatInterval: time.Minute,
		OfferTTL:          time.Minute,
		CandidateTopN:     8,
		DefaultSpeedMps:   10,
	}
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	conns := hub.NewConnectionRegistry()
	rooms := hub.NewRoomRegistry()
	timers := hub.NewOfferTimers()
	t.Cleanup(timers.Shutdown)
	log := logging.Discard()

	relay := chat.NewRelay(store, store, conns, log)
	coord := trip.NewCoordinator(store, conns, rooms, trip.Options{
		ETAClient:   eta.Naive{SpeedMps: 10},
		ETAThrottle: time.Minute,
		Pricing:     fare.DefaultPricing(),
		Chat:        relay,
	}, log)
	ranker := &dispatch.GeoRanker{Geo: idx, DefaultSpeedMps: 10, TopN: 8}
	engine := dispatch.NewEngine(conns, rooms, timers, store, coord, ranker,
		fare.DefaultPricing(), cfg.OfferTTL, log)

	srv := NewServer(cfg, log, Deps{
		Verifier: tokenVerifier{},
		Conns:    conns,
		Rooms:    rooms,
		Timers:   timers,
		Engine:   engine,
		Trips:    coord,
		Chat:     relay,
		Geo:      idx,
	})
	return &serverFixture{srv: srv, store: store, geo: idx, conns: conns}
}

func (fx *serverFixture) driver(t *testing.T, id string) *fakeConn {
	t.Helper()
	c := &fakeConn{}
	fx.conns.Register(id, models.RoleDriver, c)
	return c
}

func (fx *serverFixture) customer(t *testing.T, id string) *fakeConn {
	t.Helper()
	c := &fakeConn{}
	fx.conns.Register(id, models.RoleCustomer, c)
	return c
}

func (fx *serverFixture) dispatchFrame(e *hub.Entry, f protocol.Frame) {
	fx.srv.router.Dispatch(context.Background(), e, f)
}

func rideRequestBody(t *testing.T) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(models.RideRequest{
		CustomerID:  "cust-1",
		ServiceType: "ride",
		Pickup:      models.Place{Coord: models.Coord{Lat: 52.2297, Lon: 21.0122}},
		Dropoff:     models.Place{Coord: models.Coord{Lat: 52.2400, Lon: 21.0300}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(b)
}

func TestRideRequestDispatchesToNearbyDriver(t *testing.T) {
	fx := newServerFixture(t)
	d1 := fx.driver(t, "d1")
	fx.geo.Upsert(models.Driver{ID: "d1", Loc: models.Coord{Lat: 52.2300, Lon: 21.0130}, Rating: 4.8})

	rr := httptest.NewRecorder()
	fx.srv.ServeHTTP(rr, httptest.NewRequest("POST", "/api/v1/rides/request", rideRequestBody(t)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != string(models.SessionOffering) || resp.SessionID == "" {
		t.Fatalf("response = %+v", resp)
	}
	if !d1.hasType(protocol.TypeDriverRideOffer) {
		t.Fatalf("driver saw %v, no ride offer", d1.sentTypes())
	}
}

func TestRideRequestNoDriversAvailable(t *testing.T) {
	fx := newServerFixture(t)

	rr := httptest.NewRecorder()
	fx.srv.ServeHTTP(rr, httptest.NewRequest("POST", "/api/v1/rides/request", rideRequestBody(t)))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), string(models.SessionNoDriverFound)) {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestRideRequestValidation(t *testing.T) {
	fx := newServerFixture(t)

	rr := httptest.NewRecorder()
	fx.srv.ServeHTTP(rr, httptest.NewRequest("POST", "/api/v1/rides/request", strings.NewReader("{")))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	fx.srv.ServeHTTP(rr, httptest.NewRequest("POST", "/api/v1/rides/request", strings.NewReader(`{"service_type":"ride"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing customer_id: status = %d", rr.Code)
	}
}

func TestDriverLocationIngest(t *testing.T) {
	fx := newServerFixture(t)
	body := `{"id":"d9","loc":{"lat":52.1,"lon":21.2},"rating":4.2}`

	rr := httptest.NewRecorder()
	fx.srv.ServeHTTP(rr, httptest.NewRequest("POST", "/internal/driver/locations", strings.NewReader(body)))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	d, ok := fx.geo.Get("d9")
	if !ok || !d.Online || d.Loc.Lat != 52.1 {
		t.Fatalf("driver in index = %+v, %v", d, ok)
	}
}

func TestHealthz(t *testing.T) {
	fx := newServerFixture(t)
	rr := httptest.NewRecorder()
	fx.srv.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
}

func TestDriverFramesRejectedForCustomers(t *testing.T) {
	fx := newServerFixture(t)
	c := fx.customer(t, "cust-1")
	e := &hub.Entry{ActorID: "cust-1", Role: models.RoleCustomer, Conn: c}

	fx.dispatchFrame(e, protocol.NewFrame(protocol.TypeDriverGoOnline, protocol.GoOnline{}))

	if !c.hasType(protocol.TypeDriverGoOnline + "_failed") {
		t.Fatalf("customer saw %v, want a role failure", c.sentTypes())
	}
	if _, ok := fx.geo.Get("cust-1"); ok {
		t.Fatal("customer entered the driver pool")
	}
}

func TestGoOnlineRegistersDriver(t *testing.T) {
	fx := newServerFixture(t)
	d := fx.driver(t, "d1")
	e := &hub.Entry{ActorID: "d1", Role: models.RoleDriver, Conn: d}

	fx.dispatchFrame(e, protocol.NewFrame(protocol.TypeDriverGoOnline, protocol.GoOnline{
		Location: models.Coord{Lat: 52.2, Lon: 21.0}, Rating: 4.6,
	}))

	if !d.hasType(protocol.TypeDriverGoOnline + "_confirmed") {
		t.Fatalf("driver saw %v, no confirmation", d.sentTypes())
	}
	got, ok := fx.geo.Get("d1")
	if !ok || got.Rating != 4.6 {
		t.Fatalf("driver in index = %+v, %v", got, ok)
	}
}

func TestUpdateLocationSendsNoConfirmation(t *testing.T) {
	fx := newServerFixture(t)
	d := fx.driver(t, "d1")
	e := &hub.Entry{ActorID: "d1", Role: models.RoleDriver, Conn: d}

	fx.dispatchFrame(e, protocol.NewFrame(protocol.TypeDriverUpdateLoc, protocol.UpdateLocation{
		Location: models.Coord{Lat: 52.3, Lon: 21.1},
	}))

	if got := d.sentTypes(); len(got) != 0 {
		t.Fatalf("high-frequency update answered with %v", got)
	}
	if got, ok := fx.geo.Get("d1"); !ok || got.Loc.Lat != 52.3 {
		t.Fatalf("location not applied: %+v", got)
	}
}

func TestStaleAcceptStaysSilent(t *testing.T) {
	fx := newServerFixture(t)
	d := fx.driver(t, "d1")
	e := &hub.Entry{ActorID: "d1", Role: models.RoleDriver, Conn: d}

	fx.dispatchFrame(e, protocol.NewFrame(protocol.TypeDriverAcceptOffer, protocol.AcceptOffer{
		SessionID: "long-gone", OfferID: "whatever",
	}))

	if got := d.sentTypes(); len(got) != 0 {
		t.Fatalf("stale accept answered with %v, want silence", got)
	}
}

func TestCancelUnknownSessionStillConfirmed(t *testing.T) {
	fx := newServerFixture(t)
	c := fx.customer(t, "cust-1")
	e := &hub.Entry{ActorID: "cust-1", Role: models.RoleCustomer, Conn: c}

	fx.dispatchFrame(e, protocol.NewFrame(protocol.TypeCustomerCancel, protocol.CancelDispatch{
		SessionID: "long-gone",
	}))

	if !c.hasType(protocol.TypeCustomerCancel + "_confirmed") {
		t.Fatalf("customer saw %v, want idempotent confirmation", c.sentTypes())
	}
}

func TestSubscribeThenTripEventsReachRoom(t *testing.T) {
	fx := newServerFixture(t)
	c := fx.customer(t, "cust-2")
	e := &hub.Entry{ActorID: "cust-2", Role: models.RoleCustomer, Conn: c}

	fx.dispatchFrame(e, protocol.NewFrame(protocol.TypeCustomerSubscribe, protocol.SubscribeSession{
		SessionID: "sess-watch",
	}))
	if !c.hasType(protocol.TypeCustomerSubscribe + "_confirmed") {
		t.Fatalf("customer saw %v", c.sentTypes())
	}

	fx.srv.rooms.Broadcast("sess-watch", protocol.NewFrame(protocol.TypeOfferSent, protocol.OfferSent{
		SessionID: "sess-watch", Position: 1,
	}))
	if !c.hasType(protocol.TypeOfferSent) {
		t.Fatal("subscriber missed the room broadcast")
	}
}

func TestSubscribeToAnotherCustomersSessionRejected(t *testing.T) {
	fx := newServerFixture(t)
	fx.driver(t, "d1")
	fx.geo.Upsert(models.Driver{ID: "d1", Loc: models.Coord{Lat: 52.2300, Lon: 21.0130}, Rating: 4.8})

	rr := httptest.NewRecorder()
	fx.srv.ServeHTTP(rr, httptest.NewRequest("POST", "/api/v1/rides/request", rideRequestBody(t)))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}

	// the request above belongs to cust-1; cust-2 may not watch it
	intruder := fx.customer(t, "cust-2")
	e := &hub.Entry{ActorID: "cust-2", Role: models.RoleCustomer, Conn: intruder}
	fx.dispatchFrame(e, protocol.NewFrame(protocol.TypeCustomerSubscribe, protocol.SubscribeSession{
		SessionID: resp.SessionID,
	}))

	if !intruder.hasType(protocol.TypeCustomerSubscribe + "_failed") {
		t.Fatalf("intruder saw %v, want a failed reply", intruder.sentTypes())
	}
	if fx.srv.rooms.Size(resp.SessionID) != 0 {
		t.Fatal("intruder joined the session room")
	}

	// the requester is still allowed in
	owner := fx.customer(t, "cust-1")
	oe := &hub.Entry{ActorID: "cust-1", Role: models.RoleCustomer, Conn: owner}
	fx.dispatchFrame(oe, protocol.NewFrame(protocol.TypeCustomerSubscribe, protocol.SubscribeSession{
		SessionID: resp.SessionID,
	}))
	if !owner.hasType(protocol.TypeCustomerSubscribe + "_confirmed") {
		t.Fatalf("owner saw %v", owner.sentTypes())
	}
}

func TestTripFrameErrorsMapped(t *testing.T) {
	fx := newServerFixture(t)
	if err := fx.store.CreateTrip(context.Background(), &models.Trip{
		ID: "trip-1", SessionID: "sess-1", CustomerID: "cust-1", DriverID: "d1",
		ServiceType: "ride", Status: models.TripInProgress,
	}); err != nil {
		t.Fatal(err)
	}

	intruder := fx.driver(t, "d2")
	e := &hub.Entry{ActorID: "d2", Role: models.RoleDriver, Conn: intruder}
	fx.dispatchFrame(e, protocol.NewFrame(protocol.TypeDriverEndTrip, protocol.TripRef{TripID: "trip-1"}))

	sent := intruder.sentTypes()
	if len(sent) != 1 || sent[0] != protocol.TypeDriverEndTrip+"_failed" {
		t.Fatalf("intruder saw %v", sent)
	}
	var p protocol.ErrorPayload
	intruder.mu.Lock()
	payload := intruder.frames[0].Payload
	intruder.mu.Unlock()
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Code != protocol.CodeUnauthorized {
		t.Fatalf("error code = %q, want unauthorized", p.Code)
	}
}

func TestCleanupCascadeTakesDriverOffline(t *testing.T) {
	fx := newServerFixture(t)
	d := fx.driver(t, "d1")
	fx.geo.Upsert(models.Driver{ID: "d1", Loc: models.Coord{Lat: 52.2, Lon: 21.0}})
	fx.srv.rooms.Subscribe("sess-1", d)

	e := &hub.Entry{ActorID: "d1", Role: models.RoleDriver, Conn: d}
	fx.srv.cleanupEntry(e)

	if fx.conns.IsReachable("d1") {
		t.Fatal("driver still reachable after cleanup")
	}
	if _, ok := fx.geo.Get("d1"); ok {
		t.Fatal("driver still in the candidate pool after cleanup")
	}
	if fx.srv.rooms.Size("sess-1") != 0 {
		t.Fatal("conn still subscribed after cleanup")
	}
}
