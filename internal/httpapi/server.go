// Package httpapi exposes the hub's outer surface: the websocket
// endpoint actors connect to, the trip-request entry point, the
// internal location ingest endpoint and the health/metrics routes.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/dispatch-hub/internal/auth"
	"github.com/example/dispatch-hub/internal/chat"
	"github.com/example/dispatch-hub/internal/config"
	"github.com/example/dispatch-hub/internal/dispatch"
	"github.com/example/dispatch-hub/internal/geo"
	"github.com/example/dispatch-hub/internal/hub"
	"github.com/example/dispatch-hub/internal/ingest"
	"github.com/example/dispatch-hub/internal/models"
	"github.com/example/dispatch-hub/internal/trip"
)

type Server struct {
	cfg    config.HubConfig
	logger *slog.Logger

	verifier auth.Verifier
	conns    *hub.ConnectionRegistry
	rooms    *hub.RoomRegistry
	timers   *hub.OfferTimers
	router   *hub.Router
	engine   *dispatch.Engine
	trips    *trip.Coordinator
	chat     *chat.Relay
	geo      geo.Store
	kafka    *ingest.KafkaProducer // optional

	mux     *mux.Router
	monitor *hub.LivenessMonitor

	startOnce sync.Once
	stop      context.CancelFunc
}

// Deps carries the wired collaborators; construction stays in main so
// tests can assemble a hub from in-memory parts.
type Deps struct {
	Verifier auth.Verifier
	Conns    *hub.ConnectionRegistry
	Rooms    *hub.RoomRegistry
	Timers   *hub.OfferTimers
	Engine   *dispatch.Engine
	Trips    *trip.Coordinator
	Chat     *chat.Relay
	Geo      geo.Store
	Kafka    *ingest.KafkaProducer
}

func NewServer(cfg config.HubConfig, logger *slog.Logger, d Deps) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		verifier: d.Verifier,
		conns:    d.Conns,
		rooms:    d.Rooms,
		timers:   d.Timers,
		router:   hub.NewRouter(),
		engine:   d.Engine,
		trips:    d.Trips,
		chat:     d.Chat,
		geo:      d.Geo,
		kafka:    d.Kafka,
		mux:      mux.NewRouter(),
	}
	s.monitor = hub.NewLivenessMonitor(s.conns, cfg.HeartbeatInterval, s.cleanupEntry, logger)
	s.registerMiddleware()
	s.routes()
	s.registerFrameHandlers()
	return s
}

// Start launches the liveness monitor. Calling Start more than once is
// a no-op so tests can spin instances up and tear them down freely.
func (s *Server) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		s.stop = cancel
		go s.monitor.Run(ctx)
	})
}

// Shutdown stops the liveness monitor and cancels all outstanding offer
// timers so no expiry callback fires after the hub stops.
func (s *Server) Shutdown() {
	if s.stop != nil {
		s.stop()
	}
	s.timers.Shutdown()
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// handleRideRequest is where a trip request enters dispatch. The
// customer follows up over the websocket with customer:subscribe_session.
func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.CustomerID == "" || req.ServiceType == "" {
		http.Error(w, "customer_id and service_type are required", http.StatusBadRequest)
		return
	}
	sess, err := s.engine.Start(r.Context(), req)
	if err != nil {
		http.Error(w, "dispatch unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if sess.Status == models.SessionNoDriverFound {
		w.WriteHeader(http.StatusAccepted)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"session_id": sess.ID, "status": sess.Status})
}

// handleDriverLocation accepts out-of-band fleet position reports.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.Online = true
	if s.kafka != nil {
		_ = s.kafka.PublishLocation(d)
	}
	s.geo.Upsert(d)
	w.WriteHeader(http.StatusNoContent)
}

// cleanupEntry is the disconnect cascade: the connection leaves every
// registry and the driver goes offline before the close is
// acknowledged, so a half-torn-down actor is never observable.
func (s *Server) cleanupEntry(e *hub.Entry) {
	s.conns.Unregister(e.ActorID, e.Conn)
	s.rooms.UnsubscribeAll(e.Conn)
	if e.Role == models.RoleDriver {
		s.geo.Offline(e.ActorID)
		s.engine.DriverDisconnected(e.ActorID)
	}
}
