package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/example/dispatch-hub/internal/auth"
	"github.com/example/dispatch-hub/internal/chat"
	"github.com/example/dispatch-hub/internal/config"
	"github.com/example/dispatch-hub/internal/dispatch"
	"github.com/example/dispatch-hub/internal/eta"
	"github.com/example/dispatch-hub/internal/fare"
	"github.com/example/dispatch-hub/internal/geo"
	"github.com/example/dispatch-hub/internal/httpapi"
	"github.com/example/dispatch-hub/internal/hub"
	"github.com/example/dispatch-hub/internal/ingest"
	"github.com/example/dispatch-hub/internal/logging"
	"github.com/example/dispatch-hub/internal/storage"
	"github.com/example/dispatch-hub/internal/trip"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadHubConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN, logger)
	}

	// storage: postgres when configured, memory otherwise
	var store interface {
		storage.TripStore
		storage.SessionStore
		storage.ChatStore
	}
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var geoStore geo.Store
	if cfg.RedisAddr != "" {
		geoStore = geo.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		geoStore = geo.NewIndex()
	}

	var kafka *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kafka = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
	}

	var etaClient eta.Client
	if cfg.OSRMEndpoint != "" {
		etaClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
	} else {
		etaClient = eta.Naive{SpeedMps: cfg.DefaultSpeedMps}
	}

	pricing := fare.DefaultPricing()
	var payments fare.PaymentCapturer
	if cfg.FareFinalize && os.Getenv("STRIPE_API_KEY") != "" {
		payments = fare.NewStripeClient()
	}

	conns := hub.NewConnectionRegistry()
	rooms := hub.NewRoomRegistry()
	timers := hub.NewOfferTimers()

	relay := chat.NewRelay(store, store, conns, logger)

	var events trip.EventPublisher
	if kafka != nil {
		events = kafka
	}
	trips := trip.NewCoordinator(store, conns, rooms, trip.Options{
		ETAClient:    etaClient,
		ETAOnStart:   cfg.ETAOnStart,
		ETAThrottle:  cfg.ETAThrottle,
		Pricing:      pricing,
		FareFinalize: cfg.FareFinalize,
		Payments:     payments,
		Chat:         relay,
		Events:       events,
	}, logger)

	ranker := &dispatch.GeoRanker{
		Geo:             geoStore,
		ETAClient:       etaClient,
		ETACache:        eta.NewCache(30 * time.Second),
		DefaultSpeedMps: cfg.DefaultSpeedMps,
		TopN:            cfg.CandidateTopN,
	}
	engine := dispatch.NewEngine(conns, rooms, timers, store, trips, ranker, pricing, cfg.OfferTTL, logger)

	srv := httpapi.NewServer(cfg, logger, httpapi.Deps{
		Verifier: auth.NewJWTVerifier(cfg.JWTSecret),
		Conns:    conns,
		Rooms:    rooms,
		Timers:   timers,
		Engine:   engine,
		Trips:    trips,
		Chat:     relay,
		Geo:      geoStore,
		Kafka:    kafka,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	srv.Start(ctx)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("dispatch hub listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	srv.Shutdown()
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open failed", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_core.sql"))
	if err != nil {
		logger.Error("migration read failed", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_core.sql")
}
