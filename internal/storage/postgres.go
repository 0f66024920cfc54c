package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/dispatch-hub/internal/models"
)

// PostgresStore implements the store interfaces on Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(id, session_id, customer_id, driver_id, service_type, status,
		pickup_lat, pickup_lon, pickup_addr, dropoff_lat, dropoff_lon, dropoff_addr,
		eta_seconds, estimated_fare, final_fare, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		t.ID, t.SessionID, t.CustomerID, t.DriverID, t.ServiceType, t.Status,
		t.Pickup.Coord.Lat, t.Pickup.Coord.Lon, t.Pickup.Address,
		t.Dropoff.Coord.Lat, t.Dropoff.Coord.Lon, t.Dropoff.Address,
		t.ETASeconds, t.EstimatedFare, t.FinalFare, t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, session_id, customer_id, driver_id, service_type, status,
		pickup_lat, pickup_lon, pickup_addr, dropoff_lat, dropoff_lon, dropoff_addr,
		eta_seconds, estimated_fare, final_fare, created_at, updated_at, started_at, completed_at
		FROM trips WHERE id=$1`, id)
	var t models.Trip
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.SessionID, &t.CustomerID, &t.DriverID, &t.ServiceType, &t.Status,
		&t.Pickup.Coord.Lat, &t.Pickup.Coord.Lon, &t.Pickup.Address,
		&t.Dropoff.Coord.Lat, &t.Dropoff.Coord.Lon, &t.Dropoff.Address,
		&t.ETASeconds, &t.EstimatedFare, &t.FinalFare, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = completedAt.Time
	}
	return &t, nil
}

func (p *PostgresStore) UpdateTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `UPDATE trips SET status=$1, eta_seconds=$2, final_fare=$3,
		updated_at=$4, started_at=NULLIF($5, '0001-01-01T00:00:00Z'::timestamptz),
		completed_at=NULLIF($6, '0001-01-01T00:00:00Z'::timestamptz) WHERE id=$7`,
		t.Status, t.ETASeconds, t.FinalFare, time.Now(), t.StartedAt, t.CompletedAt, t.ID)
	return err
}

func (p *PostgresStore) SaveSession(ctx context.Context, s *models.DispatchSession) error {
	cands, _ := json.Marshal(s.Candidates)
	_, err := p.db.ExecContext(ctx, `INSERT INTO dispatch_sessions(id, customer_id, service_type, status,
		pickup_lat, pickup_lon, pickup_addr, dropoff_lat, dropoff_lon, dropoff_addr,
		candidates, assigned_driver, estimated_fare, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status,
		assigned_driver=EXCLUDED.assigned_driver, updated_at=EXCLUDED.updated_at`,
		s.ID, s.CustomerID, s.ServiceType, s.Status,
		s.Pickup.Coord.Lat, s.Pickup.Coord.Lon, s.Pickup.Address,
		s.Dropoff.Coord.Lat, s.Dropoff.Coord.Lon, s.Dropoff.Address,
		cands, s.AssignedDriver, s.EstimatedFare, s.CreatedAt, time.Now())
	return err
}

func (p *PostgresStore) UpdateSession(ctx context.Context, s *models.DispatchSession) error {
	return p.SaveSession(ctx, s)
}

func (p *PostgresStore) ConversationByID(ctx context.Context, id string) (*models.Conversation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, service_type, trip_id, customer_id, driver_id, closed, created_at
		FROM conversations WHERE id=$1`, id)
	return scanConversation(row)
}

func (p *PostgresStore) ConversationByTrip(ctx context.Context, serviceType, tripID string) (*models.Conversation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, service_type, trip_id, customer_id, driver_id, closed, created_at
		FROM conversations WHERE service_type=$1 AND trip_id=$2`, serviceType, tripID)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(&c.ID, &c.ServiceType, &c.TripID, &c.CustomerID, &c.DriverID, &c.Closed, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *PostgresStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO conversations(id, service_type, trip_id, customer_id, driver_id, closed, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		c.ID, c.ServiceType, c.TripID, c.CustomerID, c.DriverID, c.Closed, c.CreatedAt)
	return err
}

func (p *PostgresStore) CloseConversation(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE conversations SET closed=true WHERE id=$1`, id)
	return err
}

func (p *PostgresStore) AppendMessage(ctx context.Context, m *models.ChatMessage) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO chat_messages(id, conversation_id, sender_id, sender_role, body, sent_at, read)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.ConversationID, m.SenderID, m.SenderRole, m.Body, m.SentAt, m.Read)
	return err
}

func (p *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE chat_messages SET read=true
		WHERE conversation_id=$1 AND sender_id<>$2 AND read=false`, conversationID, readerID)
	return err
}

func (p *PostgresStore) UnreadCount(ctx context.Context, conversationID, participantID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages
		WHERE conversation_id=$1 AND sender_id<>$2 AND read=false`, conversationID, participantID).Scan(&n)
	return n, err
}
