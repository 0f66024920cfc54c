// Package ingest streams hub events to Kafka for the analytics and
// geo-replication consumers.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/dispatch-hub/internal/models"
)

// Event is one audit-stream record. Location events carry the driver
// snapshot; lifecycle events carry trip id and status.
type Event struct {
	Kind      string            `json:"kind"` // driver.location | trip.lifecycle
	Driver    *models.Driver    `json:"driver,omitempty"`
	TripID    string            `json:"trip_id,omitempty"`
	Status    models.TripStatus `json:"status,omitempty"`
	EmittedAt time.Time         `json:"emitted_at"`
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(d models.Driver) error {
	return k.publish(d.ID, Event{Kind: "driver.location", Driver: &d, EmittedAt: time.Now()})
}

func (k *KafkaProducer) PublishTripEvent(tripID string, status models.TripStatus) error {
	return k.publish(tripID, Event{Kind: "trip.lifecycle", TripID: tripID, Status: status, EmittedAt: time.Now()})
}

func (k *KafkaProducer) publish(key string, e Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(e)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
