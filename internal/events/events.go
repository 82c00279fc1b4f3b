package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/carpool/internal/models"
)

const (
	BookingCreated            = "booking_created"
	BookingAccepted           = "booking_accepted"
	BookingCompleted          = "booking_completed"
	BookingCancelled          = "booking_cancelled"
	BidPlaced                 = "bid_placed"
	BidUpdated                = "bid_updated"
	BidAccepted               = "bid_accepted"
	BidRejected               = "bid_rejected"
	ParticipantJoined         = "participant_joined"
	ParticipantLeft           = "participant_left"
	DriverAvailabilityUpdated = "driver_availability_updated"
)

// Event is one committed state change. Key orders events per booking
// (or per driver for availability) on the topic.
type Event struct {
	Type         string                     `json:"type"`
	Key          string                     `json:"key"`
	OccurredAt   time.Time                  `json:"occurred_at"`
	Booking      *models.Booking            `json:"booking,omitempty"`
	Bid          *models.Bid                `json:"bid,omitempty"`
	Participant  *models.Participant        `json:"participant,omitempty"`
	Availability *models.DriverAvailability `json:"availability,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Emit publishes ev and logs a failure instead of returning it: by the time
// an event exists the state change is already stored.
func Emit(ctx context.Context, p Publisher, log *slog.Logger, ev Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		log.Warn("event publish failed", "type", ev.Type, "key", ev.Key, "error", err)
	}
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Key), Value: b, Time: ev.OccurredAt})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
