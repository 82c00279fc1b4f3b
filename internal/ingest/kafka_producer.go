// Package ingest carries driver availability reports from driver apps to
// the availability topic, where cmd/consumer applies them.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/carpool/internal/models"
)

// AvailabilityUpdate is the wire form of one availability report.
type AvailabilityUpdate struct {
	DriverID   string    `json:"driver_id"`
	IsOnline   bool      `json:"is_online"`
	Latitude   *float64  `json:"current_latitude,omitempty"`
	Longitude  *float64  `json:"current_longitude,omitempty"`
	ReportedAt time.Time `json:"reported_at,omitzero"`
}

func (u AvailabilityUpdate) Validate() error {
	if strings.TrimSpace(u.DriverID) == "" {
		return models.Validation("driver_id is required")
	}
	if u.Latitude != nil && (math.IsNaN(*u.Latitude) || math.Abs(*u.Latitude) > 90) {
		return models.Validation("current_latitude %v out of range", *u.Latitude)
	}
	if u.Longitude != nil && (math.IsNaN(*u.Longitude) || math.Abs(*u.Longitude) > 180) {
		return models.Validation("current_longitude %v out of range", *u.Longitude)
	}
	return nil
}

// Decode parses and validates one message value.
func Decode(value []byte) (AvailabilityUpdate, error) {
	var u AvailabilityUpdate
	if err := json.Unmarshal(value, &u); err != nil {
		return u, models.Validation("malformed availability message: %v", err)
	}
	return u, u.Validate()
}

func message(u AvailabilityUpdate) (kafka.Message, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode availability: %w", err)
	}
	return kafka.Message{Key: []byte(u.DriverID), Value: b, Time: u.ReportedAt}, nil
}

type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer keys messages by driver id so one driver's reports stay
// ordered within a partition.
func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishAvailability(ctx context.Context, u AvailabilityUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	msg, err := message(u)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish availability for %s: %w", u.DriverID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
