// Package ingest carries driver status updates over Kafka to the consumer that keeps the
// live Redis view current.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/example/carpool/internal/models"
)

const DefaultTopic = "ride-status"

var ErrInvalidStatus = errors.New("invalid ride status")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// PublishStatus writes s keyed by ride, so one ride's updates stay in order on a partition.
func (k *KafkaProducer) PublishStatus(ctx context.Context, s models.RideStatus) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(s.RideID.String()), Value: b}); err != nil {
		return fmt.Errorf("publish status of ride %s: %w", s.RideID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeStatus parses a message value written by PublishStatus.
func DecodeStatus(b []byte) (models.RideStatus, error) {
	var s models.RideStatus
	if err := json.Unmarshal(b, &s); err != nil {
		return models.RideStatus{}, fmt.Errorf("%w: %w", ErrInvalidStatus, err)
	}
	if s.RideID == uuid.Nil {
		return models.RideStatus{}, fmt.Errorf("%w: missing ride_id", ErrInvalidStatus)
	}
	return s, nil
}
