package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaBroadcaster publishes envelopes to a topic that every gateway reads
// with its own consumer group, so each gateway sees every envelope and
// delivers it to its local subscribers.
type KafkaBroadcaster struct {
	writer *kafka.Writer
	reader *kafka.Reader
	hub    *Hub
	logger zerolog.Logger
}

func NewKafkaBroadcaster(brokers []string, topic string, hub *Hub, logger zerolog.Logger) *KafkaBroadcaster {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 2 * time.Second,
		RequiredAcks: kafka.RequireOne,
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     "gateway-group-" + uuid.NewString(), // unique group: every gateway gets every envelope
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})

	return &KafkaBroadcaster{
		writer: writer,
		reader: reader,
		hub:    hub,
		logger: logger.With().Str("component", "kafka").Logger(),
	}
}

func (b *KafkaBroadcaster) Publish(ctx context.Context, env Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	// keyed by room so a room's frames stay ordered within one partition
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(env.RoomID, 10)),
		Value: value,
		Time:  time.Now(),
	})
}

// Run consumes envelopes until ctx is done.
func (b *KafkaBroadcaster) Run(ctx context.Context) {
	for {
		m, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			b.logger.Error().Err(err).Msg("error reading envelope, retrying in 1s")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		b.handle(m.Value)
	}
}

func (b *KafkaBroadcaster) handle(value []byte) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		b.logger.Warn().Err(err).Msg("failed to unmarshal envelope")
		return
	}
	if env.RoomID <= 0 || len(env.Frame) == 0 {
		b.logger.Warn().Int64("room_id", env.RoomID).Msg("discarding malformed envelope")
		return
	}
	b.hub.Deliver(env)
}

func (b *KafkaBroadcaster) Close() error {
	return errors.Join(b.writer.Close(), b.reader.Close())
}
