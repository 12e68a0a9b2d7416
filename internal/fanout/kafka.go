package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"mes/internal/models"
)

type KafkaPublisher struct {
	w *kafka.Writer
}

// NewKafkaPublisher: ключ сообщения tenant/equipmentCode, поэтому события
// одного оборудования попадают в одну партицию и сохраняют порядок.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},

		BatchSize:    100,
		BatchBytes:   1 << 20,
		BatchTimeout: 10 * time.Millisecond,

		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev *models.TelemetryEvent) error {
	msg, err := buildMessage(ev)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish event %d: %w", ev.ID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }

func buildMessage(ev *models.TelemetryEvent) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event %d: %w", ev.ID, err)
	}
	return kafka.Message{
		Key:   []byte(ev.TenantID + "/" + ev.EquipmentCode),
		Value: value,
		Time:  ev.ReceivedAt,
		Headers: []kafka.Header{
			{Key: "tenant", Value: []byte(ev.TenantID)},
			{Key: "event-type", Value: []byte(ev.EventType)},
			{Key: "event-id", Value: []byte(strconv.FormatUint(uint64(ev.ID), 10))},
		},
	}, nil
}
