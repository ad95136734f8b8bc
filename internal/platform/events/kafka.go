package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pvhao2002/Pharmacy/internal/services"
)

// MessageWriter is the part of kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes order events keyed by order id, so every event of one order lands on
// the same partition.
type KafkaPublisher struct {
	writer  MessageWriter
	topic   string
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*KafkaPublisher)(nil)

// NewKafkaWriter builds a writer that waits for all in-sync replicas.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewKafkaPublisher(writer MessageWriter, topic string) (*KafkaPublisher, error) {
	if writer == nil {
		return nil, errors.New("kafka order publisher: writer is required")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errors.New("kafka order publisher: topic is required")
	}
	return &KafkaPublisher{writer: writer, topic: topic, marshal: defaultMarshal}, nil
}

func (p *KafkaPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	data, attrs, err := encode(ctx, event, p.marshal)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}
	headers := make([]kafka.Header, 0, len(attrs))
	for key, value := range attrs {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	msg := kafka.Message{
		Topic:   p.topic,
		Key:     []byte(event.OrderID),
		Value:   data,
		Headers: headers,
		Time:    event.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close(context.Context) error {
	return p.writer.Close()
}
