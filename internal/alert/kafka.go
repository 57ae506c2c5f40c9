package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaSink publishes notifications to a Kafka topic for downstream push
// delivery.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		WriteTimeout: 10 * time.Second,
	}
	return &KafkaSink{writer: w}
}

func (k *KafkaSink) Send(ctx context.Context, n Notification) error {
	msg, err := toMessage(n)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish alert %s: %w", n.Tag, err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

// toMessage keys messages by dedup key so retries of one alert land on the
// same partition.
func toMessage(n Notification) (kafkago.Message, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize alert: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(n.Tag),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "level", Value: []byte(n.Level)},
			{Key: "day", Value: []byte(n.Day)},
		},
	}, nil
}
