package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Shriprakashbharti/TradePros/internal/metrics"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards events to a Kafka topic, keyed by event topic so one
// user's or symbol's events stay ordered within a partition.
type KafkaSink struct {
	writer   messageWriter
	queue    chan kafka.Message
	maxBatch int
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return newKafkaSink(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}, 1024)
}

func newKafkaSink(w messageWriter, queueLen int) *KafkaSink {
	return &KafkaSink{
		writer:   w,
		queue:    make(chan kafka.Message, queueLen),
		maxBatch: 100,
	}
}

// Publish enqueues the event. It drops the event if the queue is full.
func (k *KafkaSink) Publish(ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		slog.Error("kafka event encode failed", "type", ev.Type, "err", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.Topic),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	select {
	case k.queue <- msg:
	default:
		metrics.EventsDropped.WithLabelValues("kafka").Inc()
	}
}

// Run drains the queue into Kafka until ctx is done, then flushes what is
// already queued and closes the writer.
func (k *KafkaSink) Run(ctx context.Context) {
	defer func() {
		k.flush(context.Background())
		if err := k.writer.Close(); err != nil {
			slog.Error("kafka writer close failed", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-k.queue:
			batch := k.collect(msg)
			if err := k.writer.WriteMessages(ctx, batch...); err != nil {
				slog.Error("kafka publish failed", "messages", len(batch), "err", err)
				metrics.EventsDropped.WithLabelValues("kafka").Add(float64(len(batch)))
			}
		}
	}
}

// collect gathers msg plus whatever is already queued, up to maxBatch.
func (k *KafkaSink) collect(msg kafka.Message) []kafka.Message {
	batch := []kafka.Message{msg}
	for len(batch) < k.maxBatch {
		select {
		case m := <-k.queue:
			batch = append(batch, m)
		default:
			return batch
		}
	}
	return batch
}

func (k *KafkaSink) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		select {
		case msg := <-k.queue:
			batch := k.collect(msg)
			if err := k.writer.WriteMessages(ctx, batch...); err != nil {
				slog.Error("kafka flush failed", "messages", len(batch), "err", err)
				return
			}
		default:
			return
		}
	}
}
