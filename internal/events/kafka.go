package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"krakenbot/config"
	"krakenbot/internal/logging"
)

// messageWriter is the part of kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink exports bus events to a Kafka topic. Events are queued and
// written by one goroutine; a full queue drops the event.
type KafkaSink struct {
	writer  messageWriter
	topic   string
	queue   chan Event
	logger  *logging.Logger
	dropped atomic.Int64
	written atomic.Int64
}

// NewKafkaSink creates a sink writing to cfg.Topic on cfg.Brokers.
func NewKafkaSink(cfg config.KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Gzip,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchTimeout: time.Second,
	}
	return newKafkaSink(w, cfg.Topic, 1024), nil
}

func newKafkaSink(w messageWriter, topic string, buffer int) *KafkaSink {
	return &KafkaSink{
		writer: w,
		topic:  topic,
		queue:  make(chan Event, buffer),
		logger: logging.WithComponent("kafka"),
	}
}

// Attach subscribes the sink to every event of bus.
func (s *KafkaSink) Attach(bus *EventBus) {
	bus.SubscribeAll(s.Enqueue)
}

// Enqueue queues an event without blocking.
func (s *KafkaSink) Enqueue(e Event) {
	select {
	case s.queue <- e:
	default:
		if s.dropped.Add(1)%100 == 1 {
			s.logger.Warn("Kafka queue full, dropping events", "dropped", s.dropped.Load())
		}
	}
}

// Run writes queued events until ctx is done, then closes the writer.
func (s *KafkaSink) Run(ctx context.Context) {
	defer func() {
		if err := s.writer.Close(); err != nil {
			s.logger.Warn("Failed to close kafka writer", "error", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.queue:
			if err := s.write(ctx, e); err != nil {
				s.logger.Error("Failed to export event", "type", string(e.Type), "pair", e.Pair, "error", err)
				continue
			}
			s.written.Add(1)
		}
	}
}

func (s *KafkaSink) write(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := e.Pair
	if key == "" {
		key = string(e.Type)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value, Time: e.Timestamp})
}

// Stats returns how many events were written and dropped.
func (s *KafkaSink) Stats() (written, dropped int64) {
	return s.written.Load(), s.dropped.Load()
}
