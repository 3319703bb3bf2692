// Package kafkaqueue is a queuebackend.Backend backed by a compacted
// Kafka topic: each outstanding job is one record keyed by its
// function+unique pair; completion is recorded as a tombstone (nil
// value) for that key, and Replay reconstructs the outstanding set by
// reading the topic from its start and applying last-value-wins per
// key, the way a compacted topic is meant to be consumed.
package kafkaqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/smukkama/jobqueued/internal/protocol"
)

// Config mirrors the teacher's queue.ProducerConfig, narrowed to the
// settings a job queue backend actually needs.
type Config struct {
	Brokers      []string
	Topic        string
	RequiredAcks int // -1 (all), 0 (none), 1 (leader)
	MaxAttempts  int
}

// Backend is a queuebackend.Backend over a single compacted Kafka topic.
type Backend struct {
	writer *kafka.Writer
	cfg    Config
}

// Open constructs a Backend. The topic must already exist with cleanup.policy=compact.
func Open(cfg Config) *Backend {
	requiredAcks := kafka.RequireOne
	switch cfg.RequiredAcks {
	case -1:
		requiredAcks = kafka.RequireAll
	case 0:
		requiredAcks = kafka.RequireNone
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Backend{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: requiredAcks,
			MaxAttempts:  maxAttempts,
			Async:        false,
		},
	}
}

// CreateTopic creates the backing topic with the given partition count.
// Compaction itself is a topic-level broker config this does not set;
// operators provision that once, the way the teacher's own CreateTopic
// leaves replication/cleanup policy to the broker's defaults.
func CreateTopic(brokers []string, topic string, numPartitions, replicationFactor int) error {
	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("kafkaqueue: dial broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafkaqueue: get controller: %w", err)
	}
	controllerConn, err := kafka.Dial("tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	if err != nil {
		return fmt.Errorf("kafkaqueue: dial controller: %w", err)
	}
	defer controllerConn.Close()

	return controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: replicationFactor,
	})
}

// Close closes the producer.
func (b *Backend) Close() error { return b.writer.Close() }

func recordKey(function, unique string) string { return function + "\x00" + unique }

type envelope struct {
	Function string            `json:"function"`
	Unique   string            `json:"unique"`
	Data     []byte            `json:"data"`
	Priority protocol.Priority `json:"priority"`
}

// Add writes one record for the job, keyed so compaction keeps only the
// latest write (or tombstone) per (function, unique) pair.
func (b *Backend) Add(ctx context.Context, unique, function string, data []byte, priority protocol.Priority) error {
	value, err := json.Marshal(envelope{Function: function, Unique: unique, Data: data, Priority: priority})
	if err != nil {
		return fmt.Errorf("kafkaqueue: marshal: %w", err)
	}
	err = b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(recordKey(function, unique)),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("kafkaqueue: add: %w", err)
	}
	return nil
}

// Flush is a no-op: Add's WriteMessages call is synchronous (Async is
// false) and already waits for RequiredAcks before returning.
func (b *Backend) Flush(ctx context.Context) error { return nil }

// Done writes a tombstone for the job's key, marking it removed for any
// future Replay.
func (b *Backend) Done(ctx context.Context, unique, function string) error {
	err := b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(recordKey(function, unique)),
		Value: nil,
	})
	if err != nil {
		return fmt.Errorf("kafkaqueue: done: %w", err)
	}
	return nil
}

// Replay reads the topic from the beginning with a throwaway consumer
// group, applies last-value-wins per key, and calls add once for every
// key whose last record wasn't a tombstone, in first-seen order.
func (b *Backend) Replay(ctx context.Context, add func(unique, function string, data []byte, priority protocol.Priority) error) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.cfg.Brokers,
		Topic:       b.cfg.Topic,
		GroupID:     fmt.Sprintf("jobqueued-replay-%d", time.Now().UnixNano()),
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	defer reader.Close()

	var order []string
	latest := make(map[string]*envelope)

	for {
		lag, err := reader.ReadLag(ctx)
		if err != nil {
			return fmt.Errorf("kafkaqueue: replay lag: %w", err)
		}
		if lag <= 0 {
			break
		}
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("kafkaqueue: replay fetch: %w", err)
		}
		key := string(msg.Key)
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		if msg.Value == nil {
			latest[key] = nil
			continue
		}
		var env envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			return fmt.Errorf("kafkaqueue: replay decode: %w", err)
		}
		latest[key] = &env
	}

	for _, key := range order {
		env := latest[key]
		if env == nil {
			continue
		}
		if err := add(env.Unique, env.Function, env.Data, env.Priority); err != nil {
			return fmt.Errorf("kafkaqueue: replay add: %w", err)
		}
	}
	return nil
}
