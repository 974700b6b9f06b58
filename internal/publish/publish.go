// Package publish writes event envelopes to the trade bus.
//
// Envelopes are keyed by their partition key so every event for one
// instrument lands on one partition, preserving the per-instrument order
// the downstream consumers rely on. The publisher drops envelopes whose
// event id it has already delivered this run; ids are deterministic over
// content, so an outbox redrive of the same event is a silent no-op while
// a changed aggregate (new id) still goes out.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"tradeflow/internal/config"
	"tradeflow/pkg/types"
)

// seenCap bounds the published-id memory; ~64k ids covers a heavy day.
const seenCap = 1 << 16

// messageWriter is the slice of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher delivers envelopes to broker topics.
type Publisher struct {
	writer   messageWriter
	seen     *seenSet
	dlqTopic string
	logger   *slog.Logger
	dryRun   bool
}

// New builds a publisher over one shared writer. The topic rides on each
// message, so trade events and dead letters share the connection pool.
func New(cfg config.BrokerConfig, dryRun bool, logger *slog.Logger) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
	return &Publisher{
		writer:   w,
		seen:     newSeenSet(seenCap),
		dlqTopic: cfg.DeadletterTopic,
		logger:   logger.With("component", "publish"),
		dryRun:   dryRun,
	}
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Publish writes one envelope. Redelivery of an already-published event id
// returns nil without touching the broker.
func (p *Publisher) Publish(ctx context.Context, topic string, env types.Envelope) error {
	if !p.seen.remember(env.EventID) {
		p.logger.Debug("event already published, dropping",
			"event_id", env.EventID, "event", env.Name())
		return nil
	}

	if p.dryRun {
		p.logger.Info("DRY-RUN: would publish event",
			"topic", topic, "event", env.Name(), "event_id", env.EventID, "key", env.PartitionKey)
		return nil
	}

	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Name(), err)
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(env.PartitionKey),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(env.EventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		// forget so the dispatcher's next attempt is not swallowed
		p.seen.forget(env.EventID)
		return fmt.Errorf("write %s to %s: %w", env.Name(), topic, err)
	}

	p.logger.Debug("event published",
		"topic", topic, "event", env.Name(), "event_id", env.EventID, "key", env.PartitionKey)
	return nil
}

// DeadLetter wraps a refused record and publishes it to the dead-letter
// topic. Errors are reported but never terminal for the caller's flow.
func (p *Publisher) DeadLetter(ctx context.Context, id, stage, reason string, payload []byte) error {
	env, err := types.NewEnvelope(types.EventDeadLetter, id, types.DeadLetterV1{
		ID:      id,
		Stage:   stage,
		Reason:  reason,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	p.logger.Error("dead-lettering record", "id", id, "stage", stage, "reason", reason)
	return p.Publish(ctx, p.dlqTopic, env)
}

// seenSet is a fixed-capacity set with FIFO eviction.
type seenSet struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	ring []string
	next int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		ids:  make(map[string]struct{}, capacity),
		ring: make([]string, 0, capacity),
	}
}

// remember returns false when id is already present, true after adding it.
func (s *seenSet) remember(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.ring) < cap(s.ring) {
		s.ring = append(s.ring, id)
	} else {
		delete(s.ids, s.ring[s.next])
		s.ring[s.next] = id
		s.next = (s.next + 1) % len(s.ring)
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *seenSet) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}
