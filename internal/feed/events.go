package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"tradeflow/internal/config"
	"tradeflow/internal/metrics"
	"tradeflow/internal/rules"
	"tradeflow/pkg/types"
)

// Allocator runs the allocation rule. Implemented by rules.Runtime.
type Allocator interface {
	AllocateBlock(ctx context.Context, blockID string) error
}

// EventConsumer reads the engine's own trade events back off the bus and
// allocates blocks as they go ready. It runs in its own consumer group,
// so external subscribers of the events topic are unaffected, and the
// allocation trigger survives a restart: an unallocated BlockReady simply
// redelivers.
type EventConsumer struct {
	reader    fetchCommitter
	allocator Allocator
	dlq       deadLetterer
	counters  *metrics.Counters
	logger    *slog.Logger

	retryInitial time.Duration
	retryMax     time.Duration
}

// NewEventConsumer builds the single-reader consumer for the events topic.
// Envelopes are keyed by instrument, so blocks of one instrument allocate
// in the order their BlockReady events were published.
func NewEventConsumer(cfg config.BrokerConfig, a Allocator, dlq deadLetterer, ctr *metrics.Counters, logger *slog.Logger) *EventConsumer {
	return &EventConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.EventsGroupID,
			Topic:    cfg.EventsTopic,
			MinBytes: 10e3,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		}),
		allocator:    a,
		dlq:          dlq,
		counters:     ctr,
		logger:       logger.With("component", "feed.events"),
		retryInitial: time.Second,
		retryMax:     30 * time.Second,
	}
}

// Run consumes until ctx is cancelled or an invariant breach halts the
// loop.
func (c *EventConsumer) Run(ctx context.Context) {
	c.logger.Info("event consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("event consumer stopped")
				return
			}
			c.logger.Error("fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryInitial):
			}
			continue
		}

		if err := c.handleEvent(ctx, msg.Value); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("event consumer stopped")
				return
			}
			c.logger.Error("event consumer halted", "error", err,
				"partition", msg.Partition, "offset", msg.Offset)
			return
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("offset commit failed", "error", err, "offset", msg.Offset)
		}
	}
}

// Close releases the reader and its group membership.
func (c *EventConsumer) Close() error {
	return c.reader.Close()
}

// handleEvent routes one envelope. Only BlockReady does anything here;
// every other type is someone else's to consume.
func (c *EventConsumer) handleEvent(ctx context.Context, value []byte) error {
	var env types.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		c.rejectEvent(ctx, "", err.Error(), value)
		return nil
	}
	if env.EventType != types.EventBlockReady {
		return nil
	}

	var ready types.BlockReadyV1
	if err := json.Unmarshal(env.Payload, &ready); err != nil {
		c.rejectEvent(ctx, env.EventID, err.Error(), value)
		return nil
	}
	if ready.BlockID == "" {
		c.rejectEvent(ctx, env.EventID, "BlockReady without blockId", value)
		return nil
	}

	backoff := c.retryInitial
	for {
		err := c.allocator.AllocateBlock(ctx, ready.BlockID)
		if err == nil {
			return nil
		}

		var rej *rules.RejectError
		if errors.As(err, &rej) {
			c.rejectEvent(ctx, env.EventID, rej.Reason, value)
			return nil
		}
		var fatal *rules.FatalError
		if errors.As(err, &fatal) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("transient failure, retrying",
			"block_id", ready.BlockID, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.retryMax {
			backoff = c.retryMax
		}
	}
}

func (c *EventConsumer) rejectEvent(ctx context.Context, id, reason string, payload []byte) {
	c.counters.Rejected.Add(1)
	c.counters.DeadLetters.Add(1)
	c.logger.Warn("event dead-lettered", "id", id, "reason", reason)
	if err := c.dlq.DeadLetter(ctx, id, "allocate", reason, payload); err != nil {
		c.logger.Error("dead-letter publish failed", "id", id, "error", err)
	}
}
