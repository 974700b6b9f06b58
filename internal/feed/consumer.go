// Package feed consumes the inbound execution topic and hands records to
// the rule runtime.
//
// The topic is partitioned by instrument, so one worker per partition sees
// every fill for the instruments it owns, in offset order. A worker
// commits an offset only after the record's transaction committed, was
// screened as a duplicate, or was dead-lettered; a crash in between
// replays the record and the idempotent rules absorb it.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"tradeflow/internal/config"
	"tradeflow/internal/metrics"
	"tradeflow/internal/rules"
	"tradeflow/pkg/types"
)

// fetchCommitter is the slice of kafka.Reader the workers use.
type fetchCommitter interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler applies one inbound record. Implemented by rules.Runtime.
type Handler interface {
	ProcessExecution(ctx context.Context, msg types.ExecutionMessage) error
	ProcessBust(ctx context.Context, msg types.ExecutionMessage) error
}

// deadLetterer publishes refused records. Implemented by publish.Publisher.
type deadLetterer interface {
	DeadLetter(ctx context.Context, id, stage, reason string, payload []byte) error
}

// Consumer runs the partition workers for the execution feed.
type Consumer struct {
	readers  []fetchCommitter
	handler  Handler
	dedupe   *DedupeSet
	dlq      deadLetterer
	counters *metrics.Counters
	logger   *slog.Logger

	retryInitial time.Duration
	retryMax     time.Duration
}

// NewConsumer builds one reader per worker, all in the same consumer group
// so the broker spreads the topic's partitions across them.
func NewConsumer(cfg config.BrokerConfig, h Handler, d *DedupeSet, dlq deadLetterer, ctr *metrics.Counters, logger *slog.Logger) *Consumer {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	readers := make([]fetchCommitter, workers)
	for i := range readers {
		readers[i] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.ExecutionTopic,
			MinBytes: 10e3,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		})
	}
	return &Consumer{
		readers:      readers,
		handler:      h,
		dedupe:       d,
		dlq:          dlq,
		counters:     ctr,
		logger:       logger.With("component", "feed"),
		retryInitial: time.Second,
		retryMax:     30 * time.Second,
	}
}

// Run consumes until ctx is cancelled, then returns once every worker has
// drained. A worker that hits a fatal error stops alone; the rest keep
// their partitions moving.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i, r := range c.readers {
		wg.Add(1)
		go func(id int, r fetchCommitter) {
			defer wg.Done()
			c.consume(ctx, id, r)
		}(i, r)
	}
	wg.Wait()
}

// Close releases the readers and their group membership.
func (c *Consumer) Close() error {
	var first error
	for _, r := range c.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Consumer) consume(ctx context.Context, id int, r fetchCommitter) {
	log := c.logger.With("worker", id)
	log.Info("feed worker started")

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("feed worker stopped")
				return
			}
			log.Error("fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryInitial):
			}
			continue
		}

		if err := c.handleRecord(ctx, msg.Value); err != nil {
			if ctx.Err() != nil {
				log.Info("feed worker stopped")
				return
			}
			// Invariant breach. The offset stays uncommitted so the record
			// redelivers once an operator repairs the projection.
			log.Error("feed worker halted", "error", err,
				"partition", msg.Partition, "offset", msg.Offset)
			return
		}

		if err := r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			// The record replays on the next session; the dedupe screen and
			// idempotent upserts make that harmless.
			log.Error("offset commit failed", "error", err, "offset", msg.Offset)
		}
	}
}

// handleRecord decodes and applies one record. A nil return means the
// offset may advance: the record committed, was a duplicate, or went to
// the dead-letter topic. An error return halts the worker.
func (c *Consumer) handleRecord(ctx context.Context, value []byte) error {
	c.counters.Consumed.Add(1)

	var msg types.ExecutionMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		c.reject(ctx, "", "decode", err.Error(), value)
		return nil
	}
	if msg.ExecID == "" || msg.OrderID == "" {
		c.reject(ctx, msg.ExecID, "decode", "missing execId or orderId", value)
		return nil
	}

	// Busts bypass the screen: they redeliver an exec id that has, by
	// definition, been seen before.
	bust := msg.ExecType == types.ExecBust
	if !bust && c.dedupe.Seen(msg.ExecID) {
		c.counters.Duplicates.Add(1)
		c.logger.Debug("duplicate fill screened", "exec_id", msg.ExecID)
		return nil
	}

	backoff := c.retryInitial
	for {
		var err error
		if bust {
			err = c.handler.ProcessBust(ctx, msg)
		} else {
			err = c.handler.ProcessExecution(ctx, msg)
		}
		if err == nil {
			break
		}

		var rej *rules.RejectError
		if errors.As(err, &rej) {
			c.reject(ctx, msg.ExecID, rej.Stage, rej.Reason, value)
			return nil
		}
		var fatal *rules.FatalError
		if errors.As(err, &fatal) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Transient: retry in place. The offset stays put, so partition
		// order survives the stall.
		c.logger.Warn("transient failure, retrying",
			"exec_id", msg.ExecID, "backoff", backoff, "error", err)
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

	if !bust {
		c.dedupe.Add(msg.ExecID, msg.TradeDate)
	}
	return nil
}

func (c *Consumer) reject(ctx context.Context, id, stage, reason string, payload []byte) {
	c.counters.Rejected.Add(1)
	c.counters.DeadLetters.Add(1)
	c.logger.Warn("record dead-lettered", "id", id, "stage", stage, "reason", reason)
	if err := c.dlq.DeadLetter(ctx, id, stage, reason, payload); err != nil {
		c.logger.Error("dead-letter publish failed", "id", id, "error", err)
	}
}
