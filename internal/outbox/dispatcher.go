// Package outbox drains staged outbound effects to the trade bus and the
// settlement gateway.
//
// Rows are delivered strictly in commit order: a failing row blocks the
// rows behind it while it backs off, which is what keeps BlockReady ahead
// of AllocationCreated and AllocationCreated ahead of SettlementSent on
// the wire. A row that keeps failing past the configured TTL, or that the
// gateway rejects outright, is dead-lettered so the queue never wedges
// permanently.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"tradeflow/internal/config"
	"tradeflow/internal/gateway"
	"tradeflow/internal/metrics"
	"tradeflow/internal/store"
	"tradeflow/pkg/types"
)

// eventSink delivers envelopes to broker topics. Implemented by
// publish.Publisher.
type eventSink interface {
	Publish(ctx context.Context, topic string, env types.Envelope) error
	DeadLetter(ctx context.Context, id, stage, reason string, payload []byte) error
}

// submitter posts settlement instructions. Implemented by gateway.Client.
type submitter interface {
	Submit(ctx context.Context, ins types.SettlementInstruction) error
}

// Dispatcher owns the outbox drain loop.
type Dispatcher struct {
	store    *store.Store
	sink     eventSink
	gateway  submitter
	counters *metrics.Counters
	logger   *slog.Logger

	eventsTopic  string
	retryInitial time.Duration
	retryMax     time.Duration
	ttl          time.Duration
	pollInterval time.Duration

	// blotter mirrors published envelopes to the ops stream. Nil when the
	// monitor is disabled; sends never block the drain.
	blotter chan<- types.Envelope
}

// NewDispatcher wires the drain loop to the store, the publisher and the
// gateway client.
func NewDispatcher(st *store.Store, sink eventSink, gw submitter, cfg *config.Config, ctr *metrics.Counters, blotter chan<- types.Envelope, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:        st,
		sink:         sink,
		gateway:      gw,
		counters:     ctr,
		logger:       logger.With("component", "outbox"),
		eventsTopic:  cfg.Broker.EventsTopic,
		retryInitial: cfg.Gateway.RetryInitial,
		retryMax:     cfg.Gateway.RetryMax,
		ttl:          cfg.Outbox.TTL,
		pollInterval: cfg.Outbox.PollInterval,
		blotter:      blotter,
	}
}

// Run drains until ctx is cancelled. Commits wake the loop through the
// store's wake channel; the poll ticker is a backstop for wakes lost while
// the loop was busy.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started")
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		for {
			e, ok := d.store.NextOutbox()
			if !ok {
				break
			}
			if !d.process(ctx, e) {
				d.logger.Info("dispatcher stopped")
				return
			}
		}
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-d.store.OutboxWake():
		case <-ticker.C:
		}
	}
}

// process delivers one row, retiring it on success, terminal rejection or
// TTL expiry. The false return means ctx was cancelled and the loop must
// exit; the row stays pending for the next run.
func (d *Dispatcher) process(ctx context.Context, e store.OutboxEntry) bool {
	err := d.deliver(ctx, e)
	if err == nil {
		d.store.MarkOutboxDone(e.ID)
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	if e.Kind == store.OutboxSettle && gateway.Terminal(err) {
		d.logger.Error("gateway rejected instruction",
			"settle_id", e.Instruction.SettleID, "error", err)
		d.deadLetter(ctx, e, err.Error())
		d.store.MarkOutboxDone(e.ID)
		return true
	}

	attempts := d.store.BumpOutboxAttempt(e.ID)
	if age := time.Since(e.CreatedAt); age > d.ttl {
		d.logger.Error("outbox row expired",
			"id", e.ID, "kind", e.Kind, "age", age, "attempts", attempts, "error", err)
		d.deadLetter(ctx, e, fmt.Sprintf("retries exhausted after %s: %v", age.Round(time.Second), err))
		d.store.MarkOutboxDone(e.ID)
		return true
	}

	delay := backoffDelay(d.retryInitial, d.retryMax, attempts)
	d.logger.Warn("delivery failed, backing off",
		"id", e.ID, "kind", e.Kind, "attempt", attempts, "delay", delay, "error", err)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
	}
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, e store.OutboxEntry) error {
	switch e.Kind {
	case store.OutboxPublish:
		if err := d.sink.Publish(ctx, e.Topic, e.Envelope); err != nil {
			d.counters.PublishErrors.Add(1)
			return err
		}
		d.counters.EventsPublished.Add(1)
		d.fanOut(e.Envelope)
		return nil

	case store.OutboxSettle:
		if err := d.gateway.Submit(ctx, e.Instruction); err != nil {
			d.counters.GatewayErrors.Add(1)
			return err
		}
		d.counters.SettlementsSent.Add(1)
		d.chaseSettlementAck(e.Instruction)
		return nil

	default:
		return fmt.Errorf("unknown outbox kind %q", e.Kind)
	}
}

// chaseSettlementAck stages the SettlementSent event behind the gateway
// ack. It rides the same outbox, keyed by the same instrument, so it lands
// on the bus after every event of the allocation that produced it.
func (d *Dispatcher) chaseSettlementAck(ins types.SettlementInstruction) {
	env, err := types.NewEnvelope(types.EventSettlementSent, ins.InstrumentID, types.SettlementSentV1{
		SettleID: ins.SettleID,
		AllocID:  ins.AllocID,
	})
	if err != nil {
		d.logger.Error("settlement ack event build failed",
			"settle_id", ins.SettleID, "error", err)
		return
	}
	d.store.EnqueueDirect(store.NewPublishEntry(d.eventsTopic, env))
}

func (d *Dispatcher) deadLetter(ctx context.Context, e store.OutboxEntry, reason string) {
	id, stage := e.Envelope.EventID, "publish"
	var payload []byte
	var err error
	if e.Kind == store.OutboxSettle {
		id, stage = e.Instruction.SettleID, "settle"
		payload, err = json.Marshal(e.Instruction)
	} else {
		payload, err = json.Marshal(e.Envelope)
	}
	if err != nil {
		payload = nil
	}

	d.counters.DeadLetters.Add(1)
	if err := d.sink.DeadLetter(ctx, id, stage, reason, payload); err != nil {
		d.logger.Error("dead-letter publish failed", "id", id, "error", err)
	}
}

// fanOut mirrors a published envelope to the ops stream without ever
// blocking the drain.
func (d *Dispatcher) fanOut(env types.Envelope) {
	if d.blotter == nil {
		return
	}
	select {
	case d.blotter <- env:
	default:
	}
}

// backoffDelay grows exponentially from initial, capped at max, with ±20%
// jitter so restarting engines do not hammer a recovering gateway in step.
func backoffDelay(initial, max time.Duration, attempt int) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}
