// Package engine is the central orchestrator of the post-trade pipeline.
//
// It wires together all subsystems:
//
//  1. Reference data seeds the projection store with instruments and orders.
//  2. Feed workers consume the execution topic and ingest fills into blocks.
//  3. The event consumer reads BlockReady back off the bus and allocates.
//  4. Store notifications drive settlement generation and bust handling.
//  5. The outbox dispatcher drains staged events to the bus and settlement
//     instructions to the gateway, in commit order.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tradeflow/internal/calendar"
	"tradeflow/internal/config"
	"tradeflow/internal/feed"
	"tradeflow/internal/gateway"
	"tradeflow/internal/metrics"
	"tradeflow/internal/outbox"
	"tradeflow/internal/publish"
	"tradeflow/internal/refdata"
	"tradeflow/internal/rules"
	"tradeflow/internal/store"
	"tradeflow/pkg/types"
)

const (
	// retry window for the notification loops; the feed workers carry
	// their own identical window.
	retryInitial = time.Second
	retryMax     = 30 * time.Second

	// counterInterval paces the pipeline counter log line.
	counterInterval = 30 * time.Second
)

// Engine owns the lifecycle of every goroutine in the pipeline.
type Engine struct {
	cfg        *config.Config
	store      *store.Store
	counters   *metrics.Counters
	runtime    *rules.Runtime
	publisher  *publish.Publisher
	dedupe     *feed.DedupeSet
	consumer   *feed.Consumer
	events     *feed.EventConsumer
	dispatcher *outbox.Dispatcher
	logger     *slog.Logger

	// blotterEvents mirrors published envelopes to the ops server.
	// Nil when the monitor is disabled.
	blotterEvents chan types.Envelope

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components, including the reference
// data load. The engine is inert until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	cal, err := calendar.New(cfg.Calendar.Holidays)
	if err != nil {
		return nil, err
	}

	st := store.New()
	if err := refdata.Load(st, cfg.Refdata, logger); err != nil {
		return nil, err
	}

	ctr := &metrics.Counters{}
	rt := rules.NewRuntime(st, cal, ctr, cfg, logger)
	pub := publish.New(cfg.Broker, cfg.DryRun, logger)
	gw := gateway.NewClient(cfg.Gateway, cfg.DryRun, logger)

	dedupe := feed.NewDedupeSet(cal, cfg.Dedupe.HorizonDays)
	consumer := feed.NewConsumer(cfg.Broker, rt, dedupe, pub, ctr, logger)
	events := feed.NewEventConsumer(cfg.Broker, rt, pub, ctr, logger)

	var blotter chan types.Envelope
	if cfg.Monitor.Enabled {
		blotter = make(chan types.Envelope, 100)
	}

	dispatcher := outbox.NewDispatcher(st, pub, gw, cfg, ctr, blotter, logger)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:           cfg,
		store:         st,
		counters:      ctr,
		runtime:       rt,
		publisher:     pub,
		dedupe:        dedupe,
		consumer:      consumer,
		events:        events,
		dispatcher:    dispatcher,
		logger:        logger.With("component", "engine"),
		blotterEvents: blotter,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start launches all background goroutines: feed workers, the event
// consumer, the outbox dispatcher, the notification loops and housekeeping.
func (e *Engine) Start() error {
	// Execution feed workers
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.consumer.Run(e.ctx)
	}()

	// BlockReady loopback consumer
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.events.Run(e.ctx)
	}()

	// Outbox drain
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatcher.Run(e.ctx)
	}()

	// Store notification loops
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.settleLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.bustLoop()
	}()

	// Dedupe pruning and counter reporting
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.housekeeping()
	}()

	e.logger.Info("engine started",
		"workers", e.cfg.Broker.Workers,
		"execution_topic", e.cfg.Broker.ExecutionTopic,
		"events_topic", e.cfg.Broker.EventsTopic,
		"dry_run", e.cfg.DryRun)

	return nil
}

// Stop gracefully shuts down: cancels all goroutines, closes the broker
// readers so group membership releases promptly, waits for the pipeline to
// drain, then closes the publisher and the store.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()

	if err := e.consumer.Close(); err != nil {
		e.logger.Error("execution reader close failed", "error", err)
	}
	if err := e.events.Close(); err != nil {
		e.logger.Error("events reader close failed", "error", err)
	}

	e.wg.Wait()

	// The dispatcher has exited, so nothing writes the blotter channel now.
	if e.blotterEvents != nil {
		close(e.blotterEvents)
	}
	if err := e.publisher.Close(); err != nil {
		e.logger.Error("publisher close failed", "error", err)
	}
	e.store.Close()

	e.logger.Info("shutdown complete")
}

// Store exposes the projection for the ops server.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Counters exposes the pipeline counters for the ops server.
func (e *Engine) Counters() *metrics.Counters {
	return e.counters
}

// BlotterEvents returns the published-envelope mirror (nil when the
// monitor is disabled).
func (e *Engine) BlotterEvents() <-chan types.Envelope {
	return e.blotterEvents
}

// settleLoop turns every committed allocation into a settlement
// instruction. The subscription channel is buffered; a stalled retry here
// backpressures the committing feed worker, which is the intended brake.
func (e *Engine) settleLoop() {
	ch := make(chan types.Allocation, 64)
	sub := e.store.SubscribeAllocationCreated(ch)
	defer sub.Unsubscribe()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-sub.Err():
			return
		case alloc := <-ch:
			err := e.apply(alloc.AllocID, alloc, func() error {
				return e.runtime.GenerateSettlement(e.ctx, alloc)
			})
			if err != nil {
				if e.ctx.Err() == nil {
					e.logger.Error("settlement loop halted", "error", err)
				}
				return
			}
		}
	}
}

// bustLoop reacts to execution corrections. The store only fires the
// update feed when a stored execution changed under its id, which is
// exactly the bust case.
func (e *Engine) bustLoop() {
	ch := make(chan types.Execution, 64)
	sub := e.store.SubscribeExecutionUpdated(ch)
	defer sub.Unsubscribe()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-sub.Err():
			return
		case exec := <-ch:
			err := e.apply(exec.ExecID, exec, func() error {
				return e.runtime.HandleBust(e.ctx, exec)
			})
			if err != nil {
				if e.ctx.Err() == nil {
					e.logger.Error("bust loop halted", "error", err)
				}
				return
			}
		}
	}
}

// apply drives one rule invocation through the pipeline's error contract:
// nil and reject let the loop advance, fatal halts it, anything else
// retries in place with doubling backoff.
func (e *Engine) apply(id string, payload any, fn func() error) error {
	backoff := retryInitial
	for {
		err := fn()
		if err == nil {
			return nil
		}

		var rej *rules.RejectError
		if errors.As(err, &rej) {
			e.reject(id, rej, payload)
			return nil
		}
		var fatal *rules.FatalError
		if errors.As(err, &fatal) {
			return err
		}
		if e.ctx.Err() != nil {
			return e.ctx.Err()
		}

		e.logger.Warn("transient failure, retrying", "id", id, "backoff", backoff, "error", err)
		select {
		case <-e.ctx.Done():
			return e.ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > retryMax {
			backoff = retryMax
		}
	}
}

func (e *Engine) reject(id string, rej *rules.RejectError, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = nil
	}
	e.counters.Rejected.Add(1)
	e.counters.DeadLetters.Add(1)
	e.logger.Warn("record dead-lettered", "id", id, "stage", rej.Stage, "reason", rej.Reason)
	if err := e.publisher.DeadLetter(e.ctx, id, rej.Stage, rej.Reason, data); err != nil {
		e.logger.Error("dead-letter publish failed", "id", id, "error", err)
	}
}

// housekeeping prunes expired exec ids from the duplicate screen and logs
// the pipeline counters on a fixed cadence.
func (e *Engine) housekeeping() {
	prune := time.NewTicker(e.cfg.Dedupe.PruneInterval)
	defer prune.Stop()
	report := time.NewTicker(counterInterval)
	defer report.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-prune.C:
			if n := e.dedupe.Prune(time.Now()); n > 0 {
				e.logger.Info("duplicate screen pruned", "dropped", n, "held", e.dedupe.Len())
			}
		case <-report.C:
			s := e.counters.Read()
			e.logger.Info("pipeline counters",
				"consumed", s.Consumed,
				"duplicates", s.Duplicates,
				"rejected", s.Rejected,
				"blocks", s.BlocksBuilt,
				"allocations", s.AllocationsCreated,
				"published", s.EventsPublished,
				"settled", s.SettlementsSent,
				"dead_letters", s.DeadLetters)
		}
	}
}
