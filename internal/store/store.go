// Package store provides the transactional projection the rules operate on.
//
// Five entity tables (instruments, orders, executions, block trades,
// allocations) plus the outbox live behind a single write lock. All
// mutation goes through Update, which stages writes in a transaction and
// applies them atomically on commit; View gives read-only access to
// committed state. Holding the write lock from Begin to commit makes every
// transaction serializable, which covers the repeatable-read floor the
// rules need and serializes rule invocations touching the same block.
//
// Change notifications ride event feeds and fire after the commit releases
// the lock, once per committed change: execution updates drive bust
// handling, allocation writes drive settlement. Subscribers must drain
// their channels or sends will stall the committing goroutine.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"

	"tradeflow/pkg/types"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrNotUnique is returned when a single-row query matches more than
	// one row. Callers treat it as an invariant breach, not a retry.
	ErrNotUnique = errors.New("store: more than one row matches")
)

// Store holds the in-memory tables. The zero value is not usable; call New.
type Store struct {
	mu sync.RWMutex

	instruments map[string]types.Instrument
	orders      map[string]types.Order
	executions  map[string]types.Execution
	blocks      map[string]types.BlockTrade
	allocations map[string]types.Allocation

	outbox []OutboxEntry // FIFO; done prefix is compacted away

	scope        event.SubscriptionScope
	execUpdated  event.FeedOf[types.Execution]
	allocWritten event.FeedOf[types.Allocation]

	outboxWake chan struct{} // nudges the dispatcher after commits that enqueued
}

// New returns an empty store.
func New() *Store {
	return &Store{
		instruments: make(map[string]types.Instrument),
		orders:      make(map[string]types.Order),
		executions:  make(map[string]types.Execution),
		blocks:      make(map[string]types.BlockTrade),
		allocations: make(map[string]types.Allocation),
		outboxWake:  make(chan struct{}, 1),
	}
}

// Close unsubscribes all notification subscribers.
func (s *Store) Close() {
	s.scope.Close()
}

// SubscribeExecutionUpdated delivers executions whose stored qty or price
// changed under an existing exec id. Initial inserts do not fire; bust
// corrections do.
func (s *Store) SubscribeExecutionUpdated(ch chan<- types.Execution) event.Subscription {
	return s.scope.Track(s.execUpdated.Subscribe(ch))
}

// SubscribeAllocationCreated delivers allocations as they are committed.
// A re-allocation that overwrites an alloc id with changed amounts fires
// again; settlement stays idempotent because the settle id is derived.
func (s *Store) SubscribeAllocationCreated(ch chan<- types.Allocation) event.Subscription {
	return s.scope.Track(s.allocWritten.Subscribe(ch))
}

// OutboxWake signals after any commit that appended outbox rows.
func (s *Store) OutboxWake() <-chan struct{} {
	return s.outboxWake
}

// Update runs fn inside a read-write transaction. If fn returns an error
// the staged writes are discarded; otherwise they are applied atomically
// and notifications for committed changes fire after the lock is released.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	tx := newTx(s, true)
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return err
	}
	changes := tx.commitLocked()
	s.mu.Unlock()

	for _, e := range changes.execsUpdated {
		s.execUpdated.Send(e)
	}
	for _, a := range changes.allocsWritten {
		s.allocWritten.Send(a)
	}
	if changes.outboxAppended {
		select {
		case s.outboxWake <- struct{}{}:
		default:
		}
	}
	return nil
}

// View runs fn with read access to committed state. Writes inside View panic.
func (s *Store) View(fn func(tx *Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(newTx(s, false))
}

// Stats is a point-in-time row count summary for logs and the ops surface.
type Stats struct {
	Instruments   int `json:"instruments"`
	Orders        int `json:"orders"`
	Executions    int `json:"executions"`
	Blocks        int `json:"blocks"`
	Allocations   int `json:"allocations"`
	OutboxPending int `json:"outboxPending"`
}

// Counts returns current table sizes.
func (s *Store) Counts() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending := 0
	for _, e := range s.outbox {
		if !e.Done {
			pending++
		}
	}
	return Stats{
		Instruments:   len(s.instruments),
		Orders:        len(s.orders),
		Executions:    len(s.executions),
		Blocks:        len(s.blocks),
		Allocations:   len(s.allocations),
		OutboxPending: pending,
	}
}

// NextOutbox returns a copy of the oldest unfinished outbox row. The
// dispatcher drains strictly in order, so a row that keeps failing blocks
// the rows behind it until it is acknowledged or dead-lettered; that
// head-of-line blocking is what keeps event ordering per allocation.
func (s *Store) NextOutbox() (OutboxEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.outbox {
		if !e.Done {
			return e, true
		}
	}
	return OutboxEntry{}, false
}

// BumpOutboxAttempt increments the attempt counter and returns it.
func (s *Store) BumpOutboxAttempt(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].Attempts++
			return s.outbox[i].Attempts
		}
	}
	return 0
}

// MarkOutboxDone marks a row delivered (or dead-lettered) and compacts the
// finished prefix so the slice does not grow without bound.
func (s *Store) MarkOutboxDone(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].Done = true
			break
		}
	}
	trim := 0
	for trim < len(s.outbox) && s.outbox[trim].Done {
		trim++
	}
	if trim > 0 {
		s.outbox = append([]OutboxEntry(nil), s.outbox[trim:]...)
	}
}

// EnqueueDirect appends an outbox row outside any rule transaction. The
// dispatcher uses it to chase a settlement ack with its SettlementSent
// event and to route dead letters.
func (s *Store) EnqueueDirect(e OutboxEntry) {
	s.mu.Lock()
	e.CreatedAt = nowFunc()
	s.outbox = append(s.outbox, e)
	s.mu.Unlock()
	select {
	case s.outboxWake <- struct{}{}:
	default:
	}
}

// nowFunc is swapped in tests to pin outbox timestamps.
var nowFunc = time.Now
