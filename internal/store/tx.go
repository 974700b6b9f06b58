package store

import (
	"tradeflow/pkg/types"
)

// Tx is a transaction over the store. A writable Tx (from Update) stages
// writes privately until commit and reads see staged rows first, so a rule
// observes its own writes. A read-only Tx (from View) only reads committed
// state; writes on it panic.
type Tx struct {
	s        *Store
	writable bool

	instruments map[string]types.Instrument
	orders      map[string]types.Order
	executions  map[string]types.Execution
	blocks      map[string]types.BlockTrade
	allocations map[string]types.Allocation
	outbox      []OutboxEntry
}

func newTx(s *Store, writable bool) *Tx {
	tx := &Tx{s: s, writable: writable}
	if writable {
		tx.instruments = make(map[string]types.Instrument)
		tx.orders = make(map[string]types.Order)
		tx.executions = make(map[string]types.Execution)
		tx.blocks = make(map[string]types.BlockTrade)
		tx.allocations = make(map[string]types.Allocation)
	}
	return tx
}

func (tx *Tx) mustWrite() {
	if !tx.writable {
		panic("store: write inside View")
	}
}

// lookup reads through the staged overlay into the committed table.
func lookup[T any](staged, base map[string]T, id string) (T, error) {
	if v, ok := staged[id]; ok {
		return v, nil
	}
	if v, ok := base[id]; ok {
		return v, nil
	}
	var zero T
	return zero, ErrNotFound
}

// scan returns every row matching pred, staged rows shadowing committed
// ones. Order is unspecified; callers that care must sort.
func scan[T any](staged, base map[string]T, pred func(T) bool) []T {
	var out []T
	for id, v := range base {
		if _, shadowed := staged[id]; shadowed {
			continue
		}
		if pred(v) {
			out = append(out, v)
		}
	}
	for _, v := range staged {
		if pred(v) {
			out = append(out, v)
		}
	}
	return out
}

// one returns the row matching pred, ErrNotFound for zero matches and
// ErrNotUnique for more than one.
func one[T any](staged, base map[string]T, pred func(T) bool) (T, error) {
	rows := scan(staged, base, pred)
	var zero T
	switch len(rows) {
	case 0:
		return zero, ErrNotFound
	case 1:
		return rows[0], nil
	default:
		return zero, ErrNotUnique
	}
}

// ————————————————————————————————————————————————————————————————————————
// Instruments and orders (reference data, written only by the loader)
// ————————————————————————————————————————————————————————————————————————

func (tx *Tx) PutInstrument(ins types.Instrument) {
	tx.mustWrite()
	tx.instruments[ins.InstrumentID] = ins
}

func (tx *Tx) InstrumentByID(id string) (types.Instrument, error) {
	return lookup(tx.instruments, tx.s.instruments, id)
}

func (tx *Tx) InstrumentsWhere(pred func(types.Instrument) bool) []types.Instrument {
	return scan(tx.instruments, tx.s.instruments, pred)
}

func (tx *Tx) PutOrder(o types.Order) {
	tx.mustWrite()
	tx.orders[o.OrderID] = o
}

func (tx *Tx) OrderByID(id string) (types.Order, error) {
	return lookup(tx.orders, tx.s.orders, id)
}

func (tx *Tx) OrdersWhere(pred func(types.Order) bool) []types.Order {
	return scan(tx.orders, tx.s.orders, pred)
}

// ————————————————————————————————————————————————————————————————————————
// Executions, blocks, allocations
// ————————————————————————————————————————————————————————————————————————

func (tx *Tx) PutExecution(e types.Execution) {
	tx.mustWrite()
	tx.executions[e.ExecID] = e
}

func (tx *Tx) ExecutionByID(id string) (types.Execution, error) {
	return lookup(tx.executions, tx.s.executions, id)
}

func (tx *Tx) ExecutionsWhere(pred func(types.Execution) bool) []types.Execution {
	return scan(tx.executions, tx.s.executions, pred)
}

func (tx *Tx) PutBlock(b types.BlockTrade) {
	tx.mustWrite()
	tx.blocks[b.BlockID] = b
}

func (tx *Tx) BlockByID(id string) (types.BlockTrade, error) {
	return lookup(tx.blocks, tx.s.blocks, id)
}

func (tx *Tx) BlocksWhere(pred func(types.BlockTrade) bool) []types.BlockTrade {
	return scan(tx.blocks, tx.s.blocks, pred)
}

// SingleBlockWhere returns the one block matching pred. More than one match
// is a broken uniqueness invariant and surfaces as ErrNotUnique.
func (tx *Tx) SingleBlockWhere(pred func(types.BlockTrade) bool) (types.BlockTrade, error) {
	return one(tx.blocks, tx.s.blocks, pred)
}

func (tx *Tx) PutAllocation(a types.Allocation) {
	tx.mustWrite()
	tx.allocations[a.AllocID] = a
}

func (tx *Tx) AllocationByID(id string) (types.Allocation, error) {
	return lookup(tx.allocations, tx.s.allocations, id)
}

func (tx *Tx) AllocationsWhere(pred func(types.Allocation) bool) []types.Allocation {
	return scan(tx.allocations, tx.s.allocations, pred)
}

// ————————————————————————————————————————————————————————————————————————
// Outbox
// ————————————————————————————————————————————————————————————————————————

// EnqueuePublish stages an event publication that commits atomically with
// the transaction's table writes.
func (tx *Tx) EnqueuePublish(topic string, env types.Envelope) {
	tx.mustWrite()
	tx.outbox = append(tx.outbox, newPublishEntry(topic, env))
}

// EnqueueSettle stages a settlement instruction for gateway dispatch.
func (tx *Tx) EnqueueSettle(ins types.SettlementInstruction) {
	tx.mustWrite()
	tx.outbox = append(tx.outbox, newSettleEntry(ins))
}

// ————————————————————————————————————————————————————————————————————————
// Commit
// ————————————————————————————————————————————————————————————————————————

type changeSet struct {
	execsUpdated   []types.Execution
	allocsWritten  []types.Allocation
	outboxAppended bool
}

// commitLocked applies staged writes to the committed tables and collects
// the notifications the store fires after the lock is released. Caller
// holds the write lock.
func (tx *Tx) commitLocked() changeSet {
	var ch changeSet

	for id, v := range tx.instruments {
		tx.s.instruments[id] = v
	}
	for id, v := range tx.orders {
		tx.s.orders[id] = v
	}
	for id, v := range tx.executions {
		if old, ok := tx.s.executions[id]; ok && (!old.Qty.Equal(v.Qty) || !old.Price.Equal(v.Price)) {
			ch.execsUpdated = append(ch.execsUpdated, v)
		}
		tx.s.executions[id] = v
	}
	for id, v := range tx.blocks {
		tx.s.blocks[id] = v
	}
	for id, v := range tx.allocations {
		old, existed := tx.s.allocations[id]
		if !existed || !old.AllocQty.Equal(v.AllocQty) || !old.AllocPrice.Equal(v.AllocPrice) {
			ch.allocsWritten = append(ch.allocsWritten, v)
		}
		tx.s.allocations[id] = v
	}
	if len(tx.outbox) > 0 {
		tx.s.outbox = append(tx.s.outbox, tx.outbox...)
		ch.outboxAppended = true
	}
	return ch
}
