package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradeflow/internal/store"
	"tradeflow/pkg/types"
)

// ProcessExecution ingests one fill and rebuilds its block trade, both in
// the same transaction: either the execution row, the refreshed block and
// the outbound events all commit, or none do.
func (r *Runtime) ProcessExecution(ctx context.Context, msg types.ExecutionMessage) error {
	ctx, cancel := r.begin(ctx)
	defer cancel()

	err := r.store.Update(func(tx *store.Tx) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rule budget exhausted: %w", err)
		}

		// Ingest preconditions
		if !msg.Qty.IsPositive() {
			return rejectf("ingest", "exec %s: qty %s not positive", msg.ExecID, msg.Qty)
		}
		if !msg.Price.IsPositive() {
			return rejectf("ingest", "exec %s: price %s not positive", msg.ExecID, msg.Price)
		}

		// BuildBlock needs the parent order; resolving it up front also
		// keys the emitted events by instrument.
		order, err := tx.OrderByID(msg.OrderID)
		if errors.Is(err, store.ErrNotFound) {
			return rejectf("build-block", "exec %s: order %s not found", msg.ExecID, msg.OrderID)
		}
		if err != nil {
			return fmt.Errorf("resolve order %s: %w", msg.OrderID, err)
		}

		switch {
		case msg.InstrumentID == "":
			msg.InstrumentID = order.InstrumentID
		case msg.InstrumentID != order.InstrumentID:
			return rejectf("ingest", "exec %s: instrument %s does not match order %s instrument %s",
				msg.ExecID, msg.InstrumentID, msg.OrderID, order.InstrumentID)
		}

		tx.PutExecution(msg.Execution())

		received, err := types.NewEnvelope(types.EventExecutionReceived, order.InstrumentID, types.ExecutionReceivedV1{
			ExecID:  msg.ExecID,
			OrderID: msg.OrderID,
			Qty:     msg.Qty,
			Price:   msg.Price,
			Venue:   msg.Venue,
		})
		if err != nil {
			return err
		}
		tx.EnqueuePublish(r.eventsTopic, received)

		return r.buildBlock(tx, order, msg.TradeDate)
	})
	if err != nil {
		return err
	}

	r.counters.ExecutionsIngested.Add(1)
	r.logger.Debug("execution ingested", "exec_id", msg.ExecID, "order_id", msg.OrderID)
	return nil
}

// ProcessBust applies a bust correction: the referenced execution's
// quantity is zeroed in place. The committed update fans out through the
// execution-updated notification, where HandleBust retires the block.
func (r *Runtime) ProcessBust(ctx context.Context, msg types.ExecutionMessage) error {
	ctx, cancel := r.begin(ctx)
	defer cancel()

	err := r.store.Update(func(tx *store.Tx) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rule budget exhausted: %w", err)
		}

		exec, err := tx.ExecutionByID(msg.ExecID)
		if errors.Is(err, store.ErrNotFound) {
			return rejectf("bust", "bust for unknown exec %s", msg.ExecID)
		}
		if err != nil {
			return fmt.Errorf("resolve exec %s: %w", msg.ExecID, err)
		}

		exec.Qty = decimal.Zero
		tx.PutExecution(exec)
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Warn("execution busted", "exec_id", msg.ExecID)
	return nil
}

// buildBlock re-aggregates the (instrument, side, tradeDate) group the new
// fill belongs to. Aggregates are recomputed from the full fill set every
// time, so the block converges to the same state no matter how often or in
// what order fills and replays arrive.
func (r *Runtime) buildBlock(tx *store.Tx, order types.Order, tradeDate string) error {
	instrument, err := tx.InstrumentByID(order.InstrumentID)
	if errors.Is(err, store.ErrNotFound) {
		return rejectf("build-block", "order %s: instrument %s not found", order.OrderID, order.InstrumentID)
	}
	if err != nil {
		return fmt.Errorf("resolve instrument %s: %w", order.InstrumentID, err)
	}

	blockID := ""
	open, err := tx.SingleBlockWhere(func(b types.BlockTrade) bool {
		return b.InstrumentID == order.InstrumentID &&
			b.Side == order.Side &&
			b.TradeDate == tradeDate &&
			b.Status == types.BlockOpen
	})
	switch {
	case err == nil:
		blockID = open.BlockID
	case errors.Is(err, store.ErrNotFound):
		blockID = types.BlockID(order.InstrumentID, order.Side, tradeDate)
	case errors.Is(err, store.ErrNotUnique):
		return &FatalError{Stage: "build-block", Err: fmt.Errorf("group (%s,%s,%s): %w", order.InstrumentID, order.Side, tradeDate, err)}
	default:
		return err
	}

	// Busted fills are zeroed, so the qty filter drops them from the sums.
	// Side lives on the parent order, not the fill.
	gross := decimal.Zero
	notional := decimal.Zero
	for _, e := range tx.ExecutionsWhere(func(e types.Execution) bool {
		if e.InstrumentID != order.InstrumentID || e.TradeDate != tradeDate || !e.Qty.IsPositive() {
			return false
		}
		parent, perr := tx.OrderByID(e.OrderID)
		return perr == nil && parent.Side == order.Side
	}) {
		gross = gross.Add(e.Qty)
		notional = notional.Add(e.Qty.Mul(e.Price))
	}

	scale := r.scale(instrument.Currency)
	block := types.BlockTrade{
		BlockID:      blockID,
		InstrumentID: order.InstrumentID,
		Side:         order.Side,
		TradeDate:    tradeDate,
		GrossQty:     gross,
		AvgPrice:     types.WeightedAvgPrice(notional, gross, scale),
		Status:       types.BlockReady,
	}
	tx.PutBlock(block)

	ready, err := types.NewEnvelope(types.EventBlockReady, block.InstrumentID, types.BlockReadyV1{
		BlockID:  block.BlockID,
		GrossQty: block.GrossQty,
		AvgPrice: block.AvgPrice,
	})
	if err != nil {
		return err
	}
	tx.EnqueuePublish(r.eventsTopic, ready)

	r.counters.BlocksBuilt.Add(1)
	return nil
}
