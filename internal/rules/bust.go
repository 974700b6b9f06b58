package rules

import (
	"context"
	"errors"
	"fmt"

	"tradeflow/internal/store"
	"tradeflow/pkg/types"
)

// HandleBust reacts to a committed execution update. When the new quantity
// is zero or negative the fill was busted and its aggregation group's block
// is retired to BUSTED, which makes it inert to allocation. Allocations and
// settlements already emitted for the block are not retracted here; the
// compensating flow is downstream's.
//
// A later good fill for the same group rebuilds the block in place: the
// block id is a pure function of the group key and re-aggregation skips
// zeroed fills, so the group converges without special casing.
func (r *Runtime) HandleBust(ctx context.Context, exec types.Execution) error {
	if exec.Qty.IsPositive() {
		return nil // a price-only correction, nothing to retire
	}

	ctx, cancel := r.begin(ctx)
	defer cancel()

	var retired string
	err := r.store.Update(func(tx *store.Tx) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rule budget exhausted: %w", err)
		}

		order, err := tx.OrderByID(exec.OrderID)
		if errors.Is(err, store.ErrNotFound) {
			return rejectf("bust", "exec %s: order %s not found", exec.ExecID, exec.OrderID)
		}
		if err != nil {
			return fmt.Errorf("resolve order %s: %w", exec.OrderID, err)
		}

		// The group key scopes the lookup: instrument and side through the
		// parent order, trade date from the fill itself. Without the date a
		// bust would reach across to another day's block.
		block, err := tx.SingleBlockWhere(func(b types.BlockTrade) bool {
			return b.InstrumentID == order.InstrumentID &&
				b.Side == order.Side &&
				b.TradeDate == exec.TradeDate
		})
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("bust for a group with no block", "exec_id", exec.ExecID)
			return nil
		}
		if errors.Is(err, store.ErrNotUnique) {
			return &FatalError{Stage: "bust", Err: fmt.Errorf("group (%s,%s,%s): %w", order.InstrumentID, order.Side, exec.TradeDate, err)}
		}
		if err != nil {
			return err
		}

		if block.Status == types.BlockBusted {
			return nil // redelivered bust, already retired
		}
		block.Status = types.BlockBusted
		tx.PutBlock(block)
		retired = block.BlockID
		return nil
	})
	if err != nil {
		return err
	}

	if retired != "" {
		r.logger.Warn("block busted", "block_id", retired, "exec_id", exec.ExecID)
	}
	return nil
}
