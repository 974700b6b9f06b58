package rules

import (
	"context"
	"errors"
	"fmt"

	"tradeflow/internal/store"
	"tradeflow/pkg/types"
)

// GenerateSettlement turns one committed allocation into a settlement
// instruction and stages it for gateway dispatch. The settle id derives
// from the alloc id, so the gateway sees the same Idempotency-Key however
// often the allocation notification is replayed. SettlementSent is
// published by the dispatcher only after the gateway acknowledges.
func (r *Runtime) GenerateSettlement(ctx context.Context, alloc types.Allocation) error {
	ctx, cancel := r.begin(ctx)
	defer cancel()

	var settleID string
	err := r.store.Update(func(tx *store.Tx) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rule budget exhausted: %w", err)
		}

		// Instrument resolves through the allocation's block.
		block, err := tx.BlockByID(alloc.BlockID)
		if errors.Is(err, store.ErrNotFound) {
			return rejectf("settle", "alloc %s: block %s not found", alloc.AllocID, alloc.BlockID)
		}
		if err != nil {
			return fmt.Errorf("resolve block %s: %w", alloc.BlockID, err)
		}
		instrument, err := tx.InstrumentByID(block.InstrumentID)
		if errors.Is(err, store.ErrNotFound) {
			return rejectf("settle", "block %s: instrument %s not found", block.BlockID, block.InstrumentID)
		}
		if err != nil {
			return fmt.Errorf("resolve instrument %s: %w", block.InstrumentID, err)
		}

		settleDate, err := r.cal.AddBusinessDays(block.TradeDate, r.settleLag)
		if err != nil {
			return rejectf("settle", "block %s: %v", block.BlockID, err)
		}

		scale := r.scale(instrument.Currency)
		settleID = types.SettleID(alloc.AllocID)
		tx.EnqueueSettle(types.SettlementInstruction{
			SettleID:     settleID,
			AllocID:      alloc.AllocID,
			AccountID:    alloc.AccountID,
			InstrumentID: instrument.InstrumentID,
			ISIN:         instrument.ISIN,
			Qty:          alloc.AllocQty,
			CashAmount:   types.RoundHalfEven(alloc.AllocQty.Mul(alloc.AllocPrice), scale),
			Currency:     instrument.Currency,
			SettleDate:   settleDate,
			Method:       r.method,
		})
		return nil
	})
	if err != nil {
		return err
	}

	r.counters.SettlementsQueued.Add(1)
	r.logger.Info("settlement queued", "settle_id", settleID, "alloc_id", alloc.AllocID)
	return nil
}
