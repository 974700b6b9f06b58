package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"tradeflow/internal/store"
	"tradeflow/pkg/types"
)

// allocation quantities are split in whole units
var allocUnit = decimal.NewFromInt(1)

// AllocateBlock splits a ready block pro-rata across the accounts holding
// orders for its instrument. Allocation ids derive from (blockId,
// accountId), so running the same block twice rewrites identical rows.
// Blocks in any other state are skipped, which makes redelivered BlockReady
// events harmless.
func (r *Runtime) AllocateBlock(ctx context.Context, blockID string) error {
	ctx, cancel := r.begin(ctx)
	defer cancel()

	var created int
	err := r.store.Update(func(tx *store.Tx) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rule budget exhausted: %w", err)
		}

		block, err := tx.BlockByID(blockID)
		if errors.Is(err, store.ErrNotFound) {
			return rejectf("allocate", "block %s not found", blockID)
		}
		if err != nil {
			return fmt.Errorf("resolve block %s: %w", blockID, err)
		}
		if block.Status != types.BlockReady {
			r.logger.Debug("allocate skipped, block not ready",
				"block_id", blockID, "status", block.Status)
			return nil
		}
		if !block.GrossQty.IsPositive() {
			r.logger.Warn("allocate skipped, nothing left to allocate",
				"block_id", blockID, "gross_qty", block.GrossQty)
			return nil
		}

		accounts := participantAccounts(tx, block.InstrumentID)
		if len(accounts) == 0 {
			r.logger.Warn("allocate skipped, no orders for instrument",
				"block_id", blockID, "instrument_id", block.InstrumentID)
			return nil
		}

		for i, qty := range splitProRata(block.GrossQty, len(accounts)) {
			if !qty.IsPositive() {
				continue
			}
			alloc := types.Allocation{
				AllocID:    types.AllocID(block.BlockID, accounts[i]),
				BlockID:    block.BlockID,
				AccountID:  accounts[i],
				AllocQty:   qty,
				AllocPrice: block.AvgPrice,
			}
			tx.PutAllocation(alloc)
			created++

			env, err := types.NewEnvelope(types.EventAllocationCreated, block.InstrumentID, types.AllocationCreatedV1{
				AllocID:   alloc.AllocID,
				BlockID:   alloc.BlockID,
				AccountID: alloc.AccountID,
				AllocQty:  alloc.AllocQty,
			})
			if err != nil {
				return err
			}
			tx.EnqueuePublish(r.eventsTopic, env)
		}

		block.Status = types.BlockAllocated
		tx.PutBlock(block)
		return nil
	})
	if err != nil {
		return err
	}

	if created > 0 {
		r.counters.AllocationsCreated.Add(int64(created))
		r.logger.Info("block allocated", "block_id", blockID, "allocations", created)
	}
	return nil
}

// participantAccounts returns the distinct account ids holding orders for
// the instrument, in lexicographic order. Distinct because allocations key
// by account: two orders from one account share a single allocation slice.
func participantAccounts(tx *store.Tx, instrumentID string) []string {
	seen := make(map[string]struct{})
	var accounts []string
	for _, o := range tx.OrdersWhere(func(o types.Order) bool { return o.InstrumentID == instrumentID }) {
		if _, dup := seen[o.AccountID]; dup {
			continue
		}
		seen[o.AccountID] = struct{}{}
		accounts = append(accounts, o.AccountID)
	}
	sort.Strings(accounts)
	return accounts
}

// splitProRata divides gross into n slices: an equal floored base plus the
// remainder handed out one unit at a time from the front. The front slice
// also absorbs any sub-unit residue, so the slices always sum to gross
// exactly. splitProRata(100, 3) is [34 33 33].
func splitProRata(gross decimal.Decimal, n int) []decimal.Decimal {
	parts := make([]decimal.Decimal, n)
	count := decimal.NewFromInt(int64(n))

	base := gross.Div(count).RoundFloor(0)
	residual := gross.Sub(base.Mul(count))

	for i := range parts {
		parts[i] = base
		if residual.GreaterThanOrEqual(allocUnit) {
			parts[i] = parts[i].Add(allocUnit)
			residual = residual.Sub(allocUnit)
		}
	}
	if residual.IsPositive() {
		parts[0] = parts[0].Add(residual)
	}
	return parts
}
