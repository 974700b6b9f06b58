package api

import (
	"sort"
	"time"

	"tradeflow/internal/metrics"
	"tradeflow/internal/store"
	"tradeflow/pkg/types"
)

// BuildSnapshot assembles the blotter state from the projection store and
// the pipeline counters. Tables are sorted by primary key so successive
// snapshots diff cleanly on the other end.
func BuildSnapshot(st *store.Store, ctr *metrics.Counters) ProjectionSnapshot {
	snap := ProjectionSnapshot{
		Timestamp: time.Now(),
		Tables:    st.Counts(),
		Pipeline:  ctr.Read(),
	}

	st.View(func(tx *store.Tx) error {
		snap.Blocks = tx.BlocksWhere(func(types.BlockTrade) bool { return true })
		snap.Allocations = tx.AllocationsWhere(func(types.Allocation) bool { return true })
		snap.Executions = tx.ExecutionsWhere(func(types.Execution) bool { return true })
		return nil
	})

	sort.Slice(snap.Blocks, func(i, j int) bool { return snap.Blocks[i].BlockID < snap.Blocks[j].BlockID })
	sort.Slice(snap.Allocations, func(i, j int) bool { return snap.Allocations[i].AllocID < snap.Allocations[j].AllocID })
	sort.Slice(snap.Executions, func(i, j int) bool { return snap.Executions[i].ExecID < snap.Executions[j].ExecID })

	return snap
}
