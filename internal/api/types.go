package api

import (
	"time"

	"tradeflow/internal/metrics"
	"tradeflow/internal/store"
	"tradeflow/pkg/types"
)

// ProjectionSnapshot is the complete blotter state: table sizes, pipeline
// counters and the trade tables themselves. Served on /api/projection and
// pushed to each websocket client on connect.
type ProjectionSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// Table sizes and outbox depth
	Tables store.Stats `json:"tables"`

	// Pipeline counters since process start
	Pipeline metrics.Snapshot `json:"pipeline"`

	// Trade state, sorted by primary key
	Blocks      []types.BlockTrade `json:"blocks"`
	Allocations []types.Allocation `json:"allocations"`
	Executions  []types.Execution  `json:"executions"`
}
