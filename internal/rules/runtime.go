// Package rules implements the post-trade pipeline: ingest fills into the
// projection, aggregate them into block trades, allocate blocks across
// accounts, and cut settlement instructions.
//
// Each entry point runs inside one store transaction, so table writes and
// the outbound effects they imply (trade events, settlement dispatch)
// commit or roll back together. Every derived identifier is a pure
// function of its inputs, which makes redelivery of the same message an
// overwrite of identical rows rather than a duplicate. Errors carry their
// disposition: a RejectError dead-letters the record and the stream moves
// on, a FatalError halts the worker, anything else is transient and the
// record is redelivered.
package rules

import (
	"context"
	"log/slog"
	"time"

	"tradeflow/internal/calendar"
	"tradeflow/internal/config"
	"tradeflow/internal/metrics"
	"tradeflow/internal/store"
	"tradeflow/pkg/types"
)

// Runtime wires the rules to the projection store and the market calendar.
// One Runtime serves all workers; the store serializes transactions.
type Runtime struct {
	store    *store.Store
	cal      *calendar.Calendar
	counters *metrics.Counters
	logger   *slog.Logger

	eventsTopic string
	scales      map[string]int32
	settleLag   int
	method      types.SettleMethod
	timeout     time.Duration
}

// NewRuntime builds the rule runtime from configuration.
func NewRuntime(st *store.Store, cal *calendar.Calendar, ctr *metrics.Counters, cfg *config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		store:       st,
		cal:         cal,
		counters:    ctr,
		logger:      logger.With("component", "rules"),
		eventsTopic: cfg.Broker.EventsTopic,
		scales:      cfg.Currencies,
		settleLag:   cfg.Settlement.LagDays,
		method:      types.SettleMethod(cfg.Settlement.Method),
		timeout:     cfg.Rules.Timeout,
	}
}

// begin caps one rule invocation at the configured budget. The transaction
// itself is synchronous; the deadline protects the caller from pathological
// growth in the scanned tables.
func (r *Runtime) begin(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

// scale returns the minor-unit scale for a currency. Unknown currencies
// round like the majors rather than failing the trade.
func (r *Runtime) scale(currency string) int32 {
	if s, ok := r.scales[currency]; ok {
		return s
	}
	r.logger.Warn("currency missing from scale table, assuming 2", "currency", currency)
	return 2
}
