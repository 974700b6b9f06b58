package rules

// Shared fixtures for the rule tests. Reference data mirrors a small desk:
// one USD instrument with three accounts trading it, one JPY instrument,
// all dated Monday 2024-01-15 so T+2 lands on Wednesday.

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/calendar"
	"tradeflow/internal/config"
	"tradeflow/internal/metrics"
	"tradeflow/internal/store"
	"tradeflow/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestRuntime(t *testing.T) (*Runtime, *store.Store) {
	t.Helper()

	st := store.New()
	t.Cleanup(st.Close)

	cal, err := calendar.New(nil)
	if err != nil {
		t.Fatalf("calendar.New: %v", err)
	}

	cfg := &config.Config{
		Broker:     config.BrokerConfig{EventsTopic: "trade.events"},
		Currencies: map[string]int32{"USD": 2, "JPY": 0},
		Settlement: config.SettlementConfig{LagDays: 2, Method: "DVP"},
		Rules:      config.RulesConfig{Timeout: time.Minute},
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	return NewRuntime(st, cal, &metrics.Counters{}, cfg, logger), st
}

func seedRefdata(t *testing.T, st *store.Store) {
	t.Helper()
	err := st.Update(func(tx *store.Tx) error {
		tx.PutInstrument(types.Instrument{InstrumentID: "I1", SecurityType: types.EQUITY, ISIN: "US00000ACME1", Currency: "USD", Venue: "XNYS"})
		tx.PutInstrument(types.Instrument{InstrumentID: "I2", SecurityType: types.EQUITY, ISIN: "JP000000NKY5", Currency: "JPY", Venue: "XTKS"})
		tx.PutOrder(types.Order{OrderID: "O1", AccountID: "ACC-A", InstrumentID: "I1", Side: types.BUY, Qty: dec("500"), Trader: "jdoe"})
		tx.PutOrder(types.Order{OrderID: "O2", AccountID: "ACC-B", InstrumentID: "I1", Side: types.BUY, Qty: dec("500"), Trader: "jdoe"})
		tx.PutOrder(types.Order{OrderID: "O3", AccountID: "ACC-C", InstrumentID: "I1", Side: types.BUY, Qty: dec("500"), Trader: "asmith"})
		tx.PutOrder(types.Order{OrderID: "O9", AccountID: "ACC-J", InstrumentID: "I2", Side: types.SELL, Qty: dec("100"), Trader: "asmith"})
		return nil
	})
	if err != nil {
		t.Fatalf("seed refdata: %v", err)
	}
}

func fill(execID, orderID, qty, price string) types.ExecutionMessage {
	return types.ExecutionMessage{
		ExecID:    execID,
		OrderID:   orderID,
		Qty:       dec(qty),
		Price:     dec(price),
		TradeDate: "20240115",
		Venue:     "XNYS",
	}
}

// drainOutbox pops every pending outbox row, acking as it goes.
func drainOutbox(t *testing.T, st *store.Store) []store.OutboxEntry {
	t.Helper()
	var rows []store.OutboxEntry
	for {
		e, ok := st.NextOutbox()
		if !ok {
			return rows
		}
		rows = append(rows, e)
		st.MarkOutboxDone(e.ID)
	}
}

func blockByID(t *testing.T, st *store.Store, id string) types.BlockTrade {
	t.Helper()
	var b types.BlockTrade
	if err := st.View(func(tx *store.Tx) error {
		var err error
		b, err = tx.BlockByID(id)
		return err
	}); err != nil {
		t.Fatalf("block %s: %v", id, err)
	}
	return b
}

func allocationsOf(t *testing.T, st *store.Store, blockID string) []types.Allocation {
	t.Helper()
	var out []types.Allocation
	if err := st.View(func(tx *store.Tx) error {
		out = tx.AllocationsWhere(func(a types.Allocation) bool { return a.BlockID == blockID })
		return nil
	}); err != nil {
		t.Fatalf("allocations of %s: %v", blockID, err)
	}
	return out
}

func executionByID(t *testing.T, st *store.Store, id string) types.Execution {
	t.Helper()
	var e types.Execution
	if err := st.View(func(tx *store.Tx) error {
		var err error
		e, err = tx.ExecutionByID(id)
		return err
	}); err != nil {
		t.Fatalf("execution %s: %v", id, err)
	}
	return e
}
