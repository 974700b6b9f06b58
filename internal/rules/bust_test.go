package rules

import (
	"context"
	"errors"
	"testing"

	"tradeflow/pkg/types"
)

func TestBustRetiresBlock(t *testing.T) {
	t.Parallel()
	r, st := newTestRuntime(t)
	seedRefdata(t, st)
	ctx := context.Background()

	if err := r.ProcessExecution(ctx, fill("E1", "O1", "100", "10.00")); err != nil {
		t.Fatalf("ProcessExecution: %v", err)
	}
	blockID := types.BlockID("I1", types.BUY, "20240115")

	bust := fill("E1", "O1", "0", "10.00")
	bust.ExecType = types.ExecBust
	if err := r.ProcessBust(ctx, bust); err != nil {
		t.Fatalf("ProcessBust: %v", err)
	}

	e := executionByID(t, st, "E1")
	if !e.Qty.IsZero() {
		t.Fatalf("busted execution qty = %s, want 0", e.Qty)
	}

	// The engine feeds the committed update back in; do it by hand here.
	if err := r.HandleBust(ctx, e); err != nil {
		t.Fatalf("HandleBust: %v", err)
	}

	if got := blockByID(t, st, blockID).Status; got != types.BlockBusted {
		t.Errorf("block status = %s, want BUSTED", got)
	}

	// Allocation now skips the block.
	drainOutbox(t, st)
	if err := r.AllocateBlock(ctx, blockID); err != nil {
		t.Fatalf("AllocateBlock: %v", err)
	}
	if n := len(allocationsOf(t, st, blockID)); n != 0 {
		t.Errorf("busted block produced %d allocations", n)
	}
}

func TestBustIsIdempotent(t *testing.T) {
	t.Parallel()
	r, st := newTestRuntime(t)
	seedRefdata(t, st)
	ctx := context.Background()

	if err := r.ProcessExecution(ctx, fill("E1", "O1", "100", "10.00")); err != nil {
		t.Fatalf("ProcessExecution: %v", err)
	}
	bust := fill("E1", "O1", "0", "10.00")
	bust.ExecType = types.ExecBust
	if err := r.ProcessBust(ctx, bust); err != nil {
		t.Fatalf("ProcessBust: %v", err)
	}

	e := executionByID(t, st, "E1")
	if err := r.HandleBust(ctx, e); err != nil {
		t.Fatalf("first HandleBust: %v", err)
	}
	if err := r.HandleBust(ctx, e); err != nil {
		t.Fatalf("redelivered HandleBust: %v", err)
	}

	if got := blockByID(t, st, types.BlockID("I1", types.BUY, "20240115")).Status; got != types.BlockBusted {
		t.Errorf("block status = %s, want BUSTED", got)
	}
}

func TestBustIgnoresPositiveUpdates(t *testing.T) {
	t.Parallel()
	r, st := newTestRuntime(t)
	seedRefdata(t, st)
	ctx := context.Background()

	if err := r.ProcessExecution(ctx, fill("E1", "O1", "100", "10.00")); err != nil {
		t.Fatalf("ProcessExecution: %v", err)
	}

	e := executionByID(t, st, "E1")
	if err := r.HandleBust(ctx, e); err != nil {
		t.Fatalf("HandleBust: %v", err)
	}
	if got := blockByID(t, st, types.BlockID("I1", types.BUY, "20240115")).Status; got != types.BlockReady {
		t.Errorf("positive-qty update retired the block: %s", got)
	}
}

func TestBustForUnknownExecutionRejects(t *testing.T) {
	t.Parallel()
	r, _ := newTestRuntime(t)

	bust := fill("E404", "O1", "0", "10.00")
	bust.ExecType = types.ExecBust
	err := r.ProcessBust(context.Background(), bust)
	var rej *RejectError
	if !errors.As(err, &rej) {
		t.Errorf("err = %v, want RejectError", err)
	}
}

func TestLaterFillRebuildsBustedGroup(t *testing.T) {
	t.Parallel()
	r, st := newTestRuntime(t)
	seedRefdata(t, st)
	ctx := context.Background()

	if err := r.ProcessExecution(ctx, fill("E1", "O1", "100", "10.00")); err != nil {
		t.Fatalf("ProcessExecution: %v", err)
	}
	bust := fill("E1", "O1", "0", "10.00")
	bust.ExecType = types.ExecBust
	if err := r.ProcessBust(ctx, bust); err != nil {
		t.Fatalf("ProcessBust: %v", err)
	}
	if err := r.HandleBust(ctx, executionByID(t, st, "E1")); err != nil {
		t.Fatalf("HandleBust: %v", err)
	}

	// A fresh fill for the same group rebuilds the block in place and the
	// zeroed fill stays out of the sums.
	if err := r.ProcessExecution(ctx, fill("E2", "O2", "50", "12.00")); err != nil {
		t.Fatalf("second fill: %v", err)
	}

	b := blockByID(t, st, types.BlockID("I1", types.BUY, "20240115"))
	if b.Status != types.BlockReady {
		t.Errorf("rebuilt block status = %s, want READY_TO_ALLOCATE", b.Status)
	}
	if !b.GrossQty.Equal(dec("50")) {
		t.Errorf("rebuilt GrossQty = %s, want 50 (busted fill excluded)", b.GrossQty)
	}
	if !b.AvgPrice.Equal(dec("12.00")) {
		t.Errorf("rebuilt AvgPrice = %s, want 12.00", b.AvgPrice)
	}
}
