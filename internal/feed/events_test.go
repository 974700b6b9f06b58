package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"tradeflow/internal/metrics"
	"tradeflow/internal/rules"
	"tradeflow/pkg/types"
)

type fakeAllocator struct {
	blocks []string
	errs   map[string][]error
}

func (a *fakeAllocator) AllocateBlock(_ context.Context, blockID string) error {
	if q := a.errs[blockID]; len(q) > 0 {
		a.errs[blockID] = q[1:]
		return q[0]
	}
	a.blocks = append(a.blocks, blockID)
	return nil
}

func envelopeRecord(t *testing.T, eventType, key string, payload any) kafka.Message {
	t.Helper()
	env, err := types.NewEnvelope(eventType, key, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return kafka.Message{Value: b}
}

func runEventConsumer(t *testing.T, a Allocator, dlq deadLetterer, msgs ...kafka.Message) (*scriptedReader, *metrics.Counters) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &scriptedReader{msgs: msgs, cancel: cancel}
	ctr := &metrics.Counters{}
	c := &EventConsumer{
		reader:       r,
		allocator:    a,
		dlq:          dlq,
		counters:     ctr,
		logger:       slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		retryInitial: time.Millisecond,
		retryMax:     4 * time.Millisecond,
	}
	c.Run(ctx)
	return r, ctr
}

func TestBlockReadyTriggersAllocation(t *testing.T) {
	t.Parallel()
	a := &fakeAllocator{}

	r, _ := runEventConsumer(t, a, &fakeDLQ{},
		envelopeRecord(t, types.EventBlockReady, "I1", types.BlockReadyV1{
			BlockID:  "BLK-1",
			GrossQty: decimal.NewFromInt(100),
			AvgPrice: decimal.RequireFromString("10.00"),
		}),
	)

	if len(a.blocks) != 1 || a.blocks[0] != "BLK-1" {
		t.Errorf("allocated blocks = %v, want [BLK-1]", a.blocks)
	}
	if len(r.commits) != 1 {
		t.Errorf("offsets committed = %d, want 1", len(r.commits))
	}
}

func TestOtherEventTypesAreSkipped(t *testing.T) {
	t.Parallel()
	a := &fakeAllocator{}

	r, _ := runEventConsumer(t, a, &fakeDLQ{},
		envelopeRecord(t, types.EventExecutionReceived, "I1", types.ExecutionReceivedV1{
			ExecID: "E1", OrderID: "O1",
			Qty: decimal.NewFromInt(100), Price: decimal.NewFromInt(10),
		}),
		envelopeRecord(t, types.EventSettlementSent, "I1", types.SettlementSentV1{
			SettleID: "STL-1", AllocID: "ALC-1",
		}),
	)

	if len(a.blocks) != 0 {
		t.Errorf("non-BlockReady events triggered allocation: %v", a.blocks)
	}
	if len(r.commits) != 2 {
		t.Errorf("offsets committed = %d, want 2", len(r.commits))
	}
}

func TestAllocationRejectIsDeadLettered(t *testing.T) {
	t.Parallel()
	a := &fakeAllocator{errs: map[string][]error{
		"BLK-ghost": {&rules.RejectError{Stage: "allocate", Reason: "block not found"}},
	}}
	dlq := &fakeDLQ{}

	r, ctr := runEventConsumer(t, a, dlq,
		envelopeRecord(t, types.EventBlockReady, "I1", types.BlockReadyV1{
			BlockID: "BLK-ghost", GrossQty: decimal.NewFromInt(1), AvgPrice: decimal.NewFromInt(1),
		}),
	)

	if len(dlq.ids) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dlq.ids))
	}
	if len(r.commits) != 1 {
		t.Errorf("offsets committed = %d, want 1", len(r.commits))
	}
	if got := ctr.Read(); got.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", got.Rejected)
	}
}

func TestAllocationTransientFailureRetries(t *testing.T) {
	t.Parallel()
	a := &fakeAllocator{errs: map[string][]error{
		"BLK-1": {context.DeadlineExceeded},
	}}

	r, _ := runEventConsumer(t, a, &fakeDLQ{},
		envelopeRecord(t, types.EventBlockReady, "I1", types.BlockReadyV1{
			BlockID: "BLK-1", GrossQty: decimal.NewFromInt(1), AvgPrice: decimal.NewFromInt(1),
		}),
	)

	if len(a.blocks) != 1 {
		t.Fatalf("allocation not retried to success: %v", a.blocks)
	}
	if len(r.commits) != 1 {
		t.Errorf("offsets committed = %d, want 1", len(r.commits))
	}
}

func TestGarbageEnvelopeIsDeadLettered(t *testing.T) {
	t.Parallel()
	a := &fakeAllocator{}
	dlq := &fakeDLQ{}

	r, _ := runEventConsumer(t, a, dlq, kafka.Message{Value: []byte("{broken")})

	if len(dlq.ids) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dlq.ids))
	}
	if len(r.commits) != 1 {
		t.Errorf("offsets committed = %d, want 1 (poison must not wedge)", len(r.commits))
	}
	if len(a.blocks) != 0 {
		t.Errorf("garbage reached the allocator")
	}
}
