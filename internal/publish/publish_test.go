package publish

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"tradeflow/pkg/types"
)

type fakeWriter struct {
	msgs []kafka.Message
	fail error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.fail != nil {
		return f.fail
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func testPublisher(w messageWriter) *Publisher {
	return &Publisher{
		writer:   w,
		seen:     newSeenSet(8),
		dlqTopic: "trade.deadletter",
		logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

func blockReady(block string, gross string) types.Envelope {
	env, err := types.NewEnvelope(types.EventBlockReady, "I1", types.BlockReadyV1{
		BlockID:  block,
		GrossQty: decimal.RequireFromString(gross),
		AvgPrice: decimal.RequireFromString("10.00"),
	})
	if err != nil {
		panic(err)
	}
	return env
}

func TestPublishKeysAndFrames(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{}
	p := testPublisher(w)

	env := blockReady("B1", "100")
	if err := p.Publish(context.Background(), "trade.events", env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("messages written = %d, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if msg.Topic != "trade.events" {
		t.Errorf("topic = %q", msg.Topic)
	}
	if string(msg.Key) != "I1" {
		t.Errorf("key = %q, want partition key I1", msg.Key)
	}

	var decoded types.Envelope
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if decoded.EventID != env.EventID || decoded.EventType != types.EventBlockReady || decoded.SchemaVersion != 1 {
		t.Errorf("frame = %+v", decoded)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != types.EventBlockReady {
		t.Errorf("headers = %+v", msg.Headers)
	}
}

func TestPublishDropsReplayedEventID(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{}
	p := testPublisher(w)

	env := blockReady("B1", "100")
	for i := 0; i < 3; i++ {
		if err := p.Publish(context.Background(), "trade.events", env); err != nil {
			t.Fatalf("Publish #%d: %v", i, err)
		}
	}
	if len(w.msgs) != 1 {
		t.Errorf("replays reached the broker: %d writes", len(w.msgs))
	}

	// changed content means a different id and does go out
	if err := p.Publish(context.Background(), "trade.events", blockReady("B1", "160")); err != nil {
		t.Fatalf("Publish updated: %v", err)
	}
	if len(w.msgs) != 2 {
		t.Errorf("updated aggregate not published: %d writes", len(w.msgs))
	}
}

func TestPublishFailureStaysRetryable(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{fail: errors.New("broker unreachable")}
	p := testPublisher(w)

	env := blockReady("B1", "100")
	if err := p.Publish(context.Background(), "trade.events", env); err == nil {
		t.Fatal("Publish succeeded against failing writer")
	}

	// the id must not be poisoned by the failed attempt
	w.fail = nil
	if err := p.Publish(context.Background(), "trade.events", env); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Errorf("retry wrote %d messages, want 1", len(w.msgs))
	}
}

func TestDeadLetterWrapsRecord(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{}
	p := testPublisher(w)

	raw := []byte(`{"execId":"E1","qty":"-5"}`)
	if err := p.DeadLetter(context.Background(), "E1", "ingest", "qty -5 not positive", raw); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	if len(w.msgs) != 1 || w.msgs[0].Topic != "trade.deadletter" {
		t.Fatalf("dead letter routed wrong: %+v", w.msgs)
	}
	var env types.Envelope
	if err := json.Unmarshal(w.msgs[0].Value, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var dl types.DeadLetterV1
	if err := json.Unmarshal(env.Payload, &dl); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if dl.ID != "E1" || dl.Stage != "ingest" || string(dl.Payload) != string(raw) {
		t.Errorf("dead letter = %+v", dl)
	}
}

func TestDryRunPublishSkipsBroker(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{}
	p := testPublisher(w)
	p.dryRun = true

	if err := p.Publish(context.Background(), "trade.events", blockReady("B1", "100")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(w.msgs) != 0 {
		t.Errorf("dry run wrote %d messages", len(w.msgs))
	}
}

func TestSeenSetEviction(t *testing.T) {
	t.Parallel()
	s := newSeenSet(2)

	if !s.remember("a") || !s.remember("b") {
		t.Fatal("fresh ids rejected")
	}
	if s.remember("a") {
		t.Error("remembered id accepted again")
	}
	// capacity 2: adding c evicts the oldest, a
	if !s.remember("c") {
		t.Fatal("fresh id rejected at capacity")
	}
	if !s.remember("a") {
		t.Error("evicted id still remembered")
	}
}
