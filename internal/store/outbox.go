package store

import (
	"time"

	"github.com/google/uuid"

	"tradeflow/pkg/types"
)

// OutboxKind tags what a row carries.
type OutboxKind string

const (
	// OutboxPublish rows carry an envelope for the trade bus.
	OutboxPublish OutboxKind = "publish"
	// OutboxSettle rows carry an instruction for the settlement gateway.
	OutboxSettle OutboxKind = "settle"
)

// OutboxEntry is one staged outbound effect. Rows commit atomically with
// the transaction that produced them and are delivered at least once by
// the dispatcher; every payload is idempotent downstream, so redelivery
// is safe.
type OutboxEntry struct {
	ID        string
	Kind      OutboxKind
	CreatedAt time.Time

	// publish rows
	Topic    string
	Envelope types.Envelope

	// settle rows
	Instruction types.SettlementInstruction

	Attempts int
	Done     bool
}

func newPublishEntry(topic string, env types.Envelope) OutboxEntry {
	return OutboxEntry{
		ID:        uuid.NewString(),
		Kind:      OutboxPublish,
		CreatedAt: nowFunc(),
		Topic:     topic,
		Envelope:  env,
	}
}

func newSettleEntry(ins types.SettlementInstruction) OutboxEntry {
	return OutboxEntry{
		ID:          uuid.NewString(),
		Kind:        OutboxSettle,
		CreatedAt:   nowFunc(),
		Instruction: ins,
	}
}

// NewPublishEntry builds a publish row for EnqueueDirect callers.
func NewPublishEntry(topic string, env types.Envelope) OutboxEntry {
	return newPublishEntry(topic, env)
}
