package types

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Trade bus events
// ————————————————————————————————————————————————————————————————————————
// Every outbound record on the trade topic is an Envelope. Consumers switch
// on EventType + SchemaVersion before decoding Payload. The versioned wire
// name is "<EventType>.v<SchemaVersion>".

// Event type names.
const (
	EventExecutionReceived = "ExecutionReceived"
	EventBlockReady        = "BlockReady"
	EventAllocationCreated = "AllocationCreated"
	EventSettlementSent    = "SettlementSent"
	EventDeadLetter        = "DeadLetter"
)

// SchemaVersion is the current version for all event payloads.
const SchemaVersion = 1

// Envelope is the wire frame for one published event. EventID is derived
// from type and payload, so a replay of the same content carries the same
// id and downstream dedupe is a map lookup.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	SchemaVersion int             `json:"schemaVersion"`
	Payload       json.RawMessage `json:"payload"`

	// PartitionKey routes the record to a topic partition. It stays off the
	// wire body; the broker message key carries it.
	PartitionKey string `json:"-"`
}

// Name returns the versioned wire name, e.g. "BlockReady.v1".
func (e Envelope) Name() string {
	return fmt.Sprintf("%s.v%d", e.EventType, e.SchemaVersion)
}

// NewEnvelope wraps payload in a versioned envelope with a deterministic id.
func NewEnvelope(eventType, partitionKey string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       EventID(eventType, raw),
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		Payload:       raw,
		PartitionKey:  partitionKey,
	}, nil
}

// ExecutionReceivedV1 is emitted once per ingested fill.
type ExecutionReceivedV1 struct {
	ExecID  string          `json:"execId"`
	OrderID string          `json:"orderId"`
	Qty     decimal.Decimal `json:"qty"`
	Price   decimal.Decimal `json:"price"`
	Venue   string          `json:"venue"`
}

// BlockReadyV1 is emitted every time a block's aggregates are recomputed.
// It triggers allocation downstream.
type BlockReadyV1 struct {
	BlockID  string          `json:"blockId"`
	GrossQty decimal.Decimal `json:"grossQty"`
	AvgPrice decimal.Decimal `json:"avgPrice"`
}

// AllocationCreatedV1 is emitted once per allocation row an allocate pass
// writes.
type AllocationCreatedV1 struct {
	AllocID   string          `json:"allocId"`
	BlockID   string          `json:"blockId"`
	AccountID string          `json:"accountId"`
	AllocQty  decimal.Decimal `json:"allocQty"`
}

// SettlementSentV1 is emitted only after the settlement gateway has
// acknowledged the instruction.
type SettlementSentV1 struct {
	SettleID string `json:"settleId"`
	AllocID  string `json:"allocId"`
}

// DeadLetterV1 wraps a record the engine refused: validation failures,
// missing references, terminal gateway rejections, expired retries.
type DeadLetterV1 struct {
	ID      string          `json:"id"`     // natural id of the failed record
	Stage   string          `json:"stage"`  // pipeline stage that refused it
	Reason  string          `json:"reason"` // human-readable cause
	Payload json.RawMessage `json:"payload,omitempty"`
}
