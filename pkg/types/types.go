// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: trade entities, block
// and allocation records, settlement instructions, and the event envelopes
// published on the trade bus. It has no dependencies on internal packages, so
// it can be imported by any layer.
package types

import (
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// SecurityType classifies an instrument.
type SecurityType string

const (
	EQUITY SecurityType = "EQUITY"
	BOND   SecurityType = "BOND"
	SWAP   SecurityType = "SWAP"
)

// BlockStatus enumerates the block trade lifecycle.
type BlockStatus string

const (
	BlockOpen      BlockStatus = "OPEN"              // created, not yet aggregated
	BlockReady     BlockStatus = "READY_TO_ALLOCATE" // aggregates current, awaiting allocation
	BlockAllocated BlockStatus = "ALLOCATED"         // allocations written
	BlockBusted    BlockStatus = "BUSTED"            // a constituent fill was busted; inert
)

// ExecType distinguishes a new fill from a bust correction on the inbound
// execution stream. A BUST re-delivers a known execId with the corrected
// (zero) quantity, so it must bypass the duplicate screen that guards fills.
type ExecType string

const (
	ExecNew  ExecType = "NEW"
	ExecBust ExecType = "BUST"
)

// SettleMethod identifies the settlement mechanism on an instruction.
type SettleMethod string

const (
	DVP SettleMethod = "DVP" // delivery versus payment
	FOP SettleMethod = "FOP" // free of payment
)

// ————————————————————————————————————————————————————————————————————————
// Trade entities
// ————————————————————————————————————————————————————————————————————————
// Quantities, prices and cash amounts are decimal.Decimal end to end; they
// marshal as JSON strings, which preserves decimal precision across the wire
// exactly as the upstream FIX drop copy delivers them.

// Instrument is static reference data. Created externally, read-only here.
type Instrument struct {
	InstrumentID string       `json:"instrumentId"`
	SecurityType SecurityType `json:"securityType"`
	ISIN         string       `json:"isin"`
	Currency     string       `json:"currency"` // ISO code, keys the currency-scale table
	Venue        string       `json:"venue"`    // market identifier
}

// Order is an upstream parent order. Created externally, read-only here.
// Executions reference their parent order by OrderID.
type Order struct {
	OrderID      string          `json:"orderId"`
	AccountID    string          `json:"accountId"`
	InstrumentID string          `json:"instrumentId"`
	Side         Side            `json:"side"`
	Qty          decimal.Decimal `json:"qty"`
	Trader       string          `json:"trader"`
}

// Execution is a single fill against a parent order. Inserted on ingest;
// mutated only by bust corrections, which zero the quantity.
type Execution struct {
	ExecID       string          `json:"execId"`
	OrderID      string          `json:"orderId"`
	InstrumentID string          `json:"instrumentId"`
	Qty          decimal.Decimal `json:"qty"`
	Price        decimal.Decimal `json:"price"`
	TradeDate    string          `json:"tradeDate"` // YYYYMMDD
	Venue        string          `json:"venue"`
}

// BlockTrade aggregates all fills for one (instrument, side, tradeDate)
// group. GrossQty and AvgPrice are recomputed from the full fill set on
// every update, so the block is a pure function of its current executions
// and replays converge on identical state.
type BlockTrade struct {
	BlockID      string          `json:"blockId"`
	InstrumentID string          `json:"instrumentId"`
	Side         Side            `json:"side"`
	TradeDate    string          `json:"tradeDate"`
	GrossQty     decimal.Decimal `json:"grossQty"`
	AvgPrice     decimal.Decimal `json:"avgPrice"` // qty-weighted, half-even at currency scale
	Status       BlockStatus     `json:"status"`
}

// Allocation carves a block out to one account. AllocID is a pure function
// of (blockId, accountId), so re-allocating the same block overwrites the
// same rows instead of minting duplicates.
type Allocation struct {
	AllocID    string          `json:"allocId"`
	BlockID    string          `json:"blockId"`
	AccountID  string          `json:"accountId"`
	AllocQty   decimal.Decimal `json:"allocQty"`
	AllocPrice decimal.Decimal `json:"allocPrice"` // block average price
}

// SettlementInstruction is the payload posted to the settlement gateway.
// SettleID doubles as the gateway idempotency key. Instructions are not
// persisted; they are materialized from the allocation and staged on the
// outbox for dispatch.
type SettlementInstruction struct {
	SettleID     string          `json:"settleId"`
	AllocID      string          `json:"allocId"`
	AccountID    string          `json:"accountId"`
	InstrumentID string          `json:"instrumentId"`
	ISIN         string          `json:"isin"`
	Qty          decimal.Decimal `json:"qty"`
	CashAmount   decimal.Decimal `json:"cashAmount"` // qty × price, half-even at currency scale
	Currency     string          `json:"currency"`
	SettleDate   string          `json:"settleDate"` // tradeDate + settlement lag, YYYYMMDD
	Method       SettleMethod    `json:"method"`
}

// ————————————————————————————————————————————————————————————————————————
// Inbound stream
// ————————————————————————————————————————————————————————————————————————

// ExecutionMessage is the JSON body of one record on the execution topic.
// ExecType is optional on the wire; absent means NEW.
type ExecutionMessage struct {
	ExecID       string          `json:"execId"`
	OrderID      string          `json:"orderId"`
	InstrumentID string          `json:"instrumentId"`
	Qty          decimal.Decimal `json:"qty"`
	Price        decimal.Decimal `json:"price"`
	TradeDate    string          `json:"tradeDate"`
	Venue        string          `json:"venue"`
	ExecType     ExecType        `json:"execType,omitempty"`
}

// Execution converts the wire message to the stored entity.
func (m ExecutionMessage) Execution() Execution {
	return Execution{
		ExecID:       m.ExecID,
		OrderID:      m.OrderID,
		InstrumentID: m.InstrumentID,
		Qty:          m.Qty,
		Price:        m.Price,
		TradeDate:    m.TradeDate,
		Venue:        m.Venue,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Decimal helpers
// ————————————————————————————————————————————————————————————————————————

// RoundHalfEven rounds d to scale decimal places using banker's rounding,
// the rounding mode for every cash amount and average price the engine emits.
func RoundHalfEven(d decimal.Decimal, scale int32) decimal.Decimal {
	return d.RoundBank(scale)
}

// WeightedAvgPrice returns sum(qty×price)/sum(qty) rounded half-even to
// scale. Returns zero when the quantity sum is zero.
func WeightedAvgPrice(notional, qtySum decimal.Decimal, scale int32) decimal.Decimal {
	if qtySum.IsZero() {
		return decimal.Zero
	}
	return RoundHalfEven(notional.Div(qtySum), scale)
}
