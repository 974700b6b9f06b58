package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Identifiers for derived entities are pure functions of their natural keys:
// replaying the same inputs regenerates the same ids, so at-least-once
// delivery collapses into idempotent upserts instead of duplicate rows.

func derive(prefix string, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return prefix + hex.EncodeToString(sum[:12])
}

// BlockID derives the block identifier for an aggregation group.
func BlockID(instrumentID string, side Side, tradeDate string) string {
	return derive("BLK-", instrumentID, string(side), tradeDate)
}

// AllocID derives the allocation identifier for one account's slice of a block.
func AllocID(blockID, accountID string) string {
	return derive("ALC-", blockID, accountID)
}

// SettleID derives the settlement identifier for an allocation. It is also
// the Idempotency-Key the gateway dedupes on.
func SettleID(allocID string) string {
	return derive("STL-", allocID)
}

// EventID derives the envelope identifier from the event type and the
// canonical payload bytes. Identical content maps to the identical id, which
// lets publishers and consumers drop replayed events.
func EventID(eventType string, payload []byte) string {
	return derive("EVT-", eventType, string(payload))
}
