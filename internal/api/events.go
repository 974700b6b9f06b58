package api

import (
	"time"

	"tradeflow/pkg/types"
)

// BlotterEvent frames everything pushed down the websocket: one snapshot
// on connect, then one event per envelope the dispatcher gets onto the
// bus. Clients switch on Type.
type BlotterEvent struct {
	Type      string    `json:"type"` // "snapshot" or "event"
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

func newSnapshotEvent(snap ProjectionSnapshot) BlotterEvent {
	return BlotterEvent{
		Type:      "snapshot",
		Timestamp: time.Now(),
		Data:      snap,
	}
}

func newEnvelopeEvent(env types.Envelope) BlotterEvent {
	return BlotterEvent{
		Type:      "event",
		Timestamp: time.Now(),
		Data:      env,
	}
}
