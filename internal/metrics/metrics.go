// Package metrics keeps cheap atomic counters for the pipeline. The engine
// logs a snapshot on a ticker; nothing here talks to an external metrics
// backend.
package metrics

import "sync/atomic"

// Counters is shared by the consumers, the rules and the dispatcher.
// All fields are safe for concurrent use.
type Counters struct {
	Consumed   atomic.Int64 // inbound records handled to completion
	Duplicates atomic.Int64 // inbound records dropped by the duplicate screen
	Rejected   atomic.Int64 // inbound records refused and dead-lettered

	ExecutionsIngested atomic.Int64
	BlocksBuilt        atomic.Int64
	AllocationsCreated atomic.Int64
	SettlementsQueued  atomic.Int64

	EventsPublished atomic.Int64 // envelopes acked by the broker
	SettlementsSent atomic.Int64 // instructions acked by the gateway
	DeadLetters     atomic.Int64 // envelopes routed to the dead-letter topic
	PublishErrors   atomic.Int64
	GatewayErrors   atomic.Int64
}

// Snapshot is a point-in-time copy for logging.
type Snapshot struct {
	Consumed           int64
	Duplicates         int64
	Rejected           int64
	ExecutionsIngested int64
	BlocksBuilt        int64
	AllocationsCreated int64
	SettlementsQueued  int64
	EventsPublished    int64
	SettlementsSent    int64
	DeadLetters        int64
	PublishErrors      int64
	GatewayErrors      int64
}

// Read copies the current counter values.
func (c *Counters) Read() Snapshot {
	return Snapshot{
		Consumed:           c.Consumed.Load(),
		Duplicates:         c.Duplicates.Load(),
		Rejected:           c.Rejected.Load(),
		ExecutionsIngested: c.ExecutionsIngested.Load(),
		BlocksBuilt:        c.BlocksBuilt.Load(),
		AllocationsCreated: c.AllocationsCreated.Load(),
		SettlementsQueued:  c.SettlementsQueued.Load(),
		EventsPublished:    c.EventsPublished.Load(),
		SettlementsSent:    c.SettlementsSent.Load(),
		DeadLetters:        c.DeadLetters.Load(),
		PublishErrors:      c.PublishErrors.Load(),
		GatewayErrors:      c.GatewayErrors.Load(),
	}
}
