package feed

import (
	"hash/fnv"
	"sync"
	"time"

	"tradeflow/internal/calendar"
)

const dedupeShards = 16

// DedupeSet screens redelivered fills by exec id. Entries expire a fixed
// number of business days after their trade date; a replay arriving later
// than that passes the screen and lands on the idempotent ingest upsert
// instead. Sharded so parallel partition workers rarely contend.
type DedupeSet struct {
	cal     *calendar.Calendar
	horizon int
	shards  [dedupeShards]dedupeShard
}

type dedupeShard struct {
	mu  sync.RWMutex
	ids map[string]string // execId -> tradeDate
}

// NewDedupeSet builds a screen holding ids for horizonDays business days
// past their trade date.
func NewDedupeSet(cal *calendar.Calendar, horizonDays int) *DedupeSet {
	d := &DedupeSet{cal: cal, horizon: horizonDays}
	for i := range d.shards {
		d.shards[i].ids = make(map[string]string)
	}
	return d
}

func (d *DedupeSet) shard(execID string) *dedupeShard {
	h := fnv.New32a()
	h.Write([]byte(execID))
	return &d.shards[h.Sum32()%dedupeShards]
}

// Seen reports whether execID is inside the screen.
func (d *DedupeSet) Seen(execID string) bool {
	s := d.shard(execID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[execID]
	return ok
}

// Add records a processed fill. Call only after its transaction committed,
// or a transient failure would turn into a dropped fill.
func (d *DedupeSet) Add(execID, tradeDate string) {
	s := d.shard(execID)
	s.mu.Lock()
	s.ids[execID] = tradeDate
	s.mu.Unlock()
}

// Len counts held ids across shards.
func (d *DedupeSet) Len() int {
	n := 0
	for i := range d.shards {
		d.shards[i].mu.RLock()
		n += len(d.shards[i].ids)
		d.shards[i].mu.RUnlock()
	}
	return n
}

// Prune drops ids whose horizon has passed and returns how many went.
// Unparseable trade dates are dropped too; they can never expire on their
// own and the ingest upsert keeps their replays harmless.
func (d *DedupeSet) Prune(now time.Time) int {
	dropped := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		for id, tradeDate := range s.ids {
			within, err := d.cal.WithinHorizon(tradeDate, d.horizon, now)
			if err != nil || !within {
				delete(s.ids, id)
				dropped++
			}
		}
		s.mu.Unlock()
	}
	return dropped
}
