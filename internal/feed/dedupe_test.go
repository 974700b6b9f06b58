package feed

import (
	"fmt"
	"testing"
	"time"

	"tradeflow/internal/calendar"
)

func testCalendar(t *testing.T) *calendar.Calendar {
	t.Helper()
	cal, err := calendar.New(nil)
	if err != nil {
		t.Fatalf("calendar.New: %v", err)
	}
	return cal
}

func TestDedupeSeenAfterAdd(t *testing.T) {
	t.Parallel()
	d := NewDedupeSet(testCalendar(t), 7)

	if d.Seen("E1") {
		t.Error("empty set reported E1 as seen")
	}
	d.Add("E1", "20240115")
	if !d.Seen("E1") {
		t.Error("E1 not seen after Add")
	}
	if d.Seen("E2") {
		t.Error("E2 seen without Add")
	}
	if got := d.Len(); got != 1 {
		t.Errorf("Len = %d, want 1", got)
	}
}

func TestDedupeSpreadsAcrossShards(t *testing.T) {
	t.Parallel()
	d := NewDedupeSet(testCalendar(t), 7)

	for i := 0; i < 200; i++ {
		d.Add(fmt.Sprintf("EXEC-%04d", i), "20240115")
	}
	if got := d.Len(); got != 200 {
		t.Fatalf("Len = %d, want 200", got)
	}
	for i := 0; i < 200; i++ {
		if !d.Seen(fmt.Sprintf("EXEC-%04d", i)) {
			t.Fatalf("EXEC-%04d lost", i)
		}
	}
}

func TestPruneDropsExpiredIDs(t *testing.T) {
	t.Parallel()
	d := NewDedupeSet(testCalendar(t), 7)

	// Monday Jan 15 plus 7 business days ends Wednesday Jan 24.
	d.Add("E-old", "20240115")
	d.Add("E-new", "20240122")

	onEdge := time.Date(2024, 1, 24, 23, 0, 0, 0, time.UTC)
	if dropped := d.Prune(onEdge); dropped != 0 {
		t.Errorf("Prune on the horizon edge dropped %d", dropped)
	}

	past := time.Date(2024, 1, 25, 1, 0, 0, 0, time.UTC)
	if dropped := d.Prune(past); dropped != 1 {
		t.Errorf("Prune past the horizon dropped %d, want 1", dropped)
	}
	if d.Seen("E-old") {
		t.Error("expired id survived the prune")
	}
	if !d.Seen("E-new") {
		t.Error("live id was pruned")
	}
}

func TestPruneDropsUnparseableDates(t *testing.T) {
	t.Parallel()
	d := NewDedupeSet(testCalendar(t), 7)

	d.Add("E-bad", "not-a-date")
	if dropped := d.Prune(time.Now()); dropped != 1 {
		t.Errorf("Prune dropped %d, want the unparseable entry", dropped)
	}
}
