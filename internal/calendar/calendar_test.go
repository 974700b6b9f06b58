package calendar

import (
	"testing"
	"time"
)

func mustNew(t *testing.T, holidays []string) *Calendar {
	t.Helper()
	c, err := New(holidays)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestAddBusinessDays(t *testing.T) {
	t.Parallel()

	c := mustNew(t, nil)

	tests := []struct {
		date string
		n    int
		want string
	}{
		{"20240115", 2, "20240117"}, // Mon -> Wed
		{"20240118", 2, "20240122"}, // Thu -> Mon, over the weekend
		{"20240119", 1, "20240122"}, // Fri -> Mon
		{"20240120", 1, "20240122"}, // Sat start still lands on Mon
		{"20240115", 0, "20240115"},
	}

	for _, tt := range tests {
		got, err := c.AddBusinessDays(tt.date, tt.n)
		if err != nil {
			t.Fatalf("AddBusinessDays(%s, %d): %v", tt.date, tt.n, err)
		}
		if got != tt.want {
			t.Errorf("AddBusinessDays(%s, %d) = %s, want %s", tt.date, tt.n, got, tt.want)
		}
	}
}

func TestAddBusinessDaysSkipsHolidays(t *testing.T) {
	t.Parallel()

	// Tuesday 20240116 is a holiday: Mon + 2 now lands on Thursday.
	c := mustNew(t, []string{"20240116"})

	got, err := c.AddBusinessDays("20240115", 2)
	if err != nil {
		t.Fatalf("AddBusinessDays: %v", err)
	}
	if got != "20240118" {
		t.Errorf("AddBusinessDays over holiday = %s, want 20240118", got)
	}
}

func TestNewRejectsMalformedHoliday(t *testing.T) {
	t.Parallel()

	if _, err := New([]string{"2024-01-01"}); err == nil {
		t.Error("New accepted a malformed holiday date")
	}
}

func TestAddBusinessDaysRejectsMalformedDate(t *testing.T) {
	t.Parallel()

	c := mustNew(t, nil)
	if _, err := c.AddBusinessDays("Jan 15", 2); err == nil {
		t.Error("AddBusinessDays accepted a malformed date")
	}
}

func TestWithinHorizon(t *testing.T) {
	t.Parallel()

	c := mustNew(t, nil)

	// 20240115 + 7 business days = 20240124.
	tests := []struct {
		now  string
		want bool
	}{
		{"20240115", true},
		{"20240124", true},  // last day inside
		{"20240125", false}, // first day outside
	}

	for _, tt := range tests {
		now, err := time.Parse(Layout, tt.now)
		if err != nil {
			t.Fatalf("parse %s: %v", tt.now, err)
		}
		got, err := c.WithinHorizon("20240115", 7, now)
		if err != nil {
			t.Fatalf("WithinHorizon at %s: %v", tt.now, err)
		}
		if got != tt.want {
			t.Errorf("WithinHorizon at %s = %v, want %v", tt.now, got, tt.want)
		}
	}
}
